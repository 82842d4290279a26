package yamux

import (
	"bytes"
	"io"
	"testing"
)

func TestSegmentedBuffer(t *testing.T) {
	var b segmentedBuffer

	if _, err := b.Read(make([]byte, 4)); err != io.EOF {
		t.Errorf("empty read err = %v, want EOF", err)
	}

	src := bytes.NewReader([]byte("hello world"))
	if err := b.Append(src, 5); err != nil {
		t.Fatal(err)
	}
	if err := b.Append(src, 6); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 11 {
		t.Errorf("len = %d, want 11", b.Len())
	}

	// Reads cross segment boundaries.
	out := make([]byte, 7)
	n, err := b.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(out[:n]) != "hello w" {
		t.Errorf("read %q", out[:n])
	}
	rest := make([]byte, 16)
	n, err = b.Read(rest)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest[:n]) != "orld" {
		t.Errorf("read %q", rest[:n])
	}
	if b.Len() != 0 {
		t.Errorf("len = %d after drain", b.Len())
	}
}

func TestSegmentedBufferShortSource(t *testing.T) {
	var b segmentedBuffer
	src := bytes.NewReader([]byte("ab"))
	if err := b.Append(src, 5); err == nil {
		t.Error("append past source succeeded")
	}
}

func TestHeaderEncodeDecode(t *testing.T) {
	var h header
	h.encode(typeData, flagSYN|flagACK, 42, 1<<20)
	if h.Type() != typeData {
		t.Errorf("type = %d", h.Type())
	}
	if h.Flags() != flagSYN|flagACK {
		t.Errorf("flags = %d", h.Flags())
	}
	if h.StreamID() != 42 {
		t.Errorf("id = %d", h.StreamID())
	}
	if h.Length() != 1<<20 {
		t.Errorf("length = %d", h.Length())
	}
}

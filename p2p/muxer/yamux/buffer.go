package yamux

import (
	"io"

	pool "github.com/libp2p/go-buffer-pool"
)

// segmentedBuffer queues inbound stream data in pooled chunks, returning
// each chunk to the pool as the reader drains it.
type segmentedBuffer struct {
	len      int
	segments [][]byte
	readOff  int // offset into segments[0]
}

func (b *segmentedBuffer) Len() int { return b.len }

// Append copies up to n bytes from r into the buffer.
func (b *segmentedBuffer) Append(r io.Reader, n int) error {
	buf := pool.Get(n)
	read := 0
	for read < n {
		m, err := r.Read(buf[read:n])
		read += m
		if err != nil {
			pool.Put(buf)
			return err
		}
	}
	b.segments = append(b.segments, buf[:n])
	b.len += n
	return nil
}

// Read copies buffered bytes into p.
func (b *segmentedBuffer) Read(p []byte) (int, error) {
	if b.len == 0 {
		return 0, io.EOF
	}
	total := 0
	for len(p) > 0 && len(b.segments) > 0 {
		seg := b.segments[0]
		n := copy(p, seg[b.readOff:])
		total += n
		b.readOff += n
		p = p[n:]
		if b.readOff == len(seg) {
			pool.Put(seg[:cap(seg)])
			b.segments[0] = nil
			b.segments = b.segments[1:]
			b.readOff = 0
		}
	}
	b.len -= total
	return total, nil
}

// Release returns all pooled chunks.
func (b *segmentedBuffer) Release() {
	for i, seg := range b.segments {
		pool.Put(seg[:cap(seg)])
		b.segments[i] = nil
	}
	b.segments = nil
	b.len = 0
	b.readOff = 0
}

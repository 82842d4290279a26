// Package util provides the delimited control-message codec used on
// HOP and STOP streams.
package util

import (
	"errors"
	"io"

	"github.com/multiformats/go-varint"
)

// maxMessageSize bounds a single control message.
const maxMessageSize = 4096

// ErrMessageTooLarge is returned for oversized control messages.
var ErrMessageTooLarge = errors.New("circuit control message too large")

type marshaler interface {
	Marshal() ([]byte, error)
}

type unmarshaler interface {
	Unmarshal([]byte) error
}

// DelimitedReader reads varint-delimited messages one byte at a time,
// deliberately unbuffered: bytes that follow a control message on the
// stream belong to the upgraded connection's data phase and must not be
// consumed here.
type DelimitedReader struct {
	r   io.Reader
	buf [1]byte
}

// NewDelimitedReader wraps r.
func NewDelimitedReader(r io.Reader) *DelimitedReader {
	return &DelimitedReader{r: r}
}

func (d *DelimitedReader) readByte() (byte, error) {
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		return 0, err
	}
	return d.buf[0], nil
}

// ReadMsg reads one delimited message into m.
func (d *DelimitedReader) ReadMsg(m unmarshaler) error {
	size, err := varint.ReadUvarint(byteReaderFunc(d.readByte))
	if err != nil {
		return err
	}
	if size > maxMessageSize {
		return ErrMessageTooLarge
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return err
	}
	return m.Unmarshal(buf)
}

type byteReaderFunc func() (byte, error)

func (f byteReaderFunc) ReadByte() (byte, error) { return f() }

// WriteDelimited writes one varint-delimited message.
func WriteDelimited(w io.Writer, m marshaler) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if len(data) > maxMessageSize {
		return ErrMessageTooLarge
	}
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(data)))+len(data))
	buf = append(buf, varint.ToUvarint(uint64(len(data)))...)
	buf = append(buf, data...)
	_, err = w.Write(buf)
	return err
}

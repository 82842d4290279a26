package identify

import (
	"io"

	"github.com/multiformats/go-multistream"

	"github.com/shurlinet/peernet/core/protocol"
)

// multistreamSelect proposes a single protocol on a fresh stream.
func multistreamSelect(rwc io.ReadWriteCloser, id protocol.ID) error {
	_, err := multistream.SelectOneOf([]protocol.ID{id}, rwc)
	return err
}

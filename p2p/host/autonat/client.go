package autonat

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
)

// probeTimeout bounds one dial-request exchange.
const probeTimeout = 30 * time.Second

// maxMsgSize bounds autonat control messages.
const maxMsgSize = 4 << 10

// Client sends candidate addresses to a remote autonat service and
// collects per-address outcomes.
type Client struct {
	host host.Host
}

// NewClient creates an autonat client on h.
func NewClient(h host.Host) *Client {
	return &Client{host: h}
}

// Probe asks server to dial back the candidate addresses.
func (c *Client) Probe(ctx context.Context, server peer.ID, addrs []ma.Multiaddr) (map[string]Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	s, err := c.host.NewStream(ctx, server, protocol.AutoNATDialRequest)
	if err != nil {
		return nil, fmt.Errorf("opening autonat stream: %w", err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(probeTimeout))

	req := &dialRequest{Nonce: rand.Uint64()}
	for _, a := range addrs {
		req.Addrs = append(req.Addrs, a.Bytes())
	}
	data, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	if err := msgio.NewVarintWriter(s).WriteMsg(data); err != nil {
		_ = s.Reset()
		return nil, err
	}

	r := msgio.NewVarintReaderSize(s, maxMsgSize)
	respData, err := r.ReadMsg()
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	defer r.ReleaseMsg(respData)

	var resp dialResponse
	if err := resp.Unmarshal(respData); err != nil {
		return nil, err
	}

	out := make(map[string]Outcome, len(resp.Outcomes))
	for _, o := range resp.Outcomes {
		a, err := ma.NewMultiaddrBytes(o.Addr)
		if err != nil {
			continue
		}
		out[a.String()] = o.Outcome
	}
	return out, nil
}

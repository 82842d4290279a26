package autonat

import (
	"context"
	"log/slog"
	"time"

	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
)

// maxDialBackAddrs bounds how many addresses one request may probe.
const maxDialBackAddrs = 8

// dialBackTimeout bounds one dial-back attempt.
const dialBackTimeout = 15 * time.Second

// DialBackFunc performs one dial-back: a fresh connection attempt to
// addr claiming to belong to p. It must not reuse existing connections.
type DialBackFunc func(ctx context.Context, p peer.ID, addr ma.Multiaddr) error

// Service answers dial requests by dialing the candidate addresses
// back.
type Service struct {
	host     host.Host
	dialBack DialBackFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService starts the autonat service on h. dialBack performs the
// actual connection attempts.
func NewService(h host.Host, dialBack DialBackFunc) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{host: h, dialBack: dialBack, ctx: ctx, cancel: cancel}
	h.SetStreamHandler(protocol.AutoNATDialRequest, s.handleRequest)
	return s
}

// Close stops the service.
func (s *Service) Close() error {
	s.host.RemoveStreamHandler(protocol.AutoNATDialRequest)
	s.cancel()
	return nil
}

func (s *Service) handleRequest(str network.Stream) {
	defer str.Close()
	_ = str.SetDeadline(time.Now().Add(probeTimeout))

	r := msgio.NewVarintReaderSize(str, maxMsgSize)
	data, err := r.ReadMsg()
	if err != nil {
		_ = str.Reset()
		return
	}
	var req dialRequest
	if err := req.Unmarshal(data); err != nil {
		r.ReleaseMsg(data)
		_ = str.Reset()
		return
	}
	r.ReleaseMsg(data)

	p := str.Conn().RemotePeer()
	obsIP, obsErr := manet.ToIP(str.Conn().RemoteMultiaddr())

	resp := &dialResponse{}
	count := 0
	for _, ab := range req.Addrs {
		if count >= maxDialBackAddrs {
			break
		}
		a, err := ma.NewMultiaddrBytes(ab)
		if err != nil {
			continue
		}
		count++

		// Amplification guard: only dial addresses whose IP matches
		// the one the request arrived from.
		if obsErr == nil {
			if ip, err := manet.ToIP(a); err != nil || !ip.Equal(obsIP) {
				if !manet.IsIPLoopback(a) || !obsIP.IsLoopback() {
					resp.Outcomes = append(resp.Outcomes, addrOutcome{Addr: a.Bytes(), Outcome: OutcomeDialRefused})
					continue
				}
			}
		}

		outcome := OutcomeOK
		ctx, cancel := context.WithTimeout(s.ctx, dialBackTimeout)
		if err := s.dialBack(ctx, p, a); err != nil {
			outcome = OutcomeDialError
		}
		cancel()
		resp.Outcomes = append(resp.Outcomes, addrOutcome{Addr: a.Bytes(), Outcome: outcome})
	}

	out, err := resp.Marshal()
	if err != nil {
		_ = str.Reset()
		return
	}
	if err := msgio.NewVarintWriter(str).WriteMsg(out); err != nil {
		_ = str.Reset()
		return
	}
	slog.Debug("autonat dial-back served",
		"peer", p.ShortString(), "addrs", count)
}

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/core/record"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/pb"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/proto"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/util"
)

// reserveTimeout bounds one RESERVE exchange.
const reserveTimeout = 30 * time.Second

// ReservationError wraps a refused reservation with its status.
type ReservationError struct {
	Status pb.Status
	Reason string
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("reservation failed: %s (%s)", e.Status, e.Reason)
}

// Reservation is a slot held on a relay.
type Reservation struct {
	// Relay holding the slot.
	Relay peer.ID

	// Expiration is when the slot lapses; clients refresh before it.
	Expiration time.Time

	// Addrs are the relay's advertised addresses (with /p2p suffix).
	Addrs []ma.Multiaddr

	// Voucher is the relay's signed {relay, peer, expiration} record.
	Voucher *proto.ReservationVoucher

	// VoucherBytes is the raw signed envelope.
	VoucherBytes []byte

	// LimitDuration and LimitData echo the relay's per-session caps.
	LimitDuration time.Duration
	LimitData     uint64
}

// Reserve obtains a relay slot on the given relay, verifying the signed
// voucher.
func Reserve(ctx context.Context, h host.Host, relay peer.AddrInfo) (*Reservation, error) {
	if len(relay.Addrs) > 0 {
		h.Peerstore().AddAddrs(relay.ID, relay.Addrs, peerstore.TempAddrTTL)
	}

	ctx, cancel := context.WithTimeout(ctx, reserveTimeout)
	defer cancel()

	if err := h.Connect(ctx, peer.AddrInfo{ID: relay.ID}); err != nil {
		return nil, fmt.Errorf("connecting to relay: %w", err)
	}

	s, err := h.NewStream(ctx, relay.ID, proto.ProtoIDv2Hop)
	if err != nil {
		return nil, fmt.Errorf("opening hop stream: %w", err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := util.WriteDelimited(s, &pb.HopMessage{Type: pb.HopReserve}); err != nil {
		_ = s.Reset()
		return nil, err
	}

	var resp pb.HopMessage
	if err := util.NewDelimitedReader(s).ReadMsg(&resp); err != nil {
		_ = s.Reset()
		return nil, err
	}
	if resp.Type != pb.HopStatus {
		return nil, &ReservationError{Status: pb.StatusMalformedMessage, Reason: "unexpected message type"}
	}
	if resp.Status != pb.StatusOK {
		return nil, &ReservationError{Status: resp.Status, Reason: "relay refused reservation"}
	}
	if resp.Reservation == nil {
		return nil, &ReservationError{Status: pb.StatusMalformedMessage, Reason: "missing reservation"}
	}

	rsvp := &Reservation{
		Relay:      relay.ID,
		Expiration: time.Unix(int64(resp.Reservation.Expire), 0),
	}
	if rsvp.Expiration.Before(time.Now()) {
		return nil, &ReservationError{Status: pb.StatusMalformedMessage, Reason: "reservation already expired"}
	}

	for _, ab := range resp.Reservation.Addrs {
		a, err := ma.NewMultiaddrBytes(ab)
		if err != nil {
			continue
		}
		rsvp.Addrs = append(rsvp.Addrs, a)
	}

	if len(resp.Reservation.Voucher) > 0 {
		rsvp.VoucherBytes = resp.Reservation.Voucher
		voucher := &proto.ReservationVoucher{}
		env, err := record.ConsumeTypedEnvelope(resp.Reservation.Voucher, voucher)
		if err != nil {
			return nil, fmt.Errorf("invalid reservation voucher: %w", err)
		}
		signer, err := peer.IDFromPublicKey(env.PublicKey)
		if err != nil || signer != relay.ID {
			return nil, errors.New("reservation voucher not signed by relay")
		}
		if voucher.Relay != relay.ID || voucher.Peer != h.ID() {
			return nil, errors.New("reservation voucher binds the wrong peers")
		}
		rsvp.Voucher = voucher
	}

	if resp.Limit != nil {
		rsvp.LimitDuration = time.Duration(resp.Limit.Duration) * time.Second
		rsvp.LimitData = resp.Limit.Data
	}
	return rsvp, nil
}

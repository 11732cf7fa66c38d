package discovery

import (
	"context"
	"net"
	"time"

	"github.com/opd-ai/humr/roomid"
)

// ProximityPeer is one peer reported by a short-range radio.
type ProximityPeer struct {
	Endpoint net.Addr
	// SignalStrength is the radio's 0..1 quality estimate.
	SignalStrength float64
}

// ProximityRadio is the host capability behind proximity discovery. The
// engine never talks to radio hardware directly; whatever the platform
// provides is injected through this boundary.
type ProximityRadio interface {
	// Nearby returns peers currently advertising the room identifier.
	Nearby(ctx context.Context, room string) ([]ProximityPeer, error)
}

// ProximityScanner adapts a ProximityRadio to the scanner interface.
type ProximityScanner struct {
	radio ProximityRadio
}

// NewProximityScanner creates a proximity scanner over the given radio.
func NewProximityScanner(radio ProximityRadio) *ProximityScanner {
	return &ProximityScanner{radio: radio}
}

// Channel reports the proximity channel.
func (p *ProximityScanner) Channel() Channel { return ChannelProximity }

// Scan queries the radio for nearby peers.
func (p *ProximityScanner) Scan(ctx context.Context, id roomid.RoomID) ([]Candidate, error) {
	if p.radio == nil {
		return nil, ErrChannelUnavailable
	}

	peers, err := p.radio.Nearby(ctx, id.String())
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(peers))
	for _, peer := range peers {
		candidates = append(candidates, Candidate{
			Endpoint:      peer.Endpoint,
			Channel:       ChannelProximity,
			SignalQuality: peer.SignalStrength,
			DiscoveredAt:  time.Now(),
		})
	}
	return candidates, nil
}

// ManualChannel accepts endpoints entered by the caller and hands them to
// the engine as manual candidates.
type ManualChannel struct {
	entries chan net.Addr
}

// NewManualChannel creates a manual entry channel.
func NewManualChannel() *ManualChannel {
	return &ManualChannel{entries: make(chan net.Addr, 4)}
}

// Submit queues a caller-entered endpoint. It never blocks; with the queue
// full the entry is dropped.
func (m *ManualChannel) Submit(addr net.Addr) bool {
	select {
	case m.entries <- addr:
		return true
	default:
		return false
	}
}

// Channel reports the manual channel.
func (m *ManualChannel) Channel() Channel { return ChannelManual }

// Scan waits for one submitted endpoint, then drains any others already
// queued.
func (m *ManualChannel) Scan(ctx context.Context, _ roomid.RoomID) ([]Candidate, error) {
	var candidates []Candidate
	select {
	case <-ctx.Done():
		return nil, nil
	case addr := <-m.entries:
		candidates = append(candidates, manualCandidate(addr))
	}

	for {
		select {
		case addr := <-m.entries:
			candidates = append(candidates, manualCandidate(addr))
		default:
			return candidates, nil
		}
	}
}

func manualCandidate(addr net.Addr) Candidate {
	return Candidate{
		Endpoint:     addr,
		Channel:      ChannelManual,
		DiscoveredAt: time.Now(),
	}
}

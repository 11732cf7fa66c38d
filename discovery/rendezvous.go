package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humr/roomid"
	"github.com/opd-ai/humr/transport"
)

// RendezvousClient looks a room identifier up at a rendezvous server over
// the internet. The lookup itself is protected by a Noise XX handshake
// (DH25519, ChaChaPoly, SHA256) so the server association between rooms and
// endpoints is never visible on the wire.
type RendezvousClient struct {
	conn   transport.Datagram
	server net.Addr
}

// NewRendezvousClient creates a rendezvous lookup client speaking to the
// given server over the datagram boundary.
func NewRendezvousClient(conn transport.Datagram, server net.Addr) *RendezvousClient {
	return &RendezvousClient{conn: conn, server: server}
}

// Channel reports the internet channel.
func (r *RendezvousClient) Channel() Channel { return ChannelInternet }

// Scan runs the Noise handshake with the server, sends the encrypted room
// lookup, and decodes the candidate endpoints from the encrypted reply.
func (r *RendezvousClient) Scan(ctx context.Context, id roomid.RoomID) ([]Candidate, error) {
	if r.conn == nil || r.server == nil {
		return nil, ErrChannelUnavailable
	}

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	staticKey, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rendezvous static key: %w", err)
	}

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rendezvous handshake state: %w", err)
	}

	// XX message 1: -> e
	msg1, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous handshake write failed: %w", err)
	}
	if _, err := r.conn.WriteTo(msg1, r.server); err != nil {
		return nil, fmt.Errorf("failed to reach rendezvous server: %w", err)
	}

	// XX message 2: <- e, ee, s, es
	reply, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := state.ReadMessage(nil, reply); err != nil {
		return nil, fmt.Errorf("rendezvous handshake read failed: %w", err)
	}

	// XX message 3: -> s, se, carrying the lookup as its payload.
	msg3, send, recv, err := state.WriteMessage(nil, []byte(id.String()))
	if err != nil {
		return nil, fmt.Errorf("rendezvous handshake write failed: %w", err)
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("rendezvous handshake did not complete")
	}
	if _, err := r.conn.WriteTo(msg3, r.server); err != nil {
		return nil, fmt.Errorf("failed to send rendezvous lookup: %w", err)
	}

	encrypted, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	plaintext, err := recv.Decrypt(nil, nil, encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt rendezvous reply: %w", err)
	}

	candidates, err := parseRendezvousReply(plaintext)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Scan",
		"room":       id.String(),
		"candidates": len(candidates),
	}).Debug("Rendezvous lookup complete")
	return candidates, nil
}

// read waits for one datagram from the server or ctx expiry.
func (r *RendezvousClient) read(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, 4096)
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			done <- result{err: fmt.Errorf("rendezvous read failed: %w", err)}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		done <- result{data: data}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("rendezvous lookup aborted: %w", ctx.Err())
	case res := <-done:
		return res.data, res.err
	}
}

// parseRendezvousReply decodes the server reply: count byte, then per
// candidate an address-length byte, the "host:port" address, and a 4-byte
// big-endian latency hint in milliseconds (0 = unknown).
func parseRendezvousReply(data []byte) ([]Candidate, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("rendezvous reply empty")
	}
	count := int(data[0])
	data = data[1:]

	candidates := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < 1 {
			return nil, fmt.Errorf("rendezvous reply truncated at candidate %d", i)
		}
		addrLen := int(data[0])
		data = data[1:]
		if len(data) < addrLen+4 {
			return nil, fmt.Errorf("rendezvous reply truncated at candidate %d", i)
		}

		addr, err := net.ResolveUDPAddr("udp", string(data[:addrLen]))
		if err != nil {
			return nil, fmt.Errorf("rendezvous reply carries bad endpoint: %w", err)
		}
		latencyMs := binary.BigEndian.Uint32(data[addrLen : addrLen+4])
		data = data[addrLen+4:]

		candidates = append(candidates, Candidate{
			Endpoint:        addr,
			Channel:         ChannelInternet,
			ObservedLatency: time.Duration(latencyMs) * time.Millisecond,
			DiscoveredAt:    time.Now(),
		})
	}
	return candidates, nil
}

// EncodeRendezvousReply builds the wire form parseRendezvousReply reads.
// Exposed for rendezvous server implementations and tests.
func EncodeRendezvousReply(candidates []Candidate) []byte {
	buf := []byte{byte(len(candidates))}
	for _, c := range candidates {
		addr := c.Endpoint.String()
		buf = append(buf, byte(len(addr)))
		buf = append(buf, addr...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(c.ObservedLatency/time.Millisecond))
	}
	return buf
}

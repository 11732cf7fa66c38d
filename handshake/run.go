package handshake

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humr/crypto"
	"github.com/opd-ai/humr/session"
	"github.com/opd-ai/humr/transport"
	"github.com/opd-ai/humr/trust"
)

// Run performs the full exchange as initiator against peer over the
// datagram boundary, bounded by budget. Ephemeral material is wiped before
// return on every path, including cancellation and timeout.
func Run(ctx context.Context, conn transport.Datagram, peer net.Addr,
	identity *crypto.IdentityKeyPair, store trust.Store,
	config *Config, budget time.Duration) (*session.Keys, error) {

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	initiator := NewInitiator(identity, store, config)
	defer initiator.Abort()

	msg1, err := initiator.Message1()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteTo(msg1.Marshal(), peer); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"peer":     peer.String(),
		"budget":   budget,
	}).Debug("Handshake message sent, awaiting reply")

	msg2, err := awaitReply(ctx, conn)
	if err != nil {
		return nil, err
	}
	return initiator.Finish(msg2)
}

// awaitReply reads datagrams until one parses as a handshake message or the
// context expires. Non-handshake datagrams are ignored.
func awaitReply(ctx context.Context, conn transport.Datagram) (Message, error) {
	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				done <- result{err: fmt.Errorf("failed to receive handshake reply: %w", err)}
				return
			}
			msg, err := ParseMessage(buf[:n])
			if err != nil {
				continue
			}
			done <- result{msg: msg}
			return
		}
	}()

	select {
	case <-ctx.Done():
		return Message{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case r := <-done:
		return r.msg, r.err
	}
}

// Serve answers a single inbound handshake on the datagram boundary and
// returns the derived session keys along with the peer's address.
func Serve(ctx context.Context, conn transport.Datagram, responder *Responder) (*session.Keys, net.Addr, error) {
	type result struct {
		keys *session.Keys
		addr net.Addr
		err  error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				done <- result{err: fmt.Errorf("failed to receive handshake: %w", err)}
				return
			}
			msg1, err := ParseMessage(buf[:n])
			if err != nil {
				continue
			}

			msg2, keys, err := responder.Respond(msg1)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Serve",
					"peer":     addr.String(),
					"error":    err,
				}).Warn("Handshake attempt rejected")
				continue
			}
			if _, err := conn.WriteTo(msg2.Marshal(), addr); err != nil {
				done <- result{err: fmt.Errorf("failed to send handshake reply: %w", err)}
				return
			}
			done <- result{keys: keys, addr: addr}
			return
		}
	}()

	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case r := <-done:
		return r.keys, r.addr, r.err
	}
}

// Package humr is a peer-to-peer voice connection core. Dial takes a human
// readable room identifier and returns an established call: endpoint
// discovery across proximity, LAN, and internet channels, an authenticated
// ephemeral key exchange, an encrypted frame stream, and continuous quality
// adaptation, all behind one call object.
package humr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humr/audio"
	"github.com/opd-ai/humr/breaker"
	"github.com/opd-ai/humr/crypto"
	"github.com/opd-ai/humr/discovery"
	"github.com/opd-ai/humr/handshake"
	"github.com/opd-ai/humr/quality"
	"github.com/opd-ai/humr/roomid"
	"github.com/opd-ai/humr/session"
	"github.com/opd-ai/humr/transport"
	"github.com/opd-ai/humr/trust"
)

// ErrNoCandidateConnected indicates every discovered candidate failed the
// handshake.
var ErrNoCandidateConnected = errors.New("no discovered candidate completed a handshake")

// Frame plaintext kinds. The first plaintext byte of every encrypted frame
// says what the rest is: audio payload, or one leg of the in-band rekey
// exchange that rides the already-secure channel.
const (
	frameKindAudio      byte = 0x00
	frameKindRekeyInit  byte = 0x01
	frameKindRekeyReply byte = 0x02
)

// Options configures Dial. Identity and Scanners are required; everything
// else has working defaults.
type Options struct {
	// Identity is this endpoint's long-term key pair.
	Identity *crypto.IdentityKeyPair
	// Trust decides which peer identities may complete a handshake.
	// Nil means trust-on-first-use.
	Trust trust.Store
	// Scanners are the discovery channels to race.
	Scanners []discovery.Scanner
	// Breakers guards discovery channels and the handshake. Nil creates a
	// coordinator with default thresholds.
	Breakers *breaker.Coordinator
	// Encoder receives bitrate adaptation; nil uses a passthrough PCM
	// encoder.
	Encoder audio.Encoder
	// Capture, when set, starts the outbound audio pipeline.
	Capture audio.CaptureSource
	// OnAudio, when set, receives decoded inbound PCM frames.
	OnAudio func(pcm []int16)
	// Decoder for inbound payloads; nil uses the passthrough PCM decoder.
	Decoder audio.Decoder
	// LatencyProbe feeds path measurements into the quality monitor.
	LatencyProbe quality.ProbeFunc

	DiscoveryConfig *discovery.Config
	HandshakeConfig *handshake.Config
	SessionConfig   *session.Config
	MonitorConfig   *quality.Config

	// DiscoveryBudget bounds one discovery run (default: 8s).
	DiscoveryBudget time.Duration
	// HandshakeBudget bounds one handshake attempt (default: 5s).
	HandshakeBudget time.Duration
	// RecoveryAttempts bounds automatic re-establishment tries per
	// recovery event (default: 3).
	RecoveryAttempts int

	// Dial opens the datagram socket for a connection attempt. Nil binds
	// an ephemeral UDP port.
	Dial func() (transport.Datagram, error)
}

func (o *Options) withDefaults() (*Options, error) {
	if o.Identity == nil {
		return nil, fmt.Errorf("identity key pair is required")
	}

	out := *o
	if out.Trust == nil {
		out.Trust = trust.NewTOFU(trust.NewAllowList())
	}
	if out.Breakers == nil {
		out.Breakers = breaker.NewCoordinator(nil)
	}
	if out.Encoder == nil {
		out.Encoder = audio.NewPCMEncoder()
	}
	if out.Decoder == nil {
		out.Decoder = audio.PCMDecoder{}
	}
	if out.DiscoveryBudget <= 0 {
		out.DiscoveryBudget = 8 * time.Second
	}
	if out.HandshakeBudget <= 0 {
		out.HandshakeBudget = 5 * time.Second
	}
	if out.RecoveryAttempts <= 0 {
		out.RecoveryAttempts = 3
	}
	if out.Dial == nil {
		out.Dial = func() (transport.Datagram, error) {
			return transport.ListenUDP(":0")
		}
	}
	return &out, nil
}

// Call is one established voice connection.
type Call struct {
	id     roomid.RoomID
	opts   *Options
	engine *discovery.Engine

	// root spans the call; each established session runs its pipeline
	// goroutines under a per-generation child so recovery can stop the
	// old generation cleanly before starting the next.
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sess      *session.Session
	conn      transport.Datagram
	peer      net.Addr
	closed    bool
	genCancel context.CancelFunc

	// responder is set on hosted calls; its presence selects the hosting
	// recovery path (wait for the caller to come back) over re-discovery.
	// The dialing side drives key rotation; a hosted call only answers.
	responder *handshake.Responder

	// rekeyReplies carries the peer's ephemeral from the receive loop to a
	// rotation in progress.
	rekeyReplies chan [32]byte

	errs chan error
}

// Host answers a call for the given room: it binds a socket, announces the
// room on the local network, waits for a caller's handshake, and starts the
// session. The caller generates the room identifier (see roomid.Generate)
// and shares it out of band.
func Host(ctx context.Context, id roomid.RoomID, opts Options) (*Call, error) {
	resolved, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	conn, err := resolved.Dial()
	if err != nil {
		return nil, err
	}

	call := &Call{
		id:           id,
		opts:         resolved,
		responder:    handshake.NewResponder(resolved.Identity, resolved.Trust, resolved.HandshakeConfig),
		rekeyReplies: make(chan [32]byte, 1),
		errs:         make(chan error, 4),
	}
	call.root, call.cancel = context.WithCancel(context.Background())

	if port := localPort(conn); port != 0 {
		announcer := discovery.NewLANScanner(resolved.Identity.Public, uint16(port))
		call.wg.Add(1)
		go func() {
			defer call.wg.Done()
			if err := announcer.Announce(call.root, id); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Host",
					"error":    err,
				}).Warn("LAN announcement unavailable")
			}
		}()
	}

	keys, peer, err := handshake.Serve(ctx, conn, call.responder)
	if err != nil {
		call.cancel()
		conn.Close()
		call.wg.Wait()
		return nil, err
	}

	sess, err := session.New(keys, resolved.SessionConfig)
	if err != nil {
		call.cancel()
		conn.Close()
		call.wg.Wait()
		return nil, err
	}

	call.sess = sess
	call.conn = conn
	call.peer = peer
	call.startGeneration()

	logrus.WithFields(logrus.Fields{
		"function": "Host",
		"room":     id.String(),
		"peer":     peer.String(),
	}).Info("Call answered")
	return call, nil
}

func localPort(conn transport.Datagram) int {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Dial discovers the room, completes a handshake with the best reachable
// candidate, and starts the session and its quality monitor.
func Dial(ctx context.Context, id roomid.RoomID, opts Options) (*Call, error) {
	resolved, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if len(resolved.Scanners) == 0 {
		return nil, fmt.Errorf("at least one discovery scanner is required")
	}

	guarded := make([]discovery.Scanner, len(resolved.Scanners))
	for i, s := range resolved.Scanners {
		guarded[i] = &breakerScanner{inner: s, breakers: resolved.Breakers}
	}

	call := &Call{
		id:           id,
		opts:         resolved,
		engine:       discovery.NewEngine(resolved.DiscoveryConfig, guarded...),
		rekeyReplies: make(chan [32]byte, 1),
		errs:         make(chan error, 4),
	}

	sess, conn, peer, err := call.establish(ctx)
	if err != nil {
		return nil, err
	}

	call.root, call.cancel = context.WithCancel(context.Background())
	call.sess = sess
	call.conn = conn
	call.peer = peer
	call.startGeneration()

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"room":     id.String(),
		"peer":     peer.String(),
	}).Info("Call established")
	return call, nil
}

// Errors delivers terminal failures the call could not recover from.
func (c *Call) Errors() <-chan error {
	return c.errs
}

// Room returns the room identifier the call was dialed with.
func (c *Call) Room() roomid.RoomID {
	return c.id
}

// PeerIdentity returns the authenticated identity of the connected peer.
func (c *Call) PeerIdentity() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.PeerIdentity()
}

// establish runs discovery and races handshakes against the ranked
// candidates; the first to complete wins and the rest are cancelled.
func (c *Call) establish(ctx context.Context) (*session.Session, transport.Datagram, net.Addr, error) {
	candidates, err := c.engine.Discover(ctx, c.id, c.opts.DiscoveryBudget)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := c.opts.Breakers.Allow("handshake"); err != nil {
		return nil, nil, nil, err
	}

	keys, conn, peer, err := c.raceHandshakes(ctx, candidates)
	if err != nil {
		c.opts.Breakers.Failure("handshake")
		return nil, nil, nil, err
	}
	c.opts.Breakers.Success("handshake")

	sess, err := session.New(keys, c.opts.SessionConfig)
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	return sess, conn, peer, nil
}

type attemptResult struct {
	keys *session.Keys
	conn transport.Datagram
	peer net.Addr
	err  error
}

func (c *Call) raceHandshakes(ctx context.Context, candidates []discovery.Candidate) (*session.Keys, transport.Datagram, net.Addr, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult, len(candidates))
	for _, candidate := range candidates {
		go func(candidate discovery.Candidate) {
			conn, err := c.opts.Dial()
			if err != nil {
				results <- attemptResult{err: err}
				return
			}

			keys, err := handshake.Run(raceCtx, conn, candidate.Endpoint,
				c.opts.Identity, c.opts.Trust, c.opts.HandshakeConfig, c.opts.HandshakeBudget)
			if err != nil {
				conn.Close()
				results <- attemptResult{err: err}
				return
			}
			results <- attemptResult{keys: keys, conn: conn, peer: candidate.Endpoint}
		}(candidate)
	}

	var lastErr error
	for consumed := 0; consumed < len(candidates); consumed++ {
		r := <-results
		if r.err != nil {
			// An identity failure is a verdict, not a flaky path; stop
			// racing and surface it.
			if isIdentityFailure(r.err) {
				cancel()
				go drainLosers(results, len(candidates)-consumed-1)
				return nil, nil, nil, r.err
			}
			lastErr = r.err
			continue
		}

		// First winner: stop the rest, their ephemerals are wiped on
		// cancellation inside handshake.Run.
		cancel()
		go drainLosers(results, len(candidates)-consumed-1)
		return r.keys, r.conn, r.peer, nil
	}

	if lastErr == nil {
		lastErr = ErrNoCandidateConnected
	}
	return nil, nil, nil, fmt.Errorf("%w: %v", ErrNoCandidateConnected, lastErr)
}

// drainLosers closes connections from attempts that lost the race.
func drainLosers(results <-chan attemptResult, remaining int) {
	for i := 0; i < remaining; i++ {
		if r := <-results; r.conn != nil {
			r.conn.Close()
		}
	}
}

func isIdentityFailure(err error) bool {
	return errors.Is(err, handshake.ErrUntrustedIdentity) ||
		errors.Is(err, handshake.ErrSignatureInvalid)
}

// startGeneration spins up pipeline goroutines for the current session
// under a fresh child context. The session, socket, and peer are snapshotted
// here once: the frame loops never touch c.mu, so the real-time path shares
// no lock with recovery or Close.
func (c *Call) startGeneration() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.root)
	c.genCancel = cancel
	sess, conn, peer := c.sess, c.conn, c.peer
	c.mu.Unlock()

	c.startPipelines(ctx, sess, conn, peer)
}

// startPipelines launches the monitor, the adaptation loop, the key
// rotator, and the audio send/receive paths for the current session.
func (c *Call) startPipelines(ctx context.Context, sess *session.Session, conn transport.Datagram, peer net.Addr) {
	source := quality.NewSessionSource(sess.Stats(), c.opts.LatencyProbe)
	monitor, err := quality.NewMonitor(source, quality.NewBitrateController(c.opts.Encoder.BitRate()), c.opts.MonitorConfig)
	if err != nil {
		// Config was validated at Dial; reaching this means defaults broke.
		c.fail(err)
		return
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.adaptLoop(ctx, monitor)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receiveLoop(ctx, sess, conn, peer)
	}()

	if c.responder == nil {
		rotator := session.NewRotator(sess, func(ctx context.Context) ([32]byte, error) {
			return c.rekeyExchange(ctx, sess, conn, peer)
		})
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			rotator.Run(ctx)
		}()
	}

	if c.opts.Capture != nil {
		ring := transport.NewRing(16, audio.FrameSamples*2)
		c.wg.Add(2)
		go func() {
			defer c.wg.Done()
			c.captureLoop(ctx, ring)
		}()
		go func() {
			defer c.wg.Done()
			c.sendLoop(ctx, ring, sess, conn, peer)
		}()
	}
}

// adaptLoop applies monitor events: bitrate changes go to the encoder,
// recovery tears the session down and re-establishes.
func (c *Call) adaptLoop(ctx context.Context, monitor *quality.Monitor) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-monitor.Events():
			switch e := event.(type) {
			case quality.BitrateChanged:
				if err := c.opts.Encoder.SetBitRate(e.To); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "adaptLoop",
						"bit_rate": e.To,
						"error":    err,
					}).Warn("Encoder rejected adapted bit rate")
				}
			case quality.RecoveryRequired:
				logrus.WithFields(logrus.Fields{
					"function": "adaptLoop",
					"reason":   e.Reason,
				}).Warn("Connection recovery required")
				go c.recover()
				return
			}
		}
	}
}

// recover stops the current pipeline generation, re-runs discovery and
// handshake, and swaps the session in place. Identity failures end the
// call; network failures retry up to the configured attempt count.
func (c *Call) recover() {
	c.mu.Lock()
	genCancel := c.genCancel
	oldSess, oldConn := c.sess, c.conn
	c.mu.Unlock()
	if genCancel != nil {
		genCancel()
	}
	port := localPort(oldConn)
	oldConn.Close()

	if c.responder != nil {
		c.recoverHost(oldSess, port)
		return
	}

	for attempt := 1; attempt <= c.opts.RecoveryAttempts; attempt++ {
		if c.root.Err() != nil {
			return
		}

		sess, conn, peer, err := c.establish(c.root)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				sess.Close()
				conn.Close()
				return
			}
			c.sess, c.conn, c.peer = sess, conn, peer
			c.mu.Unlock()
			oldSess.Close()

			c.startGeneration()
			logrus.WithFields(logrus.Fields{
				"function": "recover",
				"attempt":  attempt,
				"peer":     peer.String(),
			}).Info("Connection recovered")
			return
		}

		if isIdentityFailure(err) {
			c.fail(err)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "recover",
			"attempt":  attempt,
			"error":    err,
		}).Warn("Recovery attempt failed")
	}
	c.fail(fmt.Errorf("recovery abandoned after %d attempts", c.opts.RecoveryAttempts))
}

// recoverHost rebinds the hosting socket and waits for the caller's own
// recovery to dial back in.
func (c *Call) recoverHost(oldSess *session.Session, port int) {
	conn, err := transport.ListenUDP(fmt.Sprintf(":%d", port))
	if err != nil {
		c.fail(fmt.Errorf("failed to rebind hosting socket: %w", err))
		return
	}

	keys, peer, err := handshake.Serve(c.root, conn, c.responder)
	if err != nil {
		conn.Close()
		if c.root.Err() == nil {
			c.fail(err)
		}
		return
	}

	sess, err := session.New(keys, c.opts.SessionConfig)
	if err != nil {
		conn.Close()
		c.fail(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Close()
		conn.Close()
		return
	}
	c.sess, c.conn, c.peer = sess, conn, peer
	c.mu.Unlock()
	oldSess.Close()

	c.startGeneration()
	logrus.WithFields(logrus.Fields{
		"function": "recoverHost",
		"peer":     peer.String(),
	}).Info("Hosted call recovered")
}

func (c *Call) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// rekeyExchange negotiates a replacement session key over the encrypted
// channel itself: a fresh ephemeral goes out inside a frame, the peer's
// comes back, and both sides derive the next key from the new shared
// secret. The channel's AEAD authenticates the exchange; no signatures are
// needed.
func (c *Call) rekeyExchange(ctx context.Context, sess *session.Session, conn transport.Datagram, peer net.Addr) ([32]byte, error) {
	ephemeral, err := crypto.GenerateEphemeral()
	if err != nil {
		return [32]byte{}, err
	}
	defer ephemeral.Wipe()

	// Drop any reply left over from an abandoned attempt.
	select {
	case <-c.rekeyReplies:
	default:
	}

	plain := make([]byte, 1+len(ephemeral.Public))
	plain[0] = frameKindRekeyInit
	copy(plain[1:], ephemeral.Public[:])
	if err := sendControl(sess, conn, peer, plain); err != nil {
		return [32]byte{}, fmt.Errorf("failed to send rekey offer: %w", err)
	}

	select {
	case <-ctx.Done():
		return [32]byte{}, fmt.Errorf("rekey exchange aborted: %w", ctx.Err())
	case peerPub := <-c.rekeyReplies:
		shared, err := crypto.DeriveSharedSecret(ephemeral.Private, peerPub)
		if err != nil {
			return [32]byte{}, err
		}
		key := crypto.DeriveSessionKey(shared, c.opts.Identity.Public, sess.PeerIdentity())
		crypto.ZeroBytes(shared[:])
		return key, nil
	}
}

// handleRekeyInit answers the peer's rekey offer: reply with our own fresh
// ephemeral under the current key, then install the derived replacement.
func (c *Call) handleRekeyInit(sess *session.Session, conn transport.Datagram, peer net.Addr, body []byte) {
	var peerPub [32]byte
	if len(body) != len(peerPub) {
		return
	}
	copy(peerPub[:], body)

	ephemeral, err := crypto.GenerateEphemeral()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRekeyInit",
			"error":    err,
		}).Warn("Rekey answer failed")
		return
	}
	defer ephemeral.Wipe()

	reply := make([]byte, 1+len(ephemeral.Public))
	reply[0] = frameKindRekeyReply
	copy(reply[1:], ephemeral.Public[:])
	if err := sendControl(sess, conn, peer, reply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRekeyInit",
			"error":    err,
		}).Warn("Rekey answer failed")
		return
	}

	shared, err := crypto.DeriveSharedSecret(ephemeral.Private, peerPub)
	if err != nil {
		return
	}
	// The offering side is the rekey initiator; identities order the same
	// way on both ends.
	key := crypto.DeriveSessionKey(shared, sess.PeerIdentity(), c.opts.Identity.Public)
	crypto.ZeroBytes(shared[:])

	if err := sess.InstallKey(key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRekeyInit",
			"error":    err,
		}).Warn("Failed to install rotated key")
	}
	crypto.ZeroBytes(key[:])
}

// sendControl seals a control plaintext and writes it to the peer.
func sendControl(sess *session.Session, conn transport.Datagram, peer net.Addr, plain []byte) error {
	frame, err := sess.EncryptFrame(plain, make([]byte, 0, len(plain)+transport.TagSize))
	if err != nil {
		return err
	}
	_, err = conn.WriteTo(frame.AppendWire(nil), peer)
	return err
}

// captureLoop moves frames from the capture device into the hand-off ring.
// A full ring drops the frame; capture is never blocked by the network.
func (c *Call) captureLoop(ctx context.Context, ring *transport.Ring) {
	pcm := make([]int16, audio.FrameSamples)
	for ctx.Err() == nil {
		n, err := c.opts.Capture.ReadFrame(pcm)
		if err != nil {
			c.fail(fmt.Errorf("audio capture failed: %w", err))
			return
		}

		payload, err := c.opts.Encoder.Encode(pcm[:n])
		if err != nil {
			continue
		}
		ring.Push(payload)
	}
}

// sendLoop drains the ring, seals frames, and writes them to the peer. The
// session, socket, and peer are fixed for the loop's generation so the frame
// path stays lock-free.
func (c *Call) sendLoop(ctx context.Context, ring *transport.Ring, sess *session.Session, conn transport.Datagram, peer net.Addr) {
	plain := make([]byte, 1, 1+audio.FrameSamples*2)
	sealBuf := make([]byte, 0, 1+audio.FrameSamples*2+transport.TagSize)
	wire := make([]byte, 0, transport.HeaderSize+1+audio.FrameSamples*2+transport.TagSize)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	payload := make([]byte, audio.FrameSamples*2)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			n := ring.Pop(payload)
			if n == 0 {
				break
			}

			plain = plain[:1]
			plain[0] = frameKindAudio
			plain = append(plain, payload[:n]...)

			frame, err := sess.EncryptFrame(plain, sealBuf)
			if err != nil {
				continue
			}
			if _, err := conn.WriteTo(frame.AppendWire(wire[:0]), peer); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "sendLoop",
					"error":    err,
				}).Debug("Frame send failed")
			}
		}
	}
}

// receiveLoop reads datagrams, opens frames, and dispatches on the kind
// byte: audio goes to the caller, rekey legs go to the rotation machinery.
// Frame-level failures are dropped and counted, never fatal.
func (c *Call) receiveLoop(ctx context.Context, sess *session.Session, conn transport.Datagram, peer net.Addr) {
	buf := make([]byte, 4096)
	plain := make([]byte, 0, 1+audio.FrameSamples*2)

	for ctx.Err() == nil {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		frame, err := transport.ParseFrame(buf[:n])
		if err != nil {
			continue
		}
		payload, err := sess.DecryptFrame(frame, plain)
		if err != nil || len(payload) == 0 {
			continue
		}

		switch payload[0] {
		case frameKindAudio:
			if c.opts.OnAudio != nil {
				if pcm, err := c.opts.Decoder.Decode(payload[1:]); err == nil {
					c.opts.OnAudio(pcm)
				}
			}
		case frameKindRekeyInit:
			c.handleRekeyInit(sess, conn, peer, payload[1:])
		case frameKindRekeyReply:
			if len(payload[1:]) == 32 {
				var pub [32]byte
				copy(pub[:], payload[1:])
				select {
				case c.rekeyReplies <- pub:
				default:
				}
			}
		}
	}
}

// Stats snapshots the current session's counters. A closed or recovering
// call returns the zero snapshot.
func (c *Call) Stats() session.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return session.Snapshot{}
	}
	return c.sess.Stats().Snapshot()
}

// Close releases the call: pipelines stop, the socket closes, and all key
// material is wiped.
func (c *Call) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	sess := c.sess
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	if sess != nil {
		sess.Close()
	}
	if c.opts.Capture != nil {
		c.opts.Capture.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"room":     c.id.String(),
	}).Info("Call closed")
	return nil
}

// breakerScanner guards one discovery channel with its circuit breaker.
type breakerScanner struct {
	inner    discovery.Scanner
	breakers *breaker.Coordinator
}

func (b *breakerScanner) Channel() discovery.Channel { return b.inner.Channel() }

func (b *breakerScanner) Scan(ctx context.Context, id roomid.RoomID) ([]discovery.Candidate, error) {
	name := "discovery:" + b.inner.Channel().String()
	if err := b.breakers.Allow(name); err != nil {
		return nil, err
	}

	found, err := b.inner.Scan(ctx, id)
	if err != nil {
		b.breakers.Failure(name)
		return nil, err
	}
	b.breakers.Success(name)
	return found, nil
}

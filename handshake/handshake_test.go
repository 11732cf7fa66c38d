package handshake

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/humr/crypto"
	"github.com/opd-ai/humr/transport"
	"github.com/opd-ai/humr/trust"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Unix(1700000000, 0)}
}

func (f *fixedClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixedClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newIdentity(t *testing.T) *crypto.IdentityKeyPair {
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return identity
}

// exchange runs a complete in-memory handshake between two identities that
// trust each other, returning both derived key sets.
func exchange(t *testing.T, alice, bob *crypto.IdentityKeyPair) ([32]byte, [32]byte) {
	t.Helper()

	store := trust.NewAllowList(alice.Public, bob.Public)
	initiator := NewInitiator(alice, store, nil)
	responder := NewResponder(bob, store, nil)

	msg1, err := initiator.Message1()
	require.NoError(t, err)

	msg2, bobKeys, err := responder.Respond(msg1)
	require.NoError(t, err)

	aliceKeys, err := initiator.Finish(msg2)
	require.NoError(t, err)

	return aliceKeys.Key, bobKeys.Key
}

func TestMessageMarshalRoundTrip(t *testing.T) {
	identity := newIdentity(t)
	m, ephemeral, err := buildMessage(identity, time.Unix(1700000000, 0))
	require.NoError(t, err)
	defer ephemeral.Wipe()

	wire := m.Marshal()
	require.Len(t, wire, MessageSize)

	parsed, err := ParseMessage(wire)
	require.NoError(t, err)
	assert.Equal(t, m.Identity, parsed.Identity)
	assert.Equal(t, m.Ephemeral, parsed.Ephemeral)
	assert.Equal(t, m.Signature, parsed.Signature)
	assert.Equal(t, m.Timestamp, parsed.Timestamp)
}

func TestParseMessageWrongSize(t *testing.T) {
	for _, size := range []int{0, MessageSize - 1, MessageSize + 1} {
		_, err := ParseMessage(make([]byte, size))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	}
}

func TestBothSidesDeriveSameKey(t *testing.T) {
	aliceKey, bobKey := exchange(t, newIdentity(t), newIdentity(t))
	assert.Equal(t, aliceKey, bobKey)
}

func TestSessionsAreIndependent(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)

	first, _ := exchange(t, alice, bob)
	second, _ := exchange(t, alice, bob)
	assert.NotEqual(t, first, second, "fresh ephemerals must give fresh keys")
}

func TestExpiredTimestampRejectedRegardlessOfSignature(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	store := trust.NewAllowList(alice.Public, bob.Public)

	clock := newFixedClock()
	initiator := NewInitiator(alice, store, nil)
	initiator.SetTimeProvider(clock)
	responder := NewResponder(bob, store, nil)
	responder.SetTimeProvider(clock)

	msg1, err := initiator.Message1()
	require.NoError(t, err)

	// One second past the window; the signature is perfectly valid.
	clock.advance(301 * time.Second)
	_, _, err = responder.Respond(msg1)
	assert.ErrorIs(t, err, ErrTimestampExpired)

	// And with a destroyed signature the verdict is the same.
	msg1.Signature[0] ^= 0xFF
	_, _, err = responder.Respond(msg1)
	assert.ErrorIs(t, err, ErrTimestampExpired)
}

func TestAbsurdTimestampsRejected(t *testing.T) {
	// Attacker-chosen timestamps far outside the representable range must
	// not overflow the skew arithmetic and wrap back inside the window.
	alice, bob := newIdentity(t), newIdentity(t)
	store := trust.NewAllowList(alice.Public, bob.Public)
	responder := NewResponder(bob, store, nil)
	responder.SetTimeProvider(newFixedClock())

	initiator := NewInitiator(alice, store, nil)
	msg1, err := initiator.Message1()
	require.NoError(t, err)

	for _, ts := range []uint64{math.MaxUint64, math.MaxInt64, 1 << 62} {
		msg1.Timestamp = ts
		_, _, err = responder.Respond(msg1)
		assert.ErrorIs(t, err, ErrTimestampExpired, "timestamp %d", ts)
	}
}

func TestFutureTimestampRejected(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	store := trust.NewAllowList(alice.Public, bob.Public)

	clock := newFixedClock()
	initiator := NewInitiator(alice, store, nil)
	clock.advance(301 * time.Second)
	initiator.SetTimeProvider(clock)
	responder := NewResponder(bob, store, nil)
	responder.SetTimeProvider(newFixedClock())

	msg1, err := initiator.Message1()
	require.NoError(t, err)

	_, _, err = responder.Respond(msg1)
	assert.ErrorIs(t, err, ErrTimestampExpired)
}

func TestTamperedSignatureRejected(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	store := trust.NewAllowList(alice.Public, bob.Public)

	initiator := NewInitiator(alice, store, nil)
	responder := NewResponder(bob, store, nil)

	msg1, err := initiator.Message1()
	require.NoError(t, err)
	msg1.Signature[10] ^= 0x01

	_, _, err = responder.Respond(msg1)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestSubstitutedEphemeralRejected(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	store := trust.NewAllowList(alice.Public, bob.Public)

	initiator := NewInitiator(alice, store, nil)
	responder := NewResponder(bob, store, nil)

	msg1, err := initiator.Message1()
	require.NoError(t, err)

	// A middle party swapping in its own ephemeral breaks the signature.
	attacker, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	defer attacker.Wipe()
	msg1.Ephemeral = attacker.Public

	_, _, err = responder.Respond(msg1)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestUntrustedIdentityRejected(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	// Bob trusts nobody.
	responder := NewResponder(bob, trust.NewAllowList(), nil)
	initiator := NewInitiator(alice, trust.NewAllowList(bob.Public), nil)

	msg1, err := initiator.Message1()
	require.NoError(t, err)

	_, _, err = responder.Respond(msg1)
	assert.ErrorIs(t, err, ErrUntrustedIdentity)
}

func TestInitiatorAppliesTrustToResponder(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)

	// Alice does not trust Bob even though Bob trusts Alice.
	initiator := NewInitiator(alice, trust.NewAllowList(), nil)
	responder := NewResponder(bob, trust.NewAllowList(alice.Public), nil)

	msg1, err := initiator.Message1()
	require.NoError(t, err)
	msg2, _, err := responder.Respond(msg1)
	require.NoError(t, err)

	_, err = initiator.Finish(msg2)
	assert.ErrorIs(t, err, ErrUntrustedIdentity)
}

func TestReplayedMessageRejected(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	store := trust.NewAllowList(alice.Public, bob.Public)

	initiator := NewInitiator(alice, store, nil)
	responder := NewResponder(bob, store, nil)

	msg1, err := initiator.Message1()
	require.NoError(t, err)

	_, _, err = responder.Respond(msg1)
	require.NoError(t, err)

	_, _, err = responder.Respond(msg1)
	assert.ErrorIs(t, err, ErrReplayedHandshake)
}

func TestRunOverLoopbackUDP(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	store := trust.NewAllowList(alice.Public, bob.Public)

	aliceConn, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer aliceConn.Close()
	bobConn, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer bobConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type serveResult struct {
		key [32]byte
		err error
	}
	served := make(chan serveResult, 1)
	go func() {
		keys, _, err := Serve(ctx, bobConn, NewResponder(bob, store, nil))
		if err != nil {
			served <- serveResult{err: err}
			return
		}
		served <- serveResult{key: keys.Key}
	}()

	keys, err := Run(ctx, aliceConn, bobConn.LocalAddr(), alice, store, nil, 3*time.Second)
	require.NoError(t, err)

	r := <-served
	require.NoError(t, r.err)
	assert.Equal(t, r.key, keys.Key)
	assert.Equal(t, []byte(bob.Public), []byte(keys.PeerIdentity))
}

func TestRunTimesOutWithoutResponder(t *testing.T) {
	alice := newIdentity(t)
	store := trust.NewAllowList(alice.Public)

	conn, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	silent, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	start := time.Now()
	_, err = Run(context.Background(), conn, silent.LocalAddr(), alice, store, nil, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFinishWithoutMessage1(t *testing.T) {
	alice := newIdentity(t)
	initiator := NewInitiator(alice, trust.NewAllowList(), nil)

	_, err := initiator.Finish(Message{})
	assert.Error(t, err)
}

package roomid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxGenerateAttempts bounds rejection sampling against the registry.
// Collisions are a liveness concern, not a security concern; with 200+
// tokens per list and 100 serials the space exceeds four million, so
// hitting this bound means the registry is effectively saturated.
const maxGenerateAttempts = 32

// ErrRegistryExhausted indicates generation could not find an unused
// identifier within the retry bound.
var ErrRegistryExhausted = errors.New("room identifier registry exhausted")

// Registry tracks identifiers of currently active rooms within a discovery
// scope so that Generate can reject collisions. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewRegistry creates an empty active-identifier registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]struct{})}
}

// Add marks an identifier as active. Returns false if it was already active.
func (r *Registry) Add(id RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := id.String()
	if _, exists := r.active[key]; exists {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

// Remove releases an identifier when its discovery session ends.
func (r *Registry) Remove(id RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id.String())
}

// Contains reports whether an identifier is currently active.
func (r *Registry) Contains(id RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.active[id.String()]
	return exists
}

// Size returns the number of active identifiers.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Generate draws a fresh room identifier with no collision checking.
// Use GenerateWith when a registry of active rooms is available.
func Generate() (RoomID, error) {
	return draw()
}

// GenerateWith draws a fresh room identifier, rejection-sampling against the
// registry, and registers the result. The caller owns the registration and
// should call registry.Remove when the discovery session ends.
func GenerateWith(registry *Registry) (RoomID, error) {
	if registry == nil {
		return RoomID{}, errors.New("registry cannot be nil")
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		id, err := draw()
		if err != nil {
			return RoomID{}, err
		}

		if registry.Add(id) {
			logrus.WithFields(logrus.Fields{
				"function": "GenerateWith",
				"room_id":  id.String(),
				"attempts": attempt + 1,
			}).Debug("Generated room identifier")
			return id, nil
		}

		logrus.WithFields(logrus.Fields{
			"function": "GenerateWith",
			"room_id":  id.String(),
		}).Debug("Room identifier collision, redrawing")
	}

	return RoomID{}, ErrRegistryExhausted
}

// draw samples adjective, noun, and serial independently and uniformly
// from a cryptographically strong random source.
func draw() (RoomID, error) {
	adjIdx, err := randomIndex(len(adjectives))
	if err != nil {
		return RoomID{}, fmt.Errorf("failed to draw adjective: %w", err)
	}
	nounIdx, err := randomIndex(len(nouns))
	if err != nil {
		return RoomID{}, fmt.Errorf("failed to draw noun: %w", err)
	}
	serial, err := randomIndex(100)
	if err != nil {
		return RoomID{}, fmt.Errorf("failed to draw serial: %w", err)
	}

	return RoomID{
		Adjective: adjectives[adjIdx],
		Noun:      nouns[nounIdx],
		Serial:    uint8(serial),
	}, nil
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

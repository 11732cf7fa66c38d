// Package breaker implements per-subsystem circuit breakers.
//
// One Coordinator owns a keyed table of breaker states (subsystem name →
// state) and is the only place transitions happen; callers bracket an
// operation with Allow / Success / Failure. An Open breaker short-circuits
// the call with a synthetic failure so a known-bad subsystem consumes no
// resources, and exactly one trial attempt is admitted after each cooldown.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the circuit breaker state for one subsystem.
type State int

const (
	// Closed indicates normal operation; calls pass through.
	Closed State = iota
	// Open indicates the subsystem is failing; calls short-circuit.
	Open
	// HalfOpen admits exactly one trial call after a cooldown.
	HalfOpen
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CircuitOpenError is returned by Allow when a breaker is Open. It is a
// cheap synthetic failure: the underlying operation was never attempted.
type CircuitOpenError struct {
	Subsystem string
	RetryIn   time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: retry in %s", e.Subsystem, e.RetryIn)
}

// Config defines breaker transition parameters.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// breaker (default: 5).
	FailureThreshold uint32
	// BaseCooldown is the Open-state duration before the first trial
	// attempt (default: 30s).
	BaseCooldown time.Duration
	// MaxCooldown caps the exponential cooldown growth (default: 8x base).
	MaxCooldown time.Duration
}

// DefaultConfig returns breaker parameters matching the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      4 * time.Minute,
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.FailureThreshold == 0 {
		return fmt.Errorf("failure threshold must be positive")
	}
	if c.BaseCooldown <= 0 {
		return fmt.Errorf("base cooldown must be positive")
	}
	if c.MaxCooldown < c.BaseCooldown {
		return fmt.Errorf("max cooldown %s below base cooldown %s", c.MaxCooldown, c.BaseCooldown)
	}
	return nil
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// entry is the per-subsystem breaker state. All transitions happen under
// the coordinator's mutex.
type entry struct {
	state               State
	consecutiveFailures uint32
	openedAt            time.Time
	cooldown            time.Duration
	probeInFlight       bool
}

// Coordinator owns all breaker state, keyed by subsystem name.
type Coordinator struct {
	mu           sync.Mutex
	config       *Config
	entries      map[string]*entry
	timeProvider TimeProvider
}

// NewCoordinator creates a breaker coordinator. A nil config uses defaults.
func NewCoordinator(config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Coordinator{
		config:       config,
		entries:      make(map[string]*entry),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
// Pass nil to reset to the default implementation.
func (c *Coordinator) SetTimeProvider(tp TimeProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	c.timeProvider = tp
}

// Allow reports whether a call to the named subsystem may proceed.
// Open breakers return a *CircuitOpenError without touching the subsystem;
// a breaker whose cooldown has elapsed moves to HalfOpen and admits exactly
// one trial call.
func (c *Coordinator) Allow(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(name)
	now := c.timeProvider.Now()

	switch e.state {
	case Closed:
		return nil

	case Open:
		remaining := e.cooldown - now.Sub(e.openedAt)
		if remaining > 0 {
			return &CircuitOpenError{Subsystem: name, RetryIn: remaining}
		}
		e.state = HalfOpen
		e.probeInFlight = true
		logrus.WithFields(logrus.Fields{
			"function":  "Allow",
			"subsystem": name,
			"cooldown":  e.cooldown,
		}).Info("Circuit breaker half-open, admitting trial call")
		return nil

	case HalfOpen:
		if e.probeInFlight {
			return &CircuitOpenError{Subsystem: name, RetryIn: e.cooldown}
		}
		e.probeInFlight = true
		return nil

	default:
		return nil
	}
}

// Success records a successful call, closing the breaker and resetting its
// failure count and cooldown.
func (c *Coordinator) Success(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(name)
	prior := e.state

	e.state = Closed
	e.consecutiveFailures = 0
	e.cooldown = c.config.BaseCooldown
	e.probeInFlight = false

	if prior != Closed {
		logrus.WithFields(logrus.Fields{
			"function":  "Success",
			"subsystem": name,
		}).Info("Circuit breaker closed")
	}
}

// Failure records a failed call. Exceeding the threshold opens the breaker;
// a failed half-open trial reopens it with the cooldown doubled, capped at
// the configured maximum.
func (c *Coordinator) Failure(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(name)
	now := c.timeProvider.Now()

	if e.state == HalfOpen {
		e.cooldown *= 2
		if e.cooldown > c.config.MaxCooldown {
			e.cooldown = c.config.MaxCooldown
		}
		e.state = Open
		e.openedAt = now
		e.probeInFlight = false
		e.consecutiveFailures++

		logrus.WithFields(logrus.Fields{
			"function":  "Failure",
			"subsystem": name,
			"cooldown":  e.cooldown,
		}).Warn("Trial call failed, circuit breaker reopened with doubled cooldown")
		return
	}

	e.consecutiveFailures++
	if e.state == Closed && e.consecutiveFailures >= c.config.FailureThreshold {
		e.state = Open
		e.openedAt = now

		logrus.WithFields(logrus.Fields{
			"function":  "Failure",
			"subsystem": name,
			"failures":  e.consecutiveFailures,
			"cooldown":  e.cooldown,
		}).Warn("Circuit breaker opened")
	}
}

// StateOf returns the current state of the named subsystem's breaker.
func (c *Coordinator) StateOf(name string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry(name).state
}

// Snapshot returns the state of every known breaker, for diagnostics.
func (c *Coordinator) Snapshot() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[string]State, len(c.entries))
	for name, e := range c.entries {
		snapshot[name] = e.state
	}
	return snapshot
}

// entry returns the breaker for name, creating it Closed on first use.
// Caller must hold c.mu.
func (c *Coordinator) entry(name string) *entry {
	e, ok := c.entries[name]
	if !ok {
		e = &entry{state: Closed, cooldown: c.config.BaseCooldown}
		c.entries[name] = e
	}
	return e
}

package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humr/session"
)

// StatsSource yields health samples on demand. The monitor polls it on its
// cadence; implementations must be cheap and lock-free on the frame path.
type StatsSource interface {
	Sample() Sample
}

// Event is an adaptation event emitted by the monitor.
type Event interface {
	event()
}

// BitrateChanged reports an accepted bitrate adaptation step.
type BitrateChanged struct {
	From uint32
	To   uint32
}

func (BitrateChanged) event() {}

// RecoveryRequired reports that the connection is beyond adaptation and the
// caller should tear down and re-establish.
type RecoveryRequired struct {
	Reason string
}

func (RecoveryRequired) event() {}

// Config defines monitor cadence and recovery thresholds.
type Config struct {
	// Interval is the sampling cadence (default: 100ms).
	Interval time.Duration
	// HistorySize bounds the retained score history (default: 50).
	HistorySize int
	// RecoveryFloor is the score below which samples count toward a
	// recovery streak (default: 0.15).
	RecoveryFloor float64
	// RecoveryStreak is how many consecutive floor samples trigger
	// recovery (default: 5).
	RecoveryStreak int
}

// DefaultConfig returns monitor parameters matching the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:       100 * time.Millisecond,
		HistorySize:    50,
		RecoveryFloor:  0.15,
		RecoveryStreak: 5,
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history size must be positive")
	}
	if c.RecoveryFloor <= 0 || c.RecoveryFloor >= 1 {
		return fmt.Errorf("recovery floor must be in (0, 1)")
	}
	if c.RecoveryStreak <= 0 {
		return fmt.Errorf("recovery streak must be positive")
	}
	return nil
}

// Monitor samples connection health on a fixed cadence and drives the
// bitrate controller. It observes; it never touches transport state.
type Monitor struct {
	source     StatsSource
	controller *BitrateController
	config     *Config
	events     chan Event

	mu          sync.Mutex
	history     []float64
	belowStreak int
	recovering  bool
}

// NewMonitor creates a monitor over the given source. A nil config uses
// defaults; a nil controller starts one at the default bitrate.
func NewMonitor(source StatsSource, controller *BitrateController, config *Config) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	if controller == nil {
		controller = NewBitrateController(0)
	}
	return &Monitor{
		source:     source,
		controller: controller,
		config:     config,
		events:     make(chan Event, 16),
		history:    make([]float64, 0, config.HistorySize),
	}, nil
}

// Events returns the adaptation event stream. The channel is buffered;
// events are dropped rather than stalling the sampling loop.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// History returns a copy of the retained score history, oldest first.
func (m *Monitor) History() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.history))
	copy(out, m.history)
	return out
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick takes one sample and applies adaptation. Exposed to tests through
// Observe.
func (m *Monitor) tick() {
	m.Observe(m.source.Sample())
}

// Observe scores one sample, records it, and emits any resulting events.
func (m *Monitor) Observe(s Sample) {
	score := Score(s)

	m.mu.Lock()
	if len(m.history) >= m.config.HistorySize {
		m.history = m.history[1:]
	}
	m.history = append(m.history, score)

	if score < m.config.RecoveryFloor {
		m.belowStreak++
	} else {
		m.belowStreak = 0
		m.recovering = false
	}
	needsRecovery := m.belowStreak >= m.config.RecoveryStreak && !m.recovering
	if needsRecovery {
		m.recovering = true
	}
	m.mu.Unlock()

	if needsRecovery {
		logrus.WithFields(logrus.Fields{
			"function": "Observe",
			"score":    score,
			"streak":   m.config.RecoveryStreak,
		}).Warn("Sustained poor quality, recovery required")
		m.emit(RecoveryRequired{Reason: "sustained poor quality"})
		return
	}

	from := m.controller.Current()
	if to, changed := m.controller.Update(score); changed {
		logrus.WithFields(logrus.Fields{
			"function": "Observe",
			"score":    score,
			"from":     from,
			"to":       to,
		}).Info("Bitrate adapted")
		m.emit(BitrateChanged{From: from, To: to})
	}
}

func (m *Monitor) emit(e Event) {
	select {
	case m.events <- e:
	default:
	}
}

// SessionSource derives samples from a session's atomic counters plus an
// injected latency probe.
type SessionSource struct {
	stats *session.Stats
	probe ProbeFunc

	mu           sync.Mutex
	lastReceived uint64
	lastDropped  uint64
	lastHighest  uint64
	seenTraffic  bool
}

// ProbeFunc supplies path measurements the counters cannot: round-trip
// latency, jitter, and a 0..1 signal figure. The probe's jitter is a
// fallback; once the session has measured inter-arrival jitter of its own,
// that measurement wins.
type ProbeFunc func() (latency, jitter time.Duration, signal float64)

// NewSessionSource creates a source over the session's stats. A nil probe
// reports zero latency and jitter.
func NewSessionSource(stats *session.Stats, probe ProbeFunc) *SessionSource {
	if probe == nil {
		probe = func() (time.Duration, time.Duration, float64) { return 0, 0, 1 }
	}
	return &SessionSource{stats: stats, probe: probe}
}

// Sample computes loss over the interval since the previous call. The peer
// sends frames with monotonically increasing sequence numbers, so the
// advance of the highest sequence seen is how many frames were sent; the
// shortfall against frames that actually arrived, plus frames that arrived
// broken, is the loss. A stream that was flowing and has fully stopped
// reports total loss, which the monitor's recovery streak turns into frame
// starvation handling.
func (s *SessionSource) Sample() Sample {
	snap := s.stats.Snapshot()
	latency, probeJitter, signal := s.probe()

	jitter := time.Duration(snap.JitterNanos)
	if jitter == 0 {
		jitter = probeJitter
	}

	s.mu.Lock()
	receivedDelta := snap.FramesReceived - s.lastReceived
	droppedDelta := snap.FramesDropped - s.lastDropped
	expected := snap.HighestSequence - s.lastHighest
	s.lastReceived = snap.FramesReceived
	s.lastDropped = snap.FramesDropped
	s.lastHighest = snap.HighestSequence

	// Replays can make arrivals outnumber the sequence advance; never
	// report negative loss for that.
	if receivedDelta > expected {
		expected = receivedDelta
	}

	var loss float64
	switch {
	case expected+droppedDelta > 0:
		lost := expected - receivedDelta
		loss = float64(lost+droppedDelta) / float64(expected+droppedDelta)
		s.seenTraffic = true
	case s.seenTraffic:
		// Flowing stream went silent: count the interval as fully lost.
		loss = 1
	}
	s.mu.Unlock()

	return Sample{
		Latency:        latency,
		PacketLossRate: loss,
		SignalStrength: signal,
		Jitter:         jitter,
		Timestamp:      time.Now(),
	}
}

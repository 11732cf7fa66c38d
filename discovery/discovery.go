// Package discovery locates endpoints for a room identifier across several
// channels at once. Every configured scanner runs concurrently; the engine
// returns as soon as one of them yields candidates, after a short grace
// period that lets slower channels enrich the ranking. A channel's
// sub-budget trims it only once another channel has found something — while
// nothing has been found, every channel may keep searching up to the total
// budget.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humr/roomid"
)

// Channel identifies the discovery mechanism a candidate came from.
// The ordering is the ranking order: lower is preferred.
type Channel int

const (
	// ChannelProximity is short-range radio discovery.
	ChannelProximity Channel = iota
	// ChannelLocalNetwork is LAN broadcast discovery.
	ChannelLocalNetwork
	// ChannelInternet is rendezvous-assisted internet discovery.
	ChannelInternet
	// ChannelManual is a caller-entered endpoint.
	ChannelManual
)

// String returns the string representation of Channel.
func (c Channel) String() string {
	switch c {
	case ChannelProximity:
		return "proximity"
	case ChannelLocalNetwork:
		return "local-network"
	case ChannelInternet:
		return "internet"
	case ChannelManual:
		return "manual"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// State is the engine's observable lifecycle state.
type State int

const (
	// Idle means no discovery is in progress.
	Idle State = iota
	// Scanning means scanners are running.
	Scanning
	// Found means the last discovery returned candidates.
	Found
	// Exhausted means the last discovery found nothing within budget.
	Exhausted
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Found:
		return "found"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Discovery errors.
var (
	// ErrExhausted indicates every channel came up empty within budget.
	ErrExhausted = errors.New("no candidates found on any channel")
	// ErrCancelled indicates the caller cancelled the discovery.
	ErrCancelled = errors.New("discovery cancelled")
	// ErrChannelUnavailable indicates a scanner's underlying capability is
	// not present on this host.
	ErrChannelUnavailable = errors.New("discovery channel unavailable")
)

// Candidate is one endpoint where the room may be reachable.
type Candidate struct {
	Endpoint net.Addr
	Channel  Channel
	// ObservedLatency is a measured or hinted round-trip time; zero means
	// unknown and ranks last within a channel.
	ObservedLatency time.Duration
	// SignalQuality is a 0..1 channel-specific quality figure.
	SignalQuality float64
	DiscoveredAt  time.Time
}

// Scanner is one discovery channel. Scan returns the candidates it found
// before ctx expired; returning an empty set is not an error.
type Scanner interface {
	Channel() Channel
	Scan(ctx context.Context, id roomid.RoomID) ([]Candidate, error)
}

// Config defines discovery budgets. Sub-budgets are soft deadlines: they
// cut a channel off only once candidates exist elsewhere, so a slow channel
// that is the only hope keeps the whole total budget.
type Config struct {
	// ProximityBudget bounds the proximity scan (default: 2s).
	ProximityBudget time.Duration
	// LocalBudget bounds the LAN scan (default: 3s).
	LocalBudget time.Duration
	// InternetBudget bounds the rendezvous lookup (default: 3s).
	InternetBudget time.Duration
	// GracePeriod is how long the engine keeps racing the remaining
	// scanners after the first non-empty result (default: 250ms).
	GracePeriod time.Duration
}

// DefaultConfig returns discovery budgets matching the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ProximityBudget: 2 * time.Second,
		LocalBudget:     3 * time.Second,
		InternetBudget:  3 * time.Second,
		GracePeriod:     250 * time.Millisecond,
	}
}

// Validate checks the budgets against the given total discovery budget.
// Sub-budgets run in parallel, so each must fit inside the total on its own.
func (c *Config) Validate(total time.Duration) error {
	if total <= 0 {
		return fmt.Errorf("total budget must be positive")
	}
	for _, b := range []struct {
		name   string
		budget time.Duration
	}{
		{"proximity", c.ProximityBudget},
		{"local", c.LocalBudget},
		{"internet", c.InternetBudget},
	} {
		if b.budget <= 0 {
			return fmt.Errorf("%s budget must be positive", b.name)
		}
		if b.budget > total {
			return fmt.Errorf("%s budget %s exceeds total budget %s", b.name, b.budget, total)
		}
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	return nil
}

// budgetFor returns the sub-budget for a channel. Manual entries have no
// inherent latency, so they run under the whole remaining budget.
func (c *Config) budgetFor(ch Channel, total time.Duration) time.Duration {
	switch ch {
	case ChannelProximity:
		return c.ProximityBudget
	case ChannelLocalNetwork:
		return c.LocalBudget
	case ChannelInternet:
		return c.InternetBudget
	default:
		return total
	}
}

// Engine fans a discovery request out across its scanners.
type Engine struct {
	scanners []Scanner
	config   *Config

	mu    sync.Mutex
	state State
}

// NewEngine creates an engine over the given scanners. A nil config uses
// defaults.
func NewEngine(config *Config, scanners ...Scanner) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{scanners: scanners, config: config, state: Idle}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Discover runs every scanner concurrently and returns ranked, deduplicated
// candidates. It returns once a scanner finds something and the grace
// period has passed, or when all scanners finish, whichever is first.
func (e *Engine) Discover(ctx context.Context, id roomid.RoomID, budget time.Duration) ([]Candidate, error) {
	if len(e.scanners) == 0 {
		return nil, fmt.Errorf("%w: no scanners configured", ErrChannelUnavailable)
	}
	if err := e.config.Validate(budget); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}

	e.setState(Scanning)

	scanCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Closed when the first non-empty batch arrives; sub-budget watchers
	// only enforce their deadline after that.
	firstHit := make(chan struct{})

	results := make(chan []Candidate, len(e.scanners))
	var wg sync.WaitGroup
	for _, s := range e.scanners {
		wg.Add(1)
		go func(s Scanner) {
			defer wg.Done()

			subCtx, subCancel := context.WithCancel(scanCtx)
			defer subCancel()
			go clipAfter(subCtx, subCancel, e.config.budgetFor(s.Channel(), budget), firstHit)

			found, err := s.Scan(subCtx, id)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Discover",
					"channel":  s.Channel().String(),
					"error":    err,
				}).Warn("Discovery channel failed")
				results <- nil
				return
			}
			results <- found
		}(s)
	}

	collected, err := e.collect(ctx, results, cancel, firstHit)
	wg.Wait()
	if err != nil {
		e.setState(Idle)
		return nil, err
	}

	if len(collected) == 0 {
		e.setState(Exhausted)
		return nil, ErrExhausted
	}

	ranked := rank(collected)
	e.setState(Found)
	logrus.WithFields(logrus.Fields{
		"function":   "Discover",
		"room":       id.String(),
		"candidates": len(ranked),
		"best":       ranked[0].Channel.String(),
	}).Info("Discovery complete")
	return ranked, nil
}

// clipAfter cancels a scanner at its sub-budget, but only once another
// channel has produced candidates. While nothing has been found the scanner
// runs on, bounded by the total-budget context it descends from.
func clipAfter(ctx context.Context, cancel context.CancelFunc, subBudget time.Duration, firstHit <-chan struct{}) {
	timer := time.NewTimer(subBudget)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	select {
	case <-ctx.Done():
	case <-firstHit:
		cancel()
	}
}

// collect gathers scanner batches until all scanners report, the grace
// period after the first hit elapses, or the caller cancels.
func (e *Engine) collect(ctx context.Context, results <-chan []Candidate, cancel context.CancelFunc, firstHit chan<- struct{}) ([]Candidate, error) {
	var collected []Candidate
	var grace <-chan time.Time
	remaining := len(e.scanners)

	for remaining > 0 {
		select {
		case <-ctx.Done():
			cancel()
			// Drain so scanner goroutines can exit.
			for remaining > 0 {
				<-results
				remaining--
			}
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())

		case batch := <-results:
			remaining--
			collected = append(collected, batch...)
			if len(collected) > 0 && grace == nil {
				close(firstHit)
				grace = time.After(e.config.GracePeriod)
			}

		case <-grace:
			cancel()
			for remaining > 0 {
				<-results
				remaining--
			}
			return collected, nil
		}
	}
	return collected, nil
}

// rank orders candidates by channel, then observed latency (unknown last),
// and removes duplicate endpoints keeping the better-ranked entry.
func rank(candidates []Candidate) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		if (a.ObservedLatency == 0) != (b.ObservedLatency == 0) {
			return b.ObservedLatency == 0
		}
		return a.ObservedLatency < b.ObservedLatency
	})

	seen := make(map[string]struct{}, len(candidates))
	deduped := candidates[:0]
	for _, c := range candidates {
		key := c.Endpoint.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, c)
	}
	return deduped
}

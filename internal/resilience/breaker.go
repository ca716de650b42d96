// Package resilience shields the correction pipeline from a misbehaving LLM
// backend.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). The
// correction engine issues one completion per finalized sentence plus a burst
// of re-translations; when the backend is down, every one of those calls would
// otherwise block for its full timeout and delay session teardown. A tripped
// breaker fails them instantly instead.
//
// [LLMChain] composes several [llm.Provider] backends behind one breaker per
// backend, trying them in order. A chain with a single entry degrades to a
// plain breaker-protected provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and the
// cool-down has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls after the
	// cool-down. Probes decide whether the breaker closes or re-opens.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero-value fields get defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// Trip is the number of consecutive failures that opens the breaker.
	// Default: 5.
	Trip int

	// CoolDown is how long the breaker stays open before probing.
	// Default: 30s.
	CoolDown time.Duration

	// Probes is the number of successful half-open calls required to close.
	// Default: 3.
	Probes int

	// Logger receives state-transition log lines. Default: slog.Default().
	Logger *slog.Logger

	// Now overrides the time source, for tests. Default: time.Now.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker. The zero value is not usable;
// construct with [NewBreaker].
type Breaker struct {
	name     string
	trip     int
	coolDown time.Duration
	probes   int
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probeUsed int
	probeOK   int
}

// NewBreaker creates a closed [Breaker] from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Trip <= 0 {
		cfg.Trip = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:     cfg.Name,
		trip:     cfg.Trip,
		coolDown: cfg.CoolDown,
		probes:   cfg.Probes,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
}

// Do runs fn if the breaker admits the call and feeds the result back into the
// breaker's failure accounting. While open it returns [ErrBreakerOpen] without
// calling fn.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probeUsed = 0
		b.probeOK = 0
		b.log.Info("breaker half-open", "breaker", b.name)
	case StateHalfOpen:
		if b.probeUsed >= b.probes {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.probeUsed++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.openedAt = b.now()
	if probing {
		// One failed probe re-opens immediately.
		b.state = StateOpen
		b.failures = b.trip
		b.log.Warn("breaker re-opened", "breaker", b.name)
		return
	}
	b.failures++
	if b.failures >= b.trip {
		b.state = StateOpen
		b.log.Warn("breaker opened",
			"breaker", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		b.probeOK++
		if b.probeOK >= b.probes {
			b.state = StateClosed
			b.failures = 0
			b.log.Info("breaker closed", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the breaker's current state. An open breaker whose cool-down
// has elapsed reports half-open; the actual transition happens on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return StateHalfOpen
	}
	return b.state
}

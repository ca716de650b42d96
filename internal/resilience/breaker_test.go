package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

// fakeClock lets breaker tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clk *fakeClock) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:     "test",
		Trip:     3,
		CoolDown: 10 * time.Second,
		Probes:   2,
		Now:      clk.now,
	})
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clk)

	fail := func() error { return errBackend }
	for i := 0; i < 3; i++ {
		if err := b.Do(fail); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: err = %v, want %v", i, err, errBackend)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want %v", got, StateOpen)
	}

	// While open the function must not run.
	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Fatal("fn ran while breaker open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clk)

	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want %v", got, StateClosed)
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errBackend })
	}
	clk.advance(11 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want %v", got, StateHalfOpen)
	}

	ok := func() error { return nil }
	if err := b.Do(ok); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Do(ok); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want %v", got, StateClosed)
	}
}

func TestBreaker_ReopensOnFailedProbe(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errBackend })
	}
	clk.advance(11 * time.Second)

	if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("probe err = %v, want %v", err, errBackend)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want %v", got, StateOpen)
	}

	// The cool-down restarts from the failed probe.
	clk.advance(5 * time.Second)
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

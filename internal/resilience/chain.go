package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcarpenter-uam/calc-translation/pkg/provider/llm"
)

// ErrChainExhausted is returned when every backend in an [LLMChain] failed or
// had an open breaker.
var ErrChainExhausted = errors.New("resilience: all llm backends failed")

type chainEntry struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

// LLMChain implements [llm.Provider] over an ordered list of backends, each
// guarded by its own [Breaker]. Calls go to the first backend whose breaker
// admits them; on failure the next backend is tried.
//
// For streaming only the handshake participates in failover. Once a chunk
// channel is handed out, mid-stream errors belong to the caller.
type LLMChain struct {
	entries []chainEntry
	cfg     BreakerConfig
	log     *slog.Logger
}

var _ llm.Provider = (*LLMChain)(nil)

// NewLLMChain creates a chain with primary as the preferred backend. cfg.Name
// is ignored; each entry's breaker is named after the backend.
func NewLLMChain(primary llm.Provider, name string, cfg BreakerConfig) *LLMChain {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &LLMChain{cfg: cfg, log: cfg.Logger}
	c.Add(name, primary)
	return c
}

// Add appends a fallback backend. Backends are tried in registration order.
// Add is not safe to call concurrently with completions; register all backends
// before use.
func (c *LLMChain) Add(name string, provider llm.Provider) {
	cfg := c.cfg
	cfg.Name = name
	c.entries = append(c.entries, chainEntry{
		name:     name,
		provider: provider,
		breaker:  NewBreaker(cfg),
	})
}

// Complete forwards the request to the first healthy backend.
func (c *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return run(c, ctx, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend.
func (c *LLMChain) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return run(c, ctx, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// run is a function rather than a method because methods cannot introduce type
// parameters.
func run[R any](c *LLMChain, ctx context.Context, fn func(llm.Provider) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(entry.provider)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		// A cancelled caller should not poison the breaker chain walk.
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, ErrBreakerOpen) {
			c.log.Debug("skipping llm backend", "backend", entry.name)
		} else {
			c.log.Warn("llm backend failed, trying next",
				"backend", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrChainExhausted, lastErr)
}

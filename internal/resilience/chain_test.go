package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jcarpenter-uam/calc-translation/internal/resilience"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/llm"
	llmmock "github.com/jcarpenter-uam/calc-translation/pkg/provider/llm/mock"
)

func TestLLMChain_PrimarySucceeds(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "primary"},
	}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "fallback"},
	}
	chain := resilience.NewLLMChain(primary, "primary", resilience.BreakerConfig{})
	chain.Add("fallback", fallback)

	resp, err := chain.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "primary" {
		t.Fatalf("Content = %q, want %q", resp.Content, "primary")
	}
	if len(fallback.Calls()) != 0 {
		t.Fatalf("fallback called %d times, want 0", len(fallback.Calls()))
	}
}

func TestLLMChain_FailsOverToFallback(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "fallback"},
	}
	chain := resilience.NewLLMChain(primary, "primary", resilience.BreakerConfig{})
	chain.Add("fallback", fallback)

	resp, err := chain.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "fallback" {
		t.Fatalf("Content = %q, want %q", resp.Content, "fallback")
	}
	if len(primary.Calls()) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.Calls()))
	}
}

func TestLLMChain_AllBackendsFail(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	fallback := &llmmock.Provider{CompleteErr: errors.New("also down")}
	chain := resilience.NewLLMChain(primary, "primary", resilience.BreakerConfig{})
	chain.Add("fallback", fallback)

	_, err := chain.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, resilience.ErrChainExhausted) {
		t.Fatalf("err = %v, want ErrChainExhausted", err)
	}
}

func TestLLMChain_OpenBreakerSkipsBackend(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "fallback"},
	}
	chain := resilience.NewLLMChain(primary, "primary", resilience.BreakerConfig{
		Trip:     2,
		CoolDown: time.Hour,
	})
	chain.Add("fallback", fallback)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := chain.Complete(ctx, llm.CompletionRequest{}); err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
	}

	// The primary's breaker tripped after two failures; the third round must
	// not have touched it.
	if got := len(primary.Calls()); got != 2 {
		t.Fatalf("primary called %d times, want 2", got)
	}
	if got := len(fallback.Calls()); got != 3 {
		t.Fatalf("fallback called %d times, want 3", got)
	}
}

func TestLLMChain_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	primary := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "fallback"},
	}
	chain := resilience.NewLLMChain(primary, "primary", resilience.BreakerConfig{})
	chain.Add("fallback", fallback)

	_, err := chain.Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(fallback.Calls()) != 0 {
		t.Fatalf("fallback called after cancellation")
	}
}

func TestLLMChain_StreamFailover(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errors.New("connect refused")}
	fallback := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "hello"}},
	}
	chain := resilience.NewLLMChain(primary, "primary", resilience.BreakerConfig{})
	chain.Add("fallback", fallback)

	ch, err := chain.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var got []llm.Chunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("chunks = %+v, want one %q chunk", got, "hello")
	}
}

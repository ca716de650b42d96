// Package mock provides in-memory fakes of the stt interfaces for testing.
package mock

import (
	"context"
	"sync"

	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt"
)

// Provider is a mock stt.Provider. Each StartStream call returns the next
// pre-configured session (or a fresh one when the script runs out) and
// records the configuration it was called with.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out in order by StartStream. When exhausted,
	// StartStream creates new empty sessions.
	Sessions []*Session

	// StartErr, when non-nil, is returned by the next StartStream call
	// and then cleared.
	StartErr error

	// Calls records the StreamConfig of every StartStream invocation.
	Calls []stt.StreamConfig

	next int
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, cfg)
	if p.StartErr != nil {
		err := p.StartErr
		p.StartErr = nil
		return nil, err
	}

	if p.next < len(p.Sessions) {
		s := p.Sessions[p.next]
		p.next++
		return s, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	p.next = len(p.Sessions)
	return s, nil
}

// StartCount returns how many sessions have been handed out.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// SessionAt returns the i-th session handed out, or nil.
func (p *Provider) SessionAt(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Sessions) {
		return nil
	}
	return p.Sessions[i]
}

// Session is a mock stt.SessionHandle driven by the test: push events with
// Emit / EmitResult and inspect received audio via AudioChunks.
type Session struct {
	mu sync.Mutex

	audio     [][]byte
	finalized bool
	closed    bool

	events chan stt.Event
	done   chan struct{}
	once   sync.Once
}

// NewSession creates an open mock session.
func NewSession() *Session {
	return &Session{
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
}

// SendAudio implements stt.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finalized {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Finalize implements stt.SessionHandle.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.finalized = true
	return nil
}

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		close(s.events)
	})
	return nil
}

// Emit pushes an event onto the session's stream. It is a no-op after Close.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// EmitResult is shorthand for Emit with an EventResult.
func (s *Session) EmitResult(r stt.Result) {
	s.Emit(stt.Event{Kind: stt.EventResult, Result: r})
}

// EmitError is shorthand for Emit with an EventError.
func (s *Session) EmitError(err error) {
	s.Emit(stt.Event{Kind: stt.EventError, Err: err})
}

// EmitClosed emits the terminal EventClosed and closes the stream.
func (s *Session) EmitClosed() {
	s.Emit(stt.Event{Kind: stt.EventClosed})
	s.Close()
}

// AudioChunks returns a copy of all audio chunks received so far.
func (s *Session) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Finalized reports whether Finalize has been called.
func (s *Session) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

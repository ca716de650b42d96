package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcarpenter-uam/calc-translation/internal/observe"
	"github.com/jcarpenter-uam/calc-translation/internal/transcript"
)

// ErrSessionNotFound is returned by Attach when the session has no active
// producer.
var ErrSessionNotFound = errors.New("session not found")

// Broadcaster fans transcript records out to a session's viewers. Cache writes
// and viewer dispatch happen under the registry mutex, so for any single
// viewer the observed sequence is its replay followed by live records in
// arrival order; no live record can slip in front of an unfinished replay.
type Broadcaster struct {
	reg     *Registry
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewBroadcaster creates a Broadcaster over reg. A nil metrics falls back to
// [observe.DefaultMetrics].
func NewBroadcaster(reg *Registry, log *slog.Logger, metrics *observe.Metrics) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Broadcaster{reg: reg, log: log, metrics: metrics}
}

// Attach adds v to the session's membership after replaying the cached
// history into its queue. Returns ErrSessionNotFound when the session has no
// producer; the caller owns closing the viewer in that case.
func (b *Broadcaster) Attach(sessionID string, v *Viewer) error {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()

	s, ok := b.reg.producers[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	for _, rec := range s.Cache.History() {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal replay record %q: %w", rec.MessageID, err)
		}
		if !v.enqueue(data) {
			v.Stop("replay overflow")
			return fmt.Errorf("viewer queue overflow during replay of session %q", sessionID)
		}
	}

	b.reg.attachViewerLocked(sessionID, v)
	b.metrics.ViewerAttached(context.Background(), v.Language)
	b.log.Info("viewer attached",
		"session_id", sessionID, "viewer", v.ID, "language", v.Language,
		"replayed", s.Cache.Len())
	return nil
}

// Detach removes v from the session's membership. Detaching an unknown viewer
// is a no-op. The viewer's transport is not closed; callers stop it separately.
func (b *Broadcaster) Detach(sessionID string, v *Viewer) {
	b.reg.mu.Lock()
	before := len(b.reg.viewersLocked(sessionID))
	b.reg.detachViewerLocked(sessionID, v)
	removed := before != len(b.reg.viewersLocked(sessionID))
	b.reg.mu.Unlock()

	if removed {
		b.metrics.ViewerDetached(context.Background(), v.Language)
	}
}

// Send caches rec per the transcript cache rules, then enqueues it to every
// attached viewer. Viewers whose queue is full or whose pump has died are
// dropped; their failure never stalls the others.
func (b *Broadcaster) Send(sessionID string, rec *transcript.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		b.log.Error("marshal record", "session_id", sessionID, "message_id", rec.MessageID, "err", err)
		return
	}

	b.reg.mu.Lock()
	if s, ok := b.reg.producers[sessionID]; ok {
		s.Cache.Process(rec)
	}

	var dropped []*Viewer
	var finished []*Viewer
	for _, v := range b.reg.viewersLocked(sessionID) {
		if !v.enqueue(data) {
			dropped = append(dropped, v)
		} else if rec.Type == transcript.TypeSessionEnd {
			finished = append(finished, v)
		}
	}
	for _, v := range dropped {
		b.reg.detachViewerLocked(sessionID, v)
	}
	for _, v := range finished {
		b.reg.detachViewerLocked(sessionID, v)
	}
	b.reg.mu.Unlock()

	ctx := context.Background()
	b.metrics.RecordBroadcast(ctx, string(rec.Type))
	for _, v := range dropped {
		v.Stop("slow consumer")
		b.metrics.ViewerDetached(ctx, v.Language)
		b.metrics.RecordViewerDrop(ctx, "queue_full")
		b.log.Warn("viewer dropped: queue full", "session_id", sessionID, "viewer", v.ID)
	}
	// The session_end record is the last one a viewer ever receives; the pump
	// flushes the queue before the transport closes.
	for _, v := range finished {
		v.Stop("session ended")
		b.metrics.ViewerDetached(ctx, v.Language)
	}
}

// Package session holds the per-session broker state: the connection registry
// enforcing producer uniqueness, the viewer broadcaster with late-join replay,
// and the orchestrator driving the producer receive loop and the upstream STT
// lifecycle.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/jcarpenter-uam/calc-translation/internal/transcript"
)

// ErrSessionActive is returned by RegisterProducer when the session already
// has a live producer.
var ErrSessionActive = errors.New("session already active")

// Session is the state owned by one active producer connection. It is created
// by RegisterProducer and destroyed by DeregisterProducer after teardown.
type Session struct {
	// ID is the opaque session key.
	ID string

	// Integration names the upstream producer family. It is used only to
	// namespace artifacts on disk.
	Integration string

	// StartedAt is the wall-clock registration time.
	StartedAt time.Time

	// Cache is the byte-budgeted transcript cache for this session.
	Cache *transcript.Cache

	// Clock produces session-relative VTT timestamps.
	Clock *transcript.Clock
}

// Info is a point-in-time snapshot of one session, safe to serialize.
type Info struct {
	SessionID     string    `json:"session_id"`
	Integration   string    `json:"integration"`
	StartedAt     time.Time `json:"started_at"`
	ViewerCount   int       `json:"viewer_count"`
	CachedRecords int       `json:"cached_records"`
	CacheBytes    int64     `json:"cache_bytes"`
}

// Registry tracks producers and viewers across all sessions. A single mutex
// guards both maps; every critical section is O(1) in session count.
type Registry struct {
	mu          sync.Mutex
	cacheBudget int64
	producers   map[string]*Session
	viewers     map[string][]*Viewer
}

// NewRegistry creates an empty Registry. cacheBudget is the per-session
// transcript cache byte budget; non-positive values fall back to the cache
// default.
func NewRegistry(cacheBudget int64) *Registry {
	return &Registry{
		cacheBudget: cacheBudget,
		producers:   make(map[string]*Session),
		viewers:     make(map[string][]*Viewer),
	}
}

// RegisterProducer claims the producer slot for sessionID. The claim is a
// test-and-set: if a producer is already registered the existing session is
// untouched and ErrSessionActive is returned.
func (r *Registry) RegisterProducer(sessionID, integration string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.producers[sessionID]; ok {
		return nil, ErrSessionActive
	}

	s := &Session{
		ID:          sessionID,
		Integration: integration,
		StartedAt:   time.Now(),
		Cache:       transcript.NewCache(r.cacheBudget),
		Clock:       transcript.NewClock(),
	}
	r.producers[sessionID] = s
	return s, nil
}

// DeregisterProducer releases the producer slot. Releasing an unknown session
// is a no-op.
func (r *Registry) DeregisterProducer(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, sessionID)
}

// IsActive reports whether sessionID currently has a registered producer.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[sessionID]
	return ok
}

// Lookup returns the active session for sessionID, or nil.
func (r *Registry) Lookup(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[sessionID]
}

// Snapshot returns a point-in-time view of one session, or false when the
// session has no producer.
func (r *Registry) Snapshot(sessionID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.producers[sessionID]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(s), true
}

// AllSessions returns a snapshot of every active session. The order is
// unspecified.
func (r *Registry) AllSessions() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.producers))
	for _, s := range r.producers {
		out = append(out, r.infoLocked(s))
	}
	return out
}

func (r *Registry) infoLocked(s *Session) Info {
	return Info{
		SessionID:     s.ID,
		Integration:   s.Integration,
		StartedAt:     s.StartedAt,
		ViewerCount:   len(r.viewers[s.ID]),
		CachedRecords: s.Cache.Len(),
		CacheBytes:    s.Cache.Bytes(),
	}
}

// attachViewerLocked appends v to the session's membership. Callers must hold
// r.mu.
func (r *Registry) attachViewerLocked(sessionID string, v *Viewer) {
	r.viewers[sessionID] = append(r.viewers[sessionID], v)
}

// detachViewerLocked removes v from the session's membership. Callers must
// hold r.mu.
func (r *Registry) detachViewerLocked(sessionID string, v *Viewer) {
	list := r.viewers[sessionID]
	for i, cur := range list {
		if cur == v {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.viewers, sessionID)
		return
	}
	r.viewers[sessionID] = list
}

// viewersLocked returns the current membership slice. Callers must hold r.mu
// and must not retain the slice past the critical section.
func (r *Registry) viewersLocked(sessionID string) []*Viewer {
	return r.viewers[sessionID]
}

// ViewerCount returns the number of attached viewers for sessionID.
func (r *Registry) ViewerCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers[sessionID])
}

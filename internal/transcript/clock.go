package transcript

import (
	"fmt"
	"sync"
	"time"
)

// Clock computes session-relative WebVTT cue intervals. It is constructed at
// session start with the current wall-clock as the zero point; every
// finalized utterance is stamped with the interval between the first observed
// partial and the moment of finalization.
//
// All methods are safe for concurrent use.
type Clock struct {
	mu     sync.Mutex
	zero   time.Time
	starts map[string]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewClock creates a Clock whose zero point is the current time.
func NewClock() *Clock {
	return &Clock{
		zero:   time.Now(),
		starts: make(map[string]time.Time),
		now:    time.Now,
	}
}

// newClockAt creates a Clock with an explicit zero point and time source.
// Used by tests to produce deterministic intervals.
func newClockAt(zero time.Time, now func() time.Time) *Clock {
	return &Clock{zero: zero, starts: make(map[string]time.Time), now: now}
}

// MarkStart records the wall-clock of the first observed partial for the
// utterance identified by messageID. The call is idempotent: the first mark
// wins and later calls for the same id are ignored.
func (c *Clock) MarkStart(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.starts[messageID]; ok {
		return
	}
	c.starts[messageID] = c.now()
}

// Complete returns the VTT interval "HH:MM:SS.mmm --> HH:MM:SS.mmm" for the
// utterance identified by messageID and forgets its start mark.
//
// The interval is (marked start − zero, now − zero) with negative components
// clamped to zero and end ≥ start guaranteed. When Complete is called without
// a prior MarkStart the start equals the end.
func (c *Clock) Complete(messageID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.now().Sub(c.zero)
	if end < 0 {
		end = 0
	}

	start := end
	if marked, ok := c.starts[messageID]; ok {
		start = marked.Sub(c.zero)
		delete(c.starts, messageID)
	}
	if start < 0 {
		start = 0
	}
	if start > end {
		start = end
	}

	return Interval(start, end)
}

// Interval formats a start/end duration pair as a WebVTT cue timing line.
func Interval(start, end time.Duration) string {
	return FormatTimestamp(start) + " --> " + FormatTimestamp(end)
}

// FormatTimestamp renders d as "HH:MM:SS.mmm". Milliseconds are floored and
// hours are not capped, so sessions longer than 100 hours still format
// correctly (with a wider hour field).
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	millis := d / time.Millisecond

	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
}

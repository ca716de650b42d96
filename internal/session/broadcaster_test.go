package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jcarpenter-uam/calc-translation/internal/transcript"
)

// fakeConn is an in-memory ViewerConn.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	reason string

	// gate, when non-nil, blocks every write until the channel is closed.
	gate chan struct{}
}

func (c *fakeConn) WriteText(ctx context.Context, data []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func finalRecord(i int) *transcript.Record {
	return &transcript.Record{
		MessageID:     fmt.Sprintf("%d_en", i),
		Transcription: fmt.Sprintf("text %d", i),
		Translation:   fmt.Sprintf("trans %d", i),
		Speaker:       "Alice",
		Type:          transcript.TypeFinal,
		IsFinalized:   true,
		VTTTimestamp:  "00:00:00.000 --> 00:00:01.000",
	}
}

func decodeIDs(t *testing.T, frames [][]byte) []string {
	t.Helper()
	ids := make([]string, 0, len(frames))
	for _, f := range frames {
		var rec transcript.Record
		if err := json.Unmarshal(f, &rec); err != nil {
			t.Fatalf("unmarshal frame %s: %v", f, err)
		}
		ids = append(ids, rec.MessageID)
	}
	return ids
}

func TestBroadcaster_AttachUnknownSession(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(0)
	b := NewBroadcaster(reg, nil, nil)

	v := NewViewer("v1", "en", &fakeConn{}, 0, nil)
	defer v.Stop("test done")

	if err := b.Attach("ghost", v); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Attach error = %v, want ErrSessionNotFound", err)
	}
}

func TestBroadcaster_SendReachesViewerAndCache(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(0)
	b := NewBroadcaster(reg, nil, nil)
	sess, err := reg.RegisterProducer("sess-1", "teams")
	if err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	conn := &fakeConn{}
	v := NewViewer("v1", "en", conn, 0, nil)
	defer v.Stop("test done")
	if err := b.Attach("sess-1", v); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	b.Send("sess-1", finalRecord(1))

	waitFor(t, func() bool { return len(conn.received()) == 1 }, "viewer never received the record")
	if got := decodeIDs(t, conn.received()); got[0] != "1_en" {
		t.Errorf("delivered message_id = %q, want 1_en", got[0])
	}
	if sess.Cache.Len() != 1 {
		t.Errorf("cache size = %d, want 1", sess.Cache.Len())
	}
}

func TestBroadcaster_PartialDeliveredButNotCached(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(0)
	b := NewBroadcaster(reg, nil, nil)
	sess, err := reg.RegisterProducer("sess-1", "teams")
	if err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	conn := &fakeConn{}
	v := NewViewer("v1", "en", conn, 0, nil)
	defer v.Stop("test done")
	if err := b.Attach("sess-1", v); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	b.Send("sess-1", &transcript.Record{
		MessageID:     "tmp-1",
		Transcription: "partial text",
		Type:          transcript.TypePartial,
	})

	waitFor(t, func() bool { return len(conn.received()) == 1 }, "viewer never received the partial")
	if sess.Cache.Len() != 0 {
		t.Errorf("partial was cached; cache size = %d, want 0", sess.Cache.Len())
	}
}

func TestBroadcaster_LateJoinReplayOrder(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(0)
	b := NewBroadcaster(reg, nil, nil)
	if _, err := reg.RegisterProducer("sess-1", "teams"); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	for i := 1; i <= 3; i++ {
		b.Send("sess-1", finalRecord(i))
	}

	conn := &fakeConn{}
	v := NewViewer("late", "en", conn, 0, nil)
	defer v.Stop("test done")
	if err := b.Attach("sess-1", v); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	b.Send("sess-1", finalRecord(4))

	waitFor(t, func() bool { return len(conn.received()) == 4 }, "viewer did not receive replay + live")
	want := []string{"1_en", "2_en", "3_en", "4_en"}
	got := decodeIDs(t, conn.received())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestBroadcaster_SlowViewerDropped(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(0)
	b := NewBroadcaster(reg, nil, nil)
	if _, err := reg.RegisterProducer("sess-1", "teams"); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	gate := make(chan struct{})
	defer close(gate)
	slow := NewViewer("slow", "en", &fakeConn{gate: gate}, 1, nil)
	fast := NewViewer("fast", "en", &fakeConn{}, 0, nil)
	defer fast.Stop("test done")

	if err := b.Attach("sess-1", slow); err != nil {
		t.Fatalf("Attach slow: %v", err)
	}
	if err := b.Attach("sess-1", fast); err != nil {
		t.Fatalf("Attach fast: %v", err)
	}

	// The slow viewer's pump blocks on the first record and its queue holds
	// one more; pushing further records overflows it.
	for i := 1; i <= 5; i++ {
		b.Send("sess-1", finalRecord(i))
	}

	waitFor(t, func() bool { return reg.ViewerCount("sess-1") == 1 }, "slow viewer was not dropped")

	// The fast viewer got everything.
	fastConn := fast.conn.(*fakeConn)
	waitFor(t, func() bool { return len(fastConn.received()) == 5 }, "fast viewer stalled behind the slow one")
}

func TestBroadcaster_DetachStopsDelivery(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(0)
	b := NewBroadcaster(reg, nil, nil)
	if _, err := reg.RegisterProducer("sess-1", "teams"); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	conn := &fakeConn{}
	v := NewViewer("v1", "en", conn, 0, nil)
	defer v.Stop("test done")
	if err := b.Attach("sess-1", v); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	b.Send("sess-1", finalRecord(1))
	waitFor(t, func() bool { return len(conn.received()) == 1 }, "viewer never received the first record")

	b.Detach("sess-1", v)
	b.Send("sess-1", finalRecord(2))

	time.Sleep(50 * time.Millisecond)
	if got := len(conn.received()); got != 1 {
		t.Errorf("detached viewer received %d records, want 1", got)
	}
}

func TestViewer_CloseReasonPropagates(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	v := NewViewer("v1", "en", conn, 0, nil)
	v.Stop("session ended")

	<-v.Done()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed || conn.reason != "session ended" {
		t.Errorf("close reason = %q (closed=%t), want session ended", conn.reason, conn.closed)
	}
}

func TestBroadcaster_SessionEndClosesViewers(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(0)
	b := NewBroadcaster(reg, nil, nil)
	if _, err := reg.RegisterProducer("sess-1", "teams"); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	conn := &fakeConn{}
	v := NewViewer("v1", "en", conn, 0, nil)
	if err := b.Attach("sess-1", v); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	b.Send("sess-1", finalRecord(1))
	b.Send("sess-1", &transcript.Record{Type: transcript.TypeSessionEnd})

	<-v.Done()

	frames := conn.received()
	if len(frames) != 2 {
		t.Fatalf("viewer received %d frames, want 2", len(frames))
	}
	var last transcript.Record
	if err := json.Unmarshal(frames[1], &last); err != nil {
		t.Fatalf("unmarshal last frame: %v", err)
	}
	if last.Type != transcript.TypeSessionEnd {
		t.Errorf("last frame type = %v, want session_end", last.Type)
	}

	conn.mu.Lock()
	closed, reason := conn.closed, conn.reason
	conn.mu.Unlock()
	if !closed || reason != "session ended" {
		t.Errorf("close reason = %q (closed=%t), want session ended", reason, closed)
	}
	if got := reg.ViewerCount("sess-1"); got != 0 {
		t.Errorf("viewer count after session end = %d, want 0", got)
	}
}

package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jcarpenter-uam/calc-translation/internal/correction"
	"github.com/jcarpenter-uam/calc-translation/internal/transcript"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt"
	sttmock "github.com/jcarpenter-uam/calc-translation/pkg/provider/stt/mock"
)

// scriptedProducer feeds frames to the orchestrator's read loop. Closing the
// channel simulates a producer disconnect.
type scriptedProducer struct {
	ch chan []byte
}

func newScriptedProducer() *scriptedProducer {
	return &scriptedProducer{ch: make(chan []byte, 16)}
}

func (p *scriptedProducer) ReadText(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-p.ch:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (p *scriptedProducer) sendAudio(speaker string, pcm []byte) {
	frame := fmt.Sprintf(`{"userName":%q,"audio":%q}`,
		speaker, base64.StdEncoding.EncodeToString(pcm))
	p.ch <- []byte(frame)
}

func (p *scriptedProducer) disconnect() { close(p.ch) }

// fakeArtifacts records WriteSession calls.
type fakeArtifacts struct {
	mu      sync.Mutex
	calls   int
	history []*transcript.Record
	err     error
}

func (a *fakeArtifacts) WriteSession(_ context.Context, _, _ string, history []*transcript.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.history = append([]*transcript.Record(nil), history...)
	return a.err
}

func (a *fakeArtifacts) written() []*transcript.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*transcript.Record(nil), a.history...)
}

// fakeSink records correction enqueues.
type fakeSink struct {
	mu        sync.Mutex
	utts      []correction.Utterance
	finalized int
}

func (s *fakeSink) ProcessFinal(_ context.Context, u correction.Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utts = append(s.utts, u)
}

func (s *fakeSink) Finalize(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
}

func (s *fakeSink) enqueued() []correction.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]correction.Utterance(nil), s.utts...)
}

// harness bundles an orchestrator with its collaborators.
type harness struct {
	reg      *Registry
	bcast    *Broadcaster
	producer *scriptedProducer
	provider *sttmock.Provider
	art      *fakeArtifacts
	sink     *fakeSink
	runErr   chan error
}

func newHarness(t *testing.T, mutate func(*OrchestratorConfig)) *harness {
	t.Helper()

	h := &harness{
		reg:      NewRegistry(0),
		producer: newScriptedProducer(),
		provider: &sttmock.Provider{},
		art:      &fakeArtifacts{},
		sink:     &fakeSink{},
		runErr:   make(chan error, 1),
	}
	h.bcast = NewBroadcaster(h.reg, nil, nil)

	cfg := OrchestratorConfig{
		SessionID:             "sess-1",
		Integration:           "teams",
		Registry:              h.reg,
		Broadcaster:           h.bcast,
		Producer:              h.producer,
		STT:                   h.provider,
		StreamConfig:          stt.StreamConfig{SampleRate: 16000, Channels: 1, TargetLanguage: "en"},
		Corrections:           h.sink,
		CorrectionLanguages:   []string{"zh"},
		DefaultTargetLanguage: "en",
		ReconnectBackoff:      []time.Duration{0},
		FinalizeTimeout:       200 * time.Millisecond,
		Artifacts:             h.art,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	go func() { h.runErr <- o.Run(context.Background()) }()
	return h
}

// sttSession waits for the n-th upstream session to exist and returns it.
func (h *harness) sttSession(t *testing.T, n int) *sttmock.Session {
	t.Helper()
	waitFor(t, func() bool { return h.provider.StartCount() >= n }, "stt stream never started")
	return h.provider.SessionAt(n - 1)
}

// awaitTrue polls cond for up to two seconds. Unlike waitFor it is safe to
// call off the test goroutine.
func awaitTrue(cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// attachViewer registers a viewer once the session is active.
func (h *harness) attachViewer(t *testing.T) *fakeConn {
	t.Helper()
	waitFor(t, func() bool { return h.reg.IsActive("sess-1") }, "session never became active")
	conn := &fakeConn{}
	v := NewViewer("v1", "en", conn, 0, nil)
	t.Cleanup(func() { v.Stop("test done") })
	if err := h.bcast.Attach("sess-1", v); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return conn
}

// finish closes the producer and waits for Run to return.
func (h *harness) finish(t *testing.T) error {
	t.Helper()
	h.producer.disconnect()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not shut down")
		return nil
	}
}

func decodeRecords(t *testing.T, frames [][]byte) []transcript.Record {
	t.Helper()
	out := make([]transcript.Record, 0, len(frames))
	for _, f := range frames {
		var rec transcript.Record
		if err := json.Unmarshal(f, &rec); err != nil {
			t.Fatalf("unmarshal %s: %v", f, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestOrchestrator_HappyPathSingleUtterance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.attachViewer(t)
	sess := h.sttSession(t, 1)

	h.producer.sendAudio("Alice", []byte{1, 2, 3, 4})
	waitFor(t, func() bool { return len(sess.AudioChunks()) == 1 }, "audio never reached the stt session")

	sess.EmitResult(stt.Result{Transcription: "你", SourceLanguage: "zh"})
	sess.EmitResult(stt.Result{Transcription: "你好", SourceLanguage: "zh"})
	sess.EmitResult(stt.Result{
		Transcription: "你好", Translation: "Hello",
		SourceLanguage: "zh", IsFinal: true,
	})

	waitFor(t, func() bool { return len(conn.received()) == 3 }, "viewer did not get partials + final")
	recs := decodeRecords(t, conn.received())

	if recs[0].Type != transcript.TypePartial || recs[1].Type != transcript.TypePartial {
		t.Errorf("expected two partials first, got %v then %v", recs[0].Type, recs[1].Type)
	}
	if recs[0].MessageID == "" || recs[0].MessageID != recs[1].MessageID {
		t.Error("partials of one utterance must share a transient id")
	}

	final := recs[2]
	if final.Type != transcript.TypeFinal || !final.IsFinalized {
		t.Errorf("final record = %+v", final)
	}
	if final.MessageID != "1_en" {
		t.Errorf("final message_id = %q, want 1_en", final.MessageID)
	}
	if final.Speaker != "Alice" {
		t.Errorf("final speaker = %q, want Alice", final.Speaker)
	}
	if final.VTTTimestamp == "" || !strings.Contains(final.VTTTimestamp, " --> ") {
		t.Errorf("final vtt_timestamp = %q", final.VTTTimestamp)
	}

	// Teardown: provider acknowledges the finalize signal.
	go func() {
		awaitTrue(sess.Finalized)
		sess.EmitClosed()
	}()
	if err := h.finish(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	waitFor(t, func() bool { return len(conn.received()) == 4 }, "viewer never got session_end")
	recs = decodeRecords(t, conn.received())
	if recs[3].Type != transcript.TypeSessionEnd {
		t.Errorf("last record type = %v, want session_end", recs[3].Type)
	}

	if h.reg.IsActive("sess-1") {
		t.Error("session still registered after teardown")
	}
	written := h.art.written()
	if len(written) != 1 || written[0].MessageID != "1_en" {
		t.Errorf("artifact history = %+v, want the single final", written)
	}
}

func TestOrchestrator_DuplicateProducerRejected(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	if _, err := reg.RegisterProducer("sess-1", "teams"); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}

	h := newHarness(t, func(cfg *OrchestratorConfig) { cfg.Registry = reg })

	select {
	case err := <-h.runErr:
		if !errors.Is(err, ErrSessionActive) {
			t.Fatalf("Run error = %v, want ErrSessionActive", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not reject the duplicate producer")
	}

	// The original registration survives.
	if info, ok := reg.Snapshot("sess-1"); !ok || info.Integration != "teams" {
		t.Errorf("original registration disturbed: %+v", info)
	}
}

func TestOrchestrator_FinalWithoutUtteranceDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.attachViewer(t)
	sess := h.sttSession(t, 1)

	// A stray boundary with no open utterance.
	sess.EmitResult(stt.Result{Transcription: "stray", SourceLanguage: "en", IsFinal: true})

	// A real utterance afterwards still gets ordinal 1.
	sess.EmitResult(stt.Result{Transcription: "hello", SourceLanguage: "en"})
	sess.EmitResult(stt.Result{Transcription: "hello", SourceLanguage: "en", IsFinal: true})

	waitFor(t, func() bool { return len(conn.received()) == 2 }, "expected one partial and one final")
	recs := decodeRecords(t, conn.received())
	if recs[1].MessageID != "1_en" {
		t.Errorf("final message_id = %q, want 1_en (stray final must not consume an ordinal)", recs[1].MessageID)
	}

	go func() {
		awaitTrue(sess.Finalized)
		sess.EmitClosed()
	}()
	if err := h.finish(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOrchestrator_TransientErrorReconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.attachViewer(t)
	first := h.sttSession(t, 1)

	first.EmitError(&stt.StreamError{
		Class:   stt.ErrorConnection,
		Code:    "503",
		Message: "Cannot continue request",
	})

	second := h.sttSession(t, 2)
	if second == first {
		t.Fatal("provider did not hand out a fresh session")
	}

	// No viewer notification for a transient failure.
	if got := len(conn.received()); got != 0 {
		t.Errorf("viewer received %d records during reconnect, want 0", got)
	}

	// Audio flows into the new stream; the producer never noticed.
	h.producer.sendAudio("Alice", []byte{9, 9})
	waitFor(t, func() bool { return len(second.AudioChunks()) == 1 }, "audio never reached the new stream")

	second.EmitResult(stt.Result{Transcription: "hi", SourceLanguage: "en"})
	second.EmitResult(stt.Result{Transcription: "hi", SourceLanguage: "en", IsFinal: true})
	waitFor(t, func() bool { return len(conn.received()) == 2 }, "results from the new stream never arrived")

	go func() {
		awaitTrue(second.Finalized)
		second.EmitClosed()
	}()
	if err := h.finish(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOrchestrator_FatalErrorClosesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	sess := h.sttSession(t, 1)

	sess.EmitError(&stt.StreamError{Class: stt.ErrorFatal, Code: "401", Message: "bad api key"})

	select {
	case err := <-h.runErr:
		if err == nil || !strings.Contains(err.Error(), "bad api key") {
			t.Fatalf("Run error = %v, want fatal stt error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not surface the fatal error")
	}

	// Draining still ran.
	if h.reg.IsActive("sess-1") {
		t.Error("session still registered after fatal error")
	}
	h.sink.mu.Lock()
	finalized := h.sink.finalized
	h.sink.mu.Unlock()
	if finalized != 1 {
		t.Errorf("correction Finalize ran %d times, want 1", finalized)
	}
}

func TestOrchestrator_CorrectionEligibility(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.attachViewer(t)
	sess := h.sttSession(t, 1)

	// Eligible: zh with text.
	sess.EmitResult(stt.Result{Transcription: "你好", SourceLanguage: "zh"})
	sess.EmitResult(stt.Result{Transcription: "你好", Translation: "Hello", SourceLanguage: "zh", IsFinal: true})

	// Not eligible: wrong language.
	sess.EmitResult(stt.Result{Transcription: "hello", SourceLanguage: "en"})
	sess.EmitResult(stt.Result{Transcription: "hello", SourceLanguage: "en", IsFinal: true})

	// Not eligible: empty transcription.
	sess.EmitResult(stt.Result{Translation: "...", SourceLanguage: "zh"})
	sess.EmitResult(stt.Result{SourceLanguage: "zh", IsFinal: true})

	waitFor(t, func() bool {
		recs := decodeRecords(t, conn.received())
		finals := 0
		for _, r := range recs {
			if r.Type == transcript.TypeFinal {
				finals++
			}
		}
		return finals == 3
	}, "not all finals were broadcast")

	utts := h.sink.enqueued()
	if len(utts) != 1 {
		t.Fatalf("correction sink received %d utterances, want 1", len(utts))
	}
	if utts[0].MessageID != "1_en" || utts[0].Transcription != "你好" {
		t.Errorf("enqueued utterance = %+v", utts[0])
	}
	if utts[0].VTTTimestamp == "" {
		t.Error("enqueued utterance lost its interval")
	}

	go func() {
		awaitTrue(sess.Finalized)
		sess.EmitClosed()
	}()
	if err := h.finish(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOrchestrator_DrainPromotesTrailingFinal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.attachViewer(t)
	sess := h.sttSession(t, 1)

	// An utterance is still open when the producer vanishes.
	sess.EmitResult(stt.Result{Transcription: "almost done", SourceLanguage: "en"})
	waitFor(t, func() bool { return len(conn.received()) == 1 }, "partial never arrived")

	go func() {
		awaitTrue(sess.Finalized)
		sess.EmitResult(stt.Result{Transcription: "almost done", SourceLanguage: "en", IsFinal: true})
		sess.EmitClosed()
	}()
	if err := h.finish(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	written := h.art.written()
	if len(written) != 1 || written[0].Transcription != "almost done" {
		t.Errorf("trailing final missing from artifact: %+v", written)
	}
}

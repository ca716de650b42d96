package deepgram

import (
	"net/url"
	"strings"
	"testing"

	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt"
)

// newBareSession returns a session without a transport, sufficient for
// exercising the reassembly logic directly.
func newBareSession(lang string) *session {
	return &session{
		events:     make(chan stt.Event, 64),
		done:       make(chan struct{}),
		sourceLang: lang,
	}
}

func drainResults(t *testing.T, s *session, n int) []stt.Result {
	t.Helper()
	out := make([]stt.Result, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-s.events:
			if ev.Kind != stt.EventResult {
				t.Fatalf("event %d: kind = %v, want EventResult", i, ev.Kind)
			}
			out = append(out, ev.Result)
		default:
			t.Fatalf("expected %d results, got %d", n, i)
		}
	}
	return out
}

func resultMsg(transcript string, isFinal, speechFinal bool) resultMessage {
	var msg resultMessage
	msg.Type = "Results"
	msg.IsFinal = isFinal
	msg.SpeechFinal = speechFinal
	msg.Channel.Alternatives = []struct {
		Transcript string `json:"transcript"`
		Words      []struct {
			Word    string `json:"word"`
			Speaker *int   `json:"speaker"`
		} `json:"words"`
	}{{Transcript: transcript}}
	return msg
}

func TestProcessResultPartialReplacesInterim(t *testing.T) {
	t.Parallel()

	s := newBareSession("en")

	s.processResult(resultMsg("hello wor", false, false))
	s.processResult(resultMsg("hello world", false, false))

	results := drainResults(t, s, 2)
	if results[0].Transcription != "hello wor" {
		t.Errorf("first partial = %q, want %q", results[0].Transcription, "hello wor")
	}
	if results[1].Transcription != "hello world" {
		t.Errorf("second partial = %q, want %q", results[1].Transcription, "hello world")
	}
	for i, r := range results {
		if r.IsFinal {
			t.Errorf("result %d unexpectedly final", i)
		}
		if r.SourceLanguage != "en" {
			t.Errorf("result %d source language = %q, want en", i, r.SourceLanguage)
		}
	}
}

func TestProcessResultCommittedSegmentsAccumulate(t *testing.T) {
	t.Parallel()

	s := newBareSession("en")

	s.processResult(resultMsg("hello world", true, false))
	s.processResult(resultMsg("how are", false, false))

	results := drainResults(t, s, 2)
	if results[1].Transcription != "hello world how are" {
		t.Errorf("partial = %q, want committed prefix kept", results[1].Transcription)
	}
}

func TestProcessResultSpeechFinalFlushesUtterance(t *testing.T) {
	t.Parallel()

	s := newBareSession("en")

	s.processResult(resultMsg("hello world", true, false))
	s.processResult(resultMsg("how are you", true, true))

	results := drainResults(t, s, 3)
	final := results[2]
	if !final.IsFinal {
		t.Fatal("third result should be final")
	}
	if final.Transcription != "hello world how are you" {
		t.Errorf("final = %q, want full utterance", final.Transcription)
	}

	// Buffers must reset for the next utterance.
	s.processResult(resultMsg("goodbye", true, true))
	next := drainResults(t, s, 2)
	if next[1].Transcription != "goodbye" {
		t.Errorf("second utterance final = %q, want goodbye (buffers leaked)", next[1].Transcription)
	}
}

func TestProcessResultSpeakerFromWords(t *testing.T) {
	t.Parallel()

	s := newBareSession("en")

	spk := 1
	msg := resultMsg("hi", false, false)
	msg.Channel.Alternatives[0].Words = []struct {
		Word    string `json:"word"`
		Speaker *int   `json:"speaker"`
	}{{Word: "hi", Speaker: &spk}}
	s.processResult(msg)

	results := drainResults(t, s, 1)
	if results[0].Speaker != "1" {
		t.Errorf("speaker = %q, want 1", results[0].Speaker)
	}
}

func TestProcessResultEmptyInterimSuppressed(t *testing.T) {
	t.Parallel()

	s := newBareSession("en")
	s.processResult(resultMsg("", false, false))

	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %+v for empty interim", ev)
	default:
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithModel("base"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := p.buildURL(stt.StreamConfig{
		SampleRate:               16000,
		Channels:                 1,
		SourceLanguages:          []string{"en", "de"},
		EnableSpeakerDiarization: true,
		EnableEndpointDetection:  true,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	q := u.Query()
	want := map[string]string{
		"model":           "base",
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"language":        "en",
		"diarize":         "true",
		"endpointing":     "300",
		"interim_results": "true",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") should fail")
	}
}

func TestJoinSegments(t *testing.T) {
	t.Parallel()

	if got := joinSegments([]string{"a", "b"}, "c"); got != "a b c" {
		t.Errorf("joinSegments = %q, want %q", got, "a b c")
	}
	if got := joinSegments(nil, ""); got != "" {
		t.Errorf("joinSegments empty = %q, want empty", got)
	}
	// Appending the interim tail must not mutate the committed slice.
	committed := []string{"a"}
	joinSegments(committed, "x")
	if strings.Join(committed, " ") != "a" {
		t.Error("joinSegments mutated committed slice")
	}
}

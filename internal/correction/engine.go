// Package correction implements the asynchronous contextual-correction
// pipeline. A session-scoped Engine keeps a trailing window of finalized
// utterances; once the window fills, the oldest utterance is sent to a
// correction model together with the utterances that followed it. When the
// model proposes a materially different sentence, the engine retranslates it
// and broadcasts an amended record under the original message id.
package correction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/jcarpenter-uam/calc-translation/internal/observe"
	"github.com/jcarpenter-uam/calc-translation/internal/transcript"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/llm"
)

// DefaultWindowSize is the default trailing-context threshold: an utterance is
// corrected once this many finals (itself included) have accumulated.
const DefaultWindowSize = 5

// contextFollowers is how many subsequent utterances are joined into the
// correction prompt's context.
const contextFollowers = 2

// Utterance is one finalized source-language utterance queued for correction.
type Utterance struct {
	// MessageID is the canonical finalized record id.
	MessageID string

	// Speaker is the producer-supplied speaker name.
	Speaker string

	// Transcription is the finalized source-language text.
	Transcription string

	// SourceLanguage and TargetLanguage are carried through to the amended
	// record.
	SourceLanguage string
	TargetLanguage string

	// VTTTimestamp is the interval of the original final record. The amended
	// record replaces the cached one wholesale, so it must carry the interval
	// forward.
	VTTTimestamp string
}

// Broadcaster is the narrow capability the engine needs from the session
// layer: dispatch one record to a session's viewers and cache.
type Broadcaster interface {
	Send(sessionID string, rec *transcript.Record)
}

// Config parameterises an Engine.
type Config struct {
	// WindowSize is the trailing-context threshold K. Non-positive values fall
	// back to DefaultWindowSize.
	WindowSize int

	// Corrector produces correction verdicts.
	Corrector llm.Provider

	// Translator retranslates corrected sentences. May be the same provider as
	// Corrector.
	Translator llm.Provider

	// Broadcaster receives status updates and amended records.
	Broadcaster Broadcaster

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// historyEntry wraps an utterance with its corrected-once guard.
type historyEntry struct {
	utt       Utterance
	corrected bool
}

// Engine is the session-scoped correction state machine. Methods are safe for
// concurrent use; correction tasks run detached and are awaited by Finalize.
type Engine struct {
	sessionID string
	window    int
	corrector llm.Provider
	translate llm.Provider
	bcast     Broadcaster
	log       *slog.Logger
	metrics   *observe.Metrics

	mu      sync.Mutex
	history []*historyEntry

	wg sync.WaitGroup
}

// NewEngine creates an Engine for sessionID.
func NewEngine(sessionID string, cfg Config) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Engine{
		sessionID: sessionID,
		window:    cfg.WindowSize,
		corrector: cfg.Corrector,
		translate: cfg.Translator,
		bcast:     cfg.Broadcaster,
		log:       cfg.Logger.With("session_id", sessionID),
		metrics:   cfg.Metrics,
	}
}

// ProcessFinal appends u to the trailing window. Once the window holds the
// full threshold, the oldest in-window utterance is scheduled for correction
// on a detached task; the call itself never blocks on model I/O.
func (e *Engine) ProcessFinal(ctx context.Context, u Utterance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, &historyEntry{utt: u})
	if len(e.history) > e.window {
		e.history = e.history[1:]
	}
	if len(e.history) < e.window {
		return
	}

	e.scheduleLocked(ctx, 0)
}

// Finalize schedules correction for every utterance still uncorrected in the
// window, then waits for all in-flight tasks. It must be awaited before the
// transcript artifact is written.
func (e *Engine) Finalize(ctx context.Context) {
	e.mu.Lock()
	for i := range e.history {
		e.scheduleLocked(ctx, i)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// scheduleLocked launches a correction task for history[idx] unless it was
// already corrected. Callers must hold e.mu.
func (e *Engine) scheduleLocked(ctx context.Context, idx int) {
	entry := e.history[idx]
	if entry.corrected {
		return
	}
	entry.corrected = true

	// Context for the prompt: the utterances that followed the target.
	var followers []string
	for i := idx + 1; i < len(e.history) && i <= idx+contextFollowers; i++ {
		followers = append(followers, e.history[i].utt.Transcription)
	}
	contextText := strings.Join(followers, " ")

	e.wg.Add(1)
	go func(u Utterance) {
		defer e.wg.Done()
		e.correct(context.WithoutCancel(ctx), u, contextText)
	}(entry.utt)
}

// verdict is the correction model's reply shape.
type verdict struct {
	IsCorrectionNeeded bool   `json:"is_correction_needed"`
	CorrectedSentence  string `json:"corrected_sentence"`
	Reasoning          string `json:"reasoning"`
}

// correct runs one correction task end to end. Model failures degrade to "no
// correction"; they never affect the session.
func (e *Engine) correct(ctx context.Context, u Utterance, contextText string) {
	start := time.Now()
	applied := false
	defer func() {
		e.metrics.RecordCorrection(ctx, applied, time.Since(start).Seconds())
	}()

	v, err := e.requestVerdict(ctx, u, contextText)
	if err != nil {
		e.log.Warn("correction model failed, keeping original",
			"message_id", u.MessageID, "err", err)
		return
	}

	corrected := strings.TrimSpace(v.CorrectedSentence)
	original := strings.TrimSpace(u.Transcription)
	if !v.IsCorrectionNeeded || corrected == "" {
		return
	}
	distance := matchr.Levenshtein(corrected, original)
	e.metrics.RecordCorrectionDistance(ctx, distance)
	if distance == 0 {
		// The model asked for a correction but produced the same sentence.
		return
	}

	e.bcast.Send(e.sessionID, &transcript.Record{
		MessageID:        u.MessageID,
		Speaker:          u.Speaker,
		Type:             transcript.TypeStatusUpdate,
		CorrectionStatus: transcript.CorrectionCorrecting,
	})

	translation, err := e.retranslate(ctx, corrected, u.TargetLanguage)
	if err != nil {
		e.log.Warn("retranslation failed, keeping original",
			"message_id", u.MessageID, "err", err)
		return
	}

	e.bcast.Send(e.sessionID, &transcript.Record{
		MessageID:        u.MessageID,
		Transcription:    corrected,
		Translation:      translation,
		SourceLanguage:   u.SourceLanguage,
		TargetLanguage:   u.TargetLanguage,
		Speaker:          u.Speaker,
		Type:             transcript.TypeCorrection,
		IsFinalized:      true,
		VTTTimestamp:     u.VTTTimestamp,
		CorrectionStatus: transcript.CorrectionComplete,
	})
	applied = true

	e.log.Info("correction applied",
		"message_id", u.MessageID,
		"distance", distance)
}

const correctorSystemPrompt = `You review sentences produced by a live speech-to-text system. ` +
	`Given the surrounding context, decide whether the target sentence contains a recognition error. ` +
	`Respond with exactly one JSON object: ` +
	`{"is_correction_needed": <bool>, "corrected_sentence": "<the fixed sentence, or the original if no fix is needed>", "reasoning": "<one short sentence>"}. ` +
	`Only fix recognition errors; never rephrase correct speech.`

// requestVerdict asks the correction model about u and parses its JSON reply.
func (e *Engine) requestVerdict(ctx context.Context, u Utterance, contextText string) (*verdict, error) {
	prompt, err := json.Marshal(map[string]string{
		"context":         contextText,
		"target_sentence": u.Transcription,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}

	resp, err := e.corrector.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: correctorSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: string(prompt)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("correction completion: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("correction completion: empty response")
	}

	raw, err := extractJSON(resp.Content)
	if err != nil {
		return nil, err
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parse verdict %q: %w", raw, err)
	}
	return &v, nil
}

// retranslate streams a translation of text into targetLanguage and returns
// the accumulated result.
func (e *Engine) retranslate(ctx context.Context, text, targetLanguage string) (string, error) {
	if targetLanguage == "" {
		targetLanguage = "en"
	}

	system := fmt.Sprintf("Translate the user's sentence into %s. Respond with only the translation.", targetLanguage)
	chunks, err := e.translate.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages: []llm.Message{
			{Role: "user", Content: text},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("translation stream: %w", err)
	}

	var sb strings.Builder
	for c := range chunks {
		if c.FinishReason == "error" {
			return "", fmt.Errorf("translation stream: %s", c.Text)
		}
		sb.WriteString(c.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

// extractJSON locates the JSON object inside a model reply that may be
// wrapped in prose or markdown fences. It cuts from the first '{' to the last
// '}'; when the closing brace is missing one is appended.
func extractJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in reply %q", s)
	}
	end := strings.LastIndexByte(s, '}')
	if end < start {
		return s[start:] + "}", nil
	}
	return s[start : end+1], nil
}

// Package artifact persists post-session outputs: the WebVTT transcript file,
// per-language summaries, and an optional archive record in the store.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jcarpenter-uam/calc-translation/internal/observe"
	"github.com/jcarpenter-uam/calc-translation/internal/transcript"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/llm"
)

// VTTFileName is the transcript artifact's file name inside the session
// directory.
const VTTFileName = "transcript.vtt"

// Store archives session artifacts durably. Implementations live in
// internal/store; all methods are best-effort from the writer's point of
// view.
type Store interface {
	// RecordSession registers a finished session and its artifact path.
	RecordSession(ctx context.Context, integration, sessionID, vttPath string, records int) error

	// RecordSummary stores one per-language summary.
	RecordSummary(ctx context.Context, sessionID, language, summary string) error
}

// Option configures a Writer.
type Option func(*Writer)

// WithSummarizer enables per-language summary generation with the given
// model.
func WithSummarizer(p llm.Provider) Option {
	return func(w *Writer) { w.summarizer = p }
}

// WithStore archives sessions and summaries to s.
func WithStore(s Store) Option {
	return func(w *Writer) { w.store = s }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Writer) { w.log = log }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// Writer persists session transcripts under a root directory. Artifacts land
// at <root>/output/<integration>/<session_id>/.
type Writer struct {
	root       string
	summarizer llm.Provider
	store      Store
	log        *slog.Logger
	metrics    *observe.Metrics
}

// NewWriter creates a Writer rooted at root.
func NewWriter(root string, opts ...Option) *Writer {
	w := &Writer{
		root: root,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// SessionDir returns the artifact directory for one session.
func (w *Writer) SessionDir(integration, sessionID string) string {
	return filepath.Join(w.root, "output", integration, sessionID)
}

// WriteSession serializes history into the session's WebVTT file, then runs
// the best-effort follow-ups: archive record and per-language summaries.
// Only the VTT write itself can fail the call; follow-up failures are logged.
func (w *Writer) WriteSession(ctx context.Context, integration, sessionID string, history []*transcript.Record) error {
	dir := w.SessionDir(integration, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	vttPath := filepath.Join(dir, VTTFileName)
	f, err := os.Create(vttPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", VTTFileName, err)
	}
	if err := transcript.WriteVTT(f, history); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", VTTFileName, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", VTTFileName, err)
	}
	w.log.Info("transcript artifact written",
		"session_id", sessionID, "path", vttPath, "cues", len(history))

	if w.store != nil {
		if err := w.store.RecordSession(ctx, integration, sessionID, vttPath, len(history)); err != nil {
			w.log.Error("archive session record failed", "session_id", sessionID, "err", err)
		}
	}

	w.writeSummaries(ctx, dir, sessionID, history)
	return nil
}

const summarySystemPrompt = `You summarise meeting transcripts. ` +
	`Write a short summary of the main points in the transcript's own language. ` +
	`Respond with only the summary text.`

// maxConcurrentSummaries bounds the parallel summary-model calls; multilingual
// sessions rarely exceed a handful of languages.
const maxConcurrentSummaries = 2

// writeSummaries groups the transcript text per language, asks the summary
// model for each, and writes summary.<lang>.txt files. Languages are
// summarised concurrently; everything here is best-effort.
func (w *Writer) writeSummaries(ctx context.Context, dir, sessionID string, history []*transcript.Record) {
	if w.summarizer == nil {
		return
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentSummaries)
	for lang, text := range textByLanguage(history) {
		g.Go(func() error {
			w.writeSummary(ctx, dir, sessionID, lang, text)
			return nil
		})
	}
	g.Wait()
}

// writeSummary handles one language: model call, summary file, archive row.
func (w *Writer) writeSummary(ctx context.Context, dir, sessionID, lang, text string) {
	start := time.Now()
	resp, err := w.summarizer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: text},
		},
	})
	w.metrics.SummaryDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		w.log.Warn("summary generation failed", "session_id", sessionID, "language", lang, "err", err)
		return
	}
	summary := strings.TrimSpace(resp.Content)

	path := filepath.Join(dir, "summary."+lang+".txt")
	if err := os.WriteFile(path, []byte(summary+"\n"), 0o644); err != nil {
		w.log.Error("write summary file", "path", path, "err", err)
		return
	}
	w.log.Info("summary written", "session_id", sessionID, "language", lang)

	if w.store != nil {
		if err := w.store.RecordSummary(ctx, sessionID, lang, summary); err != nil {
			w.log.Error("archive summary failed", "session_id", sessionID, "language", lang, "err", err)
		}
	}
}

// textByLanguage splits a session's finalized text per language: source text
// keyed by source language, translated text keyed by target language.
func textByLanguage(history []*transcript.Record) map[string]string {
	parts := make(map[string][]string)
	for _, rec := range history {
		if rec.Transcription != "" && rec.SourceLanguage != "" {
			parts[rec.SourceLanguage] = append(parts[rec.SourceLanguage],
				fmt.Sprintf("%s: %s", speakerOr(rec.Speaker), rec.Transcription))
		}
		if rec.Translation != "" && rec.TargetLanguage != "" {
			parts[rec.TargetLanguage] = append(parts[rec.TargetLanguage],
				fmt.Sprintf("%s: %s", speakerOr(rec.Speaker), rec.Translation))
		}
	}

	out := make(map[string]string, len(parts))
	for lang, lines := range parts {
		out[lang] = strings.Join(lines, "\n")
	}
	return out
}

func speakerOr(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

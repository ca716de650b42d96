package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcarpenter-uam/calc-translation/internal/correction"
	"github.com/jcarpenter-uam/calc-translation/internal/observe"
	"github.com/jcarpenter-uam/calc-translation/internal/transcript"
	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt"
)

// DefaultFinalizeTimeout bounds how long teardown waits for the STT provider
// to acknowledge end-of-audio.
const DefaultFinalizeTimeout = 5 * time.Second

// defaultBackoff is the reconnect schedule used when none is configured. The
// last value repeats.
var defaultBackoff = []time.Duration{0, 3 * time.Second, 5 * time.Second}

// ProducerConn is the transport half of a producer connection. The server
// layer adapts its websocket connections to this interface. The orchestrator
// never closes the connection itself; it returns an error and lets the caller
// pick the close code.
type ProducerConn interface {
	// ReadText returns the next text frame. It must respect ctx cancellation
	// and return an error once the peer disconnects.
	ReadText(ctx context.Context) ([]byte, error)
}

// CorrectionSink is the narrow capability the orchestrator needs from the
// correction pipeline.
type CorrectionSink interface {
	ProcessFinal(ctx context.Context, u correction.Utterance)
	Finalize(ctx context.Context)
}

// Artifacts persists a finished session's transcript.
type Artifacts interface {
	WriteSession(ctx context.Context, integration, sessionID string, history []*transcript.Record) error
}

// producerFrame is one inbound producer message.
type producerFrame struct {
	UserName string `json:"userName"`
	Audio    string `json:"audio"`
}

// OrchestratorConfig wires one producer connection to the broker.
type OrchestratorConfig struct {
	SessionID   string
	Integration string

	Registry    *Registry
	Broadcaster *Broadcaster
	Producer    ProducerConn

	// STT creates upstream streams; StreamConfig parameterises them.
	STT          stt.Provider
	StreamConfig stt.StreamConfig

	// Corrections receives eligible finals. May be nil to disable the
	// pipeline.
	Corrections CorrectionSink

	// CorrectionLanguages is the set of source codes eligible for correction.
	CorrectionLanguages []string

	// DefaultTargetLanguage is used when the provider omits one.
	DefaultTargetLanguage string

	// ReconnectBackoff is the retry schedule after a transient STT failure;
	// the last value repeats. Empty means the default 0s, 3s, 5s.
	ReconnectBackoff []time.Duration

	// FinalizeTimeout bounds the teardown wait for the STT close signal.
	// Non-positive means DefaultFinalizeTimeout.
	FinalizeTimeout time.Duration

	// Artifacts persists the transcript at teardown. May be nil.
	Artifacts Artifacts

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Orchestrator drives one producer connection: the receive loop, the upstream
// STT lifecycle with reconnection, the utterance state machine, and teardown.
type Orchestrator struct {
	cfg      OrchestratorConfig
	log      *slog.Logger
	metrics  *observe.Metrics
	langs    map[string]bool
	backoff  []time.Duration
	finWait  time.Duration

	sess *Session

	// Utterance state, touched only by the Run goroutine.
	sttSess     stt.SessionHandle
	streamStart time.Time
	currentID   string
	speaker     string
	ordinal     int
}

// NewOrchestrator validates cfg and returns an Orchestrator ready to Run.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("session: SessionID must not be empty")
	}
	if cfg.Registry == nil || cfg.Broadcaster == nil {
		return nil, errors.New("session: Registry and Broadcaster are required")
	}
	if cfg.Producer == nil {
		return nil, errors.New("session: Producer connection is required")
	}
	if cfg.STT == nil {
		return nil, errors.New("session: STT provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}
	backoff := cfg.ReconnectBackoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}

	langs := make(map[string]bool, len(cfg.CorrectionLanguages))
	for _, l := range cfg.CorrectionLanguages {
		langs[l] = true
	}

	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger.With("session_id", cfg.SessionID),
		metrics: cfg.Metrics,
		langs:   langs,
		backoff: backoff,
		finWait: cfg.FinalizeTimeout,
		speaker: "Unknown",
	}, nil
}

// Run registers the producer, streams until the producer disconnects or a
// fatal error occurs, then drains. Draining executes unconditionally once
// registration succeeded. The returned error is ErrSessionActive for a
// duplicate producer, a *stt.StreamError for fatal upstream failures, or nil
// for a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	sess, err := o.cfg.Registry.RegisterProducer(o.cfg.SessionID, o.cfg.Integration)
	if err != nil {
		return err
	}
	o.sess = sess
	o.metrics.SessionStarted(ctx)
	o.log.Info("producer registered", "integration", o.cfg.Integration)

	defer o.drain()

	o.sttSess, err = o.cfg.STT.StartStream(ctx, o.cfg.StreamConfig)
	if err != nil {
		if stt.IsConnectionError(err) {
			// The very first connect gets the same retry treatment as a
			// mid-stream lapse.
			o.sttSess = nil
		} else {
			return fmt.Errorf("start stt stream: %w", err)
		}
	}
	o.streamStart = time.Now()

	frames := make(chan producerFrame)
	go o.readLoop(ctx, frames)

	if o.sttSess == nil {
		if err := o.reconnect(ctx, frames); err != nil {
			if errors.Is(err, errProducerGone) {
				return nil
			}
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-frames:
			if !ok {
				// Producer disconnected; drain runs via defer.
				return nil
			}
			o.handleFrame(ctx, frame)

		case ev, ok := <-o.sttSess.Events():
			if !ok {
				// Receive loop gone without a Closed event; treat as a lapse.
				if err := o.reconnect(ctx, frames); err != nil {
					if errors.Is(err, errProducerGone) {
						return nil
					}
					return err
				}
				continue
			}
			switch ev.Kind {
			case stt.EventResult:
				o.handleResult(ctx, ev.Result)
			case stt.EventError:
				if stt.IsConnectionError(ev.Err) {
					if err := o.reconnect(ctx, frames); err != nil {
						if errors.Is(err, errProducerGone) {
							return nil
						}
						return err
					}
					continue
				}
				return fmt.Errorf("stt stream: %w", ev.Err)
			case stt.EventClosed:
				// Upstream finished mid-session; reconnect so later audio is
				// not lost.
				if err := o.reconnect(ctx, frames); err != nil {
					if errors.Is(err, errProducerGone) {
						return nil
					}
					return err
				}
			}
		}
	}
}

// readLoop decodes producer frames and forwards them until the transport
// errors. The frames channel is closed on exit.
func (o *Orchestrator) readLoop(ctx context.Context, frames chan<- producerFrame) {
	defer close(frames)
	for {
		data, err := o.cfg.Producer.ReadText(ctx)
		if err != nil {
			o.log.Info("producer disconnected", "err", err)
			return
		}
		var frame producerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			o.log.Warn("malformed producer frame", "err", err)
			continue
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame updates the current speaker and forwards the decoded audio.
func (o *Orchestrator) handleFrame(ctx context.Context, frame producerFrame) {
	if frame.UserName != "" {
		o.speaker = frame.UserName
	}
	audio, err := base64.StdEncoding.DecodeString(frame.Audio)
	if err != nil {
		o.log.Warn("invalid audio payload", "err", err)
		return
	}
	o.metrics.AudioBytes.Add(ctx, int64(len(audio)))
	if o.sttSess == nil {
		// Mid-reconnect; audio during the outage is dropped.
		return
	}
	if err := o.sttSess.SendAudio(audio); err != nil {
		// The receive loop surfaces the authoritative error event.
		o.log.Debug("send audio", "err", err)
	}
}

// handleResult runs the utterance state machine for one STT result.
func (o *Orchestrator) handleResult(ctx context.Context, r stt.Result) {
	if o.currentID == "" {
		if r.IsFinal {
			// A boundary with no open utterance carries nothing to promote.
			return
		}
		o.currentID = uuid.NewString()
		o.sess.Clock.MarkStart(o.currentID)
	}

	speaker := r.Speaker
	if speaker == "" {
		speaker = o.speaker
	}
	target := r.TargetLanguage
	if target == "" {
		target = o.cfg.DefaultTargetLanguage
	}

	if r.IsFinal {
		vtt := o.sess.Clock.Complete(o.currentID)
		o.ordinal++
		messageID := fmt.Sprintf("%d_%s", o.ordinal, target)

		rec := &transcript.Record{
			MessageID:      messageID,
			Transcription:  r.Transcription,
			Translation:    r.Translation,
			SourceLanguage: r.SourceLanguage,
			TargetLanguage: target,
			Speaker:        speaker,
			Type:           transcript.TypeFinal,
			IsFinalized:    true,
			VTTTimestamp:   vtt,
		}
		o.cfg.Broadcaster.Send(o.cfg.SessionID, rec)

		if o.cfg.Corrections != nil && r.Transcription != "" && o.langs[r.SourceLanguage] {
			o.cfg.Corrections.ProcessFinal(ctx, correction.Utterance{
				MessageID:      messageID,
				Speaker:        speaker,
				Transcription:  r.Transcription,
				SourceLanguage: r.SourceLanguage,
				TargetLanguage: target,
				VTTTimestamp:   vtt,
			})
		}

		o.currentID = ""
		return
	}

	if r.Transcription == "" && r.Translation == "" {
		return
	}

	o.sess.Clock.MarkStart(o.currentID)
	o.cfg.Broadcaster.Send(o.cfg.SessionID, &transcript.Record{
		MessageID:      o.currentID,
		Transcription:  r.Transcription,
		Translation:    r.Translation,
		SourceLanguage: r.SourceLanguage,
		TargetLanguage: target,
		Speaker:        speaker,
		Type:           transcript.TypePartial,
	})
}

// reconnect replaces a failed STT stream following the backoff schedule.
// Producer frames keep flowing while reconnecting; their audio is dropped.
// Returns a fatal error when a new stream cannot be established for a
// non-transient reason, or when the producer goes away.
func (o *Orchestrator) reconnect(ctx context.Context, frames <-chan producerFrame) error {
	if o.sttSess != nil {
		o.metrics.STTStreamDuration.Record(ctx, time.Since(o.streamStart).Seconds())
		if err := o.sttSess.Finalize(); err != nil {
			o.log.Debug("finalize failed stream", "err", err)
		}
		_ = o.sttSess.Close()
		o.sttSess = nil
	}

	for attempt := 0; ; attempt++ {
		delay := o.backoff[min(attempt, len(o.backoff)-1)]
		o.metrics.RecordSTTReconnect(ctx)
		o.log.Warn("stt connection lost, reconnecting", "attempt", attempt+1, "delay", delay)

		if err := o.sleepDraining(ctx, frames, delay); err != nil {
			return err
		}

		sess, err := o.cfg.STT.StartStream(ctx, o.cfg.StreamConfig)
		if err == nil {
			o.sttSess = sess
			o.streamStart = time.Now()
			o.log.Info("stt stream re-established", "attempt", attempt+1)
			return nil
		}
		if !stt.IsConnectionError(err) {
			return fmt.Errorf("reconnect stt stream: %w", err)
		}
		o.metrics.RecordProviderError(ctx, "stt", "connection")
	}
}

// errProducerGone signals the producer disconnected while reconnecting.
var errProducerGone = errors.New("producer disconnected")

// sleepDraining waits for delay while consuming producer frames so the read
// loop never blocks. Speaker updates are still applied; audio is dropped.
func (o *Orchestrator) sleepDraining(ctx context.Context, frames <-chan producerFrame, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return errProducerGone
			}
			if frame.UserName != "" {
				o.speaker = frame.UserName
			}
		}
	}
}

// drain runs the teardown sequence: finalize the upstream stream, await the
// correction pipeline, persist the artifact, signal viewers, deregister. It
// runs regardless of how Streaming ended and is not cancellable.
func (o *Orchestrator) drain() {
	ctx := context.Background()
	o.log.Info("draining session")

	if o.sttSess != nil {
		o.metrics.STTStreamDuration.Record(ctx, time.Since(o.streamStart).Seconds())
		if err := o.sttSess.Finalize(); err != nil {
			o.log.Debug("finalize stt stream", "err", err)
		}
		o.awaitClose(ctx)
		_ = o.sttSess.Close()
		o.sttSess = nil
	}

	if o.cfg.Corrections != nil {
		o.cfg.Corrections.Finalize(ctx)
	}

	history := o.sess.Cache.History()
	if o.cfg.Artifacts != nil && len(history) > 0 {
		err := o.cfg.Artifacts.WriteSession(ctx, o.cfg.Integration, o.cfg.SessionID, history)
		o.metrics.RecordArtifactWrite(ctx, err == nil)
		if err != nil {
			o.log.Error("artifact write failed", "err", err)
		}
	}
	o.sess.Cache.Clear()

	o.cfg.Broadcaster.Send(o.cfg.SessionID, &transcript.Record{
		Type: transcript.TypeSessionEnd,
	})

	o.cfg.Registry.DeregisterProducer(o.cfg.SessionID)
	o.metrics.SessionEnded(ctx)
	o.log.Info("session closed", "utterances", o.ordinal)
}

// awaitClose consumes trailing STT events until the provider signals close or
// the finalize timeout expires. Trailing finals still run through the state
// machine so the last utterance is promoted.
func (o *Orchestrator) awaitClose(ctx context.Context) {
	timer := time.NewTimer(o.finWait)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			o.log.Warn("stt close signal timed out", "timeout", o.finWait)
			return
		case ev, ok := <-o.sttSess.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case stt.EventResult:
				o.handleResult(ctx, ev.Result)
			case stt.EventClosed:
				return
			case stt.EventError:
				o.log.Debug("stt error during drain", "err", ev.Err)
			}
		}
	}
}

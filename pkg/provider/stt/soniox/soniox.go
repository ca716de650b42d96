// Package soniox provides a Soniox-backed streaming STT and translation
// provider using the Soniox real-time WebSocket API. It implements the
// stt.Provider interface.
//
// The provider sends a JSON configuration frame on connect, then binary
// PCM16 audio frames. Inbound messages carry token sequences that are
// reassembled into stt.Result values: committed ("is_final") tokens
// accumulate across messages while interim tokens are replaced on every
// message. A "<end>" sentinel token or a top-level "finished" flag closes
// the current utterance and flushes the committed buffers.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt"
)

const (
	defaultEndpoint = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel    = "stt-rt-preview"

	// endToken is the utterance-boundary sentinel emitted when endpoint
	// detection is enabled.
	endToken = "<end>"

	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 10 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint URL.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithModel sets the Soniox model identifier.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithKeepalive sets the transport ping interval and per-ping timeout.
// Zero values keep the defaults (20s interval, 10s timeout).
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(p *Provider) {
		if interval > 0 {
			p.pingInterval = interval
		}
		if timeout > 0 {
			p.pingTimeout = timeout
		}
	}
}

// Provider implements stt.Provider backed by the Soniox real-time API.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	pingInterval time.Duration
	pingTimeout  time.Duration
}

// New creates a Soniox Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		model:        defaultModel,
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// configFrame is the first (JSON) frame of every Soniox session.
type configFrame struct {
	APIKey                   string   `json:"api_key"`
	Model                    string   `json:"model"`
	AudioFormat              string   `json:"audio_format"`
	SampleRate               int      `json:"sample_rate"`
	NumChannels              int      `json:"num_channels"`
	LanguageHints            []string `json:"language_hints,omitempty"`
	EnableSpeakerDiarization bool     `json:"enable_speaker_diarization"`
	EnableEndpointDetection  bool     `json:"enable_endpoint_detection"`
	Translation              *translationConfig `json:"translation,omitempty"`
}

type translationConfig struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language"`
}

// StartStream implements stt.Provider. It dials the endpoint, performs the
// configuration handshake, and starts the read, write, and keepalive loops.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("soniox: dial: %w", err)
	}

	frame := configFrame{
		APIKey:                   p.apiKey,
		Model:                    p.model,
		AudioFormat:              "pcm_s16le",
		SampleRate:               cfg.SampleRate,
		NumChannels:              cfg.Channels,
		LanguageHints:            cfg.SourceLanguages,
		EnableSpeakerDiarization: cfg.EnableSpeakerDiarization,
		EnableEndpointDetection:  cfg.EnableEndpointDetection,
	}
	if cfg.TargetLanguage != "" {
		frame.Translation = &translationConfig{Type: "one_way", TargetLanguage: cfg.TargetLanguage}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "config marshal failed")
		return nil, fmt.Errorf("soniox: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "config write failed")
		return nil, fmt.Errorf("soniox: send config: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:       conn,
		ctx:        sessCtx,
		cancel:     cancel,
		events:     make(chan stt.Event, 64),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
		targetLang: cfg.TargetLanguage,
		pingEvery:  p.pingInterval,
		pingWait:   p.pingTimeout,
	}

	sess.wg.Add(3)
	go sess.readLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ---- session ----

// sonioxMessage is the JSON structure of an inbound provider message.
type sonioxMessage struct {
	Tokens       []sonioxToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
}

type sonioxToken struct {
	Text              string `json:"text"`
	IsFinal           bool   `json:"is_final"`
	Language          string `json:"language"`
	Speaker           string `json:"speaker"`
	TranslationStatus string `json:"translation_status"`
}

// isTranslation reports whether the token belongs to the translated stream.
func (t sonioxToken) isTranslation() bool { return t.TranslationStatus == "translation" }

// session is a live Soniox streaming session. It implements stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	events chan stt.Event
	audio  chan []byte

	done      chan struct{}
	closeOnce sync.Once
	finOnce   sync.Once
	wg        sync.WaitGroup

	pingEvery time.Duration
	pingWait  time.Duration

	// Reassembly state, owned by readLoop.
	finalTranscription []string
	finalTranslation   []string
	sourceLang         string
	targetLang         string
	speaker            string
}

// SendAudio queues a binary PCM chunk for delivery.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Events returns the session's ordered event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Finalize sends an empty binary frame, the Soniox end-of-audio signal. The
// provider flushes pending recognition and eventually reports finished=true,
// which surfaces as a final Result followed by EventClosed.
func (s *session) Finalize() error {
	var err error = stt.ErrSessionClosed
	s.finOnce.Do(func() {
		select {
		case <-s.done:
			err = stt.ErrSessionClosed
		case s.audio <- nil:
			err = nil
		}
	})
	return err
}

// Close terminates the session. Safe to call multiple times.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop drains the audio channel into binary WebSocket frames. A nil
// chunk is the finalize marker and is sent as an empty frame.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// keepaliveLoop pings the transport so intermediaries do not drop the
// connection during silence.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, s.pingWait)
			_ = s.conn.Ping(pingCtx)
			cancel()
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// readLoop receives provider messages, reassembles them into Results, and
// emits them on the event stream. It owns all reassembly state.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
				// Deliberate close; just confirm.
			default:
				s.emit(stt.Event{Kind: stt.EventError, Err: classifyTransport(err)})
			}
			s.emit(stt.Event{Kind: stt.EventClosed})
			return
		}

		var msg sonioxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are skipped; the provider occasionally
			// interleaves non-JSON keepalive payloads.
			continue
		}

		if msg.ErrorCode != 0 || msg.ErrorMessage != "" {
			s.emit(stt.Event{Kind: stt.EventError, Err: classifyProvider(msg.ErrorCode, msg.ErrorMessage)})
			s.emit(stt.Event{Kind: stt.EventClosed})
			return
		}

		s.processTokens(msg)

		if msg.Finished {
			s.emit(stt.Event{Kind: stt.EventClosed})
			return
		}
	}
}

// processTokens folds one provider message into the reassembly buffers and
// emits the resulting partial (and, at an utterance boundary, final) Result.
func (s *session) processTokens(msg sonioxMessage) {
	var interimTranscription, interimTranslation []string
	boundary := msg.Finished

	for _, tok := range msg.Tokens {
		if tok.Text == endToken {
			if tok.IsFinal {
				boundary = true
			}
			continue
		}
		if tok.Speaker != "" {
			s.speaker = tok.Speaker
		}
		if tok.isTranslation() {
			if tok.Language != "" {
				s.targetLang = tok.Language
			}
			if tok.IsFinal {
				s.finalTranslation = append(s.finalTranslation, tok.Text)
			} else {
				interimTranslation = append(interimTranslation, tok.Text)
			}
			continue
		}
		if tok.Language != "" {
			s.sourceLang = tok.Language
		}
		if tok.IsFinal {
			s.finalTranscription = append(s.finalTranscription, tok.Text)
		} else {
			interimTranscription = append(interimTranscription, tok.Text)
		}
	}

	if len(msg.Tokens) > 0 {
		s.emit(stt.Event{Kind: stt.EventResult, Result: stt.Result{
			Transcription:  joinSegments(s.finalTranscription, interimTranscription),
			Translation:    joinSegments(s.finalTranslation, interimTranslation),
			IsFinal:        false,
			SourceLanguage: s.sourceLang,
			TargetLanguage: s.targetLang,
			Speaker:        s.speaker,
		}})
	}

	if boundary {
		s.emit(stt.Event{Kind: stt.EventResult, Result: stt.Result{
			Transcription:  joinSegments(s.finalTranscription, nil),
			Translation:    joinSegments(s.finalTranslation, nil),
			IsFinal:        true,
			SourceLanguage: s.sourceLang,
			TargetLanguage: s.targetLang,
			Speaker:        s.speaker,
		}})
		s.finalTranscription = nil
		s.finalTranslation = nil
	}
}

// emit delivers ev unless the session has been closed underneath us.
func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// joinSegments concatenates the committed tokens and the interim tail,
// separated by a single space, with surrounding whitespace trimmed. Soniox
// tokens carry their own internal spacing.
func joinSegments(final, interim []string) string {
	committed := strings.Join(final, "")
	tail := strings.Join(interim, "")
	return strings.TrimSpace(committed + " " + tail)
}

// ---- error classification ----

// transientSubstrings mark provider and transport messages that indicate a
// restartable failure rather than a permanent one.
var transientSubstrings = []string{
	"cannot continue request",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"i/o timeout",
	"use of closed network connection",
}

// classifyProvider turns a Soniox error report into a StreamError. 4xx
// codes are configuration or authentication failures and therefore fatal;
// everything else is treated as fatal unless a known transient substring is
// present.
func classifyProvider(code int, message string) *stt.StreamError {
	class := stt.ErrorFatal
	if code >= 500 || hasTransientSubstring(message) {
		class = stt.ErrorConnection
	}
	return &stt.StreamError{
		Class:   class,
		Code:    fmt.Sprintf("%d", code),
		Message: message,
	}
}

// classifyTransport classifies a websocket read failure. Peer resets and
// abnormal closures are restartable; a normal closure initiated by the
// provider without a finished marker is also treated as restartable so a
// mid-session idle drop does not kill the session.
func classifyTransport(err error) *stt.StreamError {
	class := stt.ErrorConnection
	if !hasTransientSubstring(err.Error()) {
		switch websocket.CloseStatus(err) {
		case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData, websocket.StatusInvalidFramePayloadData:
			class = stt.ErrorFatal
		}
	}
	return &stt.StreamError{Class: class, Message: "stream read failed", Cause: err}
}

func hasTransientSubstring(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sub := range transientSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Package deepgram provides a Deepgram-backed streaming STT provider using
// the Deepgram real-time WebSocket API. It implements the stt.Provider
// interface.
//
// Deepgram does not translate, so emitted Results carry only Transcription.
// Segment results marked "is_final" accumulate as committed text; interim
// segments are replaced on every message. A "speech_final" segment closes the
// current utterance and flushes the committed buffer, mirroring the endpoint
// sentinel of translation-capable providers.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jcarpenter-uam/calc-translation/pkg/provider/stt"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"

	// Deepgram drops the socket after ~10s of silence unless a KeepAlive
	// text frame arrives.
	defaultKeepaliveInterval = 7 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint URL.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithModel sets the Deepgram model identifier (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithKeepalive sets the interval of the JSON KeepAlive frames sent during
// silence. Zero keeps the default.
func WithKeepalive(interval time.Duration) Option {
	return func(p *Provider) {
		if interval > 0 {
			p.keepalive = interval
		}
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey    string
	endpoint  string
	model     string
	keepalive time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:    apiKey,
		endpoint:  defaultEndpoint,
		model:     defaultModel,
		keepalive: defaultKeepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream implements stt.Provider. Unlike providers with a JSON handshake
// frame, Deepgram takes its session configuration as URL query parameters, so
// the dial itself is the whole handshake.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:      conn,
		ctx:       sessCtx,
		cancel:    cancel,
		events:    make(chan stt.Event, 64),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
		keepalive: p.keepalive,
	}
	if len(cfg.SourceLanguages) > 0 {
		sess.sourceLang = cfg.SourceLanguages[0]
	}

	sess.wg.Add(3)
	go sess.readLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// buildURL encodes the stream configuration into the listen endpoint's query
// string.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("encoding", "linear16")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	// Deepgram takes a single language, not hints. Omitting it enables
	// automatic detection on models that support it.
	if len(cfg.SourceLanguages) > 0 {
		q.Set("language", cfg.SourceLanguages[0])
	}
	if cfg.EnableSpeakerDiarization {
		q.Set("diarize", "true")
	}
	if cfg.EnableEndpointDetection {
		q.Set("endpointing", "300")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// resultMessage is the JSON structure of a Deepgram "Results" message.
type resultMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word    string `json:"word"`
				Speaker *int   `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements
// stt.SessionHandle.
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

	keepalive time.Duration

	// Reassembly state, owned by readLoop.
	committed  []string
	sourceLang string
	speaker    string
	finalized  bool
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

// Finalize sends a CloseStream control frame. Deepgram flushes pending
// recognition, delivers the remaining Results, and closes the connection,
// which surfaces as EventClosed.
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
// chunk is the finalize marker and is sent as a CloseStream control frame.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if chunk == nil {
				_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
				continue
			}
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

// keepaliveLoop keeps the socket alive through silence with Deepgram's JSON
// KeepAlive frame. Transport-level pings are not enough; the server times out
// sessions that stop sending messages.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`))
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
				// A normal closure after CloseStream is the expected
				// end of a finalized session, not a failure.
				if !(s.finalized && websocket.CloseStatus(err) == websocket.StatusNormalClosure) {
					s.emit(stt.Event{Kind: stt.EventError, Err: classifyTransport(err)})
				}
			}
			s.emit(stt.Event{Kind: stt.EventClosed})
			return
		}

		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Results":
			s.processResult(msg)
		case "Metadata":
			// Final bookkeeping message after CloseStream.
			s.finalized = true
		}
	}
}

// processResult folds one Results message into the reassembly buffer and
// emits the resulting partial (and, at an utterance boundary, final) Result.
func (s *session) processResult(msg resultMessage) {
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]

	for _, w := range alt.Words {
		if w.Speaker != nil {
			s.speaker = strconv.Itoa(*w.Speaker)
			break
		}
	}

	var interim string
	if msg.IsFinal {
		if alt.Transcript != "" {
			s.committed = append(s.committed, alt.Transcript)
		}
	} else {
		interim = alt.Transcript
	}

	if alt.Transcript != "" || msg.IsFinal {
		s.emit(stt.Event{Kind: stt.EventResult, Result: stt.Result{
			Transcription:  joinSegments(s.committed, interim),
			IsFinal:        false,
			SourceLanguage: s.sourceLang,
			Speaker:        s.speaker,
		}})
	}

	if msg.SpeechFinal {
		s.emit(stt.Event{Kind: stt.EventResult, Result: stt.Result{
			Transcription:  joinSegments(s.committed, ""),
			IsFinal:        true,
			SourceLanguage: s.sourceLang,
			Speaker:        s.speaker,
		}})
		s.committed = nil
	}
}

// emit delivers ev unless the session has been closed underneath us.
func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// joinSegments joins the committed segments and the interim tail with single
// spaces. Deepgram transcripts come without leading or trailing whitespace.
func joinSegments(committed []string, interim string) string {
	parts := committed
	if interim != "" {
		parts = append(committed[:len(committed):len(committed)], interim)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// classifyTransport classifies a websocket read failure. Deepgram reports
// configuration and authentication problems through close codes in the 4xxx
// range; everything else is treated as a restartable connection failure.
func classifyTransport(err error) *stt.StreamError {
	class := stt.ErrorConnection
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData,
		websocket.StatusInvalidFramePayloadData, 4000, 4001:
		class = stt.ErrorFatal
	}
	return &stt.StreamError{Class: class, Message: "stream read failed", Cause: err}
}

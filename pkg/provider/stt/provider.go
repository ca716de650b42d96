// Package stt defines the Provider interface for streaming speech-to-text
// and translation backends.
//
// An STT provider wraps a real-time recognition service and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio frames and emits a single ordered stream of
// Event values — reassembled partial and final recognition Results, classified
// errors, and a terminal Closed marker. Funnelling everything through one
// channel keeps the consumer side single-threaded: the session orchestrator
// drains the event stream in arrival order and never sees provider callbacks.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// session. Audio is raw PCM16 little-endian; most providers require mono.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (16000 for the broker's
	// producer contract).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// SourceLanguages is the list of BCP-47-like language hints for
	// recognition. Empty lets the provider auto-detect.
	SourceLanguages []string

	// TargetLanguage selects the translation output language. Providers
	// that do not translate ignore it; Results then carry only
	// transcription text.
	TargetLanguage string

	// EnableSpeakerDiarization asks the provider to attach speaker labels
	// to tokens when supported.
	EnableSpeakerDiarization bool

	// EnableEndpointDetection asks the provider to emit utterance-boundary
	// sentinels so the caller can segment finals without running its own
	// voice-activity detection.
	EnableEndpointDetection bool
}

// SessionHandle represents an open streaming session. It is an interface so
// that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed and must drain
// Events until it is closed; failing to do so may leak goroutines inside the
// provider implementation.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider.
	// The chunk must match the format agreed in StreamConfig. Calling
	// SendAudio after Close or Finalize returns an error.
	SendAudio(chunk []byte) error

	// Events returns the ordered event stream for this session. The channel
	// is closed after an EventClosed has been delivered (or the session is
	// torn down). Events arrive in provider order; a consumer that processes
	// them sequentially observes partials before their final.
	Events() <-chan Event

	// Finalize signals end-of-audio to the provider so it can flush pending
	// recognition. The session remains open for reading until the provider
	// confirms and EventClosed arrives.
	Finalize() error

	// Close terminates the session and releases all resources. After Close
	// returns the Events channel will be closed. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously (one per producer connection).
type Provider interface {
	// StartStream performs the blocking handshake with the backend and
	// returns a SessionHandle ready to accept audio.
	//
	// Returns an error if the session cannot be established (bad key,
	// unsupported configuration, ctx already cancelled). The caller owns
	// the handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

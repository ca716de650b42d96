package stt

import (
	"errors"
	"fmt"
)

// Result is one reassembled recognition result. Providers that translate
// emit both Transcription and Translation; either may be empty.
//
// A non-final Result carries the committed text so far plus the current
// interim tail. The final Result at an utterance boundary carries only the
// committed text, after which the provider's accumulation buffers reset for
// the next utterance.
type Result struct {
	// Transcription is the source-language text.
	Transcription string

	// Translation is the target-language text.
	Translation string

	// IsFinal marks the closing result of an utterance.
	IsFinal bool

	// SourceLanguage is the detected (or configured) source language code.
	SourceLanguage string

	// TargetLanguage is the translation language code. Defaults to the
	// configured target when the provider omits it.
	TargetLanguage string

	// Speaker is the diarization label, when available.
	Speaker string
}

// EventKind discriminates the variants of Event.
type EventKind int

const (
	// EventResult carries a Result (partial or final).
	EventResult EventKind = iota

	// EventError carries a classified stream error. A connection-class
	// error is restartable; a fatal one is not. EventClosed follows.
	EventError

	// EventClosed is the terminal event: the provider confirmed end of
	// stream (or the transport went away). No further events arrive.
	EventClosed
)

// Event is one element of a session's ordered event stream.
type Event struct {
	Kind   EventKind
	Result Result // valid when Kind == EventResult
	Err    error  // valid when Kind == EventError
}

// ErrorClass partitions stream errors by the caller's recovery options.
type ErrorClass int

const (
	// ErrorFatal means the session cannot continue with any reconnect:
	// bad API key, invalid configuration, protocol violation.
	ErrorFatal ErrorClass = iota

	// ErrorConnection means the transport failed but a fresh session may
	// succeed: peer reset, timeouts, the provider asking for a new request.
	ErrorConnection
)

// String returns a short label for the class, used in logs and metrics.
func (c ErrorClass) String() string {
	if c == ErrorConnection {
		return "connection"
	}
	return "fatal"
}

// StreamError is an error surfaced on a session's event stream, classified
// so the orchestrator can decide between reconnecting and closing the
// session.
type StreamError struct {
	// Class is the recovery classification.
	Class ErrorClass

	// Code is the provider's error code, when one was reported.
	Code string

	// Message describes the failure.
	Message string

	// Cause is the underlying transport or decode error, if any.
	Cause error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stt: %s error %s: %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("stt: %s error: %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StreamError) Unwrap() error { return e.Cause }

// IsConnectionError reports whether err is a restartable stream error.
func IsConnectionError(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Class == ErrorConnection
}

// ErrSessionClosed is returned by SendAudio and Finalize after the session
// has been closed or finalized.
var ErrSessionClosed = errors.New("stt: session is closed")

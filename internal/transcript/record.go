// Package transcript holds the transcript event model shared by the session
// broker: the wire record sent to viewers, the session-relative timestamp
// clock, the byte-budgeted per-session cache, and the WebVTT serialiser.
package transcript

import "encoding/json"

// Type classifies a transcript record.
type Type string

const (
	// TypePartial is an utterance-in-progress event. Partials are broadcast
	// to viewers but never cached.
	TypePartial Type = "partial"

	// TypeFinal closes an utterance with its authoritative text.
	TypeFinal Type = "final"

	// TypeCorrection retroactively amends a previously finalized utterance.
	TypeCorrection Type = "correction"

	// TypeStatusUpdate mutates metadata of a cached record (e.g. the
	// correction progress) without changing its text.
	TypeStatusUpdate Type = "status_update"

	// TypeSessionEnd is the terminal event every viewer receives when the
	// producer disconnects and teardown completes.
	TypeSessionEnd Type = "session_end"
)

// IsValid reports whether t is a recognised record type.
func (t Type) IsValid() bool {
	switch t {
	case TypePartial, TypeFinal, TypeCorrection, TypeStatusUpdate, TypeSessionEnd:
		return true
	}
	return false
}

// CorrectionStatus tracks the progress of the asynchronous correction
// pipeline for a finalized utterance.
type CorrectionStatus string

const (
	CorrectionPending    CorrectionStatus = "pending"
	CorrectionCorrecting CorrectionStatus = "correcting"
	CorrectionComplete   CorrectionStatus = "complete"
)

// Record is one transcript event. It is both the cache entry and the JSON
// object delivered to viewers, so the field tags are the wire contract.
//
// MessageID is canonical ("<ordinal>_<target language>") for finalized
// records; in-flight partials carry a transient placeholder id that is never
// exposed to the cache.
type Record struct {
	MessageID        string           `json:"message_id"`
	Transcription    string           `json:"transcription"`
	Translation      string           `json:"translation"`
	SourceLanguage   string           `json:"source_language,omitempty"`
	TargetLanguage   string           `json:"target_language,omitempty"`
	Speaker          string           `json:"speaker"`
	Type             Type             `json:"type"`
	IsFinalized      bool             `json:"isfinalize"`
	VTTTimestamp     string           `json:"vtt_timestamp,omitempty"`
	CorrectionStatus CorrectionStatus `json:"correction_status,omitempty"`
}

// EncodedSize returns the serialized byte size of r. This is the figure the
// cache's budget accounting uses; it deliberately measures the marshalled
// form rather than summing struct fields so string payloads are counted in
// full.
func (r Record) EncodedSize() int64 {
	b, err := json.Marshal(r)
	if err != nil {
		// Record contains only marshallable field types; this branch is
		// unreachable in practice.
		return 0
	}
	return int64(len(b))
}

package transcript

import (
	"fmt"
	"io"
	"strings"
)

// zeroInterval is the cue timing used when a cached record is missing its
// vtt_timestamp (which only happens for records injected by tests or by a
// provider that never produced timing information).
const zeroInterval = "00:00:00.000 --> 00:00:00.000"

// WriteVTT serialises records as a WebVTT document:
//
//	WEBVTT
//
//	1
//	HH:MM:SS.mmm --> HH:MM:SS.mmm
//	<speaker>: <transcription>
//	<translation>
//
// The translation line is omitted when empty. Records are written in the
// order given; callers pass Cache.History() for chronological output.
func WriteVTT(w io.Writer, records []*Record) error {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n")

	for i, rec := range records {
		ts := rec.VTTTimestamp
		if ts == "" {
			ts = zeroInterval
		}
		speaker := rec.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}

		sb.WriteString("\n")
		fmt.Fprintf(&sb, "%d\n", i+1)
		sb.WriteString(ts)
		sb.WriteString("\n")
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(rec.Transcription)
		sb.WriteString("\n")
		if rec.Translation != "" {
			sb.WriteString(rec.Translation)
			sb.WriteString("\n")
		}
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("transcript: write vtt: %w", err)
	}
	return nil
}

package stt

import "callinsights/internal/model"

// Result represents the result of a speech-to-text transcription
type Result struct {
	Text        string                    // The transcribed text
	Segments    []model.TranscriptSegment // Time-stamped spans, may be empty
	Duration    float64                   // Service-reported duration in seconds, 0 if not provided
	Confidence  float64                   // Confidence score (0.0-1.0), may be 0 if not provided
	Provider    string                    // The provider used (e.g., "whisper", "google")
	RawResponse string                    // Raw response from the provider (for debugging/logging)
}

// DurationSeconds returns the service-reported duration, falling back to the end of the
// last segment and then to 0.
func (r *Result) DurationSeconds() float64 {
	if r.Duration > 0 {
		return r.Duration
	}
	if n := len(r.Segments); n > 0 {
		return r.Segments[n-1].End
	}
	return 0
}

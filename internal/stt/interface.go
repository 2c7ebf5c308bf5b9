package stt

import "context"

// Audio is an in-memory audio file handed to a provider.
type Audio struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Provider defines the interface for speech-to-text providers
type Provider interface {
	// Transcribe transcribes the audio and returns text, segments and duration
	Transcribe(ctx context.Context, audio Audio) (*Result, error)

	// Name returns the name of the provider (e.g., "whisper", "fpt", "google")
	Name() string
}

// minAudioBytes rejects files that are almost certainly empty or truncated.
const minAudioBytes = 1000

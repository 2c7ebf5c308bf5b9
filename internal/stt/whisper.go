package stt

import (
	"bytes"
	"context"
	"strings"
	"time"

	"callinsights/internal/ai"
	"callinsights/internal/model"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// TranscriptionClient is the subset of the OpenAI client used for audio transcription.
type TranscriptionClient interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// WhisperProvider implements STT using the OpenAI audio transcription endpoint
type WhisperProvider struct {
	client TranscriptionClient
	model  string
	log    *logrus.Entry
}

func NewWhisperProvider(client TranscriptionClient, model string, log *logrus.Entry) *WhisperProvider {
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperProvider{client: client, model: model, log: log}
}

func (p *WhisperProvider) Name() string {
	return "whisper"
}

// Transcribe uploads the audio as multipart and asks for verbose_json so segments
// and duration come back with the text.
func (p *WhisperProvider) Transcribe(ctx context.Context, audio Audio) (*Result, error) {
	startTime := time.Now()
	log := p.log.WithFields(logrus.Fields{
		"filename": audio.Filename,
		"bytes":    len(audio.Data),
	})
	log.Debug("sending audio to whisper")

	filename := audio.Filename
	if filename == "" {
		filename = "audio.mp3"
	}

	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.model,
		FilePath: filename,
		Reader:   bytes.NewReader(audio.Data),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		log.WithError(err).Warn("whisper transcription failed")
		return nil, ai.ClassifyError(err, "transcription failed")
	}

	segments := make([]model.TranscriptSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, model.TranscriptSegment{
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		})
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		log.Warn("no speech detected in audio")
	}

	log.WithFields(logrus.Fields{
		"segments": len(segments),
		"duration": resp.Duration,
		"elapsed":  time.Since(startTime),
	}).Info("transcription successful")

	return &Result{
		Text:     text,
		Segments: segments,
		Duration: resp.Duration,
		Provider: p.Name(),
	}, nil
}

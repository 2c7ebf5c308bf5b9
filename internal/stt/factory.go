package stt

import (
	"context"
	"fmt"

	"callinsights/internal/ai"
	"callinsights/internal/config"

	"github.com/sirupsen/logrus"
)

// NewProvider creates the STT provider selected by cfg.STTProvider
func NewProvider(ctx context.Context, cfg *config.Config, log *logrus.Entry) (Provider, error) {
	log = log.WithField("stt_provider", cfg.STTProvider)

	switch cfg.STTProvider {
	case "whisper", "":
		client := ai.NewClient(cfg.OpenAIKey, cfg.OpenAIBaseURL)
		return NewWhisperProvider(client, cfg.WhisperModel, log), nil
	case "fpt":
		if cfg.FPTApiKey == "" {
			return nil, fmt.Errorf("FPT_AI_API_KEY is not set")
		}
		return NewFPTProvider(cfg.FPTApiKey, cfg.FPTSTTURL, log), nil
	case "google":
		return NewGoogleProvider(ctx, GoogleConfig{
			ProjectID: cfg.GoogleProjectID,
			KeyData:   cfg.GoogleKeyData,
			Language:  cfg.GoogleLanguage,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported STT provider: %s. Supported: whisper, fpt, google", cfg.STTProvider)
	}
}

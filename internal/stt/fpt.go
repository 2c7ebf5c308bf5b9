package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"callinsights/internal/apperr"

	"github.com/sirupsen/logrus"
)

// FPTProvider implements STT using FPT.AI Speech-to-Text API.
// FPT returns text only, so results carry no segments.
type FPTProvider struct {
	apiKey     string
	url        string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewFPTProvider creates a new FPT STT provider
func NewFPTProvider(apiKey, url string, log *logrus.Entry) *FPTProvider {
	return &FPTProvider{
		apiKey:     apiKey,
		url:        url,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		log:        log,
	}
}

func (p *FPTProvider) Name() string {
	return "fpt"
}

// fptResponse represents FPT.AI STT API response
type fptResponse struct {
	Hypotheses []fptHypothesis `json:"hypotheses"`
	ErrorCode  int             `json:"errorCode,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type fptHypothesis struct {
	Utterance  string  `json:"utterance"`
	Confidence float64 `json:"confidence"`
}

// Transcribe sends the raw audio bytes to FPT.AI and returns the best hypothesis
func (p *FPTProvider) Transcribe(ctx context.Context, audio Audio) (*Result, error) {
	startTime := time.Now()
	log := p.log.WithFields(logrus.Fields{
		"filename": audio.Filename,
		"bytes":    len(audio.Data),
	})

	if len(audio.Data) < minAudioBytes {
		return nil, apperr.New(apperr.KindUpstream,
			fmt.Sprintf("audio file too small (%d bytes), may be empty or corrupted", len(audio.Data)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(audio.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("api-key", p.apiKey)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "failed to send request to FPT.AI")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "failed to read FPT.AI response")
	}
	log.WithField("response_preview", preview(body)).Debug("FPT.AI response received")

	if resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Warn("FPT.AI API error")
		return nil, apperr.FromStatus(resp.StatusCode,
			fmt.Sprintf("FPT.AI API returned status %d", resp.StatusCode),
			fmt.Errorf("%s", preview(body)))
	}

	var sttResp fptResponse
	if err := json.Unmarshal(body, &sttResp); err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "failed to parse FPT.AI response")
	}
	if sttResp.ErrorCode != 0 {
		return nil, apperr.New(apperr.KindUpstream,
			fmt.Sprintf("FPT.AI API error %d: %s", sttResp.ErrorCode, sttResp.Message))
	}
	// Silence is a valid, empty transcript
	var hyp fptHypothesis
	if len(sttResp.Hypotheses) > 0 {
		hyp = sttResp.Hypotheses[0]
	}
	transcript := strings.TrimSpace(hyp.Utterance)
	if transcript == "" {
		log.Warn("no speech detected in audio")
	}

	log.WithFields(logrus.Fields{
		"confidence": hyp.Confidence,
		"length":     len(transcript),
		"elapsed":    time.Since(startTime),
	}).Info("transcription successful")

	return &Result{
		Text:        transcript,
		Confidence:  hyp.Confidence,
		Provider:    p.Name(),
		RawResponse: string(body),
	}, nil
}

// preview returns the first 500 bytes of a response body for logging
func preview(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}

package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"callinsights/internal/apperr"
	"callinsights/internal/model"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultGoogleEndpoint = "https://speech.googleapis.com"
	googleScope           = "https://www.googleapis.com/auth/cloud-platform"
)

// GoogleConfig configures the Google Speech-to-Text provider. KeyData can be
// an API key (39 characters, starts with "AIzaSy"), a path to a service-account
// JSON key file, or the JSON itself. Empty KeyData uses default credentials.
type GoogleConfig struct {
	ProjectID string
	KeyData   string
	Language  string
	Endpoint  string
}

// GoogleProvider implements STT using Google Cloud Speech-to-Text REST API
type GoogleProvider struct {
	cfg        GoogleConfig
	apiKey     string
	httpClient *http.Client
	log        *logrus.Entry
}

// IsGoogleAPIKey reports whether keyData looks like an API key rather than service-account credentials
func IsGoogleAPIKey(keyData string) bool {
	k := strings.TrimSpace(keyData)
	return len(k) == 39 && strings.HasPrefix(k, "AIzaSy")
}

// NewGoogleProvider creates a new Google STT provider
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig, log *logrus.Entry) (*GoogleProvider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultGoogleEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	keyData := strings.TrimSpace(cfg.KeyData)

	if IsGoogleAPIKey(keyData) {
		log.Info("using Google API key authentication")
		return &GoogleProvider{
			cfg:        cfg,
			apiKey:     keyData,
			httpClient: &http.Client{Timeout: 90 * time.Second},
			log:        log,
		}, nil
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GOOGLE_STT_PROJECT_ID is required when using a service account")
	}

	var creds *google.Credentials
	var err error
	switch {
	case keyData == "":
		creds, err = google.FindDefaultCredentials(ctx, googleScope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default credentials: %w", err)
		}
	default:
		jsonData := []byte(keyData)
		if !strings.HasPrefix(keyData, "{") {
			log.WithField("key_file", keyData).Info("reading Google service account key file")
			jsonData, err = os.ReadFile(keyData)
			if err != nil {
				return nil, fmt.Errorf("failed to read key file '%s': %w", keyData, err)
			}
		}
		creds, err = google.CredentialsFromJSON(ctx, jsonData, googleScope)
		if err != nil {
			return nil, fmt.Errorf("failed to create credentials from JSON: %w", err)
		}
	}

	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = 90 * time.Second
	return &GoogleProvider{cfg: cfg, httpClient: client, log: log}, nil
}

func (p *GoogleProvider) Name() string {
	return "google"
}

type googleRequest struct {
	Config googleRecognitionConfig `json:"config"`
	Audio  googleAudio             `json:"audio"`
}

type googleRecognitionConfig struct {
	Encoding                   string `json:"encoding"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
	Model                      string `json:"model,omitempty"`
	UseEnhanced                bool   `json:"useEnhanced,omitempty"`
}

type googleAudio struct {
	Content string `json:"content"` // Base64 encoded
}

type googleResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
		ResultEndTime string `json:"resultEndTime"`
	} `json:"results"`
	Error *googleError `json:"error,omitempty"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Transcribe calls speech:recognize. Each result becomes one segment running from
// the previous result's end to its own resultEndTime.
func (p *GoogleProvider) Transcribe(ctx context.Context, audio Audio) (*Result, error) {
	startTime := time.Now()
	log := p.log.WithFields(logrus.Fields{
		"filename": audio.Filename,
		"bytes":    len(audio.Data),
	})

	if len(audio.Data) < minAudioBytes {
		return nil, apperr.New(apperr.KindUpstream,
			fmt.Sprintf("audio file too small (%d bytes), may be empty or corrupted", len(audio.Data)))
	}

	encoding, sampleRate := googleAudioConfig(filepath.Ext(audio.Filename))
	reqJSON, err := json.Marshal(googleRequest{
		Config: googleRecognitionConfig{
			Encoding:                   encoding,
			SampleRateHertz:            sampleRate,
			LanguageCode:               p.cfg.Language,
			EnableAutomaticPunctuation: true,
			Model:                      "latest_long",
			UseEnhanced:                true,
		},
		Audio: googleAudio{Content: base64.StdEncoding.EncodeToString(audio.Data)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.recognizeURL(), bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "failed to send request to Google Speech-to-Text")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "failed to read Google Speech-to-Text response")
	}
	log.WithField("response_preview", preview(body)).Debug("Google Speech-to-Text response received")

	var sttResp googleResponse
	parseErr := json.Unmarshal(body, &sttResp)

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("Google Speech-to-Text API returned status %d", resp.StatusCode)
		if parseErr == nil && sttResp.Error != nil && sttResp.Error.Message != "" {
			msg = "Google Speech-to-Text API error: " + sttResp.Error.Message
		}
		log.WithField("status", resp.StatusCode).Warn("Google Speech-to-Text API error")
		return nil, apperr.FromStatus(resp.StatusCode, msg, fmt.Errorf("%s", preview(body)))
	}
	if parseErr != nil {
		return nil, apperr.Wrap(parseErr, apperr.KindUpstream, "failed to parse Google Speech-to-Text response")
	}
	if sttResp.Error != nil {
		return nil, apperr.New(apperr.KindUpstream, "Google Speech-to-Text API error: "+sttResp.Error.Message)
	}
	var (
		texts      []string
		segments   []model.TranscriptSegment
		confidence float64
		prevEnd    float64
	)
	for _, r := range sttResp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		end := parseGoogleOffset(r.ResultEndTime)
		if end < prevEnd {
			end = prevEnd
		}
		segments = append(segments, model.TranscriptSegment{Start: prevEnd, End: end, Text: text})
		texts = append(texts, text)
		confidence += alt.Confidence
		prevEnd = end
	}
	if len(texts) == 0 {
		// Silence is a valid, empty transcript
		log.Warn("no speech detected in audio")
	} else {
		confidence /= float64(len(texts))
	}

	log.WithFields(logrus.Fields{
		"confidence": confidence,
		"segments":   len(segments),
		"elapsed":    time.Since(startTime),
	}).Info("transcription successful")

	return &Result{
		Text:        strings.Join(texts, " "),
		Segments:    segments,
		Confidence:  confidence,
		Provider:    p.Name(),
		RawResponse: string(body),
	}, nil
}

func (p *GoogleProvider) recognizeURL() string {
	if p.apiKey != "" {
		return p.cfg.Endpoint + "/v1/speech:recognize?key=" + url.QueryEscape(p.apiKey)
	}
	return fmt.Sprintf("%s/v1/projects/%s:recognize", p.cfg.Endpoint, p.cfg.ProjectID)
}

// parseGoogleOffset parses durations like "3.500s"; unparsable values give 0.
func parseGoogleOffset(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d.Seconds()
}

// googleAudioConfig determines encoding and sample rate based on file extension
func googleAudioConfig(fileExt string) (string, int) {
	switch strings.ToLower(fileExt) {
	case ".wav":
		return "LINEAR16", 16000
	case ".mp3":
		return "MP3", 44100
	case ".m4a", ".aac", ".mp4":
		return "AAC", 44100
	case ".ogg", ".webm":
		return "OGG_OPUS", 48000
	case ".flac":
		return "FLAC", 44100
	default:
		return "LINEAR16", 16000
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Timeouts bounds every external call the pipeline makes.
type Timeouts struct {
	Blob          time.Duration
	Transcription time.Duration
	LLM           time.Duration
	Database      time.Duration
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	LogFile     string

	DatabaseDriver string
	DatabaseURL    string

	StorageBackend string
	StorageDir     string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	STTProvider     string
	OpenAIKey       string
	OpenAIBaseURL   string
	WhisperModel    string
	FPTApiKey       string
	FPTSTTURL       string
	GoogleProjectID string
	GoogleKeyData   string
	GoogleLanguage  string

	DiarizationModel string
	ExtractionModel  string
	LLMRetryMax      time.Duration

	AuthURL      string
	AuthAPIKey   string
	AuthCacheTTL time.Duration

	TriggerBaseURL  string
	DispatchHandoff time.Duration
	ChainExtraction bool

	MaxUploadBytes int64
	RateLimit      string
	StaleAfter     time.Duration
	SweepSchedule  string

	Timeouts Timeouts
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "local"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     os.Getenv("LOG_FILE"),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:    getEnv("DATABASE_URL", "file:callinsights.db"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		StorageDir:     getEnv("STORAGE_DIR", "uploads"),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "recordings"),
		MinioUseSSL:    cast.ToBool(getEnv("MINIO_USE_SSL", "false")),

		STTProvider:     strings.ToLower(getEnv("STT_PROVIDER", "whisper")),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		WhisperModel:    getEnv("WHISPER_MODEL", "whisper-1"),
		FPTApiKey:       os.Getenv("FPT_AI_API_KEY"),
		FPTSTTURL:       getEnv("FPT_AI_STT_URL", "https://api.fpt.ai/hmi/asr/v1"),
		GoogleProjectID: os.Getenv("GOOGLE_STT_PROJECT_ID"),
		GoogleKeyData:   os.Getenv("GOOGLE_STT_KEY_FILE"),
		GoogleLanguage:  getEnv("GOOGLE_STT_LANGUAGE", "en-US"),

		DiarizationModel: getEnv("DIARIZATION_MODEL", "gpt-4o-mini"),
		ExtractionModel:  getEnv("EXTRACTION_MODEL", "gpt-4o-mini"),
		LLMRetryMax:      getDuration("LLM_RETRY_MAX", 20*time.Second),

		AuthURL:      os.Getenv("AUTH_URL"),
		AuthAPIKey:   os.Getenv("AUTH_API_KEY"),
		AuthCacheTTL: getDuration("AUTH_CACHE_TTL", time.Minute),

		TriggerBaseURL:  strings.TrimRight(os.Getenv("TRIGGER_BASE_URL"), "/"),
		DispatchHandoff: getDuration("DISPATCH_HANDOFF", 2*time.Second),
		ChainExtraction: cast.ToBool(getEnv("CHAIN_EXTRACTION", "true")),

		MaxUploadBytes: cast.ToInt64(getEnv("MAX_UPLOAD_BYTES", "104857600")),
		RateLimit:      getEnv("RATE_LIMIT", "30-M"),
		StaleAfter:     getDuration("STALE_AFTER", 30*time.Minute),
		SweepSchedule:  getEnv("SWEEP_SCHEDULE", "@every 5m"),

		Timeouts: Timeouts{
			Blob:          getDuration("BLOB_TIMEOUT", 60*time.Second),
			Transcription: getDuration("TRANSCRIPTION_TIMEOUT", 5*time.Minute),
			LLM:           getDuration("LLM_TIMEOUT", 90*time.Second),
			Database:      getDuration("DB_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every credential the selected backends need is present.
func (c *Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.AuthURL == "" {
		return fmt.Errorf("AUTH_URL is required")
	}

	switch c.STTProvider {
	case "whisper":
	case "fpt":
		if c.FPTApiKey == "" {
			return fmt.Errorf("FPT_AI_API_KEY is required when STT_PROVIDER=fpt")
		}
	case "google":
		if c.GoogleKeyData == "" {
			return fmt.Errorf("GOOGLE_STT_KEY_FILE is required when STT_PROVIDER=google")
		}
	default:
		return fmt.Errorf("unsupported STT_PROVIDER: %s. Supported: whisper, fpt, google", c.STTProvider)
	}

	switch c.StorageBackend {
	case "local":
	case "minio":
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when STORAGE_BACKEND=minio")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND: %s. Supported: local, minio", c.StorageBackend)
	}

	switch c.DatabaseDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %s. Supported: postgres, mysql, sqlite", c.DatabaseDriver)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getDuration accepts Go duration strings ("90s") or plain seconds ("90").
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := cast.ToDurationE(v)
	if err != nil || d <= 0 {
		return fallback
	}
	// cast treats bare integers as nanoseconds
	if _, convErr := cast.ToInt64E(v); convErr == nil {
		return time.Duration(cast.ToInt64(v)) * time.Second
	}
	return d
}

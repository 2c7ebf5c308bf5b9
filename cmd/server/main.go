package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callinsights/internal/ai"
	"callinsights/internal/api"
	"callinsights/internal/config"
	"callinsights/internal/db"
	"callinsights/internal/identity"
	"callinsights/internal/logger"
	"callinsights/internal/pipeline"
	"callinsights/internal/repository"
	"callinsights/internal/scheduler"
	"callinsights/internal/storage"
	"callinsights/internal/stt"
	"callinsights/internal/trigger"
	"callinsights/internal/upload"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(logger.Options{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})

	// Set Gin mode (default to release mode)
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	conn, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := db.Migrate(conn); err != nil {
		return err
	}
	recordings := repository.NewRecordingStore(conn)
	insights := repository.NewInsightStore(conn)
	log.WithField("driver", cfg.DatabaseDriver).Info("database ready")

	blobs, err := newBlobStore(cfg)
	if err != nil {
		return err
	}

	transcriber, err := stt.NewProvider(ctx, cfg, log.Entry)
	if err != nil {
		return err
	}
	log.WithField("provider", transcriber.Name()).Info("STT provider initialized")

	chat := ai.NewClient(cfg.OpenAIKey, cfg.OpenAIBaseURL)
	diarizer := ai.NewDiarizer(chat, ai.DiarizerOptions{
		Model:       cfg.DiarizationModel,
		Temperature: 0.3,
		Timeout:     cfg.Timeouts.LLM,
	}, log.Component("diarizer"))
	extractor := ai.NewExtractor(chat, ai.ExtractorOptions{
		Model:       cfg.ExtractionModel,
		Temperature: 0.3,
		Timeout:     cfg.Timeouts.LLM,
		RetryMax:    cfg.LLMRetryMax,
	}, log.Component("extractor"))

	metrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)
	orch := pipeline.New(pipeline.Deps{
		Recordings:  recordings,
		Insights:    insights,
		Blobs:       blobs,
		Transcriber: transcriber,
		Diarizer:    diarizer,
		Extractor:   extractor,
		Metrics:     metrics,
		Timeouts:    cfg.Timeouts,
		Log:         log.Entry,
	})

	var (
		dispatcher trigger.Dispatcher
		local      *trigger.LocalDispatcher
	)
	if cfg.TriggerBaseURL != "" {
		dispatcher = trigger.NewHTTPDispatcher(cfg.TriggerBaseURL, cfg.DispatchHandoff, cfg.Timeouts.Transcription+2*cfg.Timeouts.LLM, log.Entry)
		log.WithField("base_url", cfg.TriggerBaseURL).Info("dispatching stages over HTTP")
	} else {
		local = trigger.NewLocalDispatcher(orch, cfg.ChainExtraction, stageBudget(cfg.Timeouts), log.Entry)
		dispatcher = local
		log.Info("dispatching stages in-process")
	}

	workflow := upload.NewWorkflow(recordings, blobs, dispatcher, upload.Options{
		MaxBytes: cfg.MaxUploadBytes,
		Timeouts: cfg.Timeouts,
	}, log.Entry)

	verifier := identity.NewHTTPVerifier(cfg.AuthURL, cfg.AuthAPIKey, cfg.AuthCacheTTL, cfg.Timeouts.Database, log.Entry)

	rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
	if err != nil {
		return err
	}

	sweeper := pipeline.NewSweeper(recordings, cfg.StaleAfter, metrics, log.Entry)
	cron := scheduler.NewCron(time.UTC, time.Minute, log.Entry)
	if _, err := cron.Add(cfg.SweepSchedule, scheduler.JobFunc{
		JobName: "stale-recording-sweep",
		Fn: func(ctx context.Context) error {
			_, err := sweeper.Run(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	cron.Start()
	defer cron.Stop()

	router := api.NewRouter(api.Deps{
		Runner:          orch,
		Uploader:        workflow,
		Recordings:      recordings,
		Insights:        insights,
		Blobs:           blobs,
		Dispatcher:      dispatcher,
		Verifier:        verifier,
		ChainExtraction: cfg.ChainExtraction,
		Limiter:         limiter.New(memory.NewStore(), rate),
		Registry:        prometheus.DefaultRegisterer,
		Gatherer:        prometheus.DefaultGatherer,
		Log:             log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: stageBudget(cfg.Timeouts),
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("callinsights backend running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
	if local != nil {
		local.Wait()
	}
	return nil
}

func newBlobStore(cfg *config.Config) (storage.BlobStore, error) {
	if cfg.StorageBackend == "minio" {
		return storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}), nil
	}
	return storage.NewFileStore(cfg.StorageDir)
}

// stageBudget bounds one synchronous transcription request end to end
func stageBudget(t config.Timeouts) time.Duration {
	return t.Blob + t.Transcription + 2*t.LLM + 2*t.Database
}

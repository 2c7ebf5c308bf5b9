// Package api exposes the pipeline over HTTP: the two stage trigger endpoints
// and the recording routes used by the client app.
package api

import (
	"context"

	"callinsights/internal/identity"
	"callinsights/internal/logger"
	"callinsights/internal/model"
	"callinsights/internal/repository"
	"callinsights/internal/storage"
	"callinsights/internal/trigger"
	"callinsights/internal/upload"
	"callinsights/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
)

// Uploader runs the client upload workflow.
type Uploader interface {
	Upload(ctx context.Context, userID uuid.UUID, token string, f upload.File, progress upload.ProgressFunc) (*model.Recording, error)
	MaxBytes() int64
}

// Deps are the collaborators the handlers need. Limiter, Registry and Gatherer are optional.
type Deps struct {
	Runner          trigger.Runner
	Uploader        Uploader
	Recordings      repository.RecordingRepository
	Insights        repository.InsightRepository
	Blobs           storage.BlobStore
	Dispatcher      trigger.Dispatcher
	Verifier        identity.Verifier
	ChainExtraction bool
	Limiter         *limiter.Limiter
	Registry        prometheus.Registerer
	Gatherer        prometheus.Gatherer
	Log             *logger.Logger
}

type Handler struct {
	runner     trigger.Runner
	uploader   Uploader
	recordings repository.RecordingRepository
	insights   repository.InsightRepository
	blobs      storage.BlobStore
	dispatcher trigger.Dispatcher
	chain      bool
	log        *logger.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		runner:     d.Runner,
		uploader:   d.Uploader,
		recordings: d.Recordings,
		insights:   d.Insights,
		blobs:      d.Blobs,
		dispatcher: d.Dispatcher,
		chain:      d.ChainExtraction,
		log:        d.Log,
	}
}

// NewRouter builds the gin engine with middleware and every route registered.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(d.Log))
	r.Use(corsMiddleware())
	if d.Registry != nil {
		r.Use(newHTTPMetrics(d.Registry).middleware())
	}

	h := NewHandler(d)

	r.GET("/health", h.healthCheck)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	authed := []gin.HandlerFunc{authMiddleware(d.Verifier)}
	if d.Limiter != nil {
		authed = append(authed, rateLimitMiddleware(d.Limiter))
	}

	// Stage triggers
	triggers := r.Group("/", authed...)
	{
		triggers.POST("/transcribe", h.transcribe)
		triggers.POST("/extract-insights", h.extractInsights)
	}

	// API v1
	v1 := r.Group("/api/v1", authed...)
	{
		v1.POST("/recordings", h.uploadRecording)
		v1.GET("/recordings", h.listRecordings)
		v1.GET("/recordings/:recording_id", h.getRecording)
		v1.DELETE("/recordings/:recording_id", h.deleteRecording)
		v1.PATCH("/insights/:insight_id", h.starInsight)
	}

	return r
}

// healthCheck returns server health status
func (h *Handler) healthCheck(c *gin.Context) {
	utils.Success(c, gin.H{
		"status":  "ok",
		"service": "callinsights",
	})
}

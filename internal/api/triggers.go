package api

import (
	"context"
	"regexp"

	"callinsights/internal/apperr"
	"callinsights/internal/trigger"
	"callinsights/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

type triggerRequest struct {
	RecordingID string `json:"recording_id"`
}

// parseRecordingID checks the id is UUID-shaped before anything reaches the datastore
func parseRecordingID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, apperr.New(apperr.KindValidation, "recording_id is required")
	}
	if !uuidPattern.MatchString(raw) {
		return uuid.Nil, apperr.New(apperr.KindValidation, "Invalid recording_id format")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Wrap(err, apperr.KindValidation, "Invalid recording_id format")
	}
	return id, nil
}

func bindTrigger(c *gin.Context) (uuid.UUID, bool) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.AbortWithError(c, apperr.Wrap(err, apperr.KindValidation, "Invalid request body"), nil)
		return uuid.Nil, false
	}
	id, err := parseRecordingID(req.RecordingID)
	if err != nil {
		utils.AbortWithError(c, err, nil)
		return uuid.Nil, false
	}
	return id, true
}

// transcribe handles POST /transcribe.
// The run is detached from the request context.
func (h *Handler) transcribe(c *gin.Context) {
	id, ok := bindTrigger(c)
	if !ok {
		return
	}
	user := currentUser(c)
	log := requestLog(c).WithField("recording_id", id)

	ctx := context.WithoutCancel(c.Request.Context())
	out, err := h.runner.RunTranscription(ctx, user.ID, id)
	if err != nil {
		log.WithError(err).Warn("transcription run failed")
		utils.AbortWithError(c, err, nil)
		return
	}

	if h.chain && h.dispatcher != nil {
		job := trigger.Job{
			Stage:       trigger.StageExtractInsights,
			RecordingID: id,
			UserID:      user.ID,
			Token:       c.GetString(ctxToken),
		}
		if err := h.dispatcher.Dispatch(ctx, job); err != nil {
			// The transcript is stored; extraction can be retried by the client
			log.WithError(err).Error("failed to dispatch insight extraction")
		}
	}

	utils.Success(c, gin.H{
		"recording_id":     out.RecordingID,
		"duration_seconds": out.DurationSeconds,
		"segment_count":    out.SegmentCount,
	})
}

// extractInsights handles POST /extract-insights
func (h *Handler) extractInsights(c *gin.Context) {
	id, ok := bindTrigger(c)
	if !ok {
		return
	}
	user := currentUser(c)

	ctx := context.WithoutCancel(c.Request.Context())
	out, err := h.runner.RunInsightExtraction(ctx, user.ID, id)
	if err != nil {
		requestLog(c).WithField("recording_id", id).WithError(err).Warn("insight extraction failed")
		utils.AbortWithError(c, err, nil)
		return
	}

	utils.Success(c, gin.H{
		"recording_id":  out.RecordingID,
		"insight_count": out.InsightCount,
	})
}

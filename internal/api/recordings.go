package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"callinsights/internal/apperr"
	"callinsights/internal/repository"
	"callinsights/internal/storage"
	"callinsights/internal/upload"
	"callinsights/internal/utils"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// typesByExt covers clients that send files as application/octet-stream
var typesByExt = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/m4a",
	".mp4":  "audio/mp4",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
}

// repoError maps repository sentinels onto caller-facing errors
func repoError(err error, notFound string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.Wrap(err, apperr.KindNotFound, notFound)
	case errors.Is(err, repository.ErrConflict):
		return apperr.Wrap(err, apperr.KindConflict, "Recording was modified concurrently, please retry")
	default:
		return apperr.Wrap(err, apperr.KindPersistence, "Database error")
	}
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := parseRecordingID(c.Param(name))
	if err != nil {
		utils.AbortWithError(c, apperr.Wrap(err, apperr.KindValidation, "Invalid "+name+" format"), nil)
		return uuid.Nil, false
	}
	return id, true
}

// formAudio returns the uploaded audio part, accepting the field names older clients use
func formAudio(c *gin.Context) (*multipart.FileHeader, error) {
	for _, field := range []string{"file", "audio_file", "audio"} {
		fh, err := c.FormFile(field)
		if err == nil {
			return fh, nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
	}
	return nil, http.ErrMissingFile
}

// detectContentType trusts the part header, then the extension, then the file's magic bytes
func detectContentType(fh *multipart.FileHeader, f multipart.File) (string, error) {
	ct := fh.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/octet-stream") {
		return ct, nil
	}
	if byExt, ok := typesByExt[strings.ToLower(filepath.Ext(fh.Filename))]; ok {
		return byExt, nil
	}

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return mt.String(), nil
}

// uploadRecording handles POST /api/v1/recordings
func (h *Handler) uploadRecording(c *gin.Context) {
	user := currentUser(c)
	log := requestLog(c)

	maxBytes := h.uploader.MaxBytes()
	// Leave room for multipart framing around the file
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+1<<20)

	fh, err := formAudio(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.AbortWithError(c, apperr.Wrap(err, apperr.KindValidation, "File too large"), nil)
			return
		}
		utils.AbortWithError(c, apperr.Wrap(err, apperr.KindValidation, "An audio file is required in the file field"), nil)
		return
	}

	f, err := fh.Open()
	if err != nil {
		utils.AbortWithError(c, apperr.Wrap(err, apperr.KindValidation, "Could not read uploaded file"), nil)
		return
	}
	defer f.Close()

	contentType, err := detectContentType(fh, f)
	if err != nil {
		utils.AbortWithError(c, apperr.Wrap(err, apperr.KindValidation, "Could not read uploaded file"), nil)
		return
	}

	file := upload.File{
		Name:        fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Reader:      f,
	}
	rec, err := h.uploader.Upload(c.Request.Context(), user.ID, c.GetString(ctxToken), file, func(p int) {
		log.WithField("progress", p).Debug("upload progress")
	})
	if err != nil {
		var extra gin.H
		if rec != nil {
			// The recording exists but never reached transcription
			extra = gin.H{"recording": rec}
		}
		log.WithError(err).Warn("upload failed")
		utils.AbortWithError(c, err, extra)
		return
	}

	log.WithField("recording_id", rec.ID).Info("recording uploaded")
	utils.SuccessWithStatus(c, http.StatusCreated, gin.H{"recording": rec})
}

func pageParam(c *gin.Context, name string, def, max int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.KindValidation, "Invalid "+name)
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}

// listRecordings handles GET /api/v1/recordings
func (h *Handler) listRecordings(c *gin.Context) {
	limit, err := pageParam(c, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		utils.AbortWithError(c, err, nil)
		return
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	offset, err := pageParam(c, "offset", 0, 0)
	if err != nil {
		utils.AbortWithError(c, err, nil)
		return
	}

	recs, err := h.recordings.ListByUser(c.Request.Context(), currentUser(c).ID, limit, offset)
	if err != nil {
		utils.AbortWithError(c, repoError(err, "Recording not found"), nil)
		return
	}

	utils.Success(c, gin.H{
		"recordings": recs,
		"limit":      limit,
		"offset":     offset,
	})
}

// getRecording returns a recording with its insights
func (h *Handler) getRecording(c *gin.Context) {
	id, ok := pathID(c, "recording_id")
	if !ok {
		return
	}
	user := currentUser(c)

	rec, err := h.recordings.GetByID(c.Request.Context(), user.ID, id)
	if err != nil {
		utils.AbortWithError(c, repoError(err, "Recording not found"), nil)
		return
	}
	insights, err := h.insights.ListByRecording(c.Request.Context(), user.ID, id)
	if err != nil {
		utils.AbortWithError(c, repoError(err, "Recording not found"), nil)
		return
	}

	utils.Success(c, gin.H{
		"recording": rec,
		"insights":  insights,
	})
}

// deleteRecording removes the audio object first so a failed delete never leaves a blob without a row
func (h *Handler) deleteRecording(c *gin.Context) {
	id, ok := pathID(c, "recording_id")
	if !ok {
		return
	}
	user := currentUser(c)
	log := requestLog(c).WithField("recording_id", id)

	rec, err := h.recordings.GetByID(c.Request.Context(), user.ID, id)
	if err != nil {
		utils.AbortWithError(c, repoError(err, "Recording not found"), nil)
		return
	}

	if rec.FilePath != "" {
		err := h.blobs.Delete(c.Request.Context(), rec.FilePath)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Error("failed to delete audio object")
			utils.AbortWithError(c, apperr.Wrap(err, apperr.KindUpstream, "Failed to delete audio file"), nil)
			return
		}
	}

	if err := h.recordings.Delete(c.Request.Context(), user.ID, id); err != nil {
		utils.AbortWithError(c, repoError(err, "Recording not found"), nil)
		return
	}

	log.Info("recording deleted")
	utils.Success(c, gin.H{"recording_id": id})
}

type starRequest struct {
	IsStarred *bool `json:"is_starred"`
}

// starInsight handles PATCH /api/v1/insights/:insight_id
func (h *Handler) starInsight(c *gin.Context) {
	id, ok := pathID(c, "insight_id")
	if !ok {
		return
	}

	var req starRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IsStarred == nil {
		utils.AbortWithError(c, apperr.New(apperr.KindValidation, "is_starred is required"), nil)
		return
	}

	item, err := h.insights.SetStarred(c.Request.Context(), currentUser(c).ID, id, *req.IsStarred)
	if err != nil {
		utils.AbortWithError(c, repoError(err, "Insight not found"), nil)
		return
	}

	utils.Success(c, gin.H{"insight": item})
}

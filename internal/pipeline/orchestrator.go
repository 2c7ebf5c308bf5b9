// Package pipeline drives a recording through transcription, diarization and
// insight extraction, keeping its status consistent with what has been stored.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"callinsights/internal/ai"
	"callinsights/internal/apperr"
	"callinsights/internal/config"
	"callinsights/internal/model"
	"callinsights/internal/repository"
	"callinsights/internal/storage"
	"callinsights/internal/stt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Diarizer labels transcript segments with speakers and never fails.
type Diarizer interface {
	Diarize(ctx context.Context, transcript string, segments []model.TranscriptSegment) ([]model.SpeakerSegment, bool)
}

// Extractor returns validated insights for a transcript.
type Extractor interface {
	Extract(ctx context.Context, transcript string) ([]ai.ExtractedInsight, error)
}

type Deps struct {
	Recordings  repository.RecordingRepository
	Insights    repository.InsightRepository
	Blobs       storage.BlobStore
	Transcriber stt.Provider
	Diarizer    Diarizer
	Extractor   Extractor
	Metrics     *Metrics
	Timeouts    config.Timeouts
	Log         *logrus.Entry
}

type Orchestrator struct {
	recordings  repository.RecordingRepository
	insights    repository.InsightRepository
	blobs       storage.BlobStore
	transcriber stt.Provider
	diarizer    Diarizer
	extractor   Extractor
	metrics     *Metrics
	timeouts    config.Timeouts
	log         *logrus.Entry
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		recordings:  d.Recordings,
		insights:    d.Insights,
		blobs:       d.Blobs,
		transcriber: d.Transcriber,
		diarizer:    d.Diarizer,
		extractor:   d.Extractor,
		metrics:     d.Metrics,
		timeouts:    d.Timeouts,
		log:         d.Log.WithField("component", "pipeline"),
	}
}

// TranscriptionOutcome is returned by a successful RunTranscription.
type TranscriptionOutcome struct {
	RecordingID     uuid.UUID
	DurationSeconds float64
	SegmentCount    int
	UsedFallback    bool
}

// ExtractionOutcome is returned by a successful RunInsightExtraction.
type ExtractionOutcome struct {
	RecordingID  uuid.UUID
	InsightCount int
}

// Statuses a transcription run may claim. A re-run from analyzing or ready
// overwrites the transcript; uploading means the blob may not exist yet.
var transcribableStatuses = []model.Status{
	model.StatusTranscribing,
	model.StatusFailed,
	model.StatusAnalyzing,
	model.StatusReady,
}

// RunTranscription downloads the recording's audio, transcribes and diarizes it,
// then stores the transcript and moves the recording to analyzing in one write.
// Any failure after the claim leaves the recording failed with a message.
func (o *Orchestrator) RunTranscription(ctx context.Context, userID, recordingID uuid.UUID) (*TranscriptionOutcome, error) {
	started := time.Now()
	log := o.log.WithFields(logrus.Fields{
		"stage":        StageTranscription,
		"recording_id": recordingID,
		"user_id":      userID,
	})

	outcome, err := o.runTranscription(ctx, log, userID, recordingID)
	o.metrics.observeStage(StageTranscription, outcomeLabel(err), started)
	if err != nil {
		log.WithError(err).WithField("kind", apperr.KindOf(err)).Warn("transcription run failed")
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"duration_seconds": outcome.DurationSeconds,
		"segments":         outcome.SegmentCount,
		"fallback":         outcome.UsedFallback,
		"elapsed":          time.Since(started),
	}).Info("transcription run complete")
	return outcome, nil
}

func (o *Orchestrator) runTranscription(ctx context.Context, log *logrus.Entry, userID, recordingID uuid.UUID) (*TranscriptionOutcome, error) {
	rec, err := o.getRecording(ctx, userID, recordingID)
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			o.failUnclaimed(ctx, log, userID, recordingID, "Failed to load recording")
		}
		return nil, err
	}

	if rec.Status == model.StatusUploading {
		return nil, apperr.New(apperr.KindConflict, "Recording upload has not completed")
	}
	if rec.FilePath == "" {
		return nil, apperr.New(apperr.KindValidation, "Recording has no audio file")
	}

	version, err := o.claim(ctx, rec, transcribableStatuses, model.StatusTranscribing)
	if err != nil {
		return nil, err
	}
	log = log.WithField("version", version)

	audio, err := o.download(ctx, rec)
	if err != nil {
		o.markFailed(ctx, log, rec, version, "Failed to download audio file")
		return nil, err
	}

	result, err := o.transcribe(ctx, audio)
	if err != nil {
		o.markFailed(ctx, log, rec, version, "Transcription failed: "+apperr.Message(err))
		return nil, err
	}

	duration := result.DurationSeconds()
	speakers := []model.SpeakerSegment{}
	usedFallback := false
	if strings.TrimSpace(result.Text) != "" {
		speakers, usedFallback = o.diarizer.Diarize(ctx, result.Text, result.Segments)
		if usedFallback {
			o.metrics.countFallback()
		}
	} else {
		// Silent audio: store the empty transcript, extraction reports it as missing
		log.Warn("transcription returned no speech")
	}

	text := result.Text
	if err := o.write(ctx, rec, version, repository.StatusUpdate{
		Status:          model.StatusAnalyzing,
		TranscriptText:  &text,
		SpeakerSegments: model.SpeakerSegments(speakers),
		DurationSeconds: &duration,
	}); err != nil {
		if !apperr.Is(err, apperr.KindConflict) {
			o.markFailed(ctx, log, rec, version, "Failed to save transcript")
		}
		return nil, err
	}

	return &TranscriptionOutcome{
		RecordingID:     rec.ID,
		DurationSeconds: duration,
		SegmentCount:    len(speakers),
		UsedFallback:    usedFallback,
	}, nil
}

// RunInsightExtraction extracts insights from a stored transcript, replaces the
// recording's insights and moves it to ready. A failed extraction call leaves the
// status unchanged so the caller can retry.
func (o *Orchestrator) RunInsightExtraction(ctx context.Context, userID, recordingID uuid.UUID) (*ExtractionOutcome, error) {
	started := time.Now()
	log := o.log.WithFields(logrus.Fields{
		"stage":        StageExtraction,
		"recording_id": recordingID,
		"user_id":      userID,
	})

	outcome, err := o.runInsightExtraction(ctx, log, userID, recordingID)
	o.metrics.observeStage(StageExtraction, outcomeLabel(err), started)
	if err != nil {
		log.WithError(err).WithField("kind", apperr.KindOf(err)).Warn("extraction run failed")
		return nil, err
	}
	o.metrics.countInsights(outcome.InsightCount)
	log.WithFields(logrus.Fields{
		"insights": outcome.InsightCount,
		"elapsed":  time.Since(started),
	}).Info("extraction run complete")
	return outcome, nil
}

func (o *Orchestrator) runInsightExtraction(ctx context.Context, log *logrus.Entry, userID, recordingID uuid.UUID) (*ExtractionOutcome, error) {
	rec, err := o.getRecording(ctx, userID, recordingID)
	if err != nil {
		return nil, err
	}
	if rec.TranscriptText == nil || strings.TrimSpace(*rec.TranscriptText) == "" {
		return nil, apperr.New(apperr.KindNotFound, "No transcript available for this recording")
	}
	if rec.Status != model.StatusAnalyzing && rec.Status != model.StatusReady {
		return nil, apperr.New(apperr.KindConflict,
			fmt.Sprintf("Recording is %s and cannot be analyzed", rec.Status))
	}

	// Claim without changing the status: a ready recording is never moved back.
	version, err := o.claim(ctx, rec, []model.Status{rec.Status}, rec.Status)
	if err != nil {
		return nil, err
	}
	log = log.WithField("version", version)

	extracted, err := o.extractor.Extract(ctx, *rec.TranscriptText)
	if err != nil {
		return nil, err
	}

	rows := buildInsights(rec, extracted)
	stored := len(rows)
	if err := o.replaceInsights(ctx, rec, rows); err != nil {
		// The transcript is already durable; losing the insights is logged, not fatal.
		log.WithError(err).WithField("insights", len(rows)).Error("failed to store insights")
		stored = 0
	}

	if err := o.write(ctx, rec, version, repository.StatusUpdate{Status: model.StatusReady}); err != nil {
		return nil, err
	}
	return &ExtractionOutcome{RecordingID: rec.ID, InsightCount: stored}, nil
}

func (o *Orchestrator) getRecording(ctx context.Context, userID, recordingID uuid.UUID) (*model.Recording, error) {
	dbCtx, cancel := o.dbContext(ctx)
	defer cancel()

	rec, err := o.recordings.GetByID(dbCtx, userID, recordingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.KindNotFound, "Recording not found")
		}
		return nil, apperr.Wrap(err, apperr.KindPersistence, "Failed to load recording")
	}
	return rec, nil
}

// claim takes the single-writer slot for rec: it moves the row to status only if
// nobody changed it since it was read, and returns the version later writes must match.
func (o *Orchestrator) claim(ctx context.Context, rec *model.Recording, from []model.Status, status model.Status) (int64, error) {
	dbCtx, cancel := o.dbContext(ctx)
	defer cancel()

	version := rec.Version
	next, err := o.recordings.CompareAndSwap(dbCtx, rec.UserID, rec.ID,
		repository.Guard{Statuses: from, Version: &version},
		repository.StatusUpdate{Status: status})
	if err != nil {
		return 0, classifyWriteError(err)
	}
	return next, nil
}

// write applies upd only while the run still owns the claimed version.
func (o *Orchestrator) write(ctx context.Context, rec *model.Recording, version int64, upd repository.StatusUpdate) error {
	dbCtx, cancel := o.dbContext(ctx)
	defer cancel()

	if _, err := o.recordings.CompareAndSwap(dbCtx, rec.UserID, rec.ID, repository.AtVersion(version), upd); err != nil {
		return classifyWriteError(err)
	}
	return nil
}

func (o *Orchestrator) download(ctx context.Context, rec *model.Recording) (stt.Audio, error) {
	blobCtx := ctx
	if o.timeouts.Blob > 0 {
		var cancel context.CancelFunc
		blobCtx, cancel = context.WithTimeout(ctx, o.timeouts.Blob)
		defer cancel()
	}

	rc, err := o.blobs.Get(blobCtx, rec.FilePath)
	if err != nil {
		return stt.Audio{}, apperr.Wrap(err, apperr.KindUpstream, "Failed to download audio file")
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return stt.Audio{}, apperr.Wrap(err, apperr.KindUpstream, "Failed to download audio file")
	}
	return stt.Audio{
		Filename:    rec.Filename,
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(rec.Filename))),
		Data:        data,
	}, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, audio stt.Audio) (*stt.Result, error) {
	if o.timeouts.Transcription > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeouts.Transcription)
		defer cancel()
	}

	result, err := o.transcriber.Transcribe(ctx, audio)
	if err != nil {
		if apperr.KindOf(err) == "" {
			return nil, apperr.Wrap(err, apperr.KindUpstream, "transcription failed")
		}
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) replaceInsights(ctx context.Context, rec *model.Recording, rows []model.Insight) error {
	dbCtx, cancel := o.dbContext(ctx)
	defer cancel()
	return o.insights.ReplaceForRecording(dbCtx, rec.UserID, rec.ID, rows)
}

// markFailed records a terminal failure at the claimed version. It runs on a
// context detached from the caller so a cancelled request or an expired
// deadline still leaves the row failed rather than stuck.
func (o *Orchestrator) markFailed(ctx context.Context, log *logrus.Entry, rec *model.Recording, version int64, msg string) {
	dbCtx, cancel := o.dbContext(context.WithoutCancel(ctx))
	defer cancel()

	_, err := o.recordings.CompareAndSwap(dbCtx, rec.UserID, rec.ID, repository.AtVersion(version),
		repository.StatusUpdate{Status: model.StatusFailed, ErrorMessage: &msg})
	if err != nil {
		log.WithError(err).WithField("error_message", msg).Error("failed to mark recording as failed")
		return
	}
	log.WithField("error_message", msg).Info("recording marked as failed")
}

// failUnclaimed marks a recording failed when it could not even be read. Only a
// row still waiting in transcribing is touched.
func (o *Orchestrator) failUnclaimed(ctx context.Context, log *logrus.Entry, userID, recordingID uuid.UUID, msg string) {
	dbCtx, cancel := o.dbContext(context.WithoutCancel(ctx))
	defer cancel()

	_, err := o.recordings.CompareAndSwap(dbCtx, userID, recordingID,
		repository.Guard{Statuses: []model.Status{model.StatusTranscribing}},
		repository.StatusUpdate{Status: model.StatusFailed, ErrorMessage: &msg})
	if err != nil {
		log.WithError(err).Debug("could not mark unreadable recording as failed")
	}
}

func (o *Orchestrator) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeouts.Database > 0 {
		return context.WithTimeout(ctx, o.timeouts.Database)
	}
	return context.WithCancel(ctx)
}

func classifyWriteError(err error) error {
	switch {
	case errors.Is(err, repository.ErrConflict):
		return apperr.Wrap(err, apperr.KindConflict, "Recording is already being processed")
	case errors.Is(err, repository.ErrNotFound):
		return apperr.Wrap(err, apperr.KindNotFound, "Recording not found")
	default:
		return apperr.Wrap(err, apperr.KindPersistence, "Failed to update recording")
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if kind := apperr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

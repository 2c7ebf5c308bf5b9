// Package upload creates a recording, stores its audio and hands it to the
// transcription stage, undoing its own writes when a step fails.
package upload

import (
	"context"
	"io"
	"path"
	"strings"

	"callinsights/internal/apperr"
	"callinsights/internal/config"
	"callinsights/internal/model"
	"callinsights/internal/repository"
	"callinsights/internal/storage"
	"callinsights/internal/trigger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Progress checkpoints reported through ProgressFunc.
const (
	ProgressCreated      = 5
	ProgressUploading    = 15
	ProgressUploaded     = 85
	ProgressTranscribing = 95
	ProgressDone         = 100
)

// File is the audio the user picked.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// ProgressFunc receives percentages in [0,100] that never decrease.
type ProgressFunc func(percent int)

type Options struct {
	MaxBytes int64
	Timeouts config.Timeouts
}

type Workflow struct {
	recordings repository.RecordingRepository
	blobs      storage.BlobStore
	dispatcher trigger.Dispatcher
	opts       Options
	log        *logrus.Entry
	newID      func() uuid.UUID
}

func NewWorkflow(recordings repository.RecordingRepository, blobs storage.BlobStore, dispatcher trigger.Dispatcher, opts Options, log *logrus.Entry) *Workflow {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = MaxFileSize
	}
	return &Workflow{
		recordings: recordings,
		blobs:      blobs,
		dispatcher: dispatcher,
		opts:       opts,
		log:        log.WithField("component", "upload"),
		newID:      uuid.New,
	}
}

// Upload runs the first leg of the pipeline: create the row in uploading, store
// the blob, move the row to transcribing and dispatch transcription with the
// user's token. The returned recording is in transcribing. Progress reaches 100
// only after that status is durable and the dispatch was accepted.
func (w *Workflow) Upload(ctx context.Context, userID uuid.UUID, token string, f File, progress ProgressFunc) (*model.Recording, error) {
	if err := Validate(f.ContentType, f.Size, w.opts.MaxBytes); err != nil {
		return nil, err
	}
	report := monotonic(progress)

	id := w.newID()
	rec := &model.Recording{
		ID:       id,
		UserID:   userID,
		Filename: displayName(f.Name),
		FilePath: storage.ObjectPath(userID, id, f.Name),
		FileSize: f.Size,
		Status:   model.StatusUploading,
	}
	log := w.log.WithFields(logrus.Fields{
		"recording_id": id,
		"user_id":      userID,
		"bytes":        f.Size,
	})

	if err := w.withDB(ctx, func(ctx context.Context) error { return w.recordings.Create(ctx, rec) }); err != nil {
		log.WithError(err).Error("failed to create recording")
		return nil, apperr.Wrap(err, apperr.KindPersistence, "Failed to create recording")
	}
	report(ProgressCreated)

	report(ProgressUploading)
	if err := w.putBlob(ctx, rec, f); err != nil {
		log.WithError(err).Warn("audio upload failed, removing recording")
		w.compensate(ctx, log, rec, false)
		return nil, apperr.Wrap(err, apperr.KindUpstream, "Failed to upload audio file")
	}
	report(ProgressUploaded)

	var version int64
	err := w.withDB(ctx, func(ctx context.Context) error {
		v, err := w.recordings.CompareAndSwap(ctx, userID, id,
			repository.Guard{Statuses: []model.Status{model.StatusUploading}, Version: &rec.Version},
			repository.StatusUpdate{Status: model.StatusTranscribing})
		version = v
		return err
	})
	if err != nil {
		log.WithError(err).Error("failed to start transcription, removing recording")
		w.compensate(ctx, log, rec, true)
		return nil, apperr.Wrap(err, apperr.KindPersistence, "Failed to update recording status")
	}
	rec.Status = model.StatusTranscribing
	rec.Version = version
	report(ProgressTranscribing)

	job := trigger.Job{Stage: trigger.StageTranscribe, RecordingID: id, UserID: userID, Token: token}
	if err := w.dispatcher.Dispatch(ctx, job); err != nil {
		log.WithError(err).Warn("failed to dispatch transcription")
		w.failDispatch(ctx, log, rec)
		if apperr.KindOf(err) == "" {
			return rec, apperr.Wrap(err, apperr.KindUpstream, "Failed to start transcription")
		}
		return rec, err
	}
	report(ProgressDone)

	log.Info("recording uploaded")
	return rec, nil
}

func (w *Workflow) putBlob(ctx context.Context, rec *model.Recording, f File) error {
	if w.opts.Timeouts.Blob > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeouts.Blob)
		defer cancel()
	}
	// Never store more than was validated
	r := io.LimitReader(f.Reader, f.Size)
	return w.blobs.Put(ctx, rec.FilePath, r, f.Size, normalizeType(f.ContentType))
}

// compensate removes what this attempt created so no row points at a missing blob.
// It runs detached from ctx so a cancelled request still cleans up.
func (w *Workflow) compensate(ctx context.Context, log *logrus.Entry, rec *model.Recording, blobStored bool) {
	ctx = context.WithoutCancel(ctx)

	if blobStored {
		blobCtx, cancel := w.blobContext(ctx)
		if err := w.blobs.Delete(blobCtx, rec.FilePath); err != nil {
			log.WithError(err).Error("failed to delete uploaded audio")
		}
		cancel()
	}
	if err := w.withDB(ctx, func(ctx context.Context) error {
		return w.recordings.Delete(ctx, rec.UserID, rec.ID)
	}); err != nil {
		log.WithError(err).Error("failed to delete orphan recording")
	}
}

// failDispatch records that the transcription stage never started. The blob stays so
// the user can retry the trigger.
func (w *Workflow) failDispatch(ctx context.Context, log *logrus.Entry, rec *model.Recording) {
	msg := "Failed to start transcription"
	err := w.withDB(context.WithoutCancel(ctx), func(ctx context.Context) error {
		_, err := w.recordings.CompareAndSwap(ctx, rec.UserID, rec.ID, repository.AtVersion(rec.Version),
			repository.StatusUpdate{Status: model.StatusFailed, ErrorMessage: &msg})
		return err
	})
	if err != nil {
		log.WithError(err).Debug("recording changed before it could be marked failed")
		return
	}
	rec.Status = model.StatusFailed
	rec.ErrorMessage = &msg
}

func (w *Workflow) withDB(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.opts.Timeouts.Database > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeouts.Database)
		defer cancel()
	}
	return fn(ctx)
}

func (w *Workflow) blobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.opts.Timeouts.Blob > 0 {
		return context.WithTimeout(ctx, w.opts.Timeouts.Blob)
	}
	return context.WithCancel(ctx)
}

// monotonic wraps fn so reported values are clamped to [0,100] and never go backwards.
func monotonic(fn ProgressFunc) ProgressFunc {
	last := -1
	return func(p int) {
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		if p <= last {
			return
		}
		last = p
		if fn != nil {
			fn(p)
		}
	}
}

func displayName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		return "audio"
	}
	return base
}

// MaxBytes reports the configured upload limit
func (w *Workflow) MaxBytes() int64 {
	return w.opts.MaxBytes
}

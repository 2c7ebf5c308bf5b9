package pipeline

import (
	"context"
	"errors"
	"time"

	"callinsights/internal/model"
	"callinsights/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// sweepBatch bounds how many rows one sweep touches.
const sweepBatch = 100

// staleMessages maps each status the sweeper handles to the message it records.
// analyzing is absent: it is the state a failed extraction is retried from.
var staleMessages = map[model.Status]string{
	model.StatusUploading:    "Upload did not complete",
	model.StatusTranscribing: "Transcription timed out",
}

// StaleStore is what the sweeper needs from the recording repository.
type StaleStore interface {
	repository.StaleLister
	CompareAndSwap(ctx context.Context, userID, id uuid.UUID, guard repository.Guard, upd repository.StatusUpdate) (int64, error)
}

// Sweeper fails recordings whose handler died before writing a terminal status.
type Sweeper struct {
	store      StaleStore
	staleAfter time.Duration
	metrics    *Metrics
	log        *logrus.Entry
	now        func() time.Time
}

func NewSweeper(store StaleStore, staleAfter time.Duration, metrics *Metrics, log *logrus.Entry) *Sweeper {
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		metrics:    metrics,
		log:        log.WithField("component", "sweeper"),
		now:        time.Now,
	}
}

// Run marks stale uploading and transcribing recordings as failed and returns how many it changed.
// Each row is updated at the version it was read at, so a run that makes progress in the
// meantime wins.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	started := time.Now()
	before := s.now().Add(-s.staleAfter).UTC()

	statuses := make([]model.Status, 0, len(staleMessages))
	for status := range staleMessages {
		statuses = append(statuses, status)
	}

	recs, err := s.store.ListStale(ctx, statuses, before, sweepBatch)
	if err != nil {
		s.metrics.observeStage(StageSweep, "error", started)
		return 0, err
	}

	swept := 0
	for _, rec := range recs {
		msg := staleMessages[rec.Status]
		_, err := s.store.CompareAndSwap(ctx, rec.UserID, rec.ID,
			repository.Guard{Statuses: []model.Status{rec.Status}, Version: &rec.Version},
			repository.StatusUpdate{Status: model.StatusFailed, ErrorMessage: &msg})
		switch {
		case err == nil:
			swept++
			s.log.WithFields(logrus.Fields{
				"recording_id": rec.ID,
				"user_id":      rec.UserID,
				"was":          rec.Status,
			}).Info("marked stale recording as failed")
		case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrNotFound):
			// Progressed or deleted since it was listed
		default:
			s.log.WithError(err).WithField("recording_id", rec.ID).Error("failed to mark stale recording")
		}
	}

	s.metrics.observeStage(StageSweep, "success", started)
	if swept > 0 {
		s.log.WithField("count", swept).Info("stale recording sweep complete")
	}
	return swept, nil
}

package trigger

import (
	"context"
	"sync"
	"time"

	"callinsights/internal/apperr"
	"callinsights/internal/pipeline"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Runner is the part of the orchestrator the local dispatcher drives.
type Runner interface {
	RunTranscription(ctx context.Context, userID, recordingID uuid.UUID) (*pipeline.TranscriptionOutcome, error)
	RunInsightExtraction(ctx context.Context, userID, recordingID uuid.UUID) (*pipeline.ExtractionOutcome, error)
}

// LocalDispatcher runs stages in-process on their own goroutine.
// With chain set, a successful transcription is followed by extraction.
type LocalDispatcher struct {
	runner  Runner
	chain   bool
	timeout time.Duration
	log     *logrus.Entry
	wg      sync.WaitGroup
}

func NewLocalDispatcher(runner Runner, chain bool, timeout time.Duration, log *logrus.Entry) *LocalDispatcher {
	return &LocalDispatcher{
		runner:  runner,
		chain:   chain,
		timeout: timeout,
		log:     log.WithField("component", "dispatcher"),
	}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid trigger job")
	}

	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(runCtx, job)
	}()
	return nil
}

func (d *LocalDispatcher) run(ctx context.Context, job Job) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	log := d.log.WithFields(logrus.Fields{
		"stage":        job.Stage,
		"recording_id": job.RecordingID,
	})

	switch job.Stage {
	case StageTranscribe:
		if _, err := d.runner.RunTranscription(ctx, job.UserID, job.RecordingID); err != nil {
			log.WithError(err).Debug("dispatched transcription failed")
			return
		}
		if !d.chain {
			return
		}
		if _, err := d.runner.RunInsightExtraction(ctx, job.UserID, job.RecordingID); err != nil {
			log.WithError(err).Debug("chained extraction failed")
		}
	case StageExtractInsights:
		if _, err := d.runner.RunInsightExtraction(ctx, job.UserID, job.RecordingID); err != nil {
			log.WithError(err).Debug("dispatched extraction failed")
		}
	}
}

// Wait blocks until every dispatched stage has returned
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

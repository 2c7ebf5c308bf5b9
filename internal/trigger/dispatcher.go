// Package trigger starts pipeline stages asynchronously. Delivery is at most
// once and best effort: a nil error from Dispatch means the stage was handed
// off, not that it completed or even started successfully.
package trigger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Stage string

const (
	StageTranscribe      Stage = "transcribe"
	StageExtractInsights Stage = "extract-insights"
)

func (s Stage) Valid() bool {
	return s == StageTranscribe || s == StageExtractInsights
}

// Job identifies one stage run for one recording. Token is the end user's bearer
// token, forwarded so the stage runs with the user's identity.
type Job struct {
	Stage       Stage
	RecordingID uuid.UUID
	UserID      uuid.UUID
	Token       string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

func (j Job) validate() error {
	if !j.Stage.Valid() {
		return fmt.Errorf("unknown pipeline stage %q", j.Stage)
	}
	if j.RecordingID == uuid.Nil {
		return fmt.Errorf("missing recording id")
	}
	return nil
}

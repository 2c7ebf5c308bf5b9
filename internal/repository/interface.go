package repository

import (
	"context"
	"errors"
	"time"

	"callinsights/internal/model"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means the row exists but did not match the guard of a conditional update.
	ErrConflict = errors.New("recording was modified concurrently")
)

// Guard restricts a conditional update to rows in one of Statuses (any when empty)
// and, when Version is set, at exactly that version.
type Guard struct {
	Statuses []model.Status
	Version  *int64
}

// AtVersion is a Guard that only matches the given version.
func AtVersion(v int64) Guard {
	return Guard{Version: &v}
}

// StatusUpdate is applied atomically by CompareAndSwap. ErrorMessage is always written
// (nil clears it); the transcript fields are written only when non-nil.
type StatusUpdate struct {
	Status          model.Status
	ErrorMessage    *string
	TranscriptText  *string
	SpeakerSegments model.SpeakerSegments
	DurationSeconds *float64
}

// RecordingRepository defines data access for recordings. Every method is scoped by owner.
type RecordingRepository interface {
	// Create inserts a new recording row
	Create(ctx context.Context, rec *model.Recording) error

	// GetByID returns the recording if it exists and belongs to userID
	GetByID(ctx context.Context, userID, id uuid.UUID) (*model.Recording, error)

	// ListByUser returns the user's recordings, newest first
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Recording, error)

	// CompareAndSwap applies upd if the row matches guard and returns the new version
	CompareAndSwap(ctx context.Context, userID, id uuid.UUID, guard Guard, upd StatusUpdate) (int64, error)

	// Delete removes the recording and its insights
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

// StaleLister finds recordings stuck in a status. It is used by the sweeper,
// which acts on behalf of each row's owner.
type StaleLister interface {
	ListStale(ctx context.Context, statuses []model.Status, before time.Time, limit int) ([]model.Recording, error)
}

// InsightRepository defines data access for insights. Every method is scoped by owner.
type InsightRepository interface {
	// ReplaceForRecording swaps the recording's insights for the given set in one transaction
	ReplaceForRecording(ctx context.Context, userID, recordingID uuid.UUID, insights []model.Insight) error

	// ListByRecording returns insights ordered by start time
	ListByRecording(ctx context.Context, userID, recordingID uuid.UUID) ([]model.Insight, error)

	// SetStarred updates the starred flag
	SetStarred(ctx context.Context, userID, id uuid.UUID, starred bool) (*model.Insight, error)
}

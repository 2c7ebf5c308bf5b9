package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callinsights/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RecordingStore struct {
	db *gorm.DB
}

// NewRecordingStore creates a gorm-backed recording repository
func NewRecordingStore(db *gorm.DB) *RecordingStore {
	return &RecordingStore{db: db}
}

// Create creates a new recording row
func (r *RecordingStore) Create(ctx context.Context, rec *model.Recording) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}
	return nil
}

// GetByID retrieves a recording owned by userID
func (r *RecordingStore) GetByID(ctx context.Context, userID, id uuid.UUID) (*model.Recording, error) {
	var rec model.Recording
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return &rec, nil
}

// ListByUser retrieves recordings for a user with pagination
func (r *RecordingStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Recording, error) {
	var recs []model.Recording
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return recs, nil
}

// CompareAndSwap performs a conditional status update and bumps the row version
func (r *RecordingStore) CompareAndSwap(ctx context.Context, userID, id uuid.UUID, guard Guard, upd StatusUpdate) (int64, error) {
	fields := map[string]interface{}{
		"status":     upd.Status,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	if upd.ErrorMessage != nil {
		fields["error_message"] = *upd.ErrorMessage
	} else {
		fields["error_message"] = nil
	}
	if upd.TranscriptText != nil {
		fields["transcript_text"] = *upd.TranscriptText
	}
	if upd.SpeakerSegments != nil {
		fields["speaker_segments"] = upd.SpeakerSegments
	}
	if upd.DurationSeconds != nil {
		fields["duration_seconds"] = *upd.DurationSeconds
	}

	query := r.db.WithContext(ctx).
		Model(&model.Recording{}).
		Where("id = ? AND user_id = ?", id, userID)
	if len(guard.Statuses) > 0 {
		query = query.Where("status IN ?", guard.Statuses)
	}
	if guard.Version != nil {
		query = query.Where("version = ?", *guard.Version)
	}

	res := query.Updates(fields)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to update recording status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Tell a missing row apart from a lost race
		if _, err := r.GetByID(ctx, userID, id); err != nil {
			return 0, err
		}
		return 0, ErrConflict
	}
	if guard.Version != nil {
		return *guard.Version + 1, nil
	}

	var version int64
	err := r.db.WithContext(ctx).
		Model(&model.Recording{}).
		Where("id = ? AND user_id = ?", id, userID).
		Pluck("version", &version).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read recording version: %w", err)
	}
	return version, nil
}

// Delete deletes the recording and its insights in one transaction
func (r *RecordingStore) Delete(ctx context.Context, userID, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recording_id = ? AND user_id = ?", id, userID).
			Delete(&model.Insight{}).Error; err != nil {
			return fmt.Errorf("failed to delete insights: %w", err)
		}
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&model.Recording{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete recording: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListStale returns recordings in one of statuses that have not changed since before
func (r *RecordingStore) ListStale(ctx context.Context, statuses []model.Status, before time.Time, limit int) ([]model.Recording, error) {
	var recs []model.Recording
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale recordings: %w", err)
	}
	return recs, nil
}

type InsightStore struct {
	db *gorm.DB
}

// NewInsightStore creates a gorm-backed insight repository
func NewInsightStore(db *gorm.DB) *InsightStore {
	return &InsightStore{db: db}
}

// ReplaceForRecording deletes existing insights and bulk-inserts the new set
func (r *InsightStore) ReplaceForRecording(ctx context.Context, userID, recordingID uuid.UUID, insights []model.Insight) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned int64
		if err := tx.Model(&model.Recording{}).
			Where("id = ? AND user_id = ?", recordingID, userID).
			Count(&owned).Error; err != nil {
			return fmt.Errorf("failed to check recording owner: %w", err)
		}
		if owned == 0 {
			return ErrNotFound
		}

		if err := tx.Where("recording_id = ? AND user_id = ?", recordingID, userID).
			Delete(&model.Insight{}).Error; err != nil {
			return fmt.Errorf("failed to clear insights: %w", err)
		}
		if len(insights) == 0 {
			return nil
		}

		for i := range insights {
			insights[i].RecordingID = recordingID
			insights[i].UserID = userID
		}
		if err := tx.CreateInBatches(insights, 100).Error; err != nil {
			return fmt.Errorf("failed to insert insights: %w", err)
		}
		return nil
	})
}

// ListByRecording lists a recording's insights ordered by start time, unknown times last
func (r *InsightStore) ListByRecording(ctx context.Context, userID, recordingID uuid.UUID) ([]model.Insight, error) {
	var items []model.Insight
	err := r.db.WithContext(ctx).
		Where("recording_id = ? AND user_id = ?", recordingID, userID).
		Order("CASE WHEN start_time IS NULL THEN 1 ELSE 0 END, start_time ASC, created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	return items, nil
}

// SetStarred sets or clears the starred flag on an insight
func (r *InsightStore) SetStarred(ctx context.Context, userID, id uuid.UUID, starred bool) (*model.Insight, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Insight{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("is_starred", starred)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update insight: %w", res.Error)
	}

	var item model.Insight
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get insight: %w", err)
	}
	return &item, nil
}

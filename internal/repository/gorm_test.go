package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"callinsights/internal/db"
	"callinsights/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open("sqlite", filepath.Join(t.TempDir(), "repo.sqlite"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	return conn
}

func newRecording(userID uuid.UUID, status model.Status) *model.Recording {
	id := uuid.New()
	return &model.Recording{
		ID:       id,
		UserID:   userID,
		Filename: "call.mp3",
		FilePath: userID.String() + "/" + id.String() + "/call.mp3",
		FileSize: 2048,
		Status:   status,
	}
}

func strPtr(s string) *string { return &s }

func TestRecordingOwnerScoping(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordingStore(setupDB(t))
	owner, stranger := uuid.New(), uuid.New()

	rec := newRecording(owner, model.StatusUploading)
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.GetByID(ctx, owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "call.mp3", got.Filename)
	assert.Nil(t, got.TranscriptText)
	assert.Nil(t, got.SpeakerSegments)

	_, err = repo.GetByID(ctx, stranger, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.CompareAndSwap(ctx, stranger, rec.ID, Guard{}, StatusUpdate{Status: model.StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, stranger, rec.ID), ErrNotFound)
}

func TestCompareAndSwapGuards(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordingStore(setupDB(t))
	owner := uuid.New()

	rec := newRecording(owner, model.StatusUploading)
	require.NoError(t, repo.Create(ctx, rec))

	_, err := repo.CompareAndSwap(ctx, owner, rec.ID,
		Guard{Statuses: []model.Status{model.StatusTranscribing}},
		StatusUpdate{Status: model.StatusAnalyzing})
	assert.ErrorIs(t, err, ErrConflict)

	v1, err := repo.CompareAndSwap(ctx, owner, rec.ID,
		Guard{Statuses: []model.Status{model.StatusUploading}},
		StatusUpdate{Status: model.StatusTranscribing})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	// A writer holding the old version loses
	_, err = repo.CompareAndSwap(ctx, owner, rec.ID, AtVersion(0), StatusUpdate{Status: model.StatusFailed})
	assert.ErrorIs(t, err, ErrConflict)

	text := "hello there"
	dur := 12.5
	v2, err := repo.CompareAndSwap(ctx, owner, rec.ID, AtVersion(v1), StatusUpdate{
		Status:          model.StatusAnalyzing,
		TranscriptText:  &text,
		SpeakerSegments: model.SpeakerSegments{{Speaker: "Speaker 1", Start: 0, End: 12.5, Text: text}},
		DurationSeconds: &dur,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	got, err := repo.GetByID(ctx, owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnalyzing, got.Status)
	require.NotNil(t, got.TranscriptText)
	assert.Equal(t, text, *got.TranscriptText)
	require.Len(t, got.SpeakerSegments, 1)
	assert.Equal(t, "Speaker 1", got.SpeakerSegments[0].Speaker)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, 12.5, *got.DurationSeconds)
	assert.Nil(t, got.ErrorMessage)
}

func TestCompareAndSwapErrorMessageConsistency(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordingStore(setupDB(t))
	owner := uuid.New()

	rec := newRecording(owner, model.StatusTranscribing)
	require.NoError(t, repo.Create(ctx, rec))

	v, err := repo.CompareAndSwap(ctx, owner, rec.ID, AtVersion(0),
		StatusUpdate{Status: model.StatusFailed, ErrorMessage: strPtr("Transcription failed")})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, owner, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Transcription failed", *got.ErrorMessage)

	_, err = repo.CompareAndSwap(ctx, owner, rec.ID, AtVersion(v), StatusUpdate{Status: model.StatusTranscribing})
	require.NoError(t, err)

	got, err = repo.GetByID(ctx, owner, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ErrorMessage)
}

func TestListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordingStore(setupDB(t))
	owner := uuid.New()

	first := newRecording(owner, model.StatusReady)
	first.CreatedAt = time.Now().Add(-time.Hour).UTC()
	second := newRecording(owner, model.StatusReady)
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))
	require.NoError(t, repo.Create(ctx, newRecording(uuid.New(), model.StatusReady)))

	recs, err := repo.ListByUser(ctx, owner, 20, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second.ID, recs[0].ID)
	assert.Equal(t, first.ID, recs[1].ID)

	recs, err = repo.ListByUser(ctx, owner, 1, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, first.ID, recs[0].ID)
}

func TestDeleteRemovesInsights(t *testing.T) {
	ctx := context.Background()
	conn := setupDB(t)
	recordings := NewRecordingStore(conn)
	insights := NewInsightStore(conn)
	owner := uuid.New()

	rec := newRecording(owner, model.StatusReady)
	require.NoError(t, recordings.Create(ctx, rec))
	require.NoError(t, insights.ReplaceForRecording(ctx, owner, rec.ID, []model.Insight{
		{ID: uuid.New(), Type: model.InsightQuote, Text: "We doubled output", Confidence: 0.9},
	}))

	require.NoError(t, recordings.Delete(ctx, owner, rec.ID))

	var remaining int64
	require.NoError(t, conn.Model(&model.Insight{}).Where("recording_id = ?", rec.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)

	_, err := recordings.GetByID(ctx, owner, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceForRecording(t *testing.T) {
	ctx := context.Background()
	conn := setupDB(t)
	recordings := NewRecordingStore(conn)
	insights := NewInsightStore(conn)
	owner := uuid.New()

	rec := newRecording(owner, model.StatusAnalyzing)
	require.NoError(t, recordings.Create(ctx, rec))

	late, early := 30.0, 4.0
	require.NoError(t, insights.ReplaceForRecording(ctx, owner, rec.ID, []model.Insight{
		{ID: uuid.New(), Type: model.InsightProof, Text: "no time"},
		{ID: uuid.New(), Type: model.InsightQuote, Text: "late", StartTime: &late},
		{ID: uuid.New(), Type: model.InsightPainPoint, Text: "early", StartTime: &early},
	}))

	items, err := insights.ListByRecording(ctx, owner, rec.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "early", items[0].Text)
	assert.Equal(t, "late", items[1].Text)
	assert.Equal(t, "no time", items[2].Text)
	assert.Equal(t, owner, items[0].UserID)

	// A retry replaces rather than duplicates
	require.NoError(t, insights.ReplaceForRecording(ctx, owner, rec.ID, []model.Insight{
		{ID: uuid.New(), Type: model.InsightSolution, Text: "only one"},
	}))
	items, err = insights.ListByRecording(ctx, owner, rec.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	err = insights.ReplaceForRecording(ctx, uuid.New(), rec.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStarred(t *testing.T) {
	ctx := context.Background()
	conn := setupDB(t)
	recordings := NewRecordingStore(conn)
	insights := NewInsightStore(conn)
	owner := uuid.New()

	rec := newRecording(owner, model.StatusReady)
	require.NoError(t, recordings.Create(ctx, rec))
	id := uuid.New()
	require.NoError(t, insights.ReplaceForRecording(ctx, owner, rec.ID, []model.Insight{
		{ID: id, Type: model.InsightQuote, Text: "great quote"},
	}))

	item, err := insights.SetStarred(ctx, owner, id, true)
	require.NoError(t, err)
	assert.True(t, item.IsStarred)

	_, err = insights.SetStarred(ctx, uuid.New(), id, false)
	assert.ErrorIs(t, err, ErrNotFound)

	items, err := insights.ListByRecording(ctx, owner, rec.ID)
	require.NoError(t, err)
	assert.True(t, items[0].IsStarred)
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordingStore(setupDB(t))
	owner := uuid.New()

	stuck := newRecording(owner, model.StatusTranscribing)
	require.NoError(t, repo.Create(ctx, stuck))
	require.NoError(t, repo.Create(ctx, newRecording(owner, model.StatusReady)))

	recs, err := repo.ListStale(ctx, []model.Status{model.StatusTranscribing}, time.Now().Add(time.Hour).UTC(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, stuck.ID, recs[0].ID)

	recs, err = repo.ListStale(ctx, []model.Status{model.StatusTranscribing}, time.Now().Add(-time.Hour).UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

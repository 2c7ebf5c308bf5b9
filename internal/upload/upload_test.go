package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"callinsights/internal/apperr"
	"callinsights/internal/db"
	"callinsights/internal/logger"
	"callinsights/internal/model"
	"callinsights/internal/repository"
	"callinsights/internal/storage"
	"callinsights/internal/trigger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingDispatcher struct {
	jobs []trigger.Job
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, job trigger.Job) error {
	d.jobs = append(d.jobs, job)
	return d.err
}

// flakyBlobs fails Put, or counts Deletes.
type flakyBlobs struct {
	storage.BlobStore
	putErr  error
	deleted []string
}

func (f *flakyBlobs) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.BlobStore.Put(ctx, key, r, size, contentType)
}

func (f *flakyBlobs) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return f.BlobStore.Delete(ctx, key)
}

// stuckRecordings refuses the uploading -> transcribing update.
type stuckRecordings struct {
	repository.RecordingRepository
}

func (stuckRecordings) CompareAndSwap(ctx context.Context, userID, id uuid.UUID, guard repository.Guard, upd repository.StatusUpdate) (int64, error) {
	return 0, errors.New("connection lost")
}

type fixture struct {
	conn       *gorm.DB
	recordings *repository.RecordingStore
	blobs      *flakyBlobs
	dispatcher *recordingDispatcher
	userID     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open("sqlite", filepath.Join(t.TempDir(), "upload.sqlite"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	fs, err := storage.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return &fixture{
		conn:       conn,
		recordings: repository.NewRecordingStore(conn),
		blobs:      &flakyBlobs{BlobStore: fs},
		dispatcher: &recordingDispatcher{},
		userID:     uuid.New(),
	}
}

func (f *fixture) workflow(recordings repository.RecordingRepository) *Workflow {
	return NewWorkflow(recordings, f.blobs, f.dispatcher, Options{}, logger.Discard().Entry)
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&model.Recording{}).Count(&n).Error)
	return n
}

func audioFile(name, contentType string, size int) File {
	data := bytes.Repeat([]byte("x"), size)
	return File{Name: name, ContentType: contentType, Size: int64(size), Reader: bytes.NewReader(data)}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("audio/mpeg", 1024, 0))
	assert.NoError(t, Validate("audio/webm;codecs=opus", 1024, 0))
	assert.NoError(t, Validate("Audio/X-M4A", MaxFileSize, 0))

	err := Validate("video/quicktime", 1024, 0)
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = Validate("audio/wav", MaxFileSize+1, 0)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.ErrorIs(t, Validate("audio/wav", 0, 0), ErrEmptyFile)
}

func TestUploadHappyPath(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(f.recordings)

	var progress []int
	rec, err := w.Upload(context.Background(), f.userID, "tok", audioFile("C:\\calls\\demo call.mp3", "audio/mpeg", 4096), func(p int) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{ProgressCreated, ProgressUploading, ProgressUploaded, ProgressTranscribing, ProgressDone}, progress)
	assert.Equal(t, "demo call.mp3", rec.Filename)
	assert.Equal(t, f.userID.String()+"/"+rec.ID.String()+"/demo call.mp3", rec.FilePath)

	stored, err := f.recordings.GetByID(context.Background(), f.userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTranscribing, stored.Status)
	assert.Equal(t, int64(4096), stored.FileSize)

	rc, err := f.blobs.Get(context.Background(), rec.FilePath)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Len(t, data, 4096)

	require.Len(t, f.dispatcher.jobs, 1)
	job := f.dispatcher.jobs[0]
	assert.Equal(t, trigger.StageTranscribe, job.Stage)
	assert.Equal(t, rec.ID, job.RecordingID)
	assert.Equal(t, "tok", job.Token)
}

func TestUploadValidationCreatesNothing(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(f.recordings)

	for _, file := range []File{
		audioFile("notes.txt", "text/plain", 10),
		{Name: "huge.wav", ContentType: "audio/wav", Size: MaxFileSize + 1, Reader: strings.NewReader("")},
	} {
		called := false
		_, err := w.Upload(context.Background(), f.userID, "tok", file, func(int) { called = true })
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		assert.False(t, called)
	}
	assert.Zero(t, f.count(t))
	assert.Empty(t, f.dispatcher.jobs)
}

func TestUploadBlobFailureRemovesRow(t *testing.T) {
	f := newFixture(t)
	f.blobs.putErr = errors.New("bucket unavailable")
	w := f.workflow(f.recordings)

	var progress []int
	_, err := w.Upload(context.Background(), f.userID, "tok", audioFile("call.wav", "audio/wav", 2048), func(p int) {
		progress = append(progress, p)
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	assert.Zero(t, f.count(t))
	assert.Empty(t, f.dispatcher.jobs)
	assert.NotContains(t, progress, ProgressDone)
}

func TestUploadStatusFailureRemovesBlobAndRow(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(stuckRecordings{f.recordings})

	_, err := w.Upload(context.Background(), f.userID, "tok", audioFile("call.wav", "audio/wav", 2048), nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))

	assert.Zero(t, f.count(t))
	require.Len(t, f.blobs.deleted, 1)
	_, err = f.blobs.Get(context.Background(), f.blobs.deleted[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUploadDispatchFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = errors.New("dial tcp: connection refused")
	w := f.workflow(f.recordings)

	var last int
	rec, err := w.Upload(context.Background(), f.userID, "tok", audioFile("call.ogg", "audio/ogg", 2048), func(p int) { last = p })
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Equal(t, ProgressTranscribing, last)

	stored, err := f.recordings.GetByID(context.Background(), f.userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
}

func TestMonotonicProgress(t *testing.T) {
	var got []int
	report := monotonic(func(p int) { got = append(got, p) })
	for _, p := range []int{5, 3, 15, 15, 150, 80, -1} {
		report(p)
	}
	assert.Equal(t, []int{5, 15, 100}, got)
}

package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectPath(t *testing.T) {
	user := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	rec := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t, user.String()+"/"+rec.String()+"/call.mp3", ObjectPath(user, rec, "call.mp3"))
	assert.Equal(t, user.String()+"/"+rec.String()+"/evil.mp3", ObjectPath(user, rec, "../../evil.mp3"))
	assert.Equal(t, user.String()+"/"+rec.String()+"/c.wav", ObjectPath(user, rec, `C:\tmp\c.wav`))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := ObjectPath(uuid.New(), uuid.New(), "call.mp3")
	require.NoError(t, store.Put(ctx, key, strings.NewReader("audio-bytes"), 11, "audio/mpeg"))

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting twice is fine
	require.NoError(t, store.Delete(ctx, key))
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "../outside.mp3", strings.NewReader("x"), 1, "audio/mpeg")
	assert.Error(t, err)
	_, err = store.Get(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

func TestFileStorePutHonoursContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := ObjectPath(uuid.New(), uuid.New(), "call.mp3")
	err = store.Put(ctx, key, strings.NewReader("audio"), 5, "audio/mpeg")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("object not found")

// BlobStore stores audio objects under per-user, per-recording keys.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ObjectPath builds the deterministic key {userId}/{recordingId}/{filename}.
// Only the base name of filename is kept.
func ObjectPath(userID, recordingID uuid.UUID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		name = "audio"
	}
	return fmt.Sprintf("%s/%s/%s", userID, recordingID, name)
}

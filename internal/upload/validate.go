package upload

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"callinsights/internal/apperr"
)

// MaxFileSize is the largest accepted upload, 100 MB.
const MaxFileSize int64 = 100 * 1024 * 1024

var (
	ErrUnsupportedType = errors.New("unsupported audio type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrEmptyFile       = errors.New("empty file")
)

// allowedTypes is the fixed set of accepted audio MIME types.
var allowedTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/wav":   true,
	"audio/m4a":   true,
	"audio/x-m4a": true,
	"audio/mp4":   true,
	"audio/webm":  true,
	"audio/ogg":   true,
}

// normalizeType lower-cases a content type and drops parameters such as codecs.
func normalizeType(contentType string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Validate checks type and size before anything touches the network.
// Bad type and too large are reported as different validation errors.
func Validate(contentType string, size, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = MaxFileSize
	}
	if !allowedTypes[normalizeType(contentType)] {
		return apperr.Wrap(ErrUnsupportedType, apperr.KindValidation,
			"Invalid file type. Please upload an MP3, WAV, M4A, MP4, WebM or OGG audio file")
	}
	if size > maxBytes {
		return apperr.Wrap(ErrFileTooLarge, apperr.KindValidation,
			fmt.Sprintf("File too large. Maximum size is %d MB", maxBytes/(1024*1024)))
	}
	if size <= 0 {
		return apperr.Wrap(ErrEmptyFile, apperr.KindValidation, "File is empty")
	}
	return nil
}

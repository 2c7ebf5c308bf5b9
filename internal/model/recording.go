package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the pipeline state of a recording.
type Status string

const (
	StatusUploading    Status = "uploading"
	StatusTranscribing Status = "transcribing"
	StatusAnalyzing    Status = "analyzing"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the pipeline has finished with the recording.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// TranscriptSegment is one time-stamped span returned by the transcription service.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SpeakerSegment is a continuous utterance attributed to one speaker.
// Labels are only meaningful within a single recording.
type SpeakerSegment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// SpeakerSegments is stored as a JSON column. A nil list is stored as NULL.
type SpeakerSegments []SpeakerSegment

func (s SpeakerSegments) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal([]SpeakerSegment(s))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speaker segments: %w", err)
	}
	return string(b), nil
}

func (s *SpeakerSegments) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported speaker segments column type %T", src)
	}

	var segs []SpeakerSegment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return fmt.Errorf("failed to unmarshal speaker segments: %w", err)
	}
	if segs == nil {
		segs = []SpeakerSegment{}
	}
	*s = segs
	return nil
}

// Recording is one uploaded call and its derived state.
type Recording struct {
	ID              uuid.UUID       `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID          uuid.UUID       `gorm:"type:varchar(36);index;not null" json:"user_id"`
	Filename        string          `gorm:"size:255;not null" json:"filename"`
	FilePath        string          `gorm:"size:512;not null" json:"file_path"`
	FileSize        int64           `gorm:"not null" json:"file_size"`
	DurationSeconds *float64        `json:"duration_seconds"`
	TranscriptText  *string         `gorm:"type:text" json:"transcript_text"`
	SpeakerSegments SpeakerSegments `gorm:"type:text" json:"speaker_segments"`
	Status          Status          `gorm:"type:varchar(20);index;not null" json:"status"`
	ErrorMessage    *string         `gorm:"type:text" json:"error_message"`
	Version         int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt       time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Recording) TableName() string {
	return "recordings"
}

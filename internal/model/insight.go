package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type InsightType string

const (
	InsightQuote     InsightType = "quote"
	InsightPainPoint InsightType = "pain_point"
	InsightSolution  InsightType = "solution"
	InsightProof     InsightType = "proof"
)

// InsightTypes lists the closed set of insight categories.
var InsightTypes = []InsightType{InsightQuote, InsightPainPoint, InsightSolution, InsightProof}

// ParseInsightType matches s against the known types, ignoring case and surrounding space.
func ParseInsightType(s string) (InsightType, bool) {
	t := InsightType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range InsightTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Insight is one extracted nugget of marketing content.
type Insight struct {
	ID          uuid.UUID   `gorm:"type:varchar(36);primaryKey" json:"id"`
	RecordingID uuid.UUID   `gorm:"type:varchar(36);index;not null" json:"recording_id"`
	UserID      uuid.UUID   `gorm:"type:varchar(36);index;not null" json:"user_id"`
	Type        InsightType `gorm:"type:varchar(20);not null" json:"type"`
	Text        string      `gorm:"type:text;not null" json:"text"`
	Speaker     *string     `gorm:"size:100" json:"speaker"`
	StartTime   *float64    `json:"start_time"`
	EndTime     *float64    `json:"end_time"`
	Confidence  float64     `gorm:"not null;default:0" json:"confidence"`
	IsStarred   bool        `gorm:"not null;default:false" json:"is_starred"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (Insight) TableName() string {
	return "insights"
}

package pipeline

import (
	"strings"

	"callinsights/internal/ai"
	"callinsights/internal/model"

	"github.com/google/uuid"
)

// buildInsights turns extracted items into rows for rec, taking start and end
// times from the speaker segment the quote came from when it can be found.
func buildInsights(rec *model.Recording, extracted []ai.ExtractedInsight) []model.Insight {
	rows := make([]model.Insight, 0, len(extracted))
	for _, e := range extracted {
		row := model.Insight{
			ID:          uuid.New(),
			RecordingID: rec.ID,
			UserID:      rec.UserID,
			Type:        e.Type,
			Text:        e.Text,
			Confidence:  e.Confidence,
		}
		if e.Speaker != "" {
			speaker := e.Speaker
			row.Speaker = &speaker
		}
		if seg := locateSegment(rec.SpeakerSegments, e.Speaker, e.Text); seg != nil {
			start, end := seg.Start, seg.End
			row.StartTime = &start
			row.EndTime = &end
		}
		rows = append(rows, row)
	}
	return rows
}

// locateSegment returns the first segment whose text contains text, ignoring case.
// When speaker is set only that speaker's segments are considered.
func locateSegment(segments []model.SpeakerSegment, speaker, text string) *model.SpeakerSegment {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}
	for i := range segments {
		if speaker != "" && !strings.EqualFold(segments[i].Speaker, speaker) {
			continue
		}
		if strings.Contains(strings.ToLower(segments[i].Text), needle) {
			return &segments[i]
		}
	}
	return nil
}

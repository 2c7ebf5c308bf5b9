package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"callinsights/internal/model"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// pauseThreshold is the silence, in seconds, after which the fallback assumes a new speaker.
const pauseThreshold = 2.0

const defaultSpeaker = "Speaker 1"

type DiarizerOptions struct {
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Diarizer labels transcript segments with speakers. The model is asked first;
// any failure degrades to FallbackDiarize.
type Diarizer struct {
	client ChatClient
	opts   DiarizerOptions
	log    *logrus.Entry
}

func NewDiarizer(client ChatClient, opts DiarizerOptions, log *logrus.Entry) *Diarizer {
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	return &Diarizer{client: client, opts: opts, log: log}
}

// Diarize never fails. The second return value is true when the heuristic fallback
// produced the result because the model call was unusable.
func (d *Diarizer) Diarize(ctx context.Context, transcript string, segments []model.TranscriptSegment) ([]model.SpeakerSegment, bool) {
	if len(segments) == 0 {
		return FallbackDiarize(transcript, segments), false
	}

	labelled, err := d.callModel(ctx, segments)
	if err != nil {
		d.log.WithError(err).WithField("segments", len(segments)).
			Warn("speaker diarization failed, using alternating-speaker fallback")
		return FallbackDiarize(transcript, segments), true
	}

	d.log.WithFields(logrus.Fields{
		"segments": len(segments),
		"turns":    len(labelled),
	}).Debug("speaker diarization complete")
	return labelled, false
}

func (d *Diarizer) callModel(ctx context.Context, segments []model.TranscriptSegment) ([]model.SpeakerSegment, error) {
	prompt, err := BuildDiarizationPrompt(segments)
	if err != nil {
		return nil, err
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: d.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: d.opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("diarization request failed: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, errors.New("no content in diarization response")
	}

	content := resp.Choices[0].Message.Content
	segs, err := parseDiarization(content)
	if err != nil {
		d.log.WithField("response_preview", truncateString(content, 500)).Debug("unusable diarization response")
		return nil, err
	}
	return segs, nil
}

// parseDiarization accepts a non-empty JSON array, optionally fenced, and coerces
// each item's fields to their defaults. The result is ordered by start time.
func parseDiarization(content string) ([]model.SpeakerSegment, error) {
	var items []map[string]interface{}
	if err := json.Unmarshal([]byte(extractJSONFromMarkdown(content)), &items); err != nil {
		return nil, fmt.Errorf("failed to parse diarization JSON: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("empty diarization result")
	}

	out := make([]model.SpeakerSegment, 0, len(items))
	for _, item := range items {
		seg := model.SpeakerSegment{
			Speaker: coerceString(item["speaker"], defaultSpeaker),
			Start:   coerceFloat(item["start"]),
			End:     coerceFloat(item["end"]),
			Text:    coerceString(item["text"], ""),
		}
		if seg.End < seg.Start {
			seg.End = seg.Start
		}
		out = append(out, seg)
	}
	// Segments are stored in chronological order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// FallbackDiarize alternates between two speakers, switching after a pause longer than
// pauseThreshold or after a turn that ends in a question. It cannot tell apart more than two
// speakers. Empty input yields one segment holding the whole transcript.
func FallbackDiarize(transcript string, segments []model.TranscriptSegment) []model.SpeakerSegment {
	if len(segments) == 0 {
		return []model.SpeakerSegment{{Speaker: defaultSpeaker, Start: 0, End: 0, Text: transcript}}
	}

	result := make([]model.SpeakerSegment, 0, len(segments))
	speaker := 1
	current := model.SpeakerSegment{
		Speaker: speakerLabel(speaker),
		Start:   segments[0].Start,
		End:     segments[0].End,
		Text:    strings.TrimSpace(segments[0].Text),
	}

	for _, seg := range segments[1:] {
		text := strings.TrimSpace(seg.Text)
		isPause := seg.Start-current.End > pauseThreshold
		isQuestion := strings.HasSuffix(current.Text, "?")

		if isPause || isQuestion {
			result = append(result, current)
			speaker = 3 - speaker
			current = model.SpeakerSegment{
				Speaker: speakerLabel(speaker),
				Start:   seg.Start,
				End:     seg.End,
				Text:    text,
			}
			continue
		}

		current.End = seg.End
		if text != "" {
			if current.Text != "" {
				current.Text += " "
			}
			current.Text += text
		}
	}
	return append(result, current)
}

func speakerLabel(n int) string {
	return "Speaker " + strconv.Itoa(n)
}

func coerceString(v interface{}, fallback string) string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case float64:
		if t != 0 {
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	case bool:
		if t {
			return "true"
		}
	}
	return fallback
}

func coerceFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

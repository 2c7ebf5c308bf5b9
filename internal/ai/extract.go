package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"callinsights/internal/apperr"
	"callinsights/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

const extractionTool = "extract_insights"

// ExtractedInsight is one validated item returned by the model.
type ExtractedInsight struct {
	Type       model.InsightType
	Text       string
	Speaker    string
	Confidence float64
}

type ExtractorOptions struct {
	Model       string
	Temperature float32
	Timeout     time.Duration
	// RetryMax bounds the total time spent retrying transient failures; 0 disables retries.
	RetryMax time.Duration
}

type Extractor struct {
	client ChatClient
	opts   ExtractorOptions
	log    *logrus.Entry
}

func NewExtractor(client ChatClient, opts ExtractorOptions, log *logrus.Entry) *Extractor {
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	return &Extractor{client: client, opts: opts, log: log}
}

// rawInsight fields are untyped; items whose type or text is not a string are dropped.
type rawInsight struct {
	Type       interface{} `json:"type"`
	Text       interface{} `json:"text"`
	Speaker    interface{} `json:"speaker"`
	Confidence interface{} `json:"confidence"`
}

type rawInsights struct {
	Insights []json.RawMessage `json:"insights"`
}

// decodeItems keeps the items that are JSON objects and skips the rest.
func decodeItems(items []json.RawMessage) []rawInsight {
	out := make([]rawInsight, 0, len(items))
	for _, item := range items {
		var r rawInsight
		if err := json.Unmarshal(item, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Extract asks the model for insights in transcript. Zero insights is a valid result.
// Errors are classified as rate_limited, quota_exhausted, upstream_error or parse_error.
func (e *Extractor) Extract(ctx context.Context, transcript string) ([]ExtractedInsight, error) {
	systemPrompt, userPrompt := BuildExtractionPrompt(transcript)
	req := openai.ChatCompletionRequest{
		Model: e.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: e.opts.Temperature,
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        extractionTool,
					Description: "Report the marketing insights found in the call transcript",
					Parameters:  extractionToolSchema,
				},
			},
		},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: extractionTool},
		},
	}

	log := e.log.WithField("transcript_chars", len(transcript))
	log.Debug("requesting insight extraction")

	resp, err := e.complete(ctx, req)
	if err != nil {
		log.WithError(err).Warn("insight extraction request failed")
		return nil, ClassifyError(err, "insight extraction failed")
	}

	log.WithFields(logrus.Fields{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("insight extraction response received")

	raw, err := parseExtraction(resp)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindParse, "AI response did not contain valid insights")
	}

	insights := normalizeInsights(raw)
	if dropped := len(raw) - len(insights); dropped > 0 {
		log.WithField("dropped", dropped).Info("dropped invalid insights from model response")
	}
	return insights, nil
}

// complete runs one chat completion, retrying network errors and 5xx responses
// with exponential backoff. Each attempt has its own timeout.
func (e *Extractor) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	op := func() error {
		callCtx := ctx
		if e.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
		}

		r, err := e.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			if retryable(err) {
				e.log.WithError(err).Debug("transient extraction failure, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	if e.opts.RetryMax <= 0 {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return resp, perm.Err
		}
		return resp, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.opts.RetryMax
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	return resp, err
}

// parseExtraction reads the tool call arguments, falling back to JSON in the message content.
func parseExtraction(resp openai.ChatCompletionResponse) ([]rawInsight, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}
	msg := resp.Choices[0].Message

	for _, call := range msg.ToolCalls {
		if call.Function.Name != extractionTool {
			continue
		}
		var out rawInsights
		if err := json.Unmarshal([]byte(call.Function.Arguments), &out); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		return decodeItems(out.Insights), nil
	}

	content := extractJSONFromMarkdown(msg.Content)
	if content == "" {
		return nil, errors.New("no tool call in response")
	}
	var wrapped rawInsights
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil && wrapped.Insights != nil {
		return decodeItems(wrapped.Insights), nil
	}
	var bare []json.RawMessage
	if err := json.Unmarshal([]byte(content), &bare); err != nil {
		return nil, fmt.Errorf("failed to parse message content: %w", err)
	}
	return decodeItems(bare), nil
}

// normalizeInsights drops items with an unknown type or empty text and forces
// confidence into [0,1], using 0 for missing or out-of-range values.
func normalizeInsights(raw []rawInsight) []ExtractedInsight {
	out := make([]ExtractedInsight, 0, len(raw))
	for _, r := range raw {
		rawType, ok := r.Type.(string)
		if !ok {
			continue
		}
		typ, ok := model.ParseInsightType(rawType)
		if !ok {
			continue
		}
		rawText, ok := r.Text.(string)
		if !ok {
			continue
		}
		text := strings.TrimSpace(rawText)
		if text == "" {
			continue
		}
		out = append(out, ExtractedInsight{
			Type:       typ,
			Text:       text,
			Speaker:    strings.TrimSpace(coerceString(r.Speaker, "")),
			Confidence: normalizeConfidence(r.Confidence),
		})
	}
	return out
}

func normalizeConfidence(v interface{}) float64 {
	var c float64
	switch t := v.(type) {
	case float64:
		c = t
	case string:
		c = coerceFloat(t)
	default:
		return 0
	}
	if math.IsNaN(c) || c < 0 || c > 1 {
		return 0
	}
	return c
}

package ai

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"callinsights/internal/apperr"
	"callinsights/internal/logger"
	"callinsights/internal/model"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChat replays canned responses in order and records requests.
type fakeChat struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	errs      []error
	requests  []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return openai.ChatCompletionResponse{}, errors.New("no canned response")
}

func (f *fakeChat) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func contentResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
	}}
}

func toolResponse(args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: extractionTool, Arguments: args},
			}},
		}},
	}}
}

var sampleSegments = []model.TranscriptSegment{
	{Start: 0, End: 1, Text: "Hi?"},
	{Start: 1, End: 2, Text: "Fine thanks"},
	{Start: 5, End: 6, Text: "Next topic"},
}

func TestFallbackDiarizeQuestionAndPause(t *testing.T) {
	segs := FallbackDiarize("Hi? Fine thanks Next topic", sampleSegments)

	require.Len(t, segs, 3)
	assert.Equal(t, "Speaker 1", segs[0].Speaker)
	assert.Equal(t, "Speaker 2", segs[1].Speaker)
	assert.Equal(t, "Speaker 1", segs[2].Speaker)
	assert.Equal(t, "Hi?", segs[0].Text)
	assert.Equal(t, "Fine thanks", segs[1].Text)
	assert.Equal(t, 5.0, segs[2].Start)
}

func TestFallbackDiarizeEmptyInput(t *testing.T) {
	segs := FallbackDiarize("hello world", nil)

	require.Len(t, segs, 1)
	assert.Equal(t, model.SpeakerSegment{Speaker: "Speaker 1", Start: 0, End: 0, Text: "hello world"}, segs[0])
}

func TestFallbackDiarizeMergesContinuousSpeech(t *testing.T) {
	segs := FallbackDiarize("", []model.TranscriptSegment{
		{Start: 0, End: 1.5, Text: " We started "},
		{Start: 1.6, End: 3, Text: "last spring."},
		{Start: 3.5, End: 4, Text: "It went well."},
	})

	require.Len(t, segs, 1)
	assert.Equal(t, "We started last spring. It went well.", segs[0].Text)
	assert.Equal(t, 0.0, segs[0].Start)
	assert.Equal(t, 4.0, segs[0].End)
}

func TestParseDiarizationCoercesFields(t *testing.T) {
	segs, err := parseDiarization("```json\n[{\"speaker\":\"Speaker 2\",\"start\":1.5,\"end\":3,\"text\":\"hi\"},{\"start\":\"4\",\"text\":null},{}]\n```")
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, model.SpeakerSegment{Speaker: "Speaker 1"}, segs[0])
	assert.Equal(t, model.SpeakerSegment{Speaker: "Speaker 2", Start: 1.5, End: 3, Text: "hi"}, segs[1])
	assert.Equal(t, model.SpeakerSegment{Speaker: "Speaker 1", Start: 4, End: 4, Text: ""}, segs[2])
}

func TestParseDiarizationOrdersByStart(t *testing.T) {
	segs, err := parseDiarization(`[
		{"speaker":"Speaker 2","start":10,"end":12,"text":"third"},
		{"speaker":"Speaker 1","start":0,"end":4,"text":"first"},
		{"speaker":"Speaker 2","start":4,"end":10,"text":"second"}
	]`)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, []string{"first", "second", "third"}, []string{segs[0].Text, segs[1].Text, segs[2].Text})
	for i := 1; i < len(segs); i++ {
		assert.LessOrEqual(t, segs[i-1].Start, segs[i].Start)
	}
}

func TestParseDiarizationRejectsUnusableOutput(t *testing.T) {
	_, err := parseDiarization("[]")
	assert.Error(t, err)

	_, err = parseDiarization("Sure! Here are the speakers.")
	assert.Error(t, err)

	_, err = parseDiarization(`{"speaker":"Speaker 1"}`)
	assert.Error(t, err)
}

func TestDiarizeUsesModelOutput(t *testing.T) {
	chat := &fakeChat{responses: []openai.ChatCompletionResponse{
		contentResponse("```\n[{\"speaker\":\"Speaker 1\",\"start\":0,\"end\":1,\"text\":\"Hi?\"},{\"speaker\":\"Speaker 2\",\"start\":1,\"end\":6,\"text\":\"Fine thanks Next topic\"}]\n```"),
	}}
	d := NewDiarizer(chat, DiarizerOptions{Model: "test-model", Temperature: 0.3}, logger.Discard().Entry)

	segs, fallback := d.Diarize(context.Background(), "Hi? Fine thanks Next topic", sampleSegments)

	assert.False(t, fallback)
	require.Len(t, segs, 2)
	assert.Equal(t, "Speaker 2", segs[1].Speaker)
	require.Len(t, chat.requests, 1)
	assert.Equal(t, "test-model", chat.requests[0].Model)
	assert.Contains(t, chat.requests[0].Messages[0].Content, "Fine thanks")
}

func TestDiarizeFallsBackOnFailure(t *testing.T) {
	cases := map[string]*fakeChat{
		"request error": {errs: []error{&openai.APIError{HTTPStatusCode: http.StatusInternalServerError, Message: "boom"}}},
		"empty content": {responses: []openai.ChatCompletionResponse{contentResponse("")}},
		"empty array":   {responses: []openai.ChatCompletionResponse{contentResponse("[]")}},
		"not json":      {responses: []openai.ChatCompletionResponse{contentResponse("I cannot do that")}},
		"no choices":    {responses: []openai.ChatCompletionResponse{{}}},
	}
	for name, chat := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDiarizer(chat, DiarizerOptions{}, logger.Discard().Entry)
			segs, fallback := d.Diarize(context.Background(), "", sampleSegments)

			assert.True(t, fallback)
			assert.Equal(t, FallbackDiarize("", sampleSegments), segs)
		})
	}
}

func TestDiarizeEmptySegmentsSkipsModel(t *testing.T) {
	chat := &fakeChat{}
	d := NewDiarizer(chat, DiarizerOptions{}, logger.Discard().Entry)

	segs, fallback := d.Diarize(context.Background(), "hello world", nil)

	assert.False(t, fallback)
	assert.Equal(t, 0, chat.calls())
	require.Len(t, segs, 1)
	assert.Equal(t, "hello world", segs[0].Text)
}

func TestExtractDropsInvalidItems(t *testing.T) {
	chat := &fakeChat{responses: []openai.ChatCompletionResponse{toolResponse(`{"insights":[
		{"type":"quote","text":"We cut onboarding from weeks to days","speaker":"Speaker 2","confidence":0.92},
		{"type":"joke","text":"Why did the CRM cross the road","speaker":"Speaker 1","confidence":0.5},
		{"type":"proof","text":"   ","confidence":0.7},
		{"type":"Pain_Point","text":"Manual reporting ate our Fridays","confidence":1.7},
		{"type":"solution","text":"Automated the weekly export"}
	]}`)}}
	e := NewExtractor(chat, ExtractorOptions{}, logger.Discard().Entry)

	insights, err := e.Extract(context.Background(), "transcript")
	require.NoError(t, err)
	require.Len(t, insights, 3)

	assert.Equal(t, model.InsightQuote, insights[0].Type)
	assert.Equal(t, "Speaker 2", insights[0].Speaker)
	assert.InDelta(t, 0.92, insights[0].Confidence, 1e-9)

	assert.Equal(t, model.InsightPainPoint, insights[1].Type)
	assert.Zero(t, insights[1].Confidence)

	assert.Equal(t, model.InsightSolution, insights[2].Type)
	assert.Zero(t, insights[2].Confidence)
	assert.Empty(t, insights[2].Speaker)

	for _, in := range insights {
		assert.NotEqual(t, model.InsightType("joke"), in.Type)
	}

	req := chat.requests[0]
	require.Len(t, req.Tools, 1)
	assert.Equal(t, extractionTool, req.Tools[0].Function.Name)
}

func TestExtractZeroInsights(t *testing.T) {
	chat := &fakeChat{responses: []openai.ChatCompletionResponse{toolResponse(`{"insights":[]}`)}}
	e := NewExtractor(chat, ExtractorOptions{}, logger.Discard().Entry)

	insights, err := e.Extract(context.Background(), "short call")
	require.NoError(t, err)
	assert.Empty(t, insights)
}

func TestExtractKeepsValidItemsAmongMalformedOnes(t *testing.T) {
	chat := &fakeChat{responses: []openai.ChatCompletionResponse{toolResponse(`{"insights":[
		{"type":"quote","text":"Support answers within an hour now","speaker":"Speaker 2","confidence":0.9},
		{"type":"proof","text":["Revenue","grew"],"confidence":0.8},
		{"type":7,"text":"Numeric type","confidence":0.5},
		"not an object",
		{"type":["pain_point"],"text":"Array type"},
		{"type":"solution","text":{"value":"nested"}}
	]}`)}}
	e := NewExtractor(chat, ExtractorOptions{}, logger.Discard().Entry)

	insights, err := e.Extract(context.Background(), "transcript")
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, model.InsightQuote, insights[0].Type)
	assert.Equal(t, "Support answers within an hour now", insights[0].Text)
	assert.Equal(t, "Speaker 2", insights[0].Speaker)
}

func TestExtractContentFallbackSkipsMalformedItems(t *testing.T) {
	chat := &fakeChat{responses: []openai.ChatCompletionResponse{
		contentResponse(`[{"type":"pain_point","text":"Exports break every month"},{"type":"quote","text":42}]`),
	}}
	e := NewExtractor(chat, ExtractorOptions{}, logger.Discard().Entry)

	insights, err := e.Extract(context.Background(), "transcript")
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, model.InsightPainPoint, insights[0].Type)
}

func TestExtractFallsBackToMessageContent(t *testing.T) {
	chat := &fakeChat{responses: []openai.ChatCompletionResponse{
		contentResponse("```json\n{\"insights\":[{\"type\":\"proof\",\"text\":\"Revenue grew 30%\",\"confidence\":0.8}]}\n```"),
	}}
	e := NewExtractor(chat, ExtractorOptions{}, logger.Discard().Entry)

	insights, err := e.Extract(context.Background(), "transcript")
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, model.InsightProof, insights[0].Type)
}

func TestExtractParseError(t *testing.T) {
	cases := map[string]openai.ChatCompletionResponse{
		"garbage content": contentResponse("no insights today"),
		"bad arguments":   toolResponse(`{"insights": [`),
		"empty":           {},
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			chat := &fakeChat{responses: []openai.ChatCompletionResponse{resp}}
			e := NewExtractor(chat, ExtractorOptions{}, logger.Discard().Entry)

			_, err := e.Extract(context.Background(), "transcript")
			require.Error(t, err)
			assert.Equal(t, apperr.KindParse, apperr.KindOf(err))
		})
	}
}

func TestExtractClassifiesUpstreamErrors(t *testing.T) {
	cases := map[int]apperr.Kind{
		http.StatusTooManyRequests: apperr.KindRateLimited,
		http.StatusPaymentRequired: apperr.KindQuotaExhausted,
		http.StatusBadRequest:      apperr.KindUpstream,
	}
	for status, kind := range cases {
		chat := &fakeChat{errs: []error{&openai.APIError{HTTPStatusCode: status, Message: "nope"}}}
		e := NewExtractor(chat, ExtractorOptions{RetryMax: time.Second}, logger.Discard().Entry)

		_, err := e.Extract(context.Background(), "transcript")
		require.Error(t, err)
		assert.Equal(t, kind, apperr.KindOf(err), "status %d", status)
		assert.Equal(t, 1, chat.calls(), "status %d must not be retried", status)
	}
}

func TestExtractRetriesServerErrors(t *testing.T) {
	chat := &fakeChat{
		errs:      []error{&openai.APIError{HTTPStatusCode: http.StatusBadGateway, Message: "bad gateway"}, nil},
		responses: []openai.ChatCompletionResponse{{}, toolResponse(`{"insights":[{"type":"quote","text":"ok","confidence":0.5}]}`)},
	}
	e := NewExtractor(chat, ExtractorOptions{RetryMax: 10 * time.Second}, logger.Discard().Entry)

	insights, err := e.Extract(context.Background(), "transcript")
	require.NoError(t, err)
	assert.Len(t, insights, 1)
	assert.Equal(t, 2, chat.calls())
}

func TestExtractJSONFromMarkdown(t *testing.T) {
	assert.Equal(t, `[1]`, extractJSONFromMarkdown("```json\n[1]\n```"))
	assert.Equal(t, `{"a":1}`, extractJSONFromMarkdown("Here you go:\n```\n{\"a\":1}\n```\nthanks"))
	assert.Equal(t, `[2]`, extractJSONFromMarkdown("  [2]  "))
}

package ai

import (
	"context"
	"errors"
	"net"

	"callinsights/internal/apperr"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the OpenAI client used for chat completions.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient creates an OpenAI client; baseURL points it at a compatible gateway when set.
func NewClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// StatusCode extracts the upstream HTTP status from an OpenAI error, 0 if none.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// ClassifyError maps an upstream failure to the error taxonomy.
func ClassifyError(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(err, apperr.KindUpstream, msg+": request timed out")
	}
	return apperr.FromStatus(StatusCode(err), msg, err)
}

// retryable reports whether a failed call may succeed if repeated:
// network errors and 5xx responses.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

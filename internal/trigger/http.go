package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"callinsights/internal/apperr"

	"github.com/sirupsen/logrus"
)

// HTTPDispatcher posts {recording_id} to TRIGGER_BASE_URL/{stage} with the user's token.
// It waits only for the handoff window: a network error or a 4xx that arrives inside
// the window is returned, anything later is logged.
type HTTPDispatcher struct {
	baseURL        string
	client         *http.Client
	handoff        time.Duration
	requestTimeout time.Duration
	log            *logrus.Entry
}

// NewHTTPDispatcher creates a dispatcher. requestTimeout bounds the whole stage request,
// which keeps running in the background after Dispatch returns.
func NewHTTPDispatcher(baseURL string, handoff, requestTimeout time.Duration, log *logrus.Entry) *HTTPDispatcher {
	if handoff <= 0 {
		handoff = 2 * time.Second
	}
	return &HTTPDispatcher{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         &http.Client{},
		handoff:        handoff,
		requestTimeout: requestTimeout,
		log:            log.WithField("component", "dispatcher"),
	}
}

type dispatchResult struct {
	status int
	body   []byte
	err    error
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid trigger job")
	}

	payload, err := json.Marshal(map[string]string{"recording_id": job.RecordingID.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger payload: %w", err)
	}

	// The stage must outlive the caller's request.
	reqCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if d.requestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(reqCtx, d.requestTimeout)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.baseURL+"/"+string(job.Stage), bytes.NewReader(payload))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if job.Token != "" {
		req.Header.Set("Authorization", "Bearer "+job.Token)
	}

	log := d.log.WithFields(logrus.Fields{
		"stage":        job.Stage,
		"recording_id": job.RecordingID,
	})

	results := make(chan dispatchResult, 1)
	go func() {
		defer cancel()
		resp, err := d.client.Do(req)
		if err != nil {
			results <- dispatchResult{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		results <- dispatchResult{status: resp.StatusCode, body: body}
	}()

	timer := time.NewTimer(d.handoff)
	defer timer.Stop()

	select {
	case res := <-results:
		return d.handled(log, res)
	case <-timer.C:
		log.Debug("stage still running after handoff window")
		go func() {
			res := <-results
			_ = d.handled(log, res)
		}()
		return nil
	}
}

// handled logs a stage response and returns the errors the caller must see.
func (d *HTTPDispatcher) handled(log *logrus.Entry, res dispatchResult) error {
	switch {
	case res.err != nil:
		log.WithError(res.err).Warn("failed to reach trigger endpoint")
		return apperr.Wrap(res.err, apperr.KindUpstream, "failed to reach trigger endpoint")
	case res.status >= 400 && res.status < 500:
		msg := responseError(res.body)
		log.WithFields(logrus.Fields{"status": res.status, "error": msg}).Warn("trigger rejected")
		return apperr.Wrap(fmt.Errorf("trigger returned status %d", res.status), kindForStatus(res.status), msg)
	case res.status >= 500:
		log.WithFields(logrus.Fields{"status": res.status, "error": responseError(res.body)}).Warn("stage run failed")
		return nil
	default:
		log.WithField("status", res.status).Debug("stage run finished")
		return nil
	}
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest:
		return apperr.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindUnauthorized
	case http.StatusPaymentRequired:
		return apperr.KindQuotaExhausted
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	case http.StatusTooManyRequests:
		return apperr.KindRateLimited
	default:
		return apperr.KindUpstream
	}
}

// responseError pulls the error field from a {success:false, error} body.
func responseError(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		if len(s) > 200 {
			s = s[:200] + "..."
		}
		return s
	}
	return "trigger request rejected"
}

// Package identity verifies end-user bearer tokens against the identity provider.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"callinsights/internal/apperr"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// User is the verified caller.
type User struct {
	ID    uuid.UUID
	Email string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (*User, error)
}

// HTTPVerifier resolves a token by calling the provider's user endpoint with it.
// Successful lookups are cached by token hash.
type HTTPVerifier struct {
	userURL string
	apiKey  string
	base    *http.Client
	cache   *cache.Cache
	log     *logrus.Entry
}

func NewHTTPVerifier(userURL, apiKey string, ttl, timeout time.Duration, log *logrus.Entry) *HTTPVerifier {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		userURL: userURL,
		apiKey:  apiKey,
		base:    &http.Client{Timeout: timeout},
		cache:   cache.New(ttl, 2*ttl),
		log:     log.WithField("component", "identity"),
	}
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (*User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "Missing authorization header")
	}

	key := tokenKey(token)
	if cached, ok := v.cache.Get(key); ok {
		return cached.(*User), nil
	}

	// oauth2 attaches the bearer header for us
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		v.log.WithError(err).Warn("identity provider unreachable")
		return nil, apperr.Wrap(err, apperr.KindUpstream, "Failed to verify credentials")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.New(apperr.KindUnauthorized, "Invalid or expired token")
	case resp.StatusCode != http.StatusOK:
		v.log.WithField("status", resp.StatusCode).Warn("identity provider error")
		return nil, apperr.New(apperr.KindUpstream, fmt.Sprintf("identity provider returned status %d", resp.StatusCode))
	}

	var parsed userResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "Failed to parse identity response")
	}
	id, err := uuid.Parse(parsed.ID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnauthorized, "Invalid user")
	}

	user := &User{ID: id, Email: parsed.Email}
	v.cache.SetDefault(key, user)
	return user, nil
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

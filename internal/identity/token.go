package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenSource obtains an access token for one connection attempt.
type TokenSource interface {
	AccessToken(ctx context.Context, id Identity) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

// AccessToken implements TokenSource.
func (s StaticToken) AccessToken(context.Context, Identity) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: static token is empty", ErrHandshakeFatal)
	}
	return string(s), nil
}

// HTTPTokenSource posts the identity to a token endpoint and reads
// data.accessToken from the reply.
type HTTPTokenSource struct {
	url       string
	appKey    string
	userAgent string
	client    *http.Client
}

// NewHTTPTokenSource creates a token source for url.
func NewHTTPTokenSource(url, appKey, userAgent string) *HTTPTokenSource {
	return &HTTPTokenSource{
		url:       url,
		appKey:    appKey,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenRequest struct {
	AppKey   string `json:"appKey"`
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
}

type tokenResponse struct {
	Ret  []string `json:"ret"`
	Data struct {
		AccessToken string `json:"accessToken"`
	} `json:"data"`
}

// AccessToken implements TokenSource. A well-formed reply without a token
// wraps ErrHandshakeFatal.
func (s *HTTPTokenSource) AccessToken(ctx context.Context, id Identity) (string, error) {
	body, err := json.Marshal(tokenRequest{AppKey: s.appKey, DeviceID: id.DeviceID, UserID: id.SelfID})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", id.Cookies)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Data.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no accessToken (ret=%v)", ErrHandshakeFatal, tr.Ret)
	}
	return tr.Data.AccessToken, nil
}

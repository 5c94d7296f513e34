package enrollgate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

type RefreshTokenSourceOptions struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	HTTPClient   *http.Client
	// ExpirySkew is subtracted from the reported token lifetime so a
	// token is refreshed before it actually expires mid-call.
	ExpirySkew time.Duration
}

// RefreshTokenSource exchanges a long-lived OAuth refresh token for
// short-lived access tokens and caches them until shortly before
// expiry. It is the token-provider capability behind
// AccessTokenProvider; the core never sees the grant mechanics.
type RefreshTokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string
	httpClient   *http.Client
	expirySkew   time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewRefreshTokenSource(opts RefreshTokenSourceOptions) (*RefreshTokenSource, error) {
	if strings.TrimSpace(opts.ClientID) == "" ||
		strings.TrimSpace(opts.ClientSecret) == "" ||
		strings.TrimSpace(opts.RefreshToken) == "" {
		return nil, ErrInvalidInput
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	expirySkew := opts.ExpirySkew
	if expirySkew <= 0 {
		expirySkew = 30 * time.Second
	}
	return &RefreshTokenSource{
		tokenURL:     tokenURL,
		clientID:     strings.TrimSpace(opts.ClientID),
		clientSecret: strings.TrimSpace(opts.ClientSecret),
		refreshToken: strings.TrimSpace(opts.RefreshToken),
		httpClient:   httpClient,
		expirySkew:   expirySkew,
	}, nil
}

// Token returns a valid access token, refreshing through the grant
// endpoint when the cached one is missing or near expiry. Callers
// racing on an expired token serialize on the mutex so the endpoint
// sees one refresh, not a stampede.
func (s *RefreshTokenSource) Token(ctx context.Context) (string, error) {
	if s == nil {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Now().Before(s.expiresAt) {
		return s.token, nil
	}

	form := url.Values{}
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)
	form.Set("refresh_token", s.refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("token refresh failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", fmt.Errorf("token refresh returned no access token")
	}

	s.token = payload.AccessToken
	if payload.ExpiresIn > 0 {
		s.expiresAt = time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - s.expirySkew)
	} else {
		// No lifetime reported: use the token once per call window.
		s.expiresAt = time.Now().Add(time.Minute)
	}
	return s.token, nil
}

// Provider adapts the source to the AccessTokenProvider capability.
func (s *RefreshTokenSource) Provider() AccessTokenProvider {
	return s.Token
}

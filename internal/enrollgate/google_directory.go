package enrollgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// AccessTokenProvider supplies a bearer credential for directory
// calls. Token acquisition and refresh are owned by the provider, not
// by the core.
type AccessTokenProvider func(ctx context.Context) (string, error)

type DirectoryClientOptions struct {
	BaseURL           string
	TokenProvider     AccessTokenProvider
	HTTPClient        *http.Client
	UserAgent         string
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPDirectoryClient talks to a Google-Workspace-style Admin
// Directory API. Transient failures (429, 5xx, network errors) are
// retried with capped exponential backoff honoring Retry-After;
// outbound calls are throttled through a token bucket so a burst of
// registrations cannot trip the Admin API quota.
type HTTPDirectoryClient struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	limiter       *rate.Limiter
}

func NewHTTPDirectoryClient(opts DirectoryClientOptions) *HTTPDirectoryClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://admin.googleapis.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 5
	}
	return &HTTPDirectoryClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type googleUserName struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

type googleUser struct {
	PrimaryEmail  string         `json:"primaryEmail"`
	Name          googleUserName `json:"name"`
	RecoveryEmail string         `json:"recoveryEmail,omitempty"`
	OrgUnitPath   string         `json:"orgUnitPath,omitempty"`
	Archived      bool           `json:"archived,omitempty"`
	Suspended     bool           `json:"suspended,omitempty"`
}

func (u googleUser) toDirectoryUser() *DirectoryUser {
	return &DirectoryUser{
		PrimaryEmail:  u.PrimaryEmail,
		GivenName:     u.Name.GivenName,
		FamilyName:    u.Name.FamilyName,
		RecoveryEmail: u.RecoveryEmail,
		OrgUnitPath:   u.OrgUnitPath,
		Archived:      u.Archived,
		Suspended:     u.Suspended,
	}
}

func (c *HTTPDirectoryClient) GetUser(ctx context.Context, identity string) (*DirectoryUser, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidInput
	}
	var user googleUser
	err := c.doJSON(ctx, http.MethodGet, "/admin/directory/v1/users/"+url.PathEscape(identity), nil, nil, &user)
	if err != nil {
		return nil, err
	}
	return user.toDirectoryUser(), nil
}

func (c *HTTPDirectoryClient) CreateUser(ctx context.Context, user NewDirectoryUser) (*DirectoryUser, error) {
	if strings.TrimSpace(user.PrimaryEmail) == "" {
		return nil, ErrInvalidInput
	}
	payload := struct {
		PrimaryEmail              string         `json:"primaryEmail"`
		Name                      googleUserName `json:"name"`
		Password                  string         `json:"password"`
		RecoveryEmail             string         `json:"recoveryEmail,omitempty"`
		OrgUnitPath               string         `json:"orgUnitPath,omitempty"`
		Archived                  bool           `json:"archived,omitempty"`
		ChangePasswordAtNextLogin bool           `json:"changePasswordAtNextLogin,omitempty"`
	}{
		PrimaryEmail:              user.PrimaryEmail,
		Name:                      googleUserName{GivenName: user.GivenName, FamilyName: user.FamilyName},
		Password:                  user.Password,
		RecoveryEmail:             user.RecoveryEmail,
		OrgUnitPath:               user.OrgUnitPath,
		Archived:                  user.Archived,
		ChangePasswordAtNextLogin: user.ChangePasswordAtNextLogin,
	}
	var created googleUser
	err := c.doJSON(ctx, http.MethodPost, "/admin/directory/v1/users", nil, payload, &created)
	if err != nil {
		return nil, err
	}
	return created.toDirectoryUser(), nil
}

func (c *HTTPDirectoryClient) DeleteUser(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodDelete, "/admin/directory/v1/users/"+url.PathEscape(identity), nil, nil, nil)
}

func (c *HTTPDirectoryClient) ListAliases(ctx context.Context, identity string) ([]string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidInput
	}
	var resp struct {
		Aliases []struct {
			Alias string `json:"alias"`
		} `json:"aliases"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/admin/directory/v1/users/"+url.PathEscape(identity)+"/aliases", nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	aliases := make([]string, 0, len(resp.Aliases))
	for _, entry := range resp.Aliases {
		if entry.Alias != "" {
			aliases = append(aliases, entry.Alias)
		}
	}
	return aliases, nil
}

func (c *HTTPDirectoryClient) AddAlias(ctx context.Context, identity, alias string) error {
	identity = strings.TrimSpace(identity)
	alias = strings.TrimSpace(alias)
	if identity == "" || alias == "" {
		return ErrInvalidInput
	}
	payload := struct {
		Alias string `json:"alias"`
	}{Alias: alias}
	return c.doJSON(ctx, http.MethodPost, "/admin/directory/v1/users/"+url.PathEscape(identity)+"/aliases", nil, payload, nil)
}

func (c *HTTPDirectoryClient) DeleteAlias(ctx context.Context, identity, alias string) error {
	identity = strings.TrimSpace(identity)
	alias = strings.TrimSpace(alias)
	if identity == "" || alias == "" {
		return ErrInvalidInput
	}
	path := "/admin/directory/v1/users/" + url.PathEscape(identity) + "/aliases/" + url.PathEscape(alias)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *HTTPDirectoryClient) ListUsers(ctx context.Context, domain, pageToken string, maxResults int) (UserPage, error) {
	domain = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	if domain == "" {
		return UserPage{}, ErrInvalidInput
	}
	if maxResults <= 0 || maxResults > 500 {
		maxResults = 500
	}
	query := url.Values{}
	query.Set("domain", domain)
	query.Set("maxResults", strconv.Itoa(maxResults))
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	var resp struct {
		Users         []googleUser `json:"users"`
		NextPageToken string       `json:"nextPageToken"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/admin/directory/v1/users", query, nil, &resp)
	if err != nil {
		return UserPage{}, err
	}
	page := UserPage{NextPageToken: resp.NextPageToken}
	for _, user := range resp.Users {
		page.Users = append(page.Users, *user.toDirectoryUser())
	}
	return page, nil
}

func (c *HTTPDirectoryClient) doJSON(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	if c == nil {
		return fmt.Errorf("directory client is nil")
	}
	tokenProvider := c.tokenProvider
	if tokenProvider == nil {
		return fmt.Errorf("directory token provider is required")
	}
	token, err := tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("%w: token: %v", ErrDirectoryUnavailable, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrDirectoryUnavailable)
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return err
				}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return ErrDirectoryNotFound
		case resp.StatusCode == http.StatusConflict:
			return ErrDirectoryConflict
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return fmt.Errorf("directory call failed: status=%d message=%s", resp.StatusCode, directoryErrorMessage(respBody))
	}
}

func (c *HTTPDirectoryClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func directoryErrorMessage(body []byte) string {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		message = parsed.Error.Message
	}
	return message
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

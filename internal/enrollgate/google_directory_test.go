package enrollgate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func staticToken(token string) AccessTokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

func newTestDirectoryClient(serverURL string) *HTTPDirectoryClient {
	return NewHTTPDirectoryClient(DirectoryClientOptions{
		BaseURL:           serverURL,
		TokenProvider:     staticToken("test-token"),
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		RequestsPerSecond: 1000,
		Burst:             1000,
	})
}

func TestDirectoryGetUserSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if r.URL.Path != "/admin/directory/v1/users/ada@students.example.edu" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"primaryEmail": "ada@students.example.edu",
			"name":         map[string]string{"givenName": "Ada", "familyName": "Lovelace"},
		})
	}))
	defer server.Close()

	client := newTestDirectoryClient(server.URL)
	user, err := client.GetUser(context.Background(), "ada@students.example.edu")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.PrimaryEmail != "ada@students.example.edu" || user.GivenName != "Ada" {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestDirectoryMapsNotFoundAndConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		}
	}))
	defer server.Close()

	client := newTestDirectoryClient(server.URL)
	if _, err := client.GetUser(context.Background(), "ghost@students.example.edu"); !errors.Is(err, ErrDirectoryNotFound) {
		t.Fatalf("expected ErrDirectoryNotFound, got %v", err)
	}
	_, err := client.CreateUser(context.Background(), NewDirectoryUser{PrimaryEmail: "ada@students.example.edu"})
	if !errors.Is(err, ErrDirectoryConflict) {
		t.Fatalf("expected ErrDirectoryConflict, got %v", err)
	}
}

func TestDirectoryRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"primaryEmail": "ada@students.example.edu"})
	}))
	defer server.Close()

	client := newTestDirectoryClient(server.URL)
	if _, err := client.GetUser(context.Background(), "ada@students.example.edu"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDirectoryGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestDirectoryClient(server.URL)
	_, err := client.GetUser(context.Background(), "ada@students.example.edu")
	if err == nil {
		t.Fatalf("expected terminal failure")
	}
	// Default of 3 retries means 4 attempts total.
	if calls.Load() != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls.Load())
	}
}

func TestDirectoryDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid orgUnitPath"}}`))
	}))
	defer server.Close()

	client := newTestDirectoryClient(server.URL)
	_, err := client.CreateUser(context.Background(), NewDirectoryUser{PrimaryEmail: "ada@students.example.edu"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", calls.Load())
	}
	if want := "invalid orgUnitPath"; !strings.Contains(err.Error(), want) {
		t.Fatalf("expected parsed error message %q in %q", want, err.Error())
	}
}

func TestDirectoryTokenFailureIsUnavailable(t *testing.T) {
	client := NewHTTPDirectoryClient(DirectoryClientOptions{
		BaseURL: "http://127.0.0.1:1",
		TokenProvider: func(context.Context) (string, error) {
			return "", errors.New("grant rejected")
		},
	})
	_, err := client.GetUser(context.Background(), "ada@students.example.edu")
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("expected ErrDirectoryUnavailable, got %v", err)
	}
}

func TestDirectoryListUsersPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("domain"); got != "students.example.edu" {
			t.Errorf("unexpected domain %q", got)
		}
		if r.URL.Query().Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"users":         []map[string]any{{"primaryEmail": "ada@students.example.edu"}},
				"nextPageToken": "page-2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{{"primaryEmail": "grace@students.example.edu"}},
		})
	}))
	defer server.Close()

	client := newTestDirectoryClient(server.URL)
	first, err := client.ListUsers(context.Background(), "students.example.edu", "", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Users) != 1 || first.NextPageToken != "page-2" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := client.ListUsers(context.Background(), "students.example.edu", first.NextPageToken, 100)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second.Users) != 1 || second.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewHTTPDirectoryClient(DirectoryClientOptions{
		TokenProvider: staticToken("x"),
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
	})
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != 2*time.Second {
		t.Fatalf("Retry-After must be capped at max delay, got %s", got)
	}
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected doubled delay, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
}

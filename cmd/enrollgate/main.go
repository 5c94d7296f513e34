package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/campusworks/enrollgate/internal/enrollgate"
	"github.com/campusworks/enrollgate/internal/httpapi"
)

func main() {
	addr := envOrDefault("ENROLLGATE_ADDR", ":8080")
	emailDomain := strings.TrimSpace(os.Getenv("ENROLLGATE_EMAIL_DOMAIN"))
	if emailDomain == "" {
		log.Fatalf("ENROLLGATE_EMAIL_DOMAIN is required")
	}

	counter, err := enrollgate.BuildCounterStoreFromDSN(
		envOrDefault("ENROLLGATE_COUNTER_DSN", "memory://"),
		intEnv("ENROLLGATE_DEFAULT_LIMIT", 200),
	)
	if err != nil {
		log.Fatalf("failed to initialize counter store: %v", err)
	}
	defer counter.Close()

	directory := buildDirectoryClientFromEnv()
	validator, err := enrollgate.NewAttributeValidator()
	if err != nil {
		log.Fatalf("failed to compile registration schema: %v", err)
	}
	events := enrollgate.NewEventHub(intEnv("ENROLLGATE_EVENT_BUFFER", 64))

	service, err := enrollgate.NewService(enrollgate.ServiceOptions{
		Counter:          counter,
		Directory:        directory,
		Validator:        validator,
		Events:           events,
		Logger:           log.Default(),
		MinTrustLevel:    intEnv("ENROLLGATE_MIN_TRUST_LEVEL", 3),
		EmailDomain:      emailDomain,
		SecondaryPrefix:  envOrDefault("ENROLLGATE_SECONDARY_PREFIX", "kst_"),
		SecondaryOrgUnit: strings.TrimSpace(os.Getenv("ENROLLGATE_SECONDARY_ORG_UNIT")),
		CredentialBytes:  intEnv("ENROLLGATE_CREDENTIAL_BYTES", 12),
	})
	if err != nil {
		log.Fatalf("failed to initialize service: %v", err)
	}

	auditor, err := enrollgate.NewAuditor(enrollgate.AuditorOptions{
		Counter:         counter,
		Directory:       directory,
		Events:          events,
		Logger:          log.Default(),
		Domain:          emailDomain,
		SecondaryPrefix: envOrDefault("ENROLLGATE_SECONDARY_PREFIX", "kst_"),
		Interval:        durationEnv("ENROLLGATE_AUDIT_INTERVAL", time.Hour),
		Jitter:          floatEnv("ENROLLGATE_AUDIT_JITTER", 0.2),
	})
	if err != nil {
		log.Fatalf("failed to initialize auditor: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(os.Getenv("ENROLLGATE_AUDIT_DISABLED")) != "true" {
		go auditor.Run(rootCtx)
	}
	if limitFile := strings.TrimSpace(os.Getenv("ENROLLGATE_LIMIT_FILE")); limitFile != "" {
		watcher, err := enrollgate.NewLimitFileWatcher(limitFile, service, log.Default())
		if err != nil {
			log.Fatalf("failed to initialize limit file watcher: %v", err)
		}
		go func() {
			if err := watcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("limit file watcher stopped: %v", err)
			}
		}()
	}

	handler := httpapi.NewServer(httpapi.ServerOptions{
		Service: service,
		Auditor: auditor,
		Events:  events,
		Counter: counter,
		Logger:  log.Default(),
		Config: httpapi.ServerConfig{
			AdminAPIKey:       strings.TrimSpace(os.Getenv("ENROLLGATE_ADMIN_API_KEY")),
			RateLimitMax:      intEnv("ENROLLGATE_RATE_LIMIT_MAX", 0),
			RateLimitWindow:   durationEnv("ENROLLGATE_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:      int64Env("ENROLLGATE_MAX_BODY_BYTES", 0),
			EventWriteTimeout: durationEnv("ENROLLGATE_EVENT_WRITE_TIMEOUT", 5*time.Second),
		},
	})

	server := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("enrollgate listening on %s (domain=%s)", addr, emailDomain)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("enrollgate stopped")
}

func buildDirectoryClientFromEnv() enrollgate.DirectoryClient {
	var provider enrollgate.AccessTokenProvider
	if staticToken := strings.TrimSpace(os.Getenv("ENROLLGATE_STATIC_TOKEN")); staticToken != "" {
		// Development escape hatch: a fixed bearer token skips the
		// OAuth refresh-token grant.
		provider = func(context.Context) (string, error) { return staticToken, nil }
	} else {
		source, err := enrollgate.NewRefreshTokenSource(enrollgate.RefreshTokenSourceOptions{
			TokenURL:     strings.TrimSpace(os.Getenv("ENROLLGATE_TOKEN_URL")),
			ClientID:     strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_SECRET")),
			RefreshToken: strings.TrimSpace(os.Getenv("GOOGLE_REFRESH_TOKEN")),
		})
		if err != nil {
			log.Fatalf("directory credentials are required (GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, GOOGLE_REFRESH_TOKEN): %v", err)
		}
		provider = source.Provider()
	}
	return enrollgate.NewHTTPDirectoryClient(enrollgate.DirectoryClientOptions{
		BaseURL:           strings.TrimSpace(os.Getenv("ENROLLGATE_DIRECTORY_BASE_URL")),
		TokenProvider:     provider,
		HTTPClient:        &http.Client{Timeout: durationEnv("ENROLLGATE_DIRECTORY_TIMEOUT", 20*time.Second)},
		UserAgent:         "enrollgate/1.0",
		MaxRetries:        intEnv("ENROLLGATE_DIRECTORY_MAX_RETRIES", 3),
		RequestsPerSecond: floatEnv("ENROLLGATE_DIRECTORY_RPS", 10),
		Burst:             intEnv("ENROLLGATE_DIRECTORY_BURST", 5),
	})
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

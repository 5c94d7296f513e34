package httpapi

import (
	"context"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/campusworks/enrollgate/internal/enrollgate"
)

type ServerConfig struct {
	// AdminAPIKey guards the /v1/admin endpoints; empty disables them.
	AdminAPIKey     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// EventWriteTimeout bounds each websocket send; a subscriber that
	// cannot keep up is dropped.
	EventWriteTimeout time.Duration
}

type Server struct {
	service     *enrollgate.Service
	auditor     *enrollgate.Auditor
	events      *enrollgate.EventHub
	counter     enrollgate.CounterStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *log.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ServerOptions struct {
	Service *enrollgate.Service
	Auditor *enrollgate.Auditor
	Events  *enrollgate.EventHub
	Counter enrollgate.CounterStore
	Logger  *log.Logger
	Config  ServerConfig
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventWriteTimeout <= 0 {
		cfg.EventWriteTimeout = 5 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		service:     opts.Service,
		auditor:     opts.Auditor,
		events:      opts.Events,
		counter:     opts.Counter,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/v1/register" && r.Method == http.MethodPost:
		s.handleRegister(w, r, correlationID)
	case r.URL.Path == "/v1/account/delete" && r.Method == http.MethodPost:
		s.handleAccountDelete(w, r, correlationID)
	case r.URL.Path == "/v1/aliases" && r.Method == http.MethodGet:
		s.handleAliasList(w, r, correlationID)
	case r.URL.Path == "/v1/aliases/add" && r.Method == http.MethodPost:
		s.handleAliasAdd(w, r, correlationID)
	case r.URL.Path == "/v1/aliases/delete" && r.Method == http.MethodPost:
		s.handleAliasDelete(w, r, correlationID)
	case r.URL.Path == "/v1/secondary" && r.Method == http.MethodPost:
		s.handleSecondaryCreate(w, r, correlationID)
	case r.URL.Path == "/v1/secondary/delete" && r.Method == http.MethodPost:
		s.handleSecondaryDelete(w, r, correlationID)
	case r.URL.Path == "/v1/admin/counter" && r.Method == http.MethodGet:
		s.handleAdminCounter(w, r, correlationID)
	case r.URL.Path == "/v1/admin/limit" && r.Method == http.MethodPost:
		s.handleAdminLimit(w, r, correlationID)
	case r.URL.Path == "/v1/admin/audit" && r.Method == http.MethodGet:
		s.handleAdminAudit(w, r, correlationID)
	case r.URL.Path == "/v1/admin/events" && r.Method == http.MethodGet:
		s.handleAdminEvents(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleHealth reports liveness plus a best-effort counter store
// probe. A failed probe degrades the payload, not the status code, so
// orchestrators keep routing while the store recovers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]string{"status": "ok", "counterStore": "ok"}
	if s.counter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := enrollgate.PingCounterStore(ctx, s.counter); err != nil {
			payload["counterStore"] = "unavailable"
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type registerRequest struct {
	Attributes enrollgate.RegistrationAttributes `json:"attributes"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, correlationID string) {
	session, authErr := portalIdentity(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allowRate(w, session.Username, correlationID) {
		return
	}
	var req registerRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.service.Provision(r.Context(), enrollgate.ProvisionRequest{
		Username:      session.Username,
		TrustLevel:    session.TrustLevel,
		Attributes:    req.Attributes,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleAccountDelete removes the caller's own primary account. The
// target comes from the session cookie alone; the route takes no body,
// so a caller can never name someone else's identity.
func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request, correlationID string) {
	session, authErr := portalIdentity(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	primary := s.service.PrimaryIdentity(session.Username)
	result, err := s.service.Deprovision(r.Context(), enrollgate.DeprovisionRequest{
		Identity:              primary,
		CallerPrimaryIdentity: primary,
		TrustLevel:            session.TrustLevel,
		CorrelationID:         correlationID,
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	clearSessionCookies(w)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAliasList(w http.ResponseWriter, r *http.Request, correlationID string) {
	session, authErr := portalIdentity(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	aliases, err := s.service.Aliases(r.Context(), session.Username, session.TrustLevel)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if aliases == nil {
		aliases = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"aliases": aliases})
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

func (s *Server) handleAliasAdd(w http.ResponseWriter, r *http.Request, correlationID string) {
	session, authErr := portalIdentity(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	var req aliasRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	alias, err := s.service.AddAlias(r.Context(), session.Username, session.TrustLevel, req.Alias)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"alias": alias})
}

func (s *Server) handleAliasDelete(w http.ResponseWriter, r *http.Request, correlationID string) {
	session, authErr := portalIdentity(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	var req aliasRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.service.DeleteAlias(r.Context(), session.Username, session.TrustLevel, req.Alias); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSecondaryCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	session, authErr := portalIdentity(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allowRate(w, session.Username, correlationID) {
		return
	}
	result, err := s.service.ProvisionSecondary(r.Context(), enrollgate.SecondaryProvisionRequest{
		Username:      session.Username,
		TrustLevel:    session.TrustLevel,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleSecondaryDelete(w http.ResponseWriter, r *http.Request, correlationID string) {
	session, authErr := portalIdentity(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	result, err := s.service.Deprovision(r.Context(), enrollgate.DeprovisionRequest{
		Identity:              s.service.SecondaryIdentityFor(session.Username),
		CallerPrimaryIdentity: s.service.PrimaryIdentity(session.Username),
		TrustLevel:            session.TrustLevel,
		Secondary:             true,
		CorrelationID:         correlationID,
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminCounter(w http.ResponseWriter, r *http.Request, correlationID string) {
	if authErr := authorizeAdmin(r, s.cfg.AdminAPIKey); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	snapshot, err := s.service.CounterStatus(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type adminLimitRequest struct {
	Limit *int `json:"limit"`
}

func (s *Server) handleAdminLimit(w http.ResponseWriter, r *http.Request, correlationID string) {
	if authErr := authorizeAdmin(r, s.cfg.AdminAPIKey); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	var req adminLimitRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Limit == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing limit field", correlationID)
		return
	}
	snapshot, err := s.service.SetLimit(r.Context(), *req.Limit)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request, correlationID string) {
	if authErr := authorizeAdmin(r, s.cfg.AdminAPIKey); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.auditor == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit not configured", correlationID)
		return
	}
	report, err := s.auditor.RunOnce(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeServiceError maps workflow sentinels to HTTP outcomes. The
// split matters operationally: 4xx are terminal policy decisions, 502
// points at the directory, 503 points at the counter store.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, enrollgate.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_attributes", err.Error(), correlationID)
	case errors.Is(err, enrollgate.ErrInsufficientTrust):
		writeError(w, http.StatusForbidden, "insufficient_trust", err.Error(), correlationID)
	case errors.Is(err, enrollgate.ErrPrimaryAccountGuard):
		writeError(w, http.StatusForbidden, "primary_account_guard", err.Error(), correlationID)
	case errors.Is(err, enrollgate.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_registered", err.Error(), correlationID)
	case errors.Is(err, enrollgate.ErrQuotaExceeded):
		writeError(w, http.StatusConflict, "quota_exceeded", err.Error(), correlationID)
	case errors.Is(err, enrollgate.ErrDirectoryNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, enrollgate.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), correlationID)
	case errors.Is(err, enrollgate.ErrExternalCreateFailed),
		errors.Is(err, enrollgate.ErrExternalDeleteFailed),
		errors.Is(err, enrollgate.ErrDirectoryUnavailable):
		writeError(w, http.StatusBadGateway, "directory_error", err.Error(), correlationID)
	default:
		s.logger.Printf("internal error [%s]: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, key string, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(strings.ToLower(key), time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

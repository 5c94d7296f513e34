package httpapi

import (
	"crypto/hmac"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Session cookies set by the portal's OAuth flow. The service trusts
// them the way the portal does: requests arrive through the portal's
// reverse proxy, which strips client-supplied copies.
const (
	cookieUsername   = "oauthUsername"
	cookieUserID     = "oauthUserId"
	cookieTrustLevel = "oauthTrustLevel"
	cookieState      = "oauthState"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type portalSession struct {
	Username   string
	TrustLevel int
}

// portalIdentity reads the caller's session from the portal cookies.
// A missing username is unauthorized; a malformed trust level parses
// as zero and fails the workflow's eligibility floor downstream.
func portalIdentity(r *http.Request) (portalSession, *authError) {
	userCookie, err := r.Cookie(cookieUsername)
	if err != nil || strings.TrimSpace(userCookie.Value) == "" {
		return portalSession{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing portal session",
		}
	}
	session := portalSession{Username: strings.TrimSpace(userCookie.Value)}
	if trustCookie, err := r.Cookie(cookieTrustLevel); err == nil {
		if level, err := strconv.Atoi(strings.TrimSpace(trustCookie.Value)); err == nil {
			session.TrustLevel = level
		}
	}
	return session, nil
}

// authorizeAdmin checks the X-Api-Key header against the configured
// admin key in constant time.
func authorizeAdmin(r *http.Request, adminAPIKey string) *authError {
	if adminAPIKey == "" {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "admin api disabled",
		}
	}
	provided := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if provided == "" || !hmac.Equal([]byte(provided), []byte(adminAPIKey)) {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid api key",
		}
	}
	return nil
}

// clearSessionCookies expires the portal session cookies after
// deprovisioning, so the browser cannot keep acting for a deleted
// account.
func clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{cookieUsername, cookieUserID, cookieTrustLevel, cookieState} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
		})
	}
}

// Package enrollgate implements the admission-gated account
// provisioning core of the student portal: a durable registration
// counter with atomic server-side arithmetic, the quota gate, and the
// provisioning/deprovisioning workflows against the external
// directory service.
package enrollgate

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientTrust    = errors.New("insufficient trust level")
	ErrAlreadyExists        = errors.New("account already registered")
	ErrQuotaExceeded        = errors.New("registration quota exceeded")
	ErrPrimaryAccountGuard  = errors.New("refusing to delete primary account")
	ErrExternalCreateFailed = errors.New("directory create failed")
	ErrExternalDeleteFailed = errors.New("directory delete failed")
	ErrDirectoryUnavailable = errors.New("directory service unavailable")
	ErrStoreUnavailable     = errors.New("counter store unavailable")
)

// CanonicalIdentity derives the directory identity from a portal
// username: usernames that already carry a domain are kept, anything
// else gets the managed domain appended. Identities are lowercased so
// comparisons against the directory are case-insensitive.
func CanonicalIdentity(username, domain string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return ""
	}
	if strings.Contains(username, "@") {
		return strings.ToLower(username)
	}
	return strings.ToLower(username + "@" + strings.TrimPrefix(strings.TrimSpace(domain), "@"))
}

// SecondaryIdentity derives the fixed companion-account identity for a
// portal username. The domain part of the username, if any, is
// discarded before prefixing.
func SecondaryIdentity(username, prefix, domain string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return ""
	}
	local := username
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	return strings.ToLower(prefix + local + "@" + strings.TrimPrefix(strings.TrimSpace(domain), "@"))
}

// IdentityEqual compares two directory identities case-insensitively.
func IdentityEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// SplitFullName splits a free-form full name into given and family
// name. A single-word name doubles as both, because the directory
// service rejects empty family names.
func SplitFullName(fullName string) (givenName, familyName string) {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return "", ""
	}
	givenName = fields[0]
	familyName = strings.Join(fields[1:], " ")
	if familyName == "" {
		familyName = givenName
	}
	return givenName, familyName
}

// GenerateCredential returns a hex-encoded random credential of n
// random bytes. The caller delivers it exactly once; it is never
// stored or re-derivable.
func GenerateCredential(n int) (string, error) {
	if n <= 0 {
		n = 12
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

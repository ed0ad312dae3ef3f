// Package auth keeps a usable feed credential alive. A Manager runs an ordered chain of
// acquisition methods, persists the result through a Store, refreshes it ahead of expiry and
// debounces refresh requests coming from feed auth errors.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Acquisition method names, recorded on the credential and in metrics.
const (
	MethodPage    = "page_html"
	MethodConfig  = "rest_api"
	MethodBrowser = "browser"
	MethodEnv     = "env"
	MethodRemote  = "auth_manager"
)

// DefaultTTL applies when a token carries no exp claim.
const DefaultTTL = time.Hour

var (
	// ErrNoCredential means no credential is held.
	ErrNoCredential = errors.New("auth: no credential")
	// ErrAllMethodsFailed means every method of the chain failed.
	ErrAllMethodsFailed = errors.New("auth: all acquisition methods failed")
)

// Credential is the token bundle needed for an authenticated feed connection.
type Credential struct {
	Token        string    `json:"token"`
	CFClearance  string    `json:"cf_clearance"`
	WSURL        string    `json:"ws_url"`
	SubjectID    string    `json:"subject_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Method       string    `json:"method"`
	AcquiredAt   time.Time `json:"acquired_at"`
	RefreshCount int       `json:"refresh_count"`
}

// RemainingSeconds returns the whole seconds left before expiry at now, never negative.
func (c Credential) RemainingSeconds(now time.Time) int {
	if c.Token == "" || c.ExpiresAt.IsZero() {
		return 0
	}
	d := c.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// IsValid reports whether more than margin remains before expiry.
func (c Credential) IsValid(margin time.Duration, now time.Time) bool {
	rem := c.RemainingSeconds(now)
	return rem > 0 && time.Duration(rem)*time.Second > margin
}

// JWTExpiry returns the exp claim of a JWT, if it has one.
func JWTExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp json.Number `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.Exp.Int64()
	if err != nil || exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(exp, 0), true
}

// expiryFor returns the token's exp claim, or acquired plus DefaultTTL.
func expiryFor(token string, acquired time.Time) time.Time {
	if exp, ok := JWTExpiry(token); ok {
		return exp
	}
	return acquired.Add(DefaultTTL)
}

// Mask returns a log-safe rendering of a secret: *** plus the last 6 characters.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 6 {
		return "***"
	}
	return "***" + secret[len(secret)-6:]
}

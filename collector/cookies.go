package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	cookieTTL        = 5 * time.Minute
	sessionCookieKey = "stripchat_com_sessionId"
)

// CookieCache holds the session cookie used for authenticated viewer-list calls. The
// value is reloaded after TTL or after Invalidate.
type CookieCache struct {
	Load func(ctx context.Context) (string, error)
	TTL  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	value   string
	fetched time.Time
}

// NewCookieCache returns a cache over load with a five minute TTL.
func NewCookieCache(load func(ctx context.Context) (string, error), now func() time.Time) *CookieCache {
	if now == nil {
		now = time.Now
	}
	return &CookieCache{Load: load, TTL: cookieTTL, now: now}
}

// Get returns the cached cookie header value, loading it when stale. Load errors yield
// an empty value; the viewer call then goes out unauthenticated.
func (c *CookieCache) Get(ctx context.Context) (string, error) {
	if c == nil || c.Load == nil {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetched.IsZero() && c.now().Sub(c.fetched) < c.TTL {
		return c.value, nil
	}
	v, err := c.Load(ctx)
	if err != nil {
		return "", err
	}
	c.value = v
	c.fetched = c.now()
	return v, nil
}

// Invalidate forces the next Get to reload.
func (c *CookieCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = ""
	c.fetched = time.Time{}
}

// SQLCookieLoader reads the newest active platform_sessions row of the account.
func SQLCookieLoader(database *sql.DB, accountID string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		var raw string
		err := database.QueryRowContext(ctx, `SELECT session_cookie FROM platform_sessions
			WHERE account_id=$1 AND is_active=TRUE
			ORDER BY updated_at DESC LIMIT 1`, accountID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("load session cookie: %w", err)
		}
		return cookieHeader(raw), nil
	}
}

// cookieHeader accepts either a full cookie string or a bare session id.
func cookieHeader(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "=") {
		return raw
	}
	return sessionCookieKey + "=" + raw
}

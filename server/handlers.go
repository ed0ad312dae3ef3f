package server

import (
	"context"
	"net/http"
	"time"

	"github.com/onnwee/castwatch/auth"
	"github.com/onnwee/castwatch/collector"
)

// refreshLimit bounds POST /refresh per client per minute.
const refreshLimit = 6

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StatusSource reports the collector state; *collector.Collector implements it.
type StatusSource interface {
	Snapshot() collector.HealthRecord
}

// CredentialSource is the part of auth.Manager served by the auth manager.
type CredentialSource interface {
	Current() (auth.Credential, bool)
	Refresh(ctx context.Context) (auth.Credential, error)
	Status() auth.Status
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db      Pinger
	status  StatusSource
	creds   CredentialSource
	limiter *ipRateLimiter
}

// NewCollectorMux serves the collector probe endpoints and metrics.
func NewCollectorMux(db Pinger, status StatusSource) http.Handler {
	h := &Handlers{db: db, status: status}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.Handle("/status", methodOnly(http.MethodGet, h.HandleStatus))
	return withCorrelation("collector-http", mux)
}

// NewAuthMux serves the shared credential. POST /refresh is token protected when token is
// set and rate limited per client; ctx bounds the limiter cleanup goroutine.
func NewAuthMux(ctx context.Context, creds CredentialSource, token string) http.Handler {
	h := &Handlers{creds: creds, limiter: newIPRateLimiter(refreshLimit, time.Minute)}
	go h.limiter.cleanupLoop(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler())
	mux.Handle("/auth", methodOnly(http.MethodGet, h.HandleAuth))
	mux.Handle("/health", methodOnly(http.MethodGet, h.HandleAuthHealth))
	mux.Handle("/refresh", tokenAuth(rateLimitMiddleware(methodOnly(http.MethodPost, h.HandleRefresh), h.limiter), token))
	return withCorrelation("auth-manager-http", mux)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/castwatch/telemetry"
)

// Decision tells a feed owner what to do after reporting an auth error.
type Decision int

const (
	// DecisionRefreshed means a new acquisition ran; reconnect with the returned credential.
	DecisionRefreshed Decision = iota
	// DecisionReconnect means a refresh happened within the debounce window; reconnect
	// with the unchanged credential.
	DecisionReconnect
)

func (d Decision) String() string {
	if d == DecisionReconnect {
		return "reconnect"
	}
	return "refreshed"
}

// Options configures a Manager.
type Options struct {
	Methods []Method
	Store   Store
	// Margin is the remaining lifetime at or below which the refresh loop re-acquires.
	Margin time.Duration
	// Debounce is the minimum spacing between auth-error driven refreshes.
	Debounce time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Manager owns the single credential of a process.
type Manager struct {
	methods  []Method
	store    Store
	margin   time.Duration
	debounce time.Duration
	now      func() time.Time
	log      *slog.Logger

	sf         singleflight.Group
	inProgress atomic.Bool // set only inside the singleflight call
	loop       sync.Mutex  // serializes CheckAndRefresh

	mu          sync.RWMutex
	cred        *Credential
	lastAttempt time.Time
	lastErr     error
}

// NewManager builds a manager. Margin defaults to 30 minutes and Debounce to 10 seconds.
func NewManager(opts Options) *Manager {
	if opts.Margin <= 0 {
		opts.Margin = 30 * time.Minute
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Manager{
		methods:  opts.Methods,
		store:    opts.Store,
		margin:   opts.Margin,
		debounce: opts.Debounce,
		now:      opts.Now,
		log:      lg.With(slog.String("component", "auth")),
	}
}

// Current returns a copy of the held credential.
func (m *Manager) Current() (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return Credential{}, false
	}
	return *m.cred, true
}

// RemainingSeconds returns the seconds until the held credential expires, or 0.
func (m *Manager) RemainingSeconds() int {
	c, ok := m.Current()
	if !ok {
		return 0
	}
	return c.RemainingSeconds(m.now())
}

// IsValid reports whether the held credential has more than margin left.
func (m *Manager) IsValid(margin time.Duration) bool {
	c, ok := m.Current()
	return ok && c.IsValid(margin, m.now())
}

// Acquire runs the method chain and installs the first credential obtained. Concurrent
// callers share one in-flight acquisition.
func (m *Manager) Acquire(ctx context.Context) (Credential, error) {
	v, err, shared := m.sf.Do("acquire", func() (any, error) {
		m.inProgress.Store(true)
		defer m.inProgress.Store(false)
		return m.acquire(ctx)
	})
	if shared {
		m.log.Debug("joined in-flight acquisition")
	}
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (m *Manager) acquire(ctx context.Context) (Credential, error) {
	ctx, span := telemetry.StartSpan(ctx, "auth", "auth.acquire", attribute.Int("methods", len(m.methods)))
	defer span.End()
	start := time.Now()
	defer func() {
		if telemetry.AuthAcquireDuration != nil {
			telemetry.AuthAcquireDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var errs []error
	for _, meth := range m.methods {
		c, err := meth.Acquire(ctx)
		if err == nil && (c == nil || c.Token == "") {
			err = errors.New("empty credential")
		}
		if err != nil {
			telemetry.IncAuthAcquisition(meth.Name(), "failed")
			m.log.Warn("credential method failed", slog.String("method", meth.Name()), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("%s: %w", meth.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		telemetry.IncAuthAcquisition(meth.Name(), "ok")
		installed := m.install(*c, meth.Name() != MethodRemote)
		m.persist(ctx, installed)
		m.log.Info("credential acquired",
			slog.String("method", installed.Method),
			slog.String("token", Mask(installed.Token)),
			slog.Int("remaining_seconds", installed.RemainingSeconds(m.now())),
			slog.Int("refresh_count", installed.RefreshCount))
		span.SetAttributes(attribute.String("method", installed.Method))
		telemetry.SetSpanSuccess(span)
		return installed, nil
	}

	err := fmt.Errorf("%w: %w", ErrAllMethodsFailed, errors.Join(errs...))
	m.mu.Lock()
	m.lastAttempt = m.now()
	m.lastErr = err
	m.mu.Unlock()
	telemetry.RecordError(span, err)
	m.log.Error("all credential methods failed; continuing without feed token", slog.Any("err", err))
	return Credential{}, err
}

// install replaces the held credential. Locally acquired credentials count refreshes on
// top of the previous one.
func (m *Manager) install(c Credential, countRefresh bool) Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if countRefresh {
		prev := 0
		if m.cred != nil {
			prev = m.cred.RefreshCount
		}
		c.RefreshCount = prev + 1
	}
	m.cred = &c
	m.lastAttempt = m.now()
	m.lastErr = nil
	telemetry.SetAuthRemaining(c.RemainingSeconds(m.now()))
	return c
}

func (m *Manager) persist(ctx context.Context, c Credential) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, c); err != nil {
		m.log.Warn("failed to persist credential", slog.Any("err", err))
	}
}

// Persist writes the held credential to the store.
func (m *Manager) Persist(ctx context.Context) error {
	c, ok := m.Current()
	if !ok {
		return ErrNoCredential
	}
	if m.store == nil {
		return nil
	}
	return m.store.Save(ctx, c)
}

// Restore loads a persisted credential and keeps it when it is still valid beyond the
// refresh margin. It reports whether a credential was installed.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	c, err := m.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("restore credential: %w", err)
	}
	if c == nil || c.Token == "" {
		return false, nil
	}
	if !c.IsValid(m.margin, m.now()) {
		m.log.Info("persisted credential too close to expiry, ignoring",
			slog.Int("remaining_seconds", c.RemainingSeconds(m.now())))
		return false, nil
	}
	m.mu.Lock()
	m.cred = c
	m.mu.Unlock()
	telemetry.SetAuthRemaining(c.RemainingSeconds(m.now()))
	m.log.Info("credential restored",
		slog.String("method", c.Method),
		slog.Int("remaining_seconds", c.RemainingSeconds(m.now())))
	return true, nil
}

// CheckAndRefresh re-acquires when the remaining lifetime is at or below the margin.
// Overlapping calls return immediately while one is running. It reports whether an
// acquisition was started.
func (m *Manager) CheckAndRefresh(ctx context.Context) bool {
	remaining := m.RemainingSeconds()
	telemetry.SetAuthRemaining(remaining)
	if time.Duration(remaining)*time.Second > m.margin {
		return false
	}
	if !m.loop.TryLock() {
		return false
	}
	defer m.loop.Unlock()
	if remaining == 0 {
		m.log.Info("no valid credential, acquiring")
	} else {
		m.log.Info("credential expiring, refreshing", slog.Int("remaining_seconds", remaining))
	}
	_, _ = m.Acquire(ctx)
	return true
}

// Refresh forces one acquisition regardless of the remaining lifetime. Callers that
// overlap an acquisition already running, including the refresh loop's, share its result.
func (m *Manager) Refresh(ctx context.Context) (Credential, error) {
	return m.Acquire(ctx)
}

// ReportAuthError is called by a feed owner after the server rejected the token. Within
// the debounce window of the last acquisition it returns DecisionReconnect and the held
// credential unchanged; otherwise it refreshes.
func (m *Manager) ReportAuthError(ctx context.Context) (Decision, Credential, error) {
	m.mu.RLock()
	last := m.lastAttempt
	m.mu.RUnlock()
	if !last.IsZero() && m.now().Sub(last) < m.debounce {
		c, _ := m.Current()
		m.log.Debug("auth error debounced, reconnecting with held credential")
		return DecisionReconnect, c, nil
	}
	m.log.Warn("feed rejected credential, refreshing")
	c, err := m.Refresh(ctx)
	if err != nil {
		held, _ := m.Current()
		return DecisionRefreshed, held, err
	}
	return DecisionRefreshed, c, nil
}

// Run checks the credential every interval until ctx is done. The first check runs
// immediately, later ones are spread by up to ±20% jitter.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.CheckAndRefresh(ctx)
	for {
		jitterRange := int64(interval / 5)
		next := interval
		if jitterRange > 0 {
			//nolint:gosec // G404: scheduling jitter only
			next += time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
		}
		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		m.CheckAndRefresh(ctx)
	}
}

// Status summarizes the manager for health endpoints.
type Status struct {
	Valid            bool      `json:"valid"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Method           string    `json:"method,omitempty"`
	RefreshCount     int       `json:"refresh_count"`
	AcquiredAt       time.Time `json:"acquired_at,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Refreshing       bool      `json:"refreshing"`
}

// Status returns a snapshot for health reporting.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{Refreshing: m.inProgress.Load()}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	if m.cred != nil {
		now := m.now()
		st.Valid = m.cred.IsValid(0, now)
		st.RemainingSeconds = m.cred.RemainingSeconds(now)
		st.Method = m.cred.Method
		st.RefreshCount = m.cred.RefreshCount
		st.AcquiredAt = m.cred.AcquiredAt
	}
	return st
}

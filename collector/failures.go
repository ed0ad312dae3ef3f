package collector

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxRetries  = 5
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 60 * time.Second
)

// FailureTracker counts consecutive failures per key (for example "viewers:alice") and
// spaces out retries with capped exponential backoff. Callers use the count to decide
// whether a failure still deserves a warning.
type FailureTracker struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	count map[string]int
	next  map[string]time.Time
}

// NewFailureTracker returns a tracker with maxRetries 5 and backoff from 1s to 60s.
func NewFailureTracker(now func() time.Time) *FailureTracker {
	if now == nil {
		now = time.Now
	}
	return &FailureTracker{
		MaxRetries: defaultMaxRetries,
		Base:       defaultBackoffBase,
		Max:        defaultBackoffMax,
		now:        now,
		count:      map[string]int{},
		next:       map[string]time.Time{},
	}
}

// Delay is the backoff for the given attempt (1-based), with 10 to 30 percent jitter added.
func (t *FailureTracker) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := t.Base
	for i := 1; i < attempt && d < t.Max; i++ {
		d *= 2
	}
	if d > t.Max {
		d = t.Max
	}
	jitter := 0.1 + rand.Float64()*0.2 //nolint:gosec // G404: jitter does not need crypto randomness
	return d + time.Duration(float64(d)*jitter)
}

// RecordFailure notes a failure for key and schedules the next attempt. It returns false
// once the key has failed more than MaxRetries times in a row.
func (t *FailureTracker) RecordFailure(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count[key]++
	n := t.count[key]
	t.next[key] = t.now().Add(t.Delay(n))
	return n <= t.MaxRetries
}

// RecordSuccess clears the failure state of key.
func (t *FailureTracker) RecordSuccess(key string) { t.Reset(key) }

// ShouldRetry reports whether key may be attempted now.
func (t *FailureTracker) ShouldRetry(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	next, ok := t.next[key]
	return !ok || !t.now().Before(next)
}

// Failures returns the consecutive failure count of key.
func (t *FailureTracker) Failures(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count[key]
}

func (t *FailureTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.count, key)
	delete(t.next, key)
}

// ResetPrefix clears every key starting with prefix; an empty prefix clears everything.
func (t *FailureTracker) ResetPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.count {
		if strings.HasPrefix(k, prefix) {
			delete(t.count, k)
			delete(t.next, k)
		}
	}
}

package collector

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/castwatch/config"
	"github.com/onnwee/castwatch/testutil"
)

var uuidV5 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-5[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestSessionID(t *testing.T) {
	start := time.Date(2026, 3, 1, 20, 0, 0, 123e6, time.UTC)
	id := SessionID("acct", "alice", start)

	assert.Regexp(t, uuidV5, id)
	assert.Equal(t, id, SessionID("acct", "alice", start.In(time.FixedZone("JST", 9*3600))), "zone does not matter")
	assert.NotEqual(t, id, SessionID("acct", "alice", start.Add(time.Millisecond)))
	assert.NotEqual(t, id, SessionID("acct", "bob", start))
	assert.NotEqual(t, id, SessionID("other", "alice", start))
}

func TestSQLSessionStore(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	s := &SQLSessionStore{DB: database}
	account := "acct-" + uuid.NewString()[:8]
	start := time.Now().UTC().Truncate(time.Millisecond)

	first := Session{ID: SessionID(account, "alice", start), AccountID: account, CastName: "alice", StartedAt: start}
	id, err := s.Open(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)

	second := first
	second.StartedAt = start.Add(time.Minute)
	second.ID = SessionID(account, "alice", second.StartedAt)
	id, err = s.Open(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id, "the open session is reused")

	require.NoError(t, s.Close(ctx, first.ID, start.Add(time.Hour), Counters{Messages: 10, Tokens: 300, PeakViewers: 40}))
	var msgs, peak int
	var tokens int64
	require.NoError(t, database.QueryRowContext(ctx,
		`SELECT total_messages, total_tokens, peak_viewers FROM cast_sessions WHERE session_id=$1`, first.ID).Scan(&msgs, &tokens, &peak))
	assert.Equal(t, 10, msgs)
	assert.Equal(t, int64(300), tokens)
	assert.Equal(t, 40, peak)

	id, err = s.Open(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, id)
	n, err := s.CloseStale(ctx, account, "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = database.ExecContext(ctx, `INSERT INTO spy_casts (account_id, cast_name) VALUES ($1, 'alice')`, account)
	require.NoError(t, err)
	require.NoError(t, s.MarkSeen(ctx, config.SourceSpy, account, "alice", start))
	var seen time.Time
	require.NoError(t, database.QueryRowContext(ctx,
		`SELECT last_seen_online FROM spy_casts WHERE account_id=$1 AND cast_name='alice'`, account).Scan(&seen))
	assert.WithinDuration(t, start, seen, time.Millisecond)
}

func TestFailureTracker(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewFailureTracker(clk.Now)

	for i := 1; i <= defaultMaxRetries; i++ {
		assert.True(t, tr.RecordFailure("viewers:alice"), "failure %d", i)
	}
	assert.False(t, tr.RecordFailure("viewers:alice"), "past the retry budget")
	assert.Equal(t, defaultMaxRetries+1, tr.Failures("viewers:alice"))
	assert.False(t, tr.ShouldRetry("viewers:alice"))

	clk.Advance(defaultBackoffMax + defaultBackoffMax/2)
	assert.True(t, tr.ShouldRetry("viewers:alice"), "backoff is capped")

	tr.RecordFailure("status:alice")
	tr.ResetPrefix("viewers:")
	assert.Zero(t, tr.Failures("viewers:alice"))
	assert.Equal(t, 1, tr.Failures("status:alice"))

	tr.RecordSuccess("status:alice")
	assert.Zero(t, tr.Failures("status:alice"))
	assert.True(t, tr.ShouldRetry("never-failed"))
}

func TestFailureTrackerDelay(t *testing.T) {
	tr := NewFailureTracker(nil)
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, defaultBackoffMax},
		{30, defaultBackoffMax},
	}
	for _, tt := range tests {
		d := tr.Delay(tt.attempt)
		assert.GreaterOrEqual(t, d, tt.base+tt.base/10, "attempt %d", tt.attempt)
		assert.LessOrEqual(t, d, tt.base+tt.base*3/10, "attempt %d", tt.attempt)
	}
}

func TestCookieCache(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	loads := 0
	c := NewCookieCache(func(context.Context) (string, error) {
		loads++
		return "sid-" + string(rune('0'+loads)), nil
	}, clk.Now)
	ctx := context.Background()

	v, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sid-1", v)
	v, _ = c.Get(ctx)
	assert.Equal(t, "sid-1", v, "cached within the TTL")

	clk.Advance(cookieTTL)
	v, _ = c.Get(ctx)
	assert.Equal(t, "sid-2", v)

	c.Invalidate()
	v, _ = c.Get(ctx)
	assert.Equal(t, "sid-3", v)

	var nilCache *CookieCache
	v, err = nilCache.Get(ctx)
	assert.NoError(t, err)
	assert.Empty(t, v)
	nilCache.Invalidate()
}

func TestCookieHeader(t *testing.T) {
	tests := map[string]string{
		"":                          "",
		"  abc ":                    "stripchat_com_sessionId=abc",
		"stripchat_com_sessionId=x": "stripchat_com_sessionId=x",
		"a=1; b=2":                  "a=1; b=2",
	}
	for in, want := range tests {
		assert.Equal(t, want, cookieHeader(in), in)
	}
}

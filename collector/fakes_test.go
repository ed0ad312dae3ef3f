package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/onnwee/castwatch/auth"
	"github.com/onnwee/castwatch/buffer"
	"github.com/onnwee/castwatch/feed"
	"github.com/onnwee/castwatch/platform"
	"github.com/onnwee/castwatch/triggers"
)

// calls records the order of side effects across fakes.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakePlatform struct {
	mu        sync.Mutex
	status    platform.CastStatus
	statusErr error
	viewers   []platform.Viewer
	viewerErr error
	auths     []platform.ViewerAuth
	thumbs    int
}

func (f *fakePlatform) set(st platform.CastStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.statusErr = st, err
}

func (f *fakePlatform) GetStatus(context.Context, string) (platform.CastStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakePlatform) GetViewers(_ context.Context, _ string, a platform.ViewerAuth) ([]platform.Viewer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths = append(f.auths, a)
	return f.viewers, f.viewerErr
}

func (f *fakePlatform) FetchThumbnail(_ context.Context, cdn, modelID string, now time.Time) (platform.Thumbnail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbs++
	return platform.Thumbnail{URL: cdn + "/" + modelID, Data: make([]byte, 2048)}, nil
}

type fakeFeed struct {
	calls      *calls
	mu         sync.Mutex
	state      feed.State
	connects   []string
	tokens     []string
	urls       []string
	connectErr error
	events     chan feed.Event
	authErrs   chan feed.AuthError
}

func newFakeFeed(c *calls) *fakeFeed {
	return &fakeFeed{calls: c, events: make(chan feed.Event, 16), authErrs: make(chan feed.AuthError, 4)}
}

func (f *fakeFeed) Connect(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, id)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = feed.StateActive
	return nil
}

func (f *fakeFeed) Disconnect() {
	f.mu.Lock()
	f.state = feed.StateDisconnected
	f.mu.Unlock()
	f.calls.add("feed.disconnect")
}

func (f *fakeFeed) SetCredential(token, _, wsURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.urls = append(f.urls, wsURL)
}

func (f *fakeFeed) State() feed.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFeed) IsConnected() bool                 { return f.State() == feed.StateActive }
func (f *fakeFeed) Events() <-chan feed.Event         { return f.events }
func (f *fakeFeed) AuthErrors() <-chan feed.AuthError { return f.authErrs }

func (f *fakeFeed) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

type enqueued struct {
	table       string
	row         buffer.Row
	conflictKey string
}

type fakeSink struct {
	calls  *calls
	mu     sync.Mutex
	rows   []enqueued
	closed int
}

func (f *fakeSink) Enqueue(table string, row buffer.Row, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, enqueued{table, row, key})
}

func (f *fakeSink) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeSink) Close(context.Context) error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	f.calls.add("sink.close")
	return nil
}

func (f *fakeSink) table(name string) []buffer.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []buffer.Row
	for _, e := range f.rows {
		if e.table == name {
			out = append(out, e.row)
		}
	}
	return out
}

type closed struct {
	id       string
	counters Counters
}

type fakeSessions struct {
	calls     *calls
	mu        sync.Mutex
	opened    []Session
	closed    []closed
	stale     int
	seen      int
	openRow   string
	reuseID   string
	openErr   error
	orphanErr error
}

func (f *fakeSessions) Open(_ context.Context, s Session) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, s)
	if f.openErr != nil {
		return "", f.openErr
	}
	if f.openRow != "" {
		return f.openRow, nil
	}
	if f.reuseID != "" {
		return f.reuseID, nil
	}
	return s.ID, nil
}

func (f *fakeSessions) Close(_ context.Context, id string, _ time.Time, c Counters) error {
	f.mu.Lock()
	f.closed = append(f.closed, closed{id, c})
	f.mu.Unlock()
	f.calls.add("session.close")
	return nil
}

func (f *fakeSessions) CloseStale(context.Context, string, string, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale++
	if f.openRow == "" {
		return 0, nil
	}
	f.openRow = ""
	return 1, nil
}

func (f *fakeSessions) CloseOrphans(context.Context) error { return f.orphanErr }

func (f *fakeSessions) MarkSeen(context.Context, string, string, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen++
	return nil
}

type transition struct {
	tr      triggers.Transition
	id      string
	viewers []string
}

type fakeTriggers struct {
	mu          sync.Mutex
	transitions []transition
	updates     [][]string
	warmups     int
}

func (f *fakeTriggers) OnViewerListUpdate(_ context.Context, _, _ string, viewers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, viewers)
}

func (f *fakeTriggers) OnSessionTransition(_ context.Context, _, _ string, tr triggers.Transition, id string, viewers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transition{tr, id, viewers})
}

func (f *fakeTriggers) IncrementWarmup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmups++
}

type fakeCreds struct {
	mu        sync.Mutex
	current   auth.Credential
	reported  int
	decision  auth.Decision
	next      auth.Credential
	reportErr error
}

func (f *fakeCreds) Current() (auth.Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.current.Token != ""
}

func (f *fakeCreds) Acquire(context.Context) (auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next.Token == "" {
		return auth.Credential{}, auth.ErrAllMethodsFailed
	}
	f.current = f.next
	return f.current, nil
}

func (f *fakeCreds) ReportAuthError(context.Context) (auth.Decision, auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported++
	if f.reportErr != nil {
		return 0, auth.Credential{}, f.reportErr
	}
	if f.decision == auth.DecisionRefreshed && f.next.Token != "" {
		f.current = f.next
	}
	return f.decision, f.current, nil
}

type healthRecorder struct {
	mu      sync.Mutex
	records []HealthRecord
}

func (h *healthRecorder) WriteHealth(_ context.Context, r HealthRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errUpstream = errors.New("upstream unavailable")

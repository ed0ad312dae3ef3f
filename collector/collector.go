// Package collector runs the per-target poll loop. It tracks whether one target is
// broadcasting, opens and closes the session records, drives the feed client, turns feed
// pushes and viewer lists into buffered rows and hands session transitions and viewer
// lists to the trigger engine.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/castwatch/auth"
	"github.com/onnwee/castwatch/buffer"
	"github.com/onnwee/castwatch/feed"
	"github.com/onnwee/castwatch/platform"
	"github.com/onnwee/castwatch/telemetry"
	"github.com/onnwee/castwatch/triggers"
)

const (
	tableMessages    = "spy_messages"
	tableViewers     = "spy_viewers"
	tableScreenshots = "cast_screenshots"

	conflictMessages    = "cast_name,message_time,user_name,msg_type"
	conflictViewers     = "cast_name,session_id,user_name"
	conflictScreenshots = "cast_name,captured_at"

	systemUser      = "collector"
	trackerReset    = 10 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// Platform is the part of platform.Client the collector polls.
type Platform interface {
	GetStatus(ctx context.Context, name string) (platform.CastStatus, error)
	GetViewers(ctx context.Context, name string, auth platform.ViewerAuth) ([]platform.Viewer, error)
	FetchThumbnail(ctx context.Context, cdnBase, modelID string, now time.Time) (platform.Thumbnail, error)
}

// Feed is the part of feed.Client the collector drives.
type Feed interface {
	Connect(ctx context.Context, platformID string) error
	Disconnect()
	SetCredential(token, cfClearance, wsURL string)
	State() feed.State
	IsConnected() bool
	Events() <-chan feed.Event
	AuthErrors() <-chan feed.AuthError
}

// Credentials is the part of auth.Manager the collector reads.
type Credentials interface {
	Current() (auth.Credential, bool)
	Acquire(ctx context.Context) (auth.Credential, error)
	ReportAuthError(ctx context.Context) (auth.Decision, auth.Credential, error)
}

// Sink receives rows; buffer.Buffer implements it.
type Sink interface {
	Enqueue(table string, row buffer.Row, conflictKey string)
	Len() int
	Close(ctx context.Context) error
}

// Triggers receives viewer lists and session transitions; triggers.Engine implements it.
type Triggers interface {
	OnViewerListUpdate(ctx context.Context, accountID, castName string, viewers []string)
	OnSessionTransition(ctx context.Context, accountID, castName string, tr triggers.Transition, sessionID string, currentViewers []string)
	IncrementWarmup()
}

// State is the broadcast state of the target as last observed.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Options configures a Collector. Triggers, Credentials, Health and Cookies are optional.
type Options struct {
	AccountID  string
	CastName   string
	CastSource string
	Pipeline   string
	ModelID    string

	StatusInterval    time.Duration
	ViewerInterval    time.Duration
	LoopInterval      time.Duration
	HealthInterval    time.Duration
	ThumbnailInterval time.Duration
	ThumbnailCDN      string

	Platform    Platform
	Feed        Feed
	Sink        Sink
	Sessions    SessionStore
	Credentials Credentials
	Triggers    Triggers
	Health      HealthWriter
	Cookies     *CookieCache

	Now    func() time.Time
	Logger *slog.Logger
}

type openSession struct {
	id        string
	startedAt time.Time
	messages  int64
	tokens    int64
	peak      int
}

func (s *openSession) counters() Counters {
	return Counters{Messages: s.messages, Tokens: s.tokens, PeakViewers: s.peak}
}

// Collector watches one target. Run owns the poll loop; feed events are handled on their
// own goroutine and share state with the loop under mu.
type Collector struct {
	opts       Options
	log        *slog.Logger
	now        func() time.Time
	failures   *FailureTracker
	instanceID string
	startedAt  time.Time

	// owned by the poll loop
	lastStatus    time.Time
	lastViewers   time.Time
	lastThumbnail time.Time

	mu          sync.Mutex
	state       State
	modelID     string
	viewerCount int
	session     *openSession
	shutdown    sync.Once
	startup     sync.Once
}

// New validates opts and returns a collector in the unknown state.
func New(opts Options) (*Collector, error) {
	if opts.AccountID == "" || opts.CastName == "" {
		return nil, errors.New("collector: account id and cast name are required")
	}
	if opts.Platform == nil || opts.Feed == nil || opts.Sink == nil || opts.Sessions == nil {
		return nil, errors.New("collector: platform, feed, sink and session store are required")
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 180 * time.Second
	}
	if opts.ViewerInterval <= 0 {
		opts.ViewerInterval = 60 * time.Second
	}
	if opts.LoopInterval <= 0 {
		opts.LoopInterval = 5 * time.Second
	}
	if opts.Pipeline == "" {
		opts.Pipeline = "Collector:" + opts.CastName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Collector{
		opts:       opts,
		log:        opts.Logger.With(slog.String("component", "collector"), slog.String("cast", opts.CastName)),
		now:        opts.Now,
		failures:   NewFailureTracker(opts.Now),
		instanceID: uuid.NewString(),
		startedAt:  opts.Now(),
		modelID:    opts.ModelID,
	}, nil
}

// State returns the last observed broadcast state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the open session, or "" while offline.
func (c *Collector) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.id
}

// InstanceID identifies this process in the health record.
func (c *Collector) InstanceID() string { return c.instanceID }

func (c *Collector) platformID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelID
}

// Run polls until ctx is cancelled, then shuts down in order: the open session is closed
// with its final counters, the feed is disconnected and the sink flushed.
func (c *Collector) Run(ctx context.Context) error {
	c.log.Info("collector started",
		slog.String("instance_id", c.instanceID),
		slog.Duration("status_interval", c.opts.StatusInterval),
		slog.Duration("viewer_interval", c.opts.ViewerInterval))

	go func() {
		octx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := c.opts.Sessions.CloseOrphans(octx); err != nil {
			c.log.Debug("orphan session cleanup failed", slog.Any("err", err))
		}
	}()
	go c.consumeEvents(ctx)

	loop := time.NewTicker(c.opts.LoopInterval)
	defer loop.Stop()
	reset := time.NewTicker(trackerReset)
	defer reset.Stop()
	var healthC <-chan time.Time
	if c.opts.Health != nil && c.opts.HealthInterval > 0 {
		t := time.NewTicker(c.opts.HealthInterval)
		defer t.Stop()
		healthC = t.C
	}

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return c.Shutdown()
		case ae := <-c.opts.Feed.AuthErrors():
			c.handleAuthError(ctx, ae)
		case <-loop.C:
			c.Tick(ctx)
		case <-healthC:
			c.writeHealth(ctx)
		case <-reset.C:
			c.failures.ResetPrefix("")
		}
	}
}

// Tick runs one loop iteration: a status poll when due, and while online the feed check,
// a viewer poll and a thumbnail capture when due. The first call closes the target's stale
// sessions before anything else.
func (c *Collector) Tick(ctx context.Context) {
	c.startup.Do(func() { c.closeStale(ctx) })
	now := c.now()
	if c.lastStatus.IsZero() || now.Sub(c.lastStatus) >= c.opts.StatusInterval {
		c.lastStatus = now
		c.pollStatus(ctx)
	}
	if c.State() == StateOnline {
		c.ensureFeed(ctx)
		if c.lastViewers.IsZero() || now.Sub(c.lastViewers) >= c.opts.ViewerInterval {
			c.lastViewers = now
			c.pollViewers(ctx)
		}
		if c.opts.ThumbnailInterval > 0 && now.Sub(c.lastThumbnail) >= c.opts.ThumbnailInterval {
			c.lastThumbnail = now
			c.captureThumbnail(ctx)
		}
	}
	if c.opts.Triggers != nil {
		c.opts.Triggers.IncrementWarmup()
	}
}

func (c *Collector) pollStatus(ctx context.Context) {
	telemetry.IncPoll("status")
	key := "status:" + c.opts.CastName
	st, err := c.opts.Platform.GetStatus(ctx, c.opts.CastName)
	if err == nil && st.Status == platform.StatusUnknown {
		err = errors.New("status unknown")
	}
	if err != nil {
		c.failures.RecordFailure(key)
		c.logFailure(key, "status poll failed", err)
		return
	}
	c.failures.RecordSuccess(key)

	c.mu.Lock()
	prev := c.state
	if st.ModelID != "" {
		c.modelID = st.ModelID
	}
	c.viewerCount = st.ViewerCount
	if c.session != nil && st.ViewerCount > c.session.peak {
		c.session.peak = st.ViewerCount
	}
	c.mu.Unlock()

	online := st.Online()
	switch {
	case online && prev == StateUnknown:
		c.startSession(ctx, st, false)
	case online && prev == StateOffline:
		c.startSession(ctx, st, true)
	case !online && prev == StateOnline:
		c.endSession(ctx, st)
	case !online:
		c.mu.Lock()
		c.state = StateOffline
		c.mu.Unlock()
	}
	if online {
		if err := c.opts.Sessions.MarkSeen(ctx, c.opts.CastSource, c.opts.AccountID, c.opts.CastName, c.now()); err != nil {
			c.log.Debug("last seen update failed", slog.Any("err", err))
		}
	}
}

// closeStale ends the sessions a crashed earlier run left open for this target, whatever
// the target's current state.
func (c *Collector) closeStale(ctx context.Context) {
	n, err := c.opts.Sessions.CloseStale(ctx, c.opts.AccountID, c.opts.CastName, c.now())
	if err != nil {
		c.log.Warn("closing stale sessions failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		c.log.Info("closed stale sessions", slog.Int64("count", n))
	}
}

func (c *Collector) startSession(ctx context.Context, st platform.CastStatus, notify bool) {
	start := c.now().UTC()
	id := SessionID(c.opts.AccountID, c.opts.CastName, start)
	if got, err := c.opts.Sessions.Open(ctx, Session{ID: id, AccountID: c.opts.AccountID, CastName: c.opts.CastName, StartedAt: start}); err != nil {
		c.log.Error("open session failed", slog.String("session_id", id), slog.Any("err", err))
	} else {
		id = got
	}

	c.mu.Lock()
	c.state = StateOnline
	c.session = &openSession{id: id, startedAt: start, peak: st.ViewerCount}
	modelID := c.modelID
	c.mu.Unlock()
	telemetry.SetSessionOnline(true)
	c.log.Info("session started",
		slog.String("session_id", id),
		slog.String("status", st.Status),
		slog.Int("viewers", st.ViewerCount),
		slog.Bool("resumed", !notify))

	c.enqueueSystem(id, start, fmt.Sprintf("session started (%s, %d viewers)", st.Status, st.ViewerCount), map[string]any{
		"event":       "session_start",
		"modelId":     modelID,
		"viewerCount": st.ViewerCount,
		"resumed":     !notify,
		"status":      st.Status,
	})
	c.connectFeed(ctx)

	if !notify || c.opts.Triggers == nil {
		return
	}
	// Poll viewers right away so the names present at the start seed the known set.
	c.lastViewers = c.now()
	names, err := c.fetchViewers(ctx)
	if err != nil {
		names = nil
	}
	c.opts.Triggers.OnSessionTransition(ctx, c.opts.AccountID, c.opts.CastName, triggers.SessionStart, id, names)
}

func (c *Collector) endSession(ctx context.Context, st platform.CastStatus) {
	now := c.now().UTC()
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.state = StateOffline
	c.mu.Unlock()
	telemetry.SetSessionOnline(false)

	var id string
	if sess != nil {
		id = sess.id
		counters := sess.counters()
		c.enqueueSystem(id, now, fmt.Sprintf("session ended (%d messages, %d tokens)", counters.Messages, counters.Tokens), map[string]any{
			"event":           "session_end",
			"lastViewerCount": st.ViewerCount,
			"peakViewers":     counters.PeakViewers,
		})
		if err := c.opts.Sessions.Close(ctx, id, now, counters); err != nil {
			c.log.Error("close session failed", slog.String("session_id", id), slog.Any("err", err))
		}
		c.log.Info("session ended",
			slog.String("session_id", id),
			slog.Int64("messages", counters.Messages),
			slog.Int64("tokens", counters.Tokens),
			slog.Duration("duration", now.Sub(sess.startedAt)))
	}
	c.opts.Feed.Disconnect()
	if c.opts.Triggers != nil && id != "" {
		c.opts.Triggers.OnSessionTransition(ctx, c.opts.AccountID, c.opts.CastName, triggers.SessionEnd, id, nil)
	}
	if err := c.opts.Sessions.MarkSeen(ctx, c.opts.CastSource, c.opts.AccountID, c.opts.CastName, now); err != nil {
		c.log.Debug("last seen update failed", slog.Any("err", err))
	}
}

func (c *Collector) feedKey() string { return "feed:" + c.opts.CastName }

// ensureFeed reconnects a feed that dropped while the target is online. Backoff comes from
// the failure tracker.
func (c *Collector) ensureFeed(ctx context.Context) {
	if c.opts.Feed.State() != feed.StateDisconnected {
		return
	}
	if !c.failures.ShouldRetry(c.feedKey()) {
		return
	}
	c.connectFeed(ctx)
}

func (c *Collector) connectFeed(ctx context.Context) {
	modelID := c.platformID()
	if modelID == "" {
		c.log.Debug("platform id unknown, feed deferred")
		return
	}
	if c.opts.Credentials != nil {
		cred, ok := c.opts.Credentials.Current()
		if !ok {
			var err error
			if cred, err = c.opts.Credentials.Acquire(ctx); err != nil {
				c.log.Warn("no feed credential, connecting without token", slog.Any("err", err))
			}
		}
		c.opts.Feed.SetCredential(cred.Token, cred.CFClearance, cred.WSURL)
	}
	if err := c.opts.Feed.Connect(ctx, modelID); err != nil {
		c.failures.RecordFailure(c.feedKey())
		c.logFailure(c.feedKey(), "feed connect failed", err)
		return
	}
	c.failures.RecordSuccess(c.feedKey())
}

// handleAuthError runs the debounced refresh and reconnects with whatever credential the
// manager returns. A failed refresh disconnects the feed and leaves REST polling running.
func (c *Collector) handleAuthError(ctx context.Context, ae feed.AuthError) {
	c.log.Warn("feed rejected credential", slog.Int("code", ae.Code), slog.String("message", ae.Message), slog.Bool("on_close", ae.OnClose))
	if c.opts.Credentials == nil {
		return
	}
	decision, cred, err := c.opts.Credentials.ReportAuthError(ctx)
	if err != nil {
		// The rejected socket stays open after a connect error; dropping it lets ensureFeed
		// retry with the held credential under backoff.
		c.log.Error("credential refresh failed", slog.Any("err", err))
		c.opts.Feed.Disconnect()
		return
	}
	c.failures.ResetPrefix("viewers:")
	c.opts.Feed.SetCredential(cred.Token, cred.CFClearance, cred.WSURL)
	c.log.Info("reconnecting feed", slog.String("decision", decision.String()), slog.String("method", cred.Method))
	if c.State() != StateOnline {
		return
	}
	c.failures.Reset(c.feedKey())
	if modelID := c.platformID(); modelID != "" {
		if err := c.opts.Feed.Connect(ctx, modelID); err != nil {
			c.failures.RecordFailure(c.feedKey())
			c.log.Warn("feed reconnect failed", slog.Any("err", err))
		}
	}
}

func (c *Collector) pollViewers(ctx context.Context) {
	if !c.failures.ShouldRetry("viewers:" + c.opts.CastName) {
		return
	}
	names, err := c.fetchViewers(ctx)
	if err != nil || c.opts.Triggers == nil {
		return
	}
	c.opts.Triggers.OnViewerListUpdate(ctx, c.opts.AccountID, c.opts.CastName, names)
}

// fetchViewers loads the viewer list, records spy_viewers rows and the peak, and returns
// the names.
func (c *Collector) fetchViewers(ctx context.Context) ([]string, error) {
	telemetry.IncPoll("viewers")
	key := "viewers:" + c.opts.CastName
	cookies, err := c.opts.Cookies.Get(ctx)
	if err != nil {
		c.log.Debug("session cookie unavailable", slog.Any("err", err))
	}
	va := platform.ViewerAuth{Cookies: cookies}
	if c.opts.Credentials != nil {
		if cred, ok := c.opts.Credentials.Current(); ok {
			va.BearerToken = cred.Token
			va.CFClearance = cred.CFClearance
		}
	}
	viewers, err := c.opts.Platform.GetViewers(ctx, c.opts.CastName, va)
	if err != nil {
		if platform.IsUnauthorized(err) && cookies != "" {
			c.opts.Cookies.Invalidate()
		}
		c.failures.RecordFailure(key)
		c.logFailure(key, "viewer poll failed", err)
		return nil, err
	}
	c.failures.RecordSuccess(key)

	c.mu.Lock()
	var sid string
	if c.session != nil {
		sid = c.session.id
		if len(viewers) > c.session.peak {
			c.session.peak = len(viewers)
		}
	}
	c.mu.Unlock()
	telemetry.SetViewerCount(len(viewers))

	names := make([]string, 0, len(viewers))
	for _, v := range viewers {
		names = append(names, v.UserName)
		if sid == "" {
			continue
		}
		c.opts.Sink.Enqueue(tableViewers, buffer.Row{
			"account_id":        c.opts.AccountID,
			"cast_name":         c.opts.CastName,
			"session_id":        sid,
			"user_name":         v.UserName,
			"user_id_stripchat": nullIfEmpty(v.PlatformID),
			"league":            nullIfEmpty(v.League),
			"level":             v.Level,
			"is_fan_club":       v.IsFanClub,
		}, conflictViewers)
	}
	return names, nil
}

func (c *Collector) captureThumbnail(ctx context.Context) {
	modelID := c.platformID()
	sid := c.SessionID()
	if modelID == "" || sid == "" {
		return
	}
	now := c.now().UTC().Truncate(time.Second)
	th, err := c.opts.Platform.FetchThumbnail(ctx, c.opts.ThumbnailCDN, modelID, now)
	if err != nil {
		c.log.Debug("thumbnail skipped", slog.Any("err", err))
		return
	}
	c.opts.Sink.Enqueue(tableScreenshots, buffer.Row{
		"account_id":  c.opts.AccountID,
		"cast_name":   c.opts.CastName,
		"session_id":  sid,
		"model_id":    modelID,
		"cdn_url":     th.URL,
		"size_bytes":  len(th.Data),
		"captured_at": now,
	}, conflictScreenshots)
}

func (c *Collector) consumeEvents(ctx context.Context) {
	events := c.opts.Feed.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Collector) handleEvent(ev feed.Event) {
	switch ev.Kind {
	case feed.KindChatMessage:
		msg, err := feed.ParseChat(ev.Data, ev.ReceivedAt)
		if err != nil {
			telemetry.IncFeedFrame("unparseable")
			c.log.Debug("chat payload skipped", slog.String("channel", ev.Channel), slog.Any("err", err))
			return
		}
		c.mu.Lock()
		var sid string
		if c.session != nil {
			sid = c.session.id
			c.session.messages++
			if msg.Tokens > 0 {
				c.session.tokens += int64(msg.Tokens)
			}
		}
		c.mu.Unlock()
		c.opts.Sink.Enqueue(tableMessages, c.messageRow(sid, msg.MessageTime, msg.Type, msg.UserName, msg.Body, msg.Tokens, msg.IsVIP(), msg.League, msg.Level, msg.PlatformUserID, map[string]any{
			"source":          "collector-ws",
			"channel":         ev.Channel,
			"isModel":         msg.IsModel,
			"isKing":          msg.IsKing,
			"isKnight":        msg.IsKnight,
			"isFanClub":       msg.IsFanClub,
			"stripchatUserId": msg.PlatformUserID,
		}), conflictMessages)
	case feed.KindModelEvent:
		name := feed.ParseModelEvent(ev.Data)
		if name == "" {
			return
		}
		c.enqueueSystem(c.SessionID(), ev.ReceivedAt, "model event: "+name, map[string]any{
			"event":   name,
			"channel": ev.Channel,
		})
	default:
		c.log.Debug("feed push ignored", slog.String("kind", ev.Kind))
	}
}

func (c *Collector) enqueueSystem(sid string, at time.Time, text string, meta map[string]any) {
	meta["source"] = "collector"
	c.opts.Sink.Enqueue(tableMessages, c.messageRow(sid, at, feed.MsgTypeSystem, systemUser, text, 0, false, "", 0, "", meta), conflictMessages)
}

func (c *Collector) messageRow(sid string, at time.Time, msgType, user, body string, tokens int, vip bool, league string, level int, userID string, meta map[string]any) buffer.Row {
	return buffer.Row{
		"account_id":        c.opts.AccountID,
		"cast_name":         c.opts.CastName,
		"session_id":        nullIfEmpty(sid),
		"message_time":      at.UTC(),
		"msg_type":          msgType,
		"user_name":         user,
		"message":           body,
		"tokens":            tokens,
		"is_vip":            vip,
		"user_league":       nullIfEmpty(league),
		"user_level":        level,
		"user_id_stripchat": nullIfEmpty(userID),
		"metadata":          meta,
	}
}

// Snapshot returns the current health record of the collector.
func (c *Collector) Snapshot() HealthRecord {
	c.mu.Lock()
	rec := HealthRecord{
		Pipeline:    c.opts.Pipeline,
		Status:      c.state.String(),
		ViewerCount: c.viewerCount,
		InstanceID:  c.instanceID,
		CastName:    c.opts.CastName,
		AccountID:   c.opts.AccountID,
		ModelID:     c.modelID,
		StartedAt:   c.startedAt,
	}
	if c.session != nil {
		rec.SessionID = c.session.id
		rec.MessageCount = c.session.messages
		rec.TipTotal = c.session.tokens
	}
	c.mu.Unlock()
	rec.WSConnected = c.opts.Feed.IsConnected()
	rec.FeedState = c.opts.Feed.State().String()
	rec.BufferDepth = c.opts.Sink.Len()
	rec.LastRunAt = c.now().UTC()
	return rec
}

func (c *Collector) writeHealth(ctx context.Context) {
	if c.opts.Health == nil {
		return
	}
	if err := c.opts.Health.WriteHealth(ctx, c.Snapshot()); err != nil {
		c.log.Warn("health write failed", slog.Any("err", err))
	}
}

// Shutdown closes the open session with its final counters, disconnects the feed and
// flushes the sink. Only the first call does anything.
func (c *Collector) Shutdown() error {
	var err error
	c.shutdown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		c.mu.Lock()
		sess := c.session
		c.session = nil
		c.mu.Unlock()
		if sess != nil {
			if cerr := c.opts.Sessions.Close(ctx, sess.id, c.now().UTC(), sess.counters()); cerr != nil {
				c.log.Error("close session at shutdown failed", slog.String("session_id", sess.id), slog.Any("err", cerr))
			}
		}
		c.opts.Feed.Disconnect()
		if ferr := c.opts.Sink.Close(ctx); ferr != nil {
			err = fmt.Errorf("final flush: %w", ferr)
		}
		c.log.Info("collector stopped")
	})
	return err
}

// logFailure warns on the first failure of a streak and stays at debug afterwards.
func (c *Collector) logFailure(key, msg string, err error) {
	n := c.failures.Failures(key)
	attrs := []any{slog.String("key", key), slog.Int("failures", n), slog.Any("err", err)}
	if n <= 1 {
		c.log.Warn(msg, attrs...)
		return
	}
	if n > c.failures.MaxRetries {
		c.log.Debug(msg, attrs...)
		return
	}
	c.log.Info(msg, attrs...)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

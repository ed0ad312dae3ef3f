package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/castwatch/telemetry"
)

// Transition is a broadcast session edge reported by the poll loop.
type Transition int

const (
	SessionStart Transition = iota
	SessionEnd
)

func (t Transition) String() string {
	if t == SessionStart {
		return "start"
	}
	return "end"
}

// Options configures an Engine. Zero values take defaults.
type Options struct {
	Store Store
	Data  Data
	Guard DMGuard
	// TTL is how long loaded definitions are reused (default 5m).
	TTL time.Duration
	// WarmupCycles is how many poll cycles event triggers stay silent after start.
	WarmupCycles int
	Now          func() time.Time
	// Location defines the calendar day for daily limits (default time.Local).
	Location *time.Location
	Logger   *slog.Logger
}

type pendingBatch struct {
	trigger Trigger
	targets []Candidate
	fireAt  time.Time
}

// Engine evaluates triggers and executes their gated actions. All per-target and
// per-account working state lives on the engine.
type Engine struct {
	store  Store
	data   Data
	guard  DMGuard
	ttl    time.Duration
	warmup int
	now    func() time.Time
	loc    *time.Location
	log    *slog.Logger

	mu          sync.Mutex
	triggers    []Trigger
	lastRefresh time.Time
	cycles      int
	warmed      map[string]bool
	known       map[string]map[string]struct{}
	snapshots   map[string]map[string]string
	queue       []pendingBatch
}

// New creates an engine.
func New(o Options) *Engine {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.WarmupCycles < 0 {
		o.WarmupCycles = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Engine{
		store:     o.Store,
		data:      o.Data,
		guard:     o.Guard,
		ttl:       o.TTL,
		warmup:    o.WarmupCycles,
		now:       o.Now,
		loc:       o.Location,
		log:       o.Logger.With(slog.String("component", "triggers")),
		warmed:    make(map[string]bool),
		known:     make(map[string]map[string]struct{}),
		snapshots: make(map[string]map[string]string),
	}
}

// RefreshTriggers reloads enabled definitions unless the cache is still fresh. Invalid
// definitions are logged and left out.
func (e *Engine) RefreshTriggers(ctx context.Context) error {
	e.mu.Lock()
	fresh := len(e.triggers) > 0 && e.now().Sub(e.lastRefresh) < e.ttl
	e.mu.Unlock()
	if fresh {
		return nil
	}
	defs, err := e.store.LoadDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}
	loaded := make([]Trigger, 0, len(defs))
	for _, d := range defs {
		t, err := Build(d)
		if err != nil {
			e.log.Warn("skipping invalid trigger", slog.String("trigger_id", d.ID), slog.String("type", d.Type), slog.Any("err", err))
			continue
		}
		loaded = append(loaded, t)
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].Priority < loaded[j].Priority })

	e.mu.Lock()
	e.triggers = loaded
	e.lastRefresh = e.now()
	e.mu.Unlock()
	e.log.Info("triggers loaded", slog.Int("count", len(loaded)), slog.Int("invalid", len(defs)-len(loaded)))
	return nil
}

// Triggers returns the cached definitions in priority order.
func (e *Engine) Triggers() []Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trigger(nil), e.triggers...)
}

// IncrementWarmup counts one completed poll cycle.
func (e *Engine) IncrementWarmup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cycles < e.warmup {
		e.cycles++
		if e.cycles == e.warmup {
			e.log.Info("warmup complete, event triggers active")
		}
	}
}

// OnViewerListUpdate diffs the polled viewer names against the target's known set and fires
// first_visit triggers for the new ones. During warmup new names are only absorbed.
func (e *Engine) OnViewerListUpdate(ctx context.Context, accountID, castName string, viewers []string) {
	key := targetKey(accountID, castName)
	if err := e.ensureKnown(ctx, accountID, castName); err != nil {
		e.log.Warn("known viewers unavailable", slog.String("cast", castName), slog.Any("err", err))
	}

	e.mu.Lock()
	fresh := firstVisit(e.known[key], accountID, castName, viewers)
	active := e.cycles >= e.warmup || e.warmed[key]
	triggers := e.forType(TypeFirstVisit, accountID, castName)
	e.mu.Unlock()

	if !active || len(fresh) == 0 || len(triggers) == 0 {
		return
	}
	e.log.Info("new viewers", slog.String("cast", castName), slog.Int("count", len(fresh)))
	for _, t := range triggers {
		e.isolate(ctx, t.Type, t.ID, func(ctx context.Context) error {
			for _, c := range fresh {
				e.fire(ctx, t, c)
			}
			return nil
		})
	}
}

// OnSessionTransition handles a session edge. Start reseeds the target's known viewers
// from stored profiles plus currentViewers and ends warmup for that target. End runs the
// vip_no_tip evaluators and queues post_session batches.
func (e *Engine) OnSessionTransition(ctx context.Context, accountID, castName string, tr Transition, sessionID string, currentViewers []string) {
	key := targetKey(accountID, castName)
	if tr == SessionStart {
		names, err := e.data.KnownViewers(ctx, accountID, castName)
		if err != nil {
			e.log.Warn("seeding known viewers failed", slog.String("cast", castName), slog.Any("err", err))
		}
		set := make(map[string]struct{}, len(names)+len(currentViewers))
		for _, n := range names {
			set[n] = struct{}{}
		}
		for _, n := range currentViewers {
			set[n] = struct{}{}
		}
		e.mu.Lock()
		e.known[key] = set
		e.warmed[key] = true
		e.mu.Unlock()
		e.log.Debug("known viewers seeded", slog.String("cast", castName), slog.Int("count", len(set)))
		return
	}

	e.mu.Lock()
	vip := e.forType(TypeVIPNoTip, accountID, castName)
	post := e.forType(TypePostSession, accountID, castName)
	e.mu.Unlock()

	for _, t := range vip {
		e.isolate(ctx, t.Type, t.ID, func(ctx context.Context) error {
			targets, err := vipNoTip(ctx, e.data, t.Condition.(VIPNoTipCondition), accountID, castName, sessionID)
			if err != nil {
				return err
			}
			for _, c := range targets {
				e.fire(ctx, t, c)
			}
			return nil
		})
	}
	for _, t := range post {
		e.isolate(ctx, t.Type, t.ID, func(ctx context.Context) error {
			cond := t.Condition.(PostSessionCondition)
			targets, err := postSession(ctx, e.data, cond, accountID, castName, sessionID)
			if err != nil || len(targets) == 0 {
				return err
			}
			fireAt := e.now().Add(time.Duration(cond.DelayMinutes) * time.Minute)
			e.mu.Lock()
			e.queue = append(e.queue, pendingBatch{trigger: t, targets: targets, fireAt: fireAt})
			e.mu.Unlock()
			e.log.Info("post-session batch queued", slog.String("cast", castName), slog.Int("targets", len(targets)), slog.Time("fire_at", fireAt))
			return nil
		})
	}
}

// ProcessPostSessionQueue fires every queued batch whose time has come and returns how many
// candidates were processed.
func (e *Engine) ProcessPostSessionQueue(ctx context.Context) int {
	now := e.now()
	e.mu.Lock()
	var ready []pendingBatch
	kept := e.queue[:0]
	for _, b := range e.queue {
		if !b.fireAt.After(now) {
			ready = append(ready, b)
		} else {
			kept = append(kept, b)
		}
	}
	e.queue = kept
	e.mu.Unlock()

	n := 0
	for _, b := range ready {
		e.isolate(ctx, b.trigger.Type, b.trigger.ID, func(ctx context.Context) error {
			for _, c := range b.targets {
				e.fire(ctx, b.trigger, c)
				n++
			}
			return nil
		})
	}
	if n > 0 {
		e.log.Info("post-session queue drained", slog.Int("candidates", n))
	}
	return n
}

// PendingPostSession reports the number of queued post-session batches.
func (e *Engine) PendingPostSession() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// EvaluateScheduled runs the periodic evaluators for every account that has triggers.
func (e *Engine) EvaluateScheduled(ctx context.Context) {
	e.mu.Lock()
	empty := len(e.triggers) == 0
	e.mu.Unlock()
	if empty {
		if err := e.RefreshTriggers(ctx); err != nil {
			e.log.Error("scheduled evaluation skipped", slog.Any("err", err))
			return
		}
	}

	e.mu.Lock()
	var accounts []string
	seen := make(map[string]bool)
	for _, t := range e.triggers {
		if !seen[t.AccountID] {
			seen[t.AccountID] = true
			accounts = append(accounts, t.AccountID)
		}
	}
	e.mu.Unlock()

	for _, a := range accounts {
		e.evaluateAccount(ctx, a)
	}
}

func (e *Engine) evaluateAccount(ctx context.Context, accountID string) {
	now := e.now()
	e.mu.Lock()
	churn := e.forType(TypeChurnRisk, accountID, "")
	upgrades := e.forType(TypeSegmentUpgrade, accountID, "")
	outflow := e.forType(TypeCompetitorOutflow, accountID, "")
	promo := e.forType(TypeCrossPromotion, accountID, "")
	e.mu.Unlock()

	for _, t := range churn {
		e.isolate(ctx, t.Type, t.ID, func(ctx context.Context) error {
			targets, err := churnRisk(ctx, e.data, t, t.Condition.(ChurnRiskCondition), accountID, now)
			e.fireAll(ctx, t, targets)
			return err
		})
	}

	if len(upgrades) > 0 {
		var current []SegmentMember
		var prev map[string]string
		seeded := false
		e.isolate(ctx, TypeSegmentUpgrade, "snapshot", func(ctx context.Context) error {
			var err error
			current, err = e.currentSegments(ctx, accountID)
			if err != nil {
				return err
			}
			next := make(map[string]string, len(current))
			for _, m := range current {
				next[snapshotKey(m.CastName, m.UserName)] = m.Segment
			}
			e.mu.Lock()
			prev, seeded = e.snapshots[accountID]
			e.snapshots[accountID] = next
			e.mu.Unlock()
			if !seeded {
				e.log.Info("segment snapshot seeded", slog.String("account_id", accountID), slog.Int("users", len(next)))
			}
			return nil
		})
		if seeded {
			for _, t := range upgrades {
				e.isolate(ctx, t.Type, t.ID, func(ctx context.Context) error {
					cond := t.Condition.(SegmentUpgradeCondition)
					e.fireAll(ctx, t, segmentUpgrade(prev, scoped(current, t.CastName), cond.TrackUpgrades, accountID))
					return nil
				})
			}
		}
	}

	for _, t := range outflow {
		e.isolate(ctx, t.Type, t.ID, func(ctx context.Context) error {
			targets, err := competitorOutflow(ctx, e.data, t, t.Condition.(CompetitorOutflowCondition), accountID, now)
			e.fireAll(ctx, t, targets)
			return err
		})
	}
	for _, t := range promo {
		e.isolate(ctx, t.Type, t.ID, func(ctx context.Context) error {
			targets, err := crossPromotion(ctx, e.data, t.Condition.(CrossPromotionCondition), accountID)
			e.fireAll(ctx, t, targets)
			return err
		})
	}
}

func (e *Engine) currentSegments(ctx context.Context, accountID string) ([]SegmentMember, error) {
	casts, err := e.data.ActiveCasts(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []SegmentMember
	for _, c := range casts {
		members, err := e.data.UserSegments(ctx, accountID, c)
		if err != nil {
			return nil, fmt.Errorf("segments of %s: %w", c, err)
		}
		out = append(out, members...)
	}
	return out, nil
}

func scoped(members []SegmentMember, castName string) []SegmentMember {
	if castName == "" {
		return members
	}
	var out []SegmentMember
	for _, m := range members {
		if m.CastName == castName {
			out = append(out, m)
		}
	}
	return out
}

// Schedule holds the engine's timer intervals.
type Schedule struct {
	Refresh     time.Duration
	Scheduled   time.Duration
	PostSession time.Duration
}

// Run drives definition refresh, scheduled evaluation and the post-session queue until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context, s Schedule) {
	if s.Refresh <= 0 {
		s.Refresh = e.ttl
	}
	if s.Scheduled <= 0 {
		s.Scheduled = time.Hour
	}
	if s.PostSession <= 0 {
		s.PostSession = time.Minute
	}
	if err := e.RefreshTriggers(ctx); err != nil {
		e.log.Error("initial trigger load failed", slog.Any("err", err))
	}

	refresh := time.NewTicker(s.Refresh)
	scheduled := time.NewTicker(s.Scheduled)
	post := time.NewTicker(s.PostSession)
	defer refresh.Stop()
	defer scheduled.Stop()
	defer post.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			if err := e.RefreshTriggers(ctx); err != nil {
				e.log.Error("trigger refresh failed", slog.Any("err", err))
			}
		case <-scheduled.C:
			e.EvaluateScheduled(ctx)
		case <-post.C:
			e.ProcessPostSessionQueue(ctx)
		}
	}
}

func (e *Engine) fireAll(ctx context.Context, t Trigger, targets []Candidate) {
	for _, c := range targets {
		e.fire(ctx, t, c)
	}
}

// fire runs the gates in order (segment, cooldown, daily limit), executes the action and
// writes exactly one audit row.
func (e *Engine) fire(ctx context.Context, t Trigger, c Candidate) Outcome {
	entry := LogEntry{TriggerID: t.ID, TriggerType: t.Type, Candidate: c}
	entry.Outcome, entry.DMLogID, entry.EnrollmentID, entry.Error = e.decide(ctx, t, c)
	entry.FiredAt = e.now()

	telemetry.IncTriggerOutcome(string(t.Type), string(entry.Outcome))
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.log.Error("audit log write failed", slog.String("trigger_id", t.ID), slog.String("user", c.UserName), slog.Any("err", err))
		telemetry.CaptureError(err, map[string]string{"component": "triggers", "trigger_type": string(t.Type)})
	}
	switch {
	case entry.Outcome.Fired():
		e.log.Info("trigger fired", slog.String("trigger", t.Name), slog.String("outcome", string(entry.Outcome)),
			slog.String("user", c.UserName), slog.String("cast", c.CastName))
	case entry.Outcome == OutcomeError:
		e.log.Error("trigger action failed", slog.String("trigger", t.Name), slog.String("user", c.UserName), slog.String("err", entry.Error))
	default:
		e.log.Debug("trigger skipped", slog.String("trigger", t.Name), slog.String("outcome", string(entry.Outcome)), slog.String("user", c.UserName))
	}
	return entry.Outcome
}

func (e *Engine) decide(ctx context.Context, t Trigger, c Candidate) (Outcome, int64, int64, string) {
	if !segmentAllowed(t.TargetSegments, c.Segment) {
		return OutcomeSkippedSegment, 0, 0, ""
	}
	now := e.now()
	if t.CooldownHours > 0 {
		hit, err := e.store.FiredSince(ctx, t.ID, c.UserName, now.Add(-time.Duration(t.CooldownHours)*time.Hour))
		if err != nil {
			return OutcomeSkippedCooldown, 0, 0, "cooldown check failed: " + err.Error()
		}
		if hit {
			return OutcomeSkippedCooldown, 0, 0, ""
		}
	}
	if t.DailyLimit > 0 {
		n, err := e.store.FiredCount(ctx, t.ID, e.dayStart(now))
		if err != nil {
			return OutcomeSkippedDailyLimit, 0, 0, "daily limit check failed: " + err.Error()
		}
		if n >= t.DailyLimit {
			return OutcomeSkippedDailyLimit, 0, 0, ""
		}
	}

	switch t.Action {
	case ActionEnrollScenario:
		if t.ScenarioID == "" {
			return OutcomeError, 0, 0, "scenario_id is empty"
		}
		id, created, err := e.store.Enroll(ctx, Enrollment{
			ScenarioID: t.ScenarioID,
			AccountID:  c.AccountID,
			CastName:   c.CastName,
			UserName:   c.UserName,
			EnrolledAt: now,
		})
		if err != nil {
			return OutcomeError, 0, 0, err.Error()
		}
		if !created {
			return OutcomeSkippedDuplicate, 0, 0, ""
		}
		return OutcomeScenarioEnrolled, 0, id, ""
	default:
		campaign := t.Campaign()
		if err := e.guard.Check(c.UserName, campaign); err != nil {
			if errors.Is(err, ErrTestModeBlocked) {
				return OutcomeSkippedTestMode, 0, 0, ""
			}
			return OutcomeError, 0, 0, err.Error()
		}
		id, err := e.store.QueueDM(ctx, DM{
			AccountID:    c.AccountID,
			CastName:     c.CastName,
			UserName:     c.UserName,
			Message:      Render(t.Template, c),
			Campaign:     campaign,
			TemplateName: t.Name,
			QueuedAt:     now,
		})
		if err != nil {
			return OutcomeError, 0, 0, err.Error()
		}
		return OutcomeDMQueued, id, 0, ""
	}
}

func (e *Engine) dayStart(now time.Time) time.Time {
	n := now.In(e.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, e.loc)
}

// segmentAllowed passes when no allow-list is set or the candidate's segment is unknown.
func segmentAllowed(allowed []string, segment string) bool {
	if len(allowed) == 0 || segment == "" {
		return true
	}
	for _, s := range allowed {
		if s == segment {
			return true
		}
	}
	return false
}

// isolate runs one evaluator so that an error or panic in it only affects itself.
func (e *Engine) isolate(ctx context.Context, typ Type, triggerID string, fn func(context.Context) error) {
	ctx, span := telemetry.StartSpan(ctx, "triggers", "triggers.evaluate",
		attribute.String("trigger.type", string(typ)), attribute.String("trigger.id", triggerID))
	defer span.End()
	tags := map[string]string{"component": "triggers", "trigger_type": string(typ), "trigger_id": triggerID}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = telemetry.RecoverAndReport(r, tags)
			}
		}()
		err = fn(ctx)
	}()
	if err != nil {
		telemetry.IncEvaluatorFailure(string(typ))
		telemetry.RecordError(span, err)
		telemetry.CaptureError(err, tags)
		e.log.Error("evaluator failed", slog.String("type", string(typ)), slog.String("trigger_id", triggerID), slog.Any("err", err))
		return
	}
	telemetry.SetSpanSuccess(span)
}

// forType returns cached triggers of typ for the account. A non-empty castName excludes
// triggers scoped to another cast. Callers hold e.mu.
func (e *Engine) forType(typ Type, accountID, castName string) []Trigger {
	var out []Trigger
	for _, t := range e.triggers {
		if t.Type != typ || t.AccountID != accountID {
			continue
		}
		if castName != "" && t.CastName != "" && t.CastName != castName {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (e *Engine) ensureKnown(ctx context.Context, accountID, castName string) error {
	key := targetKey(accountID, castName)
	e.mu.Lock()
	_, ok := e.known[key]
	e.mu.Unlock()
	if ok {
		return nil
	}
	names, err := e.data.KnownViewers(ctx, accountID, castName)
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	e.mu.Lock()
	if _, ok := e.known[key]; !ok {
		e.known[key] = set
	}
	e.mu.Unlock()
	return err
}

func targetKey(accountID, castName string) string { return accountID + ":" + castName }

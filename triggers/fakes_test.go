package triggers

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeStore struct {
	mu          sync.Mutex
	defs        []Definition
	loadCalls   int
	logs        []LogEntry
	dms         []DM
	enrolled    map[string]bool
	cooldownQs  int
	dailyQs     int
	cooldownErr error
	dmErr       error
}

func (f *fakeStore) LoadDefinitions(context.Context) ([]Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	return f.defs, nil
}

func (f *fakeStore) FiredSince(_ context.Context, triggerID, userName string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldownQs++
	if f.cooldownErr != nil {
		return false, f.cooldownErr
	}
	for _, l := range f.logs {
		if l.TriggerID == triggerID && l.Candidate.UserName == userName && l.Outcome.Fired() && !l.FiredAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) FiredCount(_ context.Context, triggerID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dailyQs++
	n := 0
	for _, l := range f.logs {
		if l.TriggerID == triggerID && l.Outcome.Fired() && !l.FiredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) QueueDM(_ context.Context, dm DM) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return 0, f.dmErr
	}
	f.dms = append(f.dms, dm)
	return int64(len(f.dms)), nil
}

func (f *fakeStore) Enroll(_ context.Context, e Enrollment) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enrolled == nil {
		f.enrolled = map[string]bool{}
	}
	key := e.ScenarioID + "|" + e.UserName + "|" + e.CastName
	if f.enrolled[key] {
		return 0, false, nil
	}
	f.enrolled[key] = true
	return int64(len(f.enrolled)), true, nil
}

func (f *fakeStore) AppendLog(_ context.Context, e LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, e)
	return nil
}

func (f *fakeStore) outcomes() []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outcome, 0, len(f.logs))
	for _, l := range f.logs {
		out = append(out, l.Outcome)
	}
	return out
}

type fakeData struct {
	known        []string
	sessionUsers []string
	tippers      map[string]int64
	profiles     []Profile
	spy          []Profile
	casts        []string
	segments     map[string][]SegmentMember
	segmentErr   error
	panicOn      string
}

func (f *fakeData) KnownViewers(context.Context, string, string) ([]string, error) {
	return f.known, nil
}

func (f *fakeData) SessionViewers(context.Context, string, string, string) ([]string, error) {
	return f.sessionUsers, nil
}

func (f *fakeData) SessionTippers(context.Context, string, string, string) (map[string]int64, error) {
	return f.tippers, nil
}

func (f *fakeData) CastProfiles(_ context.Context, _, castName string, users []string, minTokens int64) ([]Profile, error) {
	want := map[string]bool{}
	for _, u := range users {
		want[u] = true
	}
	var out []Profile
	for _, p := range f.profiles {
		if p.CastName == castName && want[p.UserName] && p.TotalTokens >= minTokens {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeData) DormantProfiles(_ context.Context, _ string, minTokens int64, before time.Time, limit int) ([]Profile, error) {
	if f.panicOn == "dormant" {
		panic("broken evaluator")
	}
	var out []Profile
	for _, p := range f.profiles {
		if p.TotalTokens >= minTokens && p.LastVisit.Before(before) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeData) SpyProfiles(_ context.Context, _ string, minTokens int64, limit int) ([]Profile, error) {
	var out []Profile
	for _, p := range f.spy {
		if p.TotalTokens >= minTokens && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeData) OwnProfiles(_ context.Context, _ string, users []string) ([]Profile, error) {
	want := map[string]bool{}
	for _, u := range users {
		want[u] = true
	}
	var out []Profile
	for _, p := range f.profiles {
		if want[p.UserName] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeData) ActiveCasts(context.Context, string) ([]string, error) {
	return f.casts, nil
}

func (f *fakeData) CastVisitors(_ context.Context, _ string, casts []string, minVisits int) ([]Profile, error) {
	in := map[string]bool{}
	for _, c := range casts {
		in[c] = true
	}
	var out []Profile
	for _, p := range f.profiles {
		if in[p.CastName] && p.VisitCount >= minVisits {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeData) UserSegments(_ context.Context, _, castName string) ([]SegmentMember, error) {
	if f.segmentErr != nil {
		return nil, f.segmentErr
	}
	return f.segments[castName], nil
}

var errBackend = errors.New("backend unavailable")

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

package triggers

import (
	"context"
	"sort"
	"time"
)

const day = 24 * time.Hour

// spyScanLimit bounds the competitor-side profile scan before the own-cast join.
const spyScanLimit = 200

// maxPromotedCasts bounds how many active casts cross promotion considers.
const maxPromotedCasts = 5

// firstVisit returns viewers missing from known and adds them to it.
func firstVisit(known map[string]struct{}, accountID, castName string, viewers []string) []Candidate {
	var out []Candidate
	for _, v := range viewers {
		if v == "" {
			continue
		}
		if _, ok := known[v]; ok {
			continue
		}
		known[v] = struct{}{}
		out = append(out, Candidate{AccountID: accountID, CastName: castName, UserName: v})
	}
	return out
}

// vipNoTip returns high-value viewers of the session who tipped nothing.
func vipNoTip(ctx context.Context, d Data, c VIPNoTipCondition, accountID, castName, sessionID string) ([]Candidate, error) {
	if sessionID == "" {
		return nil, nil
	}
	viewers, err := d.SessionViewers(ctx, accountID, castName, sessionID)
	if err != nil || len(viewers) == 0 {
		return nil, err
	}
	tippers, err := d.SessionTippers(ctx, accountID, castName, sessionID)
	if err != nil {
		return nil, err
	}
	var silent []string
	for _, v := range viewers {
		if tippers[v] <= 0 {
			silent = append(silent, v)
		}
	}
	if len(silent) == 0 {
		return nil, nil
	}
	profiles, err := d.CastProfiles(ctx, accountID, castName, silent, c.MinTotalTokens)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, Candidate{AccountID: accountID, CastName: castName, UserName: p.UserName, TotalTokens: p.TotalTokens})
	}
	return out, nil
}

// postSession returns users whose session tips reached the threshold, ordered by name.
func postSession(ctx context.Context, d Data, c PostSessionCondition, accountID, castName, sessionID string) ([]Candidate, error) {
	if sessionID == "" {
		return nil, nil
	}
	tippers, err := d.SessionTippers(ctx, accountID, castName, sessionID)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for user, tokens := range tippers {
		if tokens >= c.MinSessionTokens {
			out = append(out, Candidate{AccountID: accountID, CastName: castName, UserName: user, SessionTokens: tokens})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out, nil
}

// churnRisk returns valuable users absent for at least AbsenceDays. A cast-scoped trigger
// only considers its own cast.
func churnRisk(ctx context.Context, d Data, t Trigger, c ChurnRiskCondition, accountID string, now time.Time) ([]Candidate, error) {
	cutoff := now.Add(-time.Duration(c.AbsenceDays) * day)
	profiles, err := d.DormantProfiles(ctx, accountID, c.MinTotalTokens, cutoff, c.Limit)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, p := range profiles {
		if t.CastName != "" && p.CastName != t.CastName {
			continue
		}
		out = append(out, Candidate{
			AccountID:          accountID,
			CastName:           p.CastName,
			UserName:           p.UserName,
			TotalTokens:        p.TotalTokens,
			DaysSinceLastVisit: daysSince(now, p.LastVisit),
		})
	}
	return out, nil
}

// competitorOutflow returns users spending on competitor casts who either never visited
// an own cast (only when the trigger names a cast) or have been away longer than
// DaysSinceOwnVisit.
func competitorOutflow(ctx context.Context, d Data, t Trigger, c CompetitorOutflowCondition, accountID string, now time.Time) ([]Candidate, error) {
	spies, err := d.SpyProfiles(ctx, accountID, c.MinSpyTokens, spyScanLimit)
	if err != nil || len(spies) == 0 {
		return nil, err
	}
	names := make([]string, 0, len(spies))
	for _, s := range spies {
		names = append(names, s.UserName)
	}
	own, err := d.OwnProfiles(ctx, accountID, names)
	if err != nil {
		return nil, err
	}
	best := make(map[string]Profile, len(own))
	for _, p := range own {
		if cur, ok := best[p.UserName]; !ok || p.TotalTokens > cur.TotalTokens {
			best[p.UserName] = p
		}
	}
	cutoff := now.Add(-time.Duration(c.DaysSinceOwnVisit) * day)
	var out []Candidate
	seen := make(map[string]bool, len(spies))
	for _, s := range spies {
		if seen[s.UserName] {
			continue
		}
		seen[s.UserName] = true
		p, visited := best[s.UserName]
		switch {
		case !visited:
			if t.CastName == "" {
				continue
			}
			out = append(out, Candidate{AccountID: accountID, CastName: t.CastName, UserName: s.UserName, TotalTokens: s.TotalTokens})
		case p.LastVisit.Before(cutoff):
			out = append(out, Candidate{
				AccountID:          accountID,
				CastName:           p.CastName,
				UserName:           s.UserName,
				TotalTokens:        p.TotalTokens,
				DaysSinceLastVisit: daysSince(now, p.LastVisit),
			})
		}
		if len(out) >= c.Limit {
			break
		}
	}
	return out, nil
}

// crossPromotion returns, per user, the first active cast they barely visit while being a
// regular on another one.
func crossPromotion(ctx context.Context, d Data, c CrossPromotionCondition, accountID string) ([]Candidate, error) {
	casts, err := d.ActiveCasts(ctx, accountID)
	if err != nil || len(casts) < 2 {
		return nil, err
	}
	if len(casts) > maxPromotedCasts {
		casts = casts[:maxPromotedCasts]
	}
	profiles, err := d.CastVisitors(ctx, accountID, casts, c.MinVisitsOtherCast)
	if err != nil {
		return nil, err
	}
	visits := make(map[string]map[string]int)
	var users []string
	for _, p := range profiles {
		m, ok := visits[p.UserName]
		if !ok {
			m = make(map[string]int)
			visits[p.UserName] = m
			users = append(users, p.UserName)
		}
		m[p.CastName] = p.VisitCount
	}
	var out []Candidate
	for _, user := range users {
		m := visits[user]
		for _, target := range casts {
			if m[target] > c.MaxVisitsTargetCast {
				continue
			}
			if regularElsewhere(m, target, c.MinVisitsOtherCast) {
				out = append(out, Candidate{AccountID: accountID, CastName: target, UserName: user})
				break
			}
		}
		if len(out) >= c.Limit {
			break
		}
	}
	return out, nil
}

func regularElsewhere(visits map[string]int, target string, minVisits int) bool {
	for cast, n := range visits {
		if cast != target && n >= minVisits {
			return true
		}
	}
	return false
}

// segmentUpgrade compares current membership with the previous snapshot and returns the
// users whose transition exactly matches one of the tracked "from->to" strings.
func segmentUpgrade(prev map[string]string, current []SegmentMember, tracked []string, accountID string) []Candidate {
	if len(tracked) == 0 || prev == nil {
		return nil
	}
	want := make(map[string]bool, len(tracked))
	for _, t := range tracked {
		want[t] = true
	}
	var out []Candidate
	for _, m := range current {
		before, ok := prev[snapshotKey(m.CastName, m.UserName)]
		if !ok || before == "" || before == m.Segment {
			continue
		}
		if !want[before+"->"+m.Segment] {
			continue
		}
		out = append(out, Candidate{
			AccountID:       accountID,
			CastName:        m.CastName,
			UserName:        m.UserName,
			Segment:         m.Segment,
			PreviousSegment: before,
			TotalTokens:     m.TotalTokens,
		})
	}
	return out
}

func snapshotKey(castName, userName string) string { return castName + ":" + userName }

func daysSince(now, then time.Time) int {
	if then.IsZero() {
		return 0
	}
	return int(now.Sub(then) / day)
}

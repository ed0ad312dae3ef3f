// Package triggers turns observed activity into gated outbound actions. Definitions are
// loaded from the backend and cached; each evaluator proposes candidates, and every
// candidate passes the segment, cooldown and daily-limit gates in that order before a
// direct message is queued or a scenario enrollment is written. Every outcome, fired or
// skipped, is appended to the audit log.
package triggers

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the evaluator a trigger is dispatched to.
type Type string

const (
	TypeFirstVisit        Type = "first_visit"
	TypeVIPNoTip          Type = "vip_no_tip"
	TypePostSession       Type = "post_session"
	TypeChurnRisk         Type = "churn_risk"
	TypeSegmentUpgrade    Type = "segment_upgrade"
	TypeCompetitorOutflow Type = "competitor_outflow"
	TypeCrossPromotion    Type = "cross_promotion"
)

// Action is what a fired trigger does.
type Action string

const (
	ActionDirectDM       Action = "direct_dm"
	ActionEnrollScenario Action = "enroll_scenario"
)

// Outcome is the action_taken value of an audit log row.
type Outcome string

const (
	OutcomeDMQueued          Outcome = "dm_queued"
	OutcomeScenarioEnrolled  Outcome = "scenario_enrolled"
	OutcomeSkippedSegment    Outcome = "skipped_segment"
	OutcomeSkippedCooldown   Outcome = "skipped_cooldown"
	OutcomeSkippedDailyLimit Outcome = "skipped_daily_limit"
	OutcomeSkippedDuplicate  Outcome = "skipped_duplicate"
	OutcomeSkippedTestMode   Outcome = "skipped_test_mode"
	OutcomeError             Outcome = "error"
)

// Fired reports whether the outcome counts towards cooldown and daily limit.
func (o Outcome) Fired() bool {
	return o == OutcomeDMQueued || o == OutcomeScenarioEnrolled
}

var (
	ErrUnknownTriggerType = errors.New("triggers: unknown trigger type")
	ErrUnknownAction      = errors.New("triggers: unknown action type")
	ErrInvalidCondition   = errors.New("triggers: invalid condition config")
)

// Definition is a dm_triggers row as stored.
type Definition struct {
	ID             string
	AccountID      string
	Name           string
	Type           string
	CastName       string
	Condition      json.RawMessage
	Action         string
	Template       string
	ScenarioID     string
	TargetSegments []string
	CooldownHours  int
	DailyLimit     int
	Priority       int
}

// Trigger is a validated definition with its typed condition.
type Trigger struct {
	ID             string
	AccountID      string
	Name           string
	Type           Type
	CastName       string
	Condition      Condition
	Action         Action
	Template       string
	ScenarioID     string
	TargetSegments []string
	CooldownHours  int
	// DailyLimit caps firings per calendar day; 0 means no cap.
	DailyLimit int
	Priority   int
}

// Build validates a definition. Unknown types and actions and malformed conditions are
// rejected.
func Build(d Definition) (Trigger, error) {
	cond, err := ParseCondition(Type(d.Type), d.Condition)
	if err != nil {
		return Trigger{}, fmt.Errorf("trigger %s: %w", d.ID, err)
	}
	action := Action(d.Action)
	if action == "" {
		action = ActionDirectDM
	}
	if action != ActionDirectDM && action != ActionEnrollScenario {
		return Trigger{}, fmt.Errorf("trigger %s: %w: %q", d.ID, ErrUnknownAction, d.Action)
	}
	if d.CooldownHours < 0 || d.DailyLimit < 0 {
		return Trigger{}, fmt.Errorf("trigger %s: negative cooldown or daily limit", d.ID)
	}
	return Trigger{
		ID:             d.ID,
		AccountID:      d.AccountID,
		Name:           d.Name,
		Type:           Type(d.Type),
		CastName:       d.CastName,
		Condition:      cond,
		Action:         action,
		Template:       d.Template,
		ScenarioID:     d.ScenarioID,
		TargetSegments: d.TargetSegments,
		CooldownHours:  d.CooldownHours,
		DailyLimit:     d.DailyLimit,
		Priority:       d.Priority,
	}, nil
}

// Campaign is the traceability tag written on queued messages.
func (t Trigger) Campaign() string {
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "trigger_" + string(t.Type) + "_" + id
}

// Candidate is one proposed firing.
type Candidate struct {
	AccountID          string
	CastName           string
	UserName           string
	Segment            string
	PreviousSegment    string
	TotalTokens        int64
	SessionTokens      int64
	DaysSinceLastVisit int
}

// LogEntry is one audit row.
type LogEntry struct {
	TriggerID    string
	TriggerType  Type
	Candidate    Candidate
	Outcome      Outcome
	DMLogID      int64
	EnrollmentID int64
	Error        string
	FiredAt      time.Time
}

// DM is a queued outbound message.
type DM struct {
	AccountID    string
	CastName     string
	UserName     string
	Message      string
	Campaign     string
	TemplateName string
	QueuedAt     time.Time
}

// Enrollment enrolls a user into a scenario.
type Enrollment struct {
	ScenarioID string
	AccountID  string
	CastName   string
	UserName   string
	EnrolledAt time.Time
}

// Profile is the part of a user profile the evaluators read.
type Profile struct {
	UserName    string
	CastName    string
	TotalTokens int64
	VisitCount  int
	LastVisit   time.Time
}

// SegmentMember is one user's current segment on a cast.
type SegmentMember struct {
	CastName    string
	UserName    string
	Segment     string
	TotalTokens int64
}

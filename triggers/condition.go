package triggers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is the typed configuration of one trigger type.
type Condition interface {
	conditionType() Type
}

type FirstVisitCondition struct{}

type VIPNoTipCondition struct {
	MinTotalTokens int64 `json:"min_total_tokens"`
}

type PostSessionCondition struct {
	DelayMinutes     int   `json:"delay_minutes"`
	MinSessionTokens int64 `json:"min_session_tokens"`
}

type ChurnRiskCondition struct {
	AbsenceDays    int   `json:"absence_days"`
	MinTotalTokens int64 `json:"min_total_tokens"`
	Limit          int   `json:"limit"`
}

// SegmentUpgradeCondition lists transitions as "from->to", matched exactly.
type SegmentUpgradeCondition struct {
	TrackUpgrades []string `json:"track_upgrades"`
}

type CompetitorOutflowCondition struct {
	MinSpyTokens      int64 `json:"min_spy_tokens"`
	DaysSinceOwnVisit int   `json:"days_since_own_visit"`
	Limit             int   `json:"limit"`
}

type CrossPromotionCondition struct {
	MinVisitsOtherCast  int `json:"min_visits_other_cast"`
	MaxVisitsTargetCast int `json:"max_visits_target_cast"`
	Limit               int `json:"limit"`
}

func (FirstVisitCondition) conditionType() Type        { return TypeFirstVisit }
func (VIPNoTipCondition) conditionType() Type          { return TypeVIPNoTip }
func (PostSessionCondition) conditionType() Type       { return TypePostSession }
func (ChurnRiskCondition) conditionType() Type         { return TypeChurnRisk }
func (SegmentUpgradeCondition) conditionType() Type    { return TypeSegmentUpgrade }
func (CompetitorOutflowCondition) conditionType() Type { return TypeCompetitorOutflow }
func (CrossPromotionCondition) conditionType() Type    { return TypeCrossPromotion }

// ParseCondition decodes raw into the condition of t and fills defaults. Unknown fields and
// negative values are rejected.
func ParseCondition(t Type, raw json.RawMessage) (Condition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	switch t {
	case TypeFirstVisit:
		var c FirstVisitCondition
		return c, decodeStrict(raw, &c)
	case TypeVIPNoTip:
		c := VIPNoTipCondition{}
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		if err := nonNegative(c.MinTotalTokens); err != nil {
			return nil, err
		}
		c.MinTotalTokens = orDefault64(c.MinTotalTokens, 1000)
		return c, nil
	case TypePostSession:
		c := PostSessionCondition{}
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		if err := nonNegative(int64(c.DelayMinutes), c.MinSessionTokens); err != nil {
			return nil, err
		}
		c.DelayMinutes = orDefault(c.DelayMinutes, 30)
		c.MinSessionTokens = orDefault64(c.MinSessionTokens, 50)
		return c, nil
	case TypeChurnRisk:
		c := ChurnRiskCondition{}
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		if err := nonNegative(int64(c.AbsenceDays), c.MinTotalTokens, int64(c.Limit)); err != nil {
			return nil, err
		}
		c.AbsenceDays = orDefault(c.AbsenceDays, 14)
		c.MinTotalTokens = orDefault64(c.MinTotalTokens, 300)
		c.Limit = orDefault(c.Limit, 50)
		return c, nil
	case TypeSegmentUpgrade:
		c := SegmentUpgradeCondition{}
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		for i, u := range c.TrackUpgrades {
			u = strings.ReplaceAll(strings.TrimSpace(u), "→", "->")
			from, to, ok := strings.Cut(u, "->")
			if !ok || strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
				return nil, fmt.Errorf("%w: track_upgrades entry %q is not from->to", ErrInvalidCondition, c.TrackUpgrades[i])
			}
			c.TrackUpgrades[i] = strings.TrimSpace(from) + "->" + strings.TrimSpace(to)
		}
		return c, nil
	case TypeCompetitorOutflow:
		c := CompetitorOutflowCondition{}
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		if err := nonNegative(c.MinSpyTokens, int64(c.DaysSinceOwnVisit), int64(c.Limit)); err != nil {
			return nil, err
		}
		c.MinSpyTokens = orDefault64(c.MinSpyTokens, 500)
		c.DaysSinceOwnVisit = orDefault(c.DaysSinceOwnVisit, 7)
		c.Limit = orDefault(c.Limit, 30)
		return c, nil
	case TypeCrossPromotion:
		c := CrossPromotionCondition{}
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		if err := nonNegative(int64(c.MinVisitsOtherCast), int64(c.MaxVisitsTargetCast), int64(c.Limit)); err != nil {
			return nil, err
		}
		c.MinVisitsOtherCast = orDefault(c.MinVisitsOtherCast, 3)
		c.Limit = orDefault(c.Limit, 20)
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTriggerType, t)
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCondition, err)
	}
	return nil
}

func nonNegative(vals ...int64) error {
	for _, v := range vals {
		if v < 0 {
			return fmt.Errorf("%w: negative value %d", ErrInvalidCondition, v)
		}
	}
	return nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefault64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

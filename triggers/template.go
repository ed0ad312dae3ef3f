package triggers

import (
	"errors"
	"strconv"
	"strings"
)

const defaultTemplate = "Hi {username}!"

// Render substitutes the candidate's values into tpl. Unknown placeholders are left as is;
// an empty template renders the default greeting.
func Render(tpl string, c Candidate) string {
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultTemplate
	}
	r := strings.NewReplacer(
		"{username}", c.UserName,
		"{cast_name}", c.CastName,
		"{total_tokens}", strconv.FormatInt(c.TotalTokens, 10),
		"{session_tokens}", strconv.FormatInt(c.SessionTokens, 10),
		"{segment}", c.Segment,
		"{previous_segment}", c.PreviousSegment,
		"{days_since_last_visit}", strconv.Itoa(c.DaysSinceLastVisit),
	)
	return r.Replace(tpl)
}

var (
	ErrCampaignRequired = errors.New("dm guard: campaign is required")
	ErrTestModeBlocked  = errors.New("dm guard: recipient not whitelisted in test mode")
)

// DMGuard is the last check before a direct message is queued. In test mode only
// whitelisted recipients pass.
type DMGuard struct {
	TestMode  bool
	whitelist map[string]struct{}
}

// NewDMGuard builds a guard from the configured whitelist.
func NewDMGuard(testMode bool, whitelist []string) DMGuard {
	g := DMGuard{TestMode: testMode, whitelist: make(map[string]struct{}, len(whitelist))}
	for _, u := range whitelist {
		g.whitelist[u] = struct{}{}
	}
	return g
}

// Check returns nil when the message may be queued.
func (g DMGuard) Check(userName, campaign string) error {
	if strings.TrimSpace(campaign) == "" {
		return ErrCampaignRequired
	}
	if g.TestMode {
		if _, ok := g.whitelist[userName]; !ok {
			return ErrTestModeBlocked
		}
	}
	return nil
}

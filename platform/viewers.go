package platform

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Viewer is one entry of the current viewer list.
type Viewer struct {
	UserName   string
	PlatformID string
	League     string
	Level      int
	IsFanClub  bool
}

// ParseViewers decodes a viewer list response. It accepts the nested
// {"members":[{"user":{...},"fanClubTier":...}]} shape and the legacy flat shape, with
// the array under members, users or data, or at the top level. Entries without a usable
// name are skipped. Only invalid JSON is an error; unexpected shapes yield an empty list.
func ParseViewers(raw []byte) ([]Viewer, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse viewers: %w", err)
	}
	var list []any
	switch v := doc.(type) {
	case []any:
		list = v
	case map[string]any:
		for _, key := range []string{"members", "users", "data"} {
			if arr, ok := v[key].([]any); ok {
				list = arr
				break
			}
			if v[key] != nil {
				// present but not an array
				return []Viewer{}, nil
			}
		}
	}

	out := make([]Viewer, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var v Viewer
		if nested, ok := obj["user"].(map[string]any); ok {
			v.UserName = firstString(nested, "username", "userName")
			v.PlatformID = firstString(nested, "id")
			if ranking, ok := nested["userRanking"].(map[string]any); ok {
				v.League = firstString(ranking, "league")
				v.Level = toInt(ranking["level"])
			}
			v.IsFanClub = obj["fanClubTier"] != nil
		} else {
			v.UserName = firstString(obj, "username", "userName", "user_name")
			v.PlatformID = firstString(obj, "id", "userId", "user_id")
			v.League = firstString(obj, "league", "badge")
			v.Level = toInt(obj["level"])
			v.IsFanClub = truthy(obj["isFanClubMember"]) || truthy(obj["fanClub"]) || truthy(obj["is_fan_club"])
		}
		if v.UserName == "" || v.UserName == "unknown" {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// firstString returns the first non-empty value among keys rendered as a string.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v != 0 {
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		case bool:
			if v {
				return "true"
			}
		}
	}
	return ""
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err == nil {
			return i
		}
	}
	return 0
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case string:
		return b != ""
	}
	return false
}

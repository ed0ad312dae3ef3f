package auth

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var preloadedStateRe = []*regexp.Regexp{
	regexp.MustCompile(`(?s)window\.__PRELOADED_STATE__\s*=\s*(\{.+?\});\s*</script>`),
	regexp.MustCompile(`(?s)window\.__PRELOADED_STATE__\s*=\s*(\{.+?\});`),
}

// ExtractPreloadedState returns the state object embedded in a model page.
func ExtractPreloadedState(html string) (map[string]any, error) {
	for _, re := range preloadedStateRe {
		m := re.FindStringSubmatch(html)
		if len(m) < 2 {
			continue
		}
		var state map[string]any
		if err := json.Unmarshal([]byte(m[1]), &state); err != nil {
			continue
		}
		return state, nil
	}
	return nil, errors.New("preloaded state not found")
}

// pageTokenPaths is the lookup order for a token in the page state.
var pageTokenPaths = [][]string{
	{"config", "centrifugoToken"},
	{"configV3", "centrifugoToken"},
	{"user", "centrifugoToken"},
	{"user", "token"},
	{"centrifugoToken"},
}

// configTokenPaths is the lookup order for a token in the config document.
var configTokenPaths = [][]string{
	{"centrifugoToken"},
	{"data", "centrifugoToken"},
	{"config", "centrifugoToken"},
}

// tokenFields is what a state document yields for credential building.
type tokenFields struct {
	Token     string
	WSURL     string
	SubjectID string
}

// findToken searches doc for a token: the fixed paths first, then a nested centrifugoToken
// or wsToken key, then any JWT-shaped string.
func findToken(doc map[string]any, paths [][]string) tokenFields {
	var f tokenFields
	for _, p := range paths {
		if s := stringAt(doc, p...); s != "" {
			f.Token = s
			break
		}
	}
	if f.Token == "" {
		f.Token = firstNonEmpty(findNested(doc, "centrifugoToken", 0), findNested(doc, "wsToken", 0))
	}
	if f.Token == "" {
		f.Token = findJWT(doc, 0)
	}
	f.WSURL = firstNonEmpty(
		stringAt(doc, "config", "webSocketUrl"),
		stringAt(doc, "configV3", "webSocketUrl"),
		stringAt(doc, "webSocketUrl"),
		stringAt(doc, "data", "webSocketUrl"),
		findNested(doc, "webSocketUrl", 0),
		findNested(doc, "wsUrl", 0),
	)
	f.SubjectID = firstNonEmpty(stringAt(doc, "user", "user", "id"), stringAt(doc, "user", "id"))
	return f
}

func stringAt(doc map[string]any, path ...string) string {
	var cur any = doc
	for _, k := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[k]
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// findNested returns the first string value stored under key, at most 5 levels deep.
func findNested(v any, key string, depth int) string {
	if depth > 5 {
		return ""
	}
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	for _, child := range m {
		if _, ok := child.(map[string]any); ok {
			if s := findNested(child, key, depth+1); s != "" {
				return s
			}
		}
	}
	return ""
}

// findJWT returns the first eyJ... string with three segments, at most 4 levels deep.
func findJWT(v any, depth int) string {
	if depth > 4 {
		return ""
	}
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, child := range m {
		if s, ok := child.(string); ok && looksLikeJWT(s) {
			return s
		}
	}
	for _, child := range m {
		if s := findJWT(child, depth+1); s != "" {
			return s
		}
	}
	return ""
}

func looksLikeJWT(s string) bool {
	if !strings.HasPrefix(s, "eyJ") {
		return false
	}
	parts := strings.Split(s, ".")
	return len(parts) == 3 && len(parts[1]) > 10
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package feed

import (
	"encoding/json"
	"strings"
)

// CodeAuthRequired is the protocol code for a missing or expired token. It is sent both as
// a connect error code and as a websocket close code.
const CodeAuthRequired = 3501

// Channel kinds subscribed for every target.
const (
	KindChatMessage = "newChatMessage"
	KindModelEvent  = "newModelEvent"
	KindChatCleared = "clearChatMessages"
	KindUserUpdated = "userUpdated"
)

// DefaultKinds are the channel kinds a Client subscribes to when none are configured.
var DefaultKinds = []string{KindChatMessage, KindModelEvent, KindChatCleared, KindUserUpdated}

// ChannelName renders the subscription channel for kind and a numeric platform id.
func ChannelName(kind, platformID string) string { return kind + "@" + platformID }

// KindOf returns the event kind of a channel name.
func KindOf(channel string) string {
	kind, _, _ := strings.Cut(channel, "@")
	return kind
}

type connectCommand struct {
	Connect struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	} `json:"connect"`
	ID int `json:"id"`
}

type subscribeCommand struct {
	Subscribe struct {
		Channel string `json:"channel"`
	} `json:"subscribe"`
	ID int `json:"id"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// reply is any inbound frame. Exactly one of the pointer fields is set for well-formed frames;
// a frame with none of them is a server ping.
type reply struct {
	ID        int              `json:"id"`
	Connect   *json.RawMessage `json:"connect"`
	Subscribe *json.RawMessage `json:"subscribe"`
	Push      *struct {
		Channel string `json:"channel"`
		Pub     *struct {
			Data json.RawMessage `json:"data"`
		} `json:"pub"`
	} `json:"push"`
	Error *protocolError `json:"error"`
}

func (r reply) isPing() bool {
	return r.ID == 0 && r.Connect == nil && r.Subscribe == nil && r.Push == nil && r.Error == nil
}

// SplitFrames splits a transport frame that may carry several concatenated JSON objects,
// with or without newlines between them, into the individual objects in order. Splitting
// follows balanced braces outside of string literals. Text between objects is ignored and
// segments that are not valid JSON are dropped; the second return value counts them.
func SplitFrames(text string) ([]json.RawMessage, int) {
	var (
		out      []json.RawMessage
		dropped  int
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				// stray closing brace
				continue
			}
			depth--
			if depth == 0 {
				part := strings.TrimSpace(text[start : i+1])
				if json.Valid([]byte(part)) {
					out = append(out, json.RawMessage(part))
				} else {
					dropped++
				}
				start = -1
			}
		}
	}
	if depth > 0 {
		// unterminated trailing object
		dropped++
	}
	return out, dropped
}

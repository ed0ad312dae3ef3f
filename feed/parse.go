package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnparseable is returned for payloads that carry no usable record.
var ErrUnparseable = errors.New("feed: unparseable payload")

// Message types written for chat pushes.
const (
	MsgTypeChat   = "chat"
	MsgTypeTip    = "tip"
	MsgTypeSystem = "system"
)

// ChatMessage is a decoded newChatMessage push.
type ChatMessage struct {
	UserName       string
	Body           string
	Tokens         int
	Type           string
	MessageTime    time.Time
	League         string
	Level          int
	PlatformUserID string
	IsModel        bool
	IsKing         bool
	IsKnight       bool
	IsFanClub      bool
}

// IsVIP reports whether the sender counts as a high-value viewer for this message.
func (m ChatMessage) IsVIP() bool { return m.Tokens >= 1000 || m.IsKing || m.IsKnight }

// ParseChat decodes the data object of a newChatMessage push. Field precedence:
//
//	user name:  message.userData.username, message.userData.screenName, username
//	body:       message.details.body, message.details.text
//	tokens:     message.details.amount, tokens
//	time:       message.createdAt, else receivedAt
//
// The type is tip when message.type is "tip" or tokens are positive, chat otherwise.
// A payload without a message object or a user name yields ErrUnparseable.
func ParseChat(data json.RawMessage, receivedAt time.Time) (ChatMessage, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	msg, ok := root["message"].(map[string]any)
	if !ok {
		return ChatMessage{}, fmt.Errorf("%w: no message object", ErrUnparseable)
	}
	user := object(msg, "userData")
	details := object(msg, "details")
	ranking := object(user, "userRanking")
	extra := object(msg, "additionalData")

	out := ChatMessage{
		UserName:       firstOf(str(user["username"]), str(user["screenName"]), str(root["username"])),
		Body:           firstOf(str(details["body"]), str(details["text"])),
		League:         str(ranking["league"]),
		Level:          num(ranking["level"]),
		PlatformUserID: str(user["id"]),
		IsModel:        user["isModel"] == true,
		IsKing:         extra["isKing"] == true,
		IsKnight:       extra["isKnight"] == true,
	}
	if out.UserName == "" {
		return ChatMessage{}, fmt.Errorf("%w: no user name", ErrUnparseable)
	}
	out.Tokens = num(details["amount"])
	if out.Tokens == 0 {
		out.Tokens = num(root["tokens"])
	}
	out.Type = MsgTypeChat
	if str(msg["type"]) == MsgTypeTip || out.Tokens > 0 {
		out.Type = MsgTypeTip
	}
	out.MessageTime = receivedAt
	if ts := str(msg["createdAt"]); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			out.MessageTime = t
		}
	}
	out.IsFanClub = num(details["fanClubNumberMonthsOfSubscribed"]) > 0 || user["isFanClubMember"] == true
	return out, nil
}

// ParseModelEvent returns the event name of a newModelEvent push, or "unknown".
func ParseModelEvent(data json.RawMessage) string {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return "unknown"
	}
	if name := firstOf(str(root["event"]), str(root["type"])); name != "" {
		return name
	}
	return "unknown"
}

func object(m map[string]any, key string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func num(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return 0
}

package feed

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChat(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		check func(t *testing.T, m ChatMessage)
	}{
		{
			name: "nested chat message",
			input: `{"message":{"type":"text","createdAt":"2026-03-01T11:59:58Z",
				"userData":{"id":77,"username":"alice","userRanking":{"league":"gold","level":15},"isModel":false},
				"details":{"body":"hello"}}}`,
			check: func(t *testing.T, m ChatMessage) {
				assert.Equal(t, "alice", m.UserName)
				assert.Equal(t, "hello", m.Body)
				assert.Equal(t, MsgTypeChat, m.Type)
				assert.Equal(t, "gold", m.League)
				assert.Equal(t, 15, m.Level)
				assert.Equal(t, "77", m.PlatformUserID)
				assert.Equal(t, time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC), m.MessageTime)
				assert.False(t, m.IsVIP())
			},
		},
		{
			name:  "tip by amount",
			input: `{"message":{"type":"text","userData":{"username":"whale"},"details":{"amount":1500,"body":""}}}`,
			check: func(t *testing.T, m ChatMessage) {
				assert.Equal(t, MsgTypeTip, m.Type)
				assert.Equal(t, 1500, m.Tokens)
				assert.True(t, m.IsVIP())
				assert.Equal(t, received, m.MessageTime)
			},
		},
		{
			name:  "tip type without amount",
			input: `{"message":{"type":"tip","userData":{"username":"u"},"details":{}}}`,
			check: func(t *testing.T, m ChatMessage) {
				assert.Equal(t, MsgTypeTip, m.Type)
				assert.Zero(t, m.Tokens)
			},
		},
		{
			name:  "screenName and text fallbacks",
			input: `{"message":{"userData":{"screenName":"Screen"},"details":{"text":"fallback body"}}}`,
			check: func(t *testing.T, m ChatMessage) {
				assert.Equal(t, "Screen", m.UserName)
				assert.Equal(t, "fallback body", m.Body)
			},
		},
		{
			name:  "flat username and tokens",
			input: `{"username":"flat","tokens":"20","message":{"details":{"body":"x"}}}`,
			check: func(t *testing.T, m ChatMessage) {
				assert.Equal(t, "flat", m.UserName)
				assert.Equal(t, 20, m.Tokens)
				assert.Equal(t, MsgTypeTip, m.Type)
			},
		},
		{
			name:  "king and fan club flags",
			input: `{"message":{"userData":{"username":"k","isFanClubMember":true},"additionalData":{"isKing":true},"details":{"body":"x"}}}`,
			check: func(t *testing.T, m ChatMessage) {
				assert.True(t, m.IsKing)
				assert.True(t, m.IsFanClub)
				assert.True(t, m.IsVIP())
			},
		},
		{
			name:  "string level",
			input: `{"message":{"userData":{"username":"s","userRanking":{"league":"silver","level":"25"}}}}`,
			check: func(t *testing.T, m ChatMessage) {
				assert.Equal(t, 25, m.Level)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseChat(json.RawMessage(tt.input), received)
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestParseChat_Unparseable(t *testing.T) {
	for _, input := range []string{
		`not json`,
		`{}`,
		`{"message":"string"}`,
		`{"message":{"userData":{},"details":{"body":"anon"}}}`,
	} {
		_, err := ParseChat(json.RawMessage(input), time.Now())
		if !errors.Is(err, ErrUnparseable) {
			t.Errorf("ParseChat(%s) err = %v, want ErrUnparseable", input, err)
		}
	}
}

func TestParseModelEvent(t *testing.T) {
	assert.Equal(t, "goOnline", ParseModelEvent(json.RawMessage(`{"event":"goOnline"}`)))
	assert.Equal(t, "private", ParseModelEvent(json.RawMessage(`{"type":"private"}`)))
	assert.Equal(t, "unknown", ParseModelEvent(json.RawMessage(`{}`)))
	assert.Equal(t, "unknown", ParseModelEvent(json.RawMessage(`[`)))
}

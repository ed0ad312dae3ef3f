package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/castwatch/crypto"
	"github.com/onnwee/castwatch/platform"
)

func makeJWT(t *testing.T, exp int64) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"sub":"guest","exp":%d}`, exp)))
	return header + "." + payload + ".sig"
}

type fakeSource struct {
	page       platform.Page
	pageErr    error
	config     string
	configCF   string
	status     platform.CastStatus
	live       string
	statusName string
}

func (f *fakeSource) FetchModelPage(_ context.Context, _ string) (platform.Page, error) {
	return f.page, f.pageErr
}

func (f *fakeSource) FetchConfig(context.Context) (json.RawMessage, string, error) {
	if f.config == "" {
		return nil, "", errors.New("no config")
	}
	return json.RawMessage(f.config), f.configCF, nil
}

func (f *fakeSource) GetStatus(_ context.Context, name string) (platform.CastStatus, error) {
	f.statusName = name
	return f.status, nil
}

func (f *fakeSource) FirstLiveModel(context.Context) (string, error) {
	if f.live == "" {
		return "", errors.New("none live")
	}
	return f.live, nil
}

func TestJWTExpiry(t *testing.T) {
	exp := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC).Unix()
	got, ok := JWTExpiry(makeJWT(t, exp))
	require.True(t, ok)
	assert.Equal(t, exp, got.Unix())

	for _, bad := range []string{"", "abc", "a.b", "a.!!!.c", makeJWT(t, 0)} {
		_, ok := JWTExpiry(bad)
		assert.False(t, ok, bad)
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "***", Mask("short"))
	assert.Equal(t, "***567890", Mask("abcdef1234567890"))
}

func TestPageMethod(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(45 * time.Minute).Unix()
	jwt := makeJWT(t, exp)

	tests := []struct {
		name      string
		state     string
		wantToken string
		wantWS    string
		wantUser  string
	}{
		{
			name:      "config path wins",
			state:     fmt.Sprintf(`{"config":{"centrifugoToken":%q,"webSocketUrl":"wss://a"},"user":{"token":"other","user":{"id":42}}}`, jwt),
			wantToken: jwt,
			wantWS:    "wss://a",
			wantUser:  "42",
		},
		{
			name:      "user token",
			state:     fmt.Sprintf(`{"user":{"token":%q,"id":7}}`, jwt),
			wantToken: jwt,
			wantUser:  "7",
		},
		{
			name:      "nested wsToken",
			state:     fmt.Sprintf(`{"a":{"b":{"wsToken":%q}},"wsUrl":"wss://b"}`, jwt),
			wantToken: jwt,
			wantWS:    "wss://b",
		},
		{
			name:      "deep scan for jwt",
			state:     fmt.Sprintf(`{"x":{"y":{"opaque":%q}}}`, jwt),
			wantToken: jwt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html := `<html><script>window.__PRELOADED_STATE__ = ` + tt.state + `;</script></html>`
			m := &PageMethod{Source: &fakeSource{page: platform.Page{Body: html, CFClearance: "cf"}}, Model: "alice", Now: func() time.Time { return now }}
			c, err := m.Acquire(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, c.Token)
			assert.Equal(t, tt.wantWS, c.WSURL)
			assert.Equal(t, tt.wantUser, c.SubjectID)
			assert.Equal(t, "cf", c.CFClearance)
			assert.Equal(t, MethodPage, c.Method)
			assert.Equal(t, exp, c.ExpiresAt.Unix())
		})
	}
}

func TestPageMethod_Failures(t *testing.T) {
	m := &PageMethod{Source: &fakeSource{page: platform.Page{Body: "<html>no state</html>"}}}
	_, err := m.Acquire(context.Background())
	assert.Error(t, err)

	m = &PageMethod{Source: &fakeSource{page: platform.Page{Body: `<script>window.__PRELOADED_STATE__ = {"config":{}};</script>`}}}
	_, err = m.Acquire(context.Background())
	assert.Error(t, err)

	m = &PageMethod{Source: &fakeSource{pageErr: &platform.StatusError{Endpoint: "page", Code: 403}}}
	_, err = m.Acquire(context.Background())
	assert.Error(t, err)
}

func TestConfigMethod_DefaultExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &ConfigMethod{Source: &fakeSource{config: `{"data":{"centrifugoToken":"opaque-token"}}`, configCF: "cf2"}, Now: func() time.Time { return now }}
	c, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", c.Token)
	assert.Equal(t, "cf2", c.CFClearance)
	assert.Equal(t, now.Add(DefaultTTL), c.ExpiresAt)
}

func TestBrowserMethod_FallsBackToLiveModel(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{status: platform.CastStatus{Status: platform.StatusOff}, live: "someone_live"}
	var gotArgs []string
	m := &BrowserMethod{
		Command: "auth-helper --headless",
		Model:   "alice",
		BaseURL: "https://stripchat.com",
		Source:  src,
		Now:     func() time.Time { return now },
		run: func(_ context.Context, name string, args []string) ([]byte, error) {
			assert.Equal(t, "auth-helper", name)
			gotArgs = args
			return []byte(`{"jwt":"captured","cf_clearance":"cf3","user_id":"9"}` + "\n"), nil
		},
	}
	c, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"--headless", "https://stripchat.com/someone_live"}, gotArgs)
	assert.Equal(t, "captured", c.Token)
	assert.Equal(t, MethodBrowser, c.Method)
	assert.Equal(t, now.Add(BrowserTTL), c.ExpiresAt)
}

func TestBrowserMethod_Errors(t *testing.T) {
	_, err := (&BrowserMethod{}).Acquire(context.Background())
	assert.Error(t, err)

	m := &BrowserMethod{Command: "helper", run: func(context.Context, string, []string) ([]byte, error) {
		return []byte(`{"token":""}`), nil
	}}
	_, err = m.Acquire(context.Background())
	assert.Error(t, err)
}

func TestEnvMethod(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := (&EnvMethod{}).Acquire(context.Background())
	assert.Error(t, err)

	exp := now.Add(20 * time.Minute).Unix()
	c, err := (&EnvMethod{Token: makeJWT(t, exp), CFClearance: "cf", Now: func() time.Time { return now }}).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exp, c.ExpiresAt.Unix())
	assert.Equal(t, MethodEnv, c.Method)
}

func TestRemoteMethod(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(RemoteResponse{OK: true, Token: "shared", CFClearance: "cf", ExpiresAt: exp, Method: MethodBrowser, RefreshCount: 4})
	}))
	defer srv.Close()

	c, err := (&RemoteMethod{URL: srv.URL}).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shared", c.Token)
	assert.Equal(t, MethodRemote, c.Method)
	assert.Equal(t, 4, c.RefreshCount)
	assert.True(t, exp.Equal(c.ExpiresAt))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer down.Close()
	_, err = (&RemoteMethod{URL: down.URL}).Acquire(context.Background())
	assert.Error(t, err)
}

func TestFileStore_RoundTrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	enc, err := crypto.NewAESEncryptor(key)
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		enc  crypto.Encryptor
	}{{"plain", nil}, {"encrypted", enc}} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".auth", "current.json")
			s := &FileStore{Path: path, Enc: tc.enc}

			got, err := s.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, got)

			want := Credential{Token: "secret-token", CFClearance: "cf", Method: MethodPage, ExpiresAt: time.Unix(1800000000, 0).UTC(), RefreshCount: 3}
			require.NoError(t, s.Save(context.Background(), want))

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			if tc.enc != nil {
				assert.NotContains(t, string(raw), "secret-token")
			}

			got, err = s.Load(context.Background())
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want.Token, got.Token)
			assert.Equal(t, want.CFClearance, got.CFClearance)
			assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
			assert.Equal(t, 3, got.RefreshCount)
		})
	}
}

func TestFileStore_EncryptedWithoutKey(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("z", 32)))
	enc, err := crypto.NewAESEncryptor(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, (&FileStore{Path: path, Enc: enc}).Save(context.Background(), Credential{Token: "t"}))

	_, err = (&FileStore{Path: path}).Load(context.Background())
	assert.Error(t, err)
}

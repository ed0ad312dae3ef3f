package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/castwatch/platform"
)

// Method is one way of obtaining a credential. A failing method returns an error and the
// chain moves on to the next one.
type Method interface {
	Name() string
	Acquire(ctx context.Context) (*Credential, error)
}

// PlatformSource is the part of platform.Client the methods use.
type PlatformSource interface {
	FetchModelPage(ctx context.Context, name string) (platform.Page, error)
	FetchConfig(ctx context.Context) (json.RawMessage, string, error)
	GetStatus(ctx context.Context, name string) (platform.CastStatus, error)
	FirstLiveModel(ctx context.Context) (string, error)
}

type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// PageMethod extracts the token from the state object embedded in a model page.
type PageMethod struct {
	Source PlatformSource
	Model  string
	Now    func() time.Time
}

func (m *PageMethod) Name() string { return MethodPage }

func (m *PageMethod) Acquire(ctx context.Context) (*Credential, error) {
	page, err := m.Source.FetchModelPage(ctx, m.Model)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	state, err := ExtractPreloadedState(page.Body)
	if err != nil {
		return nil, err
	}
	f := findToken(state, pageTokenPaths)
	if f.Token == "" {
		return nil, errors.New("no token in preloaded state")
	}
	return build(f, page.CFClearance, MethodPage, clock(m.Now).now()), nil
}

// ConfigMethod reads the token from the front-end configuration endpoint.
type ConfigMethod struct {
	Source PlatformSource
	Now    func() time.Time
}

func (m *ConfigMethod) Name() string { return MethodConfig }

func (m *ConfigMethod) Acquire(ctx context.Context) (*Credential, error) {
	raw, cf, err := m.Source.FetchConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	f := findToken(doc, configTokenPaths)
	if f.Token == "" {
		return nil, errors.New("no token in config")
	}
	f.SubjectID = ""
	return build(f, cf, MethodConfig, clock(m.Now).now()), nil
}

// BrowserTTL is the assumed lifetime of a token captured by the scripted browser.
const BrowserTTL = 55 * time.Minute

// BrowserMethod runs an external scripted-browser helper. The helper receives the model
// page URL as its last argument, resolves interstitials and age gates, captures the token
// from the first authenticated socket frame and prints a JSON object on stdout:
//
//	{"token":"...","cf_clearance":"...","ws_url":"...","user_id":"...","expires_at":1700000000}
//
// When the configured model is offline a currently live model from the public listing is
// used instead.
type BrowserMethod struct {
	Command string
	Model   string
	BaseURL string
	Source  PlatformSource
	Timeout time.Duration
	Now     func() time.Time

	// run executes the helper and returns stdout; tests replace it.
	run func(ctx context.Context, name string, args []string) ([]byte, error)
}

func (m *BrowserMethod) Name() string { return MethodBrowser }

func (m *BrowserMethod) Acquire(ctx context.Context) (*Credential, error) {
	fields := strings.Fields(m.Command)
	if len(fields) == 0 {
		return nil, errors.New("browser helper not configured")
	}
	model := m.Model
	if m.Source != nil {
		if st, err := m.Source.GetStatus(ctx, model); err != nil || !st.Online() {
			if live, lerr := m.Source.FirstLiveModel(ctx); lerr == nil {
				slog.Info("browser auth using live fallback model", slog.String("model", live), slog.String("component", "auth"))
				model = live
			}
		}
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := m.run
	if run == nil {
		run = runHelper
	}
	pageURL := strings.TrimRight(m.BaseURL, "/") + "/" + model
	out, err := run(runCtx, fields[0], append(fields[1:], pageURL))
	if err != nil {
		return nil, fmt.Errorf("browser helper: %w", err)
	}
	var res struct {
		Token       string `json:"token"`
		JWT         string `json:"jwt"`
		CFClearance string `json:"cf_clearance"`
		WSURL       string `json:"ws_url"`
		UserID      string `json:"user_id"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return nil, fmt.Errorf("browser helper output: %w", err)
	}
	token := firstNonEmpty(res.Token, res.JWT)
	if token == "" {
		return nil, errors.New("browser helper returned no token")
	}
	now := clock(m.Now).now()
	exp := now.Add(BrowserTTL)
	if res.ExpiresAt > 0 {
		exp = time.Unix(res.ExpiresAt, 0)
	}
	return &Credential{
		Token:       token,
		CFClearance: res.CFClearance,
		WSURL:       res.WSURL,
		SubjectID:   res.UserID,
		ExpiresAt:   exp,
		Method:      MethodBrowser,
		AcquiredAt:  now,
	}, nil
}

func runHelper(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[len(msg)-300:]
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return out, nil
}

// EnvMethod returns a manually configured token.
type EnvMethod struct {
	Token       string
	CFClearance string
	Now         func() time.Time
}

func (m *EnvMethod) Name() string { return MethodEnv }

func (m *EnvMethod) Acquire(_ context.Context) (*Credential, error) {
	if m.Token == "" {
		return nil, errors.New("no token in environment")
	}
	now := clock(m.Now).now()
	return &Credential{
		Token:       m.Token,
		CFClearance: m.CFClearance,
		ExpiresAt:   expiryFor(m.Token, now),
		Method:      MethodEnv,
		AcquiredAt:  now,
	}, nil
}

// RemoteMethod pulls the shared credential from the auth manager process.
type RemoteMethod struct {
	URL        string
	HTTPClient *http.Client
}

func (m *RemoteMethod) Name() string { return MethodRemote }

// RemoteResponse is the body served by the auth manager at GET /auth.
type RemoteResponse struct {
	OK               bool      `json:"ok"`
	Token            string    `json:"token,omitempty"`
	CFClearance      string    `json:"cf_clearance,omitempty"`
	WSURL            string    `json:"ws_url,omitempty"`
	SubjectID        string    `json:"subject_id,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	Method           string    `json:"method,omitempty"`
	AcquiredAt       time.Time `json:"acquired_at,omitempty"`
	RefreshCount     int       `json:"refresh_count"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Error            string    `json:"error,omitempty"`
}

func (m *RemoteMethod) Acquire(ctx context.Context) (*Credential, error) {
	if m.URL == "" {
		return nil, errors.New("auth manager url not configured")
	}
	hc := m.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(m.URL, "/")+"/auth", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth manager: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close auth manager body", slog.Any("err", cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("auth manager: HTTP %d", resp.StatusCode)
	}
	var body RemoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("auth manager decode: %w", err)
	}
	if !body.OK || body.Token == "" {
		return nil, errors.New("auth manager returned no token")
	}
	return &Credential{
		Token:        body.Token,
		CFClearance:  body.CFClearance,
		WSURL:        body.WSURL,
		SubjectID:    body.SubjectID,
		ExpiresAt:    body.ExpiresAt,
		Method:       MethodRemote,
		AcquiredAt:   body.AcquiredAt,
		RefreshCount: body.RefreshCount,
	}, nil
}

func build(f tokenFields, cf, method string, now time.Time) *Credential {
	return &Credential{
		Token:       f.Token,
		CFClearance: cf,
		WSURL:       f.WSURL,
		SubjectID:   f.SubjectID,
		ExpiresAt:   expiryFor(f.Token, now),
		Method:      method,
		AcquiredAt:  now,
	}
}

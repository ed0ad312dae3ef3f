package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/castwatch/auth"
	"github.com/onnwee/castwatch/collector"
)

type fakeDB struct{ err error }

func (f fakeDB) PingContext(context.Context) error { return f.err }

type fakeStatus struct{ rec collector.HealthRecord }

func (f fakeStatus) Snapshot() collector.HealthRecord { return f.rec }

type fakeCreds struct {
	cred       auth.Credential
	ok         bool
	status     auth.Status
	refreshErr error
	refreshes  int
}

func (f *fakeCreds) Current() (auth.Credential, bool) { return f.cred, f.ok }
func (f *fakeCreds) Status() auth.Status              { return f.status }
func (f *fakeCreds) Refresh(context.Context) (auth.Credential, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return auth.Credential{}, f.refreshErr
	}
	return f.cred, nil
}

func serve(h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	h := NewCollectorMux(fakeDB{}, fakeStatus{})
	rr := serve(h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}

	h = NewCollectorMux(fakeDB{err: errors.New("down")}, fakeStatus{})
	if rr := serve(h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name        string
		db          fakeDB
		status      string
		code        int
		failedCheck string
	}{
		{"ready", fakeDB{}, "online", http.StatusOK, ""},
		{"offline target is still ready", fakeDB{}, "offline", http.StatusOK, ""},
		{"target not observed", fakeDB{}, "unknown", http.StatusServiceUnavailable, "target_observed"},
		{"database down", fakeDB{err: errors.New("down")}, "online", http.StatusServiceUnavailable, "database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCollectorMux(tt.db, fakeStatus{rec: collector.HealthRecord{Status: tt.status}})
			rr := serve(h, http.MethodGet, "/readyz", nil)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d, body=%s", tt.code, rr.Code, rr.Body.String())
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["failed_check"] != tt.failedCheck {
				t.Fatalf("expected failed_check %q, got %q", tt.failedCheck, resp["failed_check"])
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	rec := collector.HealthRecord{Pipeline: "Collector:alice", Status: "online", SessionID: "s-1", MessageCount: 7, InstanceID: "i-1"}
	h := NewCollectorMux(fakeDB{}, fakeStatus{rec: rec})
	rr := serve(h, http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got collector.HealthRecord
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s-1" || got.MessageCount != 7 || got.Status != "online" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if rr := serve(h, http.MethodPost, "/status", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rr.Code)
	}
}

func TestCorrelationHeader(t *testing.T) {
	h := NewCollectorMux(fakeDB{}, fakeStatus{})
	rr := serve(h, http.MethodGet, "/healthz", map[string]string{correlationHeader: "corr-123"})
	if got := rr.Header().Get(correlationHeader); got != "corr-123" {
		t.Fatalf("expected propagated correlation id, got %q", got)
	}
	rr = serve(h, http.MethodGet, "/healthz", nil)
	if got := rr.Header().Get(correlationHeader); len(got) != 36 {
		t.Fatalf("expected a generated uuid, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewCollectorMux(fakeDB{}, fakeStatus{})
	rr := serve(h, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus exposition, got %q", rr.Body.String()[:min(200, rr.Body.Len())])
	}
}

func TestAuthEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	creds := &fakeCreds{
		cred:   auth.Credential{Token: "eyJ.token", CFClearance: "cf", WSURL: "wss://feed", ExpiresAt: exp, Method: auth.MethodPage, RefreshCount: 2},
		ok:     true,
		status: auth.Status{Valid: true, RemainingSeconds: 3599, Method: auth.MethodPage},
	}
	h := NewAuthMux(ctx, creds, "")

	rr := serve(h, http.MethodGet, "/auth", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body auth.RemoteResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || body.Token != "eyJ.token" || body.CFClearance != "cf" || body.RemainingSeconds != 3599 || !body.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected body: %+v", body)
	}

	creds.status.Valid = false
	if rr := serve(h, http.MethodGet, "/auth", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a valid credential, got %d", rr.Code)
	}
}

func TestAuthHealthEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	creds := &fakeCreds{status: auth.Status{Valid: false, LastError: "all methods failed"}}
	h := NewAuthMux(ctx, creds, "")

	rr := serve(h, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var st auth.Status
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Valid || st.LastError != "all methods failed" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if strings.Contains(rr.Body.String(), "token\"") {
		t.Fatalf("health must not carry the token: %s", rr.Body.String())
	}
}

func TestRefreshEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	creds := &fakeCreds{cred: auth.Credential{Token: "fresh", Method: auth.MethodConfig}, ok: true}
	h := NewAuthMux(ctx, creds, "s3cret")

	if rr := serve(h, http.MethodPost, "/refresh", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if creds.refreshes != 0 {
		t.Fatalf("unauthorized request must not refresh")
	}

	rr := serve(h, http.MethodPost, "/refresh", map[string]string{tokenHeader: "s3cret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if creds.refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", creds.refreshes)
	}

	creds.refreshErr = auth.ErrAllMethodsFailed
	if rr := serve(h, http.MethodPost, "/refresh", map[string]string{tokenHeader: "s3cret"}); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on refresh failure, got %d", rr.Code)
	}

	if rr := serve(h, http.MethodGet, "/refresh", map[string]string{tokenHeader: "s3cret"}); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", NewCollectorMux(fakeDB{}, fakeStatus{})) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

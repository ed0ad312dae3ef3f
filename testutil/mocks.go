package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockPlatformServer fakes the platform status and viewer endpoints. Unknown paths return 404.
type MockPlatformServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockPlatformServer creates a new mock platform server
func NewMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()
	m := &MockPlatformServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.calls[key]++
		h, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs a handler under a lock so tests can swap responses while a collector polls.
func (m *MockPlatformServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// Calls returns how often path was requested.
func (m *MockPlatformServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// StatusPath is the cam status path for a model name.
func StatusPath(name string) string {
	return "/api/front/v2/models/username/" + name + "/cam"
}

// ViewersPath is the member list path for a model name.
func ViewersPath(name string) string {
	return "/api/front/v2/models/username/" + name + "/members"
}

// MockStatus serves a status document for name.
func (m *MockPlatformServer) MockStatus(name, status string, viewers int, modelID int64) {
	m.Handle(StatusPath(name), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"user": map[string]any{
				"status":       status,
				"viewersCount": viewers,
				"id":           modelID,
			},
		})
	})
}

// MockViewers serves a v2 member list with the given user names.
func (m *MockPlatformServer) MockViewers(name string, users ...string) {
	m.Handle(ViewersPath(name), func(w http.ResponseWriter, r *http.Request) {
		members := make([]map[string]any, 0, len(users))
		for i, u := range users {
			members = append(members, map[string]any{
				"user": map[string]any{
					"username":    u,
					"id":          1000 + i,
					"userRanking": map[string]any{"league": "gold", "level": 10},
				},
			})
		}
		writeJSON(w, map[string]any{"members": members})
	})
}

// MockStatusCode makes every request to path fail with code.
func (m *MockPlatformServer) MockStatusCode(path string, code int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(strings.TrimSpace(http.StatusText(code))))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

package command

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/urfave/cli/v2"
)

// request is one call seen by the mock server.
type request struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// mockServer answers admin API routes with canned envelopes.
type mockServer struct {
	*httptest.Server
	mux *http.ServeMux

	mu       sync.Mutex
	requests []request
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	m := &mockServer{mux: http.NewServeMux()}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &req.Body)
		}
		m.mu.Lock()
		m.requests = append(m.requests, req)
		m.mu.Unlock()
		m.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

// handle registers data as the success payload for pattern.
func (m *mockServer) handle(pattern string, data any) {
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, data)
	})
}

// handleError registers an error envelope for pattern.
func (m *mockServer) handleError(pattern string, status int, code, message string) {
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, status, code, message)
	})
}

func (m *mockServer) seen() []request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]request(nil), m.requests...)
}

func (m *mockServer) last(t *testing.T) request {
	t.Helper()
	reqs := m.seen()
	if len(reqs) == 0 {
		t.Fatal("no request reached the server")
	}
	return reqs[len(reqs)-1]
}

// jsonResponse writes a success envelope.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":      "OK",
		"message":   "Success",
		"timestamp": time.Now().UnixMilli(),
		"data":      data,
	})
}

// errorResponse writes an error envelope.
func errorResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":       code,
		"message":    message,
		"request_id": "01JTEST",
		"timestamp":  time.Now().UnixMilli(),
	})
}

// run executes the CLI against server with an empty config file
// location, returning stdout.
func run(t *testing.T, server string, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := App()
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}

	full := []string{"corestate-cli", "--config", filepath.Join(t.TempDir(), "cli.yaml")}
	if server != "" {
		full = append(full, "--server", server)
	}
	err := app.Run(append(full, args...))
	return out.String(), err
}

func sampleSnapshot(id uint64) map[string]any {
	return map[string]any{
		"id":            id,
		"origin_device": "sda",
		"description":   "nightly",
		"created_at":    "2026-03-01T10:00:00Z",
		"chunk_size":    4,
		"size_bytes":    10,
		"active":        true,
		"write_counter": 12,
		"mapped_chunks": 2,
		"usage_bytes":   8,
		"integrity":     "ok",
	}
}

func sampleStatus() map[string]any {
	return map[string]any{
		"tracking_enabled":  true,
		"snapshots_enabled": true,
		"active":            true,
		"monitored_blocks":  42,
		"dirty_records":     7,
		"completed_backups": 3,
		"block_size":        4096,
		"devices":           []string{"sda", "sdb"},
		"snapshots":         []any{sampleSnapshot(1)},
		"allocator":         map[string]any{"capacity": 16384, "used": 2},
		"trigger":           map[string]any{"threshold": 1000, "pending": 7, "signals": 1},
		"tracker":           map[string]any{"records": 42, "dirty": 7, "writes": 90},
		"monitor":           map[string]any{"scans": 5},
	}
}

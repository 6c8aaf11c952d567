package httpserver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/core/service"
	"github.com/yndnr/corestate-go/internal/server/httpserver/handler"
	"github.com/yndnr/corestate-go/internal/telemetry/logger"
	"github.com/yndnr/corestate-go/internal/telemetry/metric"
)

// stubService answers Status; every other call panics.
type stubService struct {
	handler.Service
}

func (stubService) Status() service.Status {
	return service.Status{TrackingEnabled: true, Devices: []string{"sda"}}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(ok(), mark("a"), mark("b"), mark("c")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("order = %v, want a,b,c", order)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(discard())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		header   string
		wantSame bool
	}{
		{"generated", "", false},
		{"client supplied", "trace-123", true},
		{"oversized replaced", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(HeaderRequestID, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(HeaderRequestID)
			if got != seen {
				t.Errorf("header %q != context %q", got, seen)
			}
			if tt.wantSame {
				if got != tt.header {
					t.Errorf("request id = %q, want %q", got, tt.header)
				}
				return
			}
			if _, err := ulid.ParseStrict(got); err != nil {
				t.Errorf("generated id %q is not a ULID: %v", got, err)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	reg := metric.NewRegistry()
	h := RateLimit(0.001, 2, reg)(ok())

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = rec.Code
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	families, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == "corestate_http_rate_limited_total" {
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("rate_limited_total = %v, want 1", v)
			}
			return
		}
	}
	t.Error("rate_limited_total not gathered")
}

func TestRecover(t *testing.T) {
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), Recover(discard()), RequestID(discard()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != domain.ErrInternal.Code || body["request_id"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestAudit(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	}), RequestID(l), Audit(l))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/v1/snapshots/7", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log %q: %v", buf.String(), err)
	}
	if entry["level"] != "WARN" || entry["status"] != float64(404) || entry["bytes"] != float64(4) {
		t.Errorf("audit entry = %v", entry)
	}
	if entry["request_id"] == nil || entry["path"] != "/admin/v1/snapshots/7" {
		t.Errorf("audit entry = %v", entry)
	}
}

func TestRouter_ObservesMatchedRoutes(t *testing.T) {
	reg := metric.NewRegistry()
	cfg := DefaultRouterConfig()
	cfg.Service = stubService{}
	cfg.Metrics = reg
	cfg.Logger = discard()
	h := NewRouter(cfg)

	for _, path := range []string{"/admin/v1/status", "/admin/v1/status", "/nowhere", "/metrics"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	families, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "corestate_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			got[labels["route"]+" "+labels["code"]] = m.GetCounter().GetValue()
		}
	}
	if got["GET /admin/v1/status 200"] != 2 {
		t.Errorf("status route count = %v (all: %v)", got["GET /admin/v1/status 200"], got)
	}
	if got["unmatched 404"] != 1 {
		t.Errorf("unmatched count = %v (all: %v)", got["unmatched 404"], got)
	}
}

func TestRouter_PanicBecomes500(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.Service = stubService{}
	cfg.Logger = discard()
	h := NewRouter(cfg)

	// ListSnapshots is not implemented by the stub.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/snapshots", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Error("request id missing on a recovered response")
	}
}

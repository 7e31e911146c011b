package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type flakyProbe struct {
	fail atomic.Bool
	hits atomic.Int32
}

func (p *flakyProbe) check(_ context.Context) error {
	p.hits.Add(1)
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestHTTPProbe_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err != nil {
		t.Errorf("expected probe to succeed, got %v", err)
	}
}

func TestHTTPProbe_headNotAllowedFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err != nil {
		t.Errorf("expected GET fallback to succeed, got %v", err)
	}
}

func TestHTTPProbe_failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err == nil {
		t.Error("expected probe to fail")
	}
}

func TestCheckAll_degradesAfterThresholdAndRecovers(t *testing.T) {
	p := &flakyProbe{}
	p.fail.Store(true)

	var changes []bool
	checker := New(Config{FailThreshold: 3}, zap.NewNop())
	checker.Add("database", p.check)
	checker.SetChangeHook(func(serving bool) { changes = append(changes, serving) })

	for range 2 {
		checker.CheckAll(context.Background())
	}
	if !checker.Serving() {
		t.Fatal("expected serving below threshold")
	}

	checker.CheckAll(context.Background())
	if checker.Serving() {
		t.Fatal("expected not serving at threshold")
	}
	if rep := checker.Report(); rep[0].Status != StatusDegraded || rep[0].FailCount != 3 {
		t.Errorf("report = %+v", rep[0])
	}

	p.fail.Store(false)
	checker.CheckAll(context.Background())
	if !checker.Serving() {
		t.Fatal("expected recovery after one success")
	}
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("changes = %v, want [false true]", changes)
	}
	if p.hits.Load() != 4 {
		t.Errorf("hits = %d, want 4", p.hits.Load())
	}
}

func TestCheckAll_metricsCallback(t *testing.T) {
	checker := New(Config{}, zap.NewNop())
	checker.Add("ok", func(context.Context) error { return nil })
	checker.Add("bad", func(context.Context) error { return errors.New("down") })

	results := make(chan string, 2)
	checker.SetMetricsRecord(func(name string, success bool) {
		if success {
			results <- name + ":ok"
		} else {
			results <- name + ":fail"
		}
	})
	checker.CheckAll(context.Background())
	close(results)

	got := map[string]bool{}
	for r := range results {
		got[r] = true
	}
	if !got["ok:ok"] || !got["bad:fail"] {
		t.Errorf("metrics = %v", got)
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := New(Config{FailThreshold: 1}, zap.NewNop())
	checker.Add("database", func(context.Context) error { return errors.New("down") })

	r := gin.New()
	r.GET("/healthz", checker.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("before first check: expected 200, got %d", w.Code)
	}

	checker.CheckAll(context.Background())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body struct {
		Status       string             `json:"status"`
		Dependencies []DependencyStatus `json:"dependencies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || len(body.Dependencies) != 1 || body.Dependencies[0].LastError != "down" {
		t.Errorf("body = %+v", body)
	}
}

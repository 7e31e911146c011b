// Package health tracks the reachability of the engine's dependencies and
// reports it over HTTP and the gRPC health protocol.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Status values reported per dependency.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// ChangeFunc is called when overall serving status flips.
type ChangeFunc func(serving bool)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(name string, success bool)

type probeState struct {
	probe     Probe
	failCount int
	lastErr   string
	lastAt    time.Time
}

// Checker runs periodic dependency probes. A dependency is degraded after
// FailThreshold consecutive failures and healthy again after one success.
type Checker struct {
	mu        sync.Mutex
	probes    map[string]*probeState
	serving   bool
	cfg       Config
	onChange  ChangeFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker with no probes. It reports serving until a
// probe degrades.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		probes:  make(map[string]*probeState),
		serving: true,
		cfg:     cfg,
		logger:  logger,
	}
}

// Add registers a named probe.
func (h *Checker) Add(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = &probeState{probe: p}
}

// SetChangeHook configures the serving-status callback.
func (h *Checker) SetChangeHook(fn ChangeFunc) {
	h.onChange = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start probes once immediately and then every CheckInterval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	h.CheckAll(ctx)
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently.
func (h *Checker) CheckAll(ctx context.Context) {
	h.mu.Lock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.checkOne(ctx, name)
		}()
	}
	wg.Wait()

	h.mu.Lock()
	serving := true
	for _, s := range h.probes {
		if s.failCount >= h.cfg.FailThreshold {
			serving = false
		}
	}
	changed := serving != h.serving
	h.serving = serving
	h.mu.Unlock()

	if changed {
		if serving {
			h.logger.Info("health: serving")
		} else {
			h.logger.Warn("health: not serving")
		}
		if h.onChange != nil {
			h.onChange(serving)
		}
	}
}

func (h *Checker) checkOne(ctx context.Context, name string) {
	h.mu.Lock()
	s := h.probes[name]
	probe := s.probe
	h.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	err := probe(pctx)
	cancel()

	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	prev := s.failCount
	s.lastAt = time.Now().UTC()
	if err == nil {
		s.failCount = 0
		s.lastErr = ""
	} else {
		s.failCount++
		s.lastErr = err.Error()
	}
	count := s.failCount
	h.mu.Unlock()

	switch {
	case err == nil && prev >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("dependency", name))
	case err != nil && count == h.cfg.FailThreshold:
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

// Serving reports the overall status.
func (h *Checker) Serving() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serving
}

// DependencyStatus is one line of the health report.
type DependencyStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
}

// Report returns every dependency's status sorted by name.
func (h *Checker) Report() []DependencyStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DependencyStatus, 0, len(h.probes))
	for name, s := range h.probes {
		st := StatusHealthy
		if s.failCount >= h.cfg.FailThreshold {
			st = StatusDegraded
		}
		out = append(out, DependencyStatus{Name: name, Status: st, FailCount: s.failCount, LastError: s.lastErr, CheckedAt: s.lastAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handler serves GET /healthz: 200 while serving, 503 otherwise.
func (h *Checker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		code, status := http.StatusOK, "ok"
		if !h.Serving() {
			code, status = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(code, gin.H{"status": status, "dependencies": h.Report()})
	}
}

// HTTPProbe returns a probe that attempts HEAD then GET on url and accepts
// any response below 500.
func HTTPProbe(client *http.Client, url string) Probe {
	return func(ctx context.Context) error {
		var lastErr error
		for _, method := range []string{http.MethodHead, http.MethodGet} {
			req, err := http.NewRequestWithContext(ctx, method, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
			lastErr = fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
		}
		return lastErr
	}
}

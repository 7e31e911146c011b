// Package metrics exposes the engine's Prometheus metrics. Components stay
// metric-agnostic and report through the Record callbacks wired in main.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/clubsync/internal/enrich"
	"github.com/jmerrifield20/clubsync/internal/governor"
	"github.com/jmerrifield20/clubsync/internal/leaderboard"
	"github.com/jmerrifield20/clubsync/internal/scheduler"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubsync_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clubsync_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubsync_cycles_total",
		Help: "Completed scheduler cycles by kind and final state.",
	}, []string{"kind", "state"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clubsync_cycle_duration_seconds",
		Help:    "Scheduler cycle duration in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"kind"})

	userSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubsync_user_syncs_total",
		Help: "Per-user sync outcomes by outcome and error kind.",
	}, []string{"outcome", "kind"})

	activitiesUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubsync_activities_upserted_total",
		Help: "Activities written by the sync path, by upsert outcome.",
	}, []string{"outcome"})

	lastSyncCompleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clubsync_last_sync_completed_timestamp_seconds",
		Help: "Unix timestamp of the most recent finished sync cycle.",
	})

	remoteCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubsync_remote_calls_total",
		Help: "Remote API calls by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	remoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clubsync_remote_call_duration_seconds",
		Help:    "Remote API call latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	quotaUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clubsync_quota_used",
		Help: "Requests counted against the current quota window.",
	}, []string{"window"})

	quotaLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clubsync_quota_limit",
		Help: "Request limit of the current quota window.",
	}, []string{"window"})

	backoffSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clubsync_backoff_remaining_seconds",
		Help: "Seconds until the governor admits remote calls again.",
	})

	quotaRejections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clubsync_quota_consecutive_rejections",
		Help: "Consecutive remote quota rejections since the last success.",
	})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubsync_token_refreshes_total",
		Help: "Credential refresh attempts by outcome.",
	}, []string{"outcome"})

	enrichmentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubsync_enrichment_activities_total",
		Help: "Activities processed by enrichment jobs, by job and result.",
	}, []string{"kind", "result"})

	trophiesAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clubsync_trophies_awarded_total",
		Help: "Weekly champion designations written.",
	})

	healthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubsync_health_probes_total",
		Help: "Dependency health probes by dependency and result.",
	}, []string{"dependency", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCycle records a finished scheduler cycle.
func RecordCycle(r *scheduler.CycleReport) {
	cyclesTotal.WithLabelValues(string(r.Kind), string(r.State)).Inc()
	cycleDuration.WithLabelValues(string(r.Kind)).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())

	for _, u := range r.Users {
		kind := string(u.Kind)
		if kind == "" {
			kind = "none"
		}
		userSyncsTotal.WithLabelValues(string(u.Outcome), kind).Inc()
		activitiesUpserted.WithLabelValues("inserted").Add(float64(u.Result.Counts.Inserted))
		activitiesUpserted.WithLabelValues("updated").Add(float64(u.Result.Counts.Updated))
		activitiesUpserted.WithLabelValues("unchanged").Add(float64(u.Result.Counts.Unchanged))
	}
	if r.Kind == scheduler.CycleSync && !r.FinishedAt.IsZero() {
		lastSyncCompleted.Set(float64(r.FinishedAt.Unix()))
	}
}

// RecordRemoteCall records one remote API call attempt.
func RecordRemoteCall(endpoint, outcome string, d time.Duration) {
	remoteCallsTotal.WithLabelValues(endpoint, outcome).Inc()
	remoteCallDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// QuotaRecorder returns a governor state callback. now is evaluated on each
// update to compute the remaining backoff.
func QuotaRecorder(now func() time.Time) governor.StateRecordFunc {
	return func(s governor.State) {
		quotaUsed.WithLabelValues("short").Set(float64(s.ShortUsed))
		quotaUsed.WithLabelValues("daily").Set(float64(s.DailyUsed))
		quotaLimit.WithLabelValues("short").Set(float64(s.ShortLimit))
		quotaLimit.WithLabelValues("daily").Set(float64(s.DailyLimit))
		quotaRejections.Set(float64(s.Rejections))

		remaining := s.BlockedUntil.Sub(now())
		backoffSeconds.Set(max(remaining.Seconds(), 0))
	}
}

// RecordTokenRefresh records a credential refresh attempt.
func RecordTokenRefresh(outcome string) {
	tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordEnrichment records one enrichment job run.
func RecordEnrichment(r enrich.Report) {
	k := string(r.Kind)
	enrichmentTotal.WithLabelValues(k, "enriched").Add(float64(r.Enriched))
	enrichmentTotal.WithLabelValues(k, "unavailable").Add(float64(r.Unavailable))
	enrichmentTotal.WithLabelValues(k, "failed").Add(float64(r.Failed))
	enrichmentTotal.WithLabelValues(k, "skipped").Add(float64(r.Skipped))
	enrichmentTotal.WithLabelValues(k, "deferred").Add(float64(r.Deferred))
}

// RecordTrophy records a weekly champion.
func RecordTrophy(leaderboard.Trophy) {
	trophiesAwarded.Inc()
}

// RecordHealthProbe records one dependency probe.
func RecordHealthProbe(name string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	healthProbesTotal.WithLabelValues(name, result).Inc()
}

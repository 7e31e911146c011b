// Package governor arbitrates the remote API quota shared by every user in
// the process. All outbound calls pass through a single Governor, which
// tracks the short (15 minute) and daily windows, smooths bursts with a
// token bucket and applies capped exponential backoff after the remote
// rejects a call for quota reasons.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/syncerr"
	"golang.org/x/time/rate"
)

// Config holds quota and backoff settings.
type Config struct {
	ShortLimit  int
	ShortWindow time.Duration
	DailyLimit  int
	RPS         float64 // 0 disables smoothing
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Usage is the remote's own view of consumption, as reported in response headers.
type Usage struct {
	ShortLimit int
	DailyLimit int
	ShortUsed  int
	DailyUsed  int
}

// State is a point-in-time snapshot used by metrics and the CLI.
type State struct {
	ShortUsed    int
	ShortLimit   int
	DailyUsed    int
	DailyLimit   int
	BlockedUntil time.Time
	Rejections   int
}

// StateRecordFunc is an optional callback invoked after every state change.
type StateRecordFunc func(State)

// Governor is the single arbitration point for quota state.
type Governor struct {
	mu    sync.Mutex
	clock clock.Clock
	cfg   Config

	limiter *rate.Limiter

	shortStart time.Time
	shortUsed  int
	shortLimit int
	dayStart   time.Time
	dayUsed    int
	dailyLimit int

	rejections   int
	blockedUntil time.Time

	onState StateRecordFunc
}

// New creates a Governor. Zero-valued settings fall back to the remote's
// published defaults (100 per 15 minutes, 1000 per day).
func New(cfg Config, c clock.Clock) *Governor {
	if cfg.ShortLimit == 0 {
		cfg.ShortLimit = 100
	}
	if cfg.ShortWindow == 0 {
		cfg.ShortWindow = 15 * time.Minute
	}
	if cfg.DailyLimit == 0 {
		cfg.DailyLimit = 1000
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = time.Hour
	}
	if c == nil {
		c = clock.Real{}
	}
	g := &Governor{
		clock:      c,
		cfg:        cfg,
		shortLimit: cfg.ShortLimit,
		dailyLimit: cfg.DailyLimit,
	}
	if cfg.RPS > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return g
}

// SetStateRecord configures the state callback.
func (g *Governor) SetStateRecord(fn StateRecordFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onState = fn
}

// Acquire reserves one call from the shared budget. It never blocks for a
// quota window: when the budget is exhausted or a backoff is in force it
// returns a *syncerr.QuotaError immediately so the caller can defer its
// remaining work. It may wait briefly for burst smoothing.
func (g *Governor) Acquire(ctx context.Context) error {
	g.mu.Lock()
	now := g.clock.Now()
	g.rollLocked(now)

	if now.Before(g.blockedUntil) {
		until := g.blockedUntil
		g.mu.Unlock()
		return &syncerr.QuotaError{RetryAfter: until, Local: true}
	}
	if g.shortUsed >= g.shortLimit {
		until := g.shortStart.Add(g.cfg.ShortWindow)
		g.mu.Unlock()
		return &syncerr.QuotaError{RetryAfter: until, Local: true}
	}
	if g.dayUsed >= g.dailyLimit {
		until := g.dayStart.Add(24 * time.Hour)
		g.mu.Unlock()
		return &syncerr.QuotaError{RetryAfter: until, Local: true}
	}

	g.shortUsed++
	g.dayUsed++

	shortStart, dayStart := g.shortStart, g.dayStart

	var (
		delay time.Duration
		res   *rate.Reservation
	)
	if g.limiter != nil {
		res = g.limiter.ReserveN(now, 1)
		delay = res.DelayFrom(now)
	}
	g.notifyLocked()
	g.mu.Unlock()

	if delay > 0 && !clock.Sleep(g.clock, delay, ctx.Done()) {
		g.refund(shortStart, dayStart, res)
		return ctx.Err()
	}
	return nil
}

// refund returns a slot taken by an Acquire whose caller gave up while
// waiting for smoothing. Counters of windows that have since rolled over
// are left alone.
func (g *Governor) refund(shortStart, dayStart time.Time, res *rate.Reservation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	g.rollLocked(now)
	if g.shortStart.Equal(shortStart) && g.shortUsed > 0 {
		g.shortUsed--
	}
	if g.dayStart.Equal(dayStart) && g.dayUsed > 0 {
		g.dayUsed--
	}
	if res != nil {
		res.CancelAt(now)
	}
	g.notifyLocked()
}

// QuotaExceeded records a quota rejection from the remote and returns the
// backoff delay now in force. Consecutive rejections double the delay from
// the configured base up to the cap.
func (g *Governor) QuotaExceeded() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	delay := Backoff(g.cfg.BackoffBase, g.cfg.BackoffCap, g.rejections)
	g.rejections++
	g.blockedUntil = g.clock.Now().Add(delay)
	g.notifyLocked()
	return delay
}

// Succeeded resets the backoff after any call the remote accepted.
func (g *Governor) Succeeded() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rejections == 0 {
		return
	}
	g.rejections = 0
	g.notifyLocked()
}

// Observe reconciles the local counters with the remote's reported usage.
// The larger of the two views wins so that other processes sharing the same
// application quota are accounted for.
func (g *Governor) Observe(u Usage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(g.clock.Now())

	if u.ShortLimit > 0 {
		g.shortLimit = u.ShortLimit
	}
	if u.DailyLimit > 0 {
		g.dailyLimit = u.DailyLimit
	}
	if u.ShortUsed > g.shortUsed {
		g.shortUsed = u.ShortUsed
	}
	if u.DailyUsed > g.dayUsed {
		g.dayUsed = u.DailyUsed
	}
	g.notifyLocked()
}

// BlockedUntil returns the end of the current backoff, or the zero time.
func (g *Governor) BlockedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockedUntil
}

// Snapshot returns the current state.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(g.clock.Now())
	return g.stateLocked()
}

func (g *Governor) stateLocked() State {
	return State{
		ShortUsed:    g.shortUsed,
		ShortLimit:   g.shortLimit,
		DailyUsed:    g.dayUsed,
		DailyLimit:   g.dailyLimit,
		BlockedUntil: g.blockedUntil,
		Rejections:   g.rejections,
	}
}

func (g *Governor) notifyLocked() {
	if g.onState != nil {
		g.onState(g.stateLocked())
	}
}

// rollLocked starts new windows when now has moved past the current ones.
// Short windows align to multiples of ShortWindow; the daily window resets
// at midnight UTC, matching the remote.
func (g *Governor) rollLocked(now time.Time) {
	shortStart := now.UTC().Truncate(g.cfg.ShortWindow)
	if !shortStart.Equal(g.shortStart) {
		g.shortStart = shortStart
		g.shortUsed = 0
	}
	y, m, d := now.UTC().Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if !dayStart.Equal(g.dayStart) {
		g.dayStart = dayStart
		g.dayUsed = 0
	}
}

// Backoff returns base doubled n times, never exceeding limit.
func Backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

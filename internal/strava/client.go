// Package strava is a typed client for the remote activity API. Every call
// is admitted by the quota governor, responses are classified into the
// sync failure taxonomy and transient failures are retried a bounded
// number of times behind a circuit breaker.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/governor"
	"github.com/jmerrifield20/clubsync/internal/syncerr"
)

// ErrNotFound is returned for 404 responses. It wraps
// syncerr.ErrEnrichmentUnavailable so enrichment jobs can mark the record.
var ErrNotFound = fmt.Errorf("strava: not found: %w", syncerr.ErrEnrichmentUnavailable)

const maxBody = 4 << 20

// Governor is the subset of *governor.Governor used by the client.
type Governor interface {
	Acquire(ctx context.Context) error
	QuotaExceeded() time.Duration
	Succeeded()
	Observe(u governor.Usage)
	BlockedUntil() time.Time
}

// Config configures the client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// CallRecordFunc is an optional callback invoked after each HTTP exchange.
type CallRecordFunc func(endpoint, outcome string, d time.Duration)

// Client talks to the remote API on behalf of one user at a time; the
// bearer token is passed per call.
type Client struct {
	baseURL    string
	http       *http.Client
	gov        Governor
	breaker    *gobreaker.CircuitBreaker[[]byte]
	maxRetries int
	retryDelay time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	record     CallRecordFunc
}

// New creates a Client.
func New(cfg Config, gov Governor, c clock.Clock, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.strava.com/api/v3"
	}
	if c == nil {
		c = clock.Real{}
	}
	cl := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: cfg.Timeout},
		gov:        gov,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		clock:      c,
		logger:     logger,
	}
	cl.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "strava-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only transient failures count against the breaker; auth and
		// quota rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !syncerr.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return cl
}

// SetCallRecord configures the per-call metrics callback.
func (c *Client) SetCallRecord(fn CallRecordFunc) {
	c.record = fn
}

// ListActivities returns one page of the athlete's activities started
// strictly after the given instant, oldest first.
func (c *Client) ListActivities(ctx context.Context, token string, after time.Time, page, perPage int) ([]SummaryActivity, error) {
	q := url.Values{}
	var afterUnix int64
	if !after.IsZero() {
		afterUnix = after.Unix()
	}
	q.Set("after", strconv.FormatInt(afterUnix, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	var out []SummaryActivity
	if err := c.get(ctx, "activities", token, "/athlete/activities", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetActivity returns the detailed representation of one activity.
func (c *Client) GetActivity(ctx context.Context, token string, id int64) (*DetailedActivity, error) {
	var out DetailedActivity
	if err := c.get(ctx, "activity", token, fmt.Sprintf("/activities/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetZones returns the zone distributions of one activity.
func (c *Client) GetZones(ctx context.Context, token string, id int64) ([]ActivityZone, error) {
	var out []ActivityZone
	if err := c.get(ctx, "zones", token, fmt.Sprintf("/activities/%d/zones", id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAthlete returns the authenticated athlete.
func (c *Client) GetAthlete(ctx context.Context, token string) (*Athlete, error) {
	var out Athlete
	if err := c.get(ctx, "athlete", token, "/athlete", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, endpoint, token, path string, q url.Values, out any) error {
	op := "GET " + path
	for attempt := 0; ; attempt++ {
		if err := c.gov.Acquire(ctx); err != nil {
			return err
		}

		start := c.clock.Now()
		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.once(ctx, op, token, path, q)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &syncerr.TransientError{Op: op, Err: err}
			c.observe(endpoint, err, start)
			return err
		}
		c.observe(endpoint, err, start)

		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode %s response: %w", endpoint, err)
			}
			return nil
		}
		if !syncerr.IsTransient(err) || attempt >= c.maxRetries {
			return err
		}

		c.logger.Debug("retrying transient failure",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if !clock.Sleep(c.clock, c.retryDelay, ctx.Done()) {
			return ctx.Err()
		}
	}
}

func (c *Client) once(ctx context.Context, op, token, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &syncerr.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if u, ok := parseUsage(resp.Header); ok {
		c.gov.Observe(u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &syncerr.TransientError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.gov.Succeeded()
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.gov.QuotaExceeded()
		return nil, &syncerr.QuotaError{RetryAfter: c.gov.BlockedUntil()}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, classifyAuth(body)
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, &syncerr.TransientError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
}

func (c *Client) observe(endpoint string, err error, start time.Time) {
	if c.record == nil {
		return
	}
	c.record(endpoint, string(syncerr.Classify(err)), c.clock.Now().Sub(start))
}

// classifyAuth separates a missing permission from a rejected credential.
// The remote reports missing scopes as {"errors":[{"field":"activity:read_permission","code":"missing"}]}.
func classifyAuth(body []byte) error {
	var f faultResponse
	if err := json.Unmarshal(body, &f); err == nil {
		for _, e := range f.Errors {
			if e.Code == "missing" || strings.HasSuffix(e.Field, "_permission") {
				return syncerr.NewScopeInsufficient(e.Field)
			}
		}
	}
	return syncerr.NewRefreshRejected("access token rejected")
}

// parseUsage reads the "short,daily" pairs from the rate limit headers.
func parseUsage(h http.Header) (governor.Usage, bool) {
	limit, ok1 := parsePair(h.Get("X-RateLimit-Limit"))
	usage, ok2 := parsePair(h.Get("X-RateLimit-Usage"))
	if !ok1 || !ok2 {
		return governor.Usage{}, false
	}
	return governor.Usage{
		ShortLimit: limit[0],
		DailyLimit: limit[1],
		ShortUsed:  usage[0],
		DailyUsed:  usage[1],
	}, true
}

func parsePair(s string) ([2]int, bool) {
	var out [2]int
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

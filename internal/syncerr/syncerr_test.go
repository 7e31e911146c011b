package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"scope", NewScopeInsufficient("activity:read_all"), KindScopeInsufficient},
		{"refresh", NewRefreshRejected("invalid_grant"), KindRefreshRejected},
		{"wrapped refresh", fmt.Errorf("ensure credential: %w", NewRefreshRejected("")), KindRefreshRejected},
		{"quota", &QuotaError{RetryAfter: time.Now()}, KindQuotaExceeded},
		{"transient", &TransientError{Op: "list", Err: context.DeadlineExceeded}, KindTransient},
		{"unavailable", fmt.Errorf("zones: %w", ErrEnrichmentUnavailable), KindEnrichmentUnavailable},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestTransientUnwrap(t *testing.T) {
	err := &TransientError{Op: "get", Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected TransientError to unwrap to its cause")
	}
}

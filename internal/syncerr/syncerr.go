// Package syncerr defines the failure taxonomy shared by the sync engine.
// Every per-user failure is classified into a Kind so the orchestrator can
// decide between deactivating the user, deferring work, or retrying.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the coarse classification of a sync failure.
type Kind string

const (
	KindNone                  Kind = "none"
	KindScopeInsufficient     Kind = "scope_insufficient"
	KindRefreshRejected       Kind = "refresh_rejected"
	KindQuotaExceeded         Kind = "quota_exceeded"
	KindTransient             Kind = "transient"
	KindEnrichmentUnavailable Kind = "enrichment_unavailable"
	KindInternal              Kind = "internal"
)

// AuthReason distinguishes the two fatal credential failures.
type AuthReason string

const (
	// ScopeInsufficient means the credential works but lacks a required permission.
	ScopeInsufficient AuthReason = "scope_insufficient"
	// RefreshRejected means the user revoked access or the refresh credential is invalid.
	RefreshRejected AuthReason = "refresh_rejected"
)

// AuthError is fatal for a user until they re-authenticate.
type AuthError struct {
	Reason AuthReason
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "auth: " + string(e.Reason)
	}
	return fmt.Sprintf("auth: %s: %s", e.Reason, e.Detail)
}

// NewScopeInsufficient returns an AuthError for a missing permission scope.
func NewScopeInsufficient(detail string) *AuthError {
	return &AuthError{Reason: ScopeInsufficient, Detail: detail}
}

// NewRefreshRejected returns an AuthError for a rejected refresh credential.
func NewRefreshRejected(detail string) *AuthError {
	return &AuthError{Reason: RefreshRejected, Detail: detail}
}

// QuotaError reports that the shared remote quota is exhausted. RetryAfter is
// the earliest moment the governor will admit another call.
type QuotaError struct {
	RetryAfter time.Time
	Local      bool // true when the governor refused before any request was sent
}

func (e *QuotaError) Error() string {
	if e.Local {
		return fmt.Sprintf("quota exhausted locally, retry after %s", e.RetryAfter.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("remote quota exceeded, retry after %s", e.RetryAfter.UTC().Format(time.RFC3339))
}

// TransientError wraps timeouts, 5xx responses and connection failures.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrEnrichmentUnavailable is returned when the remote has no detail of the
// requested kind for a record. The record is marked processed, not retried.
var ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

// IsAuth reports whether err is an AuthError and returns it.
func IsAuth(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsQuota reports whether err is a QuotaError and returns it.
func IsQuota(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Classify maps an error onto its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if ae, ok := IsAuth(err); ok {
		if ae.Reason == ScopeInsufficient {
			return KindScopeInsufficient
		}
		return KindRefreshRejected
	}
	if _, ok := IsQuota(err); ok {
		return KindQuotaExceeded
	}
	if IsTransient(err) {
		return KindTransient
	}
	if errors.Is(err, ErrEnrichmentUnavailable) {
		return KindEnrichmentUnavailable
	}
	return KindInternal
}

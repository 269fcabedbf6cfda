package aggregator

import (
	"errors"
	"fmt"
	"time"

	"github.com/sells-group/search-aggregator/internal/model"
)

// ErrNotFound is returned when a search record or stored key does not
// exist or belongs to another principal.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when a privileged operation is attempted by a
// caller without an admin role.
var ErrForbidden = errors.New("forbidden")

// RateLimitedError reports an exhausted or blocked quota. Identity is set
// for local quota denials; Provider is set when the provider itself
// rejected the call for rate reasons.
type RateLimitedError struct {
	Identity     *model.QuotaKey
	Provider     model.ProviderID
	Remaining    int
	ResetTime    time.Time
	BlockedUntil *time.Time
}

func (e *RateLimitedError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("rate limited by provider %s; retry after %s", e.Provider, e.ResetTime.Format(time.RFC3339))
	}
	if e.BlockedUntil != nil {
		return fmt.Sprintf("rate limited: blocked until %s", e.BlockedUntil.Format(time.RFC3339))
	}
	kind := "request"
	if e.Identity != nil {
		kind = string(e.Identity.Kind)
	}
	return fmt.Sprintf("rate limited: daily %s quota exhausted, %d remaining, resets at %s",
		kind, e.Remaining, e.ResetTime.Format(time.RFC3339))
}

// RetryAfter returns how long the caller should wait at now.
func (e *RateLimitedError) RetryAfter(now time.Time) time.Duration {
	until := e.ResetTime
	if e.BlockedUntil != nil && e.BlockedUntil.After(until) {
		until = *e.BlockedUntil
	}
	return max(until.Sub(now), 0)
}

// ProviderUnavailableError reports any adapter failure, including a
// missing credential. It is terminal for the call.
type ProviderUnavailableError struct {
	Provider model.ProviderID
	Cause    error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Cause)
}

func (e *ProviderUnavailableError) Unwrap() error {
	return e.Cause
}

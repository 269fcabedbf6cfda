package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/resilience"
	"github.com/sells-group/search-aggregator/pkg/google"
	"github.com/sells-group/search-aggregator/pkg/osm"
	"github.com/sells-group/search-aggregator/pkg/yelp"
)

// ErrQuotaExceeded matches any *Error of KindQuota via errors.Is.
var ErrQuotaExceeded = errors.New("provider quota exceeded")

// Kind classifies a provider failure.
type Kind int

const (
	// KindUpstream is a provider-side failure.
	KindUpstream Kind = iota
	// KindQuota is a provider rate or quota rejection.
	KindQuota
	// KindAuth is a rejected or missing API key.
	KindAuth
	// KindBadRequest is a request the provider refused as malformed.
	KindBadRequest
	// KindTimeout is a call that ran out of time.
	KindTimeout
	// KindUnavailable is a call short-circuited by the breaker.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindQuota:
		return "quota"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "upstream"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Provider   model.ProviderID
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrQuotaExceeded) match quota failures.
func (e *Error) Is(target error) bool {
	return target == ErrQuotaExceeded && e.Kind == KindQuota
}

// statusOf extracts the HTTP status from any provider client error.
func statusOf(err error) int {
	var g *google.APIError
	if errors.As(err, &g) {
		return g.StatusCode
	}
	var y *yelp.APIError
	if errors.As(err, &y) {
		return y.StatusCode
	}
	var o *osm.APIError
	if errors.As(err, &o) {
		return o.StatusCode
	}
	return 0
}

// retryable marks server-side HTTP failures as transient so the guard
// retries them and counts them toward the breaker.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if code := statusOf(err); resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(err, code)
	}
	return err
}

// classify converts a guarded call error into an *Error.
func classify(id model.ProviderID, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Provider: id, Kind: KindUpstream, Err: err, StatusCode: statusOf(err)}
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		e.Kind = KindUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case e.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindQuota
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		e.Kind = KindBadRequest
	}
	return e
}

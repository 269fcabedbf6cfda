// Package quota enforces daily per-principal and per-IP request quotas with
// violation-triggered blocking. Counters live in a shared CounterStore; the
// limiter keeps no counter state in process.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/search-aggregator/internal/model"
)

const dateLayout = "2006-01-02"

// CounterStore persists quota counters. Every mutation must be atomic with
// respect to concurrent callers, including the rollover of a stale window.
type CounterStore interface {
	GetCounter(ctx context.Context, key model.QuotaKey) (*model.QuotaCounter, error)
	IncrementCounter(ctx context.Context, key model.QuotaKey, limit int, window time.Time) (*model.QuotaCounter, error)
	RecordViolation(ctx context.Context, key model.QuotaKey, limit int, window time.Time, blockedUntil time.Time) (*model.QuotaCounter, error)
	ResetCounter(ctx context.Context, key model.QuotaKey, window time.Time) error
}

// Limits holds the daily limits applied to each identity kind.
type Limits struct {
	Principal int `yaml:"principal" mapstructure:"principal"`
	IP        int `yaml:"ip" mapstructure:"ip"`
}

// DefaultLimits returns the stock 500/principal and 1000/IP limits.
func DefaultLimits() Limits {
	return Limits{Principal: model.DefaultPrincipalDailyLimit, IP: model.DefaultIPDailyLimit}
}

func (l Limits) forKind(kind model.IdentityKind) int {
	if kind == model.IdentityIP {
		return l.IP
	}
	return l.Principal
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPrincipalLimit sets the default daily limit per principal.
func WithPrincipalLimit(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.limits.Principal = n
		}
	}
}

// WithIPLimit sets the default daily limit per source IP.
func WithIPLimit(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.limits.IP = n
		}
	}
}

// WithLocation sets the timezone whose calendar day defines the window.
func WithLocation(loc *time.Location) Option {
	return func(l *Limiter) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithBlockDuration overrides how long a violation blocks an identity.
func WithBlockDuration(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.block = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter checks and records quota usage.
type Limiter struct {
	store  CounterStore
	limits Limits
	loc    *time.Location
	block  time.Duration
	now    func() time.Time
}

// New creates a Limiter over store.
func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limits: DefaultLimits(),
		loc:    time.UTC,
		block:  model.ViolationBlockDuration,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the limiter's default limits.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Denied is the identity that refused admission, if any.
	Denied  *model.QuotaKey
	Counter *model.QuotaCounter
}

// window returns midnight of the current day in the limiter's location.
func (l *Limiter) window(now time.Time) time.Time {
	y, m, d := now.In(l.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.loc)
}

func sameWindow(a, b time.Time) bool {
	return a.Format(dateLayout) == b.Format(dateLayout)
}

type meteredKey struct {
	key   model.QuotaKey
	limit int
}

// keys returns the counters to consult. Absent identities are skipped.
func keys(principalID int64, service, ip string, limits Limits) []meteredKey {
	out := make([]meteredKey, 0, 2)
	if principalID != 0 {
		out = append(out, meteredKey{key: model.PrincipalKey(principalID, service), limit: limits.Principal})
	}
	if ip != "" {
		out = append(out, meteredKey{key: model.IPKey(ip, service), limit: limits.IP})
	}
	return out
}

// Check evaluates both identities and returns the first denial. Unlike
// Allow, store errors are returned to the caller.
func (l *Limiter) Check(ctx context.Context, principalID int64, service, ip string, limits Limits) (Decision, error) {
	now := l.now()
	window := l.window(now)
	for _, mk := range keys(principalID, service, ip, limits) {
		c, err := l.store.GetCounter(ctx, mk.key)
		if err != nil {
			return Decision{}, eris.Wrapf(err, "quota: check %s %s", mk.key.Kind, mk.key.Identity)
		}
		if c == nil {
			continue
		}
		count := c.RequestCount
		if !sameWindow(c.WindowStart, window) {
			count = 0
		}
		if c.Blocked(now) || count >= mk.limit {
			key := mk.key
			return Decision{Allowed: false, Denied: &key, Counter: c}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Decide is Check with the fail-open policy applied: a store error admits
// the request and is logged.
func (l *Limiter) Decide(ctx context.Context, principalID int64, service, ip string, limits Limits) Decision {
	d, err := l.Check(ctx, principalID, service, ip, limits)
	if err != nil {
		zap.L().Warn("quota: check failed, allowing request",
			zap.Int64("principal_id", principalID),
			zap.String("service", service),
			zap.String("ip", ip),
			zap.Error(err),
		)
		return Decision{Allowed: true}
	}
	return d
}

// Allow reports whether both identities may make another request today
// under the default limits. It fails open.
func (l *Limiter) Allow(ctx context.Context, principalID int64, service, ip string) bool {
	return l.Decide(ctx, principalID, service, ip, l.limits).Allowed
}

// AllowWithLimits is Allow with per-call limits.
func (l *Limiter) AllowWithLimits(ctx context.Context, principalID int64, service, ip string, limits Limits) bool {
	return l.Decide(ctx, principalID, service, ip, limits).Allowed
}

// Increment adds one request to each present identity's counter.
func (l *Limiter) Increment(ctx context.Context, principalID int64, service, ip string) error {
	window := l.window(l.now())
	var errs []error
	for _, mk := range keys(principalID, service, ip, l.limits) {
		if _, err := l.store.IncrementCounter(ctx, mk.key, mk.limit, window); err != nil {
			errs = append(errs, eris.Wrapf(err, "quota: increment %s %s", mk.key.Kind, mk.key.Identity))
		}
	}
	return errors.Join(errs...)
}

// RecordViolation bumps each present identity's violation count and blocks
// it for the block duration from now. A new violation replaces any earlier
// block rather than extending it.
func (l *Limiter) RecordViolation(ctx context.Context, principalID int64, service, ip string) error {
	now := l.now()
	window := l.window(now)
	until := now.Add(l.block).UTC()
	var errs []error
	for _, mk := range keys(principalID, service, ip, l.limits) {
		if _, err := l.store.RecordViolation(ctx, mk.key, mk.limit, window, until); err != nil {
			errs = append(errs, eris.Wrapf(err, "quota: record violation %s %s", mk.key.Kind, mk.key.Identity))
		}
	}
	if len(errs) == 0 {
		zap.L().Info("quota: violation recorded",
			zap.Int64("principal_id", principalID),
			zap.String("service", service),
			zap.String("ip", ip),
			zap.Time("blocked_until", until),
		)
	}
	return errors.Join(errs...)
}

// GetStatus projects the principal's counter for display.
func (l *Limiter) GetStatus(ctx context.Context, principalID int64, service string) (model.QuotaStatus, error) {
	return l.status(ctx, model.PrincipalKey(principalID, service), l.limits.Principal)
}

// GetIPStatus projects the source IP's counter for display.
func (l *Limiter) GetIPStatus(ctx context.Context, ip, service string) (model.QuotaStatus, error) {
	return l.status(ctx, model.IPKey(ip, service), l.limits.IP)
}

// Status projects the counter for key using the limiter's default limits.
func (l *Limiter) Status(ctx context.Context, key model.QuotaKey) (model.QuotaStatus, error) {
	return l.status(ctx, key, l.limits.forKind(key.Kind))
}

func (l *Limiter) status(ctx context.Context, key model.QuotaKey, limit int) (model.QuotaStatus, error) {
	now := l.now()
	st := model.QuotaStatus{
		Service:    key.Service,
		DailyLimit: limit,
		Remaining:  limit,
		ResetTime:  NextReset(now),
	}

	c, err := l.store.GetCounter(ctx, key)
	if err != nil {
		return model.QuotaStatus{}, eris.Wrapf(err, "quota: status %s %s", key.Kind, key.Identity)
	}
	if c == nil {
		return st, nil
	}

	if sameWindow(c.WindowStart, l.window(now)) {
		st.CurrentUsage = c.RequestCount
	}
	st.Remaining = max(limit-st.CurrentUsage, 0)
	st.Violations = c.Violations
	if c.Blocked(now) {
		st.IsBlocked = true
		st.BlockedUntil = c.BlockedUntil
		st.Remaining = 0
	}
	return st, nil
}

// Reset zeroes the principal's count for today and clears any block.
func (l *Limiter) Reset(ctx context.Context, principalID int64, service string) error {
	return l.ResetKey(ctx, model.PrincipalKey(principalID, service))
}

// ResetKey zeroes the count for key and clears any block.
func (l *Limiter) ResetKey(ctx context.Context, key model.QuotaKey) error {
	if err := l.store.ResetCounter(ctx, key, l.window(l.now())); err != nil {
		return eris.Wrapf(err, "quota: reset %s %s", key.Kind, key.Identity)
	}
	zap.L().Info("quota: counter reset",
		zap.String("kind", string(key.Kind)),
		zap.String("identity", key.Identity),
		zap.String("service", key.Service),
	)
	return nil
}

// NextReset returns the start of the next UTC day after now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

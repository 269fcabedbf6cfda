package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig configures a Guard for one provider.
type GuardConfig struct {
	// Timeout bounds one guarded call including its retries.
	Timeout time.Duration
	// RPS and Burst pace outbound requests. RPS <= 0 disables pacing.
	RPS     float64
	Burst   int
	Retry   RetryPolicy
	Breaker BreakerConfig
}

// DefaultGuardConfig returns a 10s timeout, 10 rps pacing and the default
// retry and breaker settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout: 10 * time.Second,
		RPS:     10,
		Burst:   10,
		Retry:   DefaultRetryPolicy(),
		Breaker: DefaultBreakerConfig(),
	}
}

// Guard wraps calls to a single provider.
type Guard struct {
	name    string
	timeout time.Duration
	limiter *rate.Limiter
	retry   RetryPolicy
	breaker *Breaker
}

// NewGuard builds a Guard named after the provider it protects.
func NewGuard(name string, cfg GuardConfig) *Guard {
	d := DefaultGuardConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(int(cfg.RPS), 1)
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = LogRetries(name)
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to BreakerState) {
			zap.L().Warn("provider: circuit state change",
				zap.String("provider", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}

	g := &Guard{
		name:    name,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		breaker: NewBreaker(cfg.Breaker),
	}
	if cfg.RPS > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	}
	return g
}

// Breaker exposes the guard's circuit breaker.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Call runs fn under g. Each attempt waits for a pacing token and passes the
// breaker; the whole call is bounded by the guard timeout.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	return Retry(ctx, g.retry, func(ctx context.Context) (T, error) {
		var zero T
		if err := g.breaker.Allow(); err != nil {
			return zero, eris.Wrapf(err, "%s", g.name)
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return zero, eris.Wrapf(err, "%s: pacing", g.name)
			}
		}
		val, err := fn(ctx)
		g.breaker.Record(err)
		return val, err
	})
}

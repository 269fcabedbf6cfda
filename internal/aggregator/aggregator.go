// Package aggregator orchestrates a business search: admission against the
// daily quota, cache lookup, one provider call, merge, persist, and usage
// accounting, in that order.
package aggregator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/search-aggregator/internal/credential"
	"github.com/sells-group/search-aggregator/internal/ledger"
	"github.com/sells-group/search-aggregator/internal/merge"
	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/provider"
	"github.com/sells-group/search-aggregator/internal/quota"
)

// providerRetryAfter is the wait suggested to callers after a provider
// rejects a call with 429.
const providerRetryAfter = time.Minute

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPrincipalResolver overrides the default tenancy resolver.
func WithPrincipalResolver(r PrincipalResolver) Option {
	return func(a *Aggregator) {
		if r != nil {
			a.principals = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator serves searches and the read and admin operations around them.
type Aggregator struct {
	registry   *provider.Registry
	limiter    *quota.Limiter
	ledger     *ledger.Ledger
	creds      *credential.Resolver
	principals PrincipalResolver
	now        func() time.Time
}

// New creates an Aggregator with all dependencies.
func New(
	registry *provider.Registry,
	limiter *quota.Limiter,
	ldg *ledger.Ledger,
	creds *credential.Resolver,
	opts ...Option,
) *Aggregator {
	a := &Aggregator{
		registry:   registry,
		limiter:    limiter,
		ledger:     ldg,
		creds:      creds,
		principals: TenancyResolver{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Search runs one search for caller. A cache hit is returned with Cached
// set and consumes no quota.
func (a *Aggregator) Search(ctx context.Context, caller model.Caller, req model.QueryRequest, sourceIP string) (*model.SearchResponse, error) {
	start := a.now()
	p := a.principals.EffectivePrincipal(caller)
	log := zap.L().With(zap.Int64("principal_id", p.ID), zap.String("ip", sourceIP))

	d := a.limiter.Decide(ctx, p.ID, model.ServiceBusinessSearch, sourceIP, a.limiter.Limits())
	if !d.Allowed {
		rl := a.rateLimited(ctx, d)
		log.Info("aggregator: search denied", zap.Error(rl))
		return nil, rl
	}

	q, err := req.Normalize()
	if err != nil {
		a.recordViolation(ctx, p, sourceIP, err)
		return nil, err
	}
	hash := q.Hash()
	log = log.With(zap.String("query_hash", hash[:12]))

	cached, err := a.ledger.Lookup(ctx, hash, p.ID)
	if err != nil {
		return nil, eris.Wrap(err, "aggregator: cache lookup")
	}
	if cached != nil {
		log.Info("aggregator: cache hit",
			zap.String("search_id", cached.ID),
			zap.Duration("duration", a.now().Sub(start)),
		)
		return &model.SearchResponse{Record: withinLimit(cached, q.Limit), Cached: true}, nil
	}

	source := q.PrimarySource(a.registry.Primary())
	log = log.With(zap.String("provider", string(source)))

	results, clientFault, err := a.invoke(ctx, p, source, q)
	if err != nil {
		if clientFault {
			a.recordViolation(ctx, p, sourceIP, err)
		}
		log.Warn("aggregator: provider call failed",
			zap.Bool("client_fault", clientFault),
			zap.Duration("duration", a.now().Sub(start)),
			zap.Error(err),
		)
		return nil, err
	}

	merged := merge.Merge(results, q.Limit)
	rec := model.NewSearchRecord(q, p, []model.ProviderID{source}, merged, a.now().Sub(start))
	saved, err := a.ledger.Save(ctx, rec)
	if err != nil {
		return nil, eris.Wrap(err, "aggregator: save search")
	}

	if err := a.limiter.Increment(ctx, p.ID, model.ServiceBusinessSearch, sourceIP); err != nil {
		log.Warn("aggregator: usage increment failed", zap.Error(err))
	}

	log.Info("aggregator: search completed",
		zap.String("search_id", saved.ID),
		zap.Int("raw_results", len(results)),
		zap.Int("results", saved.TotalResults),
		zap.Int64("response_time_ms", saved.ResponseTimeMs),
	)
	return &model.SearchResponse{Record: saved}, nil
}

// invoke resolves the credential and calls the adapter for source. The bool
// reports whether a failure is attributable to the caller.
func (a *Aggregator) invoke(ctx context.Context, p model.Principal, source model.ProviderID, q model.NormalizedQuery) ([]model.NormalizedResult, bool, error) {
	adapter, ok := a.registry.Get(source)
	if !ok {
		return nil, false, &ProviderUnavailableError{Provider: source, Cause: eris.New("provider not configured")}
	}

	var key credential.Resolved
	if adapter.RequiresKey() {
		res, err := a.creds.Resolve(ctx, p.ID, source)
		if err != nil {
			return nil, false, &ProviderUnavailableError{Provider: source, Cause: err}
		}
		key = res
	}

	results, err := adapter.Search(ctx, provider.Request{Query: q, APIKey: key.APIKey})
	if err != nil {
		if errors.Is(err, provider.ErrQuotaExceeded) {
			return nil, false, &RateLimitedError{Provider: source, ResetTime: a.now().Add(providerRetryAfter).UTC()}
		}
		var pe *provider.Error
		clientFault := errors.As(err, &pe) &&
			(pe.Kind == provider.KindBadRequest || (pe.Kind == provider.KindAuth && key.Owned))
		return nil, clientFault, &ProviderUnavailableError{Provider: source, Cause: err}
	}

	a.creds.Touch(ctx, p.ID, source, key)
	return results, false, nil
}

// withinLimit returns rec cut down to limit results. The stored record is
// left intact so later callers with a larger limit still see all of it.
func withinLimit(rec *model.SearchRecord, limit int) *model.SearchRecord {
	if limit <= 0 || len(rec.Results) <= limit {
		return rec
	}
	out := *rec
	out.Results = rec.Results[:limit:limit]
	out.TotalResults = limit
	out.Limit = limit
	return &out
}

func (a *Aggregator) rateLimited(ctx context.Context, d quota.Decision) *RateLimitedError {
	rl := &RateLimitedError{Identity: d.Denied, ResetTime: quota.NextReset(a.now())}
	if d.Denied == nil {
		return rl
	}
	st, err := a.limiter.Status(ctx, *d.Denied)
	if err != nil {
		zap.L().Warn("aggregator: quota status unavailable", zap.Error(err))
		return rl
	}
	rl.Remaining = st.Remaining
	rl.ResetTime = st.ResetTime
	rl.BlockedUntil = st.BlockedUntil
	return rl
}

func (a *Aggregator) recordViolation(ctx context.Context, p model.Principal, ip string, cause error) {
	if err := a.limiter.RecordViolation(ctx, p.ID, model.ServiceBusinessSearch, ip); err != nil {
		zap.L().Warn("aggregator: violation not recorded",
			zap.Int64("principal_id", p.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

// GetResult returns one of the caller's searches by ID, expired or not.
func (a *Aggregator) GetResult(ctx context.Context, caller model.Caller, id string) (*model.SearchRecord, error) {
	p := a.principals.EffectivePrincipal(caller)
	rec, err := a.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.PrincipalID != p.ID {
		return nil, ErrNotFound
	}
	return rec, nil
}

// History lists the caller's searches, newest first.
func (a *Aggregator) History(ctx context.Context, caller model.Caller, limit int) ([]model.SearchRecord, error) {
	p := a.principals.EffectivePrincipal(caller)
	return a.ledger.History(ctx, p.ID, limit)
}

// SourceInfo describes one provider as seen by a caller.
type SourceInfo struct {
	ID          model.ProviderID `json:"id"`
	Primary     bool             `json:"primary"`
	Configured  bool             `json:"configured"`
	RequiresKey bool             `json:"requires_key"`
	OwnKey      bool             `json:"own_key"`
	SharedKey   bool             `json:"shared_key"`
	Available   bool             `json:"available"`
}

// Sources reports every provider and whether the caller can search it.
func (a *Aggregator) Sources(ctx context.Context, caller model.Caller) ([]SourceInfo, error) {
	p := a.principals.EffectivePrincipal(caller)
	avail, err := a.creds.Available(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	out := make([]SourceInfo, 0, len(model.AllProviders()))
	for _, id := range model.AllProviders() {
		info := SourceInfo{
			ID:        id,
			Primary:   id == a.registry.Primary(),
			OwnKey:    avail[id].OwnKey,
			SharedKey: avail[id].SharedKey,
		}
		if adapter, ok := a.registry.Get(id); ok {
			info.Configured = true
			info.RequiresKey = adapter.RequiresKey()
			info.Available = !info.RequiresKey || info.OwnKey || info.SharedKey
		}
		out = append(out, info)
	}
	return out, nil
}

// Stats combines the caller's search activity with their quota status.
type Stats struct {
	Searches *model.SearchStats `json:"searches"`
	Quota    model.QuotaStatus  `json:"quota"`
}

// Stats returns the caller's activity summary.
func (a *Aggregator) Stats(ctx context.Context, caller model.Caller) (*Stats, error) {
	p := a.principals.EffectivePrincipal(caller)

	var out Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := a.ledger.Stats(gctx, p.ID)
		out.Searches = s
		return err
	})
	g.Go(func() error {
		st, err := a.limiter.GetStatus(gctx, p.ID, model.ServiceBusinessSearch)
		out.Quota = st
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "aggregator: stats")
	}
	return &out, nil
}

// RateLimitStatus returns the caller's quota status for service. An empty
// service means business search.
func (a *Aggregator) RateLimitStatus(ctx context.Context, caller model.Caller, service string) (model.QuotaStatus, error) {
	p := a.principals.EffectivePrincipal(caller)
	return a.limiter.GetStatus(ctx, p.ID, serviceOrDefault(service))
}

// ResetRateLimit clears a principal's counter and block for service. Only
// admins may call it. A zero principalID targets the caller's own
// effective principal.
func (a *Aggregator) ResetRateLimit(ctx context.Context, caller model.Caller, principalID int64, service string) error {
	if !a.principals.IsAdmin(caller) {
		return ErrForbidden
	}
	if principalID == 0 {
		principalID = a.principals.EffectivePrincipal(caller).ID
	}
	return a.limiter.Reset(ctx, principalID, serviceOrDefault(service))
}

func serviceOrDefault(service string) string {
	if service == "" {
		return model.ServiceBusinessSearch
	}
	return service
}

// APIKeyInput is a request to store a provider key for the caller.
type APIKeyInput struct {
	Service string `json:"service" validate:"required"`
	KeyName string `json:"key_name,omitempty" validate:"max=100"`
	APIKey  string `json:"api_key" validate:"required,max=512"`
}

// PutAPIKey encrypts and stores the caller's key for a provider.
func (a *Aggregator) PutAPIKey(ctx context.Context, caller model.Caller, in APIKeyInput) (*model.ProviderCredential, error) {
	if err := model.Validate(in); err != nil {
		return nil, err
	}
	id, ok := model.ParseProviderID(in.Service)
	if !ok {
		return nil, &model.ValidationError{Field: "service", Reason: "unknown provider"}
	}
	p := a.principals.EffectivePrincipal(caller)
	cred, err := a.creds.Put(ctx, p.ID, id, in.KeyName, in.APIKey)
	if err != nil {
		return nil, err
	}
	zap.L().Info("aggregator: api key stored",
		zap.Int64("principal_id", p.ID),
		zap.String("provider", string(id)),
		zap.String("key_name", cred.KeyName),
	)
	return cred, nil
}

// ListAPIKeys returns the caller's stored keys without secrets.
func (a *Aggregator) ListAPIKeys(ctx context.Context, caller model.Caller) ([]model.ProviderCredential, error) {
	p := a.principals.EffectivePrincipal(caller)
	return a.creds.List(ctx, p.ID)
}

// DeleteAPIKey removes one of the caller's stored keys.
func (a *Aggregator) DeleteAPIKey(ctx context.Context, caller model.Caller, service, keyName string) error {
	id, ok := model.ParseProviderID(service)
	if !ok {
		return &model.ValidationError{Field: "service", Reason: "unknown provider"}
	}
	p := a.principals.EffectivePrincipal(caller)
	deleted, err := a.creds.Delete(ctx, p.ID, id, keyName)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/search-aggregator/internal/aggregator"
	"github.com/sells-group/search-aggregator/internal/config"
	"github.com/sells-group/search-aggregator/internal/credential"
	"github.com/sells-group/search-aggregator/internal/db"
	"github.com/sells-group/search-aggregator/internal/ledger"
	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/provider"
	"github.com/sells-group/search-aggregator/internal/quota"
	"github.com/sells-group/search-aggregator/internal/resilience"
	"github.com/sells-group/search-aggregator/internal/store"
	"github.com/sells-group/search-aggregator/pkg/google"
	"github.com/sells-group/search-aggregator/pkg/osm"
	"github.com/sells-group/search-aggregator/pkg/yelp"
)

// searchEnv holds the store and services shared by the commands.
type searchEnv struct {
	Store      store.Store
	Redis      *quota.RedisStore // nil unless quota.driver is redis
	Limiter    *quota.Limiter
	Ledger     *ledger.Ledger
	Aggregator *aggregator.Aggregator
}

// Close releases resources held by the environment.
func (e *searchEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "search.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens and migrates the store, and
// builds the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*searchEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &searchEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Ledger = ledger.New(st, ledger.WithTTL(cfg.Cache.TTL()))
	if mode == "reap" || mode == "migrate" {
		return env, nil
	}

	counters, err := initCounterStore(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}
	limiter, err := newLimiter(cfg.Quota, counters)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Limiter = limiter
	if mode == "quota" {
		return env, nil
	}

	cipher, err := credential.NewAESCipher(cfg.Credentials.EncryptionKey)
	if err != nil {
		env.Close()
		return nil, err
	}
	creds := credential.NewResolver(st, cipher, sharedKeys(cfg.Providers))

	env.Aggregator = aggregator.New(buildRegistry(cfg.Providers), limiter, env.Ledger, creds,
		aggregator.WithPrincipalResolver(aggregator.TenancyResolver{
			AdminRoles: cfg.Tenancy.AdminRoles,
			System:     model.Principal{ID: cfg.Tenancy.SystemPrincipalID, TenantID: cfg.Tenancy.SystemTenantID},
		}),
	)
	return env, nil
}

func initCounterStore(ctx context.Context, env *searchEnv) (quota.CounterStore, error) {
	if cfg.Quota.Driver != "redis" {
		return env.Store, nil
	}
	rs, err := quota.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	env.Redis = rs
	zap.L().Info("quota counters in redis", zap.String("addr", cfg.Redis.Addr))
	return rs, nil
}

func newLimiter(qc config.QuotaConfig, counters quota.CounterStore) (*quota.Limiter, error) {
	loc, err := qc.Location()
	if err != nil {
		return nil, err
	}
	opts := []quota.Option{
		quota.WithPrincipalLimit(qc.PrincipalDailyLimit),
		quota.WithIPLimit(qc.IPDailyLimit),
		quota.WithLocation(loc),
	}
	if qc.BlockHours > 0 {
		opts = append(opts, quota.WithBlockDuration(time.Duration(qc.BlockHours)*time.Hour))
	}
	return quota.New(counters, opts...), nil
}

// sharedKeys collects the service-wide provider keys from config.
func sharedKeys(pc config.ProvidersConfig) map[model.ProviderID]string {
	return map[model.ProviderID]string{
		model.ProviderGoogle: pc.Google.Key,
		model.ProviderYelp:   pc.Yelp.Key,
		model.ProviderOSM:    pc.OSM.Key,
	}
}

func guardConfig(pc config.ProviderConfig) resilience.GuardConfig {
	gc := resilience.DefaultGuardConfig()
	if pc.TimeoutSecs > 0 {
		gc.Timeout = pc.Timeout()
	}
	if pc.RPS > 0 {
		gc.RPS = pc.RPS
		gc.Burst = pc.Burst
	}
	if pc.MaxAttempts > 0 {
		gc.Retry.MaxAttempts = pc.MaxAttempts
	}
	if pc.BreakerThreshold > 0 {
		gc.Breaker.FailureThreshold = pc.BreakerThreshold
	}
	if pc.BreakerCooldownSecs > 0 {
		gc.Breaker.Cooldown = time.Duration(pc.BreakerCooldownSecs) * time.Second
	}
	return gc
}

// buildRegistry creates an adapter for every enabled provider. Google
// centers radius-bounded searches with Nominatim, paced by the OSM guard.
func buildRegistry(pc config.ProvidersConfig) *provider.Registry {
	var osmOpts []osm.Option
	if pc.OSM.BaseURL != "" {
		osmOpts = append(osmOpts, osm.WithBaseURL(pc.OSM.BaseURL))
	}
	if pc.OSM.UserAgent != "" {
		osmOpts = append(osmOpts, osm.WithUserAgent(pc.OSM.UserAgent))
	}
	osmGuard := resilience.NewGuard("osm", guardConfig(pc.OSM))

	var adapters []provider.Adapter

	if pc.Google.Enabled {
		var opts []google.Option
		if pc.Google.BaseURL != "" {
			opts = append(opts, google.WithBaseURL(pc.Google.BaseURL))
		}
		geo := provider.NewNominatimGeocoder(osmGuard, osm.NewClient(osmOpts...))
		adapters = append(adapters, provider.NewGoogle(resilience.NewGuard("google", guardConfig(pc.Google)), opts...).WithGeocoder(geo))
	}
	if pc.Yelp.Enabled {
		var opts []yelp.Option
		if pc.Yelp.BaseURL != "" {
			opts = append(opts, yelp.WithBaseURL(pc.Yelp.BaseURL))
		}
		adapters = append(adapters, provider.NewYelp(resilience.NewGuard("yelp", guardConfig(pc.Yelp)), opts...))
	}
	if pc.OSM.Enabled {
		adapters = append(adapters, provider.NewOSM(osmGuard, osmOpts...))
	}

	primary, ok := model.ParseProviderID(pc.Primary)
	if !ok {
		primary = model.ProviderGoogle
	}
	reg := provider.NewRegistry(primary, adapters...)
	zap.L().Debug("providers registered",
		zap.String("primary", string(primary)),
		zap.String("enabled", joinIDs(reg.IDs())),
	)
	return reg
}

func joinIDs(ids []model.ProviderID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

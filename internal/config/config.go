package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Providers   ProvidersConfig   `yaml:"providers" mapstructure:"providers"`
	Quota       QuotaConfig       `yaml:"quota" mapstructure:"quota"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Credentials CredentialsConfig `yaml:"credentials" mapstructure:"credentials"`
	Tenancy     TenancyConfig     `yaml:"tenancy" mapstructure:"tenancy"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Reaper      ReaperConfig      `yaml:"reaper" mapstructure:"reaper"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// TrustedProxies are the IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ProvidersConfig configures the provider adapters.
type ProvidersConfig struct {
	Primary string         `yaml:"primary" mapstructure:"primary"`
	Google  ProviderConfig `yaml:"google" mapstructure:"google"`
	Yelp    ProviderConfig `yaml:"yelp" mapstructure:"yelp"`
	OSM     ProviderConfig `yaml:"osm" mapstructure:"osm"`
}

// ProviderConfig holds one provider's endpoint, shared key and call limits.
type ProviderConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	Key                 string  `yaml:"key" mapstructure:"key"`
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent           string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RPS                 float64 `yaml:"rps" mapstructure:"rps"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// Timeout returns the per-call timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// QuotaConfig configures daily quotas.
type QuotaConfig struct {
	// Driver is "store" (the configured database) or "redis".
	Driver              string `yaml:"driver" mapstructure:"driver"`
	PrincipalDailyLimit int    `yaml:"principal_daily_limit" mapstructure:"principal_daily_limit"`
	IPDailyLimit        int    `yaml:"ip_daily_limit" mapstructure:"ip_daily_limit"`
	Timezone            string `yaml:"timezone" mapstructure:"timezone"`
	BlockHours          int    `yaml:"block_hours" mapstructure:"block_hours"`
}

// Location resolves the quota window time zone.
func (q QuotaConfig) Location() (*time.Location, error) {
	if q.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %q", q.Timezone)
	}
	return loc, nil
}

// CacheConfig configures the search cache.
type CacheConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the cache lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// CredentialsConfig holds the key used to encrypt stored provider keys.
type CredentialsConfig struct {
	// EncryptionKey is base64 of 32 random bytes.
	EncryptionKey string `yaml:"encryption_key" mapstructure:"encryption_key"`
}

// TenancyConfig maps admin callers to a shared system principal.
type TenancyConfig struct {
	SystemPrincipalID int64    `yaml:"system_principal_id" mapstructure:"system_principal_id"`
	SystemTenantID    int64    `yaml:"system_tenant_id" mapstructure:"system_tenant_id"`
	AdminRoles        []string `yaml:"admin_roles" mapstructure:"admin_roles"`
}

// RedisConfig configures the Redis quota counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// ReaperConfig schedules deletion of expired search records.
type ReaperConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
}

// BatchConfig configures the batch command.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("providers.primary", "google")
	v.SetDefault("providers.google.enabled", true)
	v.SetDefault("providers.google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("providers.yelp.enabled", true)
	v.SetDefault("providers.yelp.base_url", "https://api.yelp.com/v3")
	v.SetDefault("providers.osm.enabled", true)
	v.SetDefault("providers.osm.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("providers.osm.user_agent", "search-aggregator/1.0")
	v.SetDefault("providers.osm.rps", 1)
	for _, p := range []string{"google", "yelp", "osm"} {
		// Registered so SEARCH_PROVIDERS_<P>_KEY is seen by Unmarshal.
		v.SetDefault("providers."+p+".key", "")
		v.SetDefault("providers."+p+".timeout_secs", 10)
		v.SetDefault("providers."+p+".max_attempts", 3)
		v.SetDefault("providers."+p+".breaker_threshold", 5)
		v.SetDefault("providers."+p+".breaker_cooldown_secs", 30)
	}
	v.SetDefault("providers.google.rps", 10)
	v.SetDefault("providers.yelp.rps", 5)
	v.SetDefault("quota.driver", "store")
	v.SetDefault("quota.principal_daily_limit", 500)
	v.SetDefault("quota.ip_daily_limit", 1000)
	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("quota.block_hours", 24)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("credentials.encryption_key", "")
	v.SetDefault("tenancy.system_principal_id", 0)
	v.SetDefault("tenancy.system_tenant_id", 0)
	v.SetDefault("tenancy.admin_roles", []string{"admin", "super_admin"})
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "@hourly")
	v.SetDefault("batch.max_concurrent", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "serve", "search", "batch", "quota", "reap", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		add("store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	if mode != "migrate" && mode != "reap" {
		switch c.Quota.Driver {
		case "store":
		case "redis":
			if c.Redis.Addr == "" {
				add("redis.addr is required when quota.driver is redis")
			}
		default:
			add("quota.driver must be store or redis")
		}
		if c.Quota.PrincipalDailyLimit <= 0 || c.Quota.IPDailyLimit <= 0 {
			add("quota daily limits must be > 0")
		}
		if _, err := c.Quota.Location(); err != nil {
			add("quota.timezone %q is not a valid location", c.Quota.Timezone)
		}
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
		for _, p := range c.Server.TrustedProxies {
			if !validProxyEntry(p) {
				add("server.trusted_proxies entry %q is not an IP or CIDR", p)
			}
		}
		if c.Reaper.Enabled && c.Reaper.Schedule == "" {
			add("reaper.schedule is required when the reaper is enabled")
		}
		fallthrough
	case "search", "batch":
		if c.Cache.TTLHours <= 0 {
			add("cache.ttl_hours must be > 0")
		}
		if c.Credentials.EncryptionKey == "" {
			add("credentials.encryption_key is required")
		}
		if _, ok := c.Providers.ByName(c.Providers.Primary); !ok {
			add("providers.primary %q is not a known provider", c.Providers.Primary)
		}
	}
	if mode == "batch" && (c.Batch.MaxConcurrent < 1 || c.Batch.MaxConcurrent > 50) {
		add("batch.max_concurrent must be between 1 and 50")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validProxyEntry(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// ByName returns the settings for a provider name.
func (p ProvidersConfig) ByName(name string) (ProviderConfig, bool) {
	switch strings.ToLower(name) {
	case "google":
		return p.Google, true
	case "yelp":
		return p.Yelp, true
	case "osm":
		return p.OSM, true
	default:
		return ProviderConfig{}, false
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/search-aggregator/internal/api"
	"github.com/sells-group/search-aggregator/internal/config"
	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/resilience"
)

// useConfig swaps the package config for the duration of the test.
func useConfig(t *testing.T, c *config.Config) {
	t.Helper()
	orig := cfg
	cfg = c
	t.Cleanup(func() { cfg = orig })
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "search.db")
	c.Server.Port = 8080
	c.Providers.Primary = "osm"
	c.Providers.OSM.Enabled = true
	c.Providers.Google.Enabled = true
	c.Providers.Google.Key = "shared-google"
	c.Quota.Driver = "store"
	c.Quota.PrincipalDailyLimit = 5
	c.Quota.IPDailyLimit = 10
	c.Quota.Timezone = "UTC"
	c.Cache.TTLHours = 24
	c.Credentials.EncryptionKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	c.Tenancy.AdminRoles = []string{"admin"}
	c.Reaper.Schedule = "@hourly"
	c.Batch.MaxConcurrent = 2
	return c
}

func TestInitEnv_Search(t *testing.T) {
	useConfig(t, testConfig(t))

	env, err := initEnv(context.Background(), "search")
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Store)
	require.NotNil(t, env.Ledger)
	require.NotNil(t, env.Limiter)
	require.NotNil(t, env.Aggregator)
	assert.Nil(t, env.Redis)
	assert.Equal(t, 5, env.Limiter.Limits().Principal)
	assert.Equal(t, 10, env.Limiter.Limits().IP)

	sources, err := env.Aggregator.Sources(context.Background(), model.Caller{UserID: 1})
	require.NoError(t, err)
	byID := make(map[model.ProviderID]bool)
	for _, s := range sources {
		byID[s.ID] = s.Available
	}
	assert.True(t, byID[model.ProviderOSM])
	assert.True(t, byID[model.ProviderGoogle], "shared key makes google available")
	assert.False(t, byID[model.ProviderYelp])
}

func TestInitEnv_MigrateSkipsServices(t *testing.T) {
	c := testConfig(t)
	c.Credentials.EncryptionKey = ""
	useConfig(t, c)

	env, err := initEnv(context.Background(), "migrate")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Ledger)
	assert.Nil(t, env.Limiter)
	assert.Nil(t, env.Aggregator)
}

func TestInitEnv_QuotaSkipsAggregator(t *testing.T) {
	useConfig(t, testConfig(t))

	env, err := initEnv(context.Background(), "quota")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Limiter)
	assert.Nil(t, env.Aggregator)
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Store.Driver = "mysql"
	useConfig(t, c)

	_, err := initEnv(context.Background(), "search")
	assert.Error(t, err)
}

func TestInitEnv_BadEncryptionKey(t *testing.T) {
	c := testConfig(t)
	c.Credentials.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("short"))
	useConfig(t, c)

	_, err := initEnv(context.Background(), "search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestInitEnv_ServeHandler(t *testing.T) {
	useConfig(t, testConfig(t))

	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	srv := httptest.NewServer(api.NewHandler(env.Aggregator, api.Config{AllowedOrigins: []string{"*"}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+api.BasePath+"/rate-limit/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "7")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var st model.QuotaStatus
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&st))
	assert.Equal(t, 5, st.DailyLimit)
	assert.Equal(t, 5, st.Remaining)
}

func TestNewLimiter_BadTimezone(t *testing.T) {
	_, err := newLimiter(config.QuotaConfig{Timezone: "Nowhere/Land"}, nil)
	assert.Error(t, err)
}

func TestSharedKeys(t *testing.T) {
	keys := sharedKeys(config.ProvidersConfig{
		Google: config.ProviderConfig{Key: "g"},
		Yelp:   config.ProviderConfig{Key: "y"},
	})
	assert.Equal(t, "g", keys[model.ProviderGoogle])
	assert.Equal(t, "y", keys[model.ProviderYelp])
	assert.Empty(t, keys[model.ProviderOSM])
}

func TestGuardConfig(t *testing.T) {
	def := resilience.DefaultGuardConfig()

	got := guardConfig(config.ProviderConfig{})
	assert.Equal(t, def.Timeout, got.Timeout)
	assert.InDelta(t, def.RPS, got.RPS, 0.001)
	assert.Equal(t, def.Retry.MaxAttempts, got.Retry.MaxAttempts)

	got = guardConfig(config.ProviderConfig{
		TimeoutSecs:         3,
		RPS:                 1,
		Burst:               2,
		MaxAttempts:         5,
		BreakerThreshold:    7,
		BreakerCooldownSecs: 9,
	})
	assert.Equal(t, 3*time.Second, got.Timeout)
	assert.InDelta(t, 1.0, got.RPS, 0.001)
	assert.Equal(t, 2, got.Burst)
	assert.Equal(t, 5, got.Retry.MaxAttempts)
	assert.Equal(t, 7, got.Breaker.FailureThreshold)
	assert.Equal(t, 9*time.Second, got.Breaker.Cooldown)
}

func TestBuildRegistry(t *testing.T) {
	reg := buildRegistry(config.ProvidersConfig{
		Primary: "nominatim",
		Yelp:    config.ProviderConfig{Enabled: true, BaseURL: "http://127.0.0.1:1"},
		OSM:     config.ProviderConfig{Enabled: true, UserAgent: "test/1.0"},
	})
	assert.Equal(t, model.ProviderOSM, reg.Primary())
	assert.Equal(t, []model.ProviderID{model.ProviderOSM, model.ProviderYelp}, reg.IDs())

	_, ok := reg.Get(model.ProviderGoogle)
	assert.False(t, ok)
}

func TestBuildRegistry_UnknownPrimaryFallsBackToGoogle(t *testing.T) {
	reg := buildRegistry(config.ProvidersConfig{Primary: "bing"})
	assert.Equal(t, model.ProviderGoogle, reg.Primary())
	assert.Empty(t, reg.IDs())
}

func TestJoinIDs(t *testing.T) {
	assert.Equal(t, "google,osm", joinIDs([]model.ProviderID{model.ProviderGoogle, model.ProviderOSM}))
	assert.Equal(t, "", joinIDs(nil))
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/search-aggregator/internal/aggregator"
	"github.com/sells-group/search-aggregator/internal/model"
)

var (
	fixedNow   = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	testCaller = model.Caller{UserID: 42, TenantID: 7, Role: "member"}
)

func newTestHandler(t *testing.T) (http.Handler, *mockBackend) {
	t.Helper()
	b := &mockBackend{}
	t.Cleanup(func() { b.AssertExpectations(t) })
	return NewHandler(b, Config{
		Now:            func() time.Time { return fixedNow },
		TrustedProxies: []string{"192.0.2.0/24", "10.0.0.0/8"},
	}), b
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(headerUserID, "42")
	req.Header.Set(headerTenantID, "7")
	req.Header.Set(headerUserRole, "member")
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(h, http.MethodGet, "/health", "", map[string]string{headerUserID: ""})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMissingCaller(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(h, http.MethodGet, BasePath+"/sources", "", map[string]string{headerUserID: ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodGet, BasePath+"/sources", "", map[string]string{headerUserID: "abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodGet, BasePath+"/sources", "", map[string]string{headerTenantID: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch_OK(t *testing.T) {
	h, b := newTestHandler(t)
	req := model.QueryRequest{Query: "coffee", Location: "Seattle", Sources: []string{"places"}, Limit: 5}
	resp := &model.SearchResponse{
		Record: &model.SearchRecord{ID: "s1", QueryText: "coffee", Results: []model.NormalizedResult{}},
		Cached: true,
	}
	b.On("Search", mock.Anything, testCaller, req, "198.51.100.7").Return(resp, nil).Once()

	rec := do(h, http.MethodPost, BasePath+"/search",
		`{"query":"coffee","location":"Seattle","sources":["places"],"limit":5}`,
		map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"})

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Cached)
	assert.Equal(t, "s1", got.Record.ID)
}

func TestSearch_InvalidBody(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(h, http.MethodPost, BasePath+"/search", `{"query":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)
}

func TestSearch_ErrorMapping(t *testing.T) {
	blocked := fixedNow.Add(24 * time.Hour)
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
		check  func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:   "validation",
			err:    &model.ValidationError{Field: "query", Reason: "is required"},
			status: http.StatusBadRequest,
			typ:    "validation_error",
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "query", decodeError(t, rec).Field)
			},
		},
		{
			name:   "quota exhausted",
			err:    &aggregator.RateLimitedError{Remaining: 0, ResetTime: fixedNow.Add(90 * time.Second)},
			status: http.StatusTooManyRequests,
			typ:    "rate_limited",
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "90", rec.Header().Get("Retry-After"))
				assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
				assert.Equal(t, strconv.FormatInt(fixedNow.Add(90*time.Second).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
			},
		},
		{
			name:   "blocked",
			err:    &aggregator.RateLimitedError{ResetTime: fixedNow.Add(9 * time.Hour), BlockedUntil: &blocked},
			status: http.StatusTooManyRequests,
			typ:    "rate_limited",
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "86400", rec.Header().Get("Retry-After"))
				assert.Equal(t, strconv.FormatInt(blocked.Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
			},
		},
		{
			name:   "provider rate limit",
			err:    &aggregator.RateLimitedError{Provider: model.ProviderYelp, ResetTime: fixedNow.Add(time.Minute)},
			status: http.StatusTooManyRequests,
			typ:    "rate_limited",
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, model.ProviderYelp, decodeError(t, rec).Provider)
			},
		},
		{
			name:   "provider unavailable",
			err:    &aggregator.ProviderUnavailableError{Provider: model.ProviderGoogle, Cause: errors.New("timeout")},
			status: http.StatusBadGateway,
			typ:    "provider_unavailable",
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				d := decodeError(t, rec)
				assert.Equal(t, model.ProviderGoogle, d.Provider)
				assert.Contains(t, d.Message, "timeout")
			},
		},
		{
			name:   "internal",
			err:    errors.New("ledger: save: disk full"),
			status: http.StatusInternalServerError,
			typ:    "internal_error",
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.NotContains(t, rec.Body.String(), "disk full")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b := newTestHandler(t)
			b.On("Search", mock.Anything, testCaller, mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			rec := do(h, http.MethodPost, BasePath+"/search", `{"query":"coffee"}`, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.typ, decodeError(t, rec).Type)
			tt.check(t, rec)
		})
	}
}

func TestGetResult(t *testing.T) {
	h, b := newTestHandler(t)
	b.On("GetResult", mock.Anything, testCaller, "s1").Return(&model.SearchRecord{ID: "s1"}, nil).Once()
	b.On("GetResult", mock.Anything, testCaller, "nope").Return(nil, aggregator.ErrNotFound).Once()

	rec := do(h, http.MethodGet, BasePath+"/results/s1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, BasePath+"/results/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	h, b := newTestHandler(t)
	b.On("History", mock.Anything, testCaller, 5).Return([]model.SearchRecord{{ID: "a"}, {ID: "b"}}, nil).Once()
	b.On("History", mock.Anything, testCaller, 0).Return(nil, nil).Once()

	rec := do(h, http.MethodGet, BasePath+"/history?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)

	rec = do(h, http.MethodGet, BasePath+"/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"searches":[]`)

	rec = do(h, http.MethodGet, BasePath+"/history?limit=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeys(t *testing.T) {
	h, b := newTestHandler(t)
	in := aggregator.APIKeyInput{Service: "yelp", KeyName: "work", APIKey: "secret"}
	b.On("PutAPIKey", mock.Anything, testCaller, in).
		Return(&model.ProviderCredential{PrincipalID: 42, Service: model.ProviderYelp, KeyName: "work", Ciphertext: "xyz"}, nil).Once()
	b.On("ListAPIKeys", mock.Anything, testCaller).Return(nil, nil).Once()
	b.On("DeleteAPIKey", mock.Anything, testCaller, "yelp", "work").Return(nil).Once()
	b.On("DeleteAPIKey", mock.Anything, testCaller, "yelp", "gone").Return(aggregator.ErrNotFound).Once()

	rec := do(h, http.MethodPut, BasePath+"/api-keys", `{"service":"yelp","key_name":"work","api_key":"secret"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "xyz")
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = do(h, http.MethodGet, BasePath+"/api-keys", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"api_keys":[]}`, rec.Body.String())

	rec = do(h, http.MethodDelete, BasePath+"/api-keys/yelp/work", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, http.MethodDelete, BasePath+"/api-keys/yelp/gone", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h, b := newTestHandler(t)
	admin := model.Caller{UserID: 42, TenantID: 7, Role: "admin"}
	b.On("RateLimitStatus", mock.Anything, testCaller, "business_search").
		Return(model.QuotaStatus{Service: "business_search", CurrentUsage: 3, DailyLimit: 500, Remaining: 497}, nil).Once()
	b.On("ResetRateLimit", mock.Anything, testCaller, int64(0), "").Return(aggregator.ErrForbidden).Once()
	b.On("ResetRateLimit", mock.Anything, admin, int64(9), "business_search").Return(nil).Once()

	rec := do(h, http.MethodGet, BasePath+"/rate-limit/status?service=business_search", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remaining":497`)

	rec = do(h, http.MethodPost, BasePath+"/rate-limit/reset", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(h, http.MethodPost, BasePath+"/rate-limit/reset?service=business_search&principal_id=9", "",
		map[string]string{headerUserRole: "admin"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodPost, BasePath+"/rate-limit/reset?principal_id=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourcesAndStats(t *testing.T) {
	h, b := newTestHandler(t)
	b.On("Sources", mock.Anything, testCaller).Return([]aggregator.SourceInfo{
		{ID: model.ProviderGoogle, Primary: true, Configured: true, RequiresKey: true, SharedKey: true, Available: true},
	}, nil).Once()
	b.On("Stats", mock.Anything, testCaller).Return(&aggregator.Stats{
		Searches: &model.SearchStats{TotalSearches: 4, ByProvider: map[model.ProviderID]int{model.ProviderGoogle: 4}},
	}, nil).Once()

	rec := do(h, http.MethodGet, BasePath+"/sources", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"google"`)

	rec = do(h, http.MethodGet, BasePath+"/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_searches":4`)
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodOptions, BasePath+"/search", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", clientIP(r))

	r.RemoteAddr = "192.0.2.11"
	assert.Equal(t, "192.0.2.11", clientIP(r))
}

func TestTrustedRealIP(t *testing.T) {
	trusted := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1", " ", "not-an-ip", "2001:db8::/32"})
	require.Len(t, trusted, 3)

	tests := []struct {
		name    string
		proxies []netip.Prefix
		remote  string
		xff     string
		realIP  string
		want    string
	}{
		{"no trusted proxies ignores headers", nil, "192.0.2.1:4000", "198.51.100.7", "", "192.0.2.1"},
		{"untrusted peer keeps its address", trusted, "203.0.113.50:4000", "198.51.100.7", "198.51.100.8", "203.0.113.50"},
		{"trusted peer uses forwarded client", trusted, "192.0.2.1:4000", "198.51.100.7", "", "198.51.100.7"},
		{"skips trusted hops from the right", trusted, "10.1.1.1:4000", "198.51.100.7, 203.0.113.9, 10.0.0.2", "", "203.0.113.9"},
		{"spoofed leftmost entry is not used", trusted, "192.0.2.1:4000", "1.2.3.4, 198.51.100.7", "", "198.51.100.7"},
		{"all hops trusted takes leftmost", trusted, "192.0.2.1:4000", "10.0.0.3, 10.0.0.2", "", "10.0.0.3"},
		{"falls back to X-Real-IP", trusted, "192.0.2.1:4000", "", "198.51.100.9", "198.51.100.9"},
		{"garbage hop ignored", trusted, "192.0.2.1:4000", "unknown", "", "192.0.2.1"},
		{"ipv6 peer", trusted, "[2001:db8::1]:4000", "198.51.100.7", "", "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := trustedRealIP(tt.proxies)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = clientIP(r)
			}))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearch_UntrustedPeerCannotSpoofIP(t *testing.T) {
	b := &mockBackend{}
	t.Cleanup(func() { b.AssertExpectations(t) })
	h := NewHandler(b, Config{Now: func() time.Time { return fixedNow }})

	resp := &model.SearchResponse{Record: &model.SearchRecord{ID: "s1", Results: []model.NormalizedResult{}}}
	b.On("Search", mock.Anything, testCaller, mock.Anything, "192.0.2.1").Return(resp, nil).Once()

	rec := do(h, http.MethodPost, BasePath+"/search", `{"query":"coffee"}`,
		map[string]string{"X-Forwarded-For": "198.51.100.7", "X-Real-IP": "198.51.100.7"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Package api exposes the business search engine over HTTP for the CRUD
// frontend. Authentication happens upstream; callers are identified by
// trusted headers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/search-aggregator/internal/aggregator"
	"github.com/sells-group/search-aggregator/internal/model"
)

// BasePath is the mount point of the search API.
const BasePath = "/api/v1/business-search"

const maxRequestBodySize = 1 << 20 // 1MB

// Backend is the search engine behind the HTTP surface.
type Backend interface {
	Search(ctx context.Context, caller model.Caller, req model.QueryRequest, sourceIP string) (*model.SearchResponse, error)
	GetResult(ctx context.Context, caller model.Caller, id string) (*model.SearchRecord, error)
	History(ctx context.Context, caller model.Caller, limit int) ([]model.SearchRecord, error)
	Sources(ctx context.Context, caller model.Caller) ([]aggregator.SourceInfo, error)
	Stats(ctx context.Context, caller model.Caller) (*aggregator.Stats, error)
	RateLimitStatus(ctx context.Context, caller model.Caller, service string) (model.QuotaStatus, error)
	ResetRateLimit(ctx context.Context, caller model.Caller, principalID int64, service string) error
	PutAPIKey(ctx context.Context, caller model.Caller, in aggregator.APIKeyInput) (*model.ProviderCredential, error)
	ListAPIKeys(ctx context.Context, caller model.Caller) ([]model.ProviderCredential, error)
	DeleteAPIKey(ctx context.Context, caller model.Caller, service, keyName string) error
}

var _ Backend = (*aggregator.Aggregator)(nil)

// Config holds HTTP surface settings.
type Config struct {
	AllowedOrigins []string
	// TrustedProxies lists the IPs and CIDRs whose forwarding headers are
	// believed. Empty means the peer address is always the client.
	TrustedProxies []string
	// Now is used for Retry-After computation. Defaults to time.Now.
	Now func() time.Time
}

type server struct {
	backend Backend
	now     func() time.Time
}

// NewHandler returns the router serving /health and the search API.
func NewHandler(b Backend, cfg Config) http.Handler {
	s := &server{backend: b, now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(trustedRealIP(parseTrustedProxies(cfg.TrustedProxies)))
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", headerUserID, headerTenantID, headerUserRole},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)

	r.Route(BasePath, func(r chi.Router) {
		r.Use(requireCaller)

		r.Post("/search", s.handleSearch)
		r.Get("/results/{searchID}", s.handleGetResult)
		r.Get("/history", s.handleHistory)

		r.Get("/api-keys", s.handleListAPIKeys)
		r.Put("/api-keys", s.handlePutAPIKey)
		r.Delete("/api-keys/{service}/{keyName}", s.handleDeleteAPIKey)

		r.Get("/rate-limit/status", s.handleRateLimitStatus)
		r.Post("/rate-limit/reset", s.handleRateLimitReset)

		r.Get("/sources", s.handleSources)
		r.Get("/stats", s.handleStats)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/search-aggregator/internal/aggregator"
	"github.com/sells-group/search-aggregator/internal/model"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close() //nolint:errcheck

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		httpError(w, http.StatusBadRequest, "validation_error", "%s must be a non-negative integer", name)
		return 0, false
	}
	return n, true
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req model.QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.backend.Search(r.Context(), callerFrom(r.Context()), req, clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	rec, err := s.backend.GetResult(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "searchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	recs, err := s.backend.History(r.Context(), callerFrom(r.Context()), int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.SearchRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"searches": recs, "count": len(recs)})
}

func (s *server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := s.backend.ListAPIKeys(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if creds == nil {
		creds = []model.ProviderCredential{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": creds})
}

func (s *server) handlePutAPIKey(w http.ResponseWriter, r *http.Request) {
	var in aggregator.APIKeyInput
	if !decodeBody(w, r, &in) {
		return
	}
	cred, err := s.backend.PutAPIKey(r.Context(), callerFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	err := s.backend.DeleteAPIKey(r.Context(), callerFrom(r.Context()),
		chi.URLParam(r, "service"), chi.URLParam(r, "keyName"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.RateLimitStatus(r.Context(), callerFrom(r.Context()), r.URL.Query().Get("service"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	principalID, ok := queryInt(w, r, "principal_id")
	if !ok {
		return
	}
	service := r.URL.Query().Get("service")
	if err := s.backend.ResetRateLimit(r.Context(), callerFrom(r.Context()), principalID, service); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "principal_id": principalID, "service": service})
}

func (s *server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.backend.Sources(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

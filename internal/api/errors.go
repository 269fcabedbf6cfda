package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sells-group/search-aggregator/internal/aggregator"
	"github.com/sells-group/search-aggregator/internal/model"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type     string           `json:"type"`
	Message  string           `json:"message"`
	Field    string           `json:"field,omitempty"`
	Provider model.ProviderID `json:"provider,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func httpError(w http.ResponseWriter, status int, errType, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: errType, Message: fmt.Sprintf(format, args...)}})
}

// writeError maps an engine error onto a status code and body.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *model.ValidationError
		rl *aggregator.RateLimitedError
		pu *aggregator.ProviderUnavailableError
	)

	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Type: "validation_error", Message: ve.Error(), Field: ve.Field,
		}})
	case errors.As(err, &rl):
		retryAfter := int(math.Ceil(rl.RetryAfter(s.now()).Seconds()))
		reset := rl.ResetTime
		if rl.BlockedUntil != nil {
			reset = *rl.BlockedUntil
		}
		w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
			Type: "rate_limited", Message: rl.Error(), Provider: rl.Provider,
		}})
	case errors.As(err, &pu):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: errorDetail{
			Type: "provider_unavailable", Message: pu.Error(), Provider: pu.Provider,
		}})
	case errors.Is(err, aggregator.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, aggregator.ErrForbidden):
		httpError(w, http.StatusForbidden, "forbidden", "admin role required")
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		httpError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

package model

import "time"

// SearchStatus is the lifecycle status of a persisted search.
type SearchStatus string

const (
	SearchStatusCompleted     SearchStatus = "completed"
	SearchStatusExpiredOnRead SearchStatus = "expired_on_read"
)

// SearchRecord is a completed, persisted search. It is written once and
// read-only afterward; expiry is purely time based.
type SearchRecord struct {
	ID             string             `json:"id"`
	PrincipalID    int64              `json:"principal_id"`
	TenantID       int64              `json:"tenant_id"`
	QueryText      string             `json:"query"`
	Location       string             `json:"location,omitempty"`
	RadiusKm       *float64           `json:"radius_km,omitempty"`
	Category       string             `json:"category,omitempty"`
	Limit          int                `json:"limit"`
	QueryHash      string             `json:"query_hash"`
	Sources        []ProviderID       `json:"sources"`
	Results        []NormalizedResult `json:"results"`
	TotalResults   int                `json:"total_results"`
	ResponseTimeMs int64              `json:"response_time_ms"`
	Status         SearchStatus       `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
}

// NewSearchRecord flattens a query and its merged results into an unsaved
// record. ID, CreatedAt and ExpiresAt are assigned on save.
func NewSearchRecord(q NormalizedQuery, p Principal, sources []ProviderID, results []NormalizedResult, elapsed time.Duration) *SearchRecord {
	rec := &SearchRecord{
		PrincipalID:    p.ID,
		TenantID:       p.TenantID,
		QueryText:      q.Text,
		Location:       q.Location,
		Category:       q.Category,
		Limit:          q.Limit,
		QueryHash:      q.Hash(),
		Sources:        append([]ProviderID(nil), sources...),
		Results:        results,
		TotalResults:   len(results),
		ResponseTimeMs: elapsed.Milliseconds(),
		Status:         SearchStatusCompleted,
	}
	if q.RadiusKm != nil {
		r := *q.RadiusKm
		rec.RadiusKm = &r
	}
	if rec.Results == nil {
		rec.Results = []NormalizedResult{}
	}
	return rec
}

// Query rebuilds the normalized query the record was computed from.
func (r *SearchRecord) Query() NormalizedQuery {
	q := NormalizedQuery{
		Text:     r.QueryText,
		Location: r.Location,
		Category: r.Category,
		Sources:  append([]ProviderID(nil), r.Sources...),
		Limit:    r.Limit,
	}
	if r.RadiusKm != nil {
		v := *r.RadiusKm
		q.RadiusKm = &v
	}
	return q
}

// Provider returns the provider that served the search, if any.
func (r *SearchRecord) Provider() ProviderID {
	if len(r.Sources) == 0 {
		return ""
	}
	return r.Sources[0]
}

// Expired reports whether the record is past its TTL at now.
func (r *SearchRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// SearchResponse is the orchestrator's reply to a search call.
type SearchResponse struct {
	Record *SearchRecord `json:"search"`
	Cached bool          `json:"cached"`
}

// SearchStats summarizes a principal's search activity.
type SearchStats struct {
	TotalSearches     int                `json:"total_searches"`
	SearchesLast24h   int                `json:"searches_last_24h"`
	ActiveCached      int                `json:"active_cached"`
	AvgResponseTimeMs float64            `json:"avg_response_time_ms"`
	ByProvider        map[ProviderID]int `json:"by_provider"`
}

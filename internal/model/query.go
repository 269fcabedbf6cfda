package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// ProviderID identifies an external business-data provider.
type ProviderID string

// Supported providers.
const (
	ProviderGoogle ProviderID = "google"
	ProviderYelp   ProviderID = "yelp"
	ProviderOSM    ProviderID = "osm"
)

// ServiceBusinessSearch is the quota service name for aggregated searches.
const ServiceBusinessSearch = "business_search"

// Query bounds.
const (
	DefaultLimit   = 20
	MaxLimit       = 100
	MinRadiusKm    = 0.1
	MaxRadiusKm    = 50.0
	MaxTextLength  = 500
	MaxSourceCount = 1
)

var providerAliases = map[string]ProviderID{
	"google":        ProviderGoogle,
	"google_places": ProviderGoogle,
	"places":        ProviderGoogle,
	"yelp":          ProviderYelp,
	"osm":           ProviderOSM,
	"openstreetmap": ProviderOSM,
	"nominatim":     ProviderOSM,
}

// ParseProviderID resolves a provider name or alias, case-insensitively.
func ParseProviderID(s string) (ProviderID, bool) {
	id, ok := providerAliases[strings.ToLower(strings.TrimSpace(s))]
	return id, ok
}

// AllProviders returns the fixed provider set in display order.
func AllProviders() []ProviderID {
	return []ProviderID{ProviderGoogle, ProviderYelp, ProviderOSM}
}

// NormalizedQuery is the adapter-agnostic search query. Build it with
// QueryRequest.Normalize; the zero value is not a valid query.
type NormalizedQuery struct {
	Text     string       `json:"text"`
	Location string       `json:"location,omitempty"`
	RadiusKm *float64     `json:"radius_km,omitempty"`
	Category string       `json:"category,omitempty"`
	Sources  []ProviderID `json:"sources,omitempty"`
	Limit    int          `json:"limit"`
}

// QueryRequest is the raw caller-supplied search input.
type QueryRequest struct {
	Query    string   `json:"query" yaml:"query" validate:"required,max=500"`
	Location string   `json:"location,omitempty" yaml:"location,omitempty" validate:"max=200"`
	RadiusKm *float64 `json:"radius_km,omitempty" yaml:"radius_km,omitempty" validate:"omitempty,gte=0.1,lte=50"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty" validate:"max=100"`
	Sources  []string `json:"sources,omitempty" yaml:"sources,omitempty" validate:"max=1,dive,required"`
	Limit    int      `json:"limit,omitempty" yaml:"limit,omitempty" validate:"omitempty,min=1,max=100"`
}

// Normalize trims and validates the request and returns an immutable query.
// Any problem is reported as a *ValidationError.
func (r QueryRequest) Normalize() (NormalizedQuery, error) {
	r.Query = strings.TrimSpace(r.Query)
	r.Location = strings.TrimSpace(r.Location)
	r.Category = strings.TrimSpace(r.Category)

	if err := Validate(r); err != nil {
		return NormalizedQuery{}, err
	}

	q := NormalizedQuery{
		Text:     r.Query,
		Location: r.Location,
		Category: r.Category,
		Limit:    r.Limit,
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if r.RadiusKm != nil {
		radius := *r.RadiusKm
		q.RadiusKm = &radius
	}
	for _, s := range r.Sources {
		id, ok := ParseProviderID(s)
		if !ok {
			return NormalizedQuery{}, &ValidationError{Field: "sources", Reason: fmt.Sprintf("unknown provider %q", s)}
		}
		q.Sources = append(q.Sources, id)
	}
	return q, nil
}

// Hash returns the content hash used as the cache key. It covers the
// case-folded, trimmed text, location, radius, category and sorted sources.
// Limit is deliberately excluded.
func (q NormalizedQuery) Hash() string {
	fold := cases.Fold()
	norm := func(s string) string {
		return fold.String(strings.TrimSpace(s))
	}

	radius := ""
	if q.RadiusKm != nil {
		radius = strconv.FormatFloat(*q.RadiusKm, 'f', 3, 64)
	}

	sources := make([]string, len(q.Sources))
	for i, s := range q.Sources {
		sources[i] = norm(string(s))
	}
	sort.Strings(sources)

	// Each field is length-prefixed so separators inside a value cannot
	// shift field boundaries.
	h := sha256.New()
	for _, field := range []string{
		norm(q.Text),
		norm(q.Location),
		radius,
		norm(q.Category),
		strings.Join(sources, ","),
	} {
		fmt.Fprintf(h, "%d:%s|", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PrimarySource returns the first requested source, or fallback when none
// was requested.
func (q NormalizedQuery) PrimarySource(fallback ProviderID) ProviderID {
	if len(q.Sources) > 0 {
		return q.Sources[0]
	}
	return fallback
}

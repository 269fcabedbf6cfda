// Package provider adapts external business-data APIs to the normalized
// result model. Exactly three adapters exist: google, yelp and osm.
package provider

import (
	"context"
	"sort"
	"strings"

	"github.com/sells-group/search-aggregator/internal/model"
)

// Request is one adapter call.
type Request struct {
	Query  model.NormalizedQuery
	APIKey string
}

// Adapter searches one provider and normalizes its results.
type Adapter interface {
	ID() model.ProviderID
	// RequiresKey reports whether Search needs an API key.
	RequiresKey() bool
	// Search returns normalized results or an *Error.
	Search(ctx context.Context, req Request) ([]model.NormalizedResult, error)
}

// Registry holds the configured adapters and the primary provider.
type Registry struct {
	adapters map[model.ProviderID]Adapter
	primary  model.ProviderID
}

// NewRegistry registers adapters. primary is used when a query names no
// source.
func NewRegistry(primary model.ProviderID, adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ProviderID]Adapter, len(adapters)), primary: primary}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter for id.
func (r *Registry) Get(id model.ProviderID) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Primary returns the default provider.
func (r *Registry) Primary() model.ProviderID {
	return r.primary
}

// IDs returns the registered providers, sorted.
func (r *Registry) IDs() []model.ProviderID {
	ids := make([]model.ProviderID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// freeText joins the query's text and category into one search phrase.
func freeText(q model.NormalizedQuery) string {
	text := q.Text
	if q.Category != "" && !strings.Contains(strings.ToLower(text), strings.ToLower(q.Category)) {
		text += " " + q.Category
	}
	return text
}

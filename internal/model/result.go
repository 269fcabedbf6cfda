package model

import "maps"

// PriceTier is a normalized price band.
type PriceTier string

// Price tiers, cheapest first.
const (
	PriceInexpensive   PriceTier = "$"
	PriceModerate      PriceTier = "$$"
	PriceExpensive     PriceTier = "$$$"
	PriceVeryExpensive PriceTier = "$$$$"
)

// ParsePriceTier maps a dollar-sign string ("$".."$$$$") to a tier.
func ParsePriceTier(s string) (PriceTier, bool) {
	switch PriceTier(s) {
	case PriceInexpensive, PriceModerate, PriceExpensive, PriceVeryExpensive:
		return PriceTier(s), true
	}
	return "", false
}

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ReviewSummary aggregates a provider's reviews for one business.
type ReviewSummary struct {
	Count     int     `json:"count"`
	AvgRating float64 `json:"avg_rating"`
}

// NormalizedResult is one business record in adapter-agnostic form.
// Empty strings, nil pointers and nil maps mean "absent".
type NormalizedResult struct {
	SourceID       ProviderID        `json:"source_id"`
	SourceRecordID string            `json:"source_record_id"`
	Name           string            `json:"name"`
	Address        string            `json:"address,omitempty"`
	Phone          string            `json:"phone,omitempty"`
	Website        string            `json:"website,omitempty"`
	Rating         *float64          `json:"rating,omitempty"`
	PriceTier      PriceTier         `json:"price_tier,omitempty"`
	Categories     []string          `json:"categories,omitempty"`
	Coordinates    *LatLng           `json:"coordinates,omitempty"`
	Photos         []string          `json:"photos,omitempty"`
	Hours          map[string]string `json:"hours,omitempty"`
	ReviewSummary  *ReviewSummary    `json:"review_summary,omitempty"`
}

// Clone returns a deep copy so callers can build new values without
// aliasing the original's slices, maps or pointers.
func (r NormalizedResult) Clone() NormalizedResult {
	out := r
	if r.Rating != nil {
		v := *r.Rating
		out.Rating = &v
	}
	if r.Coordinates != nil {
		c := *r.Coordinates
		out.Coordinates = &c
	}
	if r.ReviewSummary != nil {
		rs := *r.ReviewSummary
		out.ReviewSummary = &rs
	}
	if r.Categories != nil {
		out.Categories = append([]string(nil), r.Categories...)
	}
	if r.Photos != nil {
		out.Photos = append([]string(nil), r.Photos...)
	}
	if r.Hours != nil {
		out.Hours = maps.Clone(r.Hours)
	}
	return out
}

// Package merge deduplicates and ranks normalized business records.
package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/search-aggregator/internal/model"
)

// unknownLocation is the dedup location token for records without coordinates.
const unknownLocation = "unknown"

// Score weights and caps for ranking.
const (
	weightPhone      = 10
	weightWebsite    = 10
	weightRating     = 5
	weightPriceTier  = 3
	weightHours      = 8
	perCategory      = 2
	maxCategoryScore = 6
	perPhoto         = 2
	maxPhotoScore    = 10
	reviewsPerPoint  = 10
	maxReviewScore   = 20
)

// DedupKey identifies a business across and within providers:
// lowercased trimmed name plus coordinates rounded to ~100 m.
func DedupKey(r model.NormalizedResult) string {
	return strings.ToLower(strings.TrimSpace(r.Name)) + "_" + approxLocation(r.Coordinates)
}

func approxLocation(c *model.LatLng) string {
	if c == nil {
		return unknownLocation
	}
	return fmt.Sprintf("%.3f,%.3f", c.Lat, c.Lng)
}

// Merge collapses records sharing a DedupKey, ranks the survivors by
// completeness and returns at most limit of them. Inputs are never mutated.
// Ties keep input order, so the output is deterministic for a given input.
func Merge(results []model.NormalizedResult, limit int) []model.NormalizedResult {
	if len(results) == 0 || limit <= 0 {
		return []model.NormalizedResult{}
	}

	index := make(map[string]int, len(results))
	merged := make([]model.NormalizedResult, 0, len(results))

	for _, r := range results {
		key := DedupKey(r)
		if i, ok := index[key]; ok {
			merged[i] = combine(merged[i], r)
			continue
		}
		index[key] = len(merged)
		merged = append(merged, r.Clone())
	}

	scores := make([]int, len(merged))
	order := make([]int, len(merged))
	for i := range merged {
		scores[i] = Score(merged[i])
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if limit > len(order) {
		limit = len(order)
	}
	out := make([]model.NormalizedResult, 0, limit)
	for _, i := range order[:limit] {
		out = append(out, merged[i])
	}
	return out
}

// combine returns a new record: singular fields keep the first non-empty
// value, categories and photos are unioned by exact string.
func combine(first, next model.NormalizedResult) model.NormalizedResult {
	out := first.Clone()
	add := next.Clone()

	if out.Address == "" {
		out.Address = add.Address
	}
	if out.Phone == "" {
		out.Phone = add.Phone
	}
	if out.Website == "" {
		out.Website = add.Website
	}
	if out.Rating == nil {
		out.Rating = add.Rating
	}
	if out.PriceTier == "" {
		out.PriceTier = add.PriceTier
	}
	if len(out.Hours) == 0 {
		out.Hours = add.Hours
	}
	if out.ReviewSummary == nil {
		out.ReviewSummary = add.ReviewSummary
	}
	if out.Coordinates == nil {
		out.Coordinates = add.Coordinates
	}

	out.Categories = union(out.Categories, add.Categories)
	out.Photos = union(out.Photos, add.Photos)
	return out
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// Score is the relevance score of a record: a weighted sum of which fields
// are present.
func Score(r model.NormalizedResult) int {
	score := 0
	if r.Phone != "" {
		score += weightPhone
	}
	if r.Website != "" {
		score += weightWebsite
	}
	if r.Rating != nil {
		score += weightRating
	}
	if r.PriceTier != "" {
		score += weightPriceTier
	}
	score += min(perCategory*len(r.Categories), maxCategoryScore)
	if len(r.Hours) > 0 {
		score += weightHours
	}
	score += min(perPhoto*len(r.Photos), maxPhotoScore)
	if r.ReviewSummary != nil {
		score += min(r.ReviewSummary.Count/reviewsPerPoint, maxReviewScore)
	}
	return score
}

package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func mustNormalize(t *testing.T, r QueryRequest) NormalizedQuery {
	t.Helper()
	q, err := r.Normalize()
	require.NoError(t, err)
	return q
}

func TestNormalize_Defaults(t *testing.T) {
	q := mustNormalize(t, QueryRequest{Query: "  coffee  ", Location: " Seattle "})

	assert.Equal(t, "coffee", q.Text)
	assert.Equal(t, "Seattle", q.Location)
	assert.Equal(t, DefaultLimit, q.Limit)
	assert.Nil(t, q.RadiusKm)
	assert.Empty(t, q.Sources)
}

func TestNormalize_SourceAliases(t *testing.T) {
	q := mustNormalize(t, QueryRequest{Query: "coffee", Sources: []string{"Places"}})
	assert.Equal(t, []ProviderID{ProviderGoogle}, q.Sources)

	q = mustNormalize(t, QueryRequest{Query: "coffee", Sources: []string{"openstreetmap"}})
	assert.Equal(t, []ProviderID{ProviderOSM}, q.Sources)
}

func TestNormalize_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		req   QueryRequest
		field string
	}{
		{"empty text", QueryRequest{Query: "   "}, "query"},
		{"radius too small", QueryRequest{Query: "tacos", RadiusKm: ptr(0.01)}, "radius_km"},
		{"radius too large", QueryRequest{Query: "tacos", RadiusKm: ptr(51.0)}, "radius_km"},
		{"limit too large", QueryRequest{Query: "tacos", Limit: 101}, "limit"},
		{"negative limit", QueryRequest{Query: "tacos", Limit: -1}, "limit"},
		{"two sources", QueryRequest{Query: "tacos", Sources: []string{"google", "yelp"}}, "sources"},
		{"unknown source", QueryRequest{Query: "tacos", Sources: []string{"bing"}}, "sources"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.Normalize()
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestHash_CaseAndWhitespaceInsensitive(t *testing.T) {
	a := NormalizedQuery{Text: "Coffee", Location: "Seattle", Category: "Cafe", Limit: 5}
	b := NormalizedQuery{Text: "  coffee ", Location: "SEATTLE", Category: "cafe ", Limit: 5}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)
}

func TestHash_LimitDoesNotAffectHash(t *testing.T) {
	a := NormalizedQuery{Text: "coffee", Location: "Seattle", Limit: 5}
	b := a
	b.Limit = 50

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestHash_SourceOrderIrrelevant(t *testing.T) {
	a := NormalizedQuery{Text: "coffee", Sources: []ProviderID{ProviderYelp, ProviderGoogle}}
	b := NormalizedQuery{Text: "coffee", Sources: []ProviderID{ProviderGoogle, ProviderYelp}}

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestHash_DistinguishesFields(t *testing.T) {
	base := NormalizedQuery{Text: "coffee", Location: "Seattle", Limit: 5}

	other := base
	other.Location = "Portland"
	assert.NotEqual(t, base.Hash(), other.Hash())

	other = base
	other.RadiusKm = ptr(5.0)
	assert.NotEqual(t, base.Hash(), other.Hash())

	other = base
	other.Sources = []ProviderID{ProviderYelp}
	assert.NotEqual(t, base.Hash(), other.Hash())

	other = base
	other.Category = "bakery"
	assert.NotEqual(t, base.Hash(), other.Hash())
}

func TestHash_SeparatorInsideField(t *testing.T) {
	joined, err := QueryRequest{Query: "pizza|brooklyn"}.Normalize()
	require.NoError(t, err)
	split, err := QueryRequest{Query: "pizza", Location: "brooklyn|"}.Normalize()
	require.NoError(t, err)
	assert.NotEqual(t, joined.Hash(), split.Hash())

	a := NormalizedQuery{Text: "a", Category: "b|c"}
	b := NormalizedQuery{Text: "a|b", Category: "c"}
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := NormalizedQuery{Text: "1:x|", Location: ""}
	d := NormalizedQuery{Text: "", Location: "x"}
	assert.NotEqual(t, c.Hash(), d.Hash())
}

func TestHash_RadiusFormatting(t *testing.T) {
	a := NormalizedQuery{Text: "coffee", RadiusKm: ptr(5.0)}
	b := NormalizedQuery{Text: "coffee", RadiusKm: ptr(5.0000001)}

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestPrimarySource(t *testing.T) {
	q := NormalizedQuery{Text: "coffee"}
	assert.Equal(t, ProviderGoogle, q.PrimarySource(ProviderGoogle))

	q.Sources = []ProviderID{ProviderYelp}
	assert.Equal(t, ProviderYelp, q.PrimarySource(ProviderGoogle))
}

func TestNormalizedResult_CloneDoesNotAlias(t *testing.T) {
	orig := NormalizedResult{
		Name:       "Joe's Cafe",
		Rating:     ptr(4.5),
		Categories: []string{"cafe"},
		Photos:     []string{"a.jpg"},
		Hours:      map[string]string{"monday": "7-5"},
	}

	c := orig.Clone()
	*c.Rating = 1
	c.Categories[0] = "bar"
	c.Photos[0] = "b.jpg"
	c.Hours["monday"] = "closed"

	assert.InDelta(t, 4.5, *orig.Rating, 0.0001)
	assert.Equal(t, "cafe", orig.Categories[0])
	assert.Equal(t, "a.jpg", orig.Photos[0])
	assert.Equal(t, "7-5", orig.Hours["monday"])
}

func TestSearchRecord_QueryRoundTrip(t *testing.T) {
	q := mustNormalize(t, QueryRequest{Query: "coffee", Location: "Seattle", Sources: []string{"places"}, Limit: 5})
	rec := NewSearchRecord(q, Principal{ID: 7, TenantID: 3}, []ProviderID{ProviderGoogle}, nil, 0)

	assert.Equal(t, q.Hash(), rec.QueryHash)
	assert.Equal(t, q.Hash(), rec.Query().Hash())
	assert.NotNil(t, rec.Results)
	assert.Equal(t, 0, rec.TotalResults)
	assert.Equal(t, ProviderGoogle, rec.Provider())
}

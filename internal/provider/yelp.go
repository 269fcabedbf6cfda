package provider

import (
	"context"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/resilience"
	"github.com/sells-group/search-aggregator/pkg/yelp"
)

// Yelp adapts the Yelp Fusion business search API.
type Yelp struct {
	guard *resilience.Guard
	opts  []yelp.Option
}

// NewYelp creates the Yelp adapter. opts apply to every client built.
func NewYelp(guard *resilience.Guard, opts ...yelp.Option) *Yelp {
	return &Yelp{guard: guard, opts: opts}
}

func (y *Yelp) ID() model.ProviderID { return model.ProviderYelp }

func (y *Yelp) RequiresKey() bool { return true }

func (y *Yelp) Search(ctx context.Context, req Request) ([]model.NormalizedResult, error) {
	if req.APIKey == "" {
		return nil, &Error{Provider: model.ProviderYelp, Kind: KindAuth, Err: eris.New("api key required")}
	}
	client := yelp.NewClient(req.APIKey, y.opts...)

	sr := yelp.SearchRequest{
		Term:     freeText(req.Query),
		Location: req.Query.Location,
		Limit:    req.Query.Limit,
	}
	if req.Query.RadiusKm != nil {
		sr.RadiusMeters = int(math.Round(*req.Query.RadiusKm * 1000))
	}

	resp, err := resilience.Call(ctx, y.guard, func(ctx context.Context) (*yelp.SearchResponse, error) {
		r, err := client.SearchBusinesses(ctx, sr)
		return r, retryable(err)
	})
	if err != nil {
		return nil, classify(model.ProviderYelp, err)
	}

	out := make([]model.NormalizedResult, 0, len(resp.Businesses))
	for _, b := range resp.Businesses {
		out = append(out, normalizeYelpBusiness(b))
	}
	return out, nil
}

func normalizeYelpBusiness(b yelp.Business) model.NormalizedResult {
	r := model.NormalizedResult{
		SourceID:       model.ProviderYelp,
		SourceRecordID: b.ID,
		Name:           b.Name,
		Address:        strings.Join(b.Location.DisplayAddress, ", "),
		Phone:          b.DisplayPhone,
		Website:        b.URL,
	}
	if r.Phone == "" {
		r.Phone = b.Phone
	}
	if tier, ok := model.ParsePriceTier(b.Price); ok {
		r.PriceTier = tier
	}
	if b.Rating > 0 {
		rating := b.Rating
		r.Rating = &rating
	}
	for _, c := range b.Categories {
		if c.Title != "" {
			r.Categories = append(r.Categories, c.Title)
		}
	}
	if b.Coordinates.Latitude != nil && b.Coordinates.Longitude != nil {
		r.Coordinates = &model.LatLng{Lat: *b.Coordinates.Latitude, Lng: *b.Coordinates.Longitude}
	}
	if b.ImageURL != "" {
		r.Photos = []string{b.ImageURL}
	}
	if b.ReviewCount > 0 {
		r.ReviewSummary = &model.ReviewSummary{Count: b.ReviewCount, AvgRating: b.Rating}
	}
	return r
}

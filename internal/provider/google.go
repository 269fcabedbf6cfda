package provider

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/resilience"
	"github.com/sells-group/search-aggregator/pkg/google"
)

var googlePriceLevels = map[string]model.PriceTier{
	"PRICE_LEVEL_INEXPENSIVE":    model.PriceInexpensive,
	"PRICE_LEVEL_MODERATE":       model.PriceModerate,
	"PRICE_LEVEL_EXPENSIVE":      model.PriceExpensive,
	"PRICE_LEVEL_VERY_EXPENSIVE": model.PriceVeryExpensive,
}

// googlePlaceTypes maps normalized categories to Places API table A types
// usable as includedType.
var googlePlaceTypes = map[string]string{
	"bakery":          "bakery",
	"bar":             "bar",
	"cafe":            "cafe",
	"coffee_shop":     "coffee_shop",
	"dentist":         "dentist",
	"doctor":          "doctor",
	"gas_station":     "gas_station",
	"gym":             "gym",
	"hair_salon":      "hair_salon",
	"hotel":           "hotel",
	"laundry":         "laundry",
	"pharmacy":        "pharmacy",
	"restaurant":      "restaurant",
	"supermarket":     "supermarket",
	"car_repair":      "car_repair",
	"veterinary_care": "veterinary_care",
}

// googleIncludedType returns the Places type for category, or "".
func googleIncludedType(category string) string {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(category)), " ", "_")
	return googlePlaceTypes[key]
}

// GoogleClientFactory builds a Places client for one API key.
type GoogleClientFactory func(apiKey string) google.Client

// Google adapts the Places Text Search API.
type Google struct {
	guard     *resilience.Guard
	newClient GoogleClientFactory
	geocoder  Geocoder
}

// NewGoogle creates the Google adapter. opts apply to every client built.
func NewGoogle(guard *resilience.Guard, opts ...google.Option) *Google {
	return NewGoogleWithFactory(guard, func(apiKey string) google.Client {
		return google.NewClient(apiKey, opts...)
	})
}

// NewGoogleWithFactory creates the Google adapter with a custom client factory.
func NewGoogleWithFactory(guard *resilience.Guard, f GoogleClientFactory) *Google {
	return &Google{guard: guard, newClient: f}
}

// WithGeocoder sets the geocoder used to center radius-bounded searches.
// Without one, a query's radius is not sent.
func (g *Google) WithGeocoder(geo Geocoder) *Google {
	g.geocoder = geo
	return g
}

func (g *Google) ID() model.ProviderID { return model.ProviderGoogle }

func (g *Google) RequiresKey() bool { return true }

func (g *Google) Search(ctx context.Context, req Request) ([]model.NormalizedResult, error) {
	if req.APIKey == "" {
		return nil, &Error{Provider: model.ProviderGoogle, Kind: KindAuth, Err: eris.New("api key required")}
	}
	client := g.newClient(req.APIKey)

	text := freeText(req.Query)
	if req.Query.Location != "" {
		text += " in " + req.Query.Location
	}
	sr := google.TextSearchRequest{
		TextQuery:      text,
		IncludedType:   googleIncludedType(req.Query.Category),
		MaxResultCount: min(req.Query.Limit, google.MaxPageSize),
	}
	if center := searchCenter(ctx, g.geocoder, model.ProviderGoogle, req.Query); center != nil {
		sr.LocationBias = &google.LocationBias{Circle: google.Circle{
			Center: google.LatLng{Latitude: center.Lat, Longitude: center.Lng},
			Radius: *req.Query.RadiusKm * 1000,
		}}
	}

	resp, err := resilience.Call(ctx, g.guard, func(ctx context.Context) (*google.TextSearchResponse, error) {
		r, err := client.TextSearch(ctx, sr)
		return r, retryable(err)
	})
	if err != nil {
		return nil, classify(model.ProviderGoogle, err)
	}

	out := make([]model.NormalizedResult, 0, len(resp.Places))
	for _, p := range resp.Places {
		out = append(out, normalizeGooglePlace(p))
	}
	return out, nil
}

func normalizeGooglePlace(p google.Place) model.NormalizedResult {
	r := model.NormalizedResult{
		SourceID:       model.ProviderGoogle,
		SourceRecordID: p.ID,
		Name:           p.DisplayName.Text,
		Address:        p.FormattedAddress,
		Phone:          p.NationalPhoneNumber,
		Website:        p.WebsiteURI,
		PriceTier:      googlePriceLevels[p.PriceLevel],
		Categories:     p.Types,
	}
	if r.Phone == "" {
		r.Phone = p.InternationalPhoneNumber
	}
	if p.Rating > 0 {
		rating := p.Rating
		r.Rating = &rating
	}
	if p.Location != nil {
		r.Coordinates = &model.LatLng{Lat: p.Location.Latitude, Lng: p.Location.Longitude}
	}
	for _, ph := range p.Photos {
		if ph.Name != "" {
			r.Photos = append(r.Photos, ph.Name)
		}
	}
	if p.RegularOpeningHours != nil {
		r.Hours = parseWeekdayDescriptions(p.RegularOpeningHours.WeekdayDescriptions)
	}
	if p.UserRatingCount > 0 {
		r.ReviewSummary = &model.ReviewSummary{Count: p.UserRatingCount, AvgRating: p.Rating}
	}
	return r
}

// parseWeekdayDescriptions turns "Monday: 7:00 AM – 5:00 PM" lines into a
// lowercase day → hours map.
func parseWeekdayDescriptions(lines []string) map[string]string {
	if len(lines) == 0 {
		return nil
	}
	hours := make(map[string]string, len(lines))
	for _, line := range lines {
		day, span, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		hours[strings.ToLower(strings.TrimSpace(day))] = strings.TrimSpace(span)
	}
	if len(hours) == 0 {
		return nil
	}
	return hours
}

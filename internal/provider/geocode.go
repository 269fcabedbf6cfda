package provider

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/resilience"
	"github.com/sells-group/search-aggregator/pkg/osm"
)

// kmPerDegreeLat is the length of one degree of latitude.
const kmPerDegreeLat = 111.32

// Geocoder resolves a free-text location to a point.
type Geocoder interface {
	// Geocode returns nil, nil when the location has no match.
	Geocode(ctx context.Context, location string) (*model.LatLng, error)
}

// NominatimGeocoder geocodes with the Nominatim search API.
type NominatimGeocoder struct {
	guard  *resilience.Guard
	client osm.Client
}

// NewNominatimGeocoder creates a geocoder. Share guard with the OSM adapter
// so both respect one request pace.
func NewNominatimGeocoder(guard *resilience.Guard, client osm.Client) *NominatimGeocoder {
	return &NominatimGeocoder{guard: guard, client: client}
}

// Geocode implements Geocoder.
func (n *NominatimGeocoder) Geocode(ctx context.Context, location string) (*model.LatLng, error) {
	places, err := resilience.Call(ctx, n.guard, func(ctx context.Context) ([]osm.Place, error) {
		p, err := n.client.Search(ctx, osm.SearchRequest{Query: location, Limit: 1})
		return p, retryable(err)
	})
	if err != nil {
		return nil, err
	}
	for _, p := range places {
		if lat, lon, ok := p.Coordinates(); ok {
			return &model.LatLng{Lat: lat, Lng: lon}, nil
		}
	}
	return nil, nil
}

// searchCenter geocodes the query's location when it carries a radius. It
// returns nil when there is nothing to center on. Geocoding failures are
// logged and the search proceeds without a radius.
func searchCenter(ctx context.Context, geo Geocoder, id model.ProviderID, q model.NormalizedQuery) *model.LatLng {
	if geo == nil || q.RadiusKm == nil || q.Location == "" {
		return nil
	}
	center, err := geo.Geocode(ctx, q.Location)
	if err != nil {
		zap.L().Warn("provider: geocode failed, searching without radius",
			zap.String("provider", string(id)),
			zap.String("location", q.Location),
			zap.Error(err),
		)
		return nil
	}
	return center
}

// boundingBox returns the box of half-width radiusKm around center.
func boundingBox(center model.LatLng, radiusKm float64) osm.ViewBox {
	dLat := radiusKm / kmPerDegreeLat
	dLon := dLat
	if c := math.Cos(center.Lat * math.Pi / 180); c > 1e-6 {
		dLon = radiusKm / (kmPerDegreeLat * c)
	}
	return osm.ViewBox{
		MinLon: math.Max(center.Lng-dLon, -180),
		MinLat: math.Max(center.Lat-dLat, -90),
		MaxLon: math.Min(center.Lng+dLon, 180),
		MaxLat: math.Min(center.Lat+dLat, 90),
	}
}

package provider

import (
	"context"
	"strconv"
	"strings"

	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/resilience"
	"github.com/sells-group/search-aggregator/pkg/osm"
)

// OSM adapts the Nominatim search API. It needs no key.
type OSM struct {
	guard    *resilience.Guard
	client   osm.Client
	geocoder Geocoder
}

// NewOSM creates the OpenStreetMap adapter. Radius-bounded queries are
// centered by geocoding their location through the same client.
func NewOSM(guard *resilience.Guard, opts ...osm.Option) *OSM {
	client := osm.NewClient(opts...)
	return &OSM{guard: guard, client: client, geocoder: NewNominatimGeocoder(guard, client)}
}

func (o *OSM) ID() model.ProviderID { return model.ProviderOSM }

func (o *OSM) RequiresKey() bool { return false }

func (o *OSM) Search(ctx context.Context, req Request) ([]model.NormalizedResult, error) {
	sr := osm.SearchRequest{Query: freeText(req.Query), Limit: req.Query.Limit}
	if center := searchCenter(ctx, o.geocoder, model.ProviderOSM, req.Query); center != nil {
		vb := boundingBox(*center, *req.Query.RadiusKm)
		sr.ViewBox = &vb
	} else if req.Query.Location != "" {
		sr.Query += " " + req.Query.Location
	}

	places, err := resilience.Call(ctx, o.guard, func(ctx context.Context) ([]osm.Place, error) {
		p, err := o.client.Search(ctx, sr)
		return p, retryable(err)
	})
	if err != nil {
		return nil, classify(model.ProviderOSM, err)
	}

	out := make([]model.NormalizedResult, 0, len(places))
	for _, p := range places {
		out = append(out, normalizeOSMPlace(p))
	}
	return out, nil
}

func normalizeOSMPlace(p osm.Place) model.NormalizedResult {
	tag := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(p.ExtraTags[k]); v != "" {
				return v
			}
		}
		return ""
	}

	name := p.Name
	if name == "" {
		name, _, _ = strings.Cut(p.DisplayName, ",")
	}
	r := model.NormalizedResult{
		SourceID:       model.ProviderOSM,
		SourceRecordID: p.OSMType + "/" + strconv.FormatInt(p.OSMID, 10),
		Name:           strings.TrimSpace(name),
		Address:        p.DisplayName,
		Phone:          tag("phone", "contact:phone"),
		Website:        tag("website", "contact:website", "url"),
	}
	if p.Type != "" {
		r.Categories = append(r.Categories, p.Type)
	}
	for _, c := range strings.Split(tag("cuisine"), ";") {
		if c = strings.TrimSpace(c); c != "" {
			r.Categories = append(r.Categories, c)
		}
	}
	if lat, lon, ok := p.Coordinates(); ok {
		r.Coordinates = &model.LatLng{Lat: lat, Lng: lon}
	}
	if h := tag("opening_hours"); h != "" {
		r.Hours = map[string]string{"opening_hours": h}
	}
	if img := tag("image"); img != "" {
		r.Photos = []string{img}
	}
	return r
}

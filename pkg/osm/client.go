// Package osm is a minimal client for the OpenStreetMap Nominatim search API.
// Nominatim needs no API key but requires an identifying User-Agent.
package osm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL   = "https://nominatim.openstreetmap.org"
	defaultUserAgent = "search-aggregator/1.0"
)

// MaxLimit is the largest result count Nominatim returns.
const MaxLimit = 40

// Client performs Nominatim operations.
type Client interface {
	Search(ctx context.Context, req SearchRequest) ([]Place, error)
}

// SearchRequest holds free-form search parameters.
type SearchRequest struct {
	Query string
	Limit int
	// ViewBox optionally restricts results to a bounding box.
	ViewBox *ViewBox
}

// ViewBox is a lon/lat bounding box.
type ViewBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// Place is one Nominatim jsonv2 result.
type Place struct {
	PlaceID     int64             `json:"place_id"`
	OSMType     string            `json:"osm_type"`
	OSMID       int64             `json:"osm_id"`
	Lat         string            `json:"lat"`
	Lon         string            `json:"lon"`
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Category    string            `json:"category"`
	Type        string            `json:"type"`
	ExtraTags   map[string]string `json:"extratags"`
}

// Coordinates parses Lat/Lon. ok is false when either is missing or invalid.
func (p Place) Coordinates() (lat, lon float64, ok bool) {
	lat, err1 := strconv.ParseFloat(p.Lat, 64)
	lon, err2 := strconv.ParseFloat(p.Lon, 64)
	return lat, lon, err1 == nil && err2 == nil
}

// APIError is a non-200 response from Nominatim.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("osm: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent sent with each request.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// NewClient creates a Nominatim client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   defaultBaseURL,
		userAgent: defaultUserAgent,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, sr SearchRequest) ([]Place, error) {
	q := url.Values{}
	q.Set("q", sr.Query)
	q.Set("format", "jsonv2")
	q.Set("extratags", "1")
	if sr.Limit > 0 {
		q.Set("limit", strconv.Itoa(min(sr.Limit, MaxLimit)))
	}
	if vb := sr.ViewBox; vb != nil {
		q.Set("viewbox", fmt.Sprintf("%f,%f,%f,%f", vb.MinLon, vb.MaxLat, vb.MaxLon, vb.MinLat))
		q.Set("bounded", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "osm: create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "osm: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "osm: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var places []Place
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, eris.Wrap(err, "osm: unmarshal response")
	}
	return places, nil
}

// Package yelp is a minimal client for the Yelp Fusion business search API.
package yelp

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

const defaultBaseURL = "https://api.yelp.com/v3"

// Search limits imposed by the API.
const (
	MaxLimit        = 50
	MaxRadiusMeters = 40000
)

// Client performs Yelp Fusion operations.
type Client interface {
	SearchBusinesses(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// SearchRequest holds the business search parameters.
type SearchRequest struct {
	Term         string
	Location     string
	RadiusMeters int
	Categories   string
	Limit        int
}

// SearchResponse is the response from /businesses/search.
type SearchResponse struct {
	Businesses []Business `json:"businesses"`
	Total      int        `json:"total"`
}

// Business is one search hit.
type Business struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	URL          string      `json:"url"`
	ImageURL     string      `json:"image_url"`
	Phone        string      `json:"phone"`
	DisplayPhone string      `json:"display_phone"`
	Rating       float64     `json:"rating"`
	ReviewCount  int         `json:"review_count"`
	Price        string      `json:"price"`
	Categories   []Category  `json:"categories"`
	Coordinates  Coordinates `json:"coordinates"`
	Location     Location    `json:"location"`
	IsClosed     bool        `json:"is_closed"`
}

// Category is a Yelp category.
type Category struct {
	Alias string `json:"alias"`
	Title string `json:"title"`
}

// Coordinates may be null for some businesses.
type Coordinates struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Location holds the business address.
type Location struct {
	DisplayAddress []string `json:"display_address"`
}

// APIError is a non-200 response from Yelp.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("yelp: unexpected status %d: %s", e.StatusCode, e.Body)
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

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Yelp Fusion client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchBusinesses(ctx context.Context, sr SearchRequest) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("term", sr.Term)
	if sr.Location != "" {
		q.Set("location", sr.Location)
	}
	if sr.RadiusMeters > 0 {
		q.Set("radius", strconv.Itoa(min(sr.RadiusMeters, MaxRadiusMeters)))
	}
	if sr.Categories != "" {
		q.Set("categories", sr.Categories)
	}
	if sr.Limit > 0 {
		q.Set("limit", strconv.Itoa(min(sr.Limit, MaxLimit)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/businesses/search?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "yelp: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "yelp: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "yelp: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out SearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "yelp: unmarshal response")
	}
	return &out, nil
}

package yelp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchBusinesses_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/businesses/search", r.URL.Path)
		assert.Equal(t, "Bearer yelp-key", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "coffee", q.Get("term"))
		assert.Equal(t, "Seattle", q.Get("location"))
		assert.Equal(t, "40000", q.Get("radius"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "cafes", q.Get("categories"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total":1,"businesses":[{
			"id":"joes-cafe-seattle",
			"name":"Joe's Cafe",
			"url":"https://www.yelp.com/biz/joes-cafe-seattle",
			"image_url":"https://s3.example/joes.jpg",
			"phone":"+12065550101",
			"display_phone":"(206) 555-0101",
			"rating":4.0,
			"review_count":250,
			"price":"$$",
			"categories":[{"alias":"coffee","title":"Coffee & Tea"}],
			"coordinates":{"latitude":47.6062,"longitude":-122.3321},
			"location":{"display_address":["1 Pike St","Seattle, WA 98101"]}
		}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("yelp-key", WithBaseURL(srv.URL))
	resp, err := client.SearchBusinesses(context.Background(), SearchRequest{
		Term:         "coffee",
		Location:     "Seattle",
		RadiusMeters: 80000,
		Categories:   "cafes",
		Limit:        100,
	})
	require.NoError(t, err)
	require.Len(t, resp.Businesses, 1)
	b := resp.Businesses[0]
	assert.Equal(t, "joes-cafe-seattle", b.ID)
	assert.Equal(t, "$$", b.Price)
	assert.Equal(t, 250, b.ReviewCount)
	require.NotNil(t, b.Coordinates.Latitude)
	assert.InDelta(t, 47.6062, *b.Coordinates.Latitude, 1e-9)
	assert.Equal(t, []string{"1 Pike St", "Seattle, WA 98101"}, b.Location.DisplayAddress)
}

func TestSearchBusinesses_OmitsEmptyParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.False(t, q.Has("location"))
		assert.False(t, q.Has("radius"))
		assert.False(t, q.Has("limit"))
		_, _ = w.Write([]byte(`{"businesses":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := NewClient("k", WithBaseURL(srv.URL)).SearchBusinesses(context.Background(), SearchRequest{Term: "tacos"})
	require.NoError(t, err)
	assert.Empty(t, resp.Businesses)
}

func TestSearchBusinesses_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"TOO_MANY_REQUESTS_PER_SECOND"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).SearchBusinesses(context.Background(), SearchRequest{Term: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "TOO_MANY_REQUESTS")
}

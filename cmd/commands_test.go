package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/search-aggregator/internal/model"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestWriteOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	err := writeOutput(&buf, "json", model.QuotaStatus{Service: "business_search", DailyLimit: 500, Remaining: 499})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"daily_limit": 500`)
	assert.Contains(t, buf.String(), `"remaining": 499`)
}

func TestWriteOutput_YAMLUsesJSONNames(t *testing.T) {
	var buf bytes.Buffer
	err := writeOutput(&buf, "YAML", model.QuotaStatus{Service: "business_search", DailyLimit: 500})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "daily_limit: 500")
	assert.Contains(t, buf.String(), "service: business_search")
	assert.NotContains(t, buf.String(), "{")
}

func TestWriteOutput_UnknownFormat(t *testing.T) {
	err := writeOutput(&bytes.Buffer{}, "xml", struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestLoadBatchFile_YAMLList(t *testing.T) {
	path := writeTempFile(t, "batch.yaml", `
- query: coffee
  location: Seattle
  radius_km: 2.5
  sources: [yelp]
- query: bakery
  limit: 5
`)
	reqs, err := loadBatchFile(path)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "coffee", reqs[0].Query)
	assert.Equal(t, "Seattle", reqs[0].Location)
	require.NotNil(t, reqs[0].RadiusKm)
	assert.InDelta(t, 2.5, *reqs[0].RadiusKm, 0.001)
	assert.Equal(t, []string{"yelp"}, reqs[0].Sources)
	assert.Equal(t, 5, reqs[1].Limit)
}

func TestLoadBatchFile_JSONDocument(t *testing.T) {
	path := writeTempFile(t, "batch.json", `{"searches": [{"query": "tacos", "category": "restaurant"}]}`)
	reqs, err := loadBatchFile(path)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "tacos", reqs[0].Query)
	assert.Equal(t, "restaurant", reqs[0].Category)
}

func TestLoadBatchFile_Errors(t *testing.T) {
	_, err := loadBatchFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadBatchFile(writeTempFile(t, "bad.yaml", "- query: [unclosed"))
	assert.Error(t, err)

	_, err = loadBatchFile(writeTempFile(t, "scalar.yaml", "just a string"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a list")

	reqs, err := loadBatchFile(writeTempFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestProcessBatch(t *testing.T) {
	reqs := []model.QueryRequest{{Query: "a"}, {Query: "b"}, {Query: "fail"}, {Query: "d"}}

	var mu sync.Mutex
	seen := make(map[string]bool)
	results := processBatch(context.Background(), reqs, 3, 2, func(ctx context.Context, req model.QueryRequest) (*model.SearchResponse, error) {
		mu.Lock()
		seen[req.Query] = true
		mu.Unlock()
		if req.Query == "fail" {
			return nil, errors.New("provider down")
		}
		return &model.SearchResponse{
			Record: &model.SearchRecord{ID: "id-" + req.Query, TotalResults: 2},
			Cached: req.Query == "b",
		}, nil
	})

	require.Len(t, results, 3)
	assert.False(t, seen["d"], "limit should drop the fourth request")

	assert.Equal(t, batchResult{Index: 0, Query: "a", SearchID: "id-a", Results: 2}, results[0])
	assert.True(t, results[1].Cached)
	assert.Equal(t, "provider down", results[2].Error)
	assert.Empty(t, results[2].SearchID)
}

func TestProcessBatch_RespectsConcurrency(t *testing.T) {
	reqs := make([]model.QueryRequest, 10)
	for i := range reqs {
		reqs[i] = model.QueryRequest{Query: "q"}
	}

	var inFlight, peak atomic.Int32
	processBatch(context.Background(), reqs, 0, 3, func(ctx context.Context, req model.QueryRequest) (*model.SearchResponse, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		return &model.SearchResponse{Record: &model.SearchRecord{}}, nil
	})
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestProcessBatch_Empty(t *testing.T) {
	called := false
	results := processBatch(context.Background(), nil, 10, 2, func(ctx context.Context, req model.QueryRequest) (*model.SearchResponse, error) {
		called = true
		return nil, nil
	})
	assert.Nil(t, results)
	assert.False(t, called)
}

func TestCallerFlags(t *testing.T) {
	f := callerFlags{}
	_, err := f.caller()
	require.Error(t, err)

	f = callerFlags{userID: 9, tenantID: 2, role: "admin"}
	c, err := f.caller()
	require.NoError(t, err)
	assert.Equal(t, model.Caller{UserID: 9, TenantID: 2, Role: "admin"}, c)
}

func TestBuildSearchRequest(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Float64Var(&searchRadiusKm, "radius", 0, "")
	t.Cleanup(func() {
		searchRequest = model.QueryRequest{}
		searchRadiusKm = 0
		searchSource = ""
	})

	searchRequest = model.QueryRequest{Query: "pizza", Limit: 3}
	searchSource = ""
	req := buildSearchRequest(cmd)
	assert.Nil(t, req.RadiusKm)
	assert.Nil(t, req.Sources)

	require.NoError(t, cmd.Flags().Set("radius", "1.5"))
	searchSource = " yelp "
	req = buildSearchRequest(cmd)
	require.NotNil(t, req.RadiusKm)
	assert.InDelta(t, 1.5, *req.RadiusKm, 0.001)
	assert.Equal(t, []string{"yelp"}, req.Sources)
	assert.Equal(t, "pizza", req.Query)
	assert.Equal(t, 3, req.Limit)
}

func TestQuotaKeyFromFlags(t *testing.T) {
	t.Cleanup(func() {
		quotaUserID, quotaIP, quotaService = 0, "", model.ServiceBusinessSearch
	})

	quotaUserID, quotaIP, quotaService = 0, "", ""
	_, err := quotaKeyFromFlags()
	assert.Error(t, err)

	quotaUserID = 42
	key, err := quotaKeyFromFlags()
	require.NoError(t, err)
	assert.Equal(t, model.PrincipalKey(42, model.ServiceBusinessSearch), key)

	quotaIP = "10.0.0.1"
	_, err = quotaKeyFromFlags()
	assert.Error(t, err)

	quotaUserID, quotaService = 0, "exports"
	key, err = quotaKeyFromFlags()
	require.NoError(t, err)
	assert.Equal(t, model.IPKey("10.0.0.1", "exports"), key)
}

type fakeReaper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeReaper) Reap(ctx context.Context) (int, error) {
	f.calls.Add(1)
	return 3, f.err
}

func TestStartReaper(t *testing.T) {
	r := &fakeReaper{}
	c, err := startReaper(context.Background(), r, "@hourly")
	require.NoError(t, err)
	defer c.Stop()

	entries := c.Entries()
	require.Len(t, entries, 1)
	entries[0].Job.Run()
	assert.Equal(t, int32(1), r.calls.Load())

	r.err = errors.New("db gone")
	entries[0].Job.Run()
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestStartReaper_InvalidSchedule(t *testing.T) {
	_, err := startReaper(context.Background(), &fakeReaper{}, "every tuesday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid reaper schedule")
}

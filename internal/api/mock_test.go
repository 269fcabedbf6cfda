package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/search-aggregator/internal/aggregator"
	"github.com/sells-group/search-aggregator/internal/model"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Search(ctx context.Context, caller model.Caller, req model.QueryRequest, sourceIP string) (*model.SearchResponse, error) {
	args := m.Called(ctx, caller, req, sourceIP)
	if v := args.Get(0); v != nil {
		return v.(*model.SearchResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) GetResult(ctx context.Context, caller model.Caller, id string) (*model.SearchRecord, error) {
	args := m.Called(ctx, caller, id)
	if v := args.Get(0); v != nil {
		return v.(*model.SearchRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) History(ctx context.Context, caller model.Caller, limit int) ([]model.SearchRecord, error) {
	args := m.Called(ctx, caller, limit)
	if v := args.Get(0); v != nil {
		return v.([]model.SearchRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) Sources(ctx context.Context, caller model.Caller) ([]aggregator.SourceInfo, error) {
	args := m.Called(ctx, caller)
	if v := args.Get(0); v != nil {
		return v.([]aggregator.SourceInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) Stats(ctx context.Context, caller model.Caller) (*aggregator.Stats, error) {
	args := m.Called(ctx, caller)
	if v := args.Get(0); v != nil {
		return v.(*aggregator.Stats), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) RateLimitStatus(ctx context.Context, caller model.Caller, service string) (model.QuotaStatus, error) {
	args := m.Called(ctx, caller, service)
	return args.Get(0).(model.QuotaStatus), args.Error(1)
}

func (m *mockBackend) ResetRateLimit(ctx context.Context, caller model.Caller, principalID int64, service string) error {
	return m.Called(ctx, caller, principalID, service).Error(0)
}

func (m *mockBackend) PutAPIKey(ctx context.Context, caller model.Caller, in aggregator.APIKeyInput) (*model.ProviderCredential, error) {
	args := m.Called(ctx, caller, in)
	if v := args.Get(0); v != nil {
		return v.(*model.ProviderCredential), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) ListAPIKeys(ctx context.Context, caller model.Caller) ([]model.ProviderCredential, error) {
	args := m.Called(ctx, caller)
	if v := args.Get(0); v != nil {
		return v.([]model.ProviderCredential), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) DeleteAPIKey(ctx context.Context, caller model.Caller, service, keyName string) error {
	return m.Called(ctx, caller, service, keyName).Error(0)
}

package store

import (
	"context"
	"time"

	"github.com/sells-group/search-aggregator/internal/model"
)

// dateLayout is the storage format of quota window dates.
const dateLayout = "2006-01-02"

// defaultHistoryLimit caps ListSearches when no limit is given.
const defaultHistoryLimit = 50

// Store defines the persistence interface for searches, quota counters and
// provider credentials. Every mutation is a single atomic statement so that
// any number of aggregator processes can share one database.
type Store interface {
	// Search ledger
	FindSearch(ctx context.Context, queryHash string, principalID int64, now time.Time) (*model.SearchRecord, error)
	InsertSearch(ctx context.Context, rec *model.SearchRecord) error
	GetSearch(ctx context.Context, id string) (*model.SearchRecord, error)
	ListSearches(ctx context.Context, principalID int64, limit int) ([]model.SearchRecord, error)
	SearchStats(ctx context.Context, principalID int64, now time.Time) (*model.SearchStats, error)
	DeleteExpiredSearches(ctx context.Context, now time.Time) (int, error)

	// Quota counters
	GetCounter(ctx context.Context, key model.QuotaKey) (*model.QuotaCounter, error)
	IncrementCounter(ctx context.Context, key model.QuotaKey, limit int, window time.Time) (*model.QuotaCounter, error)
	RecordViolation(ctx context.Context, key model.QuotaKey, limit int, window time.Time, blockedUntil time.Time) (*model.QuotaCounter, error)
	ResetCounter(ctx context.Context, key model.QuotaKey, window time.Time) error

	// Provider credentials
	GetCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string) (*model.ProviderCredential, error)
	FindCredential(ctx context.Context, principalID int64, service model.ProviderID) (*model.ProviderCredential, error)
	ListCredentials(ctx context.Context, principalID int64) ([]model.ProviderCredential, error)
	UpsertCredential(ctx context.Context, cred *model.ProviderCredential) error
	DeleteCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string) (bool, error)
	TouchCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string, at time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type scannable interface {
	Scan(dest ...any) error
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

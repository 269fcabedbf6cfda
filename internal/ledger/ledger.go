// Package ledger is the time-bounded search cache. Records are written once
// and expire purely by comparison with the clock at read time.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/search-aggregator/internal/model"
)

// DefaultTTL is how long a completed search satisfies identical queries.
const DefaultTTL = 24 * time.Hour

// RecordStore persists search records.
type RecordStore interface {
	FindSearch(ctx context.Context, queryHash string, principalID int64, now time.Time) (*model.SearchRecord, error)
	InsertSearch(ctx context.Context, rec *model.SearchRecord) error
	GetSearch(ctx context.Context, id string) (*model.SearchRecord, error)
	ListSearches(ctx context.Context, principalID int64, limit int) ([]model.SearchRecord, error)
	SearchStats(ctx context.Context, principalID int64, now time.Time) (*model.SearchStats, error)
	DeleteExpiredSearches(ctx context.Context, now time.Time) (int, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger caches completed searches keyed by (query hash, principal).
type Ledger struct {
	store RecordStore
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Ledger over store.
func New(store RecordStore, opts ...Option) *Ledger {
	l := &Ledger{store: store, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TTL returns the cache lifetime of a saved record.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Lookup returns the principal's unexpired record for queryHash, or nil.
// Store errors are returned, never treated as a miss.
func (l *Ledger) Lookup(ctx context.Context, queryHash string, principalID int64) (*model.SearchRecord, error) {
	rec, err := l.store.FindSearch(ctx, queryHash, principalID, l.now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "ledger: lookup")
	}
	return rec, nil
}

// Save assigns the record an ID and its expiry and persists it. The
// record passed in is updated in place and returned.
func (l *Ledger) Save(ctx context.Context, rec *model.SearchRecord) (*model.SearchRecord, error) {
	if rec == nil {
		return nil, eris.New("ledger: nil record")
	}
	now := l.now().UTC().Truncate(time.Millisecond)
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(l.ttl)
	rec.Status = model.SearchStatusCompleted
	if rec.Results == nil {
		rec.Results = []model.NormalizedResult{}
	}
	rec.TotalResults = len(rec.Results)

	if err := l.store.InsertSearch(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "ledger: save")
	}
	return rec, nil
}

// Get returns a record by ID regardless of expiry. An expired record is
// returned with status expired_on_read. Missing records yield nil.
func (l *Ledger) Get(ctx context.Context, id string) (*model.SearchRecord, error) {
	rec, err := l.store.GetSearch(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get %s", id)
	}
	if rec != nil && rec.Expired(l.now()) {
		rec.Status = model.SearchStatusExpiredOnRead
	}
	return rec, nil
}

// History lists the principal's records, newest first.
func (l *Ledger) History(ctx context.Context, principalID int64, limit int) ([]model.SearchRecord, error) {
	recs, err := l.store.ListSearches(ctx, principalID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: history")
	}
	now := l.now()
	for i := range recs {
		if recs[i].Expired(now) {
			recs[i].Status = model.SearchStatusExpiredOnRead
		}
	}
	return recs, nil
}

// Stats summarizes the principal's search activity.
func (l *Ledger) Stats(ctx context.Context, principalID int64) (*model.SearchStats, error) {
	stats, err := l.store.SearchStats(ctx, principalID, l.now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "ledger: stats")
	}
	return stats, nil
}

// Reap deletes records that have expired. It is an operational cleanup and
// has no effect on cache semantics.
func (l *Ledger) Reap(ctx context.Context) (int, error) {
	n, err := l.store.DeleteExpiredSearches(ctx, l.now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "ledger: reap")
	}
	if n > 0 {
		zap.L().Info("ledger: reaped expired searches", zap.Int("deleted", n))
	}
	return n, nil
}

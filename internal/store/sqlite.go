package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/search-aggregator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so range comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one writer connection keeps them in effect.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS business_searches (
	id               TEXT PRIMARY KEY,
	principal_id     INTEGER NOT NULL,
	tenant_id        INTEGER NOT NULL DEFAULT 0,
	query_text       TEXT NOT NULL,
	location         TEXT NOT NULL DEFAULT '',
	radius_km        REAL,
	category         TEXT NOT NULL DEFAULT '',
	result_limit     INTEGER NOT NULL,
	query_hash       TEXT NOT NULL,
	provider         TEXT NOT NULL DEFAULT '',
	sources          TEXT NOT NULL,
	results          TEXT NOT NULL,
	total_results    INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'completed',
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_business_searches_hash ON business_searches(principal_id, query_hash, expires_at);
CREATE INDEX IF NOT EXISTS idx_business_searches_expires_at ON business_searches(expires_at);
CREATE INDEX IF NOT EXISTS idx_business_searches_principal_created ON business_searches(principal_id, created_at);

CREATE TABLE IF NOT EXISTS quota_counters (
	identity_kind TEXT NOT NULL,
	identity      TEXT NOT NULL,
	service       TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	daily_limit   INTEGER NOT NULL,
	window_start  TEXT NOT NULL,
	violations    INTEGER NOT NULL DEFAULT 0,
	blocked_until INTEGER,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (identity_kind, identity, service)
);

CREATE TABLE IF NOT EXISTS provider_credentials (
	principal_id INTEGER NOT NULL,
	service      TEXT NOT NULL,
	key_name     TEXT NOT NULL,
	ciphertext   TEXT NOT NULL,
	usage_count  INTEGER NOT NULL DEFAULT 0,
	last_used_at INTEGER,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (principal_id, service, key_name)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// --- Search ledger ---

func (s *SQLiteStore) FindSearch(ctx context.Context, queryHash string, principalID int64, now time.Time) (*model.SearchRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+searchColumns+` FROM business_searches
		 WHERE query_hash = ? AND principal_id = ? AND expires_at >= ?
		 ORDER BY created_at DESC LIMIT 1`,
		queryHash, principalID, toMillis(now),
	)
	rec, err := scanSQLiteSearch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find search")
	}
	return rec, nil
}

func (s *SQLiteStore) InsertSearch(ctx context.Context, rec *model.SearchRecord) error {
	sourcesJSON, err := json.Marshal(rec.Sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sources")
	}
	resultsJSON, err := json.Marshal(rec.Results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal results")
	}

	var radius sql.NullFloat64
	if rec.RadiusKm != nil {
		radius = sql.NullFloat64{Float64: *rec.RadiusKm, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO business_searches (id, principal_id, tenant_id, query_text, location, radius_km, category,
			result_limit, query_hash, provider, sources, results, total_results, response_time_ms, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PrincipalID, rec.TenantID, rec.QueryText, rec.Location, radius, rec.Category,
		rec.Limit, rec.QueryHash, string(rec.Provider()), string(sourcesJSON), string(resultsJSON),
		rec.TotalResults, rec.ResponseTimeMs, string(rec.Status), toMillis(rec.CreatedAt), toMillis(rec.ExpiresAt),
	)
	return eris.Wrapf(err, "sqlite: insert search %s", rec.ID)
}

func (s *SQLiteStore) GetSearch(ctx context.Context, id string) (*model.SearchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+searchColumns+` FROM business_searches WHERE id = ?`, id)
	rec, err := scanSQLiteSearch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get search %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListSearches(ctx context.Context, principalID int64, limit int) ([]model.SearchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+searchColumns+` FROM business_searches
		 WHERE principal_id = ? ORDER BY created_at DESC LIMIT ?`,
		principalID, historyLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list searches")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SearchRecord
	for rows.Next() {
		rec, err := scanSQLiteSearch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan search")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list searches iterate")
}

func (s *SQLiteStore) SearchStats(ctx context.Context, principalID int64, now time.Time) (*model.SearchStats, error) {
	stats := &model.SearchStats{ByProvider: map[model.ProviderID]int{}}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(response_time_ms), 0)
		 FROM business_searches WHERE principal_id = ?`,
		toMillis(now.Add(-24*time.Hour)), toMillis(now), principalID,
	).Scan(&stats.TotalSearches, &stats.SearchesLast24h, &stats.ActiveCached, &stats.AvgResponseTimeMs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search stats")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, COUNT(*) FROM business_searches WHERE principal_id = ? GROUP BY provider`,
		principalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search stats by provider")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var provider string
		var n int
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider stats")
		}
		stats.ByProvider[model.ProviderID(provider)] = n
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: search stats iterate")
}

func (s *SQLiteStore) DeleteExpiredSearches(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM business_searches WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired searches")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func scanSQLiteSearch(row scannable) (*model.SearchRecord, error) {
	var rec model.SearchRecord
	var radius sql.NullFloat64
	var sourcesJSON, resultsJSON, status string
	var createdAt, expiresAt int64

	if err := row.Scan(&rec.ID, &rec.PrincipalID, &rec.TenantID, &rec.QueryText, &rec.Location,
		&radius, &rec.Category, &rec.Limit, &rec.QueryHash, &sourcesJSON, &resultsJSON,
		&rec.TotalResults, &rec.ResponseTimeMs, &status, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	if radius.Valid {
		r := radius.Float64
		rec.RadiusKm = &r
	}
	rec.Status = model.SearchStatus(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	if err := json.Unmarshal([]byte(sourcesJSON), &rec.Sources); err != nil {
		return nil, eris.Wrap(err, "unmarshal sources")
	}
	if err := json.Unmarshal([]byte(resultsJSON), &rec.Results); err != nil {
		return nil, eris.Wrap(err, "unmarshal results")
	}
	return &rec, nil
}

// --- Quota counters ---

func (s *SQLiteStore) GetCounter(ctx context.Context, key model.QuotaKey) (*model.QuotaCounter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_count, daily_limit, window_start, violations, blocked_until FROM quota_counters
		 WHERE identity_kind = ? AND identity = ? AND service = ?`,
		string(key.Kind), key.Identity, key.Service,
	)
	c, err := scanSQLiteCounter(row, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get counter")
	}
	return c, nil
}

func (s *SQLiteStore) IncrementCounter(ctx context.Context, key model.QuotaKey, limit int, window time.Time) (*model.QuotaCounter, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO quota_counters (identity_kind, identity, service, request_count, daily_limit, window_start, violations, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, 0, ?)
		 ON CONFLICT (identity_kind, identity, service) DO UPDATE SET
			request_count = CASE WHEN quota_counters.window_start = excluded.window_start
				THEN quota_counters.request_count + 1 ELSE 1 END,
			window_start = excluded.window_start,
			daily_limit = excluded.daily_limit,
			updated_at = excluded.updated_at
		 `+counterReturning,
		string(key.Kind), key.Identity, key.Service, limit, window.Format(dateLayout), toMillis(time.Now()),
	)
	c, err := scanSQLiteCounter(row, key)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: increment counter")
	}
	return c, nil
}

func (s *SQLiteStore) RecordViolation(ctx context.Context, key model.QuotaKey, limit int, window time.Time, blockedUntil time.Time) (*model.QuotaCounter, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO quota_counters (identity_kind, identity, service, request_count, daily_limit, window_start, violations, blocked_until, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, 1, ?, ?)
		 ON CONFLICT (identity_kind, identity, service) DO UPDATE SET
			request_count = CASE WHEN quota_counters.window_start = excluded.window_start
				THEN quota_counters.request_count ELSE 0 END,
			window_start = excluded.window_start,
			violations = quota_counters.violations + 1,
			blocked_until = excluded.blocked_until,
			updated_at = excluded.updated_at
		 `+counterReturning,
		string(key.Kind), key.Identity, key.Service, limit, window.Format(dateLayout),
		toMillis(blockedUntil), toMillis(time.Now()),
	)
	c, err := scanSQLiteCounter(row, key)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: record violation")
	}
	return c, nil
}

func (s *SQLiteStore) ResetCounter(ctx context.Context, key model.QuotaKey, window time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET request_count = 0, window_start = ?, blocked_until = NULL, updated_at = ?
		 WHERE identity_kind = ? AND identity = ? AND service = ?`,
		window.Format(dateLayout), toMillis(time.Now()), string(key.Kind), key.Identity, key.Service,
	)
	return eris.Wrap(err, "sqlite: reset counter")
}

func scanSQLiteCounter(row scannable, key model.QuotaKey) (*model.QuotaCounter, error) {
	c := &model.QuotaCounter{Key: key}
	var window string
	var blocked sql.NullInt64
	if err := row.Scan(&c.RequestCount, &c.DailyLimit, &window, &c.Violations, &blocked); err != nil {
		return nil, err
	}
	ws, err := time.Parse(dateLayout, window)
	if err != nil {
		return nil, eris.Wrapf(err, "parse window %q", window)
	}
	c.WindowStart = ws
	c.BlockedUntil = timeFromNull(blocked)
	return c, nil
}

// --- Provider credentials ---

func (s *SQLiteStore) GetCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string) (*model.ProviderCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials
		 WHERE principal_id = ? AND service = ? AND key_name = ?`,
		principalID, string(service), keyName,
	)
	cred, err := scanSQLiteCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get credential")
	}
	return cred, nil
}

func (s *SQLiteStore) FindCredential(ctx context.Context, principalID int64, service model.ProviderID) (*model.ProviderCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials
		 WHERE principal_id = ? AND service = ? ORDER BY updated_at DESC LIMIT 1`,
		principalID, string(service),
	)
	cred, err := scanSQLiteCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find credential")
	}
	return cred, nil
}

func (s *SQLiteStore) ListCredentials(ctx context.Context, principalID int64) ([]model.ProviderCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials
		 WHERE principal_id = ? ORDER BY service, key_name`,
		principalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list credentials")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProviderCredential
	for rows.Next() {
		cred, err := scanSQLiteCredential(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan credential")
		}
		out = append(out, *cred)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list credentials iterate")
}

func (s *SQLiteStore) UpsertCredential(ctx context.Context, cred *model.ProviderCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_credentials (principal_id, service, key_name, ciphertext, usage_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (principal_id, service, key_name) DO UPDATE SET
			ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		cred.PrincipalID, string(cred.Service), cred.KeyName, cred.Ciphertext,
		toMillis(cred.CreatedAt), toMillis(cred.UpdatedAt),
	)
	return eris.Wrap(err, "sqlite: upsert credential")
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_credentials WHERE principal_id = ? AND service = ? AND key_name = ?`,
		principalID, string(service), keyName,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: delete credential")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) TouchCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_credentials SET usage_count = usage_count + 1, last_used_at = ?
		 WHERE principal_id = ? AND service = ? AND key_name = ?`,
		toMillis(at), principalID, string(service), keyName,
	)
	return eris.Wrap(err, "sqlite: touch credential")
}

func scanSQLiteCredential(row scannable) (*model.ProviderCredential, error) {
	var c model.ProviderCredential
	var service string
	var lastUsed sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&c.PrincipalID, &service, &c.KeyName, &c.Ciphertext, &c.UsageCount,
		&lastUsed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Service = model.ProviderID(service)
	c.LastUsedAt = timeFromNull(lastUsed)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

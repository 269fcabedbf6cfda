package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/search-aggregator/internal/db"
	"github.com/sells-group/search-aggregator/internal/model"
)

// PostgresStore implements Store using a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to Postgres and returns a store backed by the pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS business_searches (
	id               TEXT PRIMARY KEY,
	principal_id     BIGINT NOT NULL,
	tenant_id        BIGINT NOT NULL DEFAULT 0,
	query_text       TEXT NOT NULL,
	location         TEXT NOT NULL DEFAULT '',
	radius_km        DOUBLE PRECISION,
	category         TEXT NOT NULL DEFAULT '',
	result_limit     INTEGER NOT NULL,
	query_hash       TEXT NOT NULL,
	provider         TEXT NOT NULL DEFAULT '',
	sources          JSONB NOT NULL,
	results          JSONB NOT NULL,
	total_results    INTEGER NOT NULL DEFAULT 0,
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'completed',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at       TIMESTAMPTZ NOT NULL
);

-- Searches are write-once; schemas before this kept one row per hash.
ALTER TABLE business_searches DROP CONSTRAINT IF EXISTS business_searches_principal_id_query_hash_key;

CREATE INDEX IF NOT EXISTS idx_business_searches_hash ON business_searches(principal_id, query_hash, expires_at);
CREATE INDEX IF NOT EXISTS idx_business_searches_expires_at ON business_searches(expires_at);
CREATE INDEX IF NOT EXISTS idx_business_searches_principal_created ON business_searches(principal_id, created_at DESC);

CREATE TABLE IF NOT EXISTS quota_counters (
	identity_kind TEXT NOT NULL,
	identity      TEXT NOT NULL,
	service       TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	daily_limit   INTEGER NOT NULL,
	window_start  DATE NOT NULL,
	violations    INTEGER NOT NULL DEFAULT 0,
	blocked_until TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (identity_kind, identity, service)
);

CREATE TABLE IF NOT EXISTS provider_credentials (
	principal_id BIGINT NOT NULL,
	service      TEXT NOT NULL,
	key_name     TEXT NOT NULL,
	ciphertext   TEXT NOT NULL,
	usage_count  BIGINT NOT NULL DEFAULT 0,
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (principal_id, service, key_name)
);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Search ledger ---

const searchColumns = `id, principal_id, tenant_id, query_text, location, radius_km, category, result_limit,
	query_hash, sources, results, total_results, response_time_ms, status, created_at, expires_at`

func (s *PostgresStore) FindSearch(ctx context.Context, queryHash string, principalID int64, now time.Time) (*model.SearchRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM business_searches
		 WHERE query_hash = $1 AND principal_id = $2 AND expires_at >= $3
		 ORDER BY created_at DESC LIMIT 1`,
		queryHash, principalID, now,
	)
	rec, err := scanPostgresSearch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find search")
	}
	return rec, nil
}

func (s *PostgresStore) InsertSearch(ctx context.Context, rec *model.SearchRecord) error {
	sourcesJSON, err := json.Marshal(rec.Sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sources")
	}
	resultsJSON, err := json.Marshal(rec.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal results")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO business_searches (id, principal_id, tenant_id, query_text, location, radius_km, category,
			result_limit, query_hash, provider, sources, results, total_results, response_time_ms, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.PrincipalID, rec.TenantID, rec.QueryText, rec.Location, rec.RadiusKm, rec.Category,
		rec.Limit, rec.QueryHash, string(rec.Provider()), sourcesJSON, resultsJSON, rec.TotalResults,
		rec.ResponseTimeMs, string(rec.Status), rec.CreatedAt, rec.ExpiresAt,
	)
	return eris.Wrapf(err, "postgres: insert search %s", rec.ID)
}

func (s *PostgresStore) GetSearch(ctx context.Context, id string) (*model.SearchRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+searchColumns+` FROM business_searches WHERE id = $1`, id)
	rec, err := scanPostgresSearch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get search %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListSearches(ctx context.Context, principalID int64, limit int) ([]model.SearchRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+searchColumns+` FROM business_searches
		 WHERE principal_id = $1 ORDER BY created_at DESC LIMIT $2`,
		principalID, historyLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list searches")
	}
	defer rows.Close()

	var out []model.SearchRecord
	for rows.Next() {
		rec, err := scanPostgresSearch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan search")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list searches iterate")
}

func (s *PostgresStore) SearchStats(ctx context.Context, principalID int64, now time.Time) (*model.SearchStats, error) {
	stats := &model.SearchStats{ByProvider: map[model.ProviderID]int{}}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE created_at >= $2),
			COUNT(*) FILTER (WHERE expires_at >= $3),
			COALESCE(AVG(response_time_ms), 0)::float8
		 FROM business_searches WHERE principal_id = $1`,
		principalID, now.Add(-24*time.Hour), now,
	).Scan(&stats.TotalSearches, &stats.SearchesLast24h, &stats.ActiveCached, &stats.AvgResponseTimeMs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search stats")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT provider, COUNT(*) FROM business_searches WHERE principal_id = $1 GROUP BY provider`,
		principalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search stats by provider")
	}
	defer rows.Close()
	for rows.Next() {
		var provider string
		var n int
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider stats")
		}
		stats.ByProvider[model.ProviderID(provider)] = n
	}
	return stats, eris.Wrap(rows.Err(), "postgres: search stats iterate")
}

func (s *PostgresStore) DeleteExpiredSearches(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM business_searches WHERE expires_at < $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired searches")
	}
	return int(tag.RowsAffected()), nil
}

func scanPostgresSearch(row scannable) (*model.SearchRecord, error) {
	var rec model.SearchRecord
	var sourcesJSON, resultsJSON []byte
	var status string

	if err := row.Scan(&rec.ID, &rec.PrincipalID, &rec.TenantID, &rec.QueryText, &rec.Location,
		&rec.RadiusKm, &rec.Category, &rec.Limit, &rec.QueryHash, &sourcesJSON, &resultsJSON,
		&rec.TotalResults, &rec.ResponseTimeMs, &status, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	rec.Status = model.SearchStatus(status)
	if err := json.Unmarshal(sourcesJSON, &rec.Sources); err != nil {
		return nil, eris.Wrap(err, "unmarshal sources")
	}
	if err := json.Unmarshal(resultsJSON, &rec.Results); err != nil {
		return nil, eris.Wrap(err, "unmarshal results")
	}
	return &rec, nil
}

// --- Quota counters ---

const counterReturning = `RETURNING request_count, daily_limit, window_start, violations, blocked_until`

func (s *PostgresStore) GetCounter(ctx context.Context, key model.QuotaKey) (*model.QuotaCounter, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT request_count, daily_limit, window_start, violations, blocked_until FROM quota_counters
		 WHERE identity_kind = $1 AND identity = $2 AND service = $3`,
		string(key.Kind), key.Identity, key.Service,
	)
	c, err := scanPostgresCounter(row, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get counter")
	}
	return c, nil
}

// IncrementCounter adds one request to the counter for window. A row from an
// older window restarts at 1 within the same statement.
func (s *PostgresStore) IncrementCounter(ctx context.Context, key model.QuotaKey, limit int, window time.Time) (*model.QuotaCounter, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO quota_counters (identity_kind, identity, service, request_count, daily_limit, window_start, violations, updated_at)
		 VALUES ($1, $2, $3, 1, $4, $5::date, 0, $6)
		 ON CONFLICT (identity_kind, identity, service) DO UPDATE SET
			request_count = CASE WHEN quota_counters.window_start = EXCLUDED.window_start
				THEN quota_counters.request_count + 1 ELSE 1 END,
			window_start = EXCLUDED.window_start,
			daily_limit = EXCLUDED.daily_limit,
			updated_at = EXCLUDED.updated_at
		 `+counterReturning,
		string(key.Kind), key.Identity, key.Service, limit, window.Format(dateLayout), time.Now().UTC(),
	)
	c, err := scanPostgresCounter(row, key)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: increment counter")
	}
	return c, nil
}

// RecordViolation bumps the violation count and replaces blocked_until.
func (s *PostgresStore) RecordViolation(ctx context.Context, key model.QuotaKey, limit int, window time.Time, blockedUntil time.Time) (*model.QuotaCounter, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO quota_counters (identity_kind, identity, service, request_count, daily_limit, window_start, violations, blocked_until, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5::date, 1, $6, $7)
		 ON CONFLICT (identity_kind, identity, service) DO UPDATE SET
			request_count = CASE WHEN quota_counters.window_start = EXCLUDED.window_start
				THEN quota_counters.request_count ELSE 0 END,
			window_start = EXCLUDED.window_start,
			violations = quota_counters.violations + 1,
			blocked_until = EXCLUDED.blocked_until,
			updated_at = EXCLUDED.updated_at
		 `+counterReturning,
		string(key.Kind), key.Identity, key.Service, limit, window.Format(dateLayout), blockedUntil, time.Now().UTC(),
	)
	c, err := scanPostgresCounter(row, key)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: record violation")
	}
	return c, nil
}

func (s *PostgresStore) ResetCounter(ctx context.Context, key model.QuotaKey, window time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE quota_counters SET request_count = 0, window_start = $4::date, blocked_until = NULL, updated_at = $5
		 WHERE identity_kind = $1 AND identity = $2 AND service = $3`,
		string(key.Kind), key.Identity, key.Service, window.Format(dateLayout), time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: reset counter")
}

func scanPostgresCounter(row scannable, key model.QuotaKey) (*model.QuotaCounter, error) {
	c := &model.QuotaCounter{Key: key}
	if err := row.Scan(&c.RequestCount, &c.DailyLimit, &c.WindowStart, &c.Violations, &c.BlockedUntil); err != nil {
		return nil, err
	}
	return c, nil
}

// --- Provider credentials ---

const credentialColumns = `principal_id, service, key_name, ciphertext, usage_count, last_used_at, created_at, updated_at`

func (s *PostgresStore) GetCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string) (*model.ProviderCredential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials
		 WHERE principal_id = $1 AND service = $2 AND key_name = $3`,
		principalID, string(service), keyName,
	)
	cred, err := scanPostgresCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get credential")
	}
	return cred, nil
}

// FindCredential returns the principal's most recently updated key for service.
func (s *PostgresStore) FindCredential(ctx context.Context, principalID int64, service model.ProviderID) (*model.ProviderCredential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials
		 WHERE principal_id = $1 AND service = $2 ORDER BY updated_at DESC LIMIT 1`,
		principalID, string(service),
	)
	cred, err := scanPostgresCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find credential")
	}
	return cred, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, principalID int64) ([]model.ProviderCredential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials
		 WHERE principal_id = $1 ORDER BY service, key_name`,
		principalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list credentials")
	}
	defer rows.Close()

	var out []model.ProviderCredential
	for rows.Next() {
		cred, err := scanPostgresCredential(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan credential")
		}
		out = append(out, *cred)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list credentials iterate")
}

func (s *PostgresStore) UpsertCredential(ctx context.Context, cred *model.ProviderCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_credentials (principal_id, service, key_name, ciphertext, usage_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)
		 ON CONFLICT (principal_id, service, key_name) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at`,
		cred.PrincipalID, string(cred.Service), cred.KeyName, cred.Ciphertext, cred.CreatedAt, cred.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: upsert credential")
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM provider_credentials WHERE principal_id = $1 AND service = $2 AND key_name = $3`,
		principalID, string(service), keyName,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: delete credential")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) TouchCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE provider_credentials SET usage_count = usage_count + 1, last_used_at = $4
		 WHERE principal_id = $1 AND service = $2 AND key_name = $3`,
		principalID, string(service), keyName, at,
	)
	return eris.Wrap(err, "postgres: touch credential")
}

func scanPostgresCredential(row scannable) (*model.ProviderCredential, error) {
	var c model.ProviderCredential
	var service string
	if err := row.Scan(&c.PrincipalID, &service, &c.KeyName, &c.Ciphertext, &c.UsageCount,
		&c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Service = model.ProviderID(service)
	return &c, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// The base table predates the derived-metric columns; they are added with
// ALTER TABLE so existing datasets upgrade in place and old rows keep NULLs.
const (
	createTokenPricesSQL = `CREATE TABLE IF NOT EXISTS token_prices (
        id BIGSERIAL PRIMARY KEY,
        region TEXT NOT NULL,
        ts TIMESTAMPTZ NOT NULL,
        price_gold BIGINT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	addEMAColumnSQL       = `ALTER TABLE token_prices ADD COLUMN IF NOT EXISTS ema BIGINT;`
	addChangeAbsColumnSQL = `ALTER TABLE token_prices ADD COLUMN IF NOT EXISTS change_abs BIGINT;`
	addChangePctColumnSQL = `ALTER TABLE token_prices ADD COLUMN IF NOT EXISTS change_pct NUMERIC;`

	createRegionTSIndexSQL = `CREATE INDEX IF NOT EXISTS idx_token_prices_region_ts
        ON token_prices (region, ts);`

	createOAuthTokensSQL = `CREATE TABLE IF NOT EXISTS oauth_tokens (
        region TEXT PRIMARY KEY,
        access_token TEXT NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL
    );`

	insertSampleSQL = `INSERT INTO token_prices (
        region,
        ts,
        price_gold,
        ema,
        change_abs,
        change_pct
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    ) RETURNING id, created_at;`

	sampleColumns = `id, region, ts, price_gold, ema, change_abs, change_pct, created_at`

	lastSampleSQL = `SELECT ` + sampleColumns + `
    FROM token_prices
    WHERE region = $1
    ORDER BY ts DESC, id DESC
    LIMIT 1;`

	allSamplesSQL = `SELECT ` + sampleColumns + `
    FROM token_prices
    WHERE region = $1
    ORDER BY ts ASC, id ASC;`

	recentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM token_prices
    WHERE region = $1
    ORDER BY ts DESC, id DESC
    LIMIT $2;`

	samplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM token_prices
    WHERE region = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts ASC, id ASC;`

	countSamplesSQL = `SELECT COUNT(*) FROM token_prices;`

	upsertTokenSQL = `INSERT INTO oauth_tokens (region, access_token, expires_at)
    VALUES ($1,$2,$3)
    ON CONFLICT (region) DO UPDATE
    SET access_token = EXCLUDED.access_token,
        expires_at   = EXCLUDED.expires_at;`

	selectTokenSQL = `SELECT region, access_token, expires_at
    FROM oauth_tokens
    WHERE region = $1;`
)

// SampleStore defines operations for price sample persistence.
type SampleStore interface {
	Append(ctx context.Context, sample PriceSample) (PriceSample, error)
	LastSample(ctx context.Context, region string) (*PriceSample, error)
	AllSamples(ctx context.Context, region string) ([]PriceSample, error)
	Marker() int64
}

// TokenStore defines operations for durable OAuth token records.
type TokenStore interface {
	LoadToken(ctx context.Context, region string) (*TokenRecord, error)
	SaveToken(ctx context.Context, record TokenRecord) error
}

// Store aggregates access to price samples and token records. The marker is
// an in-process counter advanced on every successful append; readers compare
// it to decide whether a memoized snapshot is still current.
type Store struct {
	pool   *pgxpool.Pool
	marker atomic.Int64
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates tables, evolves columns, and builds indexes. Safe to
// run on every startup; re-running produces no duplicates and keeps rows.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	statements := []string{
		createTokenPricesSQL,
		addEMAColumnSQL,
		addChangeAbsColumnSQL,
		addChangePctColumnSQL,
		createRegionTSIndexSQL,
		createOAuthTokensSQL,
	}
	for _, stmt := range statements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return storageErr("ensure schema", execErr)
		}
	}

	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return storageErr("seed marker", scanErr)
	}
	s.marker.Store(count)
	return nil
}

// Marker returns the opaque modification marker for the store. It advances
// exactly once per committed append.
func (s *Store) Marker() int64 {
	if s == nil {
		return 0
	}
	return s.marker.Load()
}

// Append durably persists one immutable sample row.
func (s *Store) Append(ctx context.Context, sample PriceSample) (PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceSample{}, err
	}

	var ema, changeAbs interface{}
	if sample.EMA != nil {
		ema = *sample.EMA
	}
	if sample.ChangeAbs != nil {
		changeAbs = *sample.ChangeAbs
	}
	var changePct interface{}
	if sample.ChangePct != nil {
		changePct = sample.ChangePct.String()
	}

	row := pool.QueryRow(ctx, insertSampleSQL,
		sample.Region,
		sample.Timestamp,
		sample.PriceGold,
		ema,
		changeAbs,
		changePct,
	)
	if scanErr := row.Scan(&sample.ID, &sample.CreatedAt); scanErr != nil {
		return PriceSample{}, storageErr("append sample", scanErr)
	}

	s.marker.Add(1)
	return sample, nil
}

// LastSample returns the most recently committed sample for a region, or nil
// when the region has no rows yet.
func (s *Store) LastSample(ctx context.Context, region string) (*PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, lastSampleSQL, region)
	if queryErr != nil {
		return nil, storageErr("last sample", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, storageErr("last sample", rows.Err())
		}
		return nil, nil
	}

	sample, scanErr := scanPriceSample(rows)
	if scanErr != nil {
		return nil, storageErr("last sample", scanErr)
	}
	return &sample, nil
}

// AllSamples returns the full series for a region, timestamp ascending with
// insertion order as the tie-break.
func (s *Store) AllSamples(ctx context.Context, region string) ([]PriceSample, error) {
	return s.querySamples(ctx, "all samples", allSamplesSQL, region)
}

// RecentSamples lists the newest samples for a region, newest first.
func (s *Store) RecentSamples(ctx context.Context, region string, limit int) ([]PriceSample, error) {
	return s.querySamples(ctx, "recent samples", recentSamplesSQL, region, limit)
}

// SamplesBetween lists samples for a region within [from, to).
func (s *Store) SamplesBetween(ctx context.Context, region string, from, to time.Time) ([]PriceSample, error) {
	return s.querySamples(ctx, "samples between", samplesBetweenSQL, region, from, to)
}

func (s *Store) querySamples(ctx context.Context, op, query string, args ...interface{}) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, storageErr(op, queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		sample, scanErr := scanPriceSample(rows)
		if scanErr != nil {
			return nil, storageErr(op, scanErr)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, storageErr(op, rows.Err())
	}
	return samples, nil
}

// SaveToken overwrites the durable token record for a region.
func (s *Store) SaveToken(ctx context.Context, record TokenRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertTokenSQL, record.Region, record.AccessToken, record.ExpiresAt); execErr != nil {
		return storageErr("save token", execErr)
	}
	return nil
}

// LoadToken fetches the durable token record for a region, or nil when absent.
func (s *Store) LoadToken(ctx context.Context, region string) (*TokenRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var record TokenRecord
	row := pool.QueryRow(ctx, selectTokenSQL, region)
	if scanErr := row.Scan(&record.Region, &record.AccessToken, &record.ExpiresAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("load token", scanErr)
	}
	return &record, nil
}

func scanPriceSample(rows pgx.Rows) (PriceSample, error) {
	var (
		id        int64
		region    string
		ts        time.Time
		priceGold int64
		ema       sql.NullInt64
		changeAbs sql.NullInt64
		changePct sql.NullString
		createdAt time.Time
	)

	if err := rows.Scan(
		&id,
		&region,
		&ts,
		&priceGold,
		&ema,
		&changeAbs,
		&changePct,
		&createdAt,
	); err != nil {
		return PriceSample{}, err
	}

	sample := PriceSample{
		ID:        id,
		Region:    region,
		Timestamp: ts,
		PriceGold: priceGold,
		CreatedAt: createdAt,
	}

	if ema.Valid {
		value := ema.Int64
		sample.EMA = &value
	}
	if changeAbs.Valid {
		value := changeAbs.Int64
		sample.ChangeAbs = &value
	}
	if changePct.Valid {
		pct, convErr := decimal.NewFromString(changePct.String)
		if convErr != nil {
			return PriceSample{}, convErr
		}
		sample.ChangePct = &pct
	}

	return sample, nil
}

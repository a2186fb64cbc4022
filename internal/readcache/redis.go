package readcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"wow-token-tracker/internal/storage"
)

// Redis memoizes snapshots in a Redis instance so several presentation
// processes can share one cache. Keys embed the marker; superseded keys age
// out through the server-side TTL. Redis failures degrade to a direct store
// read rather than failing the request.
type Redis struct {
	rdb    *redis.Client
	source SnapshotSource
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisOptions configure the Redis snapshot cache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedis creates the Redis-backed cache and verifies connectivity.
func NewRedis(ctx context.Context, opts RedisOptions, source SnapshotSource, logger zerolog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 19 * time.Minute
	}

	return &Redis{
		rdb:    rdb,
		source: source,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_cache").Logger(),
	}, nil
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func snapshotKey(region string, marker int64) string {
	return fmt.Sprintf("tokenwatcher:snapshot:%s:%d", region, marker)
}

// Load returns the cached snapshot for (region, marker) or reloads from the
// store and re-memoizes under the new key.
func (r *Redis) Load(ctx context.Context, region string) ([]storage.PriceSample, error) {
	marker := r.source.Marker()
	key := snapshotKey(region, marker)

	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var samples []storage.PriceSample
		if unmarshalErr := json.Unmarshal(raw, &samples); unmarshalErr == nil {
			return samples, nil
		}
		r.logger.Warn().Str("region", region).Msg("discarding undecodable cached snapshot")
	} else if !errors.Is(err, redis.Nil) {
		r.logger.Warn().Err(err).Str("region", region).Msg("redis read failed, falling back to store")
	}

	samples, err := r.source.AllSamples(ctx, region)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(samples)
	if err == nil {
		if setErr := r.rdb.Set(ctx, key, encoded, r.ttl).Err(); setErr != nil {
			r.logger.Warn().Err(setErr).Str("region", region).Msg("failed to memoize snapshot in redis")
		}
	}

	return samples, nil
}

var _ Loader = (*Redis)(nil)

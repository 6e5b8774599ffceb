package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis principal cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// RedisResolver caches principal records in Redis. On a cache miss it
// fetches from the fallback source, writes the result back in the
// background, and returns the value.
type RedisResolver struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	fallback    SourceFetcher
}

// NewRedisResolver creates and connects a new RedisResolver. It pings the
// Redis server to ensure connectivity before returning.
func NewRedisResolver(ctx context.Context, cfg *RedisConfig, fallback SourceFetcher, logger zerolog.Logger) (*RedisResolver, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisResolver{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisResolver").Logger(),
		ttl:         cfg.CacheTTL,
		fallback:    fallback,
	}, nil
}

// Resolve retrieves a principal by identity string, Redis first.
func (r *RedisResolver) Resolve(ctx context.Context, id string) (Principal, error) {
	p, err := r.fetchFromRedis(ctx, id)
	if err == nil {
		return p, nil
	}

	// A redis.Nil error is a normal cache miss. Any other error is a genuine problem.
	if !errors.Is(err, redis.Nil) {
		r.logger.Error().Err(err).Msg("Unexpected Redis error during fetch.")
		return Principal{}, err
	}

	if r.fallback == nil {
		return Principal{}, fmt.Errorf("identity %s not in cache and no fallback configured", id)
	}
	p, err = r.fallback.Fetch(ctx, id)
	if err != nil {
		return Principal{}, fmt.Errorf("fallback fetch for identity %s: %w", id, err)
	}

	go func(id string, p Principal) {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if writeErr := r.WriteToCache(writeCtx, id, p); writeErr != nil {
			r.logger.Error().Err(writeErr).Msg("Failed to write principal to cache in background.")
		}
	}(id, p)

	return p, nil
}

func (r *RedisResolver) fetchFromRedis(ctx context.Context, id string) (Principal, error) {
	raw, err := r.redisClient.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		return Principal{}, err
	}
	var p Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		return Principal{}, fmt.Errorf("failed to unmarshal cached principal %s: %w", id, err)
	}
	return p, nil
}

// WriteToCache stores a principal record under its identity key.
func (r *RedisResolver) WriteToCache(ctx context.Context, id string, p Principal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal principal %s: %w", id, err)
	}
	return r.redisClient.Set(ctx, cacheKey(id), raw, r.ttl).Err()
}

// Close releases the Redis connection; the fallback's lifecycle is managed
// by its owner.
func (r *RedisResolver) Close() error {
	return r.redisClient.Close()
}

func cacheKey(id string) string {
	return "principal:" + id
}

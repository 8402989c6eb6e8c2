package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"venuecal/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis connection and hash key.
type RedisConfig struct {
	Addr     string // e.g. localhost:6379
	Password string
	DB       int
	Key      string // hash holding one JSON record per normalization key
}

// RedisStore is a Store kept in a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
	logger *slog.Logger
	now    func() time.Time
}

// OpenRedis connects to Redis and verifies connectivity.
func OpenRedis(ctx context.Context, logger *slog.Logger, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Key == "" {
		cfg.Key = "venuecal:seen"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	logger.Debug("Connected to redis dedup store.", "addr", cfg.Addr, "key", cfg.Key)
	return &RedisStore{client: client, key: cfg.Key, logger: logger, now: time.Now}, nil
}

func (s *RedisStore) IsNew(ctx context.Context, ev *models.Event) (bool, error) {
	exists, err := s.client.HExists(ctx, s.key, ev.Key().String()).Result()
	if err != nil {
		return false, fmt.Errorf("redis HEXISTS failed: %w", err)
	}
	return !exists, nil
}

func (s *RedisStore) Record(ctx context.Context, ev *models.Event) error {
	rec := newRecord(ev, s.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dedup record: %w", err)
	}
	// HSETNX keeps the first record for a key.
	if err := s.client.HSetNX(ctx, s.key, rec.Key, data).Err(); err != nil {
		return fmt.Errorf("redis HSETNX failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Purge(ctx context.Context, olderThanDays int, now time.Time) (int, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	var stale []string
	for k, r := range recs {
		if r.expired(olderThanDays, now) {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := s.client.HDel(ctx, s.key, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis HDEL failed: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Upcoming(ctx context.Context, from time.Time) ([]Record, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return upcomingFromMap(recs, from), nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) all(ctx context.Context) (map[string]Record, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL failed: %w", err)
	}
	recs := make(map[string]Record, len(raw))
	for k, v := range raw {
		var r Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			s.logger.Warn("Skipping unreadable dedup record.", "key", k, "error", err)
			continue
		}
		recs[k] = r
	}
	return recs, nil
}

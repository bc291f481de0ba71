package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"

	"fleetview/internal/domain"
)

type RedisCache struct {
	client redis.Cmdable
	closer io.Closer
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

func NewRedisCache(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	c := newCache(client, ttl, logger)
	c.closer = client
	return c, nil
}

func newCache(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: DefaultPrefix,
		ttl:    ttl,
		logger: logger.With("component", "redis_cache"),
	}
}

func (c *RedisCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	c.logger.Debug("cache set", "key", key, "size_bytes", len(value), "ttl", ttl, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Get returns nil without error on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		c.logger.Debug("cache miss", "key", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "key", key, "size_bytes", len(val), "duration_ms", time.Since(start).Milliseconds())
	return val, nil
}

func (c *RedisCache) SetJSONCompressed(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	compressed, err := gzipCompress(data)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	c.logger.Debug("compressed data", "key", key, "original_size", len(data), "compressed_size", len(compressed))
	return c.Set(ctx, key, compressed, ttl)
}

func (c *RedisCache) GetJSONCompressed(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}
	raw, err := gzipDecompress(data)
	if err != nil {
		return false, fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("json unmarshal: %w", err)
	}
	return true, nil
}

type vehicleSnapshot struct {
	SavedAt  time.Time         `json:"savedAt"`
	Vehicles []*domain.Vehicle `json:"vehicles"`
}

// SaveSnapshot stores the vehicle list as the last known good snapshot.
func (c *RedisCache) SaveSnapshot(ctx context.Context, vehicles []*domain.Vehicle) error {
	return c.SetJSONCompressed(ctx, KeyVehicleSnapshot, vehicleSnapshot{
		SavedAt:  time.Now().UTC(),
		Vehicles: vehicles,
	}, c.ttl)
}

// LoadSnapshot returns the cached vehicle list, if any.
func (c *RedisCache) LoadSnapshot(ctx context.Context) ([]*domain.Vehicle, bool, error) {
	var snap vehicleSnapshot
	ok, err := c.GetJSONCompressed(ctx, KeyVehicleSnapshot, &snap)
	if err != nil || !ok {
		return nil, false, err
	}
	c.logger.Info("loaded cached snapshot", "vehicles", len(snap.Vehicles), "age", time.Since(snap.SavedAt).Round(time.Second))
	return snap.Vehicles, true, nil
}

func (c *RedisCache) Hits() int64   { return c.hits.Load() }
func (c *RedisCache) Misses() int64 { return c.misses.Load() }

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

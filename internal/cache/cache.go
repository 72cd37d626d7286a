package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/detect"
)

// Config holds Redis result cache settings.
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// Stats reports cache performance counters.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// ResultCache memoizes detection results in Redis. The key folds in the
// rule generation, so any rule mutation invalidates every cached result
// without explicit flushes. Every Redis failure degrades to a cache
// miss; the cache is an accelerator, never a dependency.
type ResultCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResultCache connects to Redis and verifies the connection.
func NewResultCache(config *Config, logger *zap.Logger) (*ResultCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	rc := &ResultCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rc.client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Result cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Duration("default_ttl", config.DefaultTTL))
	return rc, nil
}

// Get looks up a cached detection result. A miss, a Redis error, and a
// corrupt entry all return (nil, false).
func (rc *ResultCache) Get(ctx context.Context, text, language string, generation uint64) (*detect.Result, bool) {
	key := rc.key(text, language, generation)

	data, err := rc.client.Get(ctx, key).Result()
	if err == redis.Nil {
		rc.misses.Add(1)
		return nil, false
	} else if err != nil {
		rc.logger.Warn("Cache lookup failed", zap.Error(err))
		rc.misses.Add(1)
		return nil, false
	}

	var result detect.Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		rc.logger.Warn("Corrupt cache entry, deleting", zap.String("key", key))
		rc.client.Del(ctx, key)
		rc.misses.Add(1)
		return nil, false
	}

	rc.hits.Add(1)
	rc.logger.Debug("Cache hit", zap.String("key", key))
	return &result, true
}

// Store caches a detection result under the current generation.
func (rc *ResultCache) Store(ctx context.Context, text, language string, generation uint64, result *detect.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		rc.logger.Warn("Failed to marshal result for caching", zap.Error(err))
		return
	}
	key := rc.key(text, language, generation)
	if err := rc.client.Set(ctx, key, data, rc.config.DefaultTTL).Err(); err != nil {
		rc.logger.Warn("Failed to cache result", zap.Error(err))
	}
}

// Stats returns hit counters plus Redis-side memory and key counts.
func (rc *ResultCache) Stats(ctx context.Context) *Stats {
	stats := &Stats{
		Hits:   rc.hits.Load(),
		Misses: rc.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	if info, err := rc.client.Info(ctx, "memory").Result(); err == nil {
		for _, line := range strings.Split(info, "\r\n") {
			if strings.HasPrefix(line, "used_memory:") {
				if mem, err := strconv.ParseInt(strings.TrimPrefix(line, "used_memory:"), 10, 64); err == nil {
					stats.MemoryUsage = mem
				}
			}
		}
	}
	if keys, err := rc.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats
}

// Close closes the Redis connection.
func (rc *ResultCache) Close() error {
	if rc.client != nil {
		return rc.client.Close()
	}
	return nil
}

// key hashes the full text so raw input never reaches Redis keyspace or
// logs. Language and generation are part of the digest.
func (rc *ResultCache) key(text, language string, generation uint64) string {
	hasher := sha256.New()
	hasher.Write([]byte(language))
	hasher.Write([]byte{'|'})
	hasher.Write([]byte(strconv.FormatUint(generation, 10)))
	hasher.Write([]byte{'|'})
	hasher.Write([]byte(text))
	return fmt.Sprintf("%s:det:%s", rc.config.KeyPrefix, hex.EncodeToString(hasher.Sum(nil))[:32])
}

// maskRedisURL masks the password portion of a Redis URL for logging.
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}

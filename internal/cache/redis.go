package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	// OpTimeout bounds every Get and Put.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// RedisCache shares pooled vectors between replicas. Redis failures are
// logged and reported as misses so encoding never depends on the cache.
type RedisCache struct {
	client *redis.Client
	config RedisConfig
}

var _ VectorCache = (*RedisCache)(nil)

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, config RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	c := newRedisCache(redis.NewClient(opts), config)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().
		Str("redis_url", maskRedisURL(config.URL)).
		Str("key_prefix", c.config.KeyPrefix).
		Dur("ttl", config.TTL).
		Msg("Vector cache initialized")
	return c, nil
}

func newRedisCache(client *redis.Client, config RedisConfig) *RedisCache {
	if config.OpTimeout <= 0 {
		config.OpTimeout = 100 * time.Millisecond
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "electra"
	}
	return &RedisCache{client: client, config: config}
}

func (c *RedisCache) key(k string) string {
	return c.config.KeyPrefix + ":vec:" + k
}

func (c *RedisCache) Get(key string) ([]float32, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.OpTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		misses.WithLabelValues("redis").Inc()
		return nil, false
	}
	if err != nil {
		errorsTotal.WithLabelValues("redis", "get").Inc()
		log.Warn().Err(err).Str("key", key).Msg("Cache lookup failed")
		return nil, false
	}

	vec, err := decodeVector(data)
	if err != nil {
		errorsTotal.WithLabelValues("redis", "decode").Inc()
		log.Warn().Err(err).Str("key", key).Msg("Dropping corrupted cache entry")
		c.client.Del(ctx, c.key(key))
		return nil, false
	}
	hits.WithLabelValues("redis").Inc()
	return vec, true
}

func (c *RedisCache) Put(key string, vec []float32) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.OpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key(key), encodeVector(vec), c.config.TTL).Err(); err != nil {
		errorsTotal.WithLabelValues("redis", "put").Inc()
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache vector")
	}
}

// Size counts the keys under the cache prefix. It scans the keyspace and is
// meant for diagnostics only.
func (c *RedisCache) Size() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := 0
	iter := c.client.Scan(ctx, 0, c.key("*"), 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		errorsTotal.WithLabelValues("redis", "scan").Inc()
		log.Warn().Err(err).Msg("Failed to scan cache keys")
	}
	return n
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// encodeVector stores a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("cached vector has %d bytes, not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// maskRedisURL hides the password of a redis:// URL for logging.
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userinfo := url[:at]
	colon := strings.LastIndex(userinfo, ":")
	if colon < 0 || strings.HasPrefix(userinfo[colon:], "://") {
		return url
	}
	return userinfo[:colon+1] + "***" + url[at:]
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configure a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Default "sharepipe:cache".
	Prefix  string
	Timeout time.Duration
	Options
}

// RedisStore is a Store shared between processes. Values are JSON encoded
// and written with SET EX. A sorted set of write times enforces MaxEntries
// by dropping the oldest writes.
type RedisStore[V any] struct {
	rdb    *redis.Client
	prefix string
	opts   Options
}

func NewRedisStore[V any](o RedisOptions) *RedisStore[V] {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	return NewRedisStoreWithClient[V](rdb, o.Prefix, o.Options)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient[V any](rdb *redis.Client, prefix string, opts Options) *RedisStore[V] {
	if prefix == "" {
		prefix = "sharepipe:cache"
	}
	return &RedisStore[V]{rdb: rdb, prefix: prefix, opts: opts.withDefaults()}
}

func (s *RedisStore[V]) dataKey(key string) string { return s.prefix + ":v:" + key }
func (s *RedisStore[V]) indexKey() string          { return s.prefix + ":idx" }

func (s *RedisStore[V]) Put(ctx context.Context, key string, value V) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	now := time.Now()
	cutoff := now.Add(-s.opts.TTL).UnixMilli()
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.dataKey(key), b, s.opts.TTL)
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: key})
		p.ZRemRangeByScore(ctx, s.indexKey(), "-inf", strconv.FormatInt(cutoff, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return s.trim(ctx)
}

// trim evicts the oldest writes beyond MaxEntries.
func (s *RedisStore[V]) trim(ctx context.Context) error {
	n, err := s.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("cache trim: %w", err)
	}
	over := n - int64(s.opts.MaxEntries)
	if over <= 0 {
		return nil
	}
	victims, err := s.rdb.ZPopMin(ctx, s.indexKey(), over).Result()
	if err != nil {
		return fmt.Errorf("cache trim: %w", err)
	}
	keys := make([]string, 0, len(victims))
	for _, z := range victims {
		if m, ok := z.Member.(string); ok {
			keys = append(keys, s.dataKey(m))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache trim: %w", err)
	}
	return nil
}

func (s *RedisStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var v V
	b, err := s.rdb.Get(ctx, s.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return v, true, nil
}

// Ping checks connectivity.
func (s *RedisStore[V]) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisStore[V]) Close() error { return s.rdb.Close() }

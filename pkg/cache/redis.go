package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces every key written by RedisStorage
	DefaultRedisPrefix = "shellcache"
)

// RedisStorage keeps partitions in Redis.
//
// Layout per prefix:
//
//	<prefix>:seq                     monotonic insertion counter
//	<prefix>:partitions              sorted set of partition names (score = creation seq)
//	<prefix>:p:<name>:entries        hash key -> JSON entry
//	<prefix>:p:<name>:order          sorted set of keys (score = insertion seq)
type RedisStorage struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStorage creates a storage backed by redisClient.
func NewRedisStorage(redisClient *redis.Client, prefix string) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStorage) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RedisStorage) registryKey() string {
	return s.prefix + ":partitions"
}

func (s *RedisStorage) entriesKey(name string) string {
	return fmt.Sprintf("%s:p:%s:entries", s.prefix, name)
}

func (s *RedisStorage) orderKey(name string) string {
	return fmt.Sprintf("%s:p:%s:order", s.prefix, name)
}

func (s *RedisStorage) nextSeq(ctx context.Context) (float64, error) {
	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return float64(seq), nil
}

// Open returns the named partition, registering it if needed.
func (s *RedisStorage) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("partition name cannot be empty")
	}

	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		seq, err := s.nextSeq(ctx)
		if err != nil {
			CacheErrors.WithLabelValues("open").Inc()
			return nil, err
		}
		if err := s.redis.ZAddNX(ctx, s.registryKey(), redis.Z{Score: seq, Member: name}).Err(); err != nil {
			CacheErrors.WithLabelValues("open").Inc()
			return nil, fmt.Errorf("redis zadd: %w", err)
		}
	}

	return &redisPartition{storage: s, name: name}, nil
}

// Has reports whether the named partition is registered.
func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.redis.ZScore(ctx, s.registryKey(), name).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis zscore: %w", err)
	}
	return true, nil
}

// Delete removes the named partition and its entries.
func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.registryKey(), name)
		pipe.Del(ctx, s.entriesKey(name), s.orderKey(name))
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("redis delete partition: %w", err)
	}
	return removed.Val() > 0, nil
}

// Names lists partitions in creation order.
func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.ZRange(ctx, s.registryKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

type redisPartition struct {
	storage *RedisStorage
	name    string
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, req *http.Request) (*Entry, error) {
	key := KeyFor(req).String()

	data, err := p.storage.redis.HGet(ctx, p.storage.entriesKey(p.name), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if !entry.MatchesVary(req) {
		return nil, ErrCacheMiss
	}
	return &entry, nil
}

func (p *redisPartition) Put(ctx context.Context, req *http.Request, entry *Entry) error {
	stored, err := prepareEntry(req, entry)
	if err != nil {
		return err
	}
	key := KeyFor(req).String()

	data, err := json.Marshal(stored)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	seq, err := p.storage.nextSeq(ctx)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return err
	}

	_, err = p.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.storage.entriesKey(p.name), key, data)
		pipe.ZAdd(ctx, p.storage.orderKey(p.name), redis.Z{Score: seq, Member: key})
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := p.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, p.storage.entriesKey(p.name), key)
		pipe.ZRem(ctx, p.storage.orderKey(p.name), key)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("redis delete entry: %w", err)
	}
	return removed.Val() > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.storage.redis.ZRange(ctx, p.storage.orderKey(p.name), 0, -1).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return keys, nil
}

func (p *redisPartition) Len(ctx context.Context) (int, error) {
	n, err := p.storage.redis.ZCard(ctx, p.storage.orderKey(p.name)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}

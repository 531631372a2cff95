package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"AgentFlow/internal/cache"
	xerrors "AgentFlow/internal/errors"
)

// CacheStore 实现 cache.Store，条目以 SET PX 写入，过期由 Redis 负责。
// 单飞去重仍发生在各进程的 cache.Manager 内，Redis 只共享已完成的结果。
type CacheStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewCacheStore 创建缓存存储。
func NewCacheStore(client goredis.UniversalClient, prefix string, now func() time.Time) *CacheStore {
	if now == nil {
		now = time.Now
	}
	return &CacheStore{client: client, prefix: prefixOrDefault(prefix) + ":cache:", now: now}
}

// Get 读取条目，过期时间由剩余 PTTL 推算。
func (s *CacheStore) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, s.prefix+key)
	ttl := pipe.PTTL(ctx, s.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return cache.Entry{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 缓存失败")
	}
	value, err := get.Bytes()
	if errors.Is(err, goredis.Nil) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 缓存失败")
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		// 没有过期时间的键不是本组件写入的，视为未命中。
		return cache.Entry{}, false, nil
	}
	return cache.Entry{Key: key, Value: value, ExpiresAt: s.now().Add(remaining)}, true, nil
}

// Set 写入条目，已过期的条目直接丢弃。
func (s *CacheStore) Set(ctx context.Context, entry cache.Entry) error {
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl < time.Millisecond {
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+entry.Key, entry.Value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 缓存失败")
	}
	return nil
}

var _ cache.Store = (*CacheStore)(nil)

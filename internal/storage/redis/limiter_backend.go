package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/ratelimit"
)

// slidingWindowScript 在一个有序集合上维护滑动窗口，分数是授予时间（毫秒）。
// 返回 {1, 0} 表示放行，{0, wait_ms} 表示需要等待。
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_calls = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < max_calls then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
  wait = 1
end
return {0, wait}
`)

// LimiterBackend 实现 ratelimit.Backend，多个进程共享同一个窗口。
type LimiterBackend struct {
	client goredis.UniversalClient
	prefix string
	limits map[string]ratelimit.Limit
	now    func() time.Time
}

// NewLimiterBackend 创建限流后端；未配置限额的服务不受限制。
func NewLimiterBackend(client goredis.UniversalClient, prefix string, limits map[string]ratelimit.Limit, now func() time.Time) *LimiterBackend {
	if now == nil {
		now = time.Now
	}
	valid := make(map[string]ratelimit.Limit, len(limits))
	for service, limit := range limits {
		if limit.Valid() {
			valid[service] = limit
		}
	}
	return &LimiterBackend{client: client, prefix: prefixOrDefault(prefix) + ":ratelimit:", limits: valid, now: now}
}

// Try 实现 ratelimit.Backend。
func (b *LimiterBackend) Try(ctx context.Context, service string) (ratelimit.Decision, error) {
	limit, ok := b.limits[service]
	if !ok {
		return ratelimit.Decision{Allowed: true}, nil
	}
	res, err := slidingWindowScript.Run(ctx, b.client, []string{b.prefix + service},
		b.now().UnixMilli(), limit.Window.Milliseconds(), limit.MaxCalls, uuid.NewString()).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 Redis 限流脚本失败",
			xerrors.WithMetadata("service", service))
	}
	if len(res) != 2 {
		return ratelimit.Decision{}, xerrors.New(xerrors.CodeStorageFailure, "Redis 限流脚本返回格式错误")
	}
	if res[0] == 1 {
		return ratelimit.Decision{Allowed: true}, nil
	}
	return ratelimit.Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}

var _ ratelimit.Backend = (*LimiterBackend)(nil)

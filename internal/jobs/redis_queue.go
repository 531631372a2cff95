package jobs

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/pkg/logger"
)

const (
	defaultRedisQueueKey  = "agentflow:jobs"
	defaultRedisBlockWait = 5 * time.Second
)

// RedisQueueConfig 描述 Redis 队列参数，连接由 storage/redis 统一创建。
type RedisQueueConfig struct {
	Key       string        `yaml:"key" json:"key"`
	BlockWait time.Duration `yaml:"block_wait" json:"block_wait"`
}

// RedisQueue 使用 Redis list 实现作业队列，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client goredis.UniversalClient
	key    string
	wait   time.Duration
}

// NewRedisQueue 基于已有连接创建队列。
func NewRedisQueue(client goredis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis client 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisQueueKey
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = defaultRedisBlockWait
	}
	return &RedisQueue{client: client, key: key, wait: wait}, nil
}

// Publish 将作业投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布作业失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取作业。处理失败的作业重新放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("jobs.redis")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				values, err := q.client.BRPop(gctx, q.wait, q.key).Result()
				switch {
				case err == nil:
				case stdErrors.Is(err, goredis.Nil):
					continue
				case gctx.Err() != nil:
					return nil
				default:
					return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取作业失败")
				}
				if len(values) != 2 {
					continue
				}
				jobID := values[1]
				if handlerErr := handler(gctx, jobID); handlerErr != nil {
					if pushErr := q.client.LPush(context.WithoutCancel(gctx), q.key, jobID).Err(); pushErr != nil {
						log.Error("作业重新入队失败", slog.String("job_id", jobID), slog.Any("error", pushErr))
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close 不关闭共享连接，由创建者负责。
func (q *RedisQueue) Close() error {
	return nil
}

var _ Queue = (*RedisQueue)(nil)

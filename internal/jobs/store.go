package jobs

import (
	"context"

	"AgentFlow/internal/agent"
	xerrors "AgentFlow/internal/errors"
)

// Store 抽象了作业状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将 pending 或 retrying 的作业置为 running 并累加尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	// Complete 写入轮次结论；fail 决策的作业以 failed 终结，不再重试。
	Complete(ctx context.Context, id string, outcome *agent.TurnOutcome) error
	// MarkFailed 记录基础设施错误；terminal 为 false 时作业进入 retrying。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

package jobs

import (
	"context"

	"AgentFlow/internal/agent"
)

// RecoveryHandler 在作业遇到不可重试的错误时提供降级结论。
type RecoveryHandler interface {
	// Recover 返回的结论会作为作业结果写入；返回 nil 时按失败流程处理。
	Recover(ctx context.Context, job *Job, cause error) (*agent.TurnOutcome, error)
}

// RecoveryFunc 将函数适配为 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, job *Job, cause error) (*agent.TurnOutcome, error)

// Recover 调用函数本身。
func (f RecoveryFunc) Recover(ctx context.Context, job *Job, cause error) (*agent.TurnOutcome, error) {
	return f(ctx, job, cause)
}

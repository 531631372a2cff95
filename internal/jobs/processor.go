package jobs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"AgentFlow/internal/agent"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/observability/alerting"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/retry"
	"AgentFlow/pkg/logger"
)

// Runner 是处理器所需的 Agent 能力。
type Runner interface {
	HandleTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnOutcome, error)
}

// Processor 负责从队列消费作业并交给 Agent 执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	writeRetry  retry.Policy
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败降级策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithWriteRetry 设置写入作业结果时的重试策略。
func WithWriteRetry(policy retry.Policy) ProcessorOption {
	return func(p *Processor) { p.writeRetry = policy }
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("jobs"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动作业处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, err, "claim")
		return err
	}
	metrics.ObserveJob(string(StatusRunning))

	// 在途轮次不随消费循环停止而中断，由轮次自身的超时兜底。
	turnCtx := context.WithoutCancel(ctx)
	outcome, runErr := p.runner.HandleTurn(turnCtx, agent.TurnRequest{
		TurnID:         fmt.Sprintf("%s-%d", job.ID, job.Attempts),
		ConversationID: job.ConversationID,
		UserID:         job.UserID,
		Message:        job.Message,
	})
	if runErr == nil && outcome == nil {
		runErr = xerrors.New(CodeJobProcessing, "agent returned no outcome")
	}
	if runErr != nil {
		return p.handleFailure(turnCtx, job, runErr)
	}
	return p.complete(turnCtx, job, outcome, "completed")
}

// complete 写入轮次结论。轮次已经执行过，写入失败时不重新入队，避免重复扣费。
func (p *Processor) complete(ctx context.Context, job *Job, outcome *agent.TurnOutcome, stage string) error {
	_, err := p.writeRetry.Do(ctx, func(ctx context.Context, _ int) error {
		return p.store.Complete(ctx, job.ID, outcome)
	})
	if err != nil {
		p.logger.Error("写入作业结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, err, "complete")
		return nil
	}
	status, code, _ := outcomeStatus(outcome)
	metrics.ObserveJob(string(status))
	logger.Audit().Info("作业完成",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("stage", stage),
		slog.String("status", string(status)),
		slog.String("error_code", code),
		slog.String("credits_charged", outcome.CreditsCharged.String()),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	if _, coded := xerrors.From(runErr); !coded {
		runErr = xerrors.Wrap(CodeJobProcessing, runErr, "作业执行失败")
	}
	exhausted := job.Attempts >= job.MaxRetries
	terminal := !retryable || exhausted

	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, job, runErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeJobCompensate, recErr, "作业降级失败")
			p.logger.Error("执行降级逻辑失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, wrapped, "compensate")
		case fallback != nil:
			p.emitAlert(ctx, job, runErr, "degraded")
			return p.complete(ctx, job, fallback, "degraded")
		}
	}

	if err := p.store.MarkFailed(ctx, job.ID, code, runErr.Error(), terminal); err != nil {
		p.logger.Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	status := StatusRetrying
	if terminal {
		status = StatusFailed
	}
	metrics.ObserveJob(string(status))
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	switch {
	case retryable && exhausted:
		p.emitAlert(ctx, job, xerrors.Wrap(CodeJobExhausted, runErr, "作业重试次数耗尽"), "terminal")
	case terminal:
		p.emitAlert(ctx, job, runErr, "terminal")
	default:
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", job.ID))
		}
		p.logger.Debug("作业已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

// emitAlert 只为编码标记了 Alert 的错误发送告警。
func (p *Processor) emitAlert(ctx context.Context, job *Job, cause error, stage string) {
	if p.alerter == nil || job == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.FromError(alerting.SourceJob, job.ID, job.UserID, cause)
	event.Attempts = job.Attempts
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}

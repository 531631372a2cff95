package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"AgentFlow/internal/cache"
	"AgentFlow/internal/credit"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/ratelimit"
	"AgentFlow/internal/retry"
	"AgentFlow/internal/tool"
	"AgentFlow/pkg/logger"
)

const (
	defaultStepTimeout = 30 * time.Second
	defaultMaxWait     = 2 * time.Second
	defaultMaxParallel = 4
)

// Executor 按依赖关系分波次执行计划中的工具调用。
type Executor struct {
	registry    *tool.Registry
	credits     credit.Gate
	cache       *cache.Manager
	limiter     *ratelimit.Limiter
	retry       retry.Policy
	stepTimeout time.Duration
	maxWait     time.Duration
	maxParallel int
	now         func() time.Time
	logger      *slog.Logger
}

// ExecutorOption 定义 Executor 的可选配置。
type ExecutorOption func(*Executor)

// WithRetryPolicy 设置步骤内的重试策略。
func WithRetryPolicy(p retry.Policy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithStepTimeout 设置工具未声明超时时间时的步骤总预算。
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithRateLimitWait 设置等待限流许可的最长时间。
func WithRateLimitWait(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.maxWait = d
		}
	}
}

// WithMaxParallel 限制同一波次内并发执行的步骤数。
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithExecutorClock 注入时间源，便于测试耗时统计。
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor 创建 Executor。cacheManager 与 limiter 可以为空。
func NewExecutor(registry *tool.Registry, gate credit.Gate, cacheManager *cache.Manager, limiter *ratelimit.Limiter, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		credits:     gate,
		cache:       cacheManager,
		limiter:     limiter,
		stepTimeout: defaultStepTimeout,
		maxWait:     defaultMaxWait,
		maxParallel: defaultMaxParallel,
		now:         time.Now,
		logger:      logger.Named("executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 执行计划并按完成顺序返回结果，结果同时追加到 ec。
// 没有未完成依赖的步骤并发执行；依赖失败的步骤记为 DEPENDENCY_FAILED，不预留积分。
func (e *Executor) Execute(ctx context.Context, plan Plan, ec *ExecutionContext) []ToolResult {
	var (
		mu      sync.Mutex
		out     []ToolResult
		settled = make(map[string]bool, len(plan.Calls))
		inPlan  = make(map[string]bool, len(plan.Calls))
	)
	record := func(r ToolResult) {
		ec.AddResult(r)
		mu.Lock()
		out = append(out, r)
		settled[r.StepID] = r.Succeeded()
		mu.Unlock()
	}
	for _, c := range plan.Calls {
		inPlan[c.StepID] = true
	}

	remaining := append([]ToolCall(nil), plan.Calls...)
	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			for _, call := range remaining {
				record(failedResult(call, ec.Iteration, retry.Normalize(err)))
			}
			break
		}

		var ready, waiting []ToolCall
		progressed := false
		for _, call := range remaining {
			switch state := e.dependencyState(call, inPlan, settled, ec); state {
			case depsReady:
				ready = append(ready, call)
			case depsWaiting:
				waiting = append(waiting, call)
			default:
				record(failedResult(call, ec.Iteration, xerrors.New(xerrors.CodeDependencyFailed,
					fmt.Sprintf("dependency of step %s did not succeed", call.StepID))))
				progressed = true
			}
		}
		if len(ready) == 0 {
			if !progressed {
				// 剩余步骤互相等待，无法推进。
				for _, call := range waiting {
					record(failedResult(call, ec.Iteration, xerrors.New(xerrors.CodeDependencyFailed, "dependency cycle")))
				}
				break
			}
			remaining = waiting
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxParallel)
		for _, call := range ready {
			call := call
			g.Go(func() error {
				record(e.runStep(gctx, call, ec))
				return nil
			})
		}
		_ = g.Wait()
		remaining = waiting
	}
	return out
}

type depState int

const (
	depsReady depState = iota
	depsWaiting
	depsFailed
)

func (e *Executor) dependencyState(call ToolCall, inPlan, settled map[string]bool, ec *ExecutionContext) depState {
	state := depsReady
	for _, dep := range call.Dependencies() {
		if inPlan[dep] {
			ok, done := settled[dep]
			if !done {
				state = depsWaiting
				continue
			}
			if !ok {
				return depsFailed
			}
			continue
		}
		if _, ok := ec.LastSuccess(dep); !ok {
			return depsFailed
		}
	}
	return state
}

// runStep 执行单个步骤：积分预留 → 引用解析与校验 → 缓存 → 限流 + 重试调用 → 积分结算。
func (e *Executor) runStep(ctx context.Context, call ToolCall, ec *ExecutionContext) ToolResult {
	start := e.now()
	result := ToolResult{
		StepID:         call.StepID,
		ToolName:       call.ToolName,
		Category:       call.Category,
		Iteration:      ec.Iteration,
		CreditsCharged: decimal.Zero,
	}
	finish := func(err error) ToolResult {
		result.ElapsedMS = e.now().Sub(start).Milliseconds()
		if err != nil {
			err = retry.Normalize(err)
			result.Status = StatusError
			result.ErrorKind = xerrors.CodeOf(err)
			result.Error = err.Error()
			result.Data = nil
		} else {
			result.Status = StatusOK
		}
		credits, _ := result.CreditsCharged.Float64()
		metrics.ObserveToolStep(call.ToolName, string(result.Status), string(result.ErrorKind),
			time.Duration(result.ElapsedMS)*time.Millisecond, credits)
		log := e.logger.With(slog.String("turn_id", ec.TurnID), slog.String("step", call.StepID), slog.String("tool", call.ToolName))
		if err != nil {
			log.Warn("步骤执行失败", slog.String("error_kind", string(result.ErrorKind)), slog.Int("attempts", result.Attempts), slog.Any("error", err))
		} else {
			log.Debug("步骤执行完成", slog.Bool("cached", result.Cached), slog.Bool("degraded", result.Degraded), slog.Int("attempts", result.Attempts))
		}
		return result
	}

	def, ok := e.registry.Definition(call.ToolName)
	if !ok {
		_, _, err := e.registry.Get(call.ToolName)
		return finish(err)
	}

	reservation, err := e.credits.CheckAndReserve(ctx, ec.UserID, call.DeclaredCreditCost)
	if err != nil {
		return finish(err)
	}
	ec.track(reservation)
	// 结算不受轮次取消影响，保证取消后仍能退款。
	settleCtx := context.WithoutCancel(ctx)
	release := func() {
		if _, err := e.credits.Release(settleCtx, reservation); err != nil {
			e.logger.Error("积分退还失败", slog.String("reservation_id", reservation.ID), slog.Any("error", err))
			return
		}
		ec.untrack(reservation)
	}
	charge := func() {
		charged, err := e.credits.Finalize(settleCtx, reservation)
		if err != nil {
			e.logger.Error("积分扣除失败", slog.String("reservation_id", reservation.ID), slog.Any("error", err))
			return
		}
		ec.untrack(reservation)
		result.CreditsCharged = charged
	}

	params, err := resolveReferences(call.Parameters, ec.LastSuccess)
	if err != nil {
		release()
		return finish(err)
	}
	if err := e.registry.Validate(call.ToolName, params); err != nil {
		release()
		return finish(err)
	}

	budget := def.Timeout
	if budget <= 0 {
		budget = e.stepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var attempts atomic.Int32
	rc := tool.RunContext{UserID: ec.UserID, ConversationID: ec.ConversationID, TurnID: ec.TurnID, StepID: call.StepID}
	compute := func(ctx context.Context) ([]byte, error) {
		var output tool.Output
		_, err := e.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			attempts.Add(1)
			if e.limiter != nil && def.Service != "" {
				wait := e.maxWait
				if deadline, ok := ctx.Deadline(); ok {
					if left := time.Until(deadline); left < wait {
						wait = left
					}
				}
				if _, err := e.limiter.Acquire(ctx, def.Service, wait); err != nil {
					// 限流拒绝留给下一次迭代处理，不在步骤内自旋。
					return retry.Stop(err)
				}
			}
			attemptRC := rc
			attemptRC.Attempt = attempt
			out, err := e.registry.Invoke(ctx, call.ToolName, params, attemptRC)
			if err != nil {
				return err
			}
			output = out
			return nil
		})
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstream, err, "encode tool output")
		}
		if output.Degraded {
			return nil, cache.Volatile(encoded)
		}
		return encoded, nil
	}

	var (
		raw     []byte
		outcome = cache.Miss
	)
	if e.cache != nil && def.CacheTTL > 0 {
		key, keyErr := cache.Key(call.ToolName, params)
		if keyErr != nil {
			release()
			return finish(xerrors.Wrap(xerrors.CodeInvalidParameters, keyErr, "parameters cannot be hashed"))
		}
		raw, outcome, err = e.cache.GetOrCompute(stepCtx, key, def.CacheTTL, compute)
	} else {
		raw, err = compute(stepCtx)
		if value, ok := cache.VolatileValue(err); ok {
			raw, err = value, nil
		}
	}
	result.Attempts = int(attempts.Load())
	if err != nil {
		release()
		return finish(err)
	}

	var output tool.Output
	if err := json.Unmarshal(raw, &output); err != nil {
		release()
		return finish(xerrors.Wrap(xerrors.CodeMalformedOutput, err, "cached tool output is not valid"))
	}

	result.Data = output.Data
	result.Degraded = output.Degraded
	result.Notes = output.Notes
	if outcome.Cached() {
		result.Cached = true
		release()
	} else {
		charge()
	}
	return finish(nil)
}

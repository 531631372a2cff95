package rules

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"AgentFlow/internal/cache"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/observability/alerting"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/ratelimit"
	"AgentFlow/internal/retry"
	"AgentFlow/pkg/logger"
)

const (
	// DefaultMetricsService 是读取指标时使用的限流服务名。
	DefaultMetricsService = "ads.metrics"
	// DefaultActionService 是动作未声明服务名时使用的限流服务名。
	DefaultActionService = "ads.actions"

	defaultCooldown    = time.Hour
	defaultConcurrency = 4
	defaultMaxWait     = 2 * time.Second
)

// Engine 执行一次规则检查周期。
type Engine struct {
	store    Store
	reader   MetricsReader
	executor ActionExecutor

	cache          *cache.Manager
	limiter        *ratelimit.Limiter
	maxWait        time.Duration
	retry          retry.Policy
	cooldown       time.Duration
	concurrency    int
	metricsService string
	alerts         alerting.Dispatcher
	now            func() time.Time
	logger         *slog.Logger
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithCache 让并发的相同指标读取（包括跨周期的）经过共享缓存合并为一次，结果不落入缓存存储。
func WithCache(m *cache.Manager) Option {
	return func(e *Engine) { e.cache = m }
}

// WithLimiter 让指标读取与动作执行经过共享限流器。
func WithLimiter(l *ratelimit.Limiter, maxWait time.Duration) Option {
	return func(e *Engine) {
		e.limiter = l
		if maxWait >= 0 {
			e.maxWait = maxWait
		}
	}
}

// WithRetryPolicy 设置外部调用的重试策略。
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithDefaultCooldown 设置规则未声明冷却时间时使用的默认值。
func WithDefaultCooldown(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cooldown = d
		}
	}
}

// WithConcurrency 限制同时评估的规则数。
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithMetricsService 设置指标读取的限流服务名。
func WithMetricsService(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.metricsService = name
		}
	}
}

// WithAlerts 配置动作失败时的告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Engine) { e.alerts = d }
}

// WithClock 注入时间源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建规则引擎。
func NewEngine(store Store, reader MetricsReader, executor ActionExecutor, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		reader:         reader,
		executor:       executor,
		maxWait:        defaultMaxWait,
		cooldown:       defaultCooldown,
		concurrency:    defaultConcurrency,
		metricsService: DefaultMetricsService,
		now:            time.Now,
		logger:         logger.Named("rules"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CheckRules 评估所有启用的规则，userID 非空时只评估该用户的规则。
// 单条规则的失败（包括 panic）只记录在它自己的结果中，不影响其他规则。
// 结果顺序与仓库返回的顺序一致。
func (e *Engine) CheckRules(ctx context.Context, userID string) (CheckSummary, error) {
	if e.store == nil || e.reader == nil || e.executor == nil {
		return CheckSummary{}, xerrors.New(xerrors.CodeInitializationFailure, "rule engine is missing store, metrics reader or action executor")
	}
	rules, err := e.store.ListActive(ctx, userID)
	if err != nil {
		return CheckSummary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list active rules")
	}

	// 每条规则在一个周期内最多评估一次。
	seen := make(map[string]bool, len(rules))
	unique := rules[:0:0]
	for _, r := range rules {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		unique = append(unique, r)
	}

	summary := CheckSummary{CycleID: uuid.NewString(), RulesChecked: len(unique)}
	results := make([]CheckResult, len(unique))
	reads := newCycleReads()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range unique {
		i := i
		g.Go(func() error {
			results[i] = e.checkOne(gctx, summary.CycleID, reads, unique[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.ActionTaken {
			summary.ActionsTaken++
		}
		metrics.ObserveRuleResult(string(r.Status))
	}
	summary.Results = results
	e.logger.Info("规则检查完成",
		slog.String("cycle_id", summary.CycleID),
		slog.String("user_id", userID),
		slog.Int("rules_checked", summary.RulesChecked),
		slog.Int("actions_taken", summary.ActionsTaken))
	return summary, nil
}

// checkOne 评估单条规则，并保证无论结果如何都会回写评估时间。
func (e *Engine) checkOne(ctx context.Context, cycleID string, reads *cycleReads, rule Rule) (result CheckResult) {
	result = CheckResult{RuleID: rule.ID, UserID: rule.OwnerUserID}
	log := e.logger.With(slog.String("cycle_id", cycleID), slog.String("rule_id", rule.ID))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("规则评估发生 panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			result.Status = StatusFailed
			result.ActionTaken = false
			result.ErrorKind = xerrors.CodeUnknown
			result.Error = fmt.Sprintf("panic: %v", rec)
		}
		if err := e.store.MarkEvaluated(context.WithoutCancel(ctx), rule.ID, e.now()); err != nil {
			log.Warn("回写评估时间失败", slog.Any("error", err))
		}
	}()

	value, err := e.readMetric(ctx, reads, rule.Condition)
	if err != nil {
		return failed(result, err)
	}
	result.MetricValue = &value

	met, err := rule.Condition.Evaluate(value)
	if err != nil {
		return failed(result, err)
	}
	result.ConditionMet = met
	if !met {
		result.Status = StatusNotMet
		return result
	}

	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = e.cooldown
	}
	if rule.LastTriggeredAt != nil && e.now().Sub(*rule.LastTriggeredAt) < cooldown {
		result.Status = StatusCooldown
		return result
	}

	details, err := e.executeAction(ctx, rule)
	result.Details = details
	if err != nil {
		e.alert(ctx, rule, err)
		return failed(result, err)
	}
	result.Status = StatusTriggered
	result.ActionTaken = true
	if err := e.store.MarkTriggered(context.WithoutCancel(ctx), rule.ID, e.now()); err != nil {
		log.Warn("回写触发时间失败", slog.Any("error", err))
	}
	return result
}

func failed(result CheckResult, err error) CheckResult {
	err = retry.Normalize(err)
	result.Status = StatusFailed
	result.ErrorKind = xerrors.CodeOf(err)
	result.Error = err.Error()
	return result
}

// readMetric 读取指标。同一周期内相同 (entity, metric, window) 只读取一次，
// 周期结束后结果随 reads 一起丢弃。
func (e *Engine) readMetric(ctx context.Context, reads *cycleReads, c Condition) (float64, error) {
	key := fmt.Sprintf("rules:%s:%s:%s", c.Entity, c.Metric, c.Window)
	return reads.do(ctx, key, func(ctx context.Context) (float64, error) {
		read := func(ctx context.Context) ([]byte, error) {
			var value float64
			_, err := e.retry.Do(ctx, func(ctx context.Context, _ int) error {
				if err := e.acquire(ctx, e.metricsService); err != nil {
					return err
				}
				v, err := e.reader.ReadMetric(ctx, c.Entity, c.Metric, c.Window)
				if err != nil {
					return err
				}
				value = v
				return nil
			})
			if err != nil {
				return nil, err
			}
			return []byte(strconv.FormatFloat(value, 'g', -1, 64)), nil
		}

		var (
			raw []byte
			err error
		)
		if e.cache != nil {
			raw, _, err = e.cache.GetOrCompute(ctx, key, 0, read)
		} else {
			raw, err = read(ctx)
		}
		if err != nil {
			return 0, err
		}
		value, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || math.IsNaN(value) {
			return 0, xerrors.New(xerrors.CodeMalformedOutput, "metric value is not a number",
				xerrors.WithMetadata("metric", c.Metric))
		}
		return value, nil
	})
}

// executeAction 在限流与重试保护下执行动作，并写入审计日志。
func (e *Engine) executeAction(ctx context.Context, rule Rule) (map[string]any, error) {
	service := rule.Action.Service
	if service == "" {
		service = DefaultActionService
	}
	var res ActionResult
	attempts, err := e.retry.Do(ctx, func(ctx context.Context, _ int) error {
		if err := e.acquire(ctx, service); err != nil {
			return err
		}
		out, err := e.executor.ExecuteAction(ctx, rule.ID, rule.Action)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	switch {
	case err == nil && !res.Success:
		err = xerrors.New(xerrors.CodeActionFailed, "action reported failure",
			xerrors.WithMetadata("kind", rule.Action.Kind))
	case err != nil:
		if _, coded := xerrors.From(err); !coded {
			err = xerrors.Wrap(xerrors.CodeActionFailed, err, "execute action",
				xerrors.WithMetadata("kind", rule.Action.Kind))
		}
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.ObserveRuleAction(rule.Action.Kind, outcome)
	audit := []any{
		"rule_id", rule.ID,
		"user_id", rule.OwnerUserID,
		"kind", rule.Action.Kind,
		"service", service,
		"attempts", attempts,
		"outcome", outcome,
	}
	if err != nil {
		audit = append(audit, "error", err.Error())
	}
	logger.Audit().Info("rule.action", audit...)
	return res.Details, err
}

func (e *Engine) acquire(ctx context.Context, service string) error {
	if e.limiter == nil {
		return nil
	}
	wait := e.maxWait
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}
	if _, err := e.limiter.Acquire(ctx, service, wait); err != nil {
		// 限流拒绝不在周期内自旋，留给下一个周期。
		return retry.Stop(err)
	}
	return nil
}

func (e *Engine) alert(ctx context.Context, rule Rule, err error) {
	if e.alerts == nil {
		return
	}
	event := alerting.FromError(alerting.SourceRule, rule.ID, rule.OwnerUserID, err)
	if !xerrors.HasCode(err, xerrors.CodeActionFailed) {
		// 动作失败总是需要通知规则所有者，统一使用 ACTION_FAILED 编码。
		event.Code = xerrors.CodeActionFailed
		if event.Metadata == nil {
			event.Metadata = map[string]string{}
		}
		event.Metadata["cause"] = string(xerrors.CodeOf(err))
	}
	if notifyErr := e.alerts.Notify(context.WithoutCancel(ctx), event); notifyErr != nil {
		e.logger.Warn("告警发送失败", slog.String("rule_id", rule.ID), slog.Any("error", notifyErr))
	}
}

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentFlow/internal/credit"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/observability/alerting"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/storage"
	"AgentFlow/pkg/logger"
)

// TurnRequest 描述一次用户轮次。
type TurnRequest struct {
	TurnID         string `json:"turn_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
}

// TurnOutcome 汇总一次轮次的结论。Decision 只会是 respond 或 fail。
type TurnOutcome struct {
	TurnID         string          `json:"turn_id"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Message        string          `json:"message"`
	Intent         Intent          `json:"intent"`
	Decision       Decision        `json:"decision"`
	Reply          string          `json:"reply,omitempty"`
	Results        []ToolResult    `json:"results"`
	Iterations     int             `json:"iterations"`
	CreditsCharged decimal.Decimal `json:"credits_charged"`
	ElapsedMS      int64           `json:"elapsed_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Formatter 将结构化结果转换为面向用户的回复，由外部提供。
type Formatter interface {
	Format(ctx context.Context, outcome *TurnOutcome) (string, error)
}

// FormatterFunc 将函数适配为 Formatter。
type FormatterFunc func(ctx context.Context, outcome *TurnOutcome) (string, error)

// Format 调用函数本身。
func (f FormatterFunc) Format(ctx context.Context, outcome *TurnOutcome) (string, error) {
	return f(ctx, outcome)
}

// Agent 串联路由、规划、执行与分析，是系统的业务核心。
type Agent struct {
	router   *Router
	planner  *Planner
	executor *Executor
	analyzer *Analyzer
	credits  credit.Gate

	turns         storage.TurnRepository
	formatter     Formatter
	alerts        alerting.Dispatcher
	maxIterations int
	turnTimeout   time.Duration
	memoryDepth   int
	now           func() time.Time
	logger        *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	defaultMemoryDepth = 5
	defaultTurnTimeout = 2 * time.Minute
)

// WithMaxIterations 设置编排循环的迭代上限。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithTurnTimeout 设置整轮的外层截止时间。
func WithTurnTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.turnTimeout = d
		}
	}
}

// WithMemoryDepth 设置加载的历史轮次数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		if depth > 0 {
			a.memoryDepth = depth
		}
	}
}

// WithTurnStore 配置轮次持久化。
func WithTurnStore(repo storage.TurnRepository) Option {
	return func(a *Agent) {
		a.turns = repo
	}
}

// WithFormatter 配置回复格式化器。
func WithFormatter(f Formatter) Option {
	return func(a *Agent) {
		a.formatter = f
	}
}

// WithAlerts 配置失败告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerts = d
	}
}

// WithClock 注入时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。
func New(router *Router, planner *Planner, executor *Executor, credits credit.Gate, opts ...Option) *Agent {
	ag := &Agent{
		router:        router,
		planner:       planner,
		executor:      executor,
		credits:       credits,
		maxIterations: DefaultMaxIterations,
		turnTimeout:   defaultTurnTimeout,
		memoryDepth:   defaultMemoryDepth,
		now:           time.Now,
		logger:        logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	ag.analyzer = NewAnalyzer(ag.maxIterations, planner)
	return ag
}

// HandleTurn 处理一次用户轮次，直到得到 respond 或 fail。
// 只有输入非法或组件缺失时返回 error；业务失败体现在 Decision 中。
func (a *Agent) HandleTurn(ctx context.Context, req TurnRequest) (*TurnOutcome, error) {
	// 验证必要的组件是否已配置。
	if a.router == nil || a.planner == nil || a.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent is missing router, planner or executor")
	}
	// 验证请求的合法性。
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_id is required")
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	if req.ConversationID == "" {
		req.ConversationID = req.TurnID
	}

	start := a.now()
	turnCtx, cancel := context.WithTimeout(ctx, a.turnTimeout)
	defer cancel()

	log := a.logger.With(slog.String("turn_id", req.TurnID), slog.String("conversation_id", req.ConversationID), slog.String("user_id", req.UserID))
	ec := NewExecutionContext(req.TurnID, req.ConversationID, req.UserID, req.Message)
	ec.History = a.loadHistory(turnCtx, req.ConversationID)

	decision := a.run(ctx, turnCtx, ec)

	// 释放所有尚未结算的预留。
	a.releaseOutstanding(context.WithoutCancel(ctx), ec)

	outcome := &TurnOutcome{
		TurnID:         req.TurnID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Message:        req.Message,
		Intent:         ec.Intent,
		Decision:       decision,
		Results:        ec.Results(),
		Iterations:     ec.Iteration,
		CreditsCharged: ec.CreditsCharged(),
		CreatedAt:      start.UTC(),
	}
	if decision.Payload != nil {
		outcome.Reply = decision.Payload.Summary
	}
	if decision.Kind == DecisionRespond && a.formatter != nil {
		reply, err := a.formatter.Format(context.WithoutCancel(ctx), outcome)
		if err != nil {
			log.Warn("回复格式化失败，保留结构化结果", slog.Any("error", err))
		} else {
			outcome.Reply = reply
		}
	}
	outcome.ElapsedMS = a.now().Sub(start).Milliseconds()

	a.persist(context.WithoutCancel(ctx), outcome, log)
	metrics.ObserveTurn(string(decision.Kind), string(decision.ErrorKind), outcome.Iterations)

	if decision.Kind == DecisionFail {
		log.Warn("轮次失败", slog.String("error_kind", string(decision.ErrorKind)), slog.String("reason", decision.Reason), slog.Int("iterations", outcome.Iterations))
		a.alert(context.WithoutCancel(ctx), outcome)
	} else {
		log.Info("轮次完成", slog.String("intent", string(ec.Intent.Category)), slog.Int("iterations", outcome.Iterations), slog.String("credits", outcome.CreditsCharged.String()))
	}
	return outcome, nil
}

// run 是显式的状态机循环：分类一次，然后 规划 → 执行 → 分析，直到终态。
func (a *Agent) run(parent, ctx context.Context, ec *ExecutionContext) Decision {
	intent, err := a.router.Classify(ctx, ec.Message, ec.History)
	if d, stop := interrupted(parent, ctx); stop {
		return d
	}
	if err != nil {
		return Fail(xerrors.CodeOf(err), err.Error())
	}
	ec.Intent = intent

	for {
		ec.Iteration++
		plan := a.planner.Plan(ctx, intent, ec)
		for _, r := range plan.Rejected {
			ec.AddResult(r)
		}
		if len(plan.Calls) > 0 {
			a.executor.Execute(ctx, plan, ec)
		}
		if d, stop := interrupted(parent, ctx); stop {
			return d
		}
		decision := a.analyzer.Analyze(ec, plan)
		if decision.Kind != DecisionContinue {
			return decision
		}
		a.logger.Debug("继续迭代", slog.String("turn_id", ec.TurnID), slog.Int("iteration", ec.Iteration), slog.String("reason", decision.Reason))
	}
}

// interrupted 将调用方取消映射为 CANCELED，将整轮超时映射为 TIMEOUT。
func interrupted(parent, turn context.Context) (Decision, bool) {
	if err := parent.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return Fail(xerrors.CodeTimeout, "caller deadline exceeded"), true
		}
		return Fail(xerrors.CodeCanceled, "turn canceled by caller"), true
	}
	if turn.Err() != nil {
		return Fail(xerrors.CodeTimeout, "turn deadline exceeded"), true
	}
	return Decision{}, false
}

func (a *Agent) releaseOutstanding(ctx context.Context, ec *ExecutionContext) {
	if a.credits == nil {
		return
	}
	for _, r := range ec.Outstanding() {
		if _, err := a.credits.Release(ctx, r); err != nil {
			a.logger.Error("释放积分预留失败", slog.String("reservation_id", r.ID), slog.Any("error", err))
			continue
		}
		ec.untrack(r)
	}
}

func (a *Agent) loadHistory(ctx context.Context, conversationID string) []llm.Message {
	if a.turns == nil {
		return nil
	}
	records, err := a.turns.ListRecent(ctx, conversationID, a.memoryDepth)
	if err != nil {
		a.logger.Warn("加载会话历史失败", slog.String("conversation_id", conversationID), slog.Any("error", err))
		return nil
	}
	history := make([]llm.Message, 0, len(records)*2)
	// 仓库按时间倒序返回，这里还原为正序。
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		history = append(history, llm.Message{Role: llm.RoleUser, Content: rec.Message})
		if rec.Reply != "" {
			history = append(history, llm.Message{Role: llm.RoleAssistant, Content: rec.Reply})
		}
	}
	return history
}

func (a *Agent) persist(ctx context.Context, outcome *TurnOutcome, log *slog.Logger) {
	if a.turns == nil {
		return
	}
	results, err := json.Marshal(outcome.Results)
	if err != nil {
		log.Error("序列化轮次结果失败", slog.Any("error", err))
		results = nil
	}
	record := storage.TurnRecord{
		ID:             outcome.TurnID,
		ConversationID: outcome.ConversationID,
		UserID:         outcome.UserID,
		Message:        outcome.Message,
		Intent:         string(outcome.Intent.Category),
		Decision:       string(outcome.Decision.Kind),
		ErrorKind:      string(outcome.Decision.ErrorKind),
		Reply:          outcome.Reply,
		Iterations:     outcome.Iterations,
		CreditsCharged: outcome.CreditsCharged,
		Results:        results,
		CreatedAt:      outcome.CreatedAt,
	}
	if err := a.turns.SaveTurn(ctx, record); err != nil {
		log.Error("保存轮次失败", slog.Any("error", err))
	}
}

func (a *Agent) alert(ctx context.Context, outcome *TurnOutcome) {
	if a.alerts == nil || !xerrors.AttributesOf(outcome.Decision.ErrorKind).Alert {
		return
	}
	err := xerrors.New(outcome.Decision.ErrorKind, outcome.Decision.Reason)
	if notifyErr := a.alerts.Notify(ctx, alerting.FromError(alerting.SourceTurn, outcome.TurnID, outcome.UserID, err)); notifyErr != nil {
		a.logger.Warn("告警发送失败", slog.Any("error", notifyErr))
	}
}

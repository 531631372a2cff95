package agent

import (
	"encoding/json"
	"sync"

	"github.com/shopspring/decimal"

	"AgentFlow/internal/credit"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm"
)

// Category 是意图分类。
type Category string

const (
	CategoryContentText    Category = "content_text"
	CategoryContentImage   Category = "content_image"
	CategoryContentVideo   Category = "content_video"
	CategoryCampaignReport Category = "campaign_report"
	CategoryWebResearch    Category = "web_research"
	CategoryWalletBalance  Category = "wallet_balance"
	CategoryUnclassified   Category = "unclassified"
)

// Intent 是路由器对用户消息的分类结果。Followups 为同一消息中的其他待处理分类。
type Intent struct {
	Category   Category       `json:"category"`
	Confidence float64        `json:"confidence"`
	Slots      map[string]any `json:"slots,omitempty"`
	Followups  []Category     `json:"followups,omitempty"`
}

// ToolCall 是计划中的一个步骤。参数中的 {{step.path}} 引用其他步骤的结果。
type ToolCall struct {
	StepID             string          `json:"step_id"`
	ToolName           string          `json:"tool_name"`
	Parameters         map[string]any  `json:"parameters"`
	DeclaredCreditCost decimal.Decimal `json:"declared_credit_cost"`
	DependsOn          []string        `json:"depends_on,omitempty"`
	Category           Category        `json:"category,omitempty"`

	template string
}

// Dependencies 返回显式依赖与参数引用的并集。
func (c ToolCall) Dependencies() []string {
	seen := make(map[string]bool, len(c.DependsOn))
	out := make([]string, 0, len(c.DependsOn))
	for _, dep := range append(append([]string(nil), c.DependsOn...), references(c.Parameters)...) {
		if dep == "" || dep == c.StepID || seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	return out
}

// Plan 是一次迭代要执行的步骤集合。
type Plan struct {
	Category Category     `json:"category,omitempty"`
	Calls    []ToolCall   `json:"calls"`
	Rejected []ToolResult `json:"rejected,omitempty"`
	Pending  []Category   `json:"pending,omitempty"`
}

// Empty 判断计划是否没有任何可执行或被拒绝的步骤。
func (p Plan) Empty() bool {
	return len(p.Calls) == 0 && len(p.Rejected) == 0
}

// ResultStatus 是步骤结果状态。
type ResultStatus string

const (
	StatusOK    ResultStatus = "ok"
	StatusError ResultStatus = "error"
)

// ToolResult 记录一个步骤的执行结果。
type ToolResult struct {
	StepID         string          `json:"step_id"`
	ToolName       string          `json:"tool_name"`
	Category       Category        `json:"category,omitempty"`
	Iteration      int             `json:"iteration"`
	Status         ResultStatus    `json:"status"`
	Data           json.RawMessage `json:"data,omitempty"`
	ErrorKind      xerrors.Code    `json:"error_kind,omitempty"`
	Error          string          `json:"error,omitempty"`
	ElapsedMS      int64           `json:"elapsed_ms"`
	CreditsCharged decimal.Decimal `json:"credits_charged"`
	Attempts       int             `json:"attempts"`
	Cached         bool            `json:"cached,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

// Succeeded 判断步骤是否成功（降级结果也视为成功）。
func (r ToolResult) Succeeded() bool {
	return r.Status == StatusOK
}

// Transient 判断失败是否可在下一次迭代中重试。
func (r ToolResult) Transient() bool {
	return r.Status == StatusError && xerrors.AttributesOf(r.ErrorKind).Retryable
}

func failedResult(call ToolCall, iteration int, err error) ToolResult {
	return ToolResult{
		StepID:         call.StepID,
		ToolName:       call.ToolName,
		Category:       call.Category,
		Iteration:      iteration,
		Status:         StatusError,
		ErrorKind:      xerrors.CodeOf(err),
		Error:          err.Error(),
		CreditsCharged: decimal.Zero,
	}
}

// ExecutionContext 是一次轮次的运行状态，仅由一次编排过程持有。
// 同一波次内的并发步骤通过内部锁追加结果。
type ExecutionContext struct {
	TurnID         string
	ConversationID string
	UserID         string
	Message        string
	History        []llm.Message
	Intent         Intent
	Iteration      int
	Pending        []Category

	mu           sync.Mutex
	results      []ToolResult
	calls        map[string]ToolCall
	fallbackUsed map[string]bool
	outstanding  map[string]credit.Reservation
	charged      decimal.Decimal
}

// NewExecutionContext 创建一个空的运行状态。
func NewExecutionContext(turnID, conversationID, userID, message string) *ExecutionContext {
	return &ExecutionContext{
		TurnID:         turnID,
		ConversationID: conversationID,
		UserID:         userID,
		Message:        message,
		calls:          make(map[string]ToolCall),
		fallbackUsed:   make(map[string]bool),
		outstanding:    make(map[string]credit.Reservation),
		charged:        decimal.Zero,
	}
}

// AddResult 按完成顺序追加结果。
func (ec *ExecutionContext) AddResult(r ToolResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results = append(ec.results, r)
	ec.charged = ec.charged.Add(r.CreditsCharged)
}

// Results 返回全部结果的副本。
func (ec *ExecutionContext) Results() []ToolResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]ToolResult, len(ec.results))
	copy(out, ec.results)
	return out
}

// IterationResults 返回指定迭代的结果。
func (ec *ExecutionContext) IterationResults(iteration int) []ToolResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	var out []ToolResult
	for _, r := range ec.results {
		if r.Iteration == iteration {
			out = append(out, r)
		}
	}
	return out
}

// LastSuccess 返回某步骤最近一次成功的结果。
func (ec *ExecutionContext) LastSuccess(stepID string) (ToolResult, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i := len(ec.results) - 1; i >= 0; i-- {
		if ec.results[i].StepID == stepID && ec.results[i].Succeeded() {
			return ec.results[i], true
		}
	}
	return ToolResult{}, false
}

// Successes 返回每个步骤最近一次成功的结果，按完成顺序排列。
func (ec *ExecutionContext) Successes() []ToolResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	latest := make(map[string]int)
	for i, r := range ec.results {
		if r.Succeeded() {
			latest[r.StepID] = i
		}
	}
	var out []ToolResult
	for i, r := range ec.results {
		if r.Succeeded() && latest[r.StepID] == i {
			out = append(out, r)
		}
	}
	return out
}

// CreditsCharged 返回本轮已扣除的积分。
func (ec *ExecutionContext) CreditsCharged() decimal.Decimal {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.charged
}

func (ec *ExecutionContext) rememberCall(call ToolCall) {
	ec.mu.Lock()
	ec.calls[call.StepID] = call
	ec.mu.Unlock()
}

func (ec *ExecutionContext) planned() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.calls) > 0
}

func (ec *ExecutionContext) call(stepID string) (ToolCall, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	c, ok := ec.calls[stepID]
	return c, ok
}

func (ec *ExecutionContext) markFallback(stepID string) {
	ec.mu.Lock()
	ec.fallbackUsed[stepID] = true
	ec.mu.Unlock()
}

func (ec *ExecutionContext) fallbackTried(stepID string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.fallbackUsed[stepID]
}

func (ec *ExecutionContext) track(r credit.Reservation) {
	if r.Empty() {
		return
	}
	ec.mu.Lock()
	ec.outstanding[r.ID] = r
	ec.mu.Unlock()
}

func (ec *ExecutionContext) untrack(r credit.Reservation) {
	ec.mu.Lock()
	delete(ec.outstanding, r.ID)
	ec.mu.Unlock()
}

// Outstanding 返回尚未结算的预留。
func (ec *ExecutionContext) Outstanding() []credit.Reservation {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]credit.Reservation, 0, len(ec.outstanding))
	for _, r := range ec.outstanding {
		out = append(out, r)
	}
	return out
}

// DecisionKind 是分析器的决策类型。
type DecisionKind string

const (
	DecisionRespond  DecisionKind = "respond"
	DecisionContinue DecisionKind = "continue"
	DecisionFail     DecisionKind = "fail"
)

// ResponsePayload 是交给外部格式化器的结构化响应数据。
type ResponsePayload struct {
	Intent  Category     `json:"intent"`
	Summary string       `json:"summary,omitempty"`
	Results []ToolResult `json:"results"`
	Caveats []string     `json:"caveats,omitempty"`
}

// Decision 是分析器的结论。
type Decision struct {
	Kind      DecisionKind     `json:"kind"`
	Payload   *ResponsePayload `json:"payload,omitempty"`
	ErrorKind xerrors.Code     `json:"error_kind,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Respond 构建成功决策。
func Respond(payload *ResponsePayload) Decision {
	return Decision{Kind: DecisionRespond, Payload: payload}
}

// Continue 构建继续迭代的决策。
func Continue(reason string) Decision {
	return Decision{Kind: DecisionContinue, Reason: reason}
}

// Fail 构建失败决策。
func Fail(kind xerrors.Code, reason string) Decision {
	return Decision{Kind: DecisionFail, ErrorKind: kind, Reason: reason}
}

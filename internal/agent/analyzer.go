package agent

import (
	"encoding/json"
	"fmt"

	xerrors "AgentFlow/internal/errors"
)

// DefaultMaxIterations 是编排循环的默认迭代上限。
const DefaultMaxIterations = 5

// Alternatives 判断失败步骤是否还有替代方案，由 Planner 实现。
type Alternatives interface {
	HasAlternative(ec *ExecutionContext, r ToolResult) bool
}

// Analyzer 根据累计结果决定响应、继续或失败。
type Analyzer struct {
	maxIterations int
	alternatives  Alternatives
}

// NewAnalyzer 创建 Analyzer。maxIterations 小于等于 0 时使用默认值。
func NewAnalyzer(maxIterations int, alternatives Alternatives) *Analyzer {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Analyzer{maxIterations: maxIterations, alternatives: alternatives}
}

// MaxIterations 返回迭代上限。
func (a *Analyzer) MaxIterations() int { return a.maxIterations }

// Analyze 检查当前迭代的结果。ec.Iteration 从 1 开始计数。
func (a *Analyzer) Analyze(ec *ExecutionContext, plan Plan) Decision {
	if ec.Iteration > a.maxIterations {
		return Fail(xerrors.CodeMaxIterationsExceeded, fmt.Sprintf("iteration %d exceeds the limit of %d", ec.Iteration, a.maxIterations))
	}
	if plan.Empty() {
		// 重新规划无事可做时，以上一轮遗留的失败作为结论。
		for _, r := range ec.IterationResults(ec.Iteration - 1) {
			if !r.Succeeded() {
				return Fail(r.ErrorKind, fmt.Sprintf("step %s (%s) cannot be recovered: %s", r.StepID, r.ToolName, r.Error))
			}
		}
		return Fail(xerrors.CodePlanEmpty, "no executable tool call could be planned")
	}

	results := ec.IterationResults(ec.Iteration)
	allSucceeded := len(results) > 0
	for _, r := range results {
		if !r.Succeeded() {
			allSucceeded = false
			break
		}
	}
	if allSucceeded && len(ec.Pending) == 0 {
		return Respond(a.payload(ec))
	}

	for _, r := range results {
		if r.Succeeded() || r.Transient() || r.ErrorKind == xerrors.CodeDependencyFailed {
			continue
		}
		if a.alternatives == nil || !a.alternatives.HasAlternative(ec, r) {
			return Fail(r.ErrorKind, fmt.Sprintf("step %s (%s) failed: %s", r.StepID, r.ToolName, r.Error))
		}
	}

	if ec.Iteration >= a.maxIterations {
		return Fail(xerrors.CodeMaxIterationsExceeded, fmt.Sprintf("no response after %d iterations", ec.Iteration))
	}
	return Continue(continueReason(results, ec.Pending))
}

func continueReason(results []ToolResult, pending []Category) string {
	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Sprintf("%d step(s) need another attempt", failed)
	}
	return fmt.Sprintf("%d intent(s) pending", len(pending))
}

func (a *Analyzer) payload(ec *ExecutionContext) *ResponsePayload {
	successes := ec.Successes()
	p := &ResponsePayload{Intent: ec.Intent.Category, Results: successes}

	succeeded := make(map[string]bool, len(successes))
	for _, r := range successes {
		succeeded[r.StepID] = true
		if r.Degraded {
			note := r.Notes
			if note == "" {
				note = "partial data"
			}
			p.Caveats = append(p.Caveats, fmt.Sprintf("%s returned a partial result: %s", r.ToolName, note))
		}
	}
	reported := make(map[string]bool)
	for _, r := range ec.Results() {
		if r.Succeeded() || succeeded[r.StepID] || reported[r.StepID] {
			continue
		}
		reported[r.StepID] = true
		p.Caveats = append(p.Caveats, fmt.Sprintf("%s was replaced after failing with %s", r.ToolName, r.ErrorKind))
	}

	for i := len(successes) - 1; i >= 0; i-- {
		if text := textField(successes[i].Data); text != "" {
			p.Summary = text
			break
		}
	}
	return p
}

func textField(data json.RawMessage) string {
	var body struct {
		Text string `json:"text"`
	}
	if len(data) == 0 || json.Unmarshal(data, &body) != nil {
		return ""
	}
	return body.Text
}

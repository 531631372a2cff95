// Package rules 实现自动化规则引擎：周期性读取投放指标，评估条件，
// 满足条件且不在冷却期内时执行动作（暂停广告、调整预算等）。
package rules

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	xerrors "AgentFlow/internal/errors"
)

// Operator 是条件比较符。
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
)

// 浮点相等比较的容差。
const epsilon = 1e-9

// Condition 描述 metric(entity, window) <op> threshold。
type Condition struct {
	Entity    string        `json:"entity" yaml:"entity"`
	Metric    string        `json:"metric" yaml:"metric"`
	Operator  Operator      `json:"operator" yaml:"operator"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
	Window    time.Duration `json:"window" yaml:"window"`
}

// Evaluate 用当前指标值判断条件是否成立。
func (c Condition) Evaluate(value float64) (bool, error) {
	switch c.Operator {
	case OpGreater:
		return value > c.Threshold, nil
	case OpGreaterEqual:
		return value >= c.Threshold, nil
	case OpLess:
		return value < c.Threshold, nil
	case OpLessEqual:
		return value <= c.Threshold, nil
	case OpEqual:
		return math.Abs(value-c.Threshold) < epsilon, nil
	case OpNotEqual:
		return math.Abs(value-c.Threshold) >= epsilon, nil
	default:
		return false, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown operator %q", c.Operator))
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s(%s, %s) %s %g", c.Metric, c.Entity, c.Window, c.Operator, c.Threshold)
}

// Action 描述条件成立后要执行的外部动作。
type Action struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Service string         `json:"service,omitempty" yaml:"service"`
	Params  map[string]any `json:"params,omitempty" yaml:"params"`
}

// ActionResult 是外部动作接口的返回。
type ActionResult struct {
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
}

// Rule 是一条自动化规则，由外部管理端创建，引擎只更新评估与触发时间。
type Rule struct {
	ID              string        `json:"id" yaml:"id"`
	OwnerUserID     string        `json:"owner_user_id" yaml:"owner_user_id"`
	Name            string        `json:"name,omitempty" yaml:"name"`
	Active          bool          `json:"active" yaml:"active"`
	Condition       Condition     `json:"condition" yaml:"condition"`
	Action          Action        `json:"action" yaml:"action"`
	Cooldown        time.Duration `json:"cooldown,omitempty" yaml:"cooldown"`
	LastEvaluatedAt *time.Time    `json:"last_evaluated_at,omitempty" yaml:"-"`
	LastTriggeredAt *time.Time    `json:"last_triggered_at,omitempty" yaml:"-"`
}

// Validate 检查规则是否可以被评估。
func (r Rule) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.OwnerUserID) == "" {
		missing = append(missing, "owner_user_id")
	}
	if strings.TrimSpace(r.Condition.Metric) == "" {
		missing = append(missing, "condition.metric")
	}
	if strings.TrimSpace(r.Action.Kind) == "" {
		missing = append(missing, "action.kind")
	}
	if len(missing) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "rule is incomplete",
			xerrors.WithMetadata("missing", strings.Join(missing, ",")))
	}
	if _, err := r.Condition.Evaluate(0); err != nil {
		return err
	}
	return nil
}

// Store 提供规则的读取与状态回写。
type Store interface {
	// ListActive 返回启用的规则；userID 为空时返回全部用户的规则。
	ListActive(ctx context.Context, userID string) ([]Rule, error)
	MarkEvaluated(ctx context.Context, ruleID string, at time.Time) error
	MarkTriggered(ctx context.Context, ruleID string, at time.Time) error
}

// MetricsReader 读取投放指标。
type MetricsReader interface {
	ReadMetric(ctx context.Context, entity, metric string, window time.Duration) (float64, error)
}

// ActionExecutor 执行自动化动作。
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, ruleID string, action Action) (ActionResult, error)
}

// ResultStatus 是单条规则在本轮检查中的结论。
type ResultStatus string

const (
	StatusNotMet    ResultStatus = "not_met"
	StatusCooldown  ResultStatus = "cooldown"
	StatusTriggered ResultStatus = "triggered"
	StatusFailed    ResultStatus = "failed"
)

// CheckResult 记录一条规则的评估结果。
type CheckResult struct {
	RuleID       string         `json:"rule_id"`
	UserID       string         `json:"user_id"`
	Status       ResultStatus   `json:"status"`
	MetricValue  *float64       `json:"metric_value,omitempty"`
	ConditionMet bool           `json:"condition_met"`
	ActionTaken  bool           `json:"action_taken"`
	ErrorKind    xerrors.Code   `json:"error_kind,omitempty"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// CheckSummary 汇总一次检查周期。
type CheckSummary struct {
	CycleID      string        `json:"cycle_id"`
	RulesChecked int           `json:"rules_checked"`
	ActionsTaken int           `json:"actions_taken"`
	Results      []CheckResult `json:"results"`
}

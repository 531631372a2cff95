// Package tool defines the capability contract of invocable tools and the
// registry that resolves them by name.
package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Category groups tools by what they produce.
type Category string

const (
	CategoryGeneration Category = "generation"
	CategoryScraping   Category = "scraping"
	CategoryReporting  Category = "reporting"
	CategoryChain      Category = "chain"
	CategoryUtility    Category = "utility"
)

// RiskLevel grades the side effects of a tool.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
)

var riskNames = map[RiskLevel]string{RiskLow: "low", RiskMedium: "medium", RiskHigh: "high"}

func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseRiskLevel converts "low", "medium" or "high".
func ParseRiskLevel(s string) (RiskLevel, bool) {
	for level, name := range riskNames {
		if name == s {
			return level, true
		}
	}
	return 0, false
}

// MarshalText renders the level by name.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Definition describes a tool to the planner, the executor and API clients.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	Service     string          `json:"service"`
	Parameters  map[string]any  `json:"parameter_schema"`
	CreditCost  decimal.Decimal `json:"static_credit_cost"`
	CacheTTL    time.Duration   `json:"cache_ttl"`
	Timeout     time.Duration   `json:"timeout"`
}

// RunContext carries caller identity into a tool invocation.
type RunContext struct {
	UserID         string
	ConversationID string
	TurnID         string
	StepID         string
	Attempt        int
}

// Output is what a tool returns. Degraded marks a usable but partial result;
// Notes explains what is missing.
type Output struct {
	Data     json.RawMessage `json:"data"`
	Degraded bool            `json:"degraded,omitempty"`
	Notes    string          `json:"notes,omitempty"`
}

// Tool is the uniform capability contract every tool variant implements.
type Tool interface {
	Describe() Definition
	Invoke(ctx context.Context, params map[string]any, rc RunContext) (Output, error)
}

// Func adapts a function and a definition into a Tool.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, params map[string]any, rc RunContext) (Output, error)
}

// Describe returns the definition.
func (f Func) Describe() Definition { return f.Def }

// Invoke calls Fn.
func (f Func) Invoke(ctx context.Context, params map[string]any, rc RunContext) (Output, error) {
	return f.Fn(ctx, params, rc)
}

// JSON encodes v as the Data of an Output.
func JSON(v any) (Output, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Output{}, err
	}
	return Output{Data: raw}, nil
}

// Package chain 提供 wallet.balance 工具：查询 EVM 地址的原生代币余额。
package chain

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentFlow/internal/tool"
	"AgentFlow/internal/web3"
)

// Name 是工具名。
const Name = "wallet.balance"

// Tool 实现 wallet.balance。
type Tool struct {
	reader web3.Reader
	def    tool.Definition
}

// New 创建余额查询工具，可选链名会写入参数 schema 的枚举。
func New(reader web3.Reader) *Tool {
	chainSchema := map[string]any{"type": "string"}
	if reader != nil {
		if names := reader.Chains(); len(names) > 0 {
			enum := make([]any, 0, len(names))
			for _, n := range names {
				enum = append(enum, n)
			}
			chainSchema["enum"] = enum
		}
	}
	return &Tool{reader: reader, def: tool.Definition{
		Name:        Name,
		Description: "Read the native token balance of a wallet address on an EVM chain.",
		Category:    tool.CategoryChain,
		RiskLevel:   tool.RiskLow,
		Service:     "chain",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address": map[string]any{"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"chain":   chainSchema,
			},
			"required":             []any{"address"},
			"additionalProperties": false,
		},
		CreditCost: decimal.NewFromInt(1),
		CacheTTL:   30 * time.Second,
		Timeout:    15 * time.Second,
	}}
}

// Describe 实现 tool.Tool。
func (t *Tool) Describe() tool.Definition { return t.def }

// Invoke 实现 tool.Tool。
func (t *Tool) Invoke(ctx context.Context, params map[string]any, _ tool.RunContext) (tool.Output, error) {
	address, _ := params["address"].(string)
	chainName, _ := params["chain"].(string)
	balance, err := t.reader.BalanceAt(ctx, strings.TrimSpace(chainName), address)
	if err != nil {
		return tool.Output{}, err
	}
	return tool.JSON(balance)
}

var _ tool.Tool = (*Tool)(nil)

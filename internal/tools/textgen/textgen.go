// Package textgen 提供 text.generate 工具：调用生成能力产出营销文案，
// 也用于未分类意图的闲聊回复与网页摘要。
package textgen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/tool"
)

// Name 是工具名。
const Name = "text.generate"

const systemPrompt = "You write marketing copy and answer questions for advertisers. Reply in the user's language."

// Tool 调用 llm.Client 生成文本。
type Tool struct {
	client llm.Client
	def    tool.Definition
}

// New 创建 text.generate 工具。
func New(client llm.Client) *Tool {
	return &Tool{
		client: client,
		def: tool.Definition{
			Name:        Name,
			Description: "Generate marketing text, summaries or a conversational reply from a prompt.",
			Category:    tool.CategoryGeneration,
			RiskLevel:   tool.RiskLow,
			Service:     "llm",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":     map[string]any{"type": "string", "minLength": 1, "description": "What to write or answer."},
					"style":      map[string]any{"type": "string", "description": "Tone or style, e.g. playful, formal."},
					"context":    map[string]any{"type": "string", "description": "Extra material the answer should use."},
					"max_tokens": map[string]any{"type": "integer", "minimum": 16, "maximum": 4096},
				},
				"required":             []any{"prompt"},
				"additionalProperties": false,
			},
			CreditCost: decimal.NewFromInt(1),
			CacheTTL:   10 * time.Minute,
			Timeout:    45 * time.Second,
		},
	}
}

// Describe 实现 tool.Tool。
func (t *Tool) Describe() tool.Definition { return t.def }

// Invoke 实现 tool.Tool。
func (t *Tool) Invoke(ctx context.Context, params map[string]any, _ tool.RunContext) (tool.Output, error) {
	prompt, _ := params["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return tool.Output{}, xerrors.New(xerrors.CodeInvalidParameters, "prompt 不能为空")
	}

	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(prompt))
	if style, _ := params["style"].(string); strings.TrimSpace(style) != "" {
		fmt.Fprintf(&builder, "\n\nStyle: %s", strings.TrimSpace(style))
	}
	if extra, _ := params["context"].(string); strings.TrimSpace(extra) != "" {
		fmt.Fprintf(&builder, "\n\nContext:\n%s", strings.TrimSpace(extra))
	}

	req := llm.Request{System: systemPrompt, Prompt: builder.String()}
	if n, ok := params["max_tokens"].(float64); ok && n > 0 {
		req.MaxTokens = int(n)
	} else if n, ok := params["max_tokens"].(int); ok && n > 0 {
		req.MaxTokens = n
	}

	resp, err := t.client.Generate(ctx, req)
	if err != nil {
		return tool.Output{}, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return tool.Output{}, xerrors.New(xerrors.CodeMalformedOutput, "生成结果为空")
	}
	return tool.JSON(map[string]any{"text": text})
}

var _ tool.Tool = (*Tool)(nil)

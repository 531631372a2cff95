package llm

import (
	"context"
	"encoding/json"
)

// Role 标识对话消息的角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是一条历史对话。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// KnowledgeCard 表示提供给大模型的知识切片。
type KnowledgeCard struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Request 描述一次生成调用。Schema 非空时要求模型输出满足该 JSON Schema 的对象。
type Request struct {
	System      string          `json:"system,omitempty"`
	Prompt      string          `json:"prompt"`
	History     []Message       `json:"history,omitempty"`
	Knowledge   []KnowledgeCard `json:"knowledge,omitempty"`
	Schema      map[string]any  `json:"schema,omitempty"`
	SchemaName  string          `json:"schema_name,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

// Response 是生成结果。Structured 仅在请求携带 Schema 时填充。
type Response struct {
	Text       string          `json:"text"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// Client 定义了调用生成能力的统一接口。
// 实现需将失败映射为统一错误码：限流 RATE_LIMITED、超时 TIMEOUT、上游故障 UPSTREAM_ERROR、配额耗尽 QUOTA_EXCEEDED。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 将函数适配为 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 调用函数本身。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/knowledge"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/retry"
	"AgentFlow/pkg/logger"
)

var knownCategories = []Category{
	CategoryContentText,
	CategoryContentImage,
	CategoryContentVideo,
	CategoryCampaignReport,
	CategoryWebResearch,
	CategoryWalletBalance,
	CategoryUnclassified,
}

// KnownCategories 返回路由器可产出的全部分类。
func KnownCategories() []Category {
	return append([]Category(nil), knownCategories...)
}

func validCategory(c Category) bool {
	for _, known := range knownCategories {
		if c == known {
			return true
		}
	}
	return false
}

const routerSystemPrompt = "Classify the user's latest message into exactly one category. " +
	"Extract slots the tools will need. List further categories the same message asks for in followups."

const routerStrictSuffix = " Reply with a single JSON object matching the schema and nothing else. " +
	"category and every followup must be one of the enumerated values; confidence is a number between 0 and 1."

func intentSchema() map[string]any {
	enum := make([]any, 0, len(knownCategories))
	for _, c := range knownCategories {
		enum = append(enum, string(c))
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"category":   map[string]any{"type": "string", "enum": enum},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"slots":      map[string]any{"type": "object"},
			"followups":  map[string]any{"type": "array", "items": map[string]any{"type": "string", "enum": enum}},
		},
		"required":             []any{"category", "confidence"},
		"additionalProperties": false,
	}
}

// Router 调用生成能力对用户消息做意图分类。
type Router struct {
	client    llm.Client
	retry     retry.Policy
	knowledge knowledge.Provider
	logger    *slog.Logger
}

// NewRouter 创建路由器。
func NewRouter(client llm.Client, policy retry.Policy, provider knowledge.Provider) *Router {
	return &Router{client: client, retry: policy, knowledge: provider, logger: logger.Named("router")}
}

// Classify 返回消息的意图。输出格式错误时以更严格的指令重试一次，仍失败则回落为 unclassified。
// 生成调用在重试后仍失败时返回错误。
func (r *Router) Classify(ctx context.Context, text string, history []llm.Message) (Intent, error) {
	if r == nil || r.client == nil {
		return Intent{}, xerrors.New(xerrors.CodeInitializationFailure, "router has no generation client")
	}

	for _, strict := range []bool{false, true} {
		intent, err := r.attempt(ctx, text, history, strict)
		if err == nil {
			return intent, nil
		}
		if !xerrors.HasCode(err, xerrors.CodeMalformedOutput) {
			return Intent{}, err
		}
		r.logger.Warn("意图分类输出不合法", slog.Bool("strict", strict), slog.Any("error", err))
	}
	return Intent{Category: CategoryUnclassified, Confidence: 0}, nil
}

func (r *Router) attempt(ctx context.Context, text string, history []llm.Message, strict bool) (Intent, error) {
	req := llm.Request{
		System:     routerSystemPrompt,
		Prompt:     text,
		History:    history,
		Knowledge:  r.hints(text),
		Schema:     intentSchema(),
		SchemaName: "intent",
		Strict:     strict,
	}
	if strict {
		req.System += routerStrictSuffix
		zero := 0.0
		req.Temperature = &zero
	}

	var resp *llm.Response
	_, err := r.retry.Do(ctx, func(ctx context.Context, _ int) error {
		out, err := r.client.Generate(ctx, req)
		if err != nil {
			// 格式错误交给外层的严格重试处理。
			if xerrors.HasCode(err, xerrors.CodeMalformedOutput) {
				return retry.Stop(err)
			}
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		return Intent{}, err
	}
	return parseIntent(resp)
}

func (r *Router) hints(text string) []llm.KnowledgeCard {
	if r.knowledge == nil {
		return nil
	}
	snippets := r.knowledge.Query(text, "")
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, s := range snippets {
		cards = append(cards, llm.KnowledgeCard{Title: s.Title, Content: s.Content})
	}
	return cards
}

func parseIntent(resp *llm.Response) (Intent, error) {
	if resp == nil {
		return Intent{}, xerrors.New(xerrors.CodeMalformedOutput, "empty classification response")
	}
	raw := resp.Structured
	if len(raw) == 0 {
		raw = json.RawMessage(extractJSONObject(resp.Text))
	}
	var out struct {
		Category   Category       `json:"category"`
		Confidence *float64       `json:"confidence"`
		Slots      map[string]any `json:"slots"`
		Followups  []Category     `json:"followups"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Intent{}, xerrors.Wrap(xerrors.CodeMalformedOutput, err, "classification is not a JSON object")
	}
	if !validCategory(out.Category) {
		return Intent{}, xerrors.New(xerrors.CodeMalformedOutput, fmt.Sprintf("unknown category %q", out.Category))
	}
	if out.Confidence == nil || *out.Confidence < 0 || *out.Confidence > 1 {
		return Intent{}, xerrors.New(xerrors.CodeMalformedOutput, "confidence must be within [0,1]")
	}

	intent := Intent{Category: out.Category, Confidence: *out.Confidence, Slots: out.Slots}
	seen := map[Category]bool{out.Category: true}
	for _, c := range out.Followups {
		if !validCategory(c) || c == CategoryUnclassified || seen[c] {
			continue
		}
		seen[c] = true
		intent.Followups = append(intent.Followups, c)
	}
	return intent, nil
}

// extractJSONObject 截取文本中第一个 { 到最后一个 } 之间的内容，兼容带说明文字的回复。
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}

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
	"AgentFlow/internal/tool"
	"AgentFlow/pkg/logger"
)

// StepTemplate 描述路由表中的一个步骤。
// 参数的填充顺序为 Params、MessageParam（原始消息）、Slots（参数 ← 意图槽位）。
type StepTemplate struct {
	ID           string            `yaml:"id" json:"id"`
	Tool         string            `yaml:"tool" json:"tool"`
	Params       map[string]any    `yaml:"params" json:"params,omitempty"`
	Slots        map[string]string `yaml:"slots" json:"slots,omitempty"`
	MessageParam string            `yaml:"message_param" json:"message_param,omitempty"`
	DependsOn    []string          `yaml:"depends_on" json:"depends_on,omitempty"`

	origin string
}

// template 返回步骤在路由表中的原始 ID，加前缀后仍可据此查找替代方案。
func (s StepTemplate) template() string {
	if s.origin != "" {
		return s.origin
	}
	return s.ID
}

// Route 将意图分类映射为步骤序列。Fallbacks 以步骤 ID 为键，是该步骤永久失败后的替代方案。
type Route struct {
	Category  Category                  `yaml:"category" json:"category"`
	Steps     []StepTemplate            `yaml:"steps" json:"steps"`
	Fallbacks map[string][]StepTemplate `yaml:"fallbacks" json:"fallbacks,omitempty"`
}

// DefaultRoutes 返回内置路由表。
func DefaultRoutes() []Route {
	return []Route{
		{
			Category: CategoryContentText,
			Steps: []StepTemplate{{
				ID: "text", Tool: "text.generate", MessageParam: "prompt",
				Slots: map[string]string{"style": "tone", "max_tokens": "length"},
			}},
		},
		{
			Category: CategoryContentImage,
			Steps: []StepTemplate{{
				ID: "image", Tool: "image.generate", MessageParam: "prompt",
				Slots: map[string]string{"size": "size", "style": "style"},
			}},
		},
		{
			Category: CategoryContentVideo,
			Steps: []StepTemplate{{
				ID: "video", Tool: "video.generate", MessageParam: "prompt",
				Slots: map[string]string{"duration_seconds": "duration_seconds", "style": "style"},
			}},
		},
		{
			Category: CategoryCampaignReport,
			Steps: []StepTemplate{{
				ID: "report", Tool: "campaign.report",
				Slots: map[string]string{"campaign_id": "campaign_id", "window": "window", "metrics": "metrics"},
			}},
		},
		{
			Category: CategoryWebResearch,
			Steps: []StepTemplate{
				{ID: "page", Tool: "web.scrape", Slots: map[string]string{"url": "url"}},
				{
					ID: "summary", Tool: "text.generate", DependsOn: []string{"page"},
					Params: map[string]any{
						"prompt": "Summarise this page for the user.\n\nTitle: {{page.data.title}}\n\n{{page.data.text}}",
					},
				},
			},
			Fallbacks: map[string][]StepTemplate{
				"page": {{
					ID: "answer_offline", Tool: "text.generate", MessageParam: "prompt",
					Params: map[string]any{"context": "The requested page could not be fetched. Answer from general knowledge and say so."},
				}},
			},
		},
		{
			Category: CategoryWalletBalance,
			Steps: []StepTemplate{{
				ID: "balance", Tool: "wallet.balance",
				Slots: map[string]string{"address": "address", "chain": "chain"},
			}},
		},
		{
			Category: CategoryUnclassified,
			Steps:    []StepTemplate{{ID: "reply", Tool: "text.generate", MessageParam: "prompt"}},
		},
	}
}

// MergeRoutes 用 overrides 覆盖同分类的默认路由。
func MergeRoutes(defaults, overrides []Route) []Route {
	index := make(map[Category]int, len(defaults))
	out := append([]Route(nil), defaults...)
	for i, r := range out {
		index[r.Category] = i
	}
	for _, r := range overrides {
		if i, ok := index[r.Category]; ok {
			out[i] = r
			continue
		}
		index[r.Category] = len(out)
		out = append(out, r)
	}
	return out
}

// Planner 将意图展开为工具调用计划。
type Planner struct {
	registry  *tool.Registry
	routes    map[Category]Route
	extractor llm.Client
	retry     retry.Policy
	knowledge knowledge.Provider
	logger    *slog.Logger
}

// PlannerOption 定义 Planner 的可选配置。
type PlannerOption func(*Planner)

// WithExtractor 启用基于生成能力的参数抽取。
func WithExtractor(client llm.Client, policy retry.Policy) PlannerOption {
	return func(p *Planner) {
		p.extractor = client
		p.retry = policy
	}
}

// WithPlannerKnowledge 为参数抽取补充知识库提示。
func WithPlannerKnowledge(provider knowledge.Provider) PlannerOption {
	return func(p *Planner) {
		p.knowledge = provider
	}
}

// NewPlanner 创建 Planner。routes 为空时使用 DefaultRoutes。
func NewPlanner(registry *tool.Registry, routes []Route, opts ...PlannerOption) *Planner {
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	p := &Planner{
		registry: registry,
		routes:   make(map[Category]Route, len(routes)),
		logger:   logger.Named("planner"),
	}
	for _, r := range routes {
		p.routes[r.Category] = r
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Plan 生成本轮迭代的计划：先重发上一轮瞬时失败与因依赖被跳过的步骤，
// 再为永久失败的步骤启用替代方案，最后处理下一个待办分类。
// 无法生成任何调用时返回空计划。
func (p *Planner) Plan(ctx context.Context, intent Intent, ec *ExecutionContext) Plan {
	if !ec.planned() {
		ec.Pending = append([]Category{intent.Category}, intent.Followups...)
	} else {
		calls, rejected := p.replan(ctx, intent, ec)
		if len(calls) > 0 || len(rejected) > 0 {
			return Plan{Calls: calls, Rejected: rejected, Pending: append([]Category(nil), ec.Pending...)}
		}
	}

	if len(ec.Pending) == 0 {
		return Plan{}
	}
	next := ec.Pending[0]
	ec.Pending = ec.Pending[1:]

	route, ok := p.routes[next]
	if !ok {
		p.logger.Warn("分类没有路由，使用通用回复", slog.String("category", string(next)))
		route, ok = p.routes[CategoryUnclassified]
		if !ok {
			return Plan{Category: next, Pending: append([]Category(nil), ec.Pending...)}
		}
	}
	calls, rejected := p.build(ctx, next, route.Steps, intent, ec)
	return Plan{Category: next, Calls: calls, Rejected: rejected, Pending: append([]Category(nil), ec.Pending...)}
}

// HasAlternative 判断失败步骤是否还有未使用的替代方案。
func (p *Planner) HasAlternative(ec *ExecutionContext, r ToolResult) bool {
	_, ok := p.fallbackFor(ec, r)
	return ok
}

func (p *Planner) fallbackFor(ec *ExecutionContext, r ToolResult) ([]StepTemplate, bool) {
	if ec.fallbackTried(r.StepID) {
		return nil, false
	}
	call, ok := ec.call(r.StepID)
	if !ok {
		return nil, false
	}
	steps, ok := p.routes[call.Category].Fallbacks[call.template]
	return steps, ok && len(steps) > 0
}

func (p *Planner) replan(ctx context.Context, intent Intent, ec *ExecutionContext) ([]ToolCall, []ToolResult) {
	last := ec.IterationResults(ec.Iteration - 1)
	reissued := make(map[string]bool)
	var calls []ToolCall

	for _, r := range last {
		if !r.Transient() || reissued[r.StepID] {
			continue
		}
		if call, ok := ec.call(r.StepID); ok {
			reissued[r.StepID] = true
			calls = append(calls, call)
		}
	}
	for changed := true; changed; {
		changed = false
		for _, r := range last {
			if r.ErrorKind != xerrors.CodeDependencyFailed || reissued[r.StepID] {
				continue
			}
			call, ok := ec.call(r.StepID)
			if !ok || !dependenciesAvailable(call, ec, reissued) {
				continue
			}
			reissued[r.StepID] = true
			calls = append(calls, call)
			changed = true
		}
	}

	var rejected []ToolResult
	for _, r := range last {
		if r.Succeeded() || r.Transient() || r.ErrorKind == xerrors.CodeDependencyFailed {
			continue
		}
		steps, ok := p.fallbackFor(ec, r)
		if !ok {
			continue
		}
		ec.markFallback(r.StepID)
		call, _ := ec.call(r.StepID)
		p.logger.Info("启用替代方案", slog.String("step", r.StepID), slog.String("error_kind", string(r.ErrorKind)))
		fc, fr := p.build(ctx, call.Category, steps, intent, ec)
		calls = append(calls, fc...)
		rejected = append(rejected, fr...)
	}
	return calls, rejected
}

func dependenciesAvailable(call ToolCall, ec *ExecutionContext, reissued map[string]bool) bool {
	for _, dep := range call.Dependencies() {
		if reissued[dep] {
			continue
		}
		if _, ok := ec.LastSuccess(dep); !ok {
			return false
		}
	}
	return true
}

func (p *Planner) build(ctx context.Context, category Category, steps []StepTemplate, intent Intent, ec *ExecutionContext) ([]ToolCall, []ToolResult) {
	for _, s := range steps {
		if _, taken := ec.call(s.ID); taken {
			steps = scopeSteps(steps, string(category)+"_")
			break
		}
	}

	var (
		calls    []ToolCall
		rejected []ToolResult
	)
	for _, tpl := range steps {
		call := ToolCall{
			StepID:     tpl.ID,
			ToolName:   tpl.Tool,
			Parameters: fillParameters(tpl, intent, ec.Message),
			DependsOn:  append([]string(nil), tpl.DependsOn...),
			Category:   category,
			template:   tpl.template(),
		}
		ec.rememberCall(call)

		def, ok := p.registry.Definition(tpl.Tool)
		if !ok {
			_, _, err := p.registry.Get(tpl.Tool)
			rejected = append(rejected, failedResult(call, ec.Iteration, err))
			continue
		}
		call.DeclaredCreditCost = def.CreditCost

		if err := p.complete(ctx, def, &call, category, ec); err != nil {
			rejected = append(rejected, failedResult(call, ec.Iteration, err))
			continue
		}
		// 含引用的参数在执行前解析后再校验。
		if len(references(call.Parameters)) == 0 {
			if err := p.registry.Validate(call.ToolName, call.Parameters); err != nil {
				rejected = append(rejected, failedResult(call, ec.Iteration, err))
				continue
			}
		}
		ec.rememberCall(call)
		calls = append(calls, call)
	}
	return calls, rejected
}

func fillParameters(tpl StepTemplate, intent Intent, message string) map[string]any {
	params, _ := cloneValue(tpl.Params).(map[string]any)
	if params == nil {
		params = make(map[string]any)
	}
	if tpl.MessageParam != "" {
		if _, set := params[tpl.MessageParam]; !set {
			params[tpl.MessageParam] = message
		}
	}
	for param, slot := range tpl.Slots {
		if v, ok := intent.Slots[slot]; ok && v != nil && v != "" {
			params[param] = cloneValue(v)
		}
	}
	return params
}

// complete 通过生成能力补齐缺失的必填参数。
func (p *Planner) complete(ctx context.Context, def tool.Definition, call *ToolCall, category Category, ec *ExecutionContext) error {
	missing := p.registry.MissingRequired(call.ToolName, call.Parameters)
	if len(missing) == 0 {
		return nil
	}
	if p.extractor == nil {
		return missingError(call.ToolName, missing)
	}

	values, err := p.extract(ctx, def, missing, category, ec)
	if err != nil {
		p.logger.Warn("参数抽取失败", slog.String("tool", call.ToolName), slog.Any("error", err))
		if xerrors.HasCode(err, xerrors.CodeMalformedOutput) {
			return missingError(call.ToolName, missing)
		}
		return err
	}
	for _, field := range missing {
		if v, ok := values[field]; ok && v != nil && v != "" {
			call.Parameters[field] = v
		}
	}
	if still := p.registry.MissingRequired(call.ToolName, call.Parameters); len(still) > 0 {
		return missingError(call.ToolName, still)
	}
	return nil
}

func missingError(toolName string, missing []string) error {
	return xerrors.New(xerrors.CodeInvalidParameters,
		fmt.Sprintf("missing required parameters: %s", strings.Join(missing, ", ")),
		xerrors.WithMetadata("tool", toolName))
}

func (p *Planner) extract(ctx context.Context, def tool.Definition, missing []string, category Category, ec *ExecutionContext) (map[string]any, error) {
	props, _ := def.Parameters["properties"].(map[string]any)
	sub := make(map[string]any, len(missing))
	required := make([]any, 0, len(missing))
	for _, field := range missing {
		if schema, ok := props[field]; ok {
			sub[field] = schema
		} else {
			sub[field] = map[string]any{}
		}
		required = append(required, field)
	}

	req := llm.Request{
		System: fmt.Sprintf("Extract the parameters %s for the tool %q (%s) from the conversation. "+
			"Use only values the user stated or earlier steps produced.", strings.Join(missing, ", "), def.Name, def.Description),
		Prompt:     ec.Message,
		History:    ec.History,
		Knowledge:  p.extractionCards(category, ec),
		Schema:     map[string]any{"type": "object", "properties": sub, "required": required},
		SchemaName: "parameters",
		Strict:     true,
	}

	var resp *llm.Response
	_, err := p.retry.Do(ctx, func(ctx context.Context, _ int) error {
		out, err := p.extractor.Generate(ctx, req)
		if err != nil {
			if xerrors.HasCode(err, xerrors.CodeMalformedOutput) {
				return retry.Stop(err)
			}
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw := resp.Structured
	if len(raw) == 0 {
		raw = json.RawMessage(extractJSONObject(resp.Text))
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedOutput, err, "extracted parameters are not a JSON object")
	}
	return values, nil
}

const maxCardContent = 2000

func (p *Planner) extractionCards(category Category, ec *ExecutionContext) []llm.KnowledgeCard {
	var cards []llm.KnowledgeCard
	if p.knowledge != nil {
		for _, s := range p.knowledge.Query(ec.Message, string(category)) {
			cards = append(cards, llm.KnowledgeCard{Title: s.Title, Content: s.Content})
		}
	}
	for _, r := range ec.Successes() {
		content := string(r.Data)
		if len(content) > maxCardContent {
			content = content[:maxCardContent]
		}
		cards = append(cards, llm.KnowledgeCard{Title: fmt.Sprintf("result of step %s (%s)", r.StepID, r.ToolName), Content: content})
	}
	return cards
}

// scopeSteps 为步骤 ID 加前缀，并同步改写依赖与参数引用。
func scopeSteps(steps []StepTemplate, prefix string) []StepTemplate {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}
	rename := func(text string) string {
		return referencePattern.ReplaceAllStringFunc(text, func(match string) string {
			m := referencePattern.FindStringSubmatch(match)
			if !ids[m[1]] {
				return match
			}
			return "{{" + prefix + m[1] + m[2] + "}}"
		})
	}

	out := make([]StepTemplate, len(steps))
	for i, s := range steps {
		scoped := s
		scoped.origin = s.template()
		scoped.ID = prefix + s.ID
		scoped.DependsOn = nil
		for _, dep := range s.DependsOn {
			if ids[dep] {
				dep = prefix + dep
			}
			scoped.DependsOn = append(scoped.DependsOn, dep)
		}
		scoped.Params, _ = mapStrings(cloneValue(s.Params), rename).(map[string]any)
		out[i] = scoped
	}
	return out
}

func mapStrings(v any, fn func(string) string) any {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		for k, item := range val {
			val[k] = mapStrings(item, fn)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = mapStrings(item, fn)
		}
		return val
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Package tools 组装内置工具：按配置启用、覆盖积分价格与缓存时间，并注册到工具注册表。
package tools

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"AgentFlow/internal/llm"
	"AgentFlow/internal/tool"
	"AgentFlow/internal/tools/chain"
	"AgentFlow/internal/tools/media"
	"AgentFlow/internal/tools/report"
	"AgentFlow/internal/tools/scrape"
	"AgentFlow/internal/tools/textgen"
	"AgentFlow/internal/web3"
	"AgentFlow/pkg/logger"
)

// Settings 覆盖单个工具的定义，零值表示沿用内置默认。
type Settings struct {
	Enabled    *bool            `yaml:"enabled" json:"enabled,omitempty"`
	CreditCost *decimal.Decimal `yaml:"credit_cost" json:"credit_cost,omitempty"`
	CacheTTL   *time.Duration   `yaml:"cache_ttl" json:"cache_ttl,omitempty"`
	Timeout    time.Duration    `yaml:"timeout" json:"timeout,omitempty"`
	RiskLevel  string           `yaml:"risk_level" json:"risk_level,omitempty"`
}

// Deps 是内置工具的外部依赖，缺失的依赖会让对应工具不被注册。
type Deps struct {
	LLM     llm.Client
	Media   *media.Client
	Metrics report.MetricsReader
	Chain   web3.Reader
	Scrape  scrape.Config
}

// Builtin 按依赖构造可用的内置工具。
func Builtin(deps Deps) []tool.Tool {
	var out []tool.Tool
	if deps.LLM != nil {
		out = append(out, textgen.New(deps.LLM))
	}
	if deps.Media != nil {
		out = append(out, media.NewImage(deps.Media), media.NewVideo(deps.Media))
	}
	out = append(out, scrape.New(deps.Scrape))
	if deps.Metrics != nil {
		out = append(out, report.New(deps.Metrics))
	}
	if deps.Chain != nil {
		out = append(out, chain.New(deps.Chain))
	}
	return out
}

// configured 用覆盖后的定义包装工具。
type configured struct {
	tool.Tool
	def tool.Definition
}

func (c configured) Describe() tool.Definition { return c.def }

// Apply 返回应用了 settings 的工具；禁用时返回 false。
func Apply(t tool.Tool, s Settings) (tool.Tool, bool) {
	if s.Enabled != nil && !*s.Enabled {
		return nil, false
	}
	def := t.Describe()
	changed := false
	if s.CreditCost != nil && !s.CreditCost.IsNegative() {
		def.CreditCost = *s.CreditCost
		changed = true
	}
	if s.CacheTTL != nil && *s.CacheTTL >= 0 {
		def.CacheTTL = *s.CacheTTL
		changed = true
	}
	if s.Timeout > 0 {
		def.Timeout = s.Timeout
		changed = true
	}
	if level, ok := tool.ParseRiskLevel(s.RiskLevel); ok {
		def.RiskLevel = level
		changed = true
	}
	if !changed {
		return t, true
	}
	return configured{Tool: t, def: def}, true
}

// Register 将工具按 settings 注册到 reg，返回实际注册的工具名。
func Register(reg *tool.Registry, list []tool.Tool, settings map[string]Settings) ([]string, error) {
	log := logger.Named("tools")
	var names []string
	for _, t := range list {
		name := t.Describe().Name
		applied, enabled := Apply(t, settings[name])
		if !enabled {
			log.Info("工具已禁用", "tool", name)
			continue
		}
		if err := reg.Register(applied); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

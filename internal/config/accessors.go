package config

import (
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"AgentFlow/internal/adsapi"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm/openai"
	"AgentFlow/internal/storage/sqlstore"
	"AgentFlow/internal/tool"
	"AgentFlow/internal/tools/media"
)

func parseRisk(s string) (tool.RiskLevel, bool) {
	return tool.ParseRiskLevel(strings.ToLower(strings.TrimSpace(s)))
}

// ParseAmount 解析非负的积分数量。
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid credit amount")
	}
	if d.IsNegative() {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "credit amount must not be negative")
	}
	return d, nil
}

// SQL 返回 sqlstore 连接配置。
func (c *Config) SQL() sqlstore.Config {
	return sqlstore.Config{
		Driver:          c.Storage.Driver,
		DSN:             c.Storage.DSN,
		MaxOpenConns:    c.Storage.MaxOpenConns,
		MaxIdleConns:    c.Storage.MaxIdleConns,
		ConnMaxLifetime: c.Storage.ConnMaxLifetime,
		ConnMaxIdleTime: c.Storage.ConnMaxIdleTime,
	}
}

// UsesSQL 报告是否使用数据库驱动。
func (c *Config) UsesSQL() bool {
	return c.Storage.Driver == "mysql" || c.Storage.Driver == "sqlite"
}

// UsesRedis 报告是否有组件需要 Redis 连接。
func (c *Config) UsesRedis() bool {
	return c.Queue.Driver == "redis" || c.Cache.Backend == "redis" || c.RateLimitBackend == "redis"
}

// OpenAI 返回 OpenAI 客户端配置，密钥取自环境变量。
func (c *Config) OpenAI() openai.Config {
	return openai.Config{
		APIKey:      os.Getenv(c.LLM.OpenAI.APIKeyEnv),
		BaseURL:     c.LLM.OpenAI.BaseURL,
		Model:       c.LLM.OpenAI.Model,
		Timeout:     c.LLM.OpenAI.Timeout,
		Temperature: c.LLM.OpenAI.Temperature,
	}
}

// Media 返回媒体服务配置；未配置地址时第二个返回值为 false。
func (c *Config) Media() (media.Config, bool) {
	cfg := c.Tools.Media
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return cfg, false
	}
	cfg.Token = os.Getenv(c.Tools.MediaTokenEnv)
	return cfg, true
}

// Ads 返回投放平台配置；两个地址都未配置时第二个返回值为 false。
func (c *Config) Ads() (adsapi.Config, bool) {
	cfg := c.AdsAPI
	if strings.TrimSpace(cfg.MetricsURL) == "" && strings.TrimSpace(cfg.ActionsURL) == "" {
		return cfg, false
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv(cfg.TokenEnv)
	}
	return cfg, true
}

// WebhookURL 返回告警 Webhook 地址，环境变量优先。
func (c *Config) WebhookURL() string {
	if c.Alerting.WebhookURLEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.Alerting.WebhookURLEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.Alerting.WebhookURL)
}

// MaxRisk 返回允许的最高风险等级；未配置时第二个返回值为 false。
func (c *Config) MaxRisk() (tool.RiskLevel, bool) {
	if c.Engine.MaxRisk == "" {
		return 0, false
	}
	return parseRisk(c.Engine.MaxRisk)
}

// SeedBalances 返回预置余额。Validate 已保证可以解析。
func (c *Config) SeedBalances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Credits.Seed))
	for user, raw := range c.Credits.Seed {
		if amount, err := ParseAmount(raw); err == nil {
			out[user] = amount
		}
	}
	return out
}

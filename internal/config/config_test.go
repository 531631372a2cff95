package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":9090\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Storage.DataDir)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "OPENAI_API_KEY", cfg.LLM.OpenAI.APIKeyEnv)
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
	assert.Equal(t, 2*time.Minute, cfg.Engine.TurnTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, time.Hour, cfg.Rules.DefaultCooldown)
	assert.Equal(t, []string{"stdout"}, cfg.Logging.OutputPaths)
	assert.False(t, cfg.UsesSQL())
	assert.False(t, cfg.UsesRedis())
}

func TestParseFullDocument(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_HOOK", "https://hooks.example.com/x")

	doc := `
storage:
  driver: sqlite
  dsn: file:agentflow.db
redis:
  address: 127.0.0.1:6379
queue:
  driver: redis
  workers: 8
  redis:
    key: af:jobs
cache:
  backend: redis
rate_limit_backend: redis
rate_limits:
  media:
    max_calls: 5
    window: 1m
llm:
  provider: openai
  openai:
    api_key_env: TEST_OPENAI_KEY
    model: gpt-4o-mini
engine:
  max_iterations: 3
  max_risk: medium
retry:
  max_attempts: 4
  base_delay: 100ms
tools:
  overrides:
    web.scrape:
      cache_ttl: 10m
      credit_cost: "0.5"
  media:
    endpoint: https://media.example.com
planner:
  routes:
    - category: content_text
      steps:
        - id: write
          tool: text.generate
rules:
  file: rules.yaml
  concurrency: 2
alerting:
  webhook_url_env: TEST_HOOK
credits:
  seed:
    u1: "100"
plugins:
  plugins:
    echo:
      enabled: false
`
	cfg, err := Parse([]byte(doc), "/etc/agentflow")
	require.NoError(t, err)

	assert.True(t, cfg.UsesSQL())
	assert.True(t, cfg.UsesRedis())
	assert.Equal(t, "sqlite", cfg.SQL().Driver)
	assert.Equal(t, "af:jobs", cfg.Queue.Redis.Key)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 5, cfg.RateLimits["media"].MaxCalls)
	assert.Equal(t, time.Minute, cfg.RateLimits["media"].Window)
	assert.Equal(t, "sk-test", cfg.OpenAI().APIKey)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, "/etc/agentflow/rules.yaml", cfg.Rules.File)
	assert.Equal(t, "https://hooks.example.com/x", cfg.WebhookURL())

	risk, ok := cfg.MaxRisk()
	require.True(t, ok)
	assert.Equal(t, tool.RiskMedium, risk)

	override := cfg.Tools.Overrides["web.scrape"]
	require.NotNil(t, override.CacheTTL)
	assert.Equal(t, 10*time.Minute, *override.CacheTTL)
	require.NotNil(t, override.CreditCost)
	assert.Equal(t, "0.5", override.CreditCost.String())

	_, ok = cfg.Media()
	assert.True(t, ok)
	_, ok = cfg.Ads()
	assert.False(t, ok)

	require.Len(t, cfg.Planner.Routes, 1)
	assert.Equal(t, "text.generate", cfg.Planner.Routes[0].Steps[0].Tool)
	assert.Equal(t, "100", cfg.SeedBalances()["u1"].String())
}

func TestValidateRejectsInconsistentCombinations(t *testing.T) {
	cases := map[string]string{
		"mysql without dsn":         "storage:\n  driver: mysql\n",
		"unknown storage":           "storage:\n  driver: postgres\n",
		"redis queue without redis": "queue:\n  driver: redis\n",
		"rabbitmq without url":      "queue:\n  driver: rabbitmq\n",
		"redis cache without redis": "cache:\n  backend: redis\n",
		"python without script":     "llm:\n  provider: python_bridge\n",
		"bad rate limit":            "rate_limits:\n  media:\n    max_calls: 0\n    window: 1s\n",
		"bad risk":                  "engine:\n  max_risk: extreme\n",
		"negative seed":             "credits:\n  seed:\n    u1: \"-5\"\n",
		"enabled plugin no path":    "plugins:\n  plugins:\n    echo:\n      enabled: true\n",
		"static auth without token": "auth:\n  mode: static\n",
		"unknown auth mode":         "auth:\n  mode: oauth\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), t.TempDir())
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
		})
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DSN", "user:pass@tcp(db:3306)/agentflow")
	dir := t.TempDir()
	path := filepath.Join(dir, "agentflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: mysql\n  dsn: ${TEST_DSN}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "user:pass@tcp(db:3306)/agentflow", cfg.Storage.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))

	_, err = Load("")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
	t.Setenv(EnvConfigPath, "/etc/agentflow.yaml")
	assert.Equal(t, "/etc/agentflow.yaml", ResolvePath(""))
	assert.Equal(t, "custom.yaml", ResolvePath("custom.yaml"))
}

// Package config 加载 agentflowd 的 YAML 配置（JSON 同样可用），并在启动前补全默认值、校验组合是否合法。
package config

import (
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AgentFlow/internal/adsapi"
	"AgentFlow/internal/agent"
	"AgentFlow/internal/auth"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/jobs"
	"AgentFlow/internal/plugin"
	"AgentFlow/internal/ratelimit"
	"AgentFlow/internal/retry"
	"AgentFlow/internal/storage/redis"
	"AgentFlow/internal/tools"
	"AgentFlow/internal/tools/media"
	"AgentFlow/internal/tools/scrape"
	"AgentFlow/internal/web3"
	"AgentFlow/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AGENTFLOW_CONFIG"

// DefaultPath 是未指定路径时使用的配置文件。
var DefaultPath = filepath.Join("configs", "agentflow.yaml")

// Config 描述 agentflowd 启动阶段需要加载的全部配置。
type Config struct {
	Server           ServerConfig               `yaml:"server"`
	Auth             auth.Config                `yaml:"auth"`
	Logging          logger.Config              `yaml:"logging"`
	Metrics          MetricsConfig              `yaml:"metrics"`
	Storage          StorageConfig              `yaml:"storage"`
	Redis            redis.Config               `yaml:"redis"`
	Queue            QueueConfig                `yaml:"queue"`
	LLM              LLMConfig                  `yaml:"llm"`
	Engine           EngineConfig               `yaml:"engine"`
	Retry            retry.Policy               `yaml:"retry"`
	RateLimits       map[string]ratelimit.Limit `yaml:"rate_limits"`
	RateLimitBackend string                     `yaml:"rate_limit_backend"`
	Cache            CacheConfig                `yaml:"cache"`
	Tools            ToolsConfig                `yaml:"tools"`
	Planner          PlannerConfig              `yaml:"planner"`
	Rules            RulesConfig                `yaml:"rules"`
	AdsAPI           adsapi.Config              `yaml:"ads_api"`
	Web3             web3.Config                `yaml:"web3"`
	Alerting         AlertingConfig             `yaml:"alerting"`
	Knowledge        KnowledgeConfig            `yaml:"knowledge"`
	Credits          CreditsConfig              `yaml:"credits"`
	Plugins          plugin.ManagerConfig       `yaml:"plugins"`
}

// ServerConfig 控制 API 服务。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig 配置独立的指标端口；为空时仅通过 API 的 /metrics 暴露。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig 选择持久化后端。memory 使用 data_dir 下的轮次日志。
type StorageConfig struct {
	Driver            string        `yaml:"driver"`
	DSN               string        `yaml:"dsn"`
	MaxOpenConns      int           `yaml:"max_open_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate       bool          `yaml:"auto_migrate"`
	DataDir           string        `yaml:"data_dir"`
	JournalMaxRecords int           `yaml:"journal_max_records"`
}

// QueueConfig 配置异步轮次的作业队列。
type QueueConfig struct {
	Driver     string                `yaml:"driver"`
	Workers    int                   `yaml:"workers"`
	MaxRetries int                   `yaml:"max_retries"`
	BufferSize int                   `yaml:"buffer_size"`
	Redis      jobs.RedisQueueConfig `yaml:"redis"`
	RabbitMQ   jobs.RabbitMQConfig   `yaml:"rabbitmq"`
}

// LLMConfig 选择生成能力的实现。
type LLMConfig struct {
	Provider string             `yaml:"provider"`
	OpenAI   OpenAIConfig       `yaml:"openai"`
	Python   PythonBridgeConfig `yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口，密钥从 APIKeyEnv 指定的环境变量读取。
type OpenAIConfig struct {
	APIKeyEnv   string        `yaml:"api_key_env"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
}

// PythonBridgeConfig 描述通过本地脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// EngineConfig 控制编排循环。
type EngineConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	TurnTimeout      time.Duration `yaml:"turn_timeout"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	MaxParallelSteps int           `yaml:"max_parallel_steps"`
	MemoryDepth      int           `yaml:"memory_depth"`
	RateLimitWait    time.Duration `yaml:"rate_limit_wait"`
	// MaxRisk 非空时拒绝风险等级高于该值的工具调用。
	MaxRisk string `yaml:"max_risk"`
}

// CacheConfig 选择缓存后端。
type CacheConfig struct {
	Backend string `yaml:"backend"`
	Prefix  string `yaml:"prefix"`
}

// ToolsConfig 配置内置工具的依赖与逐工具覆盖。
type ToolsConfig struct {
	Overrides     map[string]tools.Settings `yaml:"overrides"`
	Media         media.Config              `yaml:"media"`
	MediaTokenEnv string                    `yaml:"media_token_env"`
	Scrape        scrape.Config             `yaml:"scrape"`
}

// PlannerConfig 覆盖或补充默认路由。
type PlannerConfig struct {
	Routes []agent.Route `yaml:"routes"`
}

// RulesConfig 控制自动化规则引擎。File 为 memory 驱动下的规则文件。
type RulesConfig struct {
	File            string        `yaml:"file"`
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
	Concurrency     int           `yaml:"concurrency"`
	MetricsService  string        `yaml:"metrics_service"`
	MaxWait         time.Duration `yaml:"max_wait"`
}

// AlertingConfig 配置告警渠道，审计日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookURLEnv string `yaml:"webhook_url_env"`
}

// KnowledgeConfig 指向静态知识库文件。
type KnowledgeConfig struct {
	File       string `yaml:"file"`
	MaxResults int    `yaml:"max_results"`
}

// CreditsConfig 为 memory 驱动预置用户余额，便于本地调试。
type CreditsConfig struct {
	Seed map[string]string `yaml:"seed"`
}

// Load 解析指定路径的配置文件。文件中的 ${VAR} 会先按环境变量展开。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败",
			xerrors.WithMetadata("path", path))
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(content))), filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath 按 flag、环境变量、默认值的顺序确定配置文件路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Storage.DataDir = resolve(baseDir, c.Storage.DataDir, "data")
	if c.Storage.JournalMaxRecords <= 0 {
		c.Storage.JournalMaxRecords = 1000
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 128
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir, ".")

	if c.Engine.MaxIterations <= 0 {
		c.Engine.MaxIterations = agent.DefaultMaxIterations
	}
	if c.Engine.TurnTimeout <= 0 {
		c.Engine.TurnTimeout = 2 * time.Minute
	}
	if c.Engine.StepTimeout <= 0 {
		c.Engine.StepTimeout = 30 * time.Second
	}
	if c.Engine.MaxParallelSteps <= 0 {
		c.Engine.MaxParallelSteps = 4
	}
	if c.Engine.MemoryDepth <= 0 {
		c.Engine.MemoryDepth = 5
	}
	if c.Engine.RateLimitWait <= 0 {
		c.Engine.RateLimitWait = 2 * time.Second
	}

	c.Retry = c.Retry.WithDefaults()
	if c.RateLimits == nil {
		c.RateLimits = map[string]ratelimit.Limit{}
	}
	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	if c.RateLimitBackend == "" {
		c.RateLimitBackend = "memory"
	}

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = redis.DefaultPrefix
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = c.Cache.Prefix
	}

	if c.Tools.MediaTokenEnv == "" {
		c.Tools.MediaTokenEnv = "MEDIA_API_TOKEN"
	}

	if c.Rules.DefaultCooldown <= 0 {
		c.Rules.DefaultCooldown = time.Hour
	}
	if c.Rules.Concurrency <= 0 {
		c.Rules.Concurrency = 4
	}
	if c.Rules.File != "" {
		c.Rules.File = resolve(baseDir, c.Rules.File, "")
	}

	if c.AdsAPI.TokenEnv == "" {
		c.AdsAPI.TokenEnv = "ADS_API_TOKEN"
	}
	if c.Web3.ChainFile != "" {
		c.Web3.ChainFile = resolve(baseDir, c.Web3.ChainFile, "")
	}
	if c.Knowledge.File != "" {
		c.Knowledge.File = resolve(baseDir, c.Knowledge.File, "")
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Plugins.PluginDir != "" {
		c.Plugins.PluginDir = resolve(baseDir, c.Plugins.PluginDir, "")
	}
}

// Validate 拒绝不一致的配置组合，一次返回全部问题。
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Storage.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		add("storage.driver %q is not supported", c.Storage.Driver)
	}

	redisConfigured := strings.TrimSpace(c.Redis.Address) != ""
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if !redisConfigured {
			add("queue.driver redis requires redis.address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			add("queue.rabbitmq.url is required for driver rabbitmq")
		}
	default:
		add("queue.driver %q is not supported", c.Queue.Driver)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if !redisConfigured {
			add("cache.backend redis requires redis.address")
		}
	default:
		add("cache.backend %q is not supported", c.Cache.Backend)
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if !redisConfigured {
			add("rate_limit_backend redis requires redis.address")
		}
	default:
		add("rate_limit_backend %q is not supported", c.RateLimitBackend)
	}

	switch c.LLM.Provider {
	case "openai", "none":
	case "python_bridge":
		if strings.TrimSpace(c.LLM.Python.ScriptPath) == "" {
			add("llm.python_bridge.script_path is required for provider python_bridge")
		}
	default:
		add("llm.provider %q is not supported", c.LLM.Provider)
	}

	for service, limit := range c.RateLimits {
		if !limit.Valid() {
			add("rate_limits.%s needs max_calls > 0 and window > 0", service)
		}
	}
	if c.Engine.MaxRisk != "" {
		if _, ok := parseRisk(c.Engine.MaxRisk); !ok {
			add("engine.max_risk %q must be low, medium or high", c.Engine.MaxRisk)
		}
	}
	for user, amount := range c.Credits.Seed {
		if _, err := ParseAmount(amount); err != nil {
			add("credits.seed.%s: %v", user, err)
		}
	}
	switch auth.Mode(strings.ToLower(string(c.Auth.Mode))) {
	case "", auth.ModeDisabled:
	case auth.ModeStatic:
		if len(c.Auth.Tokens) == 0 {
			add("auth.tokens must not be empty in static mode")
		}
	default:
		add("auth.mode %q must be disabled or static", c.Auth.Mode)
	}
	if err := c.Plugins.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeInvalidArgument, stdErrors.Join(errs...), "配置校验失败")
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

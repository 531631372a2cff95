package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"AgentFlow/internal/adsapi"
	"AgentFlow/internal/agent"
	"AgentFlow/internal/api"
	"AgentFlow/internal/auth"
	"AgentFlow/internal/cache"
	"AgentFlow/internal/config"
	"AgentFlow/internal/credit"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/jobs"
	"AgentFlow/internal/knowledge"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/llm/openai"
	"AgentFlow/internal/llm/pythonbridge"
	"AgentFlow/internal/observability/alerting"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/plugin"
	"AgentFlow/internal/ratelimit"
	"AgentFlow/internal/rules"
	"AgentFlow/internal/storage"
	"AgentFlow/internal/storage/journal"
	redisstore "AgentFlow/internal/storage/redis"
	"AgentFlow/internal/storage/sqlstore"
	"AgentFlow/internal/tool"
	"AgentFlow/internal/tools"
	"AgentFlow/internal/tools/media"
	"AgentFlow/internal/web3"
	"AgentFlow/internal/web3/provider"
	"AgentFlow/pkg/logger"
)

// container holds the wired components of one process.
type container struct {
	cfg *config.Config

	db        *sqlstore.DB
	redis     *goredis.Client
	alerts    alerting.Dispatcher
	auth      *auth.Service
	cache     *cache.Manager
	limiter   *ratelimit.Limiter
	credits   credit.Gate
	turns     storage.TurnRepository
	registry  *tool.Registry
	plugins   *plugin.Manager
	agent     *agent.Agent
	rules     *rules.Engine
	jobStore  jobs.Store
	queue     jobs.Queue
	jobs      *jobs.Service
	processor *jobs.Processor

	closers []func() error
	logger  *slog.Logger
}

// buildContainer wires every component described by cfg. Components whose
// collaborators are not configured are left nil.
func buildContainer(ctx context.Context, cfg *config.Config) (c *container, err error) {
	c = &container{cfg: cfg, logger: logger.Named("agentflowd")}
	defer func() {
		if err != nil {
			_ = c.Close()
			c = nil
		}
	}()

	c.alerts = buildAlerts(cfg)
	if c.auth, err = auth.NewService(cfg.Auth); err != nil {
		return nil, err
	}

	if err := c.openStorage(ctx); err != nil {
		return nil, err
	}
	if cfg.UsesRedis() {
		client, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.redis = client
		c.closers = append(c.closers, client.Close)
	}

	c.cache = cache.NewManager(c.cacheStore(), cache.WithObserver(func(o cache.Outcome) {
		metrics.ObserveCacheLookup(o.String())
	}))
	c.limiter = ratelimit.New(c.limiterBackend(), ratelimit.WithObserver(metrics.ObserveRateLimit))

	llmClient, err := buildLLM(cfg)
	if err != nil {
		return nil, err
	}
	var kp knowledge.Provider
	if cfg.Knowledge.File != "" {
		p, err := knowledge.LoadStaticProvider(cfg.Knowledge.File, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		kp = p
	}

	var ads *adsapi.Client
	if adsCfg, ok := cfg.Ads(); ok {
		ads, err = adsapi.NewClient(adsCfg)
		if err != nil {
			return nil, err
		}
	}

	if err := c.buildRegistry(ctx, llmClient, ads); err != nil {
		return nil, err
	}

	retryPolicy := cfg.Retry
	router := agent.NewRouter(llmClient, retryPolicy, kp)
	planner := agent.NewPlanner(c.registry, agent.MergeRoutes(agent.DefaultRoutes(), cfg.Planner.Routes),
		agent.WithExtractor(llmClient, retryPolicy),
		agent.WithPlannerKnowledge(kp))
	executor := agent.NewExecutor(c.registry, c.credits, c.cache, c.limiter,
		agent.WithRetryPolicy(retryPolicy),
		agent.WithStepTimeout(cfg.Engine.StepTimeout),
		agent.WithRateLimitWait(cfg.Engine.RateLimitWait),
		agent.WithMaxParallel(cfg.Engine.MaxParallelSteps))
	c.agent = agent.New(router, planner, executor, c.credits,
		agent.WithMaxIterations(cfg.Engine.MaxIterations),
		agent.WithTurnTimeout(cfg.Engine.TurnTimeout),
		agent.WithMemoryDepth(cfg.Engine.MemoryDepth),
		agent.WithTurnStore(c.turns),
		agent.WithAlerts(c.alerts))

	if ads != nil {
		ruleStore, err := c.ruleStore()
		if err != nil {
			return nil, err
		}
		c.rules = rules.NewEngine(ruleStore, ads, ads,
			rules.WithCache(c.cache),
			rules.WithLimiter(c.limiter, cfg.Rules.MaxWait),
			rules.WithRetryPolicy(retryPolicy),
			rules.WithDefaultCooldown(cfg.Rules.DefaultCooldown),
			rules.WithConcurrency(cfg.Rules.Concurrency),
			rules.WithMetricsService(cfg.Rules.MetricsService),
			rules.WithAlerts(c.alerts))
	}

	if err := c.buildJobs(); err != nil {
		return nil, err
	}
	return c, nil
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := cfg.WebhookURL(); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	return alerting.NewFanout(notifiers...)
}

func (c *container) openStorage(ctx context.Context) error {
	cfg := c.cfg
	if cfg.UsesSQL() {
		db, err := sqlstore.Open(ctx, cfg.SQL())
		if err != nil {
			return err
		}
		c.db = db
		c.closers = append(c.closers, db.Close)
		if cfg.Storage.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
		}
		c.turns = sqlstore.NewTurnRepository(db)
		c.credits = sqlstore.NewCreditLedger(db)
		c.jobStore = jobs.NewSQLStore(db)
		return nil
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
	}
	j, err := journal.Open(cfg.Storage.DataDir, cfg.Storage.JournalMaxRecords)
	if err != nil {
		return err
	}
	c.turns = j
	gate := credit.NewMemoryGate()
	for user, amount := range cfg.SeedBalances() {
		gate.Deposit(user, amount)
	}
	c.credits = gate
	c.jobStore = jobs.NewMemoryStore()
	return nil
}

func (c *container) cacheStore() cache.Store {
	if c.cfg.Cache.Backend == "redis" {
		return redisstore.NewCacheStore(c.redis, c.cfg.Cache.Prefix, nil)
	}
	return cache.NewMemoryStore(nil)
}

func (c *container) limiterBackend() ratelimit.Backend {
	if c.cfg.RateLimitBackend == "redis" {
		return redisstore.NewLimiterBackend(c.redis, c.cfg.Redis.Prefix, c.cfg.RateLimits, nil)
	}
	return ratelimit.NewWindowBackend(c.cfg.RateLimits, nil)
}

func (c *container) ruleStore() (rules.Store, error) {
	if c.db != nil {
		return sqlstore.NewRuleRepository(c.db), nil
	}
	if c.cfg.Rules.File != "" {
		return rules.LoadMemoryStore(c.cfg.Rules.File)
	}
	return rules.NewMemoryStore(), nil
}

func buildLLM(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		client, err := openai.NewClient(cfg.OpenAI())
		if err != nil {
			return nil, err
		}
		return client, nil
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		client, err := pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, script, cfg.LLM.Python.WorkingDir)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		// "none"：只运行规则检查的部署不需要生成能力。
		return nil, nil
	}
}

// buildRegistry registers builtin and plugin tools, then seals the registry.
func (c *container) buildRegistry(ctx context.Context, llmClient llm.Client, ads *adsapi.Client) error {
	cfg := c.cfg
	var regOpts []tool.RegistryOption
	if maxRisk, ok := cfg.MaxRisk(); ok {
		regOpts = append(regOpts, tool.WithRiskPolicy(tool.MaxRiskPolicy{Max: maxRisk}))
	}
	c.registry = tool.NewRegistry(regOpts...)

	deps := tools.Deps{LLM: llmClient, Scrape: cfg.Tools.Scrape}
	if mediaCfg, ok := cfg.Media(); ok {
		client, err := media.NewClient(mediaCfg)
		if err != nil {
			return err
		}
		deps.Media = client
	}
	if ads != nil {
		deps.Metrics = ads
	}
	if cfg.Web3.Enabled() {
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func() error { chains.Close(); return nil })
		var reader web3.Reader = chains
		deps.Chain = reader
	}

	names, err := tools.Register(c.registry, tools.Builtin(deps), cfg.Tools.Overrides)
	if err != nil {
		return err
	}

	c.plugins, err = plugin.NewManager(cfg.Plugins,
		plugin.WithResource(plugin.ResourceCache, c.cache),
		plugin.WithResource(plugin.ResourceHTTPClient, http.DefaultClient))
	if err != nil {
		return err
	}
	c.closers = append(c.closers, func() error { return c.plugins.CloseAll(context.Background()) })
	if err := c.plugins.RegisterTools(ctx, c.registry); err != nil {
		return err
	}
	c.registry.Seal()
	c.logger.Info("工具注册完成", slog.Any("builtin", names), slog.Int("total", len(c.registry.Definitions())))
	return nil
}

func (c *container) buildJobs() error {
	cfg := c.cfg
	switch cfg.Queue.Driver {
	case "redis":
		q, err := jobs.NewRedisQueue(c.redis, cfg.Queue.Redis)
		if err != nil {
			return err
		}
		c.queue = q
	case "rabbitmq":
		q, err := jobs.NewRabbitMQQueue(cfg.Queue.RabbitMQ)
		if err != nil {
			return err
		}
		c.queue = q
	default:
		c.queue = jobs.NewMemoryQueue(cfg.Queue.BufferSize)
	}
	c.jobs = jobs.NewService(c.jobStore, c.queue, cfg.Queue.MaxRetries)
	c.closers = append(c.closers, c.jobs.Close)
	c.processor = jobs.NewProcessor(c.agent, c.jobStore, c.queue, c.queue,
		jobs.WithWorkerCount(cfg.Queue.Workers),
		jobs.WithAlertDispatcher(c.alerts),
		jobs.WithWriteRetry(cfg.Retry),
		jobs.WithProcessorLogger(logger.Named("jobs")))
	return nil
}

// apiServer builds the HTTP API over the wired components.
func (c *container) apiServer() *api.Server {
	opts := []api.Option{
		api.WithTurns(c.agent),
		api.WithJobs(c.jobs),
		api.WithTools(c.registry),
		api.WithAuth(c.auth),
	}
	if c.rules != nil {
		opts = append(opts, api.WithRules(c.rules))
	}
	return api.NewServer(c.cfg.Server.Address, opts...)
}

// Close releases resources in reverse construction order.
func (c *container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

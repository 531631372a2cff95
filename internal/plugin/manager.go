package plugin

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
	"AgentFlow/pkg/logger"
)

// Manager keeps track of registered plugins and orchestrates their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	logger    *slog.Logger
}

type instance struct {
	mu     sync.Mutex
	Plugin Plugin
	Info   Info
	State  State
	Config map[string]any
	Policy IsolationPolicy
	Source string
	Tools  []string
}

// NewManager constructs a manager and loads every enabled plugin in cfg.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: CapabilityIsolation{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
		logger:    logger.Named("plugin"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a plugin instance directly with the manager.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	return m.register(id, p, cfg, policy, "manual")
}

func (m *Manager) register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy, source string) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id cannot be empty")
	}
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil", xerrors.WithMetadata("plugin", id))
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id mismatch",
			xerrors.WithMetadata("plugin", id), xerrors.WithMetadata("declared", info.ID))
	}
	info.ID = id
	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return xerrors.New(xerrors.CodeConflict, "plugin already registered", xerrors.WithMetadata("plugin", id))
	}
	m.registry[id] = &instance{Plugin: p, Info: info, State: StateRegistered, Config: cfg, Policy: policy, Source: source}
	return nil
}

// Load loads a plugin implementation from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	p, err := m.loader.Load(path)
	if err != nil {
		return err
	}
	return m.register(id, p, cfg, policy, path)
}

// RegisterTools configures every registered plugin in id order and adds
// its tools to reg. It must run before reg is sealed.
func (m *Manager) RegisterTools(ctx context.Context, reg *tool.Registry) error {
	if reg == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "tool registry is nil")
	}
	for _, id := range m.ids() {
		if err := m.activate(ctx, id, reg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) activate(ctx context.Context, id string, reg *tool.Registry) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateRegistered {
		return nil
	}
	if err := m.isolation.Prepare(inst.Info); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "prepare isolation", xerrors.WithMetadata("plugin", id))
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources, Logger: m.logger.With(slog.String("plugin", id))}
	if err := inst.Plugin.Configure(execCtx.Clone()); err != nil {
		_ = m.isolation.Cleanup(inst.Info)
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "configure plugin", xerrors.WithMetadata("plugin", id))
	}
	tools, err := inst.Plugin.Tools()
	if err != nil {
		_ = m.isolation.Cleanup(inst.Info)
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "list plugin tools", xerrors.WithMetadata("plugin", id))
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			_ = m.isolation.Cleanup(inst.Info)
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "register plugin tool", xerrors.WithMetadata("plugin", id))
		}
		names = append(names, t.Describe().Name)
	}
	inst.Tools = names
	inst.State = StateActive
	m.logger.Info("插件已启用",
		slog.String("plugin", id),
		slog.String("version", inst.Info.Version),
		slog.String("source", inst.Source),
		slog.Any("tools", names))
	return nil
}

// CloseAll closes every active plugin and joins the errors.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.ids() {
		inst, err := m.get(id)
		if err != nil {
			continue
		}
		inst.mu.Lock()
		if inst.State == StateActive {
			if err := inst.Plugin.Close(ctx); err != nil {
				errs = append(errs, xerrors.Wrap(xerrors.CodeUnknown, err, "close plugin", xerrors.WithMetadata("plugin", id)))
			}
			if err := m.isolation.Cleanup(inst.Info); err != nil {
				errs = append(errs, err)
			}
			inst.State = StateClosed
		}
		inst.mu.Unlock()
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

// Tools returns the names of the tools a plugin contributed.
func (m *Manager) Tools(id string) ([]string, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]string(nil), inst.Tools...), nil
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "plugin not registered", xerrors.WithMetadata("plugin", id))
	}
	return inst, nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	ids := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		pluginCfg := cfg.Plugins[id]
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		var policy IsolationPolicy
		if pluginCfg.Policy != nil {
			policy = *pluginCfg.Policy
		}
		if err := m.Load(id, path, cloneConfig(pluginCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}

package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	xerrors "AgentFlow/internal/errors"
)

var anyObject = map[string]any{"type": "object"}

type entry struct {
	tool   Tool
	def    Definition
	schema *gojsonschema.Schema
}

// Registry maps tool names to implementations. Tools are registered during
// startup; after Seal the registry is read-only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	sealed  bool
	policy  RiskPolicy
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithRiskPolicy sets the policy consulted before each invocation.
func WithRiskPolicy(p RiskPolicy) RegistryOption {
	return func(r *Registry) {
		if p != nil {
			r.policy = p
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{entries: make(map[string]entry), policy: AllowAll{}}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds t. Names must be unique and the parameter schema must
// compile.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool is nil")
	}
	def := t.Describe()
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool name is required")
	}
	if def.RiskLevel == 0 {
		def.RiskLevel = RiskLow
	}
	if def.Parameters == nil {
		def.Parameters = anyObject
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Parameters))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("tool %s has an invalid parameter schema", def.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return xerrors.New(xerrors.CodeConflict, "registry is sealed", xerrors.WithMetadata("tool", def.Name))
	}
	if _, exists := r.entries[def.Name]; exists {
		return xerrors.New(xerrors.CodeConflict, "tool already registered", xerrors.WithMetadata("tool", def.Name))
	}
	r.entries[def.Name] = entry{tool: t, def: def, schema: schema}
	return nil
}

// MustRegister panics on registration errors. For use in startup wiring.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, Definition, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Definition{}, xerrors.New(xerrors.CodeToolNotFound, "tool not registered", xerrors.WithMetadata("tool", name))
	}
	return e.tool, e.def, nil
}

// Definition returns the definition of name.
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, ok
}

// Definitions lists every definition sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Validate checks params against the tool's parameter schema.
func (r *Registry) Validate(name string, params map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeToolNotFound, "tool not registered", xerrors.WithMetadata("tool", name))
	}
	if params == nil {
		params = map[string]any{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidParameters, err, "parameters are not valid JSON", xerrors.WithMetadata("tool", name))
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return xerrors.New(xerrors.CodeInvalidParameters, strings.Join(problems, "; "), xerrors.WithMetadata("tool", name))
}

// MissingRequired returns the required top-level properties absent in params.
func (r *Registry) MissingRequired(name string, params map[string]any) []string {
	def, ok := r.Definition(name)
	if !ok {
		return nil
	}
	var missing []string
	for _, field := range RequiredFields(def.Parameters) {
		if v, present := params[field]; !present || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// Invoke resolves, authorises and runs a tool. Parameters are assumed to be
// validated by the caller.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any, rc RunContext) (Output, error) {
	t, def, err := r.Get(name)
	if err != nil {
		return Output{}, err
	}
	if err := r.policy.Allow(ctx, def, rc); err != nil {
		return Output{}, err
	}
	return t.Invoke(ctx, params, rc)
}

// RequiredFields reads the "required" list of an object schema.
func RequiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return append([]string(nil), req...)
	case []any:
		out := make([]string, 0, len(req))
		for _, item := range req {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

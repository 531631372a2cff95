package rules

import (
	"context"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "AgentFlow/internal/errors"
)

// MemoryStore 以内存方式保存规则，按写入顺序返回，主要用于测试与单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	rules map[string]*Rule
}

// NewMemoryStore 创建 MemoryStore 并写入初始规则。
func NewMemoryStore(initial ...Rule) *MemoryStore {
	s := &MemoryStore{rules: make(map[string]*Rule)}
	for _, r := range initial {
		_ = s.Put(r)
	}
	return s
}

// LoadMemoryStore 从 YAML 文件加载规则列表。
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取规则文件失败")
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析规则文件失败")
	}
	s := NewMemoryStore()
	for _, r := range doc.Rules {
		if err := s.Put(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put 新增或替换一条规则。
func (s *MemoryStore) Put(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	clone := cloneRule(r)
	s.rules[r.ID] = &clone
	return nil
}

// Get 返回规则副本。
func (s *MemoryStore) Get(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, false
	}
	return cloneRule(*r), true
}

// ListActive 实现 Store 接口。
func (s *MemoryStore) ListActive(_ context.Context, userID string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.order))
	for _, id := range s.order {
		r := s.rules[id]
		if !r.Active {
			continue
		}
		if userID != "" && r.OwnerUserID != userID {
			continue
		}
		out = append(out, cloneRule(*r))
	}
	return out, nil
}

// MarkEvaluated 实现 Store 接口。
func (s *MemoryStore) MarkEvaluated(_ context.Context, ruleID string, at time.Time) error {
	return s.update(ruleID, func(r *Rule) { r.LastEvaluatedAt = &at })
}

// MarkTriggered 实现 Store 接口。
func (s *MemoryStore) MarkTriggered(_ context.Context, ruleID string, at time.Time) error {
	return s.update(ruleID, func(r *Rule) { r.LastTriggeredAt = &at })
}

func (s *MemoryStore) update(ruleID string, fn func(*Rule)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "rule not found", xerrors.WithMetadata("rule_id", ruleID))
	}
	fn(r)
	return nil
}

func cloneRule(r Rule) Rule {
	if r.Action.Params != nil {
		params := make(map[string]any, len(r.Action.Params))
		for k, v := range r.Action.Params {
			params[k] = v
		}
		r.Action.Params = params
	}
	if r.LastEvaluatedAt != nil {
		t := *r.LastEvaluatedAt
		r.LastEvaluatedAt = &t
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		r.LastTriggeredAt = &t
	}
	return r
}

var _ Store = (*MemoryStore)(nil)

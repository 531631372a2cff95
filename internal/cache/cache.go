// Package cache memoises tool results by a deterministic key with a TTL and
// collapses concurrent computations of the same key into one.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Store persists entries. Get must report expired entries as misses.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, entry Entry) error
}

// Outcome tells how GetOrCompute produced its value.
type Outcome int

const (
	// Miss means this caller ran the computation.
	Miss Outcome = iota
	// Hit means the value came from the store.
	Hit
	// Shared means the caller joined a computation started by someone else.
	Shared
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Shared:
		return "shared"
	default:
		return "miss"
	}
}

// Cached reports whether the caller was served without computing.
func (o Outcome) Cached() bool { return o != Miss }

// Stats counts lookups since start.
type Stats struct {
	Hits, Misses, Shared, Errors int64
}

// Manager coordinates a Store and single-flight computations.
type Manager struct {
	store Store
	now   func() time.Time
	group singleflight.Group

	hits, misses, shared, errs atomic.Int64
	observer                   func(Outcome)
}

// Option customises the Manager.
type Option func(*Manager)

// WithClock injects the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver receives every lookup outcome.
func WithObserver(fn func(Outcome)) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// NewManager creates a Manager over store. A nil store gets a MemoryStore.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if store == nil {
		store = NewMemoryStore(m.now)
	}
	m.store = store
	return m
}

// Store exposes the backing store.
func (m *Manager) Store() Store { return m.store }

// Stats returns lookup counters.
func (m *Manager) Stats() Stats {
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load(), Shared: m.shared.Load(), Errors: m.errs.Load()}
}

// GetOrCompute returns the cached value for key or runs compute once for all
// concurrent callers of the same key. Successful values are stored for ttl;
// failures are returned to every waiter and never stored. A ttl <= 0 still
// collapses concurrent calls but keeps nothing.
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, Outcome, error) {
	if ttl > 0 {
		if entry, ok, err := m.store.Get(ctx, key); err == nil && ok {
			m.record(Hit)
			return cloneBytes(entry.Value), Hit, nil
		}
	}

	// One extra round lets a waiter recover when the caller it joined was
	// cancelled while the waiter itself is still live.
	for round := 0; ; round++ {
		value, outcome, err := m.flight(ctx, key, ttl, compute)
		if err != nil && outcome == Shared && round == 0 && ctx.Err() == nil &&
			(stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded)) {
			continue
		}
		if err != nil {
			m.errs.Add(1)
			return nil, outcome, err
		}
		m.record(outcome)
		return value, outcome, nil
	}
}

// flightResult carries the value of one flight and where it came from.
type flightResult struct {
	value     []byte
	fromStore bool
}

// flight runs or joins the single-flight call for key. A caller that started
// the computation waits for it to finish even after its own ctx is done, so
// the outcome it reports always matches what compute actually did. compute
// receives that same ctx and is expected to return promptly once it ends.
func (m *Manager) flight(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, Outcome, error) {
	var leader atomic.Bool
	ch := m.group.DoChan(key, func() (any, error) {
		leader.Store(true)
		if ttl > 0 {
			// 另一个 flight 可能在外层查找之后刚刚写入。
			if entry, ok, err := m.store.Get(ctx, key); err == nil && ok {
				return flightResult{value: entry.Value, fromStore: true}, nil
			}
		}
		if err := ctx.Err(); err != nil {
			// 发起者已经放弃等待，不再产生没人认领的副作用。
			return nil, err
		}
		value, err := safeCompute(ctx, compute)
		if v, ok := VolatileValue(err); ok {
			return flightResult{value: v}, nil
		}
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			stored := Entry{Key: key, Value: cloneBytes(value), ExpiresAt: m.now().Add(ttl)}
			if err := m.store.Set(context.WithoutCancel(ctx), stored); err != nil {
				return nil, fmt.Errorf("cache store %q: %w", key, err)
			}
		}
		return flightResult{value: value}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		if !leader.Load() {
			return nil, Shared, ctx.Err()
		}
		res = <-ch
	}

	outcome := Shared
	if leader.Load() {
		outcome = Miss
	}
	if res.Err != nil {
		return nil, outcome, res.Err
	}
	fr, _ := res.Val.(flightResult)
	if fr.fromStore {
		outcome = Hit
	}
	return cloneBytes(fr.value), outcome, nil
}

// safeCompute turns a panic in compute into an error. DoChan runs compute on
// its own goroutine, where an unrecovered panic would end the process.
func safeCompute(ctx context.Context, compute func(ctx context.Context) ([]byte, error)) (value []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cache compute panicked: %v", rec)
		}
	}()
	return compute(ctx)
}

type volatileValue struct{ value []byte }

func (*volatileValue) Error() string { return "volatile cache value" }

// Volatile is returned by a compute function to hand value to every waiter of
// the current flight without storing it, e.g. for partial results.
func Volatile(value []byte) error {
	return &volatileValue{value: value}
}

// VolatileValue extracts the value carried by a Volatile error.
func VolatileValue(err error) ([]byte, bool) {
	var v *volatileValue
	if stdErrors.As(err, &v) {
		return v.value, true
	}
	return nil, false
}

// Forget drops key from the single-flight group so the next call recomputes
// even while a previous computation is still running.
func (m *Manager) Forget(key string) {
	m.group.Forget(key)
}

func (m *Manager) record(o Outcome) {
	switch o {
	case Hit:
		m.hits.Add(1)
	case Shared:
		m.shared.Add(1)
	default:
		m.misses.Add(1)
	}
	if m.observer != nil {
		m.observer(o)
	}
}

// Key builds the cache key of a tool invocation from its name and
// parameters. Parameter maps that differ only in key order or in numeric
// representation produce the same key.
func Key(tool string, params map[string]any) (string, error) {
	canonical, err := Canonical(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "tool:" + tool + ":" + hex.EncodeToString(sum[:]), nil
}

// Canonical encodes v as JSON with sorted object keys and normalised numbers.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cache key: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalise cache key: %w", err)
	}
	return json.Marshal(normalise(generic))
}

func normalise(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalise(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalise(item)
		}
		return val
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return val
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

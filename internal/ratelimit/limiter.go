// Package ratelimit bounds how often each external service is called. Every
// service has its own sliding window; a caller either gets a permit, waits
// on the returned hint, or is rejected once its wait budget runs out.
package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	xerrors "AgentFlow/internal/errors"
)

// Limit allows MaxCalls permits inside any Window-long interval.
type Limit struct {
	MaxCalls int           `yaml:"max_calls" json:"max_calls"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// Valid reports whether the limit constrains anything.
func (l Limit) Valid() bool {
	return l.MaxCalls > 0 && l.Window > 0
}

// Decision is the non-blocking answer of a backend: either a permit or a hint
// about when the next permit frees up.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Backend decides permits for one attempt without blocking.
type Backend interface {
	Try(ctx context.Context, service string) (Decision, error)
}

// Permit records a granted call.
type Permit struct {
	Service   string
	GrantedAt time.Time
	Waited    time.Duration
}

// Stats counts decisions since start.
type Stats struct {
	Granted  int64
	Waited   int64
	Rejected int64
}

// Observer receives every final decision, e.g. for metrics.
type Observer func(service string, outcome string)

// Limiter turns backend decisions into a bounded wait.
type Limiter struct {
	backend  Backend
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer

	granted  atomic.Int64
	waited   atomic.Int64
	rejected atomic.Int64
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock injects a time source and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithObserver registers a decision callback.
func WithObserver(obs Observer) Option {
	return func(l *Limiter) {
		l.observer = obs
	}
}

// New wraps backend.
func New(backend Backend, opts ...Option) *Limiter {
	l := &Limiter{backend: backend, now: time.Now, sleep: sleepContext}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Try asks the backend once.
func (l *Limiter) Try(ctx context.Context, service string) (Decision, error) {
	if l == nil || l.backend == nil {
		return Decision{Allowed: true}, nil
	}
	return l.backend.Try(ctx, service)
}

// Acquire waits up to maxWait for a permit. It fails with RATE_LIMITED when the
// next permit would arrive after maxWait, and never waits longer than the
// context allows.
func (l *Limiter) Acquire(ctx context.Context, service string, maxWait time.Duration) (Permit, error) {
	start := l.clock()
	if l == nil || l.backend == nil {
		return Permit{Service: service, GrantedAt: start}, nil
	}
	for {
		decision, err := l.backend.Try(ctx, service)
		if err != nil {
			return Permit{}, err
		}
		now := l.now()
		waited := now.Sub(start)
		if decision.Allowed {
			l.granted.Add(1)
			outcome := "granted"
			if waited > 0 {
				l.waited.Add(1)
				outcome = "waited"
			}
			l.observe(service, outcome)
			return Permit{Service: service, GrantedAt: now, Waited: waited}, nil
		}

		remaining := maxWait - waited
		if deadline, ok := ctx.Deadline(); ok {
			if untilDeadline := deadline.Sub(now); untilDeadline < remaining {
				remaining = untilDeadline
			}
		}
		if decision.RetryAfter > remaining {
			l.rejected.Add(1)
			l.observe(service, "rejected")
			return Permit{}, xerrors.New(xerrors.CodeRateLimited, "rate limit window full",
				xerrors.WithMetadata("service", service),
				xerrors.WithMetadata("retry_after_ms", strconv.FormatInt(decision.RetryAfter.Milliseconds(), 10)))
		}

		pause := decision.RetryAfter
		if pause <= 0 {
			pause = time.Millisecond
		}
		if err := l.sleep(ctx, pause); err != nil {
			return Permit{}, xerrors.Wrap(xerrors.CodeTimeout, err, "rate limit wait interrupted")
		}
	}
}

// Stats returns decision counters.
func (l *Limiter) Stats() Stats {
	return Stats{Granted: l.granted.Load(), Waited: l.waited.Load(), Rejected: l.rejected.Load()}
}

func (l *Limiter) clock() time.Time {
	if l == nil || l.now == nil {
		return time.Now()
	}
	return l.now()
}

func (l *Limiter) observe(service, outcome string) {
	if l.observer != nil {
		l.observer(service, outcome)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

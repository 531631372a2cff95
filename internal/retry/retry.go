// Package retry classifies failures as transient or permanent and re-runs
// transient ones with capped exponential backoff and jitter.
package retry

import (
	"context"
	stdErrors "errors"
	"math/rand/v2"
	"net"
	"time"

	xerrors "AgentFlow/internal/errors"
)

// Class separates failures worth another attempt from failures that will
// fail the same way again.
type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Classify maps an error to its retry class. Registered error codes decide
// first; deadline and network timeouts are transient; cancellation and
// anything unrecognised are permanent.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	if _, ok := xerrors.From(err); ok {
		if xerrors.RetryableError(err) {
			return Transient
		}
		return Permanent
	}
	if stdErrors.Is(err, context.Canceled) {
		return Permanent
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	return Permanent
}

// Normalize turns bare context and network errors into coded errors so
// callers can report an error kind.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	switch {
	case stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCanceled, err, "")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "")
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "")
		}
		return xerrors.Wrap(xerrors.CodeUpstream, err, "")
	}
	return err
}

type stopError struct{ err error }

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Stop marks err as final for the current Do call even when it is transient.
// The error keeps its code, so the caller can still report it as retryable
// at a higher level.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Policy configures backoff. Zero fields take the defaults below.
type Policy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Budget         time.Duration `yaml:"budget"`

	// Sleep and Rand are test seams.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`
	Rand  func() float64                                   `yaml:"-"`
}

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultJitter      = 0.2
)

// WithDefaults returns a copy with unset fields filled in.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// NextDelay returns the wait before attempt+1, where attempt counts failed
// attempts from zero. The result never exceeds MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := p.MaxDelay
	if attempt < 32 {
		if d := p.BaseDelay << uint(attempt); d > 0 && d < p.MaxDelay {
			delay = d
		}
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) - spread + 2*spread*p.Rand())
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Do runs fn until it succeeds, fails permanently, exhausts MaxAttempts or
// runs out of Budget. It returns the number of attempts made and the last
// error. attempt passed to fn starts at 1.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.WithDefaults()
	if p.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Budget)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, Normalize(err)
		}

		lastErr = p.runAttempt(ctx, attempt, fn)
		if lastErr == nil {
			return attempt, nil
		}

		var stop *stopError
		if stdErrors.As(lastErr, &stop) {
			return attempt, stop.err
		}
		if Classify(lastErr) == Permanent || attempt == p.MaxAttempts {
			return attempt, lastErr
		}

		delay := p.NextDelay(attempt - 1)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			return attempt, lastErr
		}
		if err := p.Sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	return p.MaxAttempts, lastErr
}

func (p Policy) runAttempt(ctx context.Context, attempt int, fn func(context.Context, int) error) error {
	attemptCtx := ctx
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
	}
	err := fn(attemptCtx, attempt)
	if err == nil {
		return nil
	}
	// A per-attempt deadline is a timeout of this attempt, not of the caller.
	if ctx.Err() == nil && stdErrors.Is(err, context.DeadlineExceeded) {
		if _, ok := xerrors.From(err); !ok {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "attempt timed out")
		}
	}
	return Normalize(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package jobs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentFlow/internal/agent"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/observability/alerting"
	"AgentFlow/internal/retry"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []agent.TurnRequest
	respond  func(req agent.TurnRequest, call int) (*agent.TurnOutcome, error)
}

func (f *fakeRunner) HandleTurn(_ context.Context, req agent.TurnRequest) (*agent.TurnOutcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	if f.respond == nil {
		return respondOutcome("ok"), nil
	}
	return f.respond(req, call)
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type processorFixture struct {
	store  *MemoryStore
	queue  *MemoryQueue
	runner *fakeRunner
	alerts *recordingDispatcher
	proc   *Processor
}

func newProcessorFixture(t *testing.T, maxRetries int, opts ...ProcessorOption) *processorFixture {
	t.Helper()
	f := &processorFixture{
		store:  NewMemoryStore(),
		queue:  NewMemoryQueue(16),
		runner: &fakeRunner{},
		alerts: &recordingDispatcher{},
	}
	opts = append([]ProcessorOption{WithAlertDispatcher(f.alerts)}, opts...)
	f.proc = NewProcessor(f.runner, f.store, f.queue, f.queue, opts...)
	require.NoError(t, f.store.Create(context.Background(), &Job{
		ID: "job-1", ConversationID: "conv", UserID: "u1", Message: "write a tagline", MaxRetries: maxRetries,
	}))
	return f
}

func (f *processorFixture) queued() int {
	return len(f.queue.ch)
}

func TestProcessorStoresRespondOutcome(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, 3)
	ctx := context.Background()
	require.NoError(t, f.proc.handle(ctx, "job-1"))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, "ok", job.Result.Reply)

	require.Equal(t, 1, f.runner.calls())
	req := f.runner.requests[0]
	assert.Equal(t, "job-1-1", req.TurnID)
	assert.Equal(t, "conv", req.ConversationID)
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "write a tagline", req.Message)

	// 已完成的作业再次投递时直接跳过。
	require.NoError(t, f.proc.handle(ctx, "job-1"))
	assert.Equal(t, 1, f.runner.calls())
}

func TestProcessorFailDecisionIsTerminal(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, 3)
	f.runner.respond = func(agent.TurnRequest, int) (*agent.TurnOutcome, error) {
		return &agent.TurnOutcome{Decision: agent.Fail(xerrors.CodeUpstream, "image provider unavailable")}, nil
	}
	ctx := context.Background()
	require.NoError(t, f.proc.handle(ctx, "job-1"))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(xerrors.CodeUpstream), job.ErrorCode)
	assert.Equal(t, 1, job.Attempts)
	assert.Zero(t, f.queued(), "fail decisions must not be re-queued")
	assert.Empty(t, f.alerts.snapshot())
}

func TestProcessorRequeuesTransientErrorsUntilExhausted(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, 2)
	f.runner.respond = func(agent.TurnRequest, int) (*agent.TurnOutcome, error) {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "history unavailable")
	}
	ctx := context.Background()

	require.NoError(t, f.proc.handle(ctx, "job-1"))
	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, job.Status)
	require.Equal(t, 1, f.queued())
	assert.Equal(t, "job-1", <-f.queue.ch)

	require.NoError(t, f.proc.handle(ctx, "job-1"))
	job, err = f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Zero(t, f.queued())

	events := f.alerts.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, CodeJobExhausted, events[0].Code)
	assert.Equal(t, alerting.SourceJob, events[0].Source)
	assert.Equal(t, "job-1", events[0].SubjectID)
	assert.Equal(t, "terminal", events[0].Metadata["stage"])
	assert.Equal(t, 2, events[0].Attempts)
}

func TestProcessorUncodedErrorsArePermanent(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, 3)
	f.runner.respond = func(agent.TurnRequest, int) (*agent.TurnOutcome, error) {
		return nil, stdErrors.New("unexpected")
	}
	ctx := context.Background()
	require.NoError(t, f.proc.handle(ctx, "job-1"))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(CodeJobProcessing), job.ErrorCode)
	assert.Zero(t, f.queued())

	events := f.alerts.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, CodeJobProcessing, events[0].Code)
}

func TestProcessorRecoveryProvidesFallback(t *testing.T) {
	t.Parallel()

	var recovered atomic.Bool
	recovery := RecoveryFunc(func(_ context.Context, job *Job, cause error) (*agent.TurnOutcome, error) {
		recovered.Store(true)
		assert.True(t, xerrors.HasCode(cause, xerrors.CodeInvalidArgument))
		return respondOutcome("queued for manual review"), nil
	})
	f := newProcessorFixture(t, 3, WithRecoveryHandler(recovery))
	f.runner.respond = func(agent.TurnRequest, int) (*agent.TurnOutcome, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}
	ctx := context.Background()
	require.NoError(t, f.proc.handle(ctx, "job-1"))

	assert.True(t, recovered.Load())
	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, "queued for manual review", job.Result.Reply)
}

type failingCompleteStore struct {
	*MemoryStore
	completes atomic.Int32
}

func (s *failingCompleteStore) Complete(context.Context, string, *agent.TurnOutcome) error {
	s.completes.Add(1)
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func TestProcessorDoesNotRerunTurnWhenResultWriteFails(t *testing.T) {
	t.Parallel()

	store := &failingCompleteStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Job{ID: "job-1", UserID: "u1", Message: "m", MaxRetries: 3}))
	queue := NewMemoryQueue(4)
	runner := &fakeRunner{}
	alerts := &recordingDispatcher{}
	proc := NewProcessor(runner, store, queue, queue,
		WithAlertDispatcher(alerts),
		WithWriteRetry(retry.Policy{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }}),
	)

	require.NoError(t, proc.handle(ctx, "job-1"))
	assert.EqualValues(t, 2, store.completes.Load())
	assert.Equal(t, 1, runner.calls())
	assert.Zero(t, len(queue.ch))

	events := alerts.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, xerrors.CodeStorageFailure, events[0].Code)
	assert.Equal(t, "complete", events[0].Metadata["stage"])
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	runner := &fakeRunner{}
	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	const total = 100
	for i := 0; i < total; i++ {
		_, err := service.Submit(ctx, Request{UserID: "u1", Message: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := service.Stats(ctx)
		return err == nil && stats.Succeeded == total
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, total, runner.calls())

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

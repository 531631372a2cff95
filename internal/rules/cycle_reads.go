package rules

import (
	"context"
	"sync"

	xerrors "AgentFlow/internal/errors"
)

// cycleReads 记住一个检查周期内成功的指标读取，只存活到周期结束。
// 失败的读取不会被记住，同一周期内后续的规则会重新读取。
type cycleReads struct {
	mu    sync.Mutex
	calls map[string]*metricRead
}

type metricRead struct {
	done  chan struct{}
	value float64
	err   error
}

func newCycleReads() *cycleReads {
	return &cycleReads{calls: make(map[string]*metricRead)}
}

func (c *cycleReads) do(ctx context.Context, key string, read func(ctx context.Context) (float64, error)) (float64, error) {
	c.mu.Lock()
	if call, ok := c.calls[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	call := &metricRead{done: make(chan struct{})}
	c.calls[key] = call
	c.mu.Unlock()

	finished := false
	defer func() {
		if !finished {
			// read panic 时让等待者尽快返回，panic 继续交给 checkOne 处理。
			call.err = xerrors.New(xerrors.CodeUnknown, "metric read aborted")
			c.forget(key)
			close(call.done)
		}
	}()
	call.value, call.err = read(ctx)
	finished = true
	if call.err != nil {
		c.forget(key)
	}
	close(call.done)
	return call.value, call.err
}

func (c *cycleReads) forget(key string) {
	c.mu.Lock()
	delete(c.calls, key)
	c.mu.Unlock()
}


package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treeverse/clusterkv/pkg/eventloop"
	"github.com/treeverse/clusterkv/pkg/status"
)

// Listener receives the aggregate result of an async call. It runs once, on
// the event loop of the call unless the loop was closed.
type Listener func(err error)

// asyncCall tracks the node commands of a call in flight on one event loop.
type asyncCall struct {
	*call
	ctx      context.Context
	loop     *eventloop.Loop
	listener Listener
	start    time.Time
	pending  atomic.Int32

	mu       sync.Mutex
	firstErr error
}

// OperateAsync plans records and starts their node commands on an event
// loop. It returns once the commands are scheduled. An error means the call
// never started and listener is not called.
func (e *Executor) OperateAsync(ctx context.Context, policy *BatchPolicy, records []Record, listener Listener) error {
	if listener == nil {
		return status.New(status.ErrParam, "async batch needs a listener")
	}
	if e.loops == nil {
		return status.New(status.ErrParam, "async batch needs event loops")
	}
	if policy == nil {
		policy = e.policies.Batch
	}
	start := time.Now()
	if len(records) == 0 {
		return e.loops.Next().Execute(func() { listener(nil) })
	}
	c, batches, err := e.newCall(ctx, policy, records)
	if err != nil {
		e.stats.observeCall(modeAsync, len(records), start, err)
		return err
	}
	a := &asyncCall{
		call:     c,
		ctx:      ctx,
		loop:     e.loops.Next(),
		listener: listener,
		start:    start,
	}
	a.pending.Store(int32(len(batches)))
	t := newTiming(policy, start)
	for _, nb := range batches {
		a.submit(nb, t)
	}
	return nil
}

func (a *asyncCall) submit(nb *nodeBatch, t Timing) {
	err := a.loop.Go(a.ctx, func(ctx context.Context) error {
		return a.attempt(ctx, nb, &t)
	}, func(err error) {
		a.onComplete(nb, t, err)
	})
	if err != nil {
		if errors.Is(err, eventloop.ErrClosed) {
			err = status.New(status.ErrClientAbort, "%s", err)
		}
		a.fail(nb, err)
		nb.release()
		a.complete(err)
	}
}

// onComplete runs on the loop after each attempt.
func (a *asyncCall) onComplete(nb *nodeBatch, t Timing, err error) {
	if err == nil {
		nb.release()
		a.complete(nil)
		return
	}
	action, children, sleep := a.onFailure(nb, &t, err)
	switch action {
	case retrySameNode:
		a.exec.stats.observeRetry(action.String())
		a.after(sleep, func() { a.submit(nb, t) })
	case retrySplit:
		a.exec.stats.observeRetry(action.String())
		nb.release()
		a.pending.Add(int32(len(children) - 1))
		for _, child := range children {
			a.after(sleep, func() { a.submit(child, t.split()) })
		}
	default:
		a.fail(nb, err)
		nb.release()
		a.complete(err)
	}
}

// after runs fn on the loop once d has passed.
func (a *asyncCall) after(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	time.AfterFunc(d, func() {
		if err := a.loop.Execute(fn); err != nil {
			fn()
		}
	})
}

// complete accounts for one finished node batch and notifies the listener
// after the last one.
func (a *asyncCall) complete(err error) {
	a.mu.Lock()
	if err != nil && a.firstErr == nil {
		a.firstErr = err
	}
	a.mu.Unlock()
	if a.pending.Add(-1) != 0 {
		return
	}
	a.mu.Lock()
	result := a.result(a.firstErr)
	a.mu.Unlock()
	a.exec.stats.observeCall(modeAsync, len(a.records), a.start, result)
	a.listener(result)
}

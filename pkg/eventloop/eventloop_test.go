package eventloop_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/eventloop"
	"github.com/treeverse/clusterkv/pkg/logging"
	"github.com/treeverse/clusterkv/pkg/status"
)

func TestLoops_Next(t *testing.T) {
	ls := eventloop.New(eventloop.Config{Loops: 3}, logging.Dummy())
	defer ls.Close()
	require.Equal(t, 3, ls.Size())
	var got []int
	for i := 0; i < 6; i++ {
		got = append(got, ls.Next().Index())
	}
	require.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)
	require.Nil(t, ls.Get(3))
}

func TestLoop_ExecuteSerialises(t *testing.T) {
	ls := eventloop.New(eventloop.Config{Loops: 1}, logging.Dummy())
	l := ls.Next()

	// the counter is only touched on the loop goroutine
	counter := 0
	var wg sync.WaitGroup
	const n = 500
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			if err := l.Execute(func() {
				counter++
				wg.Done()
			}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	ls.Close()
	require.Equal(t, n, counter)
	require.ErrorIs(t, l.Execute(func() {}), eventloop.ErrClosed)
}

func TestLoop_GoDeliversOnLoop(t *testing.T) {
	ls := eventloop.New(eventloop.Config{Loops: 1, MaxCommandsInProcess: 2}, logging.Dummy())
	defer ls.Close()
	l := ls.Next()

	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	results := make(chan error, 5)
	errWork := errors.New("work failed")
	for i := 0; i < 5; i++ {
		i := i
		err := l.Go(context.Background(), func(context.Context) error {
			cur := running.Add(1)
			for {
				prev := maxRunning.Load()
				if cur <= prev || maxRunning.CompareAndSwap(prev, cur) {
					break
				}
			}
			<-release
			running.Add(-1)
			if i == 4 {
				return errWork
			}
			return nil
		}, func(err error) {
			results <- err
		})
		require.NoError(t, err)
	}
	close(release)
	var failed int
	for i := 0; i < 5; i++ {
		if err := <-results; err != nil {
			require.ErrorIs(t, err, errWork)
			failed++
		}
	}
	require.Equal(t, 1, failed)
	require.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestLoop_QueueFull(t *testing.T) {
	ls := eventloop.New(eventloop.Config{Loops: 1, MaxCommandsInProcess: 1, MaxCommandsInQueue: 1}, logging.Dummy())
	defer ls.Close()
	l := ls.Next()

	block := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 2)
	require.NoError(t, l.Go(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}, func(err error) { done <- err }))
	<-started

	// the first command holds the only slot, the second waits in the queue
	require.NoError(t, l.Go(context.Background(), func(context.Context) error { return nil }, func(err error) { done <- err }))
	err := l.Go(context.Background(), func(context.Context) error { return nil }, func(error) {
		t.Error("done called for rejected command")
	})
	require.ErrorIs(t, err, status.New(status.ErrAsyncQueueFull, ""))

	close(block)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestLoop_GoCanceledWhileQueued(t *testing.T) {
	ls := eventloop.New(eventloop.Config{Loops: 1, MaxCommandsInProcess: 1}, logging.Dummy())
	defer ls.Close()
	l := ls.Next()

	block := make(chan struct{})
	started := make(chan struct{})
	first := make(chan error, 1)
	require.NoError(t, l.Go(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}, func(err error) { first <- err }))
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	require.NoError(t, l.Go(ctx, func(context.Context) error {
		t.Error("work ran after cancel")
		return nil
	}, func(err error) { second <- err }))
	cancel()
	require.ErrorIs(t, <-second, status.New(status.ErrClientAbort, ""))
	close(block)
	require.NoError(t, <-first)
}

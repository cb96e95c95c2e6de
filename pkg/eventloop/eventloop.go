package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/treeverse/clusterkv/pkg/logging"
	"github.com/treeverse/clusterkv/pkg/status"
)

// TaskBufferSize is the amount of callbacks that can be scheduled on a loop
// before Execute starts blocking.
const TaskBufferSize = 1 << 12

var ErrClosed = errors.New("event loop closed")

type Config struct {
	// Loops is the number of loop goroutines.
	Loops int
	// MaxCommandsInProcess bounds the commands running I/O at the same time
	// per loop. Zero means unbounded.
	MaxCommandsInProcess int
	// MaxCommandsInQueue bounds the commands waiting for a slot per loop.
	// Zero means unbounded.
	MaxCommandsInQueue int
}

// Loop serialises callbacks on a single goroutine. Blocking work is started
// with Go and its completion is delivered back on the loop.
type Loop struct {
	index    int
	tasks    chan func()
	sem      *semaphore.Weighted
	maxQueue int64
	queued   atomic.Int64
	inflight sync.WaitGroup
	closed   atomic.Bool
	done     chan struct{}
	logger   logging.Logger
}

func newLoop(index int, cfg Config, logger logging.Logger) *Loop {
	l := &Loop{
		index:    index,
		tasks:    make(chan func(), TaskBufferSize),
		maxQueue: int64(cfg.MaxCommandsInQueue),
		done:     make(chan struct{}),
		logger:   logger.WithField("loop", index),
	}
	if cfg.MaxCommandsInProcess > 0 {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxCommandsInProcess))
	}
	return l
}

func (l *Loop) Index() int {
	return l.index
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			// run what was scheduled before shutdown
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Execute schedules fn to run on the loop goroutine.
func (l *Loop) Execute(fn func()) error {
	if l.closed.Load() {
		return ErrClosed
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Go runs work on its own goroutine once an in-process slot is free, then
// schedules done with the result on the loop. done always runs exactly once,
// inline if the loop was closed meanwhile. Go never blocks: when the queue is
// full it fails with ErrAsyncQueueFull and done is not called.
func (l *Loop) Go(ctx context.Context, work func(ctx context.Context) error, done func(error)) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if n := l.queued.Add(1); l.maxQueue > 0 && n > l.maxQueue {
		l.queued.Add(-1)
		return status.New(status.ErrAsyncQueueFull, "async command queue full")
	}
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		err := l.acquire(ctx)
		l.queued.Add(-1)
		if err == nil {
			err = work(ctx)
			l.release()
		}
		if execErr := l.Execute(func() { done(err) }); execErr != nil {
			done(err)
		}
	}()
	return nil
}

func (l *Loop) acquire(ctx context.Context) error {
	if l.sem == nil {
		return nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return status.New(status.ErrClientAbort, "waiting for command slot: %s", err)
	}
	return nil
}

func (l *Loop) release() {
	if l.sem != nil {
		l.sem.Release(1)
	}
}

// Queued is the number of commands started with Go that wait for a slot.
func (l *Loop) Queued() int {
	return int(l.queued.Load())
}

// Loops is a fixed set of event loops handed out round robin.
type Loops struct {
	loops  []*Loop
	next   atomic.Uint32
	cancel context.CancelFunc
	once   sync.Once
	logger logging.Logger
}

func New(cfg Config, logger logging.Logger) *Loops {
	if logger == nil {
		logger = logging.ContextUnavailable()
	}
	logger = logger.WithField(logging.ServiceNameFieldKey, "eventloop")
	if cfg.Loops <= 0 {
		cfg.Loops = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	ls := &Loops{
		loops:  make([]*Loop, cfg.Loops),
		cancel: cancel,
		logger: logger,
	}
	for i := range ls.loops {
		l := newLoop(i, cfg, logger)
		ls.loops[i] = l
		go l.run(ctx)
	}
	return ls
}

func (ls *Loops) Size() int {
	return len(ls.loops)
}

// Get returns loop i, or nil if out of range.
func (ls *Loops) Get(i int) *Loop {
	if i < 0 || i >= len(ls.loops) {
		return nil
	}
	return ls.loops[i]
}

// Next returns the next loop round robin.
func (ls *Loops) Next() *Loop {
	i := ls.next.Add(1) - 1
	return ls.loops[int(i%uint32(len(ls.loops)))]
}

// Close waits for commands started with Go to finish, then stops the loops
// after they run the callbacks already scheduled.
func (ls *Loops) Close() {
	ls.once.Do(func() {
		for _, l := range ls.loops {
			l.inflight.Wait()
		}
		for _, l := range ls.loops {
			l.closed.Store(true)
		}
		ls.cancel()
		for _, l := range ls.loops {
			<-l.done
		}
		ls.logger.Debug("event loops closed")
	})
}

package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/logging"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/wire"
)

// Timing holds the deadlines of a node command. Split retries inherit the
// timing of the command they replace.
type Timing struct {
	// Deadline of the whole call. Zero means none.
	Deadline      time.Time
	SocketTimeout time.Duration
	Iteration     int
	Sent          int
	// retries paces the retries of one node command. It is created on the
	// first failure so that commands sharing a Timing value never share it.
	retries backoff.BackOff
}

func newTiming(p *BatchPolicy, now time.Time) Timing {
	t := Timing{SocketTimeout: p.SocketTimeout}
	if p.TotalTimeout > 0 {
		t.Deadline = now.Add(p.TotalTimeout)
		if t.SocketTimeout <= 0 || t.SocketTimeout > p.TotalTimeout {
			t.SocketTimeout = p.TotalTimeout
		}
	}
	return t
}

func (t Timing) expired(now time.Time) bool {
	return !t.Deadline.IsZero() && !now.Before(t.Deadline)
}

// split returns the timing of a command replacing the one timed by t. The
// child keeps the deadline and iteration count and gets its own pacing over
// the retries left.
func (t Timing) split() Timing {
	t.retries = nil
	return t
}

// attemptDeadline bounds one wire exchange started at now.
func (t Timing) attemptDeadline(now time.Time) time.Time {
	var d time.Time
	if t.SocketTimeout > 0 {
		d = now.Add(t.SocketTimeout)
	}
	if !t.Deadline.IsZero() && (d.IsZero() || t.Deadline.Before(d)) {
		d = t.Deadline
	}
	return d
}

type retryAction int

const (
	retryNone retryAction = iota
	retrySameNode
	retrySplit
)

func (a retryAction) String() string {
	switch a {
	case retrySameNode:
		return "normal"
	case retrySplit:
		return "split"
	}
	return "none"
}

// call is one batch operation. Its node commands share the records, which
// they update at disjoint offsets.
type call struct {
	id       string
	exec     *Executor
	policy   *BatchPolicy
	records  []Record
	builder  *builder
	single   bool
	errorRow atomic.Bool
	logger   logging.Logger
}

// attempt sends nb once and parses the response into its records.
func (c *call) attempt(ctx context.Context, nb *nodeBatch, t *Timing) error {
	if err := ctx.Err(); err != nil {
		return status.New(status.ErrClientAbort, "%s", err)
	}
	now := time.Now()
	if t.expired(now) {
		return status.New(status.ErrTimeout, "deadline passed before send").WithNode(nb.node.Name(), t.Iteration)
	}
	deadline := t.attemptDeadline(now)
	var timeout time.Duration
	if !deadline.IsZero() {
		timeout = deadline.Sub(now)
	}
	cmd, err := c.builder.estimate(nb, c.single)
	if err != nil {
		return err
	}
	buf, err := c.builder.write(cmd, timeout)
	if err != nil {
		switch {
		case errOverflow(err):
			c.logger.WithError(err).WithField("estimate", cmd.size).Error("Batch command exceeded its size estimate")
		case errors.Is(err, wire.ErrCompression):
			c.logger.WithError(err).Warn("Batch command compression failed")
		}
		return err
	}

	conn, err := c.exec.conns.Acquire(ctx, nb.node)
	if err != nil {
		err = ioError(err)
		c.exec.stats.observeCommand(0, err)
		return annotate(err, nb.node, t.Iteration)
	}
	for _, i := range nb.offsets {
		c.records[i].Base().sendCount++
	}
	t.Sent++
	err = c.exchange(conn, buf, deadline, cmd)
	c.exec.conns.Release(nb.node, conn, err)
	c.exec.stats.observeCommand(len(buf), err)
	if c.logger.IsTracing() {
		c.logger.WithFields(logging.Fields{
			logging.NodeFieldKey:      nb.node.Name(),
			logging.IterationFieldKey: t.Iteration,
			logging.OffsetsFieldKey:   len(nb.offsets),
			"bytes":                   len(buf),
			"legacy":                  cmd.legacy,
			"single":                  cmd.single,
		}).WithError(err).Trace("Node command done")
	}
	if err != nil {
		return annotate(err, nb.node, t.Iteration)
	}
	return nil
}

func (c *call) exchange(conn cluster.Conn, buf []byte, deadline time.Time, cmd *command) error {
	if err := conn.Write(buf, deadline); err != nil {
		return ioError(err)
	}
	if cmd.single {
		return c.parseSingle(conn, deadline, cmd.offsets[0])
	}
	return c.parseBatch(conn, deadline)
}

func annotate(err error, node *cluster.Node, iteration int) error {
	var se *status.Error
	if errors.As(err, &se) && se.Node == "" {
		return se.WithNode(node.Name(), iteration)
	}
	return err
}

// pending returns the offsets of nb that are still unanswered.
func (c *call) pending(offsets []int) []int {
	out := make([]int, 0, len(offsets))
	for _, i := range offsets {
		if c.records[i].Base().Result == status.NoResponse {
			out = append(out, i)
		}
	}
	return out
}

// newRetryBackOff paces the retries left after used ones were spent.
func newRetryBackOff(p *BatchPolicy, used int) backoff.BackOff {
	left := p.MaxRetries - used
	if left <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.SleepBetweenRetries), uint64(left))
}

// nextRetry spends one retry of the command timed by t and returns the pause
// before it, or false when the retries or the deadline are exhausted.
func (c *call) nextRetry(t *Timing) (time.Duration, bool) {
	if t.retries == nil {
		t.retries = newRetryBackOff(c.policy, t.Iteration)
	}
	d := t.retries.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	if !t.Deadline.IsZero() && !time.Now().Add(d).Before(t.Deadline) {
		return 0, false
	}
	return d, true
}

// onFailure decides what follows a failed attempt of nb. A retry on the same
// node narrows nb to its unanswered offsets. A split retry returns the new
// node batches, each holding a node reservation; nb keeps its own.
func (c *call) onFailure(nb *nodeBatch, t *Timing, err error) (retryAction, []*nodeBatch, time.Duration) {
	if !status.IsRetryable(err) {
		return retryNone, nil, 0
	}
	sleep, ok := c.nextRetry(t)
	if !ok {
		return retryNone, nil, 0
	}
	t.Iteration++
	pending := c.pending(nb.offsets)
	if len(pending) == 0 {
		return retryNone, nil, 0
	}
	if c.policy.Replica == cluster.ReplicaMaster {
		nb.offsets = pending
		return retrySameNode, nil, sleep
	}
	batches, invalid, planErr := plan(c.exec.cluster, c.records, pending, cluster.Route{
		Replica:      c.policy.Replica,
		ReplicaIndex: t.Iteration,
		Prev:         nb.node,
	})
	c.markInvalid(invalid)
	if planErr != nil {
		return retryNone, nil, 0
	}
	if len(batches) == 1 && batches[0].node == nb.node {
		batches[0].release()
		nb.offsets = batches[0].offsets
		return retrySameNode, nil, sleep
	}
	return retrySplit, batches, sleep
}

func (c *call) markInvalid(offsets []int) {
	for _, i := range offsets {
		base := c.records[i].Base()
		base.Result = status.ErrInvalidNode
		c.errorRow.Store(true)
	}
}

// fail resolves the unanswered records of nb with the code of err.
func (c *call) fail(nb *nodeBatch, err error) {
	code := status.CodeOf(err)
	for _, i := range nb.offsets {
		r := c.records[i]
		base := r.Base()
		if base.Result != status.NoResponse {
			continue
		}
		base.Result = code
		base.InDoubt = inDoubt(r)
		if !base.InDoubt {
			continue
		}
		c.exec.stats.observeInDoubt()
		if c.policy.Txn != nil {
			c.policy.Txn.OnWriteInDoubt(base.Key.Digest(), base.Key.Set)
		}
	}
	c.logger.WithError(err).WithFields(logging.Fields{
		logging.NodeFieldKey:    nb.node.Name(),
		logging.OffsetsFieldKey: len(nb.offsets),
	}).Debug("Node command failed")
}

// run executes nb with retries. It owns the reservation of nb.node.
func (c *call) run(ctx context.Context, nb *nodeBatch, t Timing) error {
	for {
		err := c.attempt(ctx, nb, &t)
		if err == nil {
			nb.release()
			return nil
		}
		action, children, sleep := c.onFailure(nb, &t, err)
		if action == retryNone {
			c.fail(nb, err)
			nb.release()
			return err
		}
		c.exec.stats.observeRetry(action.String())
		c.logger.WithError(err).WithFields(logging.Fields{
			logging.NodeFieldKey:      nb.node.Name(),
			logging.IterationFieldKey: t.Iteration,
			"retry":                   action.String(),
		}).Debug("Retrying node command")
		if sleepErr := sleepContext(ctx, sleep); sleepErr != nil {
			releaseBatches(children)
			c.fail(nb, sleepErr)
			nb.release()
			return sleepErr
		}
		if action == retrySameNode {
			continue
		}
		nb.release()
		var firstErr error
		for _, child := range children {
			if err := c.run(ctx, child, t.split()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return status.New(status.ErrClientAbort, "%s", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// result is the aggregate outcome of the call given the first command error.
func (c *call) result(err error) error {
	if err != nil {
		return err
	}
	if c.errorRow.Load() {
		return status.New(status.ErrBatchFailed, "one or more batch records failed")
	}
	return nil
}

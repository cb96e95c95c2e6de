package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/xid"
	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/eventloop"
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/logging"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/txn"
)

const (
	modeSync  = "sync"
	modeAsync = "async"
)

// Config holds the collaborators of an Executor. Cluster and Connector are
// required.
type Config struct {
	Cluster   *cluster.Cluster
	Connector cluster.Connector
	// Pool runs the node commands of concurrent sync calls. Without it sync
	// calls are sequential.
	Pool pond.Pool
	// Loops run async calls. Without them OperateAsync fails.
	Loops *eventloop.Loops
	// Monitor registers transaction write keys before they are sent.
	Monitor  txn.Monitor
	Policies Policies
	Stats    *Stats
	Logger   logging.Logger
}

// Executor runs batch calls against a cluster.
type Executor struct {
	cluster  *cluster.Cluster
	conns    cluster.Connector
	pool     pond.Pool
	loops    *eventloop.Loops
	monitor  txn.Monitor
	policies Policies
	stats    *Stats
	logger   logging.Logger
}

func NewExecutor(cfg Config) *Executor {
	defaults := DefaultPolicies()
	policies := cfg.Policies
	if policies.Batch == nil {
		policies.Batch = defaults.Batch
	}
	if policies.Write == nil {
		policies.Write = defaults.Write
	}
	if policies.Apply == nil {
		policies.Apply = defaults.Apply
	}
	if policies.Remove == nil {
		policies.Remove = defaults.Remove
	}
	monitor := cfg.Monitor
	if monitor == nil {
		monitor = txn.NopMonitor{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.ContextUnavailable()
	}
	return &Executor{
		cluster:  cfg.Cluster,
		conns:    cfg.Connector,
		pool:     cfg.Pool,
		loops:    cfg.Loops,
		monitor:  monitor,
		policies: policies,
		stats:    cfg.Stats,
		logger:   logger.WithField(logging.ServiceNameFieldKey, "batch"),
	}
}

// Policies returns the default policies of the executor.
func (e *Executor) Policies() Policies {
	return e.policies
}

// newCall validates records, registers transaction writes and plans the
// first wave of node commands. Records are reset to NoResponse first.
func (e *Executor) newCall(ctx context.Context, policy *BatchPolicy, records []Record) (*call, []*nodeBatch, error) {
	for _, r := range records {
		r.Base().reset()
	}
	if err := computeDigests(records); err != nil {
		return nil, nil, err
	}
	id := xid.New().String()
	fields := logging.Fields{
		logging.BatchIDFieldKey: id,
		"records":               len(records),
	}
	if len(records) > 0 {
		fields[logging.NamespaceFieldKey] = records[0].Base().Key.Namespace
	}
	if policy.Txn != nil {
		fields[logging.TxnIDFieldKey] = policy.Txn.ID()
		if err := e.registerTxn(ctx, policy.Txn, records); err != nil {
			return nil, nil, err
		}
	}
	b, err := newBuilder(policy, e.policies, records)
	if err != nil {
		return nil, nil, err
	}
	c := &call{
		id:      id,
		exec:    e,
		policy:  policy,
		records: records,
		builder: b,
		logger:  e.logger.WithContext(ctx).WithFields(fields),
	}
	offsets := make([]int, len(records))
	for i := range offsets {
		offsets[i] = i
	}
	batches, invalid, err := plan(e.cluster, records, offsets, cluster.Route{Replica: policy.Replica})
	if err != nil {
		return nil, nil, err
	}
	c.markInvalid(invalid)
	c.single = len(batches) == 1 && len(batches[0].offsets) == 1
	if c.logger.IsDebugging() {
		c.logger.WithFields(logging.Fields{
			"nodes":   len(batches),
			"invalid": len(invalid),
		}).Debug("Batch planned")
	}
	return c, batches, nil
}

func (e *Executor) registerTxn(ctx context.Context, t *txn.Txn, records []Record) error {
	var writes []*key.Key
	for _, r := range records {
		k := r.Base().Key
		if err := t.SetNamespace(k.Namespace); err != nil {
			return err
		}
		switch r.Type() {
		case RecordTxnVerify, RecordTxnRoll:
			continue
		}
		if r.HasWrite() {
			writes = append(writes, k)
		}
	}
	if len(writes) == 0 {
		return nil
	}
	if err := e.monitor.AddKeys(ctx, t, writes); err != nil {
		return status.New(status.ErrTxnFailed, "add keys to transaction monitor: %s", err)
	}
	return nil
}

// Operate runs records as one batch call and waits for it. Records are
// updated in place. The error is the first node command failure, else
// ErrBatchFailed when any record failed, else nil.
func (e *Executor) Operate(ctx context.Context, policy *BatchPolicy, records []Record) error {
	if policy == nil {
		policy = e.policies.Batch
	}
	start := time.Now()
	err := e.operate(ctx, policy, records)
	e.stats.observeCall(modeSync, len(records), start, err)
	return err
}

func (e *Executor) operate(ctx context.Context, policy *BatchPolicy, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	c, batches, err := e.newCall(ctx, policy, records)
	if err != nil {
		return err
	}
	t := newTiming(policy, time.Now())
	if policy.Concurrent && len(batches) > 1 && e.pool != nil {
		return c.result(c.runConcurrent(ctx, batches, t))
	}
	var firstErr error
	for i, nb := range batches {
		if firstErr != nil && !policy.RespondAllKeys {
			releaseBatches(batches[i:])
			break
		}
		if err := c.run(ctx, nb, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return c.result(firstErr)
}

// runConcurrent runs each node batch on the worker pool and waits for all
// of them. The first error in batch order wins.
func (c *call) runConcurrent(ctx context.Context, batches []*nodeBatch, t Timing) error {
	const (
		taskQueued int32 = iota
		taskStarted
		taskDropped
	)
	errs := make([]error, len(batches))
	states := make([]atomic.Int32, len(batches))
	done := make([]chan struct{}, len(batches))
	tasks := make([]pond.Task, len(batches))
	for i, nb := range batches {
		done[i] = make(chan struct{})
		tasks[i] = c.exec.pool.Submit(func() {
			if !states[i].CompareAndSwap(taskQueued, taskStarted) {
				return
			}
			defer close(done[i])
			errs[i] = c.run(ctx, nb, t)
		})
	}
	for i, task := range tasks {
		err := task.Wait()
		if err != nil && states[i].CompareAndSwap(taskQueued, taskDropped) {
			abort := status.New(status.ErrClientAbort, "worker pool: %s", err)
			c.fail(batches[i], abort)
			batches[i].release()
			errs[i] = abort
			continue
		}
		<-done[i]
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

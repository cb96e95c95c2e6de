package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/treeverse/clusterkv/pkg/batch"
	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/eventloop"
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/logging"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/txn"
	"github.com/treeverse/clusterkv/pkg/wire"
)

var (
	ErrClosed       = errors.New("client closed")
	ErrMissingParam = errors.New("missing parameter")
)

// Config holds what a Client needs. Cluster and Connector are required.
type Config struct {
	Cluster   *cluster.Cluster
	Connector cluster.Connector
	// Workers is the size of the pool running concurrent batch calls.
	// Zero uses the number of CPUs.
	Workers int
	// EventLoops is the number of loops running async calls. Zero disables
	// async calls.
	EventLoops           int
	MaxCommandsInProcess int
	MaxCommandsInQueue   int
	Monitor              txn.Monitor
	Policies             batch.Policies
	// Registerer receives the batch metrics. Nil disables them.
	Registerer prometheus.Registerer
	Logger     logging.Logger
}

// Client runs batch calls. It owns the worker pool, the event loops and the
// metrics it creates, and releases them on Close. The cluster stays owned by
// the caller.
type Client struct {
	cluster  *cluster.Cluster
	conns    cluster.Connector
	executor *batch.Executor
	pool     pond.Pool
	loops    *eventloop.Loops
	logger   logging.Logger
	closed   atomic.Bool
}

func New(cfg Config) (*Client, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster: %w", ErrMissingParam)
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("connector: %w", ErrMissingParam)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.ContextUnavailable()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	c := &Client{
		cluster: cfg.Cluster,
		conns:   cfg.Connector,
		pool:    pond.NewPool(workers),
		logger:  logger.WithField(logging.ServiceNameFieldKey, "client"),
	}
	if cfg.EventLoops > 0 {
		c.loops = eventloop.New(eventloop.Config{
			Loops:                cfg.EventLoops,
			MaxCommandsInProcess: cfg.MaxCommandsInProcess,
			MaxCommandsInQueue:   cfg.MaxCommandsInQueue,
		}, logger)
	}
	var stats *batch.Stats
	if cfg.Registerer != nil {
		stats = batch.NewStats(cfg.Registerer)
	}
	c.executor = batch.NewExecutor(batch.Config{
		Cluster:   cfg.Cluster,
		Connector: cfg.Connector,
		Pool:      c.pool,
		Loops:     c.loops,
		Monitor:   cfg.Monitor,
		Policies:  cfg.Policies,
		Stats:     stats,
		Logger:    logger,
	})
	c.logger.WithFields(logging.Fields{
		"workers":     workers,
		"event_loops": cfg.EventLoops,
		"nodes":       cfg.Cluster.NodeCount(),
	}).Debug("Client created")
	return c, nil
}

func (c *Client) Cluster() *cluster.Cluster {
	return c.cluster
}

// DefaultPolicies returns the policies used when calls pass nil ones.
func (c *Client) DefaultPolicies() batch.Policies {
	return c.executor.Policies()
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", ErrClosed, status.New(status.ErrClientAbort, "client closed"))
	}
	return nil
}

// BatchOperate runs records and waits for the results, which are set on the
// records. A nil policy uses the default batch policy.
func (c *Client) BatchOperate(ctx context.Context, policy *batch.BatchPolicy, records []batch.Record) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.executor.Operate(ctx, policy, records)
}

// BatchOperateAsync starts records on an event loop and calls listener once
// with the aggregate error. An error is returned only when the call could
// not start, in which case listener is not called.
func (c *Client) BatchOperateAsync(ctx context.Context, policy *batch.BatchPolicy, records []batch.Record, listener batch.Listener) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.executor.OperateAsync(ctx, policy, records, listener)
}

// BatchGet reads binNames of every key, or all bins when none are named.
// The reads share one bin list so nodes receive them repeat encoded.
func (c *Client) BatchGet(ctx context.Context, policy *batch.BatchPolicy, keys []*key.Key, binNames ...string) ([]*batch.Read, error) {
	reads := make([]*batch.Read, len(keys))
	records := make([]batch.Record, len(keys))
	for i, k := range keys {
		reads[i] = batch.NewRead(k, binNames...)
		records[i] = reads[i]
	}
	return reads, c.BatchOperate(ctx, policy, records)
}

// BatchGetHeader reads the generation and expiration of every key.
func (c *Client) BatchGetHeader(ctx context.Context, policy *batch.BatchPolicy, keys []*key.Key) ([]*batch.Read, error) {
	reads := make([]*batch.Read, len(keys))
	records := make([]batch.Record, len(keys))
	for i, k := range keys {
		reads[i] = batch.NewReadHeader(k)
		records[i] = reads[i]
	}
	return reads, c.BatchOperate(ctx, policy, records)
}

// BatchExists reports for every key whether its record exists.
func (c *Client) BatchExists(ctx context.Context, policy *batch.BatchPolicy, keys []*key.Key) ([]bool, error) {
	reads, err := c.BatchGetHeader(ctx, policy, keys)
	exists := make([]bool, len(reads))
	for i, r := range reads {
		exists[i] = r.Result == status.OK
	}
	return exists, err
}

// BatchWrite applies the same operations to every key. A nil writePolicy
// uses the default write policy.
func (c *Client) BatchWrite(ctx context.Context, policy *batch.BatchPolicy, writePolicy *batch.WritePolicy, keys []*key.Key, ops ...wire.Operation) ([]*batch.Write, error) {
	writes := make([]*batch.Write, len(keys))
	records := make([]batch.Record, len(keys))
	for i, k := range keys {
		w := batch.NewWrite(k, ops...)
		w.Policy = writePolicy
		writes[i] = w
		records[i] = w
	}
	return writes, c.BatchOperate(ctx, policy, records)
}

// BatchDelete removes every key. A nil removePolicy uses the default one.
func (c *Client) BatchDelete(ctx context.Context, policy *batch.BatchPolicy, removePolicy *batch.RemovePolicy, keys []*key.Key) ([]*batch.Remove, error) {
	removes := make([]*batch.Remove, len(keys))
	records := make([]batch.Record, len(keys))
	for i, k := range keys {
		r := batch.NewRemove(k)
		r.Policy = removePolicy
		removes[i] = r
		records[i] = r
	}
	return removes, c.BatchOperate(ctx, policy, records)
}

// BatchApply runs the UDF pkg.function with args on every key.
func (c *Client) BatchApply(ctx context.Context, policy *batch.BatchPolicy, applyPolicy *batch.ApplyPolicy, keys []*key.Key, pkg, function string, args ...interface{}) ([]*batch.Apply, error) {
	applies := make([]*batch.Apply, len(keys))
	records := make([]batch.Record, len(keys))
	for i, k := range keys {
		a := batch.NewApply(k, pkg, function, args...)
		a.Policy = applyPolicy
		applies[i] = a
		records[i] = a
	}
	return applies, c.BatchOperate(ctx, policy, records)
}

// Close waits for running calls, stops the pool and the loops, then closes
// the connector when it is an io.Closer. Calls made after Close fail with
// ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.pool.StopAndWait()
	if c.loops != nil {
		c.loops.Close()
	}
	var result *multierror.Error
	if closer, ok := c.conns.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("connector: %w", err))
		}
	}
	if dropped := c.pool.DroppedTasks(); dropped > 0 {
		result = multierror.Append(result, fmt.Errorf("%w: %d tasks dropped by the worker pool", ErrClosed, dropped))
	}
	c.logger.Debug("Client closed")
	return result.ErrorOrNil()
}

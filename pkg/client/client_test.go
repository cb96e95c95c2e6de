package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/batch"
	"github.com/treeverse/clusterkv/pkg/client"
	"github.com/treeverse/clusterkv/pkg/cluster/clustertest"
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/wire"
)

const namespace = "test"

func newClient(t *testing.T, eventLoops int) (*client.Client, *clustertest.Env) {
	t.Helper()
	env, err := clustertest.NewEnv(clustertest.EnvConfig{Namespace: namespace, Nodes: 3, Partitions: 64})
	require.NoError(t, err)
	c, err := client.New(client.Config{
		Cluster:    env.Cluster,
		Connector:  env.Connector,
		Workers:    4,
		EventLoops: eventLoops,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		require.NoError(t, env.Cluster.Close())
	})
	return c, env
}

func makeKeys(t *testing.T, n int) []*key.Key {
	t.Helper()
	keys := make([]*key.Key, n)
	for i := range keys {
		k, err := key.New(namespace, "demo", int64(i))
		require.NoError(t, err)
		keys[i] = k
	}
	return keys
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := client.New(client.Config{})
	require.ErrorIs(t, err, client.ErrMissingParam)
}

func TestWriteGetExistsDelete(t *testing.T) {
	c, env := newClient(t, 0)
	ctx := context.Background()
	keys := makeKeys(t, 30)

	writes, err := c.BatchWrite(ctx, nil, nil, keys[:20], wire.PutOp("name", "value"), wire.AddOp("count", 1))
	require.NoError(t, err)
	for _, w := range writes {
		require.Equal(t, status.OK, w.Result)
	}
	require.Equal(t, 20, env.Store.Len())

	reads, err := c.BatchGet(ctx, nil, keys[:20], "name", "count")
	require.NoError(t, err)
	for _, r := range reads {
		require.Equal(t, status.OK, r.Result)
		require.Equal(t, "value", r.Bins["name"])
		require.Equal(t, int64(1), r.Bins["count"])
		require.Equal(t, uint32(1), r.Generation)
	}

	exists, err := c.BatchExists(ctx, nil, keys)
	require.NoError(t, err)
	for i, ok := range exists {
		require.Equal(t, i < 20, ok, "key %d", i)
	}

	removes, err := c.BatchDelete(ctx, nil, nil, keys[:10])
	require.NoError(t, err)
	for _, r := range removes {
		require.Equal(t, status.OK, r.Result)
	}
	exists, err = c.BatchExists(ctx, nil, keys[:20])
	require.NoError(t, err)
	for i, ok := range exists {
		require.Equal(t, i >= 10, ok, "key %d", i)
	}
}

func TestBatchApply(t *testing.T) {
	c, env := newClient(t, 0)
	for _, s := range env.Servers {
		s.RegisterUDF("math", "double", func(rec map[string]interface{}, args []interface{}) (interface{}, error) {
			return args[0].(int64) * 2, nil
		})
	}
	keys := makeKeys(t, 8)
	applies, err := c.BatchApply(context.Background(), nil, nil, keys, "math", "double", int64(21))
	require.NoError(t, err)
	for _, a := range applies {
		require.Equal(t, status.OK, a.Result)
		require.Equal(t, int64(42), a.Bins["SUCCESS"])
	}
}

func TestBatchOperateAsync(t *testing.T) {
	c, _ := newClient(t, 2)
	keys := makeKeys(t, 12)
	_, err := c.BatchWrite(context.Background(), nil, nil, keys, wire.PutOp("a", int64(7)))
	require.NoError(t, err)

	records := make([]batch.Record, len(keys))
	for i, k := range keys {
		records[i] = batch.NewRead(k, "a")
	}
	done := make(chan error, 1)
	require.NoError(t, c.BatchOperateAsync(context.Background(), nil, records, func(err error) {
		done <- err
	}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("listener not called")
	}
	for _, r := range records {
		require.Equal(t, int64(7), r.Base().Bins["a"])
	}
}

func TestAsyncDisabled(t *testing.T) {
	c, _ := newClient(t, 0)
	records := []batch.Record{batch.NewRead(makeKeys(t, 1)[0])}
	err := c.BatchOperateAsync(context.Background(), nil, records, func(error) {})
	require.Equal(t, status.ErrParam, status.CodeOf(err))
}

func TestConcurrentPolicy(t *testing.T) {
	c, _ := newClient(t, 0)
	keys := makeKeys(t, 40)
	policy := batch.NewBatchPolicy()
	policy.Concurrent = true
	_, err := c.BatchWrite(context.Background(), policy, nil, keys, wire.PutOp("a", "x"))
	require.NoError(t, err)
	reads, err := c.BatchGet(context.Background(), policy, keys)
	require.NoError(t, err)
	for _, r := range reads {
		require.Equal(t, "x", r.Bins["a"])
	}
}

func TestClose(t *testing.T) {
	c, env := newClient(t, 1)
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Close(), client.ErrClosed)

	_, err := c.BatchGet(context.Background(), nil, makeKeys(t, 1))
	require.True(t, errors.Is(err, client.ErrClosed))
	require.Equal(t, status.ErrClientAbort, status.CodeOf(err))
	require.Zero(t, env.Connector.Outstanding())
}

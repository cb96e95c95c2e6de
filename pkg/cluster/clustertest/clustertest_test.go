package clustertest_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/cluster/clustertest"
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/wire"
)

const testNamespace = "test"

func newEnv(t *testing.T, nodes int) *clustertest.Env {
	t.Helper()
	env, err := clustertest.NewEnv(clustertest.EnvConfig{
		Namespace:  testNamespace,
		Nodes:      nodes,
		Partitions: 64,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, env.Close())
	})
	return env
}

func TestEnvOwnership(t *testing.T) {
	env := newEnv(t, 3)
	for i := 0; i < 50; i++ {
		k := key.MustNew(testNamespace, "set", fmt.Sprintf("key-%d", i))
		pid := k.Digest().PartitionID(env.Cluster.Partitions())
		node := env.Cluster.GetNode(testNamespace, pid, cluster.Route{Replica: cluster.ReplicaMaster})
		require.NotNil(t, node)
		require.Equal(t, env.Nodes[env.Master(k)], node)
		require.NoError(t, node.Release())
		require.NotEqual(t, env.Master(k), env.Prole(k))
	}
}

func TestStoreGenerations(t *testing.T) {
	s := clustertest.NewStore()
	k := key.MustNew(testNamespace, "set", 7)
	require.Nil(t, s.Get(testNamespace, k.Digest()))

	s.Put(testNamespace, k.Digest(), map[string]interface{}{"a": int64(1)})
	s.Put(testNamespace, k.Digest(), map[string]interface{}{"b": "x"})
	r := s.Get(testNamespace, k.Digest())
	require.NotNil(t, r)
	require.Equal(t, uint32(2), r.Generation)
	require.Equal(t, map[string]interface{}{"a": int64(1), "b": "x"}, r.Bins)

	// Get returns a copy
	r.Bins["a"] = int64(5)
	require.Equal(t, int64(1), s.Get(testNamespace, k.Digest()).Bins["a"])
	require.Nil(t, s.Get("other", k.Digest()))
	require.Equal(t, 1, s.Len())
}

func TestConnectorPooling(t *testing.T) {
	env := newEnv(t, 2)
	ctx := context.Background()
	node := env.Nodes[0]

	cn, err := env.Connector.Acquire(ctx, node)
	require.NoError(t, err)
	require.Equal(t, int64(1), env.Connector.Outstanding())
	env.Connector.Release(node, cn, nil)
	require.Equal(t, int64(0), env.Connector.Outstanding())

	again, err := env.Connector.Acquire(ctx, node)
	require.NoError(t, err)
	require.Same(t, cn, again)
	env.Connector.Release(node, again, errors.New("broken"))
	require.Equal(t, int64(1), env.Connector.Broken())

	err = again.Write([]byte{1}, time.Time{})
	require.ErrorIs(t, err, clustertest.ErrConnClosed)
}

func TestConnectorUnknownNode(t *testing.T) {
	env := newEnv(t, 1)
	_, err := env.Connector.Acquire(context.Background(), cluster.NewNode("stranger", nil))
	require.ErrorIs(t, err, clustertest.ErrNoServer)
	require.Equal(t, int64(0), env.Connector.Outstanding())
}

func TestConnectorCanceled(t *testing.T) {
	env := newEnv(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.Connector.Acquire(ctx, env.Nodes[0])
	require.ErrorIs(t, err, context.Canceled)
}

func TestMalformedCommand(t *testing.T) {
	env := newEnv(t, 1)
	node := env.Nodes[0]
	cn, err := env.Connector.Acquire(context.Background(), node)
	require.NoError(t, err)
	defer env.Connector.Release(node, cn, nil)
	require.NoError(t, cn.Write([]byte{1, 2, 3}, time.Time{}))

	// the server answers with a single last message carrying the result code
	header := make([]byte, wire.ProtoHeaderSize)
	require.NoError(t, cn.Read(header, time.Time{}))
	proto, err := wire.ParseProto(header)
	require.NoError(t, err)
	require.Equal(t, uint64(wire.MessageHeaderSize), proto.Size)

	body := make([]byte, proto.Size)
	require.NoError(t, cn.Read(body, time.Time{}))
	msg, err := wire.ParseMessageHeader(body)
	require.NoError(t, err)
	require.Equal(t, status.ErrRequestInvalid, status.Code(msg.ResultCode))
	require.NotZero(t, msg.Info3&wire.Info3Last)
	require.Empty(t, env.Servers[0].Requests())
}

package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/cluster/clustertest"
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/txn"
	"github.com/treeverse/clusterkv/pkg/wire"
)

func mustKey(t *testing.T, userKey interface{}) *key.Key {
	t.Helper()
	k, err := key.New("test", "demo", userKey)
	require.NoError(t, err)
	return k
}

func allOffsets(n int) []int {
	offsets := make([]int, n)
	for i := range offsets {
		offsets[i] = i
	}
	return offsets
}

func mixedRecords(t *testing.T) []Record {
	shared := []string{"a", "b"}
	wp := &WritePolicy{Key: KeySend, GenerationPolicy: GenerationEQ, Generation: 7, TTL: 60}
	return []Record{
		NewRead(mustKey(t, "r1"), shared...),
		&Read{BaseRecord: BaseRecord{Key: mustKey(t, "r2")}, BinNames: shared},
		NewReadHeader(mustKey(t, int64(3))),
		&Read{BaseRecord: BaseRecord{Key: mustKey(t, "r4")}, Ops: []wire.Operation{wire.ReadOp("")}, Policy: &ReadPolicy{FilterExp: []byte{1, 2, 3}}},
		NewWrite(mustKey(t, "w1"), wire.PutOp("a", "x"), wire.AddOp("n", 2), wire.ReadOp("n")),
		&Write{BaseRecord: BaseRecord{Key: mustKey(t, []byte{9, 9})}, Policy: wp, Ops: []wire.Operation{wire.PutOp("m", map[string]interface{}{"k": int64(1)})}},
		NewApply(mustKey(t, "u1"), "pkg", "fn", int64(1), "two", []interface{}{int64(3)}),
		NewRemove(mustKey(t, "d1")),
		NewTxnVerify(mustKey(t, "v1"), 42),
		NewTxnRoll(mustKey(t, "t1"), true),
	}
}

func TestEstimateMatchesWrite(t *testing.T) {
	records := mixedRecords(t)
	for _, withTxn := range []bool{false, true} {
		policy := NewBatchPolicy()
		policy.FilterExp = []byte{7, 7}
		if withTxn {
			policy.Txn = txn.New()
			policy.Txn.SetDeadline(1234)
		}
		b, err := newBuilder(policy, DefaultPolicies(), records)
		require.NoError(t, err)
		node := cluster.NewNode("n1", nil)

		cmd, err := b.estimate(&nodeBatch{node: node, offsets: allOffsets(len(records))}, false)
		require.NoError(t, err)
		buf, err := b.write(cmd, time.Second)
		require.NoError(t, err)
		require.Len(t, buf, cmd.size, "txn %t", withTxn)

		req, err := clustertest.DecodeRequest(buf)
		require.NoError(t, err)
		require.Len(t, req.Entries, len(records))
		require.Equal(t, []byte{7, 7}, req.Filter)
		require.Equal(t, uint32(1000), req.Header.TransactionTTL)
		require.Equal(t, uint8(wire.BatchFlagsFixed|wire.BatchAllowInline|wire.BatchRespondAllKeys), req.Flags)
		// the second read repeats the first
		require.True(t, req.Entries[1].Repeat)

		for i := range records {
			cmd, err := b.estimate(&nodeBatch{node: node, offsets: []int{i}}, true)
			require.NoError(t, err)
			buf, err := b.write(cmd, 0)
			require.NoError(t, err)
			require.Len(t, buf, cmd.size, "single record %d txn %t", i, withTxn)
			req, err := clustertest.DecodeRequest(buf)
			require.NoError(t, err)
			require.True(t, req.Single)
			require.Equal(t, records[i].Base().Key.Digest(), req.Entries[0].Digest)
		}
	}
}

func TestRepeatNeedsIdentity(t *testing.T) {
	policy := NewBatchPolicy()
	k1, k2, k3 := mustKey(t, "a"), mustKey(t, "b"), mustKey(t, "c")
	bins := []string{"x"}
	records := []Record{
		&Read{BaseRecord: BaseRecord{Key: k1}, BinNames: bins},
		&Read{BaseRecord: BaseRecord{Key: k2}, BinNames: bins},
		&Read{BaseRecord: BaseRecord{Key: k3}, BinNames: []string{"x"}},
	}
	b, err := newBuilder(policy, DefaultPolicies(), records)
	require.NoError(t, err)
	require.True(t, b.canRepeat(0, 1))
	require.False(t, b.canRepeat(1, 2))

	policy.SendKey = true
	b, err = newBuilder(policy, DefaultPolicies(), records)
	require.NoError(t, err)
	require.False(t, b.canRepeat(0, 1))
}

func TestRepeatShrinksCommand(t *testing.T) {
	ops := []wire.Operation{wire.PutOp("a", int64(1))}
	k1, k2 := mustKey(t, "a"), mustKey(t, "b")
	encode := func(p1, p2 *WritePolicy) (int, *clustertest.Request) {
		records := []Record{
			&Write{BaseRecord: BaseRecord{Key: k1}, Policy: p1, Ops: ops},
			&Write{BaseRecord: BaseRecord{Key: k2}, Policy: p2, Ops: ops},
		}
		b, err := newBuilder(NewBatchPolicy(), DefaultPolicies(), records)
		require.NoError(t, err)
		cmd, err := b.estimate(&nodeBatch{node: cluster.NewNode("n", nil), offsets: allOffsets(len(records))}, false)
		require.NoError(t, err)
		buf, err := b.write(cmd, 0)
		require.NoError(t, err)
		require.Len(t, buf, cmd.size)
		req, err := clustertest.DecodeRequest(buf)
		require.NoError(t, err)
		require.Len(t, req.Entries, len(records))
		return len(buf), req
	}

	shared := &WritePolicy{TTL: 5}
	sharedSize, sharedReq := encode(shared, shared)
	equalSize, equalReq := encode(&WritePolicy{TTL: 5}, &WritePolicy{TTL: 5})

	// equal but distinct policies are sent in full
	require.True(t, sharedReq.Entries[1].Repeat)
	require.False(t, equalReq.Entries[1].Repeat)
	require.Less(t, sharedSize, equalSize)
	require.Equal(t, uint32(5), equalReq.Entries[1].TTL)
}

func TestTxnVerifyNeverRepeats(t *testing.T) {
	records := []Record{
		NewTxnVerify(mustKey(t, "a"), 1),
		NewTxnVerify(mustKey(t, "b"), 1),
	}
	b, err := newBuilder(NewBatchPolicy(), DefaultPolicies(), records)
	require.NoError(t, err)
	require.False(t, b.canRepeat(0, 1))
}

func TestLegacyRejectsUnsupported(t *testing.T) {
	node := cluster.NewNode("old", nil, cluster.WithFeatures(0))
	cases := []struct {
		name    string
		records []Record
		txn     bool
	}{
		{name: "write", records: []Record{NewWrite(mustKey(t, "a"), wire.PutOp("a", int64(1)))}},
		{name: "read_ops", records: []Record{&Read{BaseRecord: BaseRecord{Key: mustKey(t, "a")}, Ops: []wire.Operation{wire.ReadOp("a")}}}},
		{name: "txn", records: []Record{NewRead(mustKey(t, "a"))}, txn: true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewBatchPolicy()
			if tt.txn {
				policy.Txn = txn.New()
			}
			b, err := newBuilder(policy, DefaultPolicies(), tt.records)
			require.NoError(t, err)
			_, err = b.estimate(&nodeBatch{node: node, offsets: allOffsets(len(tt.records))}, false)
			require.Equal(t, status.ErrUnsupportedFeature, status.CodeOf(err))
		})
	}
}

func TestLegacyEstimateMatchesWrite(t *testing.T) {
	node := cluster.NewNode("old", nil, cluster.WithFeatures(0))
	bins := []string{"a"}
	records := []Record{
		NewRead(mustKey(t, "a")),
		NewRead(mustKey(t, "b")),
		&Read{BaseRecord: BaseRecord{Key: mustKey(t, "c")}, BinNames: bins},
		&Read{BaseRecord: BaseRecord{Key: mustKey(t, "d")}, BinNames: bins},
	}
	b, err := newBuilder(NewBatchPolicy(), DefaultPolicies(), records)
	require.NoError(t, err)
	cmd, err := b.estimate(&nodeBatch{node: node, offsets: allOffsets(len(records))}, false)
	require.NoError(t, err)
	require.True(t, cmd.legacy)
	buf, err := b.write(cmd, 0)
	require.NoError(t, err)
	require.Len(t, buf, cmd.size)

	req, err := clustertest.DecodeRequest(buf)
	require.NoError(t, err)
	require.True(t, req.Legacy)
	require.Equal(t, []bool{false, true, false, true}, []bool{
		req.Entries[0].Repeat, req.Entries[1].Repeat, req.Entries[2].Repeat, req.Entries[3].Repeat,
	})
}

func TestBuilderRejectsBadValues(t *testing.T) {
	records := []Record{NewWrite(mustKey(t, "a"), wire.PutOp("a", struct{}{}))}
	_, err := newBuilder(NewBatchPolicy(), DefaultPolicies(), records)
	require.Equal(t, status.ErrParam, status.CodeOf(err))
}

func TestCompressedCommand(t *testing.T) {
	records := make([]Record, 20)
	bins := []string{"bin"}
	for i := range records {
		records[i] = &Read{BaseRecord: BaseRecord{Key: mustKey(t, int64(i))}, BinNames: bins}
	}
	policy := NewBatchPolicy()
	policy.Compress = true
	policy.CompressionThreshold = 64
	b, err := newBuilder(policy, DefaultPolicies(), records)
	require.NoError(t, err)
	cmd, err := b.estimate(&nodeBatch{node: cluster.NewNode("n", nil), offsets: allOffsets(len(records))}, false)
	require.NoError(t, err)
	buf, err := b.write(cmd, 0)
	require.NoError(t, err)
	proto, err := wire.ParseProto(buf)
	require.NoError(t, err)
	require.Equal(t, uint8(wire.ProtoTypeCompressed), proto.Type)

	req, err := clustertest.DecodeRequest(buf)
	require.NoError(t, err)
	require.True(t, req.Compressed)
	require.Len(t, req.Entries, len(records))
}

func TestPlanKeepsOrderPerNode(t *testing.T) {
	env, err := clustertest.NewEnv(clustertest.EnvConfig{Namespace: "test", Nodes: 3, Partitions: 16})
	require.NoError(t, err)
	defer func() { require.NoError(t, env.Close()) }()

	records := make([]Record, 50)
	for i := range records {
		records[i] = NewRead(mustKey(t, int64(i)))
	}
	before := make(map[*cluster.Node]int32)
	for _, n := range env.Nodes {
		before[n] = n.Reservations()
	}
	batches, invalid, err := plan(env.Cluster, records, allOffsets(len(records)), cluster.Route{Replica: cluster.ReplicaMaster})
	require.NoError(t, err)
	require.Empty(t, invalid)

	total := 0
	for _, nb := range batches {
		require.Equal(t, before[nb.node]+1, nb.node.Reservations())
		for j, off := range nb.offsets {
			if j > 0 {
				require.Greater(t, off, nb.offsets[j-1])
			}
			require.Equal(t, nb.node, env.Nodes[env.Master(records[off].Base().Key)])
		}
		total += len(nb.offsets)
	}
	require.Equal(t, len(records), total)
	require.Same(t, env.Nodes[env.Master(records[0].Base().Key)], batches[0].node)
	releaseBatches(batches)
	for _, n := range env.Nodes {
		require.Equal(t, before[n], n.Reservations())
	}
}

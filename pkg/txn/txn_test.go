package txn_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/txn"
)

func TestID(t *testing.T) {
	a := txn.New()
	b := txn.New()
	require.NotZero(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
}

func TestNamespace(t *testing.T) {
	tx := txn.New()
	require.NoError(t, tx.SetNamespace("test"))
	require.NoError(t, tx.SetNamespace("test"))
	err := tx.SetNamespace("other")
	require.ErrorIs(t, err, status.New(status.ErrParam, ""))
	require.Equal(t, "test", tx.Namespace())
}

func TestReadWriteSets(t *testing.T) {
	tx := txn.New()
	d1 := key.MustNew("test", "s", 1).Digest()
	d2 := key.MustNew("test", "s", 2).Digest()

	tx.OnRead(d1, 0)
	require.Zero(t, tx.GetReadVersion(d1), "zero versions are not recorded")
	tx.OnRead(d1, 11)
	require.Equal(t, uint64(11), tx.GetReadVersion(d1))

	// a write that returns a version stays in the read set
	tx.OnWrite(d2, "s", 5, status.OK)
	require.Equal(t, uint64(5), tx.GetReadVersion(d2))
	require.False(t, tx.WritesContain(d2))

	tx.OnWrite(d1, "s", 0, status.ErrRecordGeneration)
	require.Equal(t, uint64(11), tx.GetReadVersion(d1), "failed write leaves sets alone")

	tx.OnWrite(d1, "s", 0, status.OK)
	require.Zero(t, tx.GetReadVersion(d1))
	require.True(t, tx.WritesContain(d1))

	tx.OnWriteInDoubt(d2, "s")
	require.Zero(t, tx.GetReadVersion(d2))
	require.Equal(t, map[key.Digest]string{d1: "s", d2: "s"}, tx.Writes())
	require.Empty(t, tx.Reads())
}

func TestMemoryMonitor(t *testing.T) {
	tx := txn.New()
	m := txn.NewMemoryMonitor()
	k := key.MustNew("test", "s", "a")
	require.NoError(t, m.AddKeys(context.Background(), tx, []*key.Key{k}))
	require.Equal(t, []*key.Key{k}, m.Keys(tx))
	require.Empty(t, m.Keys(txn.New()))
}

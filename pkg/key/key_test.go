package key_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
)

func TestDigest(t *testing.T) {
	cases := []struct {
		name      string
		set       string
		userKey   interface{}
		digest    string
		partition uint32
	}{
		{name: "string", set: "demo", userKey: "key1", digest: "ec91192d4b7f8ce35d5d78d34bca65cbaaaac960", partition: 492},
		{name: "integer_no_set", set: "", userKey: 42, digest: "7a7e97c9928be59ec21e441643031a7d48f2ccc6", partition: 3706},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			k, err := key.New("test", tt.set, tt.userKey)
			require.NoError(t, err)
			require.Equal(t, tt.digest, k.Digest().String())
			require.Equal(t, tt.partition, k.Digest().PartitionID(key.DefaultPartitions))
		})
	}
}

func TestDigestDependsOnType(t *testing.T) {
	asInt := key.MustNew("test", "s", 1)
	asString := key.MustNew("test", "s", "1")
	asBlob := key.MustNew("test", "s", []byte("1"))
	require.NotEqual(t, asInt.Digest(), asString.Digest())
	require.NotEqual(t, asString.Digest(), asBlob.Digest())

	otherNamespace := key.MustNew("other", "s", "1")
	require.Equal(t, asString.Digest(), otherNamespace.Digest(), "namespace is not part of the digest")
}

func TestComputeDigestLazily(t *testing.T) {
	k := &key.Key{Namespace: "test", Set: "s", UserKey: int32(7)}
	require.False(t, k.HasDigest())
	require.NoError(t, k.ComputeDigest())
	require.True(t, k.HasDigest())
	require.Equal(t, key.MustNew("test", "s", int64(7)).Digest(), k.Digest())
}

func TestInvalidKeys(t *testing.T) {
	_, err := key.New("", "s", 1)
	require.ErrorIs(t, err, status.New(status.ErrParam, ""))

	_, err = key.New(strings.Repeat("n", key.MaxNamespaceLength+1), "s", 1)
	require.ErrorIs(t, err, status.ErrClientClass)

	_, err = key.New("test", strings.Repeat("s", key.MaxSetLength+1), 1)
	require.ErrorIs(t, err, status.ErrClientClass)

	_, err = key.New("test", "s", 1.5)
	require.ErrorIs(t, err, status.ErrClientClass)

	k := &key.Key{Namespace: "test"}
	require.Error(t, k.ComputeDigest())

	_, err = key.NewWithDigest("test", "s", []byte{1, 2, 3})
	require.Error(t, err)
}

func TestNewWithDigest(t *testing.T) {
	orig := key.MustNew("test", "s", "abc")
	d := orig.Digest()
	k, err := key.NewWithDigest("test", "s", d[:])
	require.NoError(t, err)
	require.True(t, k.HasDigest())
	require.Equal(t, d, k.Digest())
	require.Nil(t, k.UserKey)
}

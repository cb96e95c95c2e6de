package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/wire"
)

func TestBufferOverflow(t *testing.T) {
	b := wire.NewBuffer(6)
	b.WriteUint32(1)
	b.WriteUint16(2)
	require.NoError(t, b.Err())
	b.WriteUint8(3)
	require.ErrorIs(t, b.Err(), wire.ErrBufferOverflow)
	require.Equal(t, 6, b.Len(), "overflowing write must not advance")
	b.WriteUint8(4)
	require.Equal(t, 6, b.Len())
}

func TestPatchBeyondWritten(t *testing.T) {
	b := wire.NewBuffer(16)
	b.WriteUint16(1)
	b.PatchUint32(0, 5)
	require.ErrorIs(t, b.Err(), wire.ErrBufferOverflow)
}

func TestHeaderLayout(t *testing.T) {
	b := wire.NewBuffer(wire.HeaderSize + wire.StringFieldSize("test"))
	b.WriteHeader(wire.MessageHeader{
		Info1:          wire.Info1Read | wire.Info1Batch,
		TransactionTTL: 1000,
		FieldCount:     1,
	})
	b.WriteFieldString(wire.FieldNamespace, "test")
	cmd := b.End()
	require.NoError(t, b.Err())
	require.Len(t, cmd, wire.HeaderSize+9)

	// proto: version 2, type 3, 6 byte size
	require.Equal(t, []byte{2, 3, 0, 0, 0, 0, 0, byte(wire.MessageHeaderSize + 9)}, cmd[:8])
	require.Equal(t, byte(22), cmd[8])
	require.Equal(t, byte(wire.Info1Read|wire.Info1Batch), cmd[9])
	// field: size 5 (len+1), type 0, data
	require.Equal(t, []byte{0, 0, 0, 5, 0, 't', 'e', 's', 't'}, cmd[wire.HeaderSize:])

	proto, err := wire.ParseProto(cmd)
	require.NoError(t, err)
	require.Equal(t, uint8(wire.ProtoTypeMessage), proto.Type)
	require.Equal(t, uint64(len(cmd)-wire.ProtoHeaderSize), proto.Size)

	h, err := wire.ParseMessageHeader(cmd[wire.ProtoHeaderSize:])
	require.NoError(t, err)
	require.Equal(t, uint32(1000), h.TransactionTTL)
	require.Equal(t, uint16(1), h.FieldCount)
}

func TestOperationRoundTrip(t *testing.T) {
	ops := []wire.Operation{
		wire.PutOp("i", 42),
		wire.PutOp("f", 1.5),
		wire.PutOp("s", "hello"),
		wire.PutOp("b", []byte{1, 2, 3}),
		wire.PutOp("t", true),
		wire.PutOp("l", []interface{}{int64(1), "two"}),
		wire.PutOp("m", map[string]interface{}{"k": "v"}),
		wire.ReadOp("r"),
	}
	size := 0
	for _, op := range ops {
		n, err := wire.OperationSize(op)
		require.NoError(t, err)
		size += n
	}
	b := wire.NewBuffer(size)
	for _, op := range ops {
		require.NoError(t, b.WriteOperation(op))
	}
	require.NoError(t, b.Err())
	require.Equal(t, size, b.Len())

	r := wire.NewReader(b.Bytes())
	read, err := r.ReadOps(len(ops))
	require.NoError(t, err)
	require.Zero(t, r.Remaining())

	expected := []interface{}{
		int64(42), 1.5, "hello", []byte{1, 2, 3}, true,
		[]interface{}{int64(1), "two"}, map[string]interface{}{"k": "v"}, nil,
	}
	for i, op := range read {
		require.Equal(t, ops[i].BinName, op.BinName)
		require.Equal(t, ops[i].Type, op.Type)
		v, err := op.Value()
		require.NoError(t, err)
		require.Equal(t, expected[i], v, "bin %s", op.BinName)
	}
}

func TestUnsupportedValue(t *testing.T) {
	_, err := wire.OperationSize(wire.PutOp("x", struct{}{}))
	require.ErrorIs(t, err, wire.ErrUnsupportedType)
}

func TestFieldsRoundTrip(t *testing.T) {
	k := key.MustNew("test", "set", "user")
	keySize, err := wire.KeyFieldSize(k)
	require.NoError(t, err)
	size := wire.FieldSize(key.DigestSize) + keySize + wire.FieldSize(8) + wire.FieldSize(wire.RecordVersionSize) + wire.FieldSize(4)
	b := wire.NewBuffer(size)
	b.WriteFieldDigest(k.Digest())
	require.NoError(t, b.WriteFieldKey(k))
	b.WriteFieldTxnID(0x0102030405060708)
	b.WriteFieldVersion(0x00AABBCCDDEEFF11)
	b.WriteFieldTxnDeadline(77)
	require.NoError(t, b.Err())
	require.Equal(t, size, b.Len())

	fields, err := wire.NewReader(b.Bytes()).ReadFields(5)
	require.NoError(t, err)
	d := k.Digest()
	require.Equal(t, d[:], fields[0].Data)
	require.Equal(t, append([]byte{byte(wire.ParticleString)}, "user"...), fields[1].Data)
	require.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, fields[2].Data)
	version, err := wire.DecodeVersion(fields[3].Data)
	require.NoError(t, err)
	require.Equal(t, uint64(0x00AABBCCDDEEFF11), version)
	require.Equal(t, []byte{77, 0, 0, 0}, fields[4].Data)
}

func TestCompressRoundTrip(t *testing.T) {
	b := wire.NewBuffer(wire.HeaderSize + wire.StringFieldSize(string(bytes.Repeat([]byte("a"), 1000))))
	b.WriteHeader(wire.MessageHeader{Info1: wire.Info1Read, FieldCount: 1})
	b.WriteFieldString(wire.FieldNamespace, string(bytes.Repeat([]byte("a"), 1000)))
	cmd := b.End()

	compressed, err := wire.Compress(cmd)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(cmd))
	require.LessOrEqual(t, len(compressed), wire.CompressedHeaderSize+wire.CompressBound(len(cmd)))

	proto, err := wire.ParseProto(compressed)
	require.NoError(t, err)
	require.Equal(t, uint8(wire.ProtoTypeCompressed), proto.Type)
	require.Equal(t, uint64(len(compressed)-wire.ProtoHeaderSize), proto.Size)

	inflated, err := wire.Decompress(compressed[wire.ProtoHeaderSize:])
	require.NoError(t, err)
	require.Equal(t, cmd, inflated)
}

func TestDecompressMalformed(t *testing.T) {
	_, err := wire.Decompress([]byte{0, 0, 0, 0, 0, 0, 0, 10, 1, 2, 3})
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestArgs(t *testing.T) {
	data, err := wire.EncodeArgs([]interface{}{int64(1), "x", []interface{}{"y"}})
	require.NoError(t, err)
	args, err := wire.DecodeArgs(data)
	require.NoError(t, err)
	require.Equal(t, []interface{}{int64(1), "x", []interface{}{"y"}}, args)
}

func TestReaderTruncated(t *testing.T) {
	r := wire.NewReader([]byte{0, 0, 0, 9, 1})
	_, err := r.ReadField()
	require.ErrorIs(t, err, wire.ErrMalformed)
}

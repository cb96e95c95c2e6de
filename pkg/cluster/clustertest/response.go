package clustertest

import (
	"github.com/treeverse/clusterkv/pkg/wire"
)

type responseField struct {
	typ  wire.FieldType
	data []byte
}

// encodeRecord writes the answer of one record. The batch offset travels in
// the transaction ttl slot of the header.
func encodeRecord(offset int, res result, withVersion bool) []byte {
	h := wire.MessageHeader{
		ResultCode:     uint8(res.code),
		Generation:     res.generation,
		Expiration:     res.expiration,
		TransactionTTL: uint32(offset),
	}
	var fields []responseField
	if withVersion && res.version != 0 {
		var v [8]byte
		for i := range v {
			v[i] = byte(res.version >> (8 * i))
		}
		fields = append(fields, responseField{wire.FieldRecordVersion, v[:wire.RecordVersionSize]})
	}
	return encodeMessage(h, fields, res.bins)
}

func encodeMessage(h wire.MessageHeader, fields []responseField, bins []binResult) []byte {
	particles := make([]wire.Particle, len(bins))
	size := wire.MessageHeaderSize
	for _, f := range fields {
		size += wire.FieldSize(len(f.data))
	}
	for i, b := range bins {
		p, err := wire.EncodeValue(b.value)
		if err != nil {
			p = wire.Particle{Type: wire.ParticleNil}
		}
		particles[i] = p
		size += wire.OperationHeaderSize + len(b.name) + len(p.Data)
	}
	h.FieldCount = uint16(len(fields))
	h.OpCount = uint16(len(bins))
	buf := wire.NewBuffer(size)
	buf.WriteMessageHeader(h)
	for _, f := range fields {
		buf.WriteFieldBytes(f.typ, f.data)
	}
	for i, b := range bins {
		buf.WriteParticleOp(wire.OpRead, b.name, particles[i])
	}
	return buf.Bytes()
}

// frame groups messages into protos of at most perProto messages, zero
// meaning all in one, and compresses each proto when asked to.
func frame(msgs [][]byte, perProto int, compress bool) ([]byte, error) {
	if perProto <= 0 {
		perProto = len(msgs)
	}
	var out []byte
	for start := 0; start < len(msgs); start += perProto {
		end := min(start+perProto, len(msgs))
		size := 0
		for _, m := range msgs[start:end] {
			size += len(m)
		}
		buf := wire.NewBuffer(wire.ProtoHeaderSize + size)
		buf.Skip(wire.ProtoHeaderSize)
		for _, m := range msgs[start:end] {
			buf.WriteBytes(m)
		}
		proto := buf.End()
		if compress {
			var err error
			if proto, err = wire.Compress(proto); err != nil {
				return nil, err
			}
		}
		out = append(out, proto...)
	}
	return out, nil
}

package wire

import "fmt"

// Operation is a single bin operation of a read, write or operate command.
type Operation struct {
	Type    OpType
	BinName string
	Value   interface{}
}

func ReadOp(bin string) Operation {
	return Operation{Type: OpRead, BinName: bin}
}

func PutOp(bin string, value interface{}) Operation {
	return Operation{Type: OpWrite, BinName: bin, Value: value}
}

func AddOp(bin string, delta int64) Operation {
	return Operation{Type: OpAdd, BinName: bin, Value: delta}
}

func AppendOp(bin string, value string) Operation {
	return Operation{Type: OpAppend, BinName: bin, Value: value}
}

func PrependOp(bin string, value string) Operation {
	return Operation{Type: OpPrepend, BinName: bin, Value: value}
}

func TouchOp() Operation {
	return Operation{Type: OpTouch}
}

func DeleteOp() Operation {
	return Operation{Type: OpDelete}
}

// OperationSize is the encoded size of op.
func OperationSize(op Operation) (int, error) {
	p, err := EncodeValue(op.Value)
	if err != nil {
		return 0, fmt.Errorf("bin %q: %w", op.BinName, err)
	}
	return OperationHeaderSize + len(op.BinName) + len(p.Data), nil
}

// BinNameSize is the encoded size of a read of one bin.
func BinNameSize(name string) int {
	return OperationHeaderSize + len(name)
}

func (b *Buffer) WriteOperation(op Operation) error {
	p, err := EncodeValue(op.Value)
	if err != nil {
		return fmt.Errorf("bin %q: %w", op.BinName, err)
	}
	b.writeOp(op.Type, p.Type, op.BinName, p.Data)
	return nil
}

// WriteBinName writes a read of one bin.
func (b *Buffer) WriteBinName(name string) {
	b.writeOp(OpRead, ParticleNil, name, nil)
}

func (b *Buffer) writeOp(typ OpType, particle ParticleType, name string, data []byte) {
	b.WriteUint32(uint32(4 + len(name) + len(data)))
	b.WriteUint8(uint8(typ))
	b.WriteUint8(uint8(particle))
	b.WriteUint8(0)
	b.WriteUint8(uint8(len(name)))
	b.WriteString(name)
	b.WriteBytes(data)
}

// WriteParticleOp writes an already encoded operation value. Used by the
// server side of the protocol to return bins.
func (b *Buffer) WriteParticleOp(typ OpType, name string, p Particle) {
	b.writeOp(typ, p.Type, name, p.Data)
}

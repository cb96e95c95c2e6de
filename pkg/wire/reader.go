package wire

import (
	"encoding/binary"
	"fmt"
)

// Reader walks the messages, fields and operations of a message body.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: need %d bytes at %d of %d", ErrMalformed, n, r.pos, len(r.data))
	}
	p := r.data[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	p, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	p, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	p, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// ReadBytes returns the next n bytes without copying.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.next(n)
}

func (r *Reader) ReadMessageHeader() (MessageHeader, error) {
	p, err := r.next(MessageHeaderSize)
	if err != nil {
		return MessageHeader{}, err
	}
	return ParseMessageHeader(p)
}

func (r *Reader) ReadField() (Field, error) {
	size, err := r.ReadUint32()
	if err != nil {
		return Field{}, err
	}
	if size < 1 {
		return Field{}, fmt.Errorf("%w: empty field", ErrMalformed)
	}
	typ, err := r.ReadUint8()
	if err != nil {
		return Field{}, err
	}
	data, err := r.next(int(size) - 1)
	if err != nil {
		return Field{}, err
	}
	return Field{Type: FieldType(typ), Data: data}, nil
}

func (r *Reader) ReadFields(n int) ([]Field, error) {
	fields := make([]Field, 0, n)
	for i := 0; i < n; i++ {
		f, err := r.ReadField()
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// Op is an operation read from the wire.
type Op struct {
	Type     OpType
	BinName  string
	Particle Particle
}

func (o Op) Value() (interface{}, error) {
	return DecodeValue(o.Particle.Type, o.Particle.Data)
}

func (r *Reader) ReadOp() (Op, error) {
	size, err := r.ReadUint32()
	if err != nil {
		return Op{}, err
	}
	p, err := r.next(int(size))
	if err != nil {
		return Op{}, err
	}
	if len(p) < 4 {
		return Op{}, fmt.Errorf("%w: operation of %d bytes", ErrMalformed, len(p))
	}
	nameLen := int(p[3])
	if 4+nameLen > len(p) {
		return Op{}, fmt.Errorf("%w: bin name length %d", ErrMalformed, nameLen)
	}
	return Op{
		Type:    OpType(p[0]),
		BinName: string(p[4 : 4+nameLen]),
		Particle: Particle{
			Type: ParticleType(p[1]),
			Data: p[4+nameLen:],
		},
	}, nil
}

func (r *Reader) ReadOps(n int) ([]Op, error) {
	ops := make([]Op, 0, n)
	for i := 0; i < n; i++ {
		op, err := r.ReadOp()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

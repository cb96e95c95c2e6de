package wire

import (
	"fmt"

	"github.com/treeverse/clusterkv/pkg/key"
)

func StringFieldSize(s string) int {
	return FieldHeaderSize + len(s)
}

func FieldSize(dataLen int) int {
	return FieldHeaderSize + dataLen
}

// WriteFieldHeader writes the size and type of a field holding dataLen bytes.
func (b *Buffer) WriteFieldHeader(dataLen int, typ FieldType) {
	b.WriteUint32(uint32(dataLen + 1))
	b.WriteUint8(uint8(typ))
}

func (b *Buffer) WriteFieldString(typ FieldType, s string) {
	b.WriteFieldHeader(len(s), typ)
	b.WriteString(s)
}

func (b *Buffer) WriteFieldBytes(typ FieldType, p []byte) {
	b.WriteFieldHeader(len(p), typ)
	b.WriteBytes(p)
}

func (b *Buffer) WriteFieldDigest(d key.Digest) {
	b.WriteFieldHeader(key.DigestSize, FieldDigest)
	b.WriteBytes(d[:])
}

// WriteFieldTxnID writes a transaction id, little endian.
func (b *Buffer) WriteFieldTxnID(id uint64) {
	b.WriteFieldHeader(8, FieldTxnID)
	b.WriteUint64LE(id)
}

// WriteFieldTxnDeadline writes a transaction deadline, little endian.
func (b *Buffer) WriteFieldTxnDeadline(deadline uint32) {
	b.WriteFieldHeader(4, FieldTxnDeadline)
	b.WriteUint32LE(deadline)
}

// WriteFieldVersion writes the 7 low bytes of a record version, little endian.
func (b *Buffer) WriteFieldVersion(version uint64) {
	b.WriteFieldHeader(RecordVersionSize, FieldRecordVersion)
	var v [8]byte
	for i := range v {
		v[i] = byte(version >> (8 * i))
	}
	b.WriteBytes(v[:RecordVersionSize])
}

// KeyFieldSize is the size of the user key field of k.
func KeyFieldSize(k *key.Key) (int, error) {
	_, data, err := k.UserKeyParticle()
	if err != nil {
		return 0, err
	}
	return FieldHeaderSize + 1 + len(data), nil
}

// WriteFieldKey writes the user key of k, prefixed by its particle type.
func (b *Buffer) WriteFieldKey(k *key.Key) error {
	typ, data, err := k.UserKeyParticle()
	if err != nil {
		return err
	}
	b.WriteFieldHeader(len(data)+1, FieldKey)
	b.WriteUint8(typ)
	b.WriteBytes(data)
	return nil
}

// Field is a field read from a response.
type Field struct {
	Type FieldType
	Data []byte
}

// DecodeVersion reads a record version field value.
func DecodeVersion(data []byte) (uint64, error) {
	if len(data) != RecordVersionSize {
		return 0, fmt.Errorf("%w: record version of %d bytes", ErrMalformed, len(data))
	}
	var v uint64
	for i := RecordVersionSize - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v, nil
}

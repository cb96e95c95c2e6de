package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageHeader is the fixed part of every request and response message.
// TransactionTTL carries the socket timeout in requests and the batch offset
// of the record in batch responses.
type MessageHeader struct {
	Info1          uint8
	Info2          uint8
	Info3          uint8
	Info4          uint8
	ResultCode     uint8
	Generation     uint32
	Expiration     uint32
	TransactionTTL uint32
	FieldCount     uint16
	OpCount        uint16
}

// WriteHeader reserves the proto header and writes the message header. The
// proto header is filled by End.
func (b *Buffer) WriteHeader(h MessageHeader) {
	b.Skip(ProtoHeaderSize)
	b.WriteMessageHeader(h)
}

func (b *Buffer) WriteMessageHeader(h MessageHeader) {
	b.WriteUint8(MessageHeaderSize)
	b.WriteUint8(h.Info1)
	b.WriteUint8(h.Info2)
	b.WriteUint8(h.Info3)
	b.WriteUint8(h.Info4)
	b.WriteUint8(h.ResultCode)
	b.WriteUint32(h.Generation)
	b.WriteUint32(h.Expiration)
	b.WriteUint32(h.TransactionTTL)
	b.WriteUint16(h.FieldCount)
	b.WriteUint16(h.OpCount)
}

// End writes the proto header of a message that starts at the beginning of
// the buffer and returns the command bytes.
func (b *Buffer) End() []byte {
	b.PatchUint64(0, EncodeProto(ProtoTypeMessage, uint64(b.pos-ProtoHeaderSize)))
	return b.Bytes()
}

// EncodeProto packs version, type and size into the 8 byte proto header.
func EncodeProto(typ uint8, size uint64) uint64 {
	return size | uint64(ProtoVersion)<<56 | uint64(typ)<<48
}

type Proto struct {
	Version uint8
	Type    uint8
	Size    uint64
}

func ParseProto(p []byte) (Proto, error) {
	if len(p) < ProtoHeaderSize {
		return Proto{}, fmt.Errorf("%w: proto header %d bytes", ErrMalformed, len(p))
	}
	v := binary.BigEndian.Uint64(p)
	proto := Proto{
		Version: uint8(v >> 56),
		Type:    uint8(v >> 48),
		Size:    v & 0xFFFFFFFFFFFF,
	}
	if proto.Version != ProtoVersion {
		return proto, fmt.Errorf("%w: proto version %d", ErrMalformed, proto.Version)
	}
	return proto, nil
}

func ParseMessageHeader(p []byte) (MessageHeader, error) {
	if len(p) < MessageHeaderSize {
		return MessageHeader{}, fmt.Errorf("%w: message header %d bytes", ErrMalformed, len(p))
	}
	if p[0] != MessageHeaderSize {
		return MessageHeader{}, fmt.Errorf("%w: message header size %d", ErrMalformed, p[0])
	}
	return MessageHeader{
		Info1:          p[1],
		Info2:          p[2],
		Info3:          p[3],
		Info4:          p[4],
		ResultCode:     p[5],
		Generation:     binary.BigEndian.Uint32(p[6:]),
		Expiration:     binary.BigEndian.Uint32(p[10:]),
		TransactionTTL: binary.BigEndian.Uint32(p[14:]),
		FieldCount:     binary.BigEndian.Uint16(p[18:]),
		OpCount:        binary.BigEndian.Uint16(p[20:]),
	}, nil
}

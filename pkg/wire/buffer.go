package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrBufferOverflow = errors.New("command buffer overflow")

// Buffer is a fixed capacity write cursor. Writes past the capacity are
// dropped and recorded; Err reports the first overflow. The capacity comes from
// a size estimate, so an overflow means the estimate was wrong.
type Buffer struct {
	data []byte
	pos  int
	err  error
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Len is the number of bytes written so far.
func (b *Buffer) Len() int {
	return b.pos
}

func (b *Buffer) Cap() int {
	return len(b.data)
}

// Bytes returns the written part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.pos]
}

func (b *Buffer) Err() error {
	return b.err
}

func (b *Buffer) reserve(n int) ([]byte, bool) {
	if b.err != nil {
		return nil, false
	}
	if b.pos+n > len(b.data) {
		b.err = fmt.Errorf("%w: writing %d bytes at %d of %d", ErrBufferOverflow, n, b.pos, len(b.data))
		return nil, false
	}
	p := b.data[b.pos : b.pos+n]
	b.pos += n
	return p, true
}

func (b *Buffer) WriteUint8(v uint8) {
	if p, ok := b.reserve(1); ok {
		p[0] = v
	}
}

func (b *Buffer) WriteUint16(v uint16) {
	if p, ok := b.reserve(2); ok {
		binary.BigEndian.PutUint16(p, v)
	}
}

func (b *Buffer) WriteUint32(v uint32) {
	if p, ok := b.reserve(4); ok {
		binary.BigEndian.PutUint32(p, v)
	}
}

func (b *Buffer) WriteUint64(v uint64) {
	if p, ok := b.reserve(8); ok {
		binary.BigEndian.PutUint64(p, v)
	}
}

func (b *Buffer) WriteUint32LE(v uint32) {
	if p, ok := b.reserve(4); ok {
		binary.LittleEndian.PutUint32(p, v)
	}
}

func (b *Buffer) WriteUint64LE(v uint64) {
	if p, ok := b.reserve(8); ok {
		binary.LittleEndian.PutUint64(p, v)
	}
}

func (b *Buffer) WriteBytes(v []byte) {
	if p, ok := b.reserve(len(v)); ok {
		copy(p, v)
	}
}

func (b *Buffer) WriteString(v string) {
	if p, ok := b.reserve(len(v)); ok {
		copy(p, v)
	}
}

// Skip advances the cursor leaving n zero bytes to be patched later, and
// returns their position.
func (b *Buffer) Skip(n int) int {
	pos := b.pos
	if p, ok := b.reserve(n); ok {
		clear(p)
	}
	return pos
}

// PatchUint32 overwrites 4 already written bytes at pos.
func (b *Buffer) PatchUint32(pos int, v uint32) {
	if b.err != nil {
		return
	}
	if pos < 0 || pos+4 > b.pos {
		b.err = fmt.Errorf("%w: patch at %d beyond %d", ErrBufferOverflow, pos, b.pos)
		return
	}
	binary.BigEndian.PutUint32(b.data[pos:], v)
}

// PatchUint64 overwrites 8 already written bytes at pos.
func (b *Buffer) PatchUint64(pos int, v uint64) {
	if b.err != nil {
		return
	}
	if pos < 0 || pos+8 > b.pos {
		b.err = fmt.Errorf("%w: patch at %d beyond %d", ErrBufferOverflow, pos, b.pos)
		return
	}
	binary.BigEndian.PutUint64(b.data[pos:], v)
}

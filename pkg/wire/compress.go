package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

var ErrCompression = errors.New("compression failed")

// CompressBound is the worst case zlib output size for n input bytes.
func CompressBound(n int) int {
	return n + (n >> 12) + (n >> 14) + (n >> 25) + 13
}

// Compress wraps a complete command in a compressed proto: proto header of
// type compressed, the uncompressed length, then the zlib stream.
func Compress(cmd []byte) ([]byte, error) {
	bound := CompressedHeaderSize + CompressBound(len(cmd))
	out := bytes.NewBuffer(make([]byte, CompressedHeaderSize, bound))
	w, err := zlib.NewWriterLevel(out, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompression, err)
	}
	if _, err := w.Write(cmd); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompression, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompression, err)
	}
	b := out.Bytes()
	if len(b) > bound {
		return nil, fmt.Errorf("%w: %d bytes exceeds bound %d", ErrCompression, len(b), bound)
	}
	binary.BigEndian.PutUint64(b[0:], EncodeProto(ProtoTypeCompressed, uint64(len(b)-ProtoHeaderSize)))
	binary.BigEndian.PutUint64(b[ProtoHeaderSize:], uint64(len(cmd)))
	return b, nil
}

// Decompress inflates the body of a compressed proto. The result starts with
// the inner proto header.
func Decompress(body []byte) ([]byte, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: compressed body of %d bytes", ErrMalformed, len(body))
	}
	size := binary.BigEndian.Uint64(body)
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: inflated size %d", ErrMalformed, size)
	}
	r, err := zlib.NewReader(bytes.NewReader(body[8:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	defer func() { _ = r.Close() }()
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: inflate: %s", ErrMalformed, err)
	}
	if len(out) < ProtoHeaderSize {
		return nil, fmt.Errorf("%w: inflated %d bytes", ErrMalformed, len(out))
	}
	return out, nil
}

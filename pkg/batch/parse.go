package batch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"time"

	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/wire"
)

// ioError classifies a connection failure.
func ioError(err error) error {
	var se *status.Error
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return status.New(status.ErrTimeout, "%s", err)
	case errors.Is(err, context.Canceled):
		return status.New(status.ErrClientAbort, "%s", err)
	}
	return status.New(status.ErrConnection, "%s", err)
}

// readProto reads one proto from conn and returns its message bytes.
// Compressed protos are inflated.
func readProto(conn cluster.Conn, deadline time.Time) ([]byte, error) {
	var header [wire.ProtoHeaderSize]byte
	if err := conn.Read(header[:], deadline); err != nil {
		return nil, ioError(err)
	}
	proto, err := wire.ParseProto(header[:])
	if err != nil {
		return nil, status.New(status.ErrClient, "%s", err)
	}
	if proto.Size > wire.MaxMessageSize {
		return nil, status.New(status.ErrClient, "proto size %d exceeds %d", proto.Size, wire.MaxMessageSize)
	}
	body := make([]byte, proto.Size)
	if err := conn.Read(body, deadline); err != nil {
		return nil, ioError(err)
	}
	switch proto.Type {
	case wire.ProtoTypeMessage:
		return body, nil
	case wire.ProtoTypeCompressed:
		inflated, err := wire.Decompress(body)
		if err != nil {
			return nil, status.New(status.ErrClient, "%s", err)
		}
		inner, err := wire.ParseProto(inflated)
		if err != nil {
			return nil, status.New(status.ErrClient, "%s", err)
		}
		if inner.Type != wire.ProtoTypeMessage || inner.Size != uint64(len(inflated)-wire.ProtoHeaderSize) {
			return nil, status.New(status.ErrClient, "invalid inflated proto type %d size %d", inner.Type, inner.Size)
		}
		return inflated[wire.ProtoHeaderSize:], nil
	}
	return nil, status.New(status.ErrClient, "unexpected proto type %d", proto.Type)
}

// parseBatch reads the response stream of a batch command up to its last
// message. Records are matched to their offsets, not to their position.
func (c *call) parseBatch(conn cluster.Conn, deadline time.Time) error {
	for {
		body, err := readProto(conn, deadline)
		if err != nil {
			return err
		}
		r := wire.NewReader(body)
		for r.Remaining() > 0 {
			h, err := r.ReadMessageHeader()
			if err != nil {
				return status.New(status.ErrClient, "%s", err)
			}
			if h.Info3&wire.Info3Last != 0 {
				if h.ResultCode != 0 {
					code := status.Code(h.ResultCode)
					return status.New(code, "batch command failed: %s", code)
				}
				return nil
			}
			offset := int(h.TransactionTTL)
			if offset >= len(c.records) {
				return status.New(status.ErrClient, "batch index %d >= batch size %d", offset, len(c.records))
			}
			if err := c.parseRecord(r, h, offset); err != nil {
				return err
			}
		}
	}
}

// parseSingle reads the response of a single record command.
func (c *call) parseSingle(conn cluster.Conn, deadline time.Time, offset int) error {
	body, err := readProto(conn, deadline)
	if err != nil {
		return err
	}
	r := wire.NewReader(body)
	h, err := r.ReadMessageHeader()
	if err != nil {
		return status.New(status.ErrClient, "%s", err)
	}
	return c.parseRecord(r, h, offset)
}

// parseRecord reads the fields and operations following h and stores the
// outcome in the record at offset.
func (c *call) parseRecord(r *wire.Reader, h wire.MessageHeader, offset int) error {
	rec := c.records[offset]
	base := rec.Base()
	fields, err := r.ReadFields(int(h.FieldCount))
	if err != nil {
		return status.New(status.ErrClient, "%s", err)
	}
	var version uint64
	for _, f := range fields {
		switch f.Type {
		case wire.FieldRecordVersion:
			if version, err = wire.DecodeVersion(f.Data); err != nil {
				return status.New(status.ErrClient, "%s", err)
			}
		case wire.FieldDigest:
			d := base.Key.Digest()
			if !bytes.Equal(f.Data, d[:]) {
				return status.New(status.ErrClient, "digest mismatch at batch index %d", offset)
			}
		}
	}
	ops, err := r.ReadOps(int(h.OpCount))
	if err != nil {
		return status.New(status.ErrClient, "%s", err)
	}

	code := status.Code(h.ResultCode)
	if code == status.OK || code == status.ErrUDF {
		for _, op := range ops {
			v, err := op.Value()
			if err != nil {
				return status.New(status.ErrClient, "bin %q: %s", op.BinName, err)
			}
			base.setBin(op.BinName, v)
		}
		base.Generation = h.Generation
		base.Expiration = h.Expiration
	}
	base.Result = code
	base.InDoubt = inDoubt(rec)
	if code.IsRowError() {
		c.errorRow.Store(true)
	}
	c.trackTxn(rec, version)
	return nil
}

// inDoubt reports whether a write may have been applied although its result
// is not OK: it was sent more than once.
func inDoubt(r Record) bool {
	base := r.Base()
	return r.HasWrite() && base.sendCount > 1 && base.Result != status.OK
}

func (c *call) trackTxn(r Record, version uint64) {
	t := c.policy.Txn
	if t == nil {
		return
	}
	switch r.Type() {
	case RecordTxnVerify, RecordTxnRoll:
		return
	}
	base := r.Base()
	if r.HasWrite() {
		t.OnWrite(base.Key.Digest(), base.Key.Set, version, base.Result)
		return
	}
	t.OnRead(base.Key.Digest(), version)
}

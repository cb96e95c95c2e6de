package clustertest

import (
	"errors"
	"fmt"

	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/wire"
)

var ErrBadRequest = errors.New("bad request")

// Entry is one record of a decoded command. Repeated entries carry the
// attributes, fields and operations of the entry they repeat.
type Entry struct {
	Offset     int
	Digest     key.Digest
	Repeat     bool
	ReadAttr   uint8
	WriteAttr  uint8
	InfoAttr   uint8
	TxnAttr    uint8
	Generation uint16
	TTL        uint32
	Fields     []wire.Field
	Ops        []wire.Op
}

// Field returns the data of the first field of type t.
func (e *Entry) Field(t wire.FieldType) ([]byte, bool) {
	for _, f := range e.Fields {
		if f.Type == t {
			return f.Data, true
		}
	}
	return nil, false
}

func (e *Entry) Namespace() string {
	ns, _ := e.Field(wire.FieldNamespace)
	return string(ns)
}

// Request is a command as received by a fake server.
type Request struct {
	Header     wire.MessageHeader
	Size       int
	Compressed bool
	Single     bool
	Legacy     bool
	Flags      uint8
	Filter     []byte
	Entries    []Entry
}

// DecodeRequest parses a command written by the batch executor.
func DecodeRequest(cmd []byte) (*Request, error) {
	proto, err := wire.ParseProto(cmd)
	if err != nil {
		return nil, err
	}
	req := &Request{Size: len(cmd)}
	body := cmd[wire.ProtoHeaderSize:]
	if uint64(len(body)) != proto.Size {
		return nil, fmt.Errorf("%w: proto size %d, have %d", ErrBadRequest, proto.Size, len(body))
	}
	if proto.Type == wire.ProtoTypeCompressed {
		inflated, err := wire.Decompress(body)
		if err != nil {
			return nil, err
		}
		req.Compressed = true
		body = inflated[wire.ProtoHeaderSize:]
	}
	r := wire.NewReader(body)
	h, err := r.ReadMessageHeader()
	if err != nil {
		return nil, err
	}
	req.Header = h
	fields, err := r.ReadFields(int(h.FieldCount))
	if err != nil {
		return nil, err
	}
	if h.Info1&wire.Info1Batch == 0 {
		return req, decodeSingle(req, r, fields)
	}
	for _, f := range fields {
		switch f.Type {
		case wire.FieldFilterExp:
			req.Filter = f.Data
		case wire.FieldBatchIndex:
			err = decodeBatch(req, f.Data, false)
		case wire.FieldBatchIndexWithSet:
			err = decodeBatch(req, f.Data, true)
		default:
			err = fmt.Errorf("%w: batch field type %d", ErrBadRequest, f.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadRequest, r.Remaining())
	}
	return req, nil
}

func decodeSingle(req *Request, r *wire.Reader, fields []wire.Field) error {
	h := req.Header
	e := Entry{
		ReadAttr:   h.Info1 &^ wire.Info1CompressResponse,
		WriteAttr:  h.Info2,
		InfoAttr:   h.Info3,
		TxnAttr:    h.Info4,
		Generation: uint16(h.Generation),
		TTL:        h.Expiration,
		Fields:     fields,
	}
	d, ok := e.Field(wire.FieldDigest)
	if !ok || len(d) != key.DigestSize {
		return fmt.Errorf("%w: single command without digest", ErrBadRequest)
	}
	copy(e.Digest[:], d)
	ops, err := r.ReadOps(int(h.OpCount))
	if err != nil {
		return err
	}
	e.Ops = ops
	req.Single = true
	req.Entries = []Entry{e}
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrBadRequest, r.Remaining())
	}
	return nil
}

func decodeBatch(req *Request, data []byte, legacy bool) error {
	r := wire.NewReader(data)
	count, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if req.Flags, err = r.ReadUint8(); err != nil {
		return err
	}
	req.Legacy = legacy
	req.Entries = make([]Entry, 0, count)
	for i := 0; i < int(count); i++ {
		offset, err := r.ReadUint32()
		if err != nil {
			return err
		}
		d, err := r.ReadBytes(key.DigestSize)
		if err != nil {
			return err
		}
		typ, err := r.ReadUint8()
		if err != nil {
			return err
		}
		var e Entry
		if typ == wire.BatchMsgRepeat {
			if len(req.Entries) == 0 {
				return fmt.Errorf("%w: repeat without previous entry", ErrBadRequest)
			}
			e = req.Entries[len(req.Entries)-1]
			e.Repeat = true
		} else if legacy {
			err = decodeLegacyEntry(r, &e)
		} else {
			err = decodeEntry(r, typ, &e)
		}
		if err != nil {
			return err
		}
		e.Offset = int(offset)
		copy(e.Digest[:], d)
		req.Entries = append(req.Entries, e)
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes in batch field", ErrBadRequest, r.Remaining())
	}
	return nil
}

func decodeEntry(r *wire.Reader, typ uint8, e *Entry) error {
	var err error
	if e.ReadAttr, err = r.ReadUint8(); err != nil {
		return err
	}
	if e.WriteAttr, err = r.ReadUint8(); err != nil {
		return err
	}
	if e.InfoAttr, err = r.ReadUint8(); err != nil {
		return err
	}
	if typ&wire.BatchMsgInfo4 != 0 {
		if e.TxnAttr, err = r.ReadUint8(); err != nil {
			return err
		}
	}
	if typ&wire.BatchMsgGen != 0 {
		if e.Generation, err = r.ReadUint16(); err != nil {
			return err
		}
	}
	if typ&wire.BatchMsgTTL != 0 {
		if e.TTL, err = r.ReadUint32(); err != nil {
			return err
		}
	}
	return decodeFieldsAndOps(r, e)
}

func decodeLegacyEntry(r *wire.Reader, e *Entry) error {
	var err error
	if e.ReadAttr, err = r.ReadUint8(); err != nil {
		return err
	}
	return decodeFieldsAndOps(r, e)
}

func decodeFieldsAndOps(r *wire.Reader, e *Entry) error {
	fieldCount, err := r.ReadUint16()
	if err != nil {
		return err
	}
	opCount, err := r.ReadUint16()
	if err != nil {
		return err
	}
	if e.Fields, err = r.ReadFields(int(fieldCount)); err != nil {
		return err
	}
	e.Ops, err = r.ReadOps(int(opCount))
	return err
}

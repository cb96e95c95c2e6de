// Package clustertest runs fake cluster nodes in process. Servers decode the
// commands written by the batch executor, apply them to a shared Store and
// answer in the wire format, with scripted faults.
package clustertest

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/wire"
)

// UDF is a server side function applied by Apply records. It may modify bins.
type UDF func(bins map[string]interface{}, args []interface{}) (interface{}, error)

// FilterFunc evaluates an encoded filter expression against a record.
type FilterFunc func(exp []byte, bins map[string]interface{}) bool

// Fault scripts the failure of the next commands received by a server.
type Fault struct {
	// Err fails the connection after AfterRecords records were answered.
	Err          error
	AfterRecords int
	// Apply executes all records before Err, as if only the answer was lost.
	Apply bool
	// Code fails the command with this result code when Err is nil.
	Code status.Code
	// Times is the number of commands failed. Zero means one.
	Times int
}

// TimeoutFault times out the next times commands without applying them.
func TimeoutFault(times int) Fault {
	return Fault{Err: os.ErrDeadlineExceeded, Times: times}
}

type binResult struct {
	name  string
	value interface{}
}

type result struct {
	code       status.Code
	bins       []binResult
	generation uint32
	expiration uint32
	version    uint64
}

// Server is a fake node.
type Server struct {
	name  string
	store *Store

	mu              sync.Mutex
	faults          []Fault
	codes           map[key.Digest]status.Code
	udfs            map[string]UDF
	filter          FilterFunc
	recordsPerProto int
	requests        []*Request
}

func NewServer(name string, store *Store) *Server {
	return &Server{
		name:  name,
		store: store,
		codes: make(map[key.Digest]status.Code),
		udfs:  make(map[string]UDF),
	}
}

func (s *Server) Name() string {
	return s.name
}

func (s *Server) InjectFault(f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// SetResult makes every command answer d with code.
func (s *Server) SetResult(d key.Digest, code status.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[d] = code
}

func (s *Server) RegisterUDF(pkg, function string, udf UDF) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.udfs[pkg+"."+function] = udf
}

func (s *Server) SetFilter(f FilterFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// SetRecordsPerProto splits batch responses into protos of n records.
func (s *Server) SetRecordsPerProto(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordsPerProto = n
}

// Requests returns the commands received so far.
func (s *Server) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

func (s *Server) takeFault() *Fault {
	if len(s.faults) == 0 {
		return nil
	}
	f := s.faults[0]
	s.faults[0].Times--
	if s.faults[0].Times <= 0 {
		s.faults = s.faults[1:]
	}
	return &f
}

// Handle executes cmd and returns the response bytes. A non nil error is
// returned by the connection once the response bytes are consumed.
func (s *Server) Handle(cmd []byte) ([]byte, error) {
	req, err := DecodeRequest(cmd)
	if err != nil {
		last := encodeMessage(wire.MessageHeader{Info3: wire.Info3Last, ResultCode: uint8(status.ErrRequestInvalid)}, nil, nil)
		return frame([][]byte{last}, 0, false)
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fault := s.takeFault()
	filter := s.filter
	s.mu.Unlock()

	answered := len(req.Entries)
	var connErr error
	if fault != nil {
		switch {
		case fault.Err != nil:
			connErr = fault.Err
			answered = min(fault.AfterRecords, answered)
		case fault.Code != 0 && !req.Single:
			answered = min(fault.AfterRecords, answered)
		}
	}
	msgs := make([][]byte, 0, answered+1)
	for j := range req.Entries {
		if j >= answered && (fault == nil || !fault.Apply) {
			break
		}
		e := &req.Entries[j]
		res := s.execute(e, req.Filter, filter)
		if j >= answered {
			continue
		}
		if req.Single && fault != nil && fault.Code != 0 {
			res = result{code: fault.Code}
		}
		// transactional reads return the version they saw
		_, inTxn := e.Field(wire.FieldTxnID)
		withVersion := inTxn && e.WriteAttr&wire.Info2Write == 0
		msgs = append(msgs, encodeRecord(e.Offset, res, withVersion))
	}
	compress := req.Header.Info1&wire.Info1CompressResponse != 0
	if !req.Single && connErr == nil {
		h := wire.MessageHeader{Info3: wire.Info3Last}
		if fault != nil {
			h.ResultCode = uint8(fault.Code)
		}
		msgs = append(msgs, encodeMessage(h, nil, nil))
	}
	s.mu.Lock()
	perProto := s.recordsPerProto
	s.mu.Unlock()
	resp, err := frame(msgs, perProto, compress)
	if err != nil {
		return nil, err
	}
	return resp, connErr
}

func (s *Server) execute(e *Entry, batchFilter []byte, filter FilterFunc) result {
	s.mu.Lock()
	code, ok := s.codes[e.Digest]
	s.mu.Unlock()
	if ok {
		return result{code: code}
	}
	exp, ok := e.Field(wire.FieldFilterExp)
	if !ok {
		exp = batchFilter
	}
	var res result
	s.store.update(e.Namespace(), e.Digest, func(cur *StoredRecord) (*StoredRecord, bool) {
		if exp != nil && cur != nil && filter != nil && !filter(exp, cur.Bins) {
			res = result{code: status.FilteredOut}
			return nil, false
		}
		var next *StoredRecord
		var commit bool
		res, next, commit = s.apply(e, cur)
		return next, commit
	})
	return res
}

func (s *Server) apply(e *Entry, cur *StoredRecord) (result, *StoredRecord, bool) {
	switch {
	case e.TxnAttr&wire.Info4TxnVerifyRead != 0:
		return verify(e, cur), nil, false
	case e.TxnAttr&(wire.Info4TxnRollForward|wire.Info4TxnRollBack) != 0:
		return result{code: status.OK}, nil, false
	case e.WriteAttr&wire.Info2Write == 0:
		return read(e, cur), nil, false
	}

	if e.WriteAttr&wire.Info2Generation != 0 && cur != nil && cur.Generation != uint32(e.Generation) {
		return result{code: status.ErrRecordGeneration}, nil, false
	}
	if e.WriteAttr&wire.Info2Delete != 0 {
		if cur == nil {
			return result{code: status.ErrRecordNotFound}, nil, false
		}
		return result{code: status.OK}, nil, true
	}
	if cur != nil && e.WriteAttr&wire.Info2CreateOnly != 0 {
		return result{code: status.ErrRecordExists}, nil, false
	}
	if cur == nil && e.InfoAttr&(wire.Info3UpdateOnly|wire.Info3ReplaceOnly) != 0 {
		return result{code: status.ErrRecordNotFound}, nil, false
	}
	next := cur
	if next == nil {
		next = &StoredRecord{Bins: make(map[string]interface{})}
	} else if e.InfoAttr&(wire.Info3CreateOrReplace|wire.Info3ReplaceOnly) != 0 {
		next.Bins = make(map[string]interface{})
	}

	var (
		res     result
		deleted bool
	)
	if pkg, ok := e.Field(wire.FieldUDFPackage); ok {
		var commit bool
		if res, commit = s.applyUDF(e, string(pkg), next); !commit {
			return res, nil, false
		}
	} else {
		var code status.Code
		res.bins, deleted, code = applyOps(e.Ops, next)
		if code != status.OK {
			return result{code: code}, nil, false
		}
	}
	next.Generation++
	next.Version++
	next.Expiration = e.TTL
	if k, ok := e.Field(wire.FieldKey); ok {
		next.UserKey = append([]byte(nil), k...)
	}
	res.code = status.OK
	res.generation = next.Generation
	res.expiration = next.Expiration
	res.version = next.Version
	if deleted {
		return res, nil, true
	}
	return res, next, true
}

func verify(e *Entry, cur *StoredRecord) result {
	if cur == nil {
		return result{code: status.ErrRecordNotFound}
	}
	data, ok := e.Field(wire.FieldRecordVersion)
	if !ok {
		return result{code: status.ErrRequestInvalid}
	}
	v, err := wire.DecodeVersion(data)
	if err != nil {
		return result{code: status.ErrRequestInvalid}
	}
	if v != cur.Version {
		return result{code: status.ErrTxnVersionMismatch}
	}
	return result{code: status.OK, version: cur.Version}
}

func read(e *Entry, cur *StoredRecord) result {
	if cur == nil {
		return result{code: status.ErrRecordNotFound}
	}
	res := result{
		code:       status.OK,
		generation: cur.Generation,
		expiration: cur.Expiration,
		version:    cur.Version,
	}
	switch {
	case e.ReadAttr&wire.Info1NoBinData != 0:
	case e.ReadAttr&wire.Info1GetAll != 0:
		for _, name := range cur.binNames() {
			res.bins = append(res.bins, binResult{name, cur.Bins[name]})
		}
	default:
		for _, op := range e.Ops {
			if op.Type != wire.OpRead {
				continue
			}
			if v, ok := cur.Bins[op.BinName]; ok {
				res.bins = append(res.bins, binResult{op.BinName, v})
			}
		}
	}
	return res
}

func applyOps(ops []wire.Op, rec *StoredRecord) ([]binResult, bool, status.Code) {
	var (
		out     []binResult
		deleted bool
	)
	for _, op := range ops {
		v, err := op.Value()
		if err != nil {
			return nil, false, status.ErrRequestInvalid
		}
		switch op.Type {
		case wire.OpWrite:
			if v == nil {
				delete(rec.Bins, op.BinName)
			} else {
				rec.Bins[op.BinName] = v
			}
		case wire.OpAdd:
			delta, ok := v.(int64)
			if !ok {
				return nil, false, status.ErrBinIncompatible
			}
			curVal, exists := rec.Bins[op.BinName]
			n, ok := curVal.(int64)
			if exists && !ok {
				return nil, false, status.ErrBinIncompatible
			}
			rec.Bins[op.BinName] = n + delta
		case wire.OpAppend, wire.OpPrepend:
			s, ok := v.(string)
			if !ok {
				return nil, false, status.ErrBinIncompatible
			}
			curVal, _ := rec.Bins[op.BinName].(string)
			if op.Type == wire.OpAppend {
				rec.Bins[op.BinName] = curVal + s
			} else {
				rec.Bins[op.BinName] = s + curVal
			}
		case wire.OpTouch:
		case wire.OpDelete:
			deleted = true
		case wire.OpRead:
			if op.BinName == "" {
				for _, name := range rec.binNames() {
					out = append(out, binResult{name, rec.Bins[name]})
				}
				continue
			}
			out = append(out, binResult{op.BinName, rec.Bins[op.BinName]})
		default:
			return nil, false, status.ErrUnsupportedFeature
		}
	}
	return out, deleted, status.OK
}

func (s *Server) applyUDF(e *Entry, pkg string, rec *StoredRecord) (result, bool) {
	fn, _ := e.Field(wire.FieldUDFFunction)
	argData, _ := e.Field(wire.FieldUDFArgList)
	s.mu.Lock()
	udf, ok := s.udfs[pkg+"."+string(fn)]
	s.mu.Unlock()
	if !ok {
		return udfFailure(fmt.Sprintf("function not found: %s.%s", pkg, fn)), false
	}
	args, err := wire.DecodeArgs(argData)
	if err != nil {
		return udfFailure(err.Error()), false
	}
	v, err := udf(rec.Bins, args)
	if err != nil {
		return udfFailure(err.Error()), false
	}
	return result{bins: []binResult{{"SUCCESS", v}}}, true
}

func udfFailure(msg string) result {
	return result{
		code: status.ErrUDF,
		bins: []binResult{{"FAILURE", strings.TrimSpace(msg)}},
	}
}

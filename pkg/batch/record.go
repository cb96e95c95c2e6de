package batch

import (
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/wire"
)

type RecordType uint8

const (
	RecordRead RecordType = iota
	RecordWrite
	RecordApply
	RecordRemove
	RecordTxnVerify
	RecordTxnRoll
)

func (t RecordType) String() string {
	switch t {
	case RecordRead:
		return "read"
	case RecordWrite:
		return "write"
	case RecordApply:
		return "apply"
	case RecordRemove:
		return "remove"
	case RecordTxnVerify:
		return "txn_verify"
	case RecordTxnRoll:
		return "txn_roll"
	}
	return "unknown"
}

// Record is one request of a batch call. It is implemented by *Read, *Write,
// *Apply, *Remove, *TxnVerify and *TxnRoll.
type Record interface {
	Base() *BaseRecord
	Type() RecordType
	// HasWrite reports whether the record may modify data on the server.
	HasWrite() bool
}

// OpResults holds the results of several operations on the same bin.
type OpResults []interface{}

// BaseRecord holds the key of a record request and its outcome.
type BaseRecord struct {
	Key *key.Key
	// Result is NoResponse until the record is answered or its command fails.
	Result status.Code
	// InDoubt is set on a failed write that may have been applied.
	InDoubt    bool
	Bins       map[string]interface{}
	Generation uint32
	Expiration uint32

	sendCount int
}

func (b *BaseRecord) Base() *BaseRecord {
	return b
}

// SendCount is the number of commands that carried this record.
func (b *BaseRecord) SendCount() int {
	return b.sendCount
}

func (b *BaseRecord) reset() {
	b.Result = status.NoResponse
	b.InDoubt = false
	b.Bins = nil
	b.Generation = 0
	b.Expiration = 0
	b.sendCount = 0
}

// setBin stores a returned bin. Repeated bins collect into OpResults.
func (b *BaseRecord) setBin(name string, value interface{}) {
	if b.Bins == nil {
		b.Bins = make(map[string]interface{})
	}
	prev, ok := b.Bins[name]
	if !ok {
		b.Bins[name] = value
		return
	}
	if list, ok := prev.(OpResults); ok {
		b.Bins[name] = append(list, value)
		return
	}
	b.Bins[name] = OpResults{prev, value}
}

// Read fetches bins of a record. Either BinNames or Ops may be set. With
// neither, ReadAllBins selects all bins, otherwise only the header is read.
type Read struct {
	BaseRecord
	Policy      *ReadPolicy
	BinNames    []string
	Ops         []wire.Operation
	ReadAllBins bool
}

func NewRead(k *key.Key, binNames ...string) *Read {
	return &Read{
		BaseRecord:  BaseRecord{Key: k, Result: status.NoResponse},
		BinNames:    binNames,
		ReadAllBins: len(binNames) == 0,
	}
}

// NewReadHeader reads only the generation and expiration of a record.
func NewReadHeader(k *key.Key) *Read {
	return &Read{BaseRecord: BaseRecord{Key: k, Result: status.NoResponse}}
}

func (*Read) Type() RecordType {
	return RecordRead
}

func (*Read) HasWrite() bool {
	return false
}

// Write applies operations to a record. Read operations among them return
// bins.
type Write struct {
	BaseRecord
	Policy *WritePolicy
	Ops    []wire.Operation
}

func NewWrite(k *key.Key, ops ...wire.Operation) *Write {
	return &Write{
		BaseRecord: BaseRecord{Key: k, Result: status.NoResponse},
		Ops:        ops,
	}
}

func (*Write) Type() RecordType {
	return RecordWrite
}

func (*Write) HasWrite() bool {
	return true
}

// Apply runs a registered user function on a record.
type Apply struct {
	BaseRecord
	Policy   *ApplyPolicy
	Package  string
	Function string
	Args     []interface{}
}

func NewApply(k *key.Key, pkg, function string, args ...interface{}) *Apply {
	return &Apply{
		BaseRecord: BaseRecord{Key: k, Result: status.NoResponse},
		Package:    pkg,
		Function:   function,
		Args:       args,
	}
}

func (*Apply) Type() RecordType {
	return RecordApply
}

func (*Apply) HasWrite() bool {
	return true
}

type Remove struct {
	BaseRecord
	Policy *RemovePolicy
}

func NewRemove(k *key.Key) *Remove {
	return &Remove{BaseRecord: BaseRecord{Key: k, Result: status.NoResponse}}
}

func (*Remove) Type() RecordType {
	return RecordRemove
}

func (*Remove) HasWrite() bool {
	return true
}

// TxnVerify checks that a record read in a transaction still has the version
// that was read.
type TxnVerify struct {
	BaseRecord
	Version uint64
}

func NewTxnVerify(k *key.Key, version uint64) *TxnVerify {
	return &TxnVerify{
		BaseRecord: BaseRecord{Key: k, Result: status.NoResponse},
		Version:    version,
	}
}

func (*TxnVerify) Type() RecordType {
	return RecordTxnVerify
}

func (*TxnVerify) HasWrite() bool {
	return false
}

// TxnRoll commits (Forward) or aborts the provisional write of a record.
type TxnRoll struct {
	BaseRecord
	Forward bool
}

func NewTxnRoll(k *key.Key, forward bool) *TxnRoll {
	return &TxnRoll{
		BaseRecord: BaseRecord{Key: k, Result: status.NoResponse},
		Forward:    forward,
	}
}

func (*TxnRoll) Type() RecordType {
	return RecordTxnRoll
}

func (*TxnRoll) HasWrite() bool {
	return true
}

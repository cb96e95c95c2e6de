package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
	"github.com/treeverse/clusterkv/pkg/txn"
	"github.com/treeverse/clusterkv/pkg/wire"
)

// batchIndexPrefixSize is the count and flags written at the start of the
// batch index field.
const batchIndexPrefixSize = 4 + 1

// prepared is the per record state computed once per call and shared by all
// commands, including retries.
type prepared struct {
	attr    attr
	version uint64
	// args are the encoded arguments of an Apply.
	args     []byte
	opsSize  int
	opsCount int
	// keySize is the size of the user key field, zero when not sent.
	keySize int
}

// builder serialises node batches of one call.
type builder struct {
	policy   *BatchPolicy
	records  []Record
	prepared []prepared
	txn      *txn.Txn
	deadline uint32
}

func newBuilder(policy *BatchPolicy, defaults Policies, records []Record) (*builder, error) {
	b := &builder{
		policy:   policy,
		records:  records,
		prepared: make([]prepared, len(records)),
		txn:      policy.Txn,
	}
	if b.txn != nil {
		b.deadline = b.txn.Deadline()
	}
	for i, r := range records {
		if err := b.prepare(i, r, defaults); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *builder) prepare(i int, r Record, defaults Policies) error {
	p := &b.prepared[i]
	p.attr = recordAttr(r, b.policy, defaults)
	base := r.Base()
	if p.attr.sendKey && base.Key.UserKey != nil {
		size, err := wire.KeyFieldSize(base.Key)
		if err != nil {
			return status.New(status.ErrParam, "record %d: %s", i, err)
		}
		p.keySize = size
	}
	switch rec := r.(type) {
	case *Read:
		if len(rec.Ops) > 0 {
			return b.prepareOps(i, rec.Ops)
		}
		for _, name := range rec.BinNames {
			p.opsSize += wire.BinNameSize(name)
		}
		p.opsCount = len(rec.BinNames)
	case *Write:
		return b.prepareOps(i, rec.Ops)
	case *Apply:
		args, err := wire.EncodeArgs(rec.Args)
		if err != nil {
			return status.New(status.ErrParam, "record %d: %s", i, err)
		}
		p.args = args
	case *TxnVerify:
		p.version = rec.Version
	}
	if b.txn != nil && p.version == 0 && r.Type() != RecordTxnRoll {
		p.version = b.txn.GetReadVersion(base.Key.Digest())
	}
	return nil
}

func (b *builder) prepareOps(i int, ops []wire.Operation) error {
	p := &b.prepared[i]
	for _, op := range ops {
		size, err := wire.OperationSize(op)
		if err != nil {
			return status.New(status.ErrParam, "record %d: %s", i, err)
		}
		p.opsSize += size
	}
	p.opsCount = len(ops)
	if b.txn != nil {
		p.version = b.txn.GetReadVersion(b.records[i].Base().Key.Digest())
	}
	return nil
}

// command is a sized node batch ready to be written.
type command struct {
	node    *cluster.Node
	offsets []int
	single  bool
	legacy  bool
	// repeat marks the offsets encoded as a repeat of the previous record.
	repeat []bool
	size   int
}

// estimate is the sizing pass. Its result bounds the buffer of write.
func (b *builder) estimate(nb *nodeBatch, single bool) (*command, error) {
	cmd := &command{
		node:    nb.node,
		offsets: nb.offsets,
		single:  single,
	}
	if single {
		cmd.size = b.singleSize(nb.offsets[0])
		return cmd, nil
	}
	cmd.legacy = !nb.node.HasFeature(cluster.FeatureBatchAny)
	cmd.repeat = make([]bool, len(nb.offsets))
	size := wire.HeaderSize + wire.FieldHeaderSize + batchIndexPrefixSize
	if b.policy.FilterExp != nil {
		size += wire.FieldSize(len(b.policy.FilterExp))
	}
	prev := -1
	for j, i := range nb.offsets {
		size += wire.BatchRecordPrefixSize
		if cmd.legacy {
			if err := b.checkLegacy(i, nb.node); err != nil {
				return nil, err
			}
			if prev >= 0 && b.canRepeatLegacy(prev, i) {
				cmd.repeat[j] = true
				size++
				continue
			}
			size += b.legacyEntrySize(i)
		} else {
			if prev >= 0 && b.canRepeat(prev, i) {
				cmd.repeat[j] = true
				size++
				continue
			}
			size += b.entrySize(i)
		}
		prev = i
	}
	cmd.size = size
	return cmd, nil
}

// canRepeat reports whether record i may reuse the encoding of record prev.
// Policies, bin lists and operation lists are compared by identity.
func (b *builder) canRepeat(prev, i int) bool {
	pr, cr := b.records[prev], b.records[i]
	pp, cp := &b.prepared[prev], &b.prepared[i]
	if pr.Type() != cr.Type() || cp.attr.sendKey || cp.version != 0 || pp.version != 0 {
		return false
	}
	pk, ck := pr.Base().Key, cr.Base().Key
	if pk.Namespace != ck.Namespace || pk.Set != ck.Set {
		return false
	}
	switch c := cr.(type) {
	case *Read:
		p := pr.(*Read)
		return p.Policy == c.Policy &&
			p.ReadAllBins == c.ReadAllBins &&
			sameSlice(p.BinNames, c.BinNames) &&
			sameSlice(p.Ops, c.Ops)
	case *Write:
		p := pr.(*Write)
		return p.Policy == c.Policy && sameSlice(p.Ops, c.Ops)
	case *Apply:
		p := pr.(*Apply)
		return p.Policy == c.Policy &&
			p.Package == c.Package &&
			p.Function == c.Function &&
			sameSlice(p.Args, c.Args)
	case *Remove:
		return pr.(*Remove).Policy == c.Policy
	case *TxnRoll:
		return pr.(*TxnRoll).Forward == c.Forward
	}
	return false
}

func (b *builder) canRepeatLegacy(prev, i int) bool {
	p, c := b.records[prev].(*Read), b.records[i].(*Read)
	return p.Key.Namespace == c.Key.Namespace &&
		p.Key.Set == c.Key.Set &&
		p.ReadAllBins == c.ReadAllBins &&
		b.prepared[prev].attr.readAttr == b.prepared[i].attr.readAttr &&
		sameSlice(p.BinNames, c.BinNames)
}

// checkLegacy rejects records the legacy format cannot carry.
func (b *builder) checkLegacy(i int, node *cluster.Node) error {
	if b.txn != nil {
		return status.New(status.ErrUnsupportedFeature, "node %s does not support transactions", node)
	}
	r, ok := b.records[i].(*Read)
	if !ok || len(r.Ops) > 0 {
		return status.New(status.ErrUnsupportedFeature, "node %s does not support batch %s records", node, b.records[i].Type())
	}
	return nil
}

// sameSlice reports whether a and b are the same slice, not equal ones.
func sameSlice[T any](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

func hasGeneration(r Record) bool {
	return r.HasWrite() || r.Type() == RecordTxnVerify
}

// fields returns the number and size of the fields of record i in the batch
// formats: namespace, set, transaction fields, filter, key and UDF.
func (b *builder) fields(i int) (count, size int) {
	k := b.records[i].Base().Key
	p := &b.prepared[i]
	count = 2
	size = wire.StringFieldSize(k.Namespace) + wire.StringFieldSize(k.Set)
	c, s := b.txnFields(i)
	count += c
	size += s
	if p.attr.filterExp != nil {
		count++
		size += wire.FieldSize(len(p.attr.filterExp))
	}
	if p.keySize > 0 {
		count++
		size += p.keySize
	}
	if a, ok := b.records[i].(*Apply); ok {
		count += 3
		size += wire.StringFieldSize(a.Package) + wire.StringFieldSize(a.Function) + wire.FieldSize(len(p.args))
	}
	return count, size
}

func (b *builder) txnFields(i int) (count, size int) {
	if b.txn == nil {
		return 0, 0
	}
	p := &b.prepared[i]
	count = 1
	size = wire.FieldSize(8)
	if p.version != 0 {
		count++
		size += wire.FieldSize(wire.RecordVersionSize)
	}
	if p.attr.sendDeadline && b.deadline != 0 {
		count++
		size += wire.FieldSize(4)
	}
	return count, size
}

func (b *builder) entrySize(i int) int {
	p := &b.prepared[i]
	size := 1 + 3 + 4 + 2 + 2
	if p.attr.txnAttr != 0 {
		size++
	}
	if hasGeneration(b.records[i]) {
		size += 2
	}
	_, fieldsSize := b.fields(i)
	return size + fieldsSize + p.opsSize
}

func (b *builder) legacyEntrySize(i int) int {
	k := b.records[i].Base().Key
	return 1 + 1 + 2 + 2 + wire.StringFieldSize(k.Namespace) + wire.StringFieldSize(k.Set) + b.prepared[i].opsSize
}

// singleFields returns the fields of the single record form, which carries
// the digest and the batch filter when the record has none.
func (b *builder) singleFields(i int) (count, size int) {
	count, size = b.fields(i)
	count++
	size += wire.FieldSize(key.DigestSize)
	if b.prepared[i].attr.filterExp == nil && b.policy.FilterExp != nil {
		count++
		size += wire.FieldSize(len(b.policy.FilterExp))
	}
	return count, size
}

func (b *builder) singleSize(i int) int {
	_, size := b.singleFields(i)
	return wire.HeaderSize + size + b.prepared[i].opsSize
}

// write is the second pass. It fills a buffer of the estimated size and
// compresses the result when the policy asks for it.
func (b *builder) write(cmd *command, timeout time.Duration) ([]byte, error) {
	buf := wire.NewBuffer(cmd.size)
	var err error
	switch {
	case cmd.single:
		err = b.writeSingle(buf, cmd.offsets[0], timeout)
	case cmd.legacy:
		b.writeLegacy(buf, cmd, timeout)
	default:
		err = b.writeBatch(buf, cmd, timeout)
	}
	if err != nil {
		return nil, err
	}
	out := buf.End()
	if bufErr := buf.Err(); bufErr != nil {
		return nil, fmt.Errorf("%w: %w", status.New(status.ErrClient, "command size estimate %d exceeded", cmd.size), bufErr)
	}
	if b.policy.Compress && len(out) > b.policy.CompressionThreshold {
		compressed, err := wire.Compress(out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", status.New(status.ErrClient, "compress command"), err)
		}
		return compressed, nil
	}
	return out, nil
}

func timeoutMillis(timeout time.Duration) uint32 {
	if timeout <= 0 {
		return 0
	}
	return uint32(timeout / time.Millisecond)
}

func (b *builder) batchFlags() uint8 {
	flags := uint8(wire.BatchFlagsFixed)
	if b.policy.AllowInline {
		flags |= wire.BatchAllowInline
	}
	if b.policy.AllowInlineSSD {
		flags |= wire.BatchAllowInlineSSD
	}
	if b.policy.RespondAllKeys {
		flags |= wire.BatchRespondAllKeys
	}
	return flags
}

func (b *builder) writeBatch(buf *wire.Buffer, cmd *command, timeout time.Duration) error {
	h := wire.MessageHeader{
		Info1:          wire.Info1Batch,
		TransactionTTL: timeoutMillis(timeout),
		FieldCount:     1,
	}
	if b.policy.Compress {
		h.Info1 |= wire.Info1CompressResponse
	}
	if b.policy.FilterExp != nil {
		h.FieldCount++
	}
	buf.WriteHeader(h)
	if b.policy.FilterExp != nil {
		buf.WriteFieldBytes(wire.FieldFilterExp, b.policy.FilterExp)
	}
	fieldStart := buf.Len()
	buf.WriteFieldHeader(0, wire.FieldBatchIndex)
	buf.WriteUint32(uint32(len(cmd.offsets)))
	buf.WriteUint8(b.batchFlags())
	for j, i := range cmd.offsets {
		d := b.records[i].Base().Key.Digest()
		buf.WriteUint32(uint32(i))
		buf.WriteBytes(d[:])
		if cmd.repeat[j] {
			buf.WriteUint8(wire.BatchMsgRepeat)
			continue
		}
		if err := b.writeEntry(buf, i); err != nil {
			return err
		}
	}
	buf.PatchUint32(fieldStart, uint32(buf.Len()-fieldStart-4))
	return nil
}

func (b *builder) writeEntry(buf *wire.Buffer, i int) error {
	r := b.records[i]
	p := &b.prepared[i]
	typ := uint8(wire.BatchMsgInfo | wire.BatchMsgTTL)
	gen := hasGeneration(r)
	if gen {
		typ |= wire.BatchMsgGen
	}
	if p.attr.txnAttr != 0 {
		typ |= wire.BatchMsgInfo4
	}
	buf.WriteUint8(typ)
	buf.WriteUint8(p.attr.readAttr)
	buf.WriteUint8(p.attr.writeAttr)
	buf.WriteUint8(p.attr.infoAttr)
	if p.attr.txnAttr != 0 {
		buf.WriteUint8(p.attr.txnAttr)
	}
	if gen {
		buf.WriteUint16(p.attr.gen)
	}
	buf.WriteUint32(p.attr.ttl)
	count, _ := b.fields(i)
	buf.WriteUint16(uint16(count))
	buf.WriteUint16(uint16(p.opsCount))
	if err := b.writeFields(buf, i); err != nil {
		return err
	}
	return b.writeOps(buf, i)
}

func (b *builder) writeFields(buf *wire.Buffer, i int) error {
	r := b.records[i]
	k := r.Base().Key
	p := &b.prepared[i]
	buf.WriteFieldString(wire.FieldNamespace, k.Namespace)
	buf.WriteFieldString(wire.FieldSet, k.Set)
	b.writeTxnFields(buf, i)
	if p.attr.filterExp != nil {
		buf.WriteFieldBytes(wire.FieldFilterExp, p.attr.filterExp)
	}
	if p.keySize > 0 {
		if err := buf.WriteFieldKey(k); err != nil {
			return status.New(status.ErrParam, "record %d: %s", i, err)
		}
	}
	if a, ok := r.(*Apply); ok {
		buf.WriteFieldString(wire.FieldUDFPackage, a.Package)
		buf.WriteFieldString(wire.FieldUDFFunction, a.Function)
		buf.WriteFieldBytes(wire.FieldUDFArgList, p.args)
	}
	return nil
}

func (b *builder) writeTxnFields(buf *wire.Buffer, i int) {
	if b.txn == nil {
		return
	}
	p := &b.prepared[i]
	buf.WriteFieldTxnID(b.txn.ID())
	if p.version != 0 {
		buf.WriteFieldVersion(p.version)
	}
	if p.attr.sendDeadline && b.deadline != 0 {
		buf.WriteFieldTxnDeadline(b.deadline)
	}
}

func (b *builder) writeOps(buf *wire.Buffer, i int) error {
	var ops []wire.Operation
	switch rec := b.records[i].(type) {
	case *Read:
		if len(rec.Ops) == 0 {
			for _, name := range rec.BinNames {
				buf.WriteBinName(name)
			}
			return nil
		}
		ops = rec.Ops
	case *Write:
		ops = rec.Ops
	}
	for _, op := range ops {
		if err := buf.WriteOperation(op); err != nil {
			return status.New(status.ErrParam, "record %d: %s", i, err)
		}
	}
	return nil
}

func (b *builder) writeLegacy(buf *wire.Buffer, cmd *command, timeout time.Duration) {
	readAttr, infoAttr := readModeAttrs(b.policy.ReadModeAP, b.policy.ReadModeSC)
	h := wire.MessageHeader{
		Info1:          readAttr | wire.Info1Batch,
		Info3:          infoAttr,
		TransactionTTL: timeoutMillis(timeout),
		FieldCount:     1,
	}
	if b.policy.FilterExp != nil {
		h.FieldCount++
	}
	buf.WriteHeader(h)
	if b.policy.FilterExp != nil {
		buf.WriteFieldBytes(wire.FieldFilterExp, b.policy.FilterExp)
	}
	fieldStart := buf.Len()
	buf.WriteFieldHeader(0, wire.FieldBatchIndexWithSet)
	buf.WriteUint32(uint32(len(cmd.offsets)))
	var flags uint8
	if b.policy.AllowInline {
		flags = wire.BatchAllowInline
	}
	buf.WriteUint8(flags)
	for j, i := range cmd.offsets {
		r := b.records[i].(*Read)
		d := r.Key.Digest()
		buf.WriteUint32(uint32(i))
		buf.WriteBytes(d[:])
		if cmd.repeat[j] {
			buf.WriteUint8(1)
			continue
		}
		buf.WriteUint8(0)
		buf.WriteUint8(b.prepared[i].attr.readAttr)
		buf.WriteUint16(2)
		buf.WriteUint16(uint16(len(r.BinNames)))
		buf.WriteFieldString(wire.FieldNamespace, r.Key.Namespace)
		buf.WriteFieldString(wire.FieldSet, r.Key.Set)
		for _, name := range r.BinNames {
			buf.WriteBinName(name)
		}
	}
	buf.PatchUint32(fieldStart, uint32(buf.Len()-fieldStart-4))
}

// writeSingle writes record i as a single record command.
func (b *builder) writeSingle(buf *wire.Buffer, i int, timeout time.Duration) error {
	r := b.records[i]
	k := r.Base().Key
	p := &b.prepared[i]
	count, _ := b.singleFields(i)
	h := wire.MessageHeader{
		Info1:          p.attr.readAttr,
		Info2:          p.attr.writeAttr,
		Info3:          p.attr.infoAttr,
		Info4:          p.attr.txnAttr,
		Generation:     uint32(p.attr.gen),
		Expiration:     p.attr.ttl,
		TransactionTTL: timeoutMillis(timeout),
		FieldCount:     uint16(count),
		OpCount:        uint16(p.opsCount),
	}
	if b.policy.Compress {
		h.Info1 |= wire.Info1CompressResponse
	}
	buf.WriteHeader(h)
	buf.WriteFieldString(wire.FieldNamespace, k.Namespace)
	buf.WriteFieldString(wire.FieldSet, k.Set)
	if p.keySize > 0 {
		if err := buf.WriteFieldKey(k); err != nil {
			return status.New(status.ErrParam, "record %d: %s", i, err)
		}
	}
	buf.WriteFieldDigest(k.Digest())
	b.writeTxnFields(buf, i)
	switch {
	case p.attr.filterExp != nil:
		buf.WriteFieldBytes(wire.FieldFilterExp, p.attr.filterExp)
	case b.policy.FilterExp != nil:
		buf.WriteFieldBytes(wire.FieldFilterExp, b.policy.FilterExp)
	}
	if a, ok := r.(*Apply); ok {
		buf.WriteFieldString(wire.FieldUDFPackage, a.Package)
		buf.WriteFieldString(wire.FieldUDFFunction, a.Function)
		buf.WriteFieldBytes(wire.FieldUDFArgList, p.args)
	}
	return b.writeOps(buf, i)
}

// errOverflow reports whether err is a size estimate defect.
func errOverflow(err error) bool {
	return errors.Is(err, wire.ErrBufferOverflow)
}

package batch

import (
	"github.com/treeverse/clusterkv/pkg/wire"
)

// attr is the flattened set of protocol flags of one record. It is derived
// once per record from its policy and compared to decide repeat encoding.
type attr struct {
	filterExp []byte
	readAttr  uint8
	writeAttr uint8
	infoAttr  uint8
	txnAttr   uint8
	ttl       uint32
	gen       uint16
	hasWrite  bool
	sendKey   bool
	// sendDeadline writes the transaction deadline with the record.
	sendDeadline bool
}

func readModeAttrs(ap ReadModeAP, sc ReadModeSC) (readAttr, infoAttr uint8) {
	readAttr = wire.Info1Read
	if ap == ReadModeAPAll {
		readAttr |= wire.Info1ReadModeAPAll
	}
	switch sc {
	case ReadModeSCLinearize:
		infoAttr = wire.Info3SCReadType
	case ReadModeSCAllowReplica:
		infoAttr = wire.Info3SCReadRelax
	case ReadModeSCAllowUnavailable:
		infoAttr = wire.Info3SCReadType | wire.Info3SCReadRelax
	}
	return readAttr, infoAttr
}

func (a *attr) setRead(rp *ReadPolicy, bp *BatchPolicy) {
	*a = attr{sendKey: bp.SendKey}
	ap, sc := bp.ReadModeAP, bp.ReadModeSC
	if rp != nil {
		a.filterExp = rp.FilterExp
		ap, sc = rp.ReadModeAP, rp.ReadModeSC
	}
	a.readAttr, a.infoAttr = readModeAttrs(ap, sc)
}

// adjustRead selects all bins or the header only when no bins are named.
func (a *attr) adjustRead(r *Read) {
	switch {
	case len(r.Ops) > 0:
		for _, op := range r.Ops {
			if op.Type == wire.OpRead && op.BinName == "" {
				a.readAttr |= wire.Info1GetAll
			}
		}
	case len(r.BinNames) > 0:
	case r.ReadAllBins:
		a.readAttr |= wire.Info1GetAll
	default:
		a.readAttr |= wire.Info1NoBinData
	}
}

func (a *attr) setWrite(wp *WritePolicy, bp *BatchPolicy) {
	*a = attr{
		filterExp:    wp.FilterExp,
		writeAttr:    wire.Info2Write | wire.Info2RespondAllOps,
		ttl:          wp.TTL,
		hasWrite:     true,
		sendKey:      wp.Key == KeySend || bp.SendKey,
		sendDeadline: true,
	}
	a.setGeneration(wp.GenerationPolicy, wp.Generation)
	switch wp.Exists {
	case ExistsUpdateOnly:
		a.infoAttr |= wire.Info3UpdateOnly
	case ExistsReplace:
		a.infoAttr |= wire.Info3CreateOrReplace
	case ExistsReplaceOnly:
		a.infoAttr |= wire.Info3ReplaceOnly
	case ExistsCreateOnly:
		a.writeAttr |= wire.Info2CreateOnly
	}
	if wp.DurableDelete {
		a.writeAttr |= wire.Info2DurableDelete
	}
	if wp.OnLockingOnly {
		a.txnAttr |= wire.Info4TxnOnLockingOnly
	}
	if wp.CommitLevel == CommitMaster {
		a.infoAttr |= wire.Info3CommitMaster
	}
}

// adjustWrite adds read flags for read operations mixed into a write.
func (a *attr) adjustWrite(ops []wire.Operation) {
	var hasRead, readAll bool
	for _, op := range ops {
		if op.Type.IsWrite() {
			continue
		}
		hasRead = true
		if op.Type == wire.OpRead && op.BinName == "" {
			readAll = true
		}
	}
	if !hasRead {
		return
	}
	a.readAttr |= wire.Info1Read
	if readAll {
		a.readAttr |= wire.Info1GetAll
	}
}

func (a *attr) setApply(ap *ApplyPolicy, bp *BatchPolicy) {
	*a = attr{
		filterExp:    ap.FilterExp,
		writeAttr:    wire.Info2Write,
		ttl:          ap.TTL,
		hasWrite:     true,
		sendKey:      ap.Key == KeySend || bp.SendKey,
		sendDeadline: true,
	}
	if ap.DurableDelete {
		a.writeAttr |= wire.Info2DurableDelete
	}
	if ap.OnLockingOnly {
		a.txnAttr |= wire.Info4TxnOnLockingOnly
	}
	if ap.CommitLevel == CommitMaster {
		a.infoAttr |= wire.Info3CommitMaster
	}
}

func (a *attr) setRemove(rp *RemovePolicy, bp *BatchPolicy) {
	*a = attr{
		filterExp:    rp.FilterExp,
		writeAttr:    wire.Info2Write | wire.Info2RespondAllOps | wire.Info2Delete,
		hasWrite:     true,
		sendKey:      rp.Key == KeySend || bp.SendKey,
		sendDeadline: true,
	}
	a.setGeneration(rp.GenerationPolicy, rp.Generation)
	if rp.DurableDelete {
		a.writeAttr |= wire.Info2DurableDelete
	}
	if rp.CommitLevel == CommitMaster {
		a.infoAttr |= wire.Info3CommitMaster
	}
}

func (a *attr) setTxnVerify() {
	*a = attr{
		readAttr: wire.Info1Read | wire.Info1NoBinData,
		infoAttr: wire.Info3SCReadType,
		txnAttr:  wire.Info4TxnVerifyRead,
	}
}

func (a *attr) setTxnRoll(forward bool) {
	*a = attr{
		writeAttr: wire.Info2Write | wire.Info2DurableDelete,
		txnAttr:   wire.Info4TxnRollBack,
		hasWrite:  true,
	}
	if forward {
		a.txnAttr = wire.Info4TxnRollForward
	}
}

func (a *attr) setGeneration(policy GenerationPolicy, gen uint32) {
	switch policy {
	case GenerationEQ:
		a.gen = uint16(gen)
		a.writeAttr |= wire.Info2Generation
	case GenerationGT:
		a.gen = uint16(gen)
		a.writeAttr |= wire.Info2GenerationGT
	}
}

// recordAttr derives the attributes of r, falling back to defaults for
// records without their own policy.
func recordAttr(r Record, bp *BatchPolicy, defaults Policies) attr {
	var a attr
	switch rec := r.(type) {
	case *Read:
		a.setRead(rec.Policy, bp)
		a.adjustRead(rec)
	case *Write:
		wp := rec.Policy
		if wp == nil {
			wp = defaults.Write
		}
		a.setWrite(wp, bp)
		a.adjustWrite(rec.Ops)
	case *Apply:
		ap := rec.Policy
		if ap == nil {
			ap = defaults.Apply
		}
		a.setApply(ap, bp)
	case *Remove:
		rp := rec.Policy
		if rp == nil {
			rp = defaults.Remove
		}
		a.setRemove(rp, bp)
	case *TxnVerify:
		a.setTxnVerify()
	case *TxnRoll:
		a.setTxnRoll(rec.Forward)
	}
	return a
}

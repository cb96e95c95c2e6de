package wire

// proto header
const (
	ProtoVersion          = 2
	ProtoTypeInfo         = 1
	ProtoTypeMessage      = 3
	ProtoTypeCompressed   = 4
	ProtoHeaderSize       = 8
	MessageHeaderSize     = 22
	HeaderSize            = ProtoHeaderSize + MessageHeaderSize
	FieldHeaderSize       = 5
	OperationHeaderSize   = 8
	CompressedHeaderSize  = ProtoHeaderSize + 8
	DefaultCompressMinLen = 128
)

type FieldType uint8

const (
	FieldNamespace         FieldType = 0
	FieldSet               FieldType = 1
	FieldKey               FieldType = 2
	FieldRecordVersion     FieldType = 3
	FieldDigest            FieldType = 4
	FieldTxnID             FieldType = 5
	FieldTxnDeadline       FieldType = 6
	FieldUDFPackage        FieldType = 30
	FieldUDFFunction       FieldType = 31
	FieldUDFArgList        FieldType = 32
	FieldUDFOp             FieldType = 33
	FieldBatchIndex        FieldType = 41
	FieldBatchIndexWithSet FieldType = 42
	FieldFilterExp         FieldType = 43
)

// MaxMessageSize bounds the size of a single proto read from a connection.
const MaxMessageSize = 128 << 20

// RecordVersionSize is the encoded size of a record version field value.
const RecordVersionSize = 7

type OpType uint8

const (
	OpRead      OpType = 1
	OpWrite     OpType = 2
	OpCDTRead   OpType = 3
	OpCDTModify OpType = 4
	OpAdd       OpType = 5
	OpExpRead   OpType = 7
	OpExpModify OpType = 8
	OpAppend    OpType = 9
	OpPrepend   OpType = 10
	OpTouch     OpType = 11
	OpBitRead   OpType = 12
	OpBitModify OpType = 13
	OpDelete    OpType = 14
	OpHLLRead   OpType = 15
	OpHLLModify OpType = 16
)

// IsWrite reports whether the operation modifies the record.
func (o OpType) IsWrite() bool {
	switch o {
	case OpRead, OpCDTRead, OpExpRead, OpBitRead, OpHLLRead:
		return false
	}
	return true
}

func (o OpType) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpCDTRead:
		return "cdt_read"
	case OpCDTModify:
		return "cdt_modify"
	case OpAdd:
		return "add"
	case OpExpRead:
		return "exp_read"
	case OpExpModify:
		return "exp_modify"
	case OpAppend:
		return "append"
	case OpPrepend:
		return "prepend"
	case OpTouch:
		return "touch"
	case OpBitRead:
		return "bit_read"
	case OpBitModify:
		return "bit_modify"
	case OpDelete:
		return "delete"
	case OpHLLRead:
		return "hll_read"
	case OpHLLModify:
		return "hll_modify"
	}
	return "unknown"
}

type ParticleType uint8

const (
	ParticleNil     ParticleType = 0
	ParticleInteger ParticleType = 1
	ParticleFloat   ParticleType = 2
	ParticleString  ParticleType = 3
	ParticleBlob    ParticleType = 4
	ParticleBool    ParticleType = 17
	ParticleMap     ParticleType = 19
	ParticleList    ParticleType = 20
)

// info1 bits
const (
	Info1Read             = 1 << 0
	Info1GetAll           = 1 << 1
	Info1ShortQuery       = 1 << 2
	Info1Batch            = 1 << 3
	Info1XDR              = 1 << 4
	Info1NoBinData        = 1 << 5
	Info1ReadModeAPAll    = 1 << 6
	Info1CompressResponse = 1 << 7
)

// info2 bits
const (
	Info2Write         = 1 << 0
	Info2Delete        = 1 << 1
	Info2Generation    = 1 << 2
	Info2GenerationGT  = 1 << 3
	Info2DurableDelete = 1 << 4
	Info2CreateOnly    = 1 << 5
	Info2RespondAllOps = 1 << 7
)

// info3 bits
const (
	Info3Last            = 1 << 0
	Info3CommitMaster    = 1 << 1
	Info3UpdateOnly      = 1 << 3
	Info3CreateOrReplace = 1 << 4
	Info3ReplaceOnly     = 1 << 5
	Info3SCReadType      = 1 << 6
	Info3SCReadRelax     = 1 << 7
)

// info4 bits
const (
	Info4TxnVerifyRead    = 1 << 0
	Info4TxnRollForward   = 1 << 1
	Info4TxnRollBack      = 1 << 2
	Info4TxnOnLockingOnly = 1 << 4
)

// batch index flags byte
const (
	BatchAllowInline    = 1 << 0
	BatchAllowInlineSSD = 1 << 1
	BatchRespondAllKeys = 1 << 2
	BatchFlagsFixed     = 1 << 3
)

// per-record type byte of the batch index field
const (
	BatchMsgRead   = 0x0
	BatchMsgRepeat = 0x1
	BatchMsgInfo   = 0x2
	BatchMsgGen    = 0x4
	BatchMsgTTL    = 0x8
	BatchMsgInfo4  = 0x10
)

// BatchRecordPrefixSize is the offset and digest written before every record
// of a batch index field.
const BatchRecordPrefixSize = 4 + 20

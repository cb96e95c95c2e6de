package batch

import (
	"time"

	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/txn"
	"github.com/treeverse/clusterkv/pkg/wire"
)

// ReadModeAP is the read consistency of namespaces in availability mode.
type ReadModeAP uint8

const (
	ReadModeAPOne ReadModeAP = iota
	ReadModeAPAll
)

// ReadModeSC is the read consistency of namespaces in strong consistency mode.
type ReadModeSC uint8

const (
	ReadModeSCSession ReadModeSC = iota
	ReadModeSCLinearize
	ReadModeSCAllowReplica
	ReadModeSCAllowUnavailable
)

// KeyPolicy selects whether the user key is stored with the record.
type KeyPolicy uint8

const (
	KeyDigest KeyPolicy = iota
	KeySend
)

type CommitLevel uint8

const (
	CommitAll CommitLevel = iota
	CommitMaster
)

type GenerationPolicy uint8

const (
	GenerationNone GenerationPolicy = iota
	GenerationEQ
	GenerationGT
)

type RecordExistsAction uint8

const (
	ExistsUpdate RecordExistsAction = iota
	ExistsUpdateOnly
	ExistsReplace
	ExistsReplaceOnly
	ExistsCreateOnly
)

const (
	DefaultTotalTimeout         = time.Second
	DefaultSocketTimeout        = 30 * time.Second
	DefaultMaxRetries           = 2
	DefaultCompressionThreshold = wire.DefaultCompressMinLen
)

// BatchPolicy controls a whole batch call.
type BatchPolicy struct {
	// TotalTimeout bounds the call including retries. Zero means no limit.
	TotalTimeout time.Duration
	// SocketTimeout bounds one wire exchange. Zero means TotalTimeout.
	SocketTimeout       time.Duration
	MaxRetries          int
	SleepBetweenRetries time.Duration
	Replica             cluster.Replica
	ReadModeAP          ReadModeAP
	ReadModeSC          ReadModeSC
	// Concurrent runs the node commands of a call in parallel.
	Concurrent     bool
	AllowInline    bool
	AllowInlineSSD bool
	// RespondAllKeys asks nodes to answer every key and keeps running the
	// remaining node commands after one fails.
	RespondAllKeys bool
	// SendKey sends the user key of records without their own key policy.
	SendKey bool
	// Compress compresses commands larger than CompressionThreshold and asks
	// for compressed responses.
	Compress             bool
	CompressionThreshold int
	// FilterExp is an encoded filter expression applied to all records.
	FilterExp []byte
	Txn       *txn.Txn
}

func NewBatchPolicy() *BatchPolicy {
	return &BatchPolicy{
		TotalTimeout:         DefaultTotalTimeout,
		SocketTimeout:        DefaultSocketTimeout,
		MaxRetries:           DefaultMaxRetries,
		Replica:              cluster.ReplicaSequence,
		AllowInline:          true,
		RespondAllKeys:       true,
		CompressionThreshold: DefaultCompressionThreshold,
	}
}

// ReadPolicy overrides the batch policy for one read record.
type ReadPolicy struct {
	FilterExp  []byte
	ReadModeAP ReadModeAP
	ReadModeSC ReadModeSC
}

type WritePolicy struct {
	FilterExp        []byte
	Key              KeyPolicy
	CommitLevel      CommitLevel
	GenerationPolicy GenerationPolicy
	Generation       uint32
	Exists           RecordExistsAction
	// TTL in seconds. Zero uses the namespace default.
	TTL           uint32
	DurableDelete bool
	// OnLockingOnly fails a transactional write of a record that already
	// holds a provisional write of the same transaction.
	OnLockingOnly bool
}

type ApplyPolicy struct {
	FilterExp     []byte
	Key           KeyPolicy
	CommitLevel   CommitLevel
	TTL           uint32
	DurableDelete bool
	OnLockingOnly bool
}

type RemovePolicy struct {
	FilterExp        []byte
	Key              KeyPolicy
	CommitLevel      CommitLevel
	GenerationPolicy GenerationPolicy
	Generation       uint32
	DurableDelete    bool
}

// Policies are the defaults used for calls and records without their own
// policy. Reads without a policy take their read modes from the batch policy.
type Policies struct {
	Batch  *BatchPolicy
	Write  *WritePolicy
	Apply  *ApplyPolicy
	Remove *RemovePolicy
}

func DefaultPolicies() Policies {
	return Policies{
		Batch:  NewBatchPolicy(),
		Write:  &WritePolicy{},
		Apply:  &ApplyPolicy{},
		Remove: &RemovePolicy{},
	}
}

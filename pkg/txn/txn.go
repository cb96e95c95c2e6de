package txn

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync"

	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/status"
)

type State int

const (
	StateOpen State = iota
	StateVerified
	StateCommitted
	StateAborted
)

// Txn tracks the records read and written by a multi-record transaction. The
// read set maps digests to the record version seen; the write set holds the
// digests written or possibly written.
type Txn struct {
	id       uint64
	mu       sync.Mutex
	ns       string
	deadline uint32
	state    State
	reads    *xsync.MapOf[string, uint64]
	writes   *xsync.MapOf[string, string]
}

func New() *Txn {
	return &Txn{
		id:     newID(),
		reads:  xsync.NewMapOf[uint64](),
		writes: xsync.NewMapOf[string](),
	}
}

// newID returns a random non zero id.
func newID() uint64 {
	for {
		u := uuid.New()
		id := binary.LittleEndian.Uint64(u[:8])
		if id != 0 {
			return id
		}
	}
}

func (t *Txn) ID() uint64 {
	return t.id
}

func (t *Txn) Namespace() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ns
}

// SetNamespace binds the transaction to namespace on first use. All later
// commands must use the same namespace.
func (t *Txn) SetNamespace(namespace string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ns == "" {
		t.ns = namespace
		return nil
	}
	if t.ns != namespace {
		return status.New(status.ErrParam, "namespace must be the same for all commands in the transaction. orig: %s new: %s", t.ns, namespace)
	}
	return nil
}

// Deadline is the server assigned deadline, zero until the monitor record
// exists.
func (t *Txn) Deadline() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

func (t *Txn) SetDeadline(deadline uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = deadline
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// OnRead records the version of a record read inside the transaction.
func (t *Txn) OnRead(d key.Digest, version uint64) {
	if version != 0 {
		t.reads.Store(string(d[:]), version)
	}
}

// GetReadVersion returns the version recorded for d, or zero.
func (t *Txn) GetReadVersion(d key.Digest) uint64 {
	v, _ := t.reads.Load(string(d[:]))
	return v
}

// OnWrite records the outcome of a write. A returned version means the write
// was a read of a locked record; otherwise a successful write moves the
// record to the write set.
func (t *Txn) OnWrite(d key.Digest, set string, version uint64, result status.Code) {
	if version != 0 {
		t.reads.Store(string(d[:]), version)
		return
	}
	if result == status.OK {
		t.reads.Delete(string(d[:]))
		t.writes.Store(string(d[:]), set)
	}
}

// OnWriteInDoubt treats a write of unknown outcome as applied.
func (t *Txn) OnWriteInDoubt(d key.Digest, set string) {
	t.reads.Delete(string(d[:]))
	t.writes.Store(string(d[:]), set)
}

func (t *Txn) WritesContain(d key.Digest) bool {
	_, ok := t.writes.Load(string(d[:]))
	return ok
}

// Reads returns a copy of the read set.
func (t *Txn) Reads() map[key.Digest]uint64 {
	out := make(map[key.Digest]uint64)
	t.reads.Range(func(k string, v uint64) bool {
		var d key.Digest
		copy(d[:], k)
		out[d] = v
		return true
	})
	return out
}

// Writes returns a copy of the write set, digest to set name.
func (t *Txn) Writes() map[key.Digest]string {
	out := make(map[key.Digest]string)
	t.writes.Range(func(k string, set string) bool {
		var d key.Digest
		copy(d[:], k)
		out[d] = set
		return true
	})
	return out
}

// Monitor records the keys a transaction is about to write, so that they can
// be rolled forward or back later.
type Monitor interface {
	AddKeys(ctx context.Context, t *Txn, keys []*key.Key) error
}

// NopMonitor accepts every key without recording it.
type NopMonitor struct{}

func (NopMonitor) AddKeys(context.Context, *Txn, []*key.Key) error {
	return nil
}

// MemoryMonitor keeps the registered keys in memory.
type MemoryMonitor struct {
	mu   sync.Mutex
	keys map[uint64][]*key.Key
}

func NewMemoryMonitor() *MemoryMonitor {
	return &MemoryMonitor{keys: make(map[uint64][]*key.Key)}
}

func (m *MemoryMonitor) AddKeys(_ context.Context, t *Txn, keys []*key.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[t.ID()] = append(m.keys[t.ID()], keys...)
	return nil
}

func (m *MemoryMonitor) Keys(t *Txn) []*key.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*key.Key(nil), m.keys[t.ID()]...)
}

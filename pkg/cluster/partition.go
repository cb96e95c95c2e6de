package cluster

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync"
)

var (
	ErrBadPartitionMap  = errors.New("bad partition map")
	ErrPartitionCount   = errors.New("partition count mismatch")
	ErrInvalidNamespace = errors.New("invalid namespace")
)

// Partition holds the owners of one partition. Each non nil slot holds a
// reservation on its node.
type Partition struct {
	mu     sync.RWMutex
	master *Node
	prole  *Node
}

// Owners returns the current master and prole without reserving them.
func (p *Partition) Owners() (master, prole *Node) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.master, p.prole
}

// set installs node in the master or prole slot if owns, or clears the slot if
// it currently points at node and !owns.
func (p *Partition) set(node *Node, master, owns bool) []*Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := &p.prole
	if master {
		slot = &p.master
	}
	cur := *slot
	if cur == node {
		if !owns {
			*slot = nil
			return []*Node{node}
		}
		return nil
	}
	if !owns {
		return nil
	}
	node.Reserve()
	*slot = node
	if cur != nil {
		return []*Node{cur}
	}
	return nil
}

func (p *Partition) clear(node *Node) []*Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	var released []*Node
	if p.master == node {
		p.master = nil
		released = append(released, node)
	}
	if p.prole == node {
		p.prole = nil
		released = append(released, node)
	}
	return released
}

// PartitionTable maps the partitions of one namespace to their owners.
type PartitionTable struct {
	Namespace  string
	partitions []Partition
}

func (t *PartitionTable) Size() int {
	return len(t.partitions)
}

func (t *PartitionTable) Partition(id uint32) *Partition {
	if int(id) >= len(t.partitions) {
		return nil
	}
	return &t.partitions[id]
}

// PartitionTables is the namespace to partition table map. Tables are created
// on first reference and kept for the lifetime of the cluster.
type PartitionTables struct {
	partitions int
	tables     *xsync.MapOf[string, *PartitionTable]
}

func NewPartitionTables(partitions int) *PartitionTables {
	return &PartitionTables{
		partitions: partitions,
		tables:     xsync.NewMapOf[*PartitionTable](),
	}
}

// Get returns the table of namespace, or nil if it was never referenced.
func (pt *PartitionTables) Get(namespace string) *PartitionTable {
	t, _ := pt.tables.Load(namespace)
	return t
}

func (pt *PartitionTables) getOrCreate(namespace string) *PartitionTable {
	if t, ok := pt.tables.Load(namespace); ok {
		return t
	}
	// LoadOrStore returns the stored table when another caller won the race.
	t, _ := pt.tables.LoadOrStore(namespace, &PartitionTable{
		Namespace:  namespace,
		partitions: make([]Partition, pt.partitions),
	})
	return t
}

// Namespaces lists the namespaces with a table.
func (pt *PartitionTables) Namespaces() []string {
	var names []string
	pt.tables.Range(func(ns string, _ *PartitionTable) bool {
		names = append(names, ns)
		return true
	})
	return names
}

// Update sets node as master (or prole) of every partition i of namespace for
// which owns[i], and removes it from the others. Previous occupants are
// released.
func (pt *PartitionTables) Update(node *Node, namespace string, master bool, owns []bool) error {
	if namespace == "" {
		return ErrInvalidNamespace
	}
	if len(owns) != pt.partitions {
		return fmt.Errorf("%w: got %d want %d", ErrPartitionCount, len(owns), pt.partitions)
	}
	t := pt.getOrCreate(namespace)
	var errs *multierror.Error
	for i := range t.partitions {
		for _, n := range t.partitions[i].set(node, master, owns[i]) {
			if err := n.Release(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

// UpdateReplicas applies both the master and prole ownership of node.
func (pt *PartitionTables) UpdateReplicas(node *Node, namespace string, masters, proles []bool) error {
	if err := pt.Update(node, namespace, true, masters); err != nil {
		return err
	}
	return pt.Update(node, namespace, false, proles)
}

// UpdateFromBitmap applies a base64 encoded ownership bitmap, one bit per
// partition, most significant bit first.
func (pt *PartitionTables) UpdateFromBitmap(node *Node, namespace, bitmap string, master bool) error {
	owns, err := DecodeBitmap(bitmap, pt.partitions)
	if err != nil {
		return fmt.Errorf("namespace %s: %w", namespace, err)
	}
	return pt.Update(node, namespace, master, owns)
}

// RemoveNode clears every slot pointing at node in every namespace.
func (pt *PartitionTables) RemoveNode(node *Node) error {
	var errs *multierror.Error
	pt.tables.Range(func(_ string, t *PartitionTable) bool {
		for i := range t.partitions {
			for _, n := range t.partitions[i].clear(node) {
				if err := n.Release(); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
		return true
	})
	return errs.ErrorOrNil()
}

// Contains reports whether any slot points at node.
func (pt *PartitionTables) Contains(node *Node) bool {
	found := false
	pt.tables.Range(func(_ string, t *PartitionTable) bool {
		for i := range t.partitions {
			m, p := t.partitions[i].Owners()
			if m == node || p == node {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// Clear drops all slots of all namespaces, releasing their reservations.
func (pt *PartitionTables) Clear() error {
	var errs *multierror.Error
	pt.tables.Range(func(_ string, t *PartitionTable) bool {
		for i := range t.partitions {
			p := &t.partitions[i]
			p.mu.Lock()
			for _, n := range []*Node{p.master, p.prole} {
				if n != nil {
					if err := n.Release(); err != nil {
						errs = multierror.Append(errs, err)
					}
				}
			}
			p.master, p.prole = nil, nil
			p.mu.Unlock()
		}
		return true
	})
	return errs.ErrorOrNil()
}

// DecodeBitmap expands a base64 partition bitmap into one bool per partition.
func DecodeBitmap(bitmap string, partitions int) ([]bool, error) {
	expected := base64.StdEncoding.EncodedLen((partitions + 7) / 8)
	if len(bitmap) != expected {
		return nil, fmt.Errorf("%w: encoded length %d, expected %d", ErrBadPartitionMap, len(bitmap), expected)
	}
	raw, err := base64.StdEncoding.DecodeString(bitmap)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPartitionMap, err)
	}
	owns := make([]bool, partitions)
	for i := range owns {
		owns[i] = raw[i>>3]&(0x80>>(i&7)) != 0
	}
	return owns, nil
}

// EncodeBitmap is the inverse of DecodeBitmap.
func EncodeBitmap(owns []bool) string {
	raw := make([]byte, (len(owns)+7)/8)
	for i, o := range owns {
		if o {
			raw[i>>3] |= 0x80 >> (i & 7)
		}
	}
	return base64.StdEncoding.EncodeToString(raw)
}

package cluster

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrNegativeReservation = errors.New("internal error: negative node reservation count")

// Features are capabilities a node advertises.
type Features uint32

const (
	// FeatureBatchAny is set on nodes that accept any record type in a batch
	// and the per-record attribute layout.
	FeatureBatchAny Features = 1 << iota
	FeatureTxn
	FeatureCompression
)

// Node is one cluster member. Its lifetime is governed by a reservation count:
// the registry, partition slots and in-flight batches each hold one. OnClose
// runs when the last one is released.
type Node struct {
	name      string
	addresses []string
	rack      int
	features  Features
	refs      atomic.Int32
	active    atomic.Bool
	closed    atomic.Bool
	onClose   func(*Node)
}

type NodeOption func(*Node)

func WithRack(rack int) NodeOption {
	return func(n *Node) {
		n.rack = rack
	}
}

func WithFeatures(f Features) NodeOption {
	return func(n *Node) {
		n.features = f
	}
}

func WithOnClose(fn func(*Node)) NodeOption {
	return func(n *Node) {
		n.onClose = fn
	}
}

// NewNode returns an active node holding one reservation owned by the caller,
// normally handed to the registry with Cluster.AddNode.
func NewNode(name string, addresses []string, opts ...NodeOption) *Node {
	n := &Node{
		name:      name,
		addresses: addresses,
		features:  FeatureBatchAny,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.refs.Store(1)
	n.active.Store(true)
	return n
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Addresses() []string {
	return n.addresses
}

func (n *Node) Rack() int {
	return n.rack
}

func (n *Node) HasFeature(f Features) bool {
	return n.features&f == f
}

func (n *Node) Active() bool {
	return n.active.Load()
}

// Deactivate marks the node unhealthy. Routing skips inactive nodes.
func (n *Node) Deactivate() {
	n.active.Store(false)
}

func (n *Node) Activate() {
	n.active.Store(true)
}

func (n *Node) Closed() bool {
	return n.closed.Load()
}

// Reservations returns the current reservation count.
func (n *Node) Reservations() int32 {
	return n.refs.Load()
}

// Reserve takes another reservation on n.
func (n *Node) Reserve() {
	n.refs.Add(1)
}

// Release drops one reservation, closing the node if it was the last.
func (n *Node) Release() error {
	refs := n.refs.Add(-1)
	if refs < 0 {
		return fmt.Errorf("release node %s: %w %d", n.name, ErrNegativeReservation, refs)
	}
	if refs > 0 {
		return nil
	}
	n.active.Store(false)
	if n.closed.CompareAndSwap(false, true) && n.onClose != nil {
		n.onClose(n)
	}
	return nil
}

func (n *Node) String() string {
	if len(n.addresses) > 0 {
		return n.name + " " + n.addresses[0]
	}
	return n.name
}

package cluster

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/logging"
)

var (
	ErrNodeExists   = errors.New("node already registered")
	ErrNodeNotFound = errors.New("node not found")
)

type Config struct {
	// Partitions per namespace, a power of two.
	Partitions int
	// RackID is the rack of this client, used by the PreferRack replica policy.
	RackID int
}

// Cluster is the client view of the cluster: the node registry and the
// partition tables. Tending, which keeps them current, happens elsewhere and
// mutates them through AddNode, RemoveNode and the Update methods.
type Cluster struct {
	partitions int
	rackID     int
	tables     *PartitionTables
	logger     logging.Logger

	mu    sync.RWMutex
	nodes []*Node

	// replicaSeq alternates master and prole for the Any replica policy.
	replicaSeq atomic.Uint32
	randomSeq  atomic.Uint32
}

func New(cfg Config, logger logging.Logger) (*Cluster, error) {
	if cfg.Partitions == 0 {
		cfg.Partitions = key.DefaultPartitions
	}
	if cfg.Partitions < 0 || cfg.Partitions&(cfg.Partitions-1) != 0 {
		return nil, fmt.Errorf("%w: %d is not a power of two", ErrPartitionCount, cfg.Partitions)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Cluster{
		partitions: cfg.Partitions,
		rackID:     cfg.RackID,
		tables:     NewPartitionTables(cfg.Partitions),
		logger:     logger.WithField(logging.ServiceNameFieldKey, "cluster"),
	}, nil
}

func (c *Cluster) Partitions() int {
	return c.partitions
}

func (c *Cluster) Tables() *PartitionTables {
	return c.tables
}

// AddNode hands the reservation held by the caller on node to the registry.
func (c *Cluster) AddNode(node *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n == node || n.Name() == node.Name() {
			return fmt.Errorf("%w: %s", ErrNodeExists, node.Name())
		}
	}
	c.nodes = append(c.nodes, node)
	c.logger.WithField(logging.NodeFieldKey, node.Name()).Debug("node added")
	return nil
}

// GetNodeByName returns a reserved node or nil.
func (c *Cluster) GetNodeByName(name string) *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.nodes {
		if n.Name() == name {
			n.Reserve()
			return n
		}
	}
	return nil
}

// RemoveNode takes node out of the registry and all partition tables and
// releases the registry reservation. The node is closed once in-flight
// commands release theirs.
func (c *Cluster) RemoveNode(node *Node) error {
	c.mu.Lock()
	idx := -1
	for i, n := range c.nodes {
		if n == node {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, node.Name())
	}
	c.nodes = append(c.nodes[:idx:idx], c.nodes[idx+1:]...)
	c.mu.Unlock()

	node.Deactivate()
	var result *multierror.Error
	if err := c.tables.RemoveNode(node); err != nil {
		result = multierror.Append(result, err)
	}
	if err := node.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	c.logger.WithField(logging.NodeFieldKey, node.Name()).Debug("node removed")
	return result.ErrorOrNil()
}

// ReserveNodes returns the current nodes, each reserved. Release them with
// ReleaseNodes.
func (c *Cluster) ReserveNodes() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]*Node, len(c.nodes))
	for i, n := range c.nodes {
		n.Reserve()
		nodes[i] = n
	}
	return nodes
}

func ReleaseNodes(nodes []*Node) error {
	var result *multierror.Error
	for _, n := range nodes {
		if err := n.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *Cluster) NodeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// RandomNode returns a reserved active node, rotating through the registry,
// or nil if there is none.
func (c *Cluster) RandomNode() *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.nodes)
	if n == 0 {
		return nil
	}
	start := int(c.randomSeq.Add(1) % uint32(n))
	for i := 0; i < n; i++ {
		node := c.nodes[(start+i)%n]
		if node.Active() {
			node.Reserve()
			return node
		}
	}
	return nil
}

// Update applies the ownership of node for namespace, see PartitionTables.
func (c *Cluster) Update(node *Node, namespace string, masters, proles []bool) error {
	return c.tables.UpdateReplicas(node, namespace, masters, proles)
}

// UpdateFromInfo parses a replicas response of the form
// "ns1:<bitmap>;ns2:<bitmap>" and applies it for node.
func (c *Cluster) UpdateFromInfo(node *Node, info string, master bool) error {
	entries := strings.FieldsFunc(info, func(r rune) bool {
		return r == ';' || r == '\n'
	})
	for _, entry := range entries {
		ns, bitmap, ok := strings.Cut(entry, ":")
		if !ok || ns == "" || len(ns) > key.MaxNamespaceLength {
			return fmt.Errorf("%w: entry %q", ErrBadPartitionMap, entry)
		}
		if err := c.tables.UpdateFromBitmap(node, ns, bitmap, master); err != nil {
			return err
		}
	}
	return nil
}

// Close drops all partition slots and registry reservations.
func (c *Cluster) Close() error {
	var result *multierror.Error
	if err := c.tables.Clear(); err != nil {
		result = multierror.Append(result, err)
	}
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()
	for _, n := range nodes {
		n.Deactivate()
		if err := n.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

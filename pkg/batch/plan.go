package batch

import (
	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/status"
)

const minOffsetsCapacity = 10

// nodeBatch is the part of a call routed to one node. It holds one
// reservation of node until released.
type nodeBatch struct {
	node    *cluster.Node
	offsets []int
}

func (nb *nodeBatch) release() {
	if nb.node != nil {
		_ = nb.node.Release()
	}
}

func releaseBatches(batches []*nodeBatch) {
	for _, nb := range batches {
		nb.release()
	}
}

// computeDigests makes sure every record key has a digest. A key that cannot
// be digested fails the whole call.
func computeDigests(records []Record) error {
	for i, r := range records {
		k := r.Base().Key
		if k == nil {
			return status.New(status.ErrParam, "record %d has no key", i)
		}
		if err := k.ComputeDigest(); err != nil {
			return status.New(status.ErrParam, "record %d: %s", i, err)
		}
	}
	return nil
}

// plan routes offsets to nodes and buckets them by node, keeping their
// relative order. Offsets that cannot be routed are returned as invalid. When
// none can be routed the call fails with NodesNotFound.
func plan(cl *cluster.Cluster, records []Record, offsets []int, route cluster.Route) ([]*nodeBatch, []int, error) {
	nodeCount := cl.NodeCount()
	if nodeCount < 1 {
		nodeCount = 1
	}
	capacity := len(offsets) / nodeCount
	capacity += capacity / 4
	if capacity < minOffsetsCapacity {
		capacity = minOffsetsCapacity
	}

	var (
		batches []*nodeBatch
		invalid []int
	)
	byNode := make(map[*cluster.Node]*nodeBatch)
	partitions := cl.Partitions()
	for _, i := range offsets {
		r := records[i]
		k := r.Base().Key
		rt := route
		rt.Write = r.HasWrite()
		node := cl.GetNode(k.Namespace, k.Digest().PartitionID(partitions), rt)
		if node == nil {
			node = cl.RandomNode()
		}
		if node == nil {
			invalid = append(invalid, i)
			continue
		}
		nb, ok := byNode[node]
		if ok {
			// the batch already holds a reservation of node
			_ = node.Release()
		} else {
			nb = &nodeBatch{node: node, offsets: make([]int, 0, capacity)}
			byNode[node] = nb
			batches = append(batches, nb)
		}
		nb.offsets = append(nb.offsets, i)
	}
	if len(batches) == 0 && len(offsets) > 0 {
		return nil, invalid, status.NodesNotFound(records[offsets[0]].Base().Key.Namespace)
	}
	return batches, invalid, nil
}

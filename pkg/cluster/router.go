package cluster

import (
	"fmt"
	"strings"
)

// Replica selects among the owners of a partition for reads.
type Replica int

const (
	// ReplicaMaster always routes to the master.
	ReplicaMaster Replica = iota
	// ReplicaAny alternates between master and prole.
	ReplicaAny
	// ReplicaSequence starts at the master and moves to the prole on each retry.
	ReplicaSequence
	// ReplicaPreferRack routes to an owner on the client rack when there is one,
	// otherwise behaves like ReplicaSequence.
	ReplicaPreferRack
)

func (r Replica) String() string {
	switch r {
	case ReplicaMaster:
		return "master"
	case ReplicaAny:
		return "any"
	case ReplicaSequence:
		return "sequence"
	case ReplicaPreferRack:
		return "prefer_rack"
	}
	return fmt.Sprintf("replica(%d)", int(r))
}

func ParseReplica(s string) (Replica, error) {
	switch strings.ToLower(s) {
	case "master", "":
		return ReplicaMaster, nil
	case "any":
		return ReplicaAny, nil
	case "sequence":
		return ReplicaSequence, nil
	case "prefer_rack", "prefer-rack":
		return ReplicaPreferRack, nil
	}
	return ReplicaMaster, fmt.Errorf("unknown replica policy %q", s)
}

// Route describes how to pick an owner for one key.
type Route struct {
	Replica Replica
	// Write routes to the master regardless of Replica.
	Write bool
	// ReplicaIndex counts attempts for the Sequence and PreferRack policies.
	ReplicaIndex int
	// Prev is the node of the previous attempt. When the policy picks it again
	// and the other owner is active, the other owner is used.
	Prev *Node
}

// GetNode returns a reserved owner of (namespace, partitionID) chosen by
// route, or nil if the namespace is unknown or no active owner is assigned.
func (c *Cluster) GetNode(namespace string, partitionID uint32, route Route) *Node {
	t := c.tables.Get(namespace)
	if t == nil {
		return nil
	}
	p := t.Partition(partitionID)
	if p == nil {
		return nil
	}

	// reserve under the partition lock so a concurrent update cannot release
	// the chosen node first
	p.mu.RLock()
	defer p.mu.RUnlock()
	master, prole := p.master, p.prole

	if route.Write || route.Replica == ReplicaMaster || prole == nil {
		return reserveActive(master)
	}
	if master == nil {
		return reserveActive(prole)
	}

	var useMaster bool
	switch route.Replica {
	case ReplicaAny:
		useMaster = (c.replicaSeq.Add(1)-1)&1 == 1
	case ReplicaPreferRack:
		switch {
		case master.Rack() == c.rackID && master.Active() && master != route.Prev:
			return reserveActive(master)
		case prole.Rack() == c.rackID && prole.Active() && prole != route.Prev:
			return reserveActive(prole)
		}
		useMaster = route.ReplicaIndex%2 == 0
	default:
		useMaster = route.ReplicaIndex%2 == 0
	}

	chosen, alternate := prole, master
	if useMaster {
		chosen, alternate = master, prole
	}
	if chosen == route.Prev && alternate.Active() {
		chosen, alternate = alternate, chosen
	}
	if n := reserveActive(chosen); n != nil {
		return n
	}
	return reserveActive(alternate)
}

func reserveActive(n *Node) *Node {
	if n == nil || !n.Active() {
		return nil
	}
	n.Reserve()
	return n
}

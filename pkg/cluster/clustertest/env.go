package clustertest

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/key"
	"github.com/treeverse/clusterkv/pkg/logging"
)

// EnvConfig describes a fake cluster.
type EnvConfig struct {
	Namespace  string
	Nodes      int
	Partitions int
	// Replicas is 1 for masters only, 2 to also assign proles.
	Replicas int
	// NodeOptions are applied to every node, by index.
	NodeOptions func(i int) []cluster.NodeOption
	Logger      logging.Logger
}

// Env is a cluster of fake servers sharing one Store. Partition p of the
// namespace is mastered by node p%n and its prole is node (p+1)%n.
type Env struct {
	Cluster   *cluster.Cluster
	Store     *Store
	Servers   []*Server
	Nodes     []*cluster.Node
	Connector *Connector
	namespace string
}

func NewEnv(cfg EnvConfig) (*Env, error) {
	if cfg.Nodes <= 0 {
		cfg.Nodes = 1
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Dummy()
	}
	cl, err := cluster.New(cluster.Config{Partitions: cfg.Partitions}, cfg.Logger)
	if err != nil {
		return nil, err
	}
	env := &Env{
		Cluster:   cl,
		Store:     NewStore(),
		namespace: cfg.Namespace,
	}
	for i := 0; i < cfg.Nodes; i++ {
		name := fmt.Sprintf("node-%d", i)
		var opts []cluster.NodeOption
		if cfg.NodeOptions != nil {
			opts = cfg.NodeOptions(i)
		}
		node := cluster.NewNode(name, []string{name + ":3000"}, opts...)
		if err := cl.AddNode(node); err != nil {
			return nil, err
		}
		env.Nodes = append(env.Nodes, node)
		env.Servers = append(env.Servers, NewServer(name, env.Store))
	}
	partitions := cl.Partitions()
	n := len(env.Nodes)
	for i, node := range env.Nodes {
		masters := make([]bool, partitions)
		proles := make([]bool, partitions)
		for p := 0; p < partitions; p++ {
			masters[p] = p%n == i
			proles[p] = cfg.Replicas > 1 && n > 1 && (p+1)%n == i
		}
		if err := cl.Update(node, cfg.Namespace, masters, proles); err != nil {
			return nil, err
		}
	}
	env.Connector = NewConnector(env.Servers...)
	return env, nil
}

// Server returns the server of node.
func (e *Env) Server(node *cluster.Node) *Server {
	for _, s := range e.Servers {
		if s.name == node.Name() {
			return s
		}
	}
	return nil
}

// Master returns the index of the node mastering k.
func (e *Env) Master(k *key.Key) int {
	return int(k.Digest().PartitionID(e.Cluster.Partitions())) % len(e.Nodes)
}

// Prole returns the index of the node holding the replica of k.
func (e *Env) Prole(k *key.Key) int {
	return (e.Master(k) + 1) % len(e.Nodes)
}

// Close shuts the connector and the cluster down.
func (e *Env) Close() error {
	var result *multierror.Error
	if err := e.Connector.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.Cluster.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

package cluster

//go:generate go run github.com/golang/mock/mockgen@v1.6.0 -package=mock -destination=mock/mock_conn.go github.com/treeverse/clusterkv/pkg/cluster Conn,Connector

import (
	"context"
	"time"
)

// Conn is one connection to a node. Reads fill p completely or fail.
type Conn interface {
	Write(p []byte, deadline time.Time) error
	Read(p []byte, deadline time.Time) error
	Close() error
}

// Connector hands out pooled connections. A connection released with a non
// nil error is closed instead of being returned to the pool.
type Connector interface {
	Acquire(ctx context.Context, node *Node) (Conn, error)
	Release(node *Node, conn Conn, err error)
}

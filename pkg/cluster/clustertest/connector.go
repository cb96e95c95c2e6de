package clustertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/treeverse/clusterkv/pkg/cluster"
)

var (
	ErrNoServer   = errors.New("no server for node")
	ErrConnClosed = errors.New("connection closed")
)

// conn hands each command to its server and plays back the answer.
type conn struct {
	server *Server
	mu     sync.Mutex
	resp   *bytes.Reader
	err    error
	closed bool
}

func (c *conn) Write(p []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	resp, err := c.server.Handle(p)
	c.resp = bytes.NewReader(resp)
	c.err = err
	return nil
}

func (c *conn) Read(p []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.resp == nil || c.resp.Len() < len(p) {
		if c.err != nil {
			return c.err
		}
		return io.ErrUnexpectedEOF
	}
	_, err := io.ReadFull(c.resp, p)
	return err
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("close %s: %w", c.server.name, ErrConnClosed)
	}
	c.closed = true
	return nil
}

// Connector connects nodes to the servers of the same name. Connections
// released without error are pooled per server.
type Connector struct {
	mu      sync.Mutex
	servers map[string]*Server
	idle    map[string][]*conn
	open    map[*conn]struct{}

	acquired atomic.Int64
	released atomic.Int64
	broken   atomic.Int64
	// AcquireErr, when set, fails Acquire for the nodes it returns an error for.
	AcquireErr func(node *cluster.Node) error
}

func NewConnector(servers ...*Server) *Connector {
	c := &Connector{
		servers: make(map[string]*Server),
		idle:    make(map[string][]*conn),
		open:    make(map[*conn]struct{}),
	}
	for _, s := range servers {
		c.servers[s.name] = s
	}
	return c
}

func (c *Connector) Acquire(ctx context.Context, node *cluster.Node) (cluster.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.AcquireErr != nil {
		if err := c.AcquireErr(node); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	srv, ok := c.servers[node.Name()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoServer, node.Name())
	}
	c.acquired.Add(1)
	if idle := c.idle[srv.name]; len(idle) > 0 {
		cn := idle[len(idle)-1]
		c.idle[srv.name] = idle[:len(idle)-1]
		return cn, nil
	}
	cn := &conn{server: srv}
	c.open[cn] = struct{}{}
	return cn, nil
}

func (c *Connector) Release(node *cluster.Node, cn cluster.Conn, err error) {
	c.released.Add(1)
	fc, ok := cn.(*conn)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.broken.Add(1)
		delete(c.open, fc)
		_ = fc.Close()
		return
	}
	fc.mu.Lock()
	fc.resp, fc.err = nil, nil
	fc.mu.Unlock()
	c.idle[node.Name()] = append(c.idle[node.Name()], fc)
}

// Outstanding is the number of acquired connections not yet released.
func (c *Connector) Outstanding() int64 {
	return c.acquired.Load() - c.released.Load()
}

// Broken is the number of connections released with an error.
func (c *Connector) Broken() int64 {
	return c.broken.Load()
}

// Close closes all pooled and in use connections.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result *multierror.Error
	for cn := range c.open {
		if err := cn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.open = make(map[*conn]struct{})
	c.idle = make(map[string][]*conn)
	return result.ErrorOrNil()
}

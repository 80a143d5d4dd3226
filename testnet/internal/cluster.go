package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/mainline"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrClusterClosed is returned when a closed cluster is used.
var ErrClusterClosed = errors.New("cluster closed")

// ClusterConfig describes the shape of a local network.
type ClusterConfig struct {
	Address string
	Peers   int
	// Template is copied for every node; ListenAddr and Routers are
	// overwritten.
	Template mainline.Options
}

// Cluster is a router plus peers bound to loopback UDP sockets.
type Cluster struct {
	mu     sync.Mutex
	router *mainline.Node
	peers  []*mainline.Node
	closed bool
}

// NewCluster starts the router and every peer. Peers are not bootstrapped.
func NewCluster(cfg ClusterConfig) (*Cluster, error) {
	if cfg.Peers < 1 {
		return nil, fmt.Errorf("cluster needs at least one peer, got %d", cfg.Peers)
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}

	routerOpts := cfg.Template
	routerOpts.ListenAddr = cfg.Address + ":0"
	routerOpts.Routers = nil
	router, err := mainline.New(&routerOpts)
	if err != nil {
		return nil, fmt.Errorf("start router: %w", err)
	}

	c := &Cluster{router: router}
	routerAddr := router.Server().Addr().String()
	for i := 0; i < cfg.Peers; i++ {
		opts := cfg.Template
		opts.ListenAddr = cfg.Address + ":0"
		opts.Routers = []string{routerAddr}
		node, err := mainline.New(&opts)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("start peer %d: %w", i, err)
		}
		c.peers = append(c.peers, node)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewCluster",
		"router":   routerAddr,
		"peers":    len(c.peers),
	}).Info("Cluster started")
	return c, nil
}

// Router returns the router node.
func (c *Cluster) Router() *mainline.Node { return c.router }

// Peers returns the peer nodes in start order.
func (c *Cluster) Peers() []*mainline.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*mainline.Node(nil), c.peers...)
}

// Peer returns peer i.
func (c *Cluster) Peer(i int) *mainline.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[i]
}

// Bootstrap joins every peer through the router, one after another so that
// later peers find the earlier ones, and then refreshes the early peers in
// parallel so they learn about the rest.
func (c *Cluster) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClusterClosed
	}
	peers := append([]*mainline.Node(nil), c.peers...)
	c.mu.Unlock()

	for i, p := range peers {
		if err := p.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap peer %d: %w", i, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			_, err := p.Server().FindNode(gctx, p.Server().ID())
			return err
		})
	}
	return g.Wait()
}

// Close shuts every node down and returns the first error.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, p := range c.peers {
		errs = append(errs, p.Close())
	}
	if c.router != nil {
		errs = append(errs, c.router.Close())
	}
	return errors.Join(errs...)
}

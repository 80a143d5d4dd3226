package mainline

import (
	"context"
	"fmt"

	"github.com/opd-ai/mainline/dht"
	"github.com/opd-ai/mainline/transport"
	"github.com/sirupsen/logrus"
)

// Node is a DHT node bound to a UDP socket.
type Node struct {
	options   *Options
	transport *transport.UDPTransport
	server    *dht.Server
}

// New binds the UDP socket named by options and starts a DHT server on it.
// A nil options value uses NewOptions.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.applyLogLevel(); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg, err := options.Config()
	if err != nil {
		return nil, err
	}

	udp, err := transport.NewUDPTransport(options.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", options.ListenAddr, err)
	}
	server, err := dht.NewServer(udp, cfg)
	if err != nil {
		udp.Close()
		return nil, err
	}
	if err := server.Start(); err != nil {
		udp.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"addr":     udp.LocalAddr().String(),
		"node_id":  server.ID().String(),
	}).Info("Node created")

	return &Node{options: options, transport: udp, server: server}, nil
}

// Server returns the underlying DHT server.
func (n *Node) Server() *dht.Server { return n.server }

// Bootstrap joins the network, bounded by the configured bootstrap timeout.
func (n *Node) Bootstrap(ctx context.Context) error {
	if n.options.BootstrapTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.options.BootstrapTimeout)
		defer cancel()
	}
	return n.server.Bootstrap(ctx)
}

// Close shuts the server down and releases the socket.
func (n *Node) Close() error {
	return n.server.Shutdown()
}

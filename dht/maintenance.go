package dht

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/mainline/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MaintenanceConfig holds configuration for DHT maintenance.
type MaintenanceConfig struct {
	// How often to ping nodes that have gone quiet
	PingInterval time.Duration
	// How often to look for buckets that need a refresh lookup
	RefreshCheckInterval time.Duration
	// How often to sweep the stores and the transaction table
	ExpireInterval time.Duration
	// How often to check whether the token secret is due for rotation
	RotationCheckInterval time.Duration
	// How often to re-bootstrap while the routing table is empty
	RouterInterval time.Duration
	// How often to check the node id against the voted external address
	IPCheckInterval time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for DHT maintenance.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		PingInterval:          1 * time.Minute,
		RefreshCheckInterval:  1 * time.Minute,
		ExpireInterval:        30 * time.Second,
		RotationCheckInterval: 10 * time.Second,
		RouterInterval:        1 * time.Minute,
		IPCheckInterval:       10 * time.Second,
	}
}

// Maintainer handles periodic DHT maintenance tasks. Every task works on
// shared state through the owning component's own short critical sections.
type Maintainer struct {
	server *Server
	config *MaintenanceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewMaintainer creates a new DHT maintenance manager.
func NewMaintainer(server *Server, config *MaintenanceConfig) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}
	ctx, cancel := context.WithCancel(server.ctx)
	return &Maintainer{
		server: server,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the DHT maintenance process.
func (m *Maintainer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	m.isRunning = true

	m.runEvery(m.config.PingInterval, m.pingQuestionable)
	m.runEvery(m.config.RefreshCheckInterval, m.refreshBuckets)
	m.runEvery(m.config.ExpireInterval, m.expire)
	m.runEvery(m.config.RotationCheckInterval, m.rotateTokens)
	m.runEvery(m.config.RouterInterval, m.pingRouters)
	m.runEvery(m.config.IPCheckInterval, m.checkExternalIP)
	return nil
}

// Stop halts all maintenance tasks.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// runEvery starts a ticker goroutine calling task until Stop. A zero or
// negative interval disables the task.
func (m *Maintainer) runEvery(interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}

// pingQuestionable pings nodes that have been silent past the node timeout
// and evicts those that fail to answer.
func (m *Maintainer) pingQuestionable() {
	nodes := m.server.routingTable.Questionable()
	if len(nodes) == 0 {
		return
	}

	var evicted atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.server.cfg.Alpha)

	for _, n := range nodes {
		n := n
		g.Go(func() error {
			_, err := m.server.Ping(m.ctx, n.Addr)
			// An error reply still proves the node is alive.
			if errors.Is(err, ErrTransactionTimeout) && m.server.routingTable.MarkBad(n.ID) {
				evicted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "pingQuestionable",
		"pinged":   len(nodes),
		"evicted":  evicted.Load(),
	}).Debug("Verified questionable nodes")
}

// refreshBuckets runs a find_node lookup for a random id in every bucket
// that has not changed within the refresh interval.
func (m *Maintainer) refreshBuckets() {
	for _, r := range m.server.routingTable.BucketsNeedingRefresh() {
		if m.ctx.Err() != nil {
			return
		}
		target, err := r.RandomID()
		if err != nil {
			continue
		}
		m.server.routingTable.MarkRefreshed(target)
		if _, err := m.server.FindNode(m.ctx, target); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "refreshBuckets",
				"depth":    r.Depth,
				"error":    err.Error(),
			}).Debug("Bucket refresh lookup failed")
		}
	}
}

// expire sweeps both stores and the transaction table.
func (m *Maintainer) expire() {
	stores := map[string]Expirer{
		"peers":  m.server.peers,
		"values": m.server.values,
	}
	fields := logrus.Fields{"function": "expire"}
	for name, store := range stores {
		fields[name+"_expired"] = store.Expire()
		fields[name+"_left"] = store.Len()
	}
	fields["transactions_expired"] = m.server.transactions.Expire()
	logrus.WithFields(fields).Debug("Expired stale entries")
}

// rotateTokens rotates the token secret when it is due.
func (m *Maintainer) rotateTokens() {
	if _, err := m.server.tokens.MaybeRotate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "rotateTokens",
			"error":    err.Error(),
		}).Error("Token rotation failed")
	}
}

// pingRouters re-bootstraps while the routing table is empty.
func (m *Maintainer) pingRouters() {
	if m.server.routingTable.Len() > 0 {
		return
	}
	if err := m.server.bootstrapper.Bootstrap(m.ctx); err != nil && m.ctx.Err() == nil {
		logrus.WithFields(logrus.Fields{
			"function": "pingRouters",
			"error":    err.Error(),
		}).Warn("Re-bootstrap failed")
	}
}

// checkExternalIP switches to a BEP42 id when the external address most
// responders agree on does not fit the current one, then ages the votes.
func (m *Maintainer) checkExternalIP() {
	s := m.server
	defer s.ipVoter.Decay()

	ip, ok := s.ipVoter.Best()
	if !ok || s.ID().ValidForIP(ip) {
		return
	}
	id, err := crypto.NodeIDForIP(ip)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "checkExternalIP",
			"error":    err.Error(),
		}).Error("Failed to derive node id")
		return
	}
	s.setID(id, ip)
}

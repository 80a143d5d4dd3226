package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opd-ai/mainline/krpc"
	"github.com/sirupsen/logrus"
)

// BootstrapError represents specific bootstrap failure types
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error { return e.Cause }

// BootstrapResult is the outcome of contacting one router.
type BootstrapResult struct {
	Router string
	Nodes  []krpc.NodeInfo
	Error  *BootstrapError
}

// BootstrapManager joins the network through a list of well-known routers.
// Routers that answer are used as lookup seeds along with the nodes they
// return.
type BootstrapManager struct {
	server      *Server
	routers     []string
	minNodes    int
	maxAttempts uint64

	mu           sync.RWMutex
	bootstrapped bool
	lastAttempt  time.Time
}

// NewBootstrapManager creates a bootstrap manager for routers given as
// host:port strings.
func NewBootstrapManager(server *Server, routers []string) *BootstrapManager {
	return &BootstrapManager{
		server:      server,
		routers:     append([]string(nil), routers...),
		minNodes:    4,
		maxAttempts: 3,
	}
}

// Routers returns the configured router addresses.
func (bm *BootstrapManager) Routers() []string {
	return append([]string(nil), bm.routers...)
}

// Bootstrap asks every router for nodes near the local id, then runs a
// find_node lookup for the local id seeded with everything they returned.
func (bm *BootstrapManager) Bootstrap(ctx context.Context) error {
	bm.mu.Lock()
	bm.lastAttempt = bm.server.cfg.TimeProvider.Now()
	bm.mu.Unlock()

	if len(bm.routers) == 0 && bm.server.routingTable.Len() == 0 {
		return &BootstrapError{Type: "validation", Node: "none", Cause: ErrNoNodes}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"routers":  len(bm.routers),
		"node_id":  bm.server.ID().String(),
	}).Info("Starting bootstrap")

	resultChan := make(chan *BootstrapResult, len(bm.routers))
	bm.launchBootstrapWorkers(ctx, resultChan)
	seeds, lastErr := bm.processBootstrapResults(resultChan)

	res, err := bm.server.Lookup(ctx, LookupOptions{
		Kind:   LookupFindNode,
		Target: bm.server.ID(),
		Seeds:  seeds,
	})
	if err != nil {
		if lastErr != nil && errors.Is(err, ErrNoNodes) {
			return lastErr
		}
		return &BootstrapError{Type: "lookup", Node: bm.server.ID().String(), Cause: err}
	}

	return bm.handleBootstrapCompletion(res)
}

// launchBootstrapWorkers contacts every router in parallel and closes
// resultChan once all of them have reported.
func (bm *BootstrapManager) launchBootstrapWorkers(ctx context.Context, resultChan chan<- *BootstrapResult) {
	var wg sync.WaitGroup
	for _, router := range bm.routers {
		wg.Add(1)
		go bm.connectToRouter(ctx, &wg, router, resultChan)
	}
	wg.Wait()
	close(resultChan)
}

// connectToRouter resolves router and sends it find_node for the local id,
// retrying with exponential backoff.
func (bm *BootstrapManager) connectToRouter(ctx context.Context, wg *sync.WaitGroup, router string, resultChan chan<- *BootstrapResult) {
	defer wg.Done()

	addrs, err := resolveRouter(ctx, router)
	if err != nil {
		resultChan <- &BootstrapResult{
			Router: router,
			Error:  &BootstrapError{Type: "resolve", Node: router, Cause: err},
		}
		return
	}

	var nodes []krpc.NodeInfo
	operation := func() error {
		var lastErr error
		for _, addr := range addrs {
			reply, err := bm.server.query(ctx, addr, krpc.MethodFindNode, &krpc.Args{
				ID:     bm.server.ID(),
				Target: bm.server.ID(),
			})
			if err != nil {
				lastErr = err
				continue
			}
			nodes = append(reply.Return.AllNodes(), krpc.NodeInfo{ID: reply.Return.ID, Addr: addr})
			return nil
		}
		if errors.Is(lastErr, ErrShutdown) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, bm.maxAttempts-1), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		resultChan <- &BootstrapResult{
			Router: router,
			Error:  &BootstrapError{Type: "find_node", Node: router, Cause: err},
		}
		return
	}
	resultChan <- &BootstrapResult{Router: router, Nodes: nodes}
}

// resolveRouter accepts a literal ip:port or a host:port needing DNS.
func resolveRouter(ctx context.Context, router string) ([]netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(router); err == nil {
		return []netip.AddrPort{ap}, nil
	}
	host, portStr, err := net.SplitHostPort(router)
	if err != nil {
		return nil, err
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "udp", portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return out, nil
}

func (bm *BootstrapManager) processBootstrapResults(resultChan <-chan *BootstrapResult) ([]krpc.NodeInfo, *BootstrapError) {
	var (
		seeds   []krpc.NodeInfo
		lastErr *BootstrapError
		ok      int
	)
	for result := range resultChan {
		if result.Error != nil {
			lastErr = result.Error
			logrus.WithFields(logrus.Fields{
				"function": "processBootstrapResults",
				"router":   result.Router,
				"error":    result.Error.Error(),
			}).Warn("Router did not answer")
			continue
		}
		ok++
		seeds = append(seeds, result.Nodes...)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "processBootstrapResults",
		"responded": ok,
		"seeds":     len(seeds),
	}).Debug("Collected router replies")
	return seeds, lastErr
}

func (bm *BootstrapManager) handleBootstrapCompletion(res *LookupResult) error {
	// Responses may still be on their way into the table.
	known := max(bm.server.routingTable.Len(), len(res.Nodes))

	bm.mu.Lock()
	bm.bootstrapped = known >= bm.minNodes
	done := bm.bootstrapped
	bm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "handleBootstrapCompletion",
		"table_nodes": known,
		"closest":     len(res.Nodes),
		"queries":     res.Queries,
	}).Info("Bootstrap lookup finished")

	if len(res.Nodes) == 0 {
		return &BootstrapError{Type: "lookup", Node: bm.server.ID().String(), Cause: ErrNoNodes}
	}
	if !done {
		logrus.WithFields(logrus.Fields{
			"function":  "handleBootstrapCompletion",
			"min_nodes": bm.minNodes,
			"nodes":     known,
		}).Warn("Routing table still sparse after bootstrap")
	}
	return nil
}

// IsBootstrapped reports whether the last bootstrap reached at least
// minNodes live nodes.
func (bm *BootstrapManager) IsBootstrapped() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.bootstrapped
}

// LastAttempt returns when Bootstrap last ran.
func (bm *BootstrapManager) LastAttempt() time.Time {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.lastAttempt
}

package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/limits"
	"github.com/opd-ai/mainline/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server is a mainline DHT node. It owns the routing table, the transaction
// manager, the token authority and both stores, answers inbound queries and
// runs lookups, announces and BEP44 operations on behalf of its caller.
type Server struct {
	idMu      sync.RWMutex
	id        crypto.NodeID
	cfg       *Config
	transport transport.Transport

	routingTable *RoutingTable
	transactions *TransactionManager
	tokens       *crypto.TokenAuthority
	peers        *PeerStorage
	values       *ValueStorage
	maintainer   *Maintainer
	bootstrapper *BootstrapManager
	throttle     *Throttler
	ipVoter      *IPVoter
	events       *eventBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	packetsIn       atomic.Uint64
	decodeErrors    atomic.Uint64
	throttled       atomic.Uint64
	queriesAnswered atomic.Uint64
}

// ServerStats is a read-only snapshot of the node's state.
type ServerStats struct {
	ID                      crypto.NodeID
	Addr                    netip.AddrPort
	Routing                 RoutingStats
	Peers                   PeerStorageStats
	Values                  int
	OutstandingTransactions int
	PacketsIn               uint64
	DecodeErrors            uint64
	Throttled               uint64
	QueriesAnswered         uint64
	TokenGeneration         uint64
}

// NewServer creates a node bound to t. Call Start to begin serving.
func NewServer(t transport.Transport, cfg *Config) (*Server, error) {
	if t == nil {
		return nil, errors.New("nil transport")
	}
	cfg = cfg.withDefaults()

	id := cfg.NodeID
	if id.IsZero() {
		var err error
		if id, err = crypto.NewRandomNodeID(); err != nil {
			return nil, fmt.Errorf("generate node id: %w", err)
		}
	}

	tokens, err := crypto.NewTokenAuthority(cfg.TokenRotation, cfg.TimeProvider)
	if err != nil {
		return nil, fmt.Errorf("create token authority: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		id:           id,
		cfg:          cfg,
		transport:    t,
		routingTable: NewRoutingTable(id, cfg),
		transactions: NewTransactionManager(t, cfg),
		tokens:       tokens,
		peers:        NewPeerStorage(tokens, cfg),
		values:       NewValueStorage(tokens, cfg),
		throttle:     NewThrottler(cfg),
		ipVoter:      NewIPVoter(cfg.IPVoteThreshold),
		events:       newEventBus(),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.bootstrapper = NewBootstrapManager(s, cfg.Routers)
	s.maintainer = NewMaintainer(s, cfg.Maintenance)
	return s, nil
}

// Start installs the inbound handlers and launches maintenance.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrShutdown
	}
	if s.started {
		return nil
	}
	s.started = true

	s.transactions.SetQueryHandler(s.handleQuery)
	s.transport.SetHandler(s.handlePacket)
	if err := s.maintainer.Start(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"node_id":   s.ID().String(),
		"addr":      s.transport.LocalAddr().String(),
		"read_only": s.cfg.ReadOnly,
	}).Info("DHT server started")
	return nil
}

// Shutdown stops maintenance, fails outstanding queries and closes the
// transport. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.maintainer.Stop()
	s.transactions.Close()
	err := s.transport.Close()
	s.wg.Wait()
	s.events.close()

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
		"node_id":  s.ID().String(),
	}).Info("DHT server stopped")
	return err
}

// ID returns the local node id.
func (s *Server) ID() crypto.NodeID {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.id
}

// setID replaces the local id and re-keys the routing table around it.
func (s *Server) setID(id crypto.NodeID, external netip.Addr) {
	s.idMu.Lock()
	old := s.id
	s.id = id
	s.idMu.Unlock()
	kept := s.routingTable.SetSelfID(id)

	logrus.WithFields(logrus.Fields{
		"function":    "setID",
		"old_id":      old.String(),
		"new_id":      id.String(),
		"external_ip": external.String(),
		"kept_nodes":  kept,
	}).Info("Node id is not valid for external address, switching")
	s.events.publish(Event{Type: EventNodeIDChanged, NodeID: id, ExternalIP: external})
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
// The channel is closed on unsubscribe or shutdown.
func (s *Server) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// ExternalIP returns the IPv4 address most responding nodes report seeing
// this node at, once enough of them agree.
func (s *Server) ExternalIP() (netip.Addr, bool) {
	return s.ipVoter.Best()
}

// Addr returns the transport's local address.
func (s *Server) Addr() netip.AddrPort { return s.transport.LocalAddr() }

// RoutingTable exposes the routing table.
func (s *Server) RoutingTable() *RoutingTable { return s.routingTable }

// PeerStorage exposes the local peer store.
func (s *Server) PeerStorage() *PeerStorage { return s.peers }

// ValueStorage exposes the local BEP44 store.
func (s *Server) ValueStorage() *ValueStorage { return s.values }

// Tokens exposes the token authority.
func (s *Server) Tokens() *crypto.TokenAuthority { return s.tokens }

// goTracked runs fn as a background task that Shutdown waits for.
func (s *Server) goTracked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// AddNode pings addr and, if it answers, records it in the routing table.
func (s *Server) AddNode(ctx context.Context, addr netip.AddrPort) (crypto.NodeID, error) {
	return s.Ping(ctx, addr)
}

// Ping queries addr and returns the id it answered with. Responders are
// added to the routing table by the inbound path.
func (s *Server) Ping(ctx context.Context, addr netip.AddrPort) (crypto.NodeID, error) {
	reply, err := s.query(ctx, addr, krpc.MethodPing, &krpc.Args{ID: s.ID()})
	if err != nil {
		return crypto.NodeID{}, err
	}
	return reply.Return.ID, nil
}

// FindNode returns the closest nodes to target found by an iterative lookup.
func (s *Server) FindNode(ctx context.Context, target crypto.NodeID) ([]krpc.NodeInfo, error) {
	res, err := s.Lookup(ctx, LookupOptions{Kind: LookupFindNode, Target: target})
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

// GetPeers returns the peers announcing infoHash.
func (s *Server) GetPeers(ctx context.Context, infoHash crypto.NodeID) ([]netip.AddrPort, error) {
	res, err := s.Lookup(ctx, LookupOptions{Kind: LookupGetPeers, Target: infoHash})
	if err != nil {
		return nil, err
	}
	return res.Peers, nil
}

// Announce registers this node as a peer for infoHash with the closest
// nodes. A zero port asks them to use the source port of the datagram.
// It returns the peers found along the way and the number of nodes that
// accepted the announce.
func (s *Server) Announce(ctx context.Context, infoHash crypto.NodeID, port int) ([]netip.AddrPort, int, error) {
	res, err := s.Lookup(ctx, LookupOptions{Kind: LookupGetPeers, Target: infoHash})
	if err != nil {
		return nil, 0, err
	}

	accepted := s.fanOut(ctx, res.Responders, func(r Responder) *krpc.Args {
		return &krpc.Args{
			ID:          s.ID(),
			InfoHash:    infoHash,
			Port:        port,
			ImpliedPort: port == 0,
			Token:       r.Token,
		}
	}, krpc.MethodAnnouncePeer)

	logrus.WithFields(logrus.Fields{
		"function":  "Announce",
		"info_hash": infoHash.String(),
		"accepted":  accepted,
		"closest":   len(res.Responders),
	}).Info("Announced to closest nodes")

	if accepted == 0 {
		return res.Peers, 0, fmt.Errorf("announce %s: no node accepted", infoHash)
	}
	return res.Peers, accepted, nil
}

// GetValue looks up the BEP44 item stored under target. For mutable items
// salt must match the one used to derive the target.
func (s *Server) GetValue(ctx context.Context, target crypto.NodeID, salt []byte) (*StoredValue, error) {
	res, err := s.Lookup(ctx, LookupOptions{Kind: LookupGet, Target: target, Salt: salt, StopOnValue: true})
	if err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, ErrNotFound
	}
	return res.Value, nil
}

// PutImmutable stores value on the nodes closest to its target and returns
// the target with the number of nodes that accepted it.
func (s *Server) PutImmutable(ctx context.Context, value []byte) (crypto.NodeID, int, error) {
	if err := validateValue(value); err != nil {
		return crypto.NodeID{}, 0, err
	}
	target := crypto.ImmutableTarget(value)

	res, err := s.Lookup(ctx, LookupOptions{Kind: LookupGet, Target: target})
	if err != nil {
		return target, 0, err
	}
	stored := s.fanOut(ctx, res.Responders, func(r Responder) *krpc.Args {
		return &krpc.Args{ID: s.ID(), Token: r.Token, Value: value}
	}, krpc.MethodPut)
	if stored == 0 {
		return target, 0, fmt.Errorf("put %s: no node accepted", target)
	}
	return target, stored, nil
}

// MutableItem is a value to be signed and published under a key pair.
type MutableItem struct {
	Keys  *crypto.KeyPair
	Salt  []byte
	Seq   int64
	Value []byte
	// CAS, when set, makes the write conditional on the stored seq.
	CAS *int64
}

// PutMutable signs item and stores it on the nodes closest to its target.
func (s *Server) PutMutable(ctx context.Context, item MutableItem) (crypto.NodeID, int, error) {
	if item.Keys == nil {
		return crypto.NodeID{}, 0, crypto.ErrInvalidKey
	}
	if err := validateValue(item.Value); err != nil {
		return crypto.NodeID{}, 0, err
	}
	if err := limits.ValidateSalt(item.Salt); err != nil {
		return crypto.NodeID{}, 0, err
	}
	target := crypto.MutableTarget(item.Keys.Public, item.Salt)
	sig := item.Keys.SignMutable(item.Salt, item.Seq, item.Value)

	res, err := s.Lookup(ctx, LookupOptions{Kind: LookupGet, Target: target, Salt: item.Salt})
	if err != nil {
		return target, 0, err
	}
	seq := item.Seq
	key := item.Keys.Public
	var salt []byte
	if len(item.Salt) > 0 {
		salt = item.Salt
	}
	stored := s.fanOut(ctx, res.Responders, func(r Responder) *krpc.Args {
		return &krpc.Args{
			ID:        s.ID(),
			Token:     r.Token,
			Value:     item.Value,
			Key:       &key,
			Signature: &sig,
			Seq:       &seq,
			CAS:       item.CAS,
			Salt:      salt,
		}
	}, krpc.MethodPut)
	if stored == 0 {
		return target, 0, fmt.Errorf("put %s: no node accepted", target)
	}
	return target, stored, nil
}

// fanOut sends one write per responder, at most Alpha at a time, and
// counts the successful replies.
func (s *Server) fanOut(ctx context.Context, responders []Responder, build func(Responder) *krpc.Args, method krpc.Method) int {
	var accepted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Alpha)

	for _, r := range responders {
		if r.Token == nil {
			continue
		}
		r := r
		g.Go(func() error {
			_, err := s.query(gctx, r.Node.Addr, method, build(r))
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "fanOut",
					"method":   string(method),
					"node":     r.Node.String(),
					"error":    err.Error(),
				}).Debug("Write rejected")
				return nil
			}
			accepted.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(accepted.Load())
}

// SampleResult is a BEP51 reply.
type SampleResult struct {
	Node     krpc.NodeInfo
	Samples  []crypto.NodeID
	Num      int64
	Interval int64
	Nodes    []krpc.NodeInfo
}

// SampleInfoHashes asks addr for a sample of the info-hashes it stores.
func (s *Server) SampleInfoHashes(ctx context.Context, addr netip.AddrPort, target crypto.NodeID) (*SampleResult, error) {
	reply, err := s.query(ctx, addr, krpc.MethodSampleInfoHashes, &krpc.Args{ID: s.ID(), Target: target})
	if err != nil {
		return nil, err
	}
	ret := reply.Return
	out := &SampleResult{
		Node:    krpc.NodeInfo{ID: ret.ID, Addr: addr},
		Samples: ret.Samples,
		Nodes:   ret.AllNodes(),
	}
	if ret.Num != nil {
		out.Num = *ret.Num
	}
	if ret.Interval != nil {
		out.Interval = *ret.Interval
	}
	return out, nil
}

// Bootstrap joins the network through the configured routers and then
// looks up the local id to populate the nearby buckets.
func (s *Server) Bootstrap(ctx context.Context) error {
	return s.bootstrapper.Bootstrap(ctx)
}

// query performs a single request/response exchange. Remote error replies
// are returned as *krpc.Error.
func (s *Server) query(ctx context.Context, addr netip.AddrPort, method krpc.Method, args *krpc.Args) (*krpc.Message, error) {
	if s.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	reply, err := s.transactions.Query(ctx, krpc.NewQuery(method, args), addr)
	if err != nil {
		return nil, err
	}
	if reply.Kind == krpc.KindError {
		return nil, reply.Err
	}
	return reply, nil
}

// Stats returns a snapshot for observability.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		ID:                      s.ID(),
		Addr:                    s.transport.LocalAddr(),
		Routing:                 s.routingTable.Stats(),
		Peers:                   s.peers.Stats(),
		Values:                  s.values.Len(),
		OutstandingTransactions: s.transactions.Outstanding(),
		PacketsIn:               s.packetsIn.Load(),
		DecodeErrors:            s.decodeErrors.Load(),
		Throttled:               s.throttled.Load(),
		QueriesAnswered:         s.queriesAnswered.Load(),
		TokenGeneration:         s.tokens.Generation(),
	}
}

// IsBootstrapped reports whether the last bootstrap filled the routing
// table with enough nodes.
func (s *Server) IsBootstrapped() bool {
	return s.bootstrapper.IsBootstrapped()
}

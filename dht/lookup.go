package dht

import (
	"context"
	"errors"
	"net/netip"
	"sort"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/sirupsen/logrus"
)

// LookupKind selects the query an iterative lookup sends.
type LookupKind uint8

const (
	// LookupFindNode converges on the nodes closest to the target.
	LookupFindNode LookupKind = iota
	// LookupGetPeers also collects peers and write tokens.
	LookupGetPeers
	// LookupGet also collects BEP44 items and write tokens.
	LookupGet
)

func (k LookupKind) method() krpc.Method {
	switch k {
	case LookupGetPeers:
		return krpc.MethodGetPeers
	case LookupGet:
		return krpc.MethodGet
	default:
		return krpc.MethodFindNode
	}
}

// LookupOptions configures one iterative lookup.
type LookupOptions struct {
	Kind   LookupKind
	Target crypto.NodeID

	// StopOnPeers ends a get_peers lookup at the first response carrying peers.
	StopOnPeers bool
	// StopOnValue ends a get lookup at the first verified item. Lookups
	// collecting tokens for a put leave it unset.
	StopOnValue bool
	// Seq asks get responders to omit mutable values not newer than Seq.
	Seq *int64
	// Salt is needed to verify a mutable item found by get.
	Salt []byte

	// Seeds are extra starting candidates besides the routing table.
	Seeds []krpc.NodeInfo
}

// Responder is a node that answered during a lookup, with the write token
// it handed out.
type Responder struct {
	Node  krpc.NodeInfo
	Token []byte
}

// LookupResult is what a lookup accumulated before it terminated.
type LookupResult struct {
	Target crypto.NodeID
	// Nodes are the closest nodes that answered, nearest first.
	Nodes []krpc.NodeInfo
	// Responders are the closest answering nodes together with their tokens.
	Responders []Responder
	// Peers collected by get_peers, in arrival order without duplicates.
	Peers []netip.AddrPort
	// Value is the verified item found by get, if any. Among mutable items
	// the highest seq wins.
	Value *StoredValue

	Queries   int
	Responses int
	Failures  int
	// TimedOut is set when the deadline or cancellation ended the lookup.
	TimedOut bool
}

type candidateState uint8

const (
	candidateFresh candidateState = iota
	candidateInFlight
	candidateResponded
	candidateFailed
)

type candidate struct {
	info  krpc.NodeInfo
	order int
	state candidateState
	token []byte
}

type queryOutcome struct {
	cand  *candidate
	reply *krpc.Message
	err   error
}

// lookupState is owned by a single lookup invocation. The best list holds
// at most K candidates ordered by distance to the target and then by
// discovery order; seen remembers every id ever considered so nodes are
// never queried twice.
type lookupState struct {
	opts      LookupOptions
	k         int
	best      []*candidate
	seen      map[crypto.NodeID]*candidate
	peerSet   map[netip.AddrPort]struct{}
	nextOrder int
	inFlight  int
	result    *LookupResult
	done      bool
}

func (ls *lookupState) less(a, b *candidate) bool {
	if crypto.Closer(ls.opts.Target, a.info.ID, b.info.ID) {
		return true
	}
	if crypto.Closer(ls.opts.Target, b.info.ID, a.info.ID) {
		return false
	}
	return a.order < b.order
}

// offer adds a newly learned node if it is unseen and ranks among the best K.
func (ls *lookupState) offer(info krpc.NodeInfo, self crypto.NodeID) {
	if info.ID == self || !info.Addr.IsValid() || info.Addr.Port() == 0 || info.Addr.Addr().IsUnspecified() {
		return
	}
	if _, ok := ls.seen[info.ID]; ok {
		return
	}
	c := &candidate{info: info, order: ls.nextOrder}
	ls.nextOrder++
	ls.seen[info.ID] = c

	i := sort.Search(len(ls.best), func(i int) bool { return ls.less(c, ls.best[i]) })
	if i >= ls.k {
		return
	}
	ls.best = append(ls.best, nil)
	copy(ls.best[i+1:], ls.best[i:])
	ls.best[i] = c
	if len(ls.best) > ls.k {
		ls.best = ls.best[:ls.k]
	}
}

// next returns the closest candidate not yet queried.
func (ls *lookupState) next() *candidate {
	for _, c := range ls.best {
		if c.state == candidateFresh {
			return c
		}
	}
	return nil
}

func (ls *lookupState) drop(c *candidate) {
	for i, b := range ls.best {
		if b == c {
			ls.best = append(ls.best[:i], ls.best[i+1:]...)
			return
		}
	}
}

// Lookup runs an iterative lookup. Deadline expiry and cancellation are not
// errors: the partial result is returned with TimedOut set.
func (s *Server) Lookup(ctx context.Context, opts LookupOptions) (*LookupResult, error) {
	if s.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()
	// Stop with the server as well as with the caller.
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ls := &lookupState{
		opts:    opts,
		k:       s.cfg.K,
		seen:    make(map[crypto.NodeID]*candidate),
		peerSet: make(map[netip.AddrPort]struct{}),
		result:  &LookupResult{Target: opts.Target},
	}
	for _, n := range s.routingTable.FindClosest(opts.Target, s.cfg.K) {
		ls.offer(n.Info(), s.ID())
	}
	for _, seed := range opts.Seeds {
		ls.offer(seed, s.ID())
	}
	if len(ls.best) == 0 {
		return nil, ErrNoNodes
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Lookup",
		"method":     string(opts.Kind.method()),
		"target":     opts.Target.String(),
		"candidates": len(ls.best),
	}).Debug("Starting lookup")

	results := make(chan queryOutcome)
	for !ls.done {
		for ls.inFlight < s.cfg.Alpha && ls.result.Queries < s.cfg.MaxLookupQueries {
			c := ls.next()
			if c == nil {
				break
			}
			c.state = candidateInFlight
			ls.inFlight++
			ls.result.Queries++
			go s.lookupQuery(ctx, c, opts, results)
		}
		if ls.inFlight == 0 {
			break
		}

		select {
		case out := <-results:
			ls.inFlight--
			s.applyOutcome(ls, out)
		case <-ctx.Done():
			ls.result.TimedOut = true
			ls.done = true
		}
	}

	s.finishLookup(ls)

	logrus.WithFields(logrus.Fields{
		"function":  "Lookup",
		"method":    string(opts.Kind.method()),
		"target":    opts.Target.String(),
		"queries":   ls.result.Queries,
		"responses": ls.result.Responses,
		"nodes":     len(ls.result.Nodes),
		"peers":     len(ls.result.Peers),
		"timed_out": ls.result.TimedOut,
	}).Debug("Lookup finished")
	return ls.result, nil
}

// lookupQuery sends one query and reports the outcome unless the lookup
// has already ended.
func (s *Server) lookupQuery(ctx context.Context, c *candidate, opts LookupOptions, results chan<- queryOutcome) {
	args := &krpc.Args{ID: s.ID()}
	switch opts.Kind {
	case LookupGetPeers:
		args.InfoHash = opts.Target
	case LookupGet:
		args.Target = opts.Target
		args.Seq = opts.Seq
	default:
		args.Target = opts.Target
	}

	reply, err := s.transactions.Query(ctx, krpc.NewQuery(opts.Kind.method(), args), c.info.Addr)
	select {
	case results <- queryOutcome{cand: c, reply: reply, err: err}:
	case <-ctx.Done():
	}
}

func (s *Server) applyOutcome(ls *lookupState, out queryOutcome) {
	c := out.cand
	if out.err != nil {
		c.state = candidateFailed
		ls.result.Failures++
		ls.drop(c)
		if errors.Is(out.err, ErrTransactionTimeout) {
			s.routingTable.MarkBad(c.info.ID)
		}
		return
	}

	ret := out.reply.Return
	if ret.ID != c.info.ID {
		// The endpoint answered under a different identity; trust the reply
		// for its contents but do not report the stale id as a responder.
		c.state = candidateFailed
		ls.drop(c)
	} else {
		c.state = candidateResponded
		c.token = ret.Token
		ls.result.Responses++
	}

	for _, n := range ret.AllNodes() {
		ls.offer(n, s.ID())
	}

	switch ls.opts.Kind {
	case LookupGetPeers:
		for _, p := range ret.Values {
			if _, dup := ls.peerSet[p]; dup {
				continue
			}
			ls.peerSet[p] = struct{}{}
			ls.result.Peers = append(ls.result.Peers, p)
		}
		if ls.opts.StopOnPeers && len(ls.result.Peers) > 0 {
			ls.done = true
		}
	case LookupGet:
		item := verifyItem(ls.opts.Target, ls.opts.Salt, ret)
		if item == nil {
			return
		}
		if cur := ls.result.Value; cur == nil || (item.Mutable && item.Seq > cur.Seq) {
			ls.result.Value = item
		}
		if ls.opts.StopOnValue {
			ls.done = true
		}
	}
}

// finishLookup assembles the closest responders into the result.
func (s *Server) finishLookup(ls *lookupState) {
	responded := make([]*candidate, 0, len(ls.seen))
	for _, c := range ls.seen {
		if c.state == candidateResponded {
			responded = append(responded, c)
		}
	}
	sort.Slice(responded, func(i, j int) bool { return ls.less(responded[i], responded[j]) })
	if len(responded) > ls.k {
		responded = responded[:ls.k]
	}
	ls.result.Nodes = make([]krpc.NodeInfo, len(responded))
	ls.result.Responders = make([]Responder, len(responded))
	for i, c := range responded {
		ls.result.Nodes[i] = c.info
		ls.result.Responders[i] = Responder{Node: c.info, Token: c.token}
	}
}

// verifyItem checks a get reply against the requested target and returns
// the item it carries when it is authentic.
func verifyItem(target crypto.NodeID, salt []byte, ret *krpc.Return) *StoredValue {
	if ret.Value == nil {
		return nil
	}
	if ret.Key == nil {
		if crypto.ImmutableTarget(ret.Value) != target {
			return nil
		}
		return &StoredValue{Target: target, Value: ret.Value}
	}
	if ret.Signature == nil || ret.Seq == nil {
		return nil
	}
	if crypto.MutableTarget(*ret.Key, salt) != target {
		return nil
	}
	if !crypto.VerifyMutable(*ret.Key, salt, *ret.Seq, ret.Value, *ret.Signature) {
		return nil
	}
	return &StoredValue{
		Target:    target,
		Value:     ret.Value,
		Mutable:   true,
		PublicKey: *ret.Key,
		Salt:      salt,
		Seq:       *ret.Seq,
		Signature: *ret.Signature,
	}
}

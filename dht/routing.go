package dht

import (
	"container/heap"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/sirupsen/logrus"
)

// InsertResult is the effect of InsertOrUpdate on the table.
type InsertResult uint8

const (
	// Inserted means the node now occupies a bucket slot.
	Inserted InsertResult = iota
	// Updated means the node was already known and was refreshed.
	Updated
	// Cached means the bucket was full and the node waits in the replacement cache.
	Cached
	// Dropped means the node was not recorded at all.
	Dropped
)

func (r InsertResult) String() string {
	return [...]string{"inserted", "updated", "cached", "dropped"}[r]
}

// DropReason explains why a node was cached or dropped.
type DropReason uint8

const (
	ReasonNone DropReason = iota
	ReasonSelf
	ReasonInvalidAddr
	ReasonBucketFull
	ReasonMaxDepth
)

func (r DropReason) String() string {
	return [...]string{"none", "self", "invalid address", "bucket full", "max depth"}[r]
}

// InsertOutcome reports what InsertOrUpdate did.
type InsertOutcome struct {
	Result InsertResult
	Reason DropReason
	// Splits is the number of bucket splits the insert caused.
	Splits int
	// Stale is a questionable member of the full bucket that should be
	// pinged. If it fails to answer, MarkBad evicts it and the waiting
	// newcomer takes its place.
	Stale *Node
}

// Err returns ErrRoutingTableFull when the node did not get a slot because
// of capacity, and nil otherwise.
func (o InsertOutcome) Err() error {
	switch o.Reason {
	case ReasonBucketFull, ReasonMaxDepth:
		return fmt.Errorf("%w: %s", ErrRoutingTableFull, o.Reason)
	}
	return nil
}

// RoutingTable manages k-buckets for the DHT routing. Buckets are kept in
// ascending keyspace order and always partition the whole space; only the
// bucket covering the local id is ever split.
type RoutingTable struct {
	selfID          crypto.NodeID
	buckets         []*KBucket
	k               int
	cacheSize       int
	maxDepth        int
	nodeTimeout     time.Duration
	refreshInterval time.Duration
	timeProvider    crypto.TimeProvider
	mu              sync.RWMutex
}

// NewRoutingTable creates a table holding a single bucket that covers the
// whole keyspace.
func NewRoutingTable(selfID crypto.NodeID, cfg *Config) *RoutingTable {
	cfg = cfg.withDefaults()
	rt := &RoutingTable{
		selfID:          selfID,
		k:               cfg.K,
		cacheSize:       cfg.ReplacementCacheSize,
		maxDepth:        cfg.MaxBucketDepth,
		nodeTimeout:     cfg.NodeTimeout,
		refreshInterval: cfg.RefreshInterval,
		timeProvider:    cfg.TimeProvider,
	}
	rt.buckets = []*KBucket{NewKBucket(BucketRange{}, rt.k, rt.cacheSize, rt.timeProvider.Now())}
	return rt
}

// SelfID returns the local node id.
func (rt *RoutingTable) SelfID() crypto.NodeID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.selfID
}

// SetSelfID re-keys the table around a new local id. Known nodes are placed
// again from a single bucket; those that no longer fit are dropped. It
// returns how many nodes were kept.
func (rt *RoutingTable) SetSelfID(id crypto.NodeID) int {
	now := rt.timeProvider.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var nodes []*Node
	for _, b := range rt.buckets {
		nodes = append(nodes, b.nodes...)
	}
	rt.selfID = id
	rt.buckets = []*KBucket{NewKBucket(BucketRange{}, rt.k, rt.cacheSize, now)}

	kept := 0
	for _, n := range nodes {
		if n.ID != id && rt.place(n, now) {
			kept++
		}
	}
	return kept
}

// place adds an existing node, splitting the local bucket as needed.
// Callers hold rt.mu.
func (rt *RoutingTable) place(n *Node, now time.Time) bool {
	for {
		idx := rt.bucketIndex(n.ID)
		bucket := rt.buckets[idx]
		if !bucket.Full() {
			bucket.add(n, now)
			return true
		}
		if !bucket.Contains(rt.selfID) || bucket.Depth >= rt.maxDepth {
			return false
		}
		low, high := bucket.split(now)
		rt.buckets = append(rt.buckets, nil)
		copy(rt.buckets[idx+2:], rt.buckets[idx+1:])
		rt.buckets[idx] = low
		rt.buckets[idx+1] = high
	}
}

// bucketIndex returns the index of the bucket covering id. Buckets are
// sorted by prefix, so it is the last bucket whose prefix is <= id.
func (rt *RoutingTable) bucketIndex(id crypto.NodeID) int {
	i := sort.Search(len(rt.buckets), func(i int) bool {
		return rt.buckets[i].Prefix.Cmp(id) > 0
	})
	return i - 1
}

// InsertOrUpdate records that a message arrived from info. responded is
// true when the message was a reply to one of our queries, which marks the
// node good.
func (rt *RoutingTable) InsertOrUpdate(info krpc.NodeInfo, responded bool) InsertOutcome {
	if !info.Addr.IsValid() || info.Addr.Port() == 0 || info.Addr.Addr().IsUnspecified() {
		return InsertOutcome{Result: Dropped, Reason: ReasonInvalidAddr}
	}

	now := rt.timeProvider.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if info.ID == rt.selfID {
		return InsertOutcome{Result: Dropped, Reason: ReasonSelf}
	}

	var outcome InsertOutcome
	for {
		idx := rt.bucketIndex(info.ID)
		bucket := rt.buckets[idx]

		if i := bucket.indexOf(info.ID); i >= 0 {
			bucket.nodes[i].touch(info.Addr, responded, now)
			bucket.moveToBack(i)
			bucket.lastChanged = now
			outcome.Result = Updated
			return outcome
		}

		if !bucket.Full() {
			if i := bucket.replacementIndex(info.ID); i >= 0 {
				bucket.replacements = append(bucket.replacements[:i], bucket.replacements[i+1:]...)
			}
			bucket.add(rt.newNode(info, responded, now), now)
			outcome.Result = Inserted
			return outcome
		}

		if i := bucket.firstBad(); i >= 0 {
			bucket.remove(i, now)
			bucket.add(rt.newNode(info, responded, now), now)
			outcome.Result = Inserted
			return outcome
		}

		if bucket.Contains(rt.selfID) && bucket.Depth < rt.maxDepth {
			low, high := bucket.split(now)
			rt.buckets = append(rt.buckets, nil)
			copy(rt.buckets[idx+2:], rt.buckets[idx+1:])
			rt.buckets[idx] = low
			rt.buckets[idx+1] = high
			outcome.Splits++

			logrus.WithFields(logrus.Fields{
				"function": "InsertOrUpdate",
				"depth":    low.Depth,
				"buckets":  len(rt.buckets),
			}).Debug("Split bucket covering local id")
			continue
		}

		outcome.Result = Cached
		outcome.Reason = ReasonBucketFull
		if bucket.Contains(rt.selfID) {
			outcome.Reason = ReasonMaxDepth
		}
		bucket.cache(rt.newNode(info, responded, now))
		if stale := rt.staleCandidate(bucket, now); stale != nil {
			stale.pingedAt = now
			outcome.Stale = stale.clone()
		}
		return outcome
	}
}

func (rt *RoutingTable) newNode(info krpc.NodeInfo, responded bool, now time.Time) *Node {
	n := NewNode(info.ID, info.Addr, now)
	if responded {
		n.touch(info.Addr, true, now)
	}
	return n
}

// staleCandidate returns the least recently seen questionable node that is
// not already being verified.
func (rt *RoutingTable) staleCandidate(bucket *KBucket, now time.Time) *Node {
	for _, n := range bucket.nodes {
		if n.IsActive(now, rt.nodeTimeout) {
			continue
		}
		if !n.pingedAt.IsZero() && now.Sub(n.pingedAt) < rt.nodeTimeout {
			continue
		}
		return n
	}
	return nil
}

// MarkBad records that id failed to answer. The node is evicted and the
// freshest replacement, if any, takes its slot. It reports whether the node
// was in the table.
func (rt *RoutingTable) MarkBad(id crypto.NodeID) bool {
	now := rt.timeProvider.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[rt.bucketIndex(id)]
	if i := bucket.replacementIndex(id); i >= 0 {
		bucket.replacements = append(bucket.replacements[:i], bucket.replacements[i+1:]...)
	}
	i := bucket.indexOf(id)
	if i < 0 {
		return false
	}
	bad := bucket.remove(i, now)
	bad.Status = StatusBad
	bad.FailureCount++

	promoted := bucket.promote(now)
	fields := logrus.Fields{
		"function": "MarkBad",
		"node_id":  id.String(),
		"addr":     bad.Addr.String(),
	}
	if promoted != nil {
		fields["promoted"] = promoted.ID.String()
	}
	logrus.WithFields(fields).Debug("Evicted unresponsive node")
	return true
}

// Remove deletes id from the table without promoting a replacement.
func (rt *RoutingTable) Remove(id crypto.NodeID) bool {
	now := rt.timeProvider.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[rt.bucketIndex(id)]
	if i := bucket.indexOf(id); i >= 0 {
		bucket.remove(i, now)
		return true
	}
	return false
}

// Get returns a copy of the entry for id.
func (rt *RoutingTable) Get(id crypto.NodeID) (*Node, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	bucket := rt.buckets[rt.bucketIndex(id)]
	if i := bucket.indexOf(id); i >= 0 {
		return bucket.nodes[i].clone(), true
	}
	return nil, false
}

// Len returns the number of nodes in the table.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, b := range rt.buckets {
		total += b.Len()
	}
	return total
}

// Nodes returns copies of every node in the table.
func (rt *RoutingTable) Nodes() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []*Node
	for _, b := range rt.buckets {
		out = append(out, b.GetNodes()...)
	}
	return out
}

// Buckets returns the ranges of all buckets in keyspace order.
func (rt *RoutingTable) Buckets() []BucketRange {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]BucketRange, len(rt.buckets))
	for i, b := range rt.buckets {
		out[i] = b.BucketRange
	}
	return out
}

// BucketNodes returns copies of the nodes in the bucket at index i.
func (rt *RoutingTable) BucketNodes(i int) []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if i < 0 || i >= len(rt.buckets) {
		return nil
	}
	return rt.buckets[i].GetNodes()
}

// nodeHeap implements heap.Interface for finding closest nodes efficiently.
// It's a max-heap on distance, keeping the count closest nodes.
type nodeHeap struct {
	nodes  []*Node
	target crypto.NodeID
}

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	return closerTiebreak(h.target, h.nodes[j].ID, h.nodes[i].ID)
}

func (h *nodeHeap) Swap(i, j int) { h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i] }

func (h *nodeHeap) Push(x interface{}) { h.nodes = append(h.nodes, x.(*Node)) }

func (h *nodeHeap) Pop() interface{} {
	old := h.nodes
	n := len(old)
	item := old[n-1]
	h.nodes = old[:n-1]
	return item
}

// closerTiebreak orders by distance to target and then by raw id bytes.
// Distinct ids never tie on distance, so the second rule only matters for
// duplicates.
func closerTiebreak(target, a, b crypto.NodeID) bool {
	if crypto.Closer(target, a, b) {
		return true
	}
	if crypto.Closer(target, b, a) {
		return false
	}
	return a.Less(b)
}

// FindClosest returns up to count nodes ordered by ascending distance to
// target. Bad nodes are never returned.
func (rt *RoutingTable) FindClosest(target crypto.NodeID, count int) []*Node {
	if count <= 0 {
		return []*Node{}
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	h := &nodeHeap{nodes: make([]*Node, 0, count), target: target}
	for _, bucket := range rt.buckets {
		for _, node := range bucket.nodes {
			if node.Status == StatusBad {
				continue
			}
			if h.Len() < count {
				heap.Push(h, node)
			} else if closerTiebreak(target, node.ID, h.nodes[0].ID) {
				heap.Pop(h)
				heap.Push(h, node)
			}
		}
	}

	result := make([]*Node, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*Node).clone()
	}
	return result
}

// BucketsNeedingRefresh returns the ranges of buckets that have not changed
// within the refresh interval.
func (rt *RoutingTable) BucketsNeedingRefresh() []BucketRange {
	now := rt.timeProvider.Now()
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []BucketRange
	for _, b := range rt.buckets {
		if now.Sub(b.lastChanged) >= rt.refreshInterval {
			out = append(out, b.BucketRange)
		}
	}
	return out
}

// MarkRefreshed resets the refresh timer of the bucket covering id.
func (rt *RoutingTable) MarkRefreshed(id crypto.NodeID) {
	now := rt.timeProvider.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[rt.bucketIndex(id)].lastChanged = now
}

// Questionable returns copies of nodes not heard from within the node
// timeout, so the maintainer can ping them.
func (rt *RoutingTable) Questionable() []*Node {
	now := rt.timeProvider.Now()
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []*Node
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			if !n.IsActive(now, rt.nodeTimeout) {
				out = append(out, n.clone())
			}
		}
	}
	return out
}

// ContainsAddr reports whether a node with the given endpoint is in the table.
func (rt *RoutingTable) ContainsAddr(addr netip.AddrPort) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			if n.Addr == addr {
				return true
			}
		}
	}
	return false
}

// RoutingStats is a point-in-time summary of the table.
type RoutingStats struct {
	Buckets      int
	Nodes        int
	Good         int
	Questionable int
	Replacements int
	MaxDepth     int
}

// Stats returns a snapshot for observability.
func (rt *RoutingTable) Stats() RoutingStats {
	now := rt.timeProvider.Now()
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	s := RoutingStats{Buckets: len(rt.buckets)}
	for _, b := range rt.buckets {
		s.Nodes += len(b.nodes)
		s.Replacements += len(b.replacements)
		if b.Depth > s.MaxDepth {
			s.MaxDepth = b.Depth
		}
		for _, n := range b.nodes {
			switch {
			case !n.IsActive(now, rt.nodeTimeout):
				s.Questionable++
			case n.Status == StatusGood:
				s.Good++
			}
		}
	}
	return s
}

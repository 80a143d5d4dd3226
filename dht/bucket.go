package dht

import (
	"math/big"
	"time"

	"github.com/opd-ai/mainline/crypto"
)

// BucketRange identifies the slice of the keyspace a bucket covers: all ids
// whose first Depth bits equal those of Prefix.
type BucketRange struct {
	Prefix crypto.NodeID
	Depth  int
}

// Contains reports whether id falls in the range.
func (r BucketRange) Contains(id crypto.NodeID) bool {
	return crypto.CommonPrefixLen(id, r.Prefix) >= r.Depth
}

// Low returns the inclusive lower bound of the range.
func (r BucketRange) Low() *big.Int {
	return r.Prefix.Big()
}

// High returns the exclusive upper bound of the range.
func (r BucketRange) High() *big.Int {
	size := new(big.Int).Lsh(big.NewInt(1), uint(crypto.NodeIDBits-r.Depth))
	return size.Add(size, r.Low())
}

// RandomID returns a random id inside the range.
func (r BucketRange) RandomID() (crypto.NodeID, error) {
	return crypto.RandomNodeIDWithPrefix(r.Prefix, r.Depth)
}

// split returns the lower and upper halves of the range.
func (r BucketRange) split() (BucketRange, BucketRange) {
	low := BucketRange{Prefix: r.Prefix, Depth: r.Depth + 1}
	high := low
	high.Prefix[r.Depth/8] |= 0x80 >> uint(r.Depth%8)
	return low, high
}

// KBucket implements a k-bucket for the Kademlia DHT. Nodes are kept in
// least recently seen order. Callers hold the routing table lock.
type KBucket struct {
	BucketRange
	nodes        []*Node
	replacements []*Node
	maxSize      int
	cacheSize    int
	lastChanged  time.Time
}

// NewKBucket creates a new k-bucket with the specified maximum size.
func NewKBucket(r BucketRange, maxSize, cacheSize int, now time.Time) *KBucket {
	return &KBucket{
		BucketRange:  r,
		nodes:        make([]*Node, 0, maxSize),
		replacements: make([]*Node, 0, cacheSize),
		maxSize:      maxSize,
		cacheSize:    cacheSize,
		lastChanged:  now,
	}
}

// Len returns the number of live entries.
func (kb *KBucket) Len() int { return len(kb.nodes) }

// Full reports whether the bucket is at capacity.
func (kb *KBucket) Full() bool { return len(kb.nodes) >= kb.maxSize }

func (kb *KBucket) indexOf(id crypto.NodeID) int {
	for i, n := range kb.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (kb *KBucket) replacementIndex(id crypto.NodeID) int {
	for i, n := range kb.replacements {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// moveToBack marks entry i as the most recently seen.
func (kb *KBucket) moveToBack(i int) {
	n := kb.nodes[i]
	copy(kb.nodes[i:], kb.nodes[i+1:])
	kb.nodes[len(kb.nodes)-1] = n
}

func (kb *KBucket) add(n *Node, now time.Time) {
	kb.nodes = append(kb.nodes, n)
	kb.lastChanged = now
}

func (kb *KBucket) remove(i int, now time.Time) *Node {
	n := kb.nodes[i]
	kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
	kb.lastChanged = now
	return n
}

// cache puts n in the replacement cache, evicting the oldest standby.
func (kb *KBucket) cache(n *Node) {
	if i := kb.replacementIndex(n.ID); i >= 0 {
		kb.replacements = append(kb.replacements[:i], kb.replacements[i+1:]...)
	}
	if kb.cacheSize <= 0 {
		return
	}
	if len(kb.replacements) >= kb.cacheSize {
		kb.replacements = kb.replacements[1:]
	}
	kb.replacements = append(kb.replacements, n)
}

// promote moves the freshest standby into the bucket, if there is room.
func (kb *KBucket) promote(now time.Time) *Node {
	if kb.Full() || len(kb.replacements) == 0 {
		return nil
	}
	last := len(kb.replacements) - 1
	n := kb.replacements[last]
	kb.replacements = kb.replacements[:last]
	kb.add(n, now)
	return n
}

// firstBad returns the index of a bad entry, or -1.
func (kb *KBucket) firstBad() int {
	for i, n := range kb.nodes {
		if n.Status == StatusBad {
			return i
		}
	}
	return -1
}

// split divides the bucket in two along the next bit of the prefix.
func (kb *KBucket) split(now time.Time) (*KBucket, *KBucket) {
	lowRange, highRange := kb.BucketRange.split()
	low := NewKBucket(lowRange, kb.maxSize, kb.cacheSize, now)
	high := NewKBucket(highRange, kb.maxSize, kb.cacheSize, now)

	for _, n := range kb.nodes {
		if highRange.Contains(n.ID) {
			high.nodes = append(high.nodes, n)
		} else {
			low.nodes = append(low.nodes, n)
		}
	}
	for _, n := range kb.replacements {
		if highRange.Contains(n.ID) {
			high.replacements = append(high.replacements, n)
		} else {
			low.replacements = append(low.replacements, n)
		}
	}
	// Refill halves that gained room from their own standbys.
	for low.promote(now) != nil {
	}
	for high.promote(now) != nil {
	}
	return low, high
}

// GetNodes returns copies of all nodes in the k-bucket.
func (kb *KBucket) GetNodes() []*Node {
	result := make([]*Node, len(kb.nodes))
	for i, n := range kb.nodes {
		result[i] = n.clone()
	}
	return result
}

package dht

import (
	"net/netip"
	"time"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
)

// NodeStatus represents what we know about a node's liveness.
type NodeStatus uint8

const (
	// StatusUnknown nodes have contacted us but never answered a query.
	StatusUnknown NodeStatus = iota
	// StatusBad nodes failed to answer after all retries.
	StatusBad
	// StatusGood nodes answered one of our queries.
	StatusGood
)

func (s NodeStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Node is a routing table entry.
type Node struct {
	ID            crypto.NodeID
	Addr          netip.AddrPort
	LastSeen      time.Time
	LastResponded time.Time
	Status        NodeStatus
	FailureCount  int

	// pingedAt is set while the node is being verified on behalf of a
	// newcomer waiting in the replacement cache.
	pingedAt time.Time
}

// NewNode creates a node first seen at now.
func NewNode(id crypto.NodeID, addr netip.AddrPort, now time.Time) *Node {
	return &Node{
		ID:       id,
		Addr:     addr,
		LastSeen: now,
		Status:   StatusUnknown,
	}
}

// Info returns the wire form of the node.
func (n *Node) Info() krpc.NodeInfo {
	return krpc.NodeInfo{ID: n.ID, Addr: n.Addr}
}

// IsActive checks if the node has been seen within the timeout period.
func (n *Node) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastSeen) < timeout
}

// touch records an inbound message from the node.
func (n *Node) touch(addr netip.AddrPort, responded bool, now time.Time) {
	n.Addr = addr
	n.LastSeen = now
	n.pingedAt = time.Time{}
	if responded {
		n.LastResponded = now
		n.Status = StatusGood
		n.FailureCount = 0
	}
}

func (n *Node) clone() *Node {
	c := *n
	return &c
}

func nodeInfos(nodes []*Node) []krpc.NodeInfo {
	out := make([]krpc.NodeInfo, len(nodes))
	for i, n := range nodes {
		out[i] = n.Info()
	}
	return out
}

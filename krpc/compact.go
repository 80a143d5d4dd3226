package krpc

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/opd-ai/mainline/crypto"
)

// Compact encoding sizes.
const (
	CompactPeerV4Size = 4 + 2
	CompactPeerV6Size = 16 + 2
	CompactNodeV4Size = crypto.NodeIDSize + CompactPeerV4Size
	CompactNodeV6Size = crypto.NodeIDSize + CompactPeerV6Size
)

// NodeInfo is a node's identity and endpoint as carried in compact node lists.
type NodeInfo struct {
	ID   crypto.NodeID
	Addr netip.AddrPort
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s@%s", n.ID, n.Addr)
}

// Is4 reports whether the node is reachable over IPv4.
func (n NodeInfo) Is4() bool {
	return n.Addr.Addr().Unmap().Is4()
}

// AppendCompactPeer appends the 6 or 18 byte compact form of addr.
func AppendCompactPeer(buf []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		a := ip.As4()
		buf = append(buf, a[:]...)
	} else {
		a := ip.As16()
		buf = append(buf, a[:]...)
	}
	return binary.BigEndian.AppendUint16(buf, addr.Port())
}

// ParseCompactPeer decodes a single 6 or 18 byte compact endpoint.
func ParseCompactPeer(b []byte) (netip.AddrPort, error) {
	switch len(b) {
	case CompactPeerV4Size:
		ip := netip.AddrFrom4([4]byte(b[:4]))
		return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[4:])), nil
	case CompactPeerV6Size:
		ip := netip.AddrFrom16([16]byte(b[:16]))
		return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[16:])), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("compact peer must be %d or %d bytes, got %d",
			CompactPeerV4Size, CompactPeerV6Size, len(b))
	}
}

// EncodeCompactNodes concatenates the compact form of nodes. All nodes must
// belong to the same address family; callers split v4 and v6 lists first.
func EncodeCompactNodes(nodes []NodeInfo) []byte {
	buf := make([]byte, 0, len(nodes)*CompactNodeV6Size)
	for _, n := range nodes {
		buf = append(buf, n.ID[:]...)
		buf = AppendCompactPeer(buf, n.Addr)
	}
	return buf
}

// DecodeCompactNodes splits a compact node string whose entries are
// entrySize bytes long.
func DecodeCompactNodes(b []byte, entrySize int) ([]NodeInfo, error) {
	if len(b)%entrySize != 0 {
		return nil, fmt.Errorf("length %d is not a multiple of %d", len(b), entrySize)
	}
	nodes := make([]NodeInfo, 0, len(b)/entrySize)
	for off := 0; off < len(b); off += entrySize {
		entry := b[off : off+entrySize]
		addr, err := ParseCompactPeer(entry[crypto.NodeIDSize:])
		if err != nil {
			return nil, err
		}
		var id crypto.NodeID
		copy(id[:], entry[:crypto.NodeIDSize])
		nodes = append(nodes, NodeInfo{ID: id, Addr: addr})
	}
	return nodes, nil
}

// SplitByFamily partitions nodes into IPv4 and IPv6 lists.
func SplitByFamily(nodes []NodeInfo) (v4, v6 []NodeInfo) {
	for _, n := range nodes {
		if n.Is4() {
			v4 = append(v4, n)
		} else {
			v6 = append(v6, n)
		}
	}
	return v4, v6
}

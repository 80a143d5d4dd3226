package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/big"
	"math/bits"
	"net/netip"
)

// NodeIDSize is the length of a DHT identifier in bytes.
const NodeIDSize = 20

// NodeIDBits is the length of a DHT identifier in bits.
const NodeIDBits = NodeIDSize * 8

// ErrInvalidNodeID is returned when an identifier has the wrong length or encoding.
var ErrInvalidNodeID = errors.New("invalid node id")

// NodeID is a 160-bit identifier in the DHT keyspace. Node IDs, info-hashes
// and BEP44 targets all share this type.
type NodeID [NodeIDSize]byte

// NodeIDFromBytes copies b into a NodeID. b must be exactly NodeIDSize bytes.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidNodeID, len(b), NodeIDSize)
	}
	copy(id[:], b)
	return id, nil
}

// NodeIDFromHex parses a 40 character hex string.
func NodeIDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return NodeIDFromBytes(b)
}

// NewRandomNodeID returns a uniformly random identifier.
func NewRandomNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// RandomNodeIDWithPrefix returns a random identifier whose first depth bits
// equal those of prefix.
func RandomNodeIDWithPrefix(prefix NodeID, depth int) (NodeID, error) {
	id, err := NewRandomNodeID()
	if err != nil {
		return id, err
	}
	if depth <= 0 {
		return id, nil
	}
	if depth > NodeIDBits {
		depth = NodeIDBits
	}
	full := depth / 8
	copy(id[:full], prefix[:full])
	if rem := depth % 8; rem != 0 {
		mask := byte(0xFF << (8 - rem))
		id[full] = (prefix[full] & mask) | (id[full] &^ mask)
	}
	return id, nil
}

// SHA1 hashes data into a NodeID.
func SHA1(data []byte) NodeID {
	return NodeID(sha1.Sum(data))
}

// Bytes returns a copy of the identifier as a slice.
func (id NodeID) Bytes() []byte {
	b := make([]byte, NodeIDSize)
	copy(b, id[:])
	return b
}

// String returns the lowercase hex encoding.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether every bit is zero.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Cmp compares two identifiers as big-endian unsigned integers.
func (id NodeID) Cmp(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id sorts before other.
func (id NodeID) Less(other NodeID) bool {
	return id.Cmp(other) < 0
}

// Bit returns bit i counted from the most significant bit.
func (id NodeID) Bit(i int) int {
	if i < 0 || i >= NodeIDBits {
		return 0
	}
	return int(id[i/8]>>(7-uint(i%8))) & 1
}

// Big returns the identifier as a non-negative integer.
func (id NodeID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// NodeIDFromBig converts a value in [0, 2^160) back into an identifier.
func NodeIDFromBig(n *big.Int) NodeID {
	var id NodeID
	if n.Sign() <= 0 {
		return id
	}
	n.FillBytes(id[:])
	return id
}

// Distance returns the XOR metric between a and b.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b NodeID) bool {
	for i := 0; i < NodeIDSize; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b NodeID) int {
	for i := 0; i < NodeIDSize; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return NodeIDBits
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	ip4Mask = [4]byte{0x03, 0x0f, 0x3f, 0xff}
	ip6Mask = [8]byte{0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f, 0xff}
)

// ipPrefixCRC is the BEP42 checksum of ip's masked leading bytes combined
// with the low three bits of r.
func ipPrefixCRC(ip netip.Addr, r byte) uint32 {
	ip = ip.Unmap()
	if ip.Is4() {
		b := ip.As4()
		for i := range b {
			b[i] &= ip4Mask[i]
		}
		b[0] |= (r & 0x07) << 5
		return crc32.Checksum(b[:], castagnoli)
	}
	full := ip.As16()
	var b [8]byte
	for i := range b {
		b[i] = full[i] & ip6Mask[i]
	}
	b[0] |= (r & 0x07) << 5
	return crc32.Checksum(b[:], castagnoli)
}

// ExemptFromIDCheck reports whether ip is local enough that BEP42 does not
// constrain the ids of nodes behind it.
func ExemptFromIDCheck(ip netip.Addr) bool {
	ip = ip.Unmap()
	return !ip.IsValid() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// NodeIDForIP derives a random identifier that is valid for ip under BEP42.
func NodeIDForIP(ip netip.Addr) (NodeID, error) {
	id, err := NewRandomNodeID()
	if err != nil {
		return id, err
	}
	return secureID(ip, id[NodeIDSize-1], id), nil
}

// secureID overwrites the leading 21 bits of id with the checksum prefix for
// ip and stores r in the last byte.
func secureID(ip netip.Addr, r byte, id NodeID) NodeID {
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], ipPrefixCRC(ip, r))
	id[0] = crc[0]
	id[1] = crc[1]
	id[2] = (crc[2] & 0xf8) | (id[2] & 0x07)
	id[NodeIDSize-1] = r
	return id
}

// ValidForIP reports whether id satisfies BEP42 for ip. Ids of exempt
// addresses are always valid.
func (id NodeID) ValidForIP(ip netip.Addr) bool {
	if ExemptFromIDCheck(ip) {
		return true
	}
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], ipPrefixCRC(ip, id[NodeIDSize-1]))
	return id[0] == crc[0] && id[1] == crc[1] && id[2]&0xf8 == crc[2]&0xf8
}

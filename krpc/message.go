package krpc

import (
	"net/netip"

	"github.com/opd-ai/mainline/crypto"
)

// Kind is the KRPC message type carried in the "y" key.
type Kind byte

const (
	KindQuery    Kind = 'q'
	KindResponse Kind = 'r'
	KindError    Kind = 'e'
)

// String returns a readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Method is a KRPC query name.
type Method string

const (
	MethodPing             Method = "ping"
	MethodFindNode         Method = "find_node"
	MethodGetPeers         Method = "get_peers"
	MethodAnnouncePeer     Method = "announce_peer"
	MethodGet              Method = "get"
	MethodPut              Method = "put"
	MethodSampleInfoHashes Method = "sample_infohashes"
)

// Known reports whether m is one of the methods this package understands.
func (m Method) Known() bool {
	switch m {
	case MethodPing, MethodFindNode, MethodGetPeers, MethodAnnouncePeer,
		MethodGet, MethodPut, MethodSampleInfoHashes:
		return true
	}
	return false
}

// Args holds the "a" dictionary of a query. Which fields are meaningful
// depends on the method; optional integers are pointers so that absence
// survives a round trip.
type Args struct {
	ID          crypto.NodeID
	Target      crypto.NodeID
	InfoHash    crypto.NodeID
	Token       []byte
	Port        int
	ImpliedPort bool

	// BEP44. Value holds the item's bencoded form.
	Value     []byte
	Key       *crypto.PublicKey
	Signature *crypto.Signature
	Seq       *int64
	CAS       *int64
	Salt      []byte
}

// Return holds the "r" dictionary of a response. A nil slice means the key
// was absent; a non-nil empty slice encodes an empty entry.
type Return struct {
	ID     crypto.NodeID
	Nodes  []NodeInfo
	Nodes6 []NodeInfo
	Values []netip.AddrPort
	Token  []byte

	// BEP44. Value holds the item's bencoded form.
	Value     []byte
	Key       *crypto.PublicKey
	Signature *crypto.Signature
	Seq       *int64

	// BEP51
	Samples  []crypto.NodeID
	Num      *int64
	Interval *int64
}

// AllNodes returns the IPv4 and IPv6 node lists together.
func (r *Return) AllNodes() []NodeInfo {
	if r == nil {
		return nil
	}
	out := make([]NodeInfo, 0, len(r.Nodes)+len(r.Nodes6))
	out = append(out, r.Nodes...)
	return append(out, r.Nodes6...)
}

// Message is a single KRPC datagram: a query, a response or an error.
type Message struct {
	TransactionID []byte
	Kind          Kind

	// Query fields
	Method Method
	Args   *Args

	// Response fields
	Return *Return

	// Error fields
	Err *Error

	// ReadOnly is the BEP43 "ro" flag set by nodes that do not answer queries.
	ReadOnly bool
	// Version is the optional client version string.
	Version []byte
	// ClientAddr is the BEP42 "ip" field echoing the requester's endpoint.
	ClientAddr netip.AddrPort
}

// NewQuery builds a query. The transaction id is assigned when sent.
func NewQuery(method Method, args *Args) *Message {
	return &Message{Kind: KindQuery, Method: method, Args: args}
}

// NewResponse builds a response to the transaction tid.
func NewResponse(tid []byte, ret *Return) *Message {
	return &Message{TransactionID: tid, Kind: KindResponse, Return: ret}
}

// NewErrorReply builds an error reply to the transaction tid.
func NewErrorReply(tid []byte, code int, message string) *Message {
	return &Message{TransactionID: tid, Kind: KindError, Err: &Error{Code: code, Message: message}}
}

// SenderID returns the "id" of the sending node for queries and responses.
func (m *Message) SenderID() (crypto.NodeID, bool) {
	switch {
	case m.Kind == KindQuery && m.Args != nil:
		return m.Args.ID, true
	case m.Kind == KindResponse && m.Return != nil:
		return m.Return.ID, true
	}
	return crypto.NodeID{}, false
}

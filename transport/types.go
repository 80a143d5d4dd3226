package transport

import (
	"errors"
	"net/netip"
)

// PacketHandler processes one inbound datagram. The slice is owned by the
// handler; transports never reuse it after the call.
type PacketHandler func(data []byte, addr netip.AddrPort)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Transport defines the datagram interface the DHT engine runs on. This
// abstraction allows real sockets and simulated networks to be used
// interchangeably.
type Transport interface {
	// Send transmits one datagram to addr.
	Send(data []byte, addr netip.AddrPort) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the address the transport is bound to.
	LocalAddr() netip.AddrPort

	// SetHandler installs the receiver for inbound datagrams.
	SetHandler(handler PacketHandler)
}

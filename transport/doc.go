// Package transport moves KRPC datagrams between nodes.
//
// The DHT engine only needs to send a datagram to an endpoint and to be
// handed the datagrams that arrive, so the Transport interface is small:
//
//	type Transport interface {
//	    Send(data []byte, addr netip.AddrPort) error
//	    Close() error
//	    LocalAddr() netip.AddrPort
//	    SetHandler(handler PacketHandler)
//	}
//
// Endpoints are netip.AddrPort values throughout. IPv4-mapped IPv6
// addresses are unmapped on receipt so that a peer is always identified by
// the same endpoint.
//
// # UDP
//
// [UDPTransport] binds a socket and runs one read loop. Oversized and empty
// datagrams are dropped before they reach the handler.
//
//	t, err := transport.NewUDPTransport("0.0.0.0:6881")
//	t.SetHandler(func(data []byte, from netip.AddrPort) { ... })
//
// # In-memory network
//
// [MemoryNetwork] connects any number of [MemoryTransport] endpoints in one
// process. Delivery is asynchronous and a seeded network can drop a
// fraction of packets, so lookups under loss can be exercised in tests.
package transport

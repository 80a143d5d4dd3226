package transport

import (
	"fmt"
	"math/rand"
	"net/netip"
	"sync"

	"github.com/opd-ai/mainline/limits"
)

// MemoryNetwork is an in-process datagram network. Endpoints attached to it
// exchange packets without sockets, and a configurable share of packets can
// be dropped to simulate loss. It is used by tests and local simulations.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[netip.AddrPort]*MemoryTransport
	dropRate  float64
	rng       *rand.Rand
	rngMu     sync.Mutex
	sent      uint64
	dropped   uint64
}

// NewMemoryNetwork creates a lossless network. seed drives the drop decisions.
func NewMemoryNetwork(seed int64) *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[netip.AddrPort]*MemoryTransport),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// SetDropRate sets the probability in [0, 1] that a packet is lost.
func (n *MemoryNetwork) SetDropRate(rate float64) {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	n.dropRate = rate
}

// Listen attaches a new endpoint at addr.
func (n *MemoryNetwork) Listen(addr netip.AddrPort) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.endpoints[addr]; exists {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	t := &MemoryTransport{network: n, addr: addr}
	n.endpoints[addr] = t
	return t, nil
}

// Stats returns the number of packets sent and dropped so far.
func (n *MemoryNetwork) Stats() (sent, dropped uint64) {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.sent, n.dropped
}

func (n *MemoryNetwork) shouldDrop() bool {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	n.sent++
	if n.dropRate > 0 && n.rng.Float64() < n.dropRate {
		n.dropped++
		return true
	}
	return false
}

func (n *MemoryNetwork) deliver(from, to netip.AddrPort, data []byte) {
	n.mu.RLock()
	dst := n.endpoints[to]
	n.mu.RUnlock()
	if dst == nil || n.shouldDrop() {
		return
	}

	packet := make([]byte, len(data))
	copy(packet, data)
	go dst.receive(packet, from)
}

func (n *MemoryNetwork) detach(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// MemoryTransport is one endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	addr    netip.AddrPort
	mu      sync.RWMutex
	handler PacketHandler
	closed  bool
}

// Send delivers data to addr asynchronously. Packets to unknown addresses
// vanish, as they would on a real network.
func (t *MemoryTransport) Send(data []byte, addr netip.AddrPort) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}
	t.network.deliver(t.addr, addr, data)
	return nil
}

// SetHandler installs the inbound datagram handler.
func (t *MemoryTransport) SetHandler(handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// LocalAddr returns the endpoint's address.
func (t *MemoryTransport) LocalAddr() netip.AddrPort {
	return t.addr
}

// Close detaches the endpoint from the network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.network.detach(t.addr)
	return nil
}

func (t *MemoryTransport) receive(data []byte, from netip.AddrPort) {
	t.mu.RLock()
	handler := t.handler
	closed := t.closed
	t.mu.RUnlock()
	if closed || handler == nil {
		return
	}
	handler(data, from)
}

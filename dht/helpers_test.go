package dht

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/transport"
	"github.com/stretchr/testify/require"
)

// mockClock is a controllable crypto.TimeProvider.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// idWithFirstByte returns an id whose first byte is b and whose remaining
// bytes are 0xAA.
func idWithFirstByte(b byte) crypto.NodeID {
	var id crypto.NodeID
	for i := range id {
		id[i] = 0xAA
	}
	id[0] = b
	return id
}

// strValue returns s as a bencoded BEP44 item.
func strValue(s string) []byte { return krpc.StringValue([]byte(s)) }

func testAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}), 6881)
}

func randomID(t *testing.T) crypto.NodeID {
	t.Helper()
	id, err := crypto.NewRandomNodeID()
	require.NoError(t, err)
	return id
}

// testConfig returns a configuration with short timeouts and maintenance
// switched off, so tests drive every periodic task themselves.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.QueryTimeout = 100 * time.Millisecond
	cfg.AutoRetries = -1
	cfg.ThrottlePackets = -1
	cfg.TransactionCeiling = 5 * time.Second
	cfg.LookupTimeout = 5 * time.Second
	cfg.Routers = nil
	cfg.Maintenance = &MaintenanceConfig{}
	return cfg
}

// recordingTransport captures sent datagrams instead of delivering them.
type recordingTransport struct {
	mu      sync.Mutex
	addr    netip.AddrPort
	sent    [][]byte
	to      []netip.AddrPort
	handler transport.PacketHandler
	sendErr error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{addr: netip.MustParseAddrPort("10.9.9.9:6881")}
}

func (r *recordingTransport) Send(data []byte, addr netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, append([]byte(nil), data...))
	r.to = append(r.to, addr)
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) LocalAddr() netip.AddrPort { return r.addr }

func (r *recordingTransport) SetHandler(h transport.PacketHandler) { r.handler = h }

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// decoded returns sent datagram i parsed back into a message.
func (r *recordingTransport) decoded(t *testing.T, i int) *krpc.Message {
	t.Helper()
	r.mu.Lock()
	data := r.sent[i]
	r.mu.Unlock()
	msg, err := krpc.Decode(data)
	require.NoError(t, err)
	return msg
}

// testNetwork is a set of servers attached to one in-memory network.
type testNetwork struct {
	net     *transport.MemoryNetwork
	servers []*Server
}

func newTestNetwork(t *testing.T, n int, configure func(i int, cfg *Config)) *testNetwork {
	t.Helper()
	tn := &testNetwork{net: transport.NewMemoryNetwork(1)}
	for i := 0; i < n; i++ {
		tn.add(t, i, configure)
	}
	t.Cleanup(func() {
		for _, s := range tn.servers {
			_ = s.Shutdown()
		}
	})
	return tn
}

func (tn *testNetwork) add(t *testing.T, i int, configure func(i int, cfg *Config)) *Server {
	t.Helper()
	mt, err := tn.net.Listen(testAddr(i + 1))
	require.NoError(t, err)
	cfg := testConfig()
	if configure != nil {
		configure(i, cfg)
	}
	s, err := NewServer(mt, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	tn.servers = append(tn.servers, s)
	return s
}

// meshAll tells every server about every other one.
func (tn *testNetwork) meshAll() {
	for _, s := range tn.servers {
		for _, o := range tn.servers {
			if s != o {
				s.RoutingTable().InsertOrUpdate(krpc.NodeInfo{ID: o.ID(), Addr: o.Addr()}, true)
			}
		}
	}
}

// closestIDs returns the count ids nearest to target among all servers
// except exclude.
func (tn *testNetwork) closestIDs(target crypto.NodeID, count int, exclude *Server) []crypto.NodeID {
	var ids []crypto.NodeID
	for _, s := range tn.servers {
		if s != exclude {
			ids = append(ids, s.ID())
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && crypto.Closer(target, ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	if len(ids) > count {
		ids = ids[:count]
	}
	return ids
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nodeIDs(infos []krpc.NodeInfo) []crypto.NodeID {
	out := make([]crypto.NodeID, len(infos))
	for i, n := range infos {
		out[i] = n.ID
	}
	return out
}

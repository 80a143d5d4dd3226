package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPVoter_Threshold(t *testing.T) {
	v := NewIPVoter(3)
	external := netip.MustParseAddr("203.0.113.77")

	assert.True(t, v.Add(netip.MustParseAddr("198.51.100.1"), external))
	assert.True(t, v.Add(netip.MustParseAddr("198.51.100.2"), external))
	_, ok := v.Best()
	assert.False(t, ok, "two votes are not enough")

	assert.False(t, v.Add(netip.MustParseAddr("198.51.100.2"), external), "one vote per voter")
	assert.True(t, v.Add(netip.MustParseAddr("198.51.100.3"), external))
	best, ok := v.Best()
	require.True(t, ok)
	assert.Equal(t, external, best)
}

func TestIPVoter_MajorityAndDecay(t *testing.T) {
	v := NewIPVoter(1)
	a := netip.MustParseAddr("203.0.113.1")
	b := netip.MustParseAddr("203.0.113.2")

	for i := 0; i < 4; i++ {
		v.Add(netip.AddrFrom4([4]byte{198, 51, 100, byte(i)}), a)
	}
	v.Add(netip.MustParseAddr("198.51.100.50"), b)
	best, _ := v.Best()
	assert.Equal(t, a, best)

	v.Decay()
	v.Decay()
	best, ok := v.Best()
	require.True(t, ok)
	assert.Equal(t, a, best, "4 halves twice to 1, b fades out")

	v.Decay()
	_, ok = v.Best()
	assert.False(t, ok)

	// Voters may vote again after a decay.
	assert.True(t, v.Add(netip.MustParseAddr("198.51.100.50"), b))
	best, _ = v.Best()
	assert.Equal(t, b, best)
}

func TestIPVoter_OnlyIPv4(t *testing.T) {
	v := NewIPVoter(1)
	assert.False(t, v.Add(netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("203.0.113.1")))
	assert.False(t, v.Add(netip.MustParseAddr("198.51.100.1"), netip.MustParseAddr("2001:db8::2")))
	assert.False(t, v.Add(netip.MustParseAddr("198.51.100.1"), netip.MustParseAddr("0.0.0.0")))
	assert.True(t, v.Add(netip.MustParseAddr("::ffff:198.51.100.1"), netip.MustParseAddr("::ffff:203.0.113.1")))
	best, ok := v.Best()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("203.0.113.1"), best)
}

// replyingNode listens at addr and answers every query with a response
// from id that reports the querier at claimed.
func replyingNode(t *testing.T, tn *testNetwork, addr netip.AddrPort, id crypto.NodeID, claimed netip.AddrPort) {
	t.Helper()
	mt, err := tn.net.Listen(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mt.Close() })
	mt.SetHandler(func(data []byte, from netip.AddrPort) {
		q, err := krpc.Decode(data)
		if err != nil || q.Kind != krpc.KindQuery {
			return
		}
		reply := krpc.NewResponse(q.TransactionID, &krpc.Return{ID: id})
		reply.ClientAddr = claimed
		if packet, err := krpc.Encode(reply); err == nil {
			_ = mt.Send(packet, from)
		}
	})
}

func TestServer_QuerierIDMustFitAddress(t *testing.T) {
	tn := newTestNetwork(t, 1, nil)
	s := tn.servers[0]
	ctx := testContext(t)

	public := netip.MustParseAddrPort("198.51.100.20:6881")
	a, err := tn.net.Listen(public)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	client := NewTransactionManager(a, testConfig())
	a.SetHandler(func(data []byte, from netip.AddrPort) {
		if msg, err := krpc.Decode(data); err == nil {
			client.HandleInbound(msg, from)
		}
	})

	forged := crypto.NodeID{}
	require.False(t, forged.ValidForIP(public.Addr()))
	_, err = client.Query(ctx, krpc.NewQuery(krpc.MethodPing, &krpc.Args{ID: forged}), s.Addr())
	require.NoError(t, err, "the query is still answered")
	assert.Zero(t, s.RoutingTable().Len(), "querier with a mismatched id is not stored")

	valid, err := crypto.NodeIDForIP(public.Addr())
	require.NoError(t, err)
	_, err = client.Query(ctx, krpc.NewQuery(krpc.MethodPing, &krpc.Args{ID: valid}), s.Addr())
	require.NoError(t, err)
	_, ok := s.RoutingTable().Get(valid)
	assert.True(t, ok)

	// Private addresses are exempt.
	private := tn.add(t, 1, nil)
	_, err = private.Ping(ctx, s.Addr())
	require.NoError(t, err)
	_, ok = s.RoutingTable().Get(private.ID())
	assert.True(t, ok)
}

func TestServer_ExternalIPVotingRegeneratesID(t *testing.T) {
	tn := newTestNetwork(t, 1, nil)
	s := tn.servers[0]
	ctx := testContext(t)
	events, unsubscribe := s.Subscribe(64)
	defer unsubscribe()

	external := netip.MustParseAddr("203.0.113.77")
	for i := 1; i <= 3; i++ {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{198, 51, 100, byte(i)}), 6881)
		id, err := crypto.NodeIDForIP(addr.Addr())
		require.NoError(t, err)
		replyingNode(t, tn, addr, id, netip.AddrPortFrom(external, 6881))

		_, err = s.Ping(ctx, addr)
		require.NoError(t, err)
	}

	// Votes are counted before the responder is stored.
	require.Eventually(t, func() bool { return s.RoutingTable().Len() == 3 }, time.Second, 5*time.Millisecond)
	voted, ok := s.ExternalIP()
	require.True(t, ok)
	assert.Equal(t, external, voted)

	old := s.ID()
	if old.ValidForIP(external) {
		t.Skip("random id already fits the voted address")
	}
	s.maintainer.checkExternalIP()

	id := s.ID()
	assert.NotEqual(t, old, id)
	assert.True(t, id.ValidForIP(external))
	assert.Equal(t, id, s.RoutingTable().SelfID())
	assert.Equal(t, 3, s.RoutingTable().Len(), "known nodes survive the re-key")

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != EventNodeIDChanged {
				continue
			}
			assert.Equal(t, id, e.NodeID)
			assert.Equal(t, external, e.ExternalIP)
			return
		case <-deadline:
			t.Fatal("no node id change event")
		}
	}
}

func TestServer_ExternalIPIgnoresInvalidVoters(t *testing.T) {
	tn := newTestNetwork(t, 1, nil)
	s := tn.servers[0]
	ctx := testContext(t)

	for i := 1; i <= 3; i++ {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{198, 51, 100, byte(i)}), 6881)
		replyingNode(t, tn, addr, crypto.NodeID{byte(i)}, netip.MustParseAddrPort("203.0.113.77:6881"))
		_, err := s.Ping(ctx, addr)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return s.RoutingTable().Len() == 3 }, time.Second, 5*time.Millisecond)
	_, ok := s.ExternalIP()
	assert.False(t, ok)

	old := s.ID()
	s.maintainer.checkExternalIP()
	assert.Equal(t, old, s.ID())
}

func TestRoutingTable_SetSelfID(t *testing.T) {
	rt := NewRoutingTable(idWithFirstByte(0x00), testConfig())
	var ids []crypto.NodeID
	for i := 0; i < 20; i++ {
		id := randomID(t)
		ids = append(ids, id)
		rt.InsertOrUpdate(krpc.NodeInfo{ID: id, Addr: testAddr(i + 1)}, true)
	}
	before := rt.Len()

	newID := ids[0]
	kept := rt.SetSelfID(newID)
	assert.Equal(t, newID, rt.SelfID())
	assert.Equal(t, kept, rt.Len())
	assert.LessOrEqual(t, kept, before)
	_, ok := rt.Get(newID)
	assert.False(t, ok, "the new self id is not kept as a contact")

	out := rt.InsertOrUpdate(krpc.NodeInfo{ID: newID, Addr: testAddr(99)}, true)
	assert.Equal(t, ReasonSelf, out.Reason)
}

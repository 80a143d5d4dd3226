package dht

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Ping(t *testing.T) {
	tn := newTestNetwork(t, 2, nil)
	a, b := tn.servers[0], tn.servers[1]

	id, err := a.Ping(testContext(t), b.Addr())
	require.NoError(t, err)
	assert.Equal(t, b.ID(), id)

	assert.Eventually(t, func() bool {
		n, ok := a.RoutingTable().Get(b.ID())
		return ok && n.Status == StatusGood
	}, time.Second, 10*time.Millisecond)
	n, ok := b.RoutingTable().Get(a.ID())
	require.True(t, ok, "queriers are recorded too")
	assert.Equal(t, StatusUnknown, n.Status)
}

func TestServer_AnnounceRequiresToken(t *testing.T) {
	tn := newTestNetwork(t, 2, nil)
	a, b := tn.servers[0], tn.servers[1]
	ctx := testContext(t)
	ih := randomID(t)

	var kerr *krpc.Error
	_, err := a.query(ctx, b.Addr(), krpc.MethodAnnouncePeer, &krpc.Args{ID: a.ID(), InfoHash: ih, Port: 7000})
	require.ErrorAs(t, err, &kerr, "announce without token")
	assert.Equal(t, krpc.ErrCodeProtocol, kerr.Code)

	_, err = a.query(ctx, b.Addr(), krpc.MethodAnnouncePeer, &krpc.Args{ID: a.ID(), InfoHash: ih, Port: 7000, Token: []byte("12345678")})
	require.ErrorAs(t, err, &kerr, "announce with forged token")
	assert.Equal(t, krpc.ErrCodeProtocol, kerr.Code)
	assert.Empty(t, b.PeerStorage().Lookup(ih))

	reply, err := a.query(ctx, b.Addr(), krpc.MethodGetPeers, &krpc.Args{ID: a.ID(), InfoHash: ih})
	require.NoError(t, err)
	token := reply.Return.Token
	require.Len(t, token, crypto.TokenSize)
	assert.Nil(t, reply.Return.Values)
	assert.NotNil(t, reply.Return.Nodes, "nodes are returned when no peers are known")
	assert.Equal(t, a.Addr(), reply.ClientAddr)

	_, err = a.query(ctx, b.Addr(), krpc.MethodAnnouncePeer, &krpc.Args{ID: a.ID(), InfoHash: ih, Port: 7000, Token: token})
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{netip.AddrPortFrom(a.Addr().Addr(), 7000)}, b.PeerStorage().Lookup(ih))

	_, err = a.query(ctx, b.Addr(), krpc.MethodAnnouncePeer, &krpc.Args{ID: a.ID(), InfoHash: ih, ImpliedPort: true, Token: token})
	require.NoError(t, err)

	reply, err = a.query(ctx, b.Addr(), krpc.MethodGetPeers, &krpc.Args{ID: a.ID(), InfoHash: ih})
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{a.Addr(), netip.AddrPortFrom(a.Addr().Addr(), 7000)}, reply.Return.Values)
}

func TestServer_AnnounceAndGetPeers(t *testing.T) {
	tn := newTestNetwork(t, 20, nil)
	tn.meshAll()
	ctx := testContext(t)
	ih := randomID(t)
	announcer := tn.servers[0]

	_, accepted, err := announcer.Announce(ctx, ih, 7000)
	require.NoError(t, err)
	assert.Equal(t, 8, accepted)

	peers, err := tn.servers[11].GetPeers(ctx, ih)
	require.NoError(t, err)
	assert.Contains(t, peers, netip.AddrPortFrom(announcer.Addr().Addr(), 7000))

	// A second announcer shows up for the first one.
	found, _, err := tn.servers[5].Announce(ctx, ih, 0)
	require.NoError(t, err)
	assert.Contains(t, found, netip.AddrPortFrom(announcer.Addr().Addr(), 7000))
}

func TestServer_PutGetImmutable(t *testing.T) {
	tn := newTestNetwork(t, 20, nil)
	tn.meshAll()
	ctx := testContext(t)
	value := strValue("Hello World!")

	target, stored, err := tn.servers[0].PutImmutable(ctx, value)
	require.NoError(t, err)
	assert.Equal(t, crypto.ImmutableTarget(value), target)
	assert.Equal(t, 8, stored)

	item, err := tn.servers[13].GetValue(ctx, target, nil)
	require.NoError(t, err)
	assert.Equal(t, value, item.Value)
	assert.False(t, item.Mutable)

	_, err = tn.servers[13].GetValue(ctx, randomID(t), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServer_PutGetMutable(t *testing.T) {
	tn := newTestNetwork(t, 20, nil)
	tn.meshAll()
	ctx := testContext(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	salt := []byte("foobar")
	writer, reader := tn.servers[0], tn.servers[9]

	target, stored, err := writer.PutMutable(ctx, MutableItem{Keys: kp, Salt: salt, Seq: 1, Value: strValue("first")})
	require.NoError(t, err)
	assert.Equal(t, crypto.MutableTarget(kp.Public, salt), target)
	assert.Equal(t, 8, stored)

	item, err := reader.GetValue(ctx, target, salt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Seq)
	assert.Equal(t, strValue("first"), item.Value)

	_, _, err = writer.PutMutable(ctx, MutableItem{Keys: kp, Salt: salt, Seq: 2, Value: strValue("second")})
	require.NoError(t, err)

	item, err = reader.GetValue(ctx, target, salt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), item.Seq)
	assert.Equal(t, strValue("second"), item.Value)

	_, stored, err = writer.PutMutable(ctx, MutableItem{Keys: kp, Salt: salt, Seq: 1, Value: strValue("stale")})
	assert.Error(t, err, "every holder rejects an older seq")
	assert.Zero(t, stored)

	wrong := int64(1)
	_, _, err = writer.PutMutable(ctx, MutableItem{Keys: kp, Salt: salt, Seq: 3, Value: strValue("cas"), CAS: &wrong})
	assert.Error(t, err, "cas against seq 2 fails everywhere")

	right := int64(2)
	_, _, err = writer.PutMutable(ctx, MutableItem{Keys: kp, Salt: salt, Seq: 3, Value: strValue("cas"), CAS: &right})
	assert.NoError(t, err)
}

func TestServer_PutRejectsOversizedValue(t *testing.T) {
	tn := newTestNetwork(t, 1, nil)
	_, _, err := tn.servers[0].PutImmutable(testContext(t), krpc.StringValue(bytes.Repeat([]byte("x"), 1000)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, _, err = tn.servers[0].PutMutable(testContext(t), MutableItem{Value: strValue("v")})
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)
}

func TestServer_GetFiltersBySeq(t *testing.T) {
	tn := newTestNetwork(t, 2, nil)
	a, b := tn.servers[0], tn.servers[1]
	ctx := testContext(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	value := strValue("v")
	sig := kp.SignMutable(nil, 5, value)
	require.NoError(t, b.ValueStorage().StoreMutable(&MutablePut{PublicKey: kp.Public, Seq: 5, Value: value, Signature: sig}))
	target := crypto.MutableTarget(kp.Public, nil)

	reply, err := a.query(ctx, b.Addr(), krpc.MethodGet, &krpc.Args{ID: a.ID(), Target: target})
	require.NoError(t, err)
	assert.Equal(t, value, reply.Return.Value)
	require.NotNil(t, reply.Return.Seq)
	assert.Equal(t, int64(5), *reply.Return.Seq)

	seq := int64(5)
	reply, err = a.query(ctx, b.Addr(), krpc.MethodGet, &krpc.Args{ID: a.ID(), Target: target, Seq: &seq})
	require.NoError(t, err)
	assert.Nil(t, reply.Return.Value, "requester already holds seq 5")
	assert.Equal(t, int64(5), *reply.Return.Seq)
	assert.NotEmpty(t, reply.Return.Token)
}

func TestServer_PutErrorCodes(t *testing.T) {
	tn := newTestNetwork(t, 2, nil)
	a, b := tn.servers[0], tn.servers[1]
	ctx := testContext(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	reply, err := a.query(ctx, b.Addr(), krpc.MethodGet, &krpc.Args{ID: a.ID(), Target: crypto.MutableTarget(kp.Public, nil)})
	require.NoError(t, err)
	token := reply.Return.Token

	put := func(seq int64, value []byte, sig crypto.Signature) error {
		_, err := a.query(ctx, b.Addr(), krpc.MethodPut, &krpc.Args{
			ID: a.ID(), Token: token, Value: value, Key: &kp.Public, Signature: &sig, Seq: &seq,
		})
		return err
	}
	code := func(err error) int {
		var kerr *krpc.Error
		require.ErrorAs(t, err, &kerr)
		return kerr.Code
	}

	require.NoError(t, put(2, strValue("v"), kp.SignMutable(nil, 2, strValue("v"))))
	assert.Equal(t, krpc.ErrCodeSeqTooLow, code(put(1, strValue("w"), kp.SignMutable(nil, 1, strValue("w")))))
	assert.Equal(t, krpc.ErrCodeInvalidSignature, code(put(3, strValue("w"), kp.SignMutable(nil, 3, strValue("x")))))
}

func TestServer_SampleInfoHashes(t *testing.T) {
	tn := newTestNetwork(t, 2, nil)
	a, b := tn.servers[0], tn.servers[1]
	ih := randomID(t)
	b.PeerStorage().Add(ih, peerAddr(1))

	res, err := a.SampleInfoHashes(testContext(t), b.Addr(), randomID(t))
	require.NoError(t, err)
	assert.Equal(t, []crypto.NodeID{ih}, res.Samples)
	assert.Equal(t, int64(1), res.Num)
	assert.Equal(t, int64(testConfig().SampleInterval/time.Second), res.Interval)
	assert.Equal(t, b.ID(), res.Node.ID)
}

func TestServer_ReadOnly(t *testing.T) {
	tn := newTestNetwork(t, 2, func(i int, cfg *Config) {
		cfg.ReadOnly = i == 1
		cfg.QueryTimeout = 50 * time.Millisecond
	})
	normal, ro := tn.servers[0], tn.servers[1]
	ctx := testContext(t)

	id, err := ro.Ping(ctx, normal.Addr())
	require.NoError(t, err)
	assert.Equal(t, normal.ID(), id)
	assert.Zero(t, normal.RoutingTable().Len(), "read-only queriers are not recorded")
	assert.Eventually(t, func() bool { return ro.RoutingTable().Len() == 1 }, time.Second, 10*time.Millisecond)

	_, err = normal.Ping(ctx, ro.Addr())
	assert.ErrorIs(t, err, ErrTransactionTimeout)
}

// rawEndpoint attaches a bare transport to the network and collects what
// it receives.
func rawEndpoint(t *testing.T, tn *testNetwork, i int) (send func([]byte, netip.AddrPort), recv <-chan *krpc.Message) {
	t.Helper()
	mt, err := tn.net.Listen(testAddr(i))
	require.NoError(t, err)
	ch := make(chan *krpc.Message, 4)
	mt.SetHandler(func(data []byte, _ netip.AddrPort) {
		if msg, err := krpc.Decode(data); err == nil {
			ch <- msg
		}
	})
	t.Cleanup(func() { _ = mt.Close() })
	return func(data []byte, to netip.AddrPort) { require.NoError(t, mt.Send(data, to)) }, ch
}

func TestServer_UnknownMethod(t *testing.T) {
	tn := newTestNetwork(t, 1, nil)
	s := tn.servers[0]
	send, recv := rawEndpoint(t, tn, 600)

	q := krpc.NewQuery("vote", &krpc.Args{ID: randomID(t)})
	q.TransactionID = []byte("zz")
	data, err := krpc.Encode(q)
	require.NoError(t, err)
	send(data, s.Addr())

	select {
	case reply := <-recv:
		assert.Equal(t, krpc.KindError, reply.Kind)
		assert.Equal(t, []byte("zz"), reply.TransactionID)
		assert.Equal(t, krpc.ErrCodeMethodUnknown, reply.Err.Code)
	case <-time.After(time.Second):
		t.Fatal("no reply to unknown method")
	}
}

func TestServer_MalformedQuery(t *testing.T) {
	tn := newTestNetwork(t, 1, nil)
	s := tn.servers[0]
	send, recv := rawEndpoint(t, tn, 601)

	send([]byte("d1:q4:ping1:t2:zz1:y1:qe"), s.Addr())
	select {
	case reply := <-recv:
		assert.Equal(t, krpc.KindError, reply.Kind)
		assert.Equal(t, []byte("zz"), reply.TransactionID)
		assert.Equal(t, krpc.ErrCodeProtocol, reply.Err.Code)
	case <-time.After(time.Second):
		t.Fatal("no reply to malformed query")
	}

	send([]byte("not bencode at all"), s.Addr())
	assert.Eventually(t, func() bool { return s.Stats().DecodeErrors == 2 }, time.Second, 10*time.Millisecond)
	select {
	case reply := <-recv:
		t.Fatalf("unexpected reply to garbage: %+v", reply)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_ShutdownCancelsLookups(t *testing.T) {
	tn := newTestNetwork(t, 1, func(i int, cfg *Config) { cfg.QueryTimeout = time.Hour })
	s := tn.servers[0]
	opts := LookupOptions{
		Target: randomID(t),
		Seeds:  []krpc.NodeInfo{{ID: randomID(t), Addr: testAddr(402)}},
	}

	results := make(chan *LookupResult, 1)
	go func() {
		res, _ := s.Lookup(context.Background(), opts)
		results <- res
	}()
	assert.Eventually(t, func() bool { return s.Stats().OutstandingTransactions == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown())
	select {
	case res := <-results:
		require.NotNil(t, res)
		assert.True(t, res.TimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup did not stop on shutdown")
	}

	_, err := s.Lookup(context.Background(), opts)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = s.Ping(context.Background(), testAddr(402))
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, s.Start(), ErrShutdown)
	assert.NoError(t, s.Shutdown())
}

func TestServer_Stats(t *testing.T) {
	tn := newTestNetwork(t, 2, nil)
	a, b := tn.servers[0], tn.servers[1]
	_, err := a.Ping(testContext(t), b.Addr())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return b.Stats().QueriesAnswered == 1 }, time.Second, 10*time.Millisecond)
	st := b.Stats()
	assert.Equal(t, b.ID(), st.ID)
	assert.Equal(t, b.Addr(), st.Addr)
	assert.Equal(t, 1, st.Routing.Nodes)
	assert.GreaterOrEqual(t, st.PacketsIn, uint64(1))
}

package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/mainline/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeerStorage(t *testing.T, configure func(*Config)) (*PeerStorage, *crypto.TokenAuthority, *mockClock) {
	t.Helper()
	clock := newMockClock()
	cfg := testConfig()
	cfg.TimeProvider = clock
	if configure != nil {
		configure(cfg)
	}
	tokens, err := crypto.NewTokenAuthority(cfg.TokenRotation, clock)
	require.NoError(t, err)
	return NewPeerStorage(tokens, cfg), tokens, clock
}

func peerAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, byte(i >> 8), byte(i)}), 51413)
}

func TestPeerStorage_AnnounceRequiresToken(t *testing.T) {
	ps, tokens, _ := newTestPeerStorage(t, nil)
	ih := randomID(t)
	requester := peerAddr(1)

	assert.ErrorIs(t, ps.Announce(ih, requester, nil, requester), ErrTokenInvalid)
	assert.ErrorIs(t, ps.Announce(ih, requester, tokens.Issue(peerAddr(2)), requester), ErrTokenInvalid)
	assert.Empty(t, ps.Lookup(ih))

	require.NoError(t, ps.Announce(ih, requester, tokens.Issue(requester), requester))
	assert.Equal(t, []netip.AddrPort{requester}, ps.Lookup(ih))
}

func TestPeerStorage_TokenSurvivesOneRotation(t *testing.T) {
	ps, tokens, _ := newTestPeerStorage(t, nil)
	ih := randomID(t)
	requester := peerAddr(1)
	token := tokens.Issue(requester)

	require.NoError(t, tokens.Rotate())
	assert.NoError(t, ps.Announce(ih, requester, token, requester))

	require.NoError(t, tokens.Rotate())
	assert.ErrorIs(t, ps.Announce(ih, requester, token, requester), ErrTokenInvalid)
}

func TestPeerStorage_LookupNewestFirst(t *testing.T) {
	ps, _, clock := newTestPeerStorage(t, nil)
	ih := randomID(t)

	for i := 0; i < 3; i++ {
		ps.Add(ih, peerAddr(i))
		clock.Advance(time.Second)
	}
	ps.Add(ih, peerAddr(0))

	assert.Equal(t, []netip.AddrPort{peerAddr(0), peerAddr(2), peerAddr(1)}, ps.Lookup(ih))
	assert.Equal(t, PeerStorageStats{InfoHashes: 1, Peers: 3}, ps.Stats())
}

func TestPeerStorage_Caps(t *testing.T) {
	ps, _, _ := newTestPeerStorage(t, func(cfg *Config) {
		cfg.MaxPeersPerTorrent = 5
		cfg.MaxPeersResponse = 3
		cfg.MaxTorrents = 2
	})
	ih := randomID(t)
	for i := 0; i < 10; i++ {
		ps.Add(ih, peerAddr(i))
	}

	assert.Equal(t, []netip.AddrPort{peerAddr(9), peerAddr(8), peerAddr(7)}, ps.Lookup(ih))
	assert.Equal(t, 5, ps.Stats().Peers)

	second, third := randomID(t), randomID(t)
	ps.Add(second, peerAddr(1))
	ps.Add(third, peerAddr(1))
	assert.Equal(t, 2, ps.Len())
	assert.Empty(t, ps.Lookup(ih), "oldest info-hash evicted")
	assert.Equal(t, []crypto.NodeID{third, second}, ps.InfoHashes(10))
	assert.Equal(t, []crypto.NodeID{third}, ps.InfoHashes(1))
}

func TestPeerStorage_Expire(t *testing.T) {
	ps, _, clock := newTestPeerStorage(t, nil)
	ttl := testConfig().PeerTTL
	ih, other := randomID(t), randomID(t)

	ps.Add(ih, peerAddr(1))
	ps.Add(other, peerAddr(2))
	clock.Advance(ttl / 2)
	ps.Add(ih, peerAddr(3))
	clock.Advance(ttl / 2)

	// Expired entries are hidden before the sweep runs.
	assert.Equal(t, []netip.AddrPort{peerAddr(3)}, ps.Lookup(ih))

	assert.Equal(t, 2, ps.Expire())
	assert.Equal(t, 1, ps.Len())
	assert.Empty(t, ps.Lookup(other))

	clock.Advance(ttl)
	assert.Equal(t, 1, ps.Expire())
	assert.Zero(t, ps.Len())
}

func TestPeerStorage_UnmapsPeers(t *testing.T) {
	ps, _, _ := newTestPeerStorage(t, nil)
	ih := randomID(t)
	p := peerAddr(1)
	mapped := netip.AddrPortFrom(netip.AddrFrom16(p.Addr().As16()), p.Port())

	ps.Add(ih, mapped)
	ps.Add(ih, p)
	assert.Equal(t, []netip.AddrPort{p}, ps.Lookup(ih))
}

func TestPeerStorage_InfoHashesSince(t *testing.T) {
	ps, _, clock := newTestPeerStorage(t, nil)
	old, recent, refreshed := randomID(t), randomID(t), randomID(t)

	ps.Add(old, peerAddr(1))
	ps.Add(refreshed, peerAddr(2))
	clock.Advance(time.Minute)
	mark := clock.Now()
	clock.Advance(time.Second)

	ps.Add(recent, peerAddr(3))
	clock.Advance(time.Second)
	ps.Add(refreshed, peerAddr(4))

	assert.Equal(t, []crypto.NodeID{refreshed, recent}, ps.InfoHashesSince(mark))
	assert.Equal(t, []crypto.NodeID{refreshed, recent, old}, ps.InfoHashesSince(time.Time{}))
	assert.Empty(t, ps.InfoHashesSince(clock.Now()))

	clock.Advance(testConfig().PeerTTL)
	assert.Empty(t, ps.InfoHashesSince(time.Time{}), "expired announces are not reported")
}

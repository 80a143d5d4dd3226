package dht

import (
	"net/netip"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/opd-ai/mainline/crypto"
	"github.com/sirupsen/logrus"
)

// Expirer is implemented by the TTL-bound stores the maintainer sweeps.
type Expirer interface {
	// Expire drops entries past their TTL and returns how many were removed.
	Expire() int
	// Len returns the number of top-level entries held.
	Len() int
}

// swarm holds the peers announced for one info-hash, oldest announce first.
type swarm struct {
	peers *orderedmap.OrderedMap[netip.AddrPort, time.Time]
}

// PeerStorage maps info-hashes to the peers announcing them. Both the
// info-hashes and the peers of each info-hash are kept in announce order so
// the stalest entry is always at the front for eviction and expiry.
type PeerStorage struct {
	mu           sync.Mutex
	swarms       *orderedmap.OrderedMap[crypto.NodeID, *swarm]
	tokens       *crypto.TokenAuthority
	ttl          time.Duration
	maxTorrents  int
	maxPeers     int
	maxResponse  int
	timeProvider crypto.TimeProvider
}

// PeerStorageStats summarizes the store.
type PeerStorageStats struct {
	InfoHashes int
	Peers      int
}

// NewPeerStorage creates an empty store whose announces are checked against tokens.
func NewPeerStorage(tokens *crypto.TokenAuthority, cfg *Config) *PeerStorage {
	cfg = cfg.withDefaults()
	return &PeerStorage{
		swarms:       orderedmap.NewOrderedMap[crypto.NodeID, *swarm](),
		tokens:       tokens,
		ttl:          cfg.PeerTTL,
		maxTorrents:  cfg.MaxTorrents,
		maxPeers:     cfg.MaxPeersPerTorrent,
		maxResponse:  cfg.MaxPeersResponse,
		timeProvider: cfg.TimeProvider,
	}
}

// Announce records peer for infoHash if token was issued to requester.
func (ps *PeerStorage) Announce(infoHash crypto.NodeID, peer netip.AddrPort, token []byte, requester netip.AddrPort) error {
	if ps.tokens == nil || !ps.tokens.Validate(token, requester) {
		logrus.WithFields(logrus.Fields{
			"function":  "Announce",
			"info_hash": infoHash.String(),
			"requester": requester.String(),
		}).Debug("Rejecting announce with invalid token")
		return ErrTokenInvalid
	}
	ps.Add(infoHash, peer)
	return nil
}

// Add records peer for infoHash without a token check. Re-adding a known
// peer refreshes its timestamp.
func (ps *PeerStorage) Add(infoHash crypto.NodeID, peer netip.AddrPort) {
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
	now := ps.timeProvider.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	s, ok := ps.swarms.Get(infoHash)
	if ok {
		ps.swarms.Delete(infoHash)
	} else {
		s = &swarm{peers: orderedmap.NewOrderedMap[netip.AddrPort, time.Time]()}
		for ps.swarms.Len() >= ps.maxTorrents {
			oldest := ps.swarms.Front()
			ps.swarms.Delete(oldest.Key)
		}
	}
	ps.swarms.Set(infoHash, s)

	s.peers.Delete(peer)
	s.peers.Set(peer, now)
	for s.peers.Len() > ps.maxPeers {
		s.peers.Delete(s.peers.Front().Key)
	}
}

// Lookup returns the live peers for infoHash, most recent announce first,
// capped at the response limit.
func (ps *PeerStorage) Lookup(infoHash crypto.NodeID) []netip.AddrPort {
	now := ps.timeProvider.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	s, ok := ps.swarms.Get(infoHash)
	if !ok {
		return nil
	}
	out := make([]netip.AddrPort, 0, min(s.peers.Len(), ps.maxResponse))
	for el := s.peers.Back(); el != nil && len(out) < ps.maxResponse; el = el.Prev() {
		if now.Sub(el.Value) >= ps.ttl {
			break
		}
		out = append(out, el.Key)
	}
	return out
}

// Expire drops peers not re-announced within the TTL and any info-hash
// left without peers.
func (ps *PeerStorage) Expire() int {
	now := ps.timeProvider.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	removed := 0
	var empty []crypto.NodeID
	for el := ps.swarms.Front(); el != nil; el = el.Next() {
		peers := el.Value.peers
		for front := peers.Front(); front != nil && now.Sub(front.Value) >= ps.ttl; front = peers.Front() {
			peers.Delete(front.Key)
			removed++
		}
		if peers.Len() == 0 {
			empty = append(empty, el.Key)
		}
	}
	for _, ih := range empty {
		ps.swarms.Delete(ih)
	}
	return removed
}

// Len returns the number of info-hashes with stored peers.
func (ps *PeerStorage) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.swarms.Len()
}

// InfoHashes returns up to limit stored info-hashes, most recently
// announced first.
func (ps *PeerStorage) InfoHashes(limit int) []crypto.NodeID {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	out := make([]crypto.NodeID, 0, min(limit, ps.swarms.Len()))
	for el := ps.swarms.Back(); el != nil && len(out) < limit; el = el.Prev() {
		out = append(out, el.Key)
	}
	return out
}

// InfoHashesSince returns the info-hashes that received an announce after
// newerThan and still have live peers, most recent first.
func (ps *PeerStorage) InfoHashesSince(newerThan time.Time) []crypto.NodeID {
	now := ps.timeProvider.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	var out []crypto.NodeID
	for el := ps.swarms.Back(); el != nil; el = el.Prev() {
		latest := el.Value.peers.Back()
		if latest == nil {
			continue
		}
		if !latest.Value.After(newerThan) || now.Sub(latest.Value) >= ps.ttl {
			break
		}
		out = append(out, el.Key)
	}
	return out
}

// Stats returns a snapshot of the store size.
func (ps *PeerStorage) Stats() PeerStorageStats {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	s := PeerStorageStats{InfoHashes: ps.swarms.Len()}
	for el := ps.swarms.Front(); el != nil; el = el.Next() {
		s.Peers += el.Value.peers.Len()
	}
	return s
}

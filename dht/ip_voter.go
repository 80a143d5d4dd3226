package dht

import (
	"net/netip"
	"sync"
)

// IPVoter tallies the external IPv4 address that responding nodes report
// seeing us at. Every remote address is counted at most once between two
// decays, and Decay halves all weights so stale opinions fade out.
type IPVoter struct {
	mu       sync.Mutex
	weights  map[netip.Addr]int
	voted    map[netip.Addr]struct{}
	minVotes int
}

// NewIPVoter creates a voter that reports an address once it has at least
// minVotes of weight.
func NewIPVoter(minVotes int) *IPVoter {
	if minVotes <= 0 {
		minVotes = 1
	}
	return &IPVoter{
		weights:  make(map[netip.Addr]int),
		voted:    make(map[netip.Addr]struct{}),
		minVotes: minVotes,
	}
}

// Add records that voter claims we are reachable at claimed. Only IPv4
// votes from IPv4 voters count.
func (v *IPVoter) Add(voter, claimed netip.Addr) bool {
	voter, claimed = voter.Unmap(), claimed.Unmap()
	if !voter.Is4() || !claimed.Is4() || claimed.IsUnspecified() {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.voted[voter]; ok {
		return false
	}
	v.voted[voter] = struct{}{}
	v.weights[claimed]++
	return true
}

// Decay halves every weight, drops addresses that reach zero and lets every
// voter vote again.
func (v *IPVoter) Decay() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for ip, w := range v.weights {
		if w /= 2; w == 0 {
			delete(v.weights, ip)
		} else {
			v.weights[ip] = w
		}
	}
	clear(v.voted)
}

// Best returns the address with the most weight, if it has enough. Ties go
// to the lower address.
func (v *IPVoter) Best() (netip.Addr, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var best netip.Addr
	bestWeight := 0
	for ip, w := range v.weights {
		if w > bestWeight || (w == bestWeight && ip.Less(best)) {
			best, bestWeight = ip, w
		}
	}
	if bestWeight < v.minVotes {
		return netip.Addr{}, false
	}
	return best, true
}

package internal

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/dht"
)

// Scenario is a single check run against a bootstrapped cluster. Metrics
// returned alongside a nil error are attached to the step result.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, c *Cluster) (map[string]interface{}, error)
}

// DefaultScenarios returns the checks run by the testnet command.
func DefaultScenarios(minTable int) []Scenario {
	return []Scenario{
		{Name: "bootstrap", Run: checkRoutingTables(minTable)},
		{Name: "announce", Run: announceAndFind},
		{Name: "immutable", Run: immutableRoundTrip},
		{Name: "mutable", Run: mutableUpdate},
	}
}

func checkRoutingTables(minTable int) func(context.Context, *Cluster) (map[string]interface{}, error) {
	return func(_ context.Context, c *Cluster) (map[string]interface{}, error) {
		smallest := -1
		for i, p := range c.Peers() {
			n := p.Server().RoutingTable().Len()
			if n < minTable {
				return nil, fmt.Errorf("peer %d knows %d nodes, want at least %d", i, n, minTable)
			}
			if smallest < 0 || n < smallest {
				smallest = n
			}
		}
		return map[string]interface{}{"smallest_table": smallest}, nil
	}
}

func farthestPeer(c *Cluster, from int) int {
	peers := c.Peers()
	src := peers[from].Server().ID()
	best, bestDist := from, crypto.NodeID{}
	for i, p := range peers {
		if i == from {
			continue
		}
		d := crypto.Distance(src, p.Server().ID())
		if best == from || bestDist.Less(d) {
			best, bestDist = i, d
		}
	}
	return best
}

const announcedPort = 6881

func announceAndFind(ctx context.Context, c *Cluster) (map[string]interface{}, error) {
	infoHash, err := crypto.NewRandomNodeID()
	if err != nil {
		return nil, err
	}
	announcer := c.Peer(0).Server()
	_, accepted, err := announcer.Announce(ctx, infoHash, announcedPort)
	if err != nil {
		return nil, fmt.Errorf("announce: %w", err)
	}
	if accepted == 0 {
		return nil, fmt.Errorf("announce accepted by no node")
	}

	seeker := c.Peer(farthestPeer(c, 0)).Server()
	peers, err := seeker.GetPeers(ctx, infoHash)
	if err != nil {
		return nil, fmt.Errorf("get_peers: %w", err)
	}
	want := netip.AddrPortFrom(announcer.Addr().Addr(), announcedPort)
	for _, p := range peers {
		if p == want {
			return map[string]interface{}{"accepted": accepted, "peers": len(peers)}, nil
		}
	}
	return nil, fmt.Errorf("announced peer %s not among %d peers found", want, len(peers))
}

func immutableRoundTrip(ctx context.Context, c *Cluster) (map[string]interface{}, error) {
	value := []byte("12:Hello World!")
	target, stored, err := c.Peer(0).Server().PutImmutable(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("put: %w", err)
	}

	item, err := c.Peer(farthestPeer(c, 0)).Server().GetValue(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if !bytes.Equal(item.Value, value) {
		return nil, fmt.Errorf("got value %q, want %q", item.Value, value)
	}
	return map[string]interface{}{"stored": stored, "target": target.String()}, nil
}

func mutableUpdate(ctx context.Context, c *Cluster) (map[string]interface{}, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	writer := c.Peer(0).Server()
	salt := []byte("testnet")

	var target crypto.NodeID
	for seq, v := range []string{"1:a", "1:b"} {
		cas := (*int64)(nil)
		if seq > 0 {
			prev := int64(seq - 1)
			cas = &prev
		}
		target, _, err = writer.PutMutable(ctx, dht.MutableItem{
			Keys:  keys,
			Salt:  salt,
			Seq:   int64(seq),
			Value: []byte(v),
			CAS:   cas,
		})
		if err != nil {
			return nil, fmt.Errorf("put seq %d: %w", seq, err)
		}
	}

	// A full lookup rather than GetValue, so that a node still holding seq 0
	// cannot end the search early.
	res, err := c.Peer(farthestPeer(c, 0)).Server().Lookup(ctx, dht.LookupOptions{
		Kind:   dht.LookupGet,
		Target: target,
		Salt:   salt,
	})
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	item := res.Value
	if item == nil {
		return nil, fmt.Errorf("get: %w", dht.ErrNotFound)
	}
	if item.Seq != 1 || string(item.Value) != "1:b" {
		return nil, fmt.Errorf("got seq %d value %q, want seq 1 value \"1:b\"", item.Seq, item.Value)
	}
	return map[string]interface{}{"seq": item.Seq, "target": target.String()}, nil
}

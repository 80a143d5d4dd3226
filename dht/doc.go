// Package dht implements a BitTorrent mainline DHT node: the Kademlia
// routing table, KRPC query correlation, iterative lookups, the get_peers /
// announce_peer peer store and the BEP44 get / put value store.
//
// # Architecture
//
// A Server ties the components together around one transport:
//
//   - RoutingTable: k-buckets split around the local id, with replacement caches
//   - TransactionManager: matches replies to outstanding queries, retries with backoff
//   - PeerStorage: announced peers per info-hash, with TTL and caps
//   - ValueStorage: immutable and signed mutable items
//   - BootstrapManager: joins the network through router nodes
//   - Maintainer: refreshes buckets, pings quiet nodes, expires state
//
// Write tokens are issued and checked by crypto.TokenAuthority.
//
// # Usage
//
//	udp, err := transport.NewUDPTransport("0.0.0.0:6881")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := dht.NewServer(udp, dht.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown()
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	_ = srv.Bootstrap(ctx)
//	peers, err := srv.GetPeers(ctx, infoHash)
//
// # Routing Table
//
// The table starts as one bucket covering the whole keyspace. A full bucket
// splits only when it covers the local id; elsewhere newcomers wait in the
// bucket's replacement cache and the stalest member is pinged. A member that
// fails to answer is evicted with MarkBad and the freshest replacement
// takes its slot.
//
// # Lookups
//
// Lookup keeps the K closest candidates seen so far and queries up to Alpha
// of them at a time. It ends when every candidate in that set has answered
// or failed, when the query budget is spent, or when the context ends. A
// cancelled lookup returns what it has with TimedOut set.
//
// # Node Status
//
//	const (
//	    StatusUnknown NodeStatus = iota  // heard from, never answered us
//	    StatusBad                        // failed to answer, evicted
//	    StatusGood                       // answered one of our queries
//	)
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package dht

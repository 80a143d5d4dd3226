// Package mainline runs a BitTorrent mainline DHT node on a UDP socket.
//
// It is a thin facade over the dht package: it turns Options (built in
// code, or loaded from MAINLINE_* environment variables and .env files)
// into a dht.Config, binds the socket and starts the server.
//
// # Getting Started
//
//	options, err := mainline.LoadOptionsFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node, err := mainline.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	if err := node.Bootstrap(context.Background()); err != nil {
//	    log.Printf("bootstrap: %v", err)
//	}
//	peers, err := node.Server().GetPeers(ctx, infoHash)
//
// # Environment
//
//	MAINLINE_LISTEN_ADDR        UDP address to bind (default 0.0.0.0:6881)
//	MAINLINE_NODE_ID            hex node id (default random)
//	MAINLINE_ROUTERS            comma separated host:port bootstrap routers
//	MAINLINE_READ_ONLY          true to never answer queries
//	MAINLINE_K, MAINLINE_ALPHA  bucket size and lookup parallelism
//	MAINLINE_QUERY_TIMEOUT      e.g. 2s
//	MAINLINE_LOOKUP_TIMEOUT     e.g. 30s
//	MAINLINE_BOOTSTRAP_TIMEOUT  e.g. 30s
//	MAINLINE_LOG_LEVEL          logrus level name
package mainline

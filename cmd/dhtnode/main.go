// Command dhtnode runs a mainline DHT node. It can optionally announce an
// info-hash, look one up, or store and fetch a BEP44 item before settling
// into serving the network until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/mainline"
	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	envFile       string
	listen        string
	nodeID        string
	routers       string
	readOnly      bool
	logLevel      string
	announce      string
	port          int
	lookup        string
	put           string
	get           string
	statsInterval time.Duration
	once          bool
}

func parseCLIFlags(args []string) (*CLIConfig, map[string]bool, error) {
	fs := flag.NewFlagSet("dhtnode", flag.ContinueOnError)
	c := &CLIConfig{}

	fs.StringVar(&c.envFile, "env", "", "dotenv file with MAINLINE_* settings (default ./.env)")
	fs.StringVar(&c.listen, "listen", "0.0.0.0:6881", "UDP address to bind")
	fs.StringVar(&c.nodeID, "id", "", "hex node id (default random)")
	fs.StringVar(&c.routers, "routers", "", "comma separated bootstrap routers")
	fs.BoolVar(&c.readOnly, "read-only", false, "never answer queries")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	fs.StringVar(&c.announce, "announce", "", "hex info-hash to announce")
	fs.IntVar(&c.port, "port", 0, "port to announce (0 uses the source port)")
	fs.StringVar(&c.lookup, "lookup", "", "hex info-hash to find peers for")
	fs.StringVar(&c.put, "put", "", "store this string as an immutable item")
	fs.StringVar(&c.get, "get", "", "hex target of an immutable item to fetch")

	fs.DurationVar(&c.statsInterval, "stats", time.Minute, "interval between stats log lines (0 disables)")
	fs.BoolVar(&c.once, "once", false, "exit after the requested operations")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return c, set, nil
}

// buildOptions loads the environment and lets explicitly set flags win.
func buildOptions(c *CLIConfig, set map[string]bool) (*mainline.Options, error) {
	var files []string
	if c.envFile != "" {
		files = append(files, c.envFile)
	}
	o, err := mainline.LoadOptionsFromEnv(files...)
	if err != nil {
		return nil, err
	}
	if set["listen"] {
		o.ListenAddr = c.listen
	}
	if set["id"] {
		o.NodeID = c.nodeID
	}
	if set["routers"] {
		o.Routers = nil
		for _, r := range strings.Split(c.routers, ",") {
			if r = strings.TrimSpace(r); r != "" {
				o.Routers = append(o.Routers, r)
			}
		}
	}
	if set["read-only"] {
		o.ReadOnly = c.readOnly
	}
	if set["log-level"] || o.LogLevel == "" {
		o.LogLevel = c.logLevel
	}
	return o, nil
}

func main() {
	c, set, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(c, set); err != nil {
		fmt.Fprintf(os.Stderr, "dhtnode: %v\n", err)
		os.Exit(1)
	}
}

func run(c *CLIConfig, set map[string]bool) error {
	options, err := buildOptions(c, set)
	if err != nil {
		return err
	}
	node, err := mainline.New(options)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Bootstrap(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Warn("Bootstrap incomplete")
	}

	if err := runOperations(ctx, node, c); err != nil {
		return err
	}
	if c.once {
		return nil
	}

	var ticker <-chan time.Time
	if c.statsInterval > 0 {
		t := time.NewTicker(c.statsInterval)
		defer t.Stop()
		ticker = t.C
	}
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Shutting down")
			return nil
		case <-ticker:
			logStats(node)
		}
	}
}

func runOperations(ctx context.Context, node *mainline.Node, c *CLIConfig) error {
	srv := node.Server()

	if c.announce != "" {
		ih, err := crypto.NodeIDFromHex(c.announce)
		if err != nil {
			return fmt.Errorf("announce: %w", err)
		}
		peers, accepted, err := srv.Announce(ctx, ih, c.port)
		if err != nil {
			return fmt.Errorf("announce: %w", err)
		}
		fmt.Printf("announced %s to %d nodes, %d peers known\n", ih, accepted, len(peers))
	}

	if c.lookup != "" {
		ih, err := crypto.NodeIDFromHex(c.lookup)
		if err != nil {
			return fmt.Errorf("lookup: %w", err)
		}
		peers, err := srv.GetPeers(ctx, ih)
		if err != nil {
			return fmt.Errorf("lookup: %w", err)
		}
		for _, p := range peers {
			fmt.Println(p)
		}
	}

	if c.put != "" {
		target, stored, err := srv.PutImmutable(ctx, krpc.StringValue([]byte(c.put)))
		if err != nil {
			return fmt.Errorf("put: %w", err)
		}
		fmt.Printf("stored %s on %d nodes\n", target, stored)
	}

	if c.get != "" {
		target, err := crypto.NodeIDFromHex(c.get)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		item, err := srv.GetValue(ctx, target, nil)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		fmt.Printf("%s\n", item.Value)
	}
	return nil
}

func logStats(node *mainline.Node) {
	st := node.Server().Stats()
	logrus.WithFields(logrus.Fields{
		"function":     "logStats",
		"nodes":        st.Routing.Nodes,
		"buckets":      st.Routing.Buckets,
		"good":         st.Routing.Good,
		"torrents":     st.Peers.InfoHashes,
		"values":       st.Values,
		"transactions": st.OutstandingTransactions,
		"packets_in":   st.PacketsIn,
	}).Info("Node stats")
}

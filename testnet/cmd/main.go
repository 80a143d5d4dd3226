// Command testnet starts a local mainline DHT network on loopback UDP and
// checks bootstrap, announce/get_peers and BEP44 storage end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/opd-ai/mainline/testnet/internal"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	address          string
	peers            int
	overallTimeout   time.Duration
	bootstrapTimeout time.Duration
	queryTimeout     time.Duration
	stepTimeout      time.Duration
	minTable         int
	logLevel         string
	logFile          string
	verbose          bool
	help             bool
}

func parseCLIFlags(args []string, out io.Writer) (*CLIConfig, *flag.FlagSet, error) {
	config := &CLIConfig{}
	fs := flag.NewFlagSet("testnet", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&config.address, "address", "127.0.0.1", "Address every node binds to")
	fs.IntVar(&config.peers, "peers", 12, "Number of peers besides the router")

	fs.DurationVar(&config.overallTimeout, "overall-timeout", 2*time.Minute, "Overall run timeout")
	fs.DurationVar(&config.bootstrapTimeout, "bootstrap-timeout", 10*time.Second, "Per-peer bootstrap timeout")
	fs.DurationVar(&config.queryTimeout, "query-timeout", time.Second, "KRPC query timeout")
	fs.DurationVar(&config.stepTimeout, "step-timeout", 20*time.Second, "Timeout of each scenario")
	fs.IntVar(&config.minTable, "min-table", 4, "Smallest acceptable routing table after bootstrap")

	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&config.logFile, "log-file", "", "Log file path (default: stderr)")
	fs.BoolVar(&config.verbose, "verbose", true, "Include step metrics in the report")

	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return config, fs, nil
}

func printUsage(fs *flag.FlagSet, out io.Writer) {
	fmt.Fprintln(out, "Mainline DHT local testnet")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Starts a router and a set of peers on loopback, bootstraps them and runs")
	fmt.Fprintln(out, "the bootstrap, announce, immutable and mutable scenarios.")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintf(out, "  %s [options]\n\n", fs.Name())
	fmt.Fprintln(out, "Options:")
	fs.SetOutput(out)
	fs.PrintDefaults()
}

func validateCLIConfig(config *CLIConfig) error {
	if config.address == "" {
		return errors.New("address cannot be empty")
	}
	if config.peers < 2 {
		return fmt.Errorf("need at least 2 peers, got %d", config.peers)
	}
	if config.overallTimeout <= 0 || config.stepTimeout <= 0 || config.bootstrapTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

func createTestConfig(c *CLIConfig) *internal.TestConfig {
	return &internal.TestConfig{
		Address:          c.address,
		Peers:            c.peers,
		OverallTimeout:   c.overallTimeout,
		BootstrapTimeout: c.bootstrapTimeout,
		QueryTimeout:     c.queryTimeout,
		StepTimeout:      c.stepTimeout,
		MinRoutingTable:  c.minTable,
		LogLevel:         c.logLevel,
		LogFile:          c.logFile,
		VerboseOutput:    c.verbose,
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cliConfig, fs, err := parseCLIFlags(args, stderr)
	if err != nil {
		return 2
	}
	if cliConfig.help {
		printUsage(fs, stdout)
		return 0
	}
	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}

	orchestrator, err := internal.NewTestOrchestrator(createTestConfig(cliConfig))
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create orchestrator: %v\n", err)
		return 1
	}
	if err := orchestrator.ValidateConfiguration(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	results, err := orchestrator.RunTests(ctx)
	if results != nil {
		fmt.Fprintf(stdout, "Summary: %d steps, %d passed, %d failed, %d skipped (%v)\n",
			results.TotalTests, results.PassedTests, results.FailedTests, results.SkippedTests,
			results.ExecutionTime.Round(time.Millisecond))
	}
	if err != nil {
		fmt.Fprintf(stderr, "Testnet failed: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

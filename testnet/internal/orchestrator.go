package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opd-ai/mainline"
	"github.com/sirupsen/logrus"
)

// TestOrchestrator starts a cluster, bootstraps it and runs the scenarios.
type TestOrchestrator struct {
	config    *TestConfig
	logger    *logrus.Logger
	startTime time.Time
	results   *TestResults
	scenarios []Scenario
}

// TestConfig holds configuration for a testnet run.
type TestConfig struct {
	Address string
	Peers   int

	OverallTimeout   time.Duration
	BootstrapTimeout time.Duration
	QueryTimeout     time.Duration
	StepTimeout      time.Duration

	// MinRoutingTable is the smallest routing table the bootstrap check accepts.
	MinRoutingTable int

	LogLevel      string
	LogFile       string
	VerboseOutput bool
}

// TestResults holds the outcome of a run.
type TestResults struct {
	TotalTests    int
	PassedTests   int
	FailedTests   int
	SkippedTests  int
	ExecutionTime time.Duration
	TestSteps     []TestStepResult
	FinalStatus   TestStatus
	ErrorDetails  string
}

// TestStepResult is the outcome of one scenario.
type TestStepResult struct {
	StepName      string
	Status        TestStatus
	ExecutionTime time.Duration
	ErrorMessage  string
	Metrics       map[string]interface{}
}

// TestStatus is the state of a run or a step.
type TestStatus int

const (
	TestStatusPending TestStatus = iota
	TestStatusRunning
	TestStatusPassed
	TestStatusFailed
	TestStatusSkipped
	TestStatusTimeout
)

var statusNames = [...]string{
	TestStatusPending: "PENDING",
	TestStatusRunning: "RUNNING",
	TestStatusPassed:  "PASSED",
	TestStatusFailed:  "FAILED",
	TestStatusSkipped: "SKIPPED",
	TestStatusTimeout: "TIMEOUT",
}

func (ts TestStatus) String() string {
	if ts < 0 || int(ts) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[ts]
}

// DefaultTestConfig returns the configuration used by the testnet command.
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		Address:          "127.0.0.1",
		Peers:            12,
		OverallTimeout:   2 * time.Minute,
		BootstrapTimeout: 10 * time.Second,
		QueryTimeout:     time.Second,
		StepTimeout:      20 * time.Second,
		MinRoutingTable:  4,
		LogLevel:         "info",
		VerboseOutput:    true,
	}
}

// NewTestOrchestrator creates an orchestrator. A nil config uses
// DefaultTestConfig.
func NewTestOrchestrator(config *TestConfig) (*TestOrchestrator, error) {
	if config == nil {
		config = DefaultTestConfig()
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(level)
	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
	}

	return &TestOrchestrator{
		config: config,
		logger: logger,
		results: &TestResults{
			TestSteps:   make([]TestStepResult, 0),
			FinalStatus: TestStatusPending,
		},
		scenarios: DefaultScenarios(config.MinRoutingTable),
	}, nil
}

// SetOutput redirects the orchestrator's report.
func (to *TestOrchestrator) SetOutput(w io.Writer) { to.logger.SetOutput(w) }

// ValidateConfiguration checks the configuration before a run.
func (to *TestOrchestrator) ValidateConfiguration() error {
	c := to.config
	switch {
	case c.Address == "":
		return errors.New("address cannot be empty")
	case c.Peers < 2:
		return fmt.Errorf("need at least 2 peers, got %d", c.Peers)
	case c.OverallTimeout <= 0:
		return errors.New("overall timeout must be positive")
	case c.BootstrapTimeout <= 0:
		return errors.New("bootstrap timeout must be positive")
	case c.StepTimeout <= 0:
		return errors.New("step timeout must be positive")
	case c.MinRoutingTable < 1 || c.MinRoutingTable > c.Peers:
		return fmt.Errorf("minimum routing table must be between 1 and %d", c.Peers)
	}
	return nil
}

// RunTests starts the cluster and runs every scenario. The returned error
// is non-nil when the cluster could not be brought up or a step failed.
func (to *TestOrchestrator) RunTests(ctx context.Context) (*TestResults, error) {
	to.startTime = time.Now()
	to.results.FinalStatus = TestStatusRunning
	to.logger.WithFields(logrus.Fields{
		"function": "RunTests",
		"peers":    to.config.Peers,
		"address":  to.config.Address,
	}).Info("Starting mainline testnet")

	ctx, cancel := context.WithTimeout(ctx, to.config.OverallTimeout)
	defer cancel()

	err := to.executeTestWorkflow(ctx)
	to.results.ExecutionTime = time.Since(to.startTime)

	switch {
	case err != nil:
		to.results.FinalStatus = TestStatusFailed
		to.results.ErrorDetails = err.Error()
	case to.results.FailedTests > 0:
		to.results.FinalStatus = TestStatusFailed
		err = fmt.Errorf("%d of %d steps failed", to.results.FailedTests, to.results.TotalTests)
		to.results.ErrorDetails = err.Error()
	default:
		to.results.FinalStatus = TestStatusPassed
	}

	to.generateFinalReport()
	return to.results, err
}

func (to *TestOrchestrator) executeTestWorkflow(ctx context.Context) error {
	cluster, err := NewCluster(ClusterConfig{
		Address: to.config.Address,
		Peers:   to.config.Peers,
		Template: mainline.Options{
			K:                8,
			Alpha:            3,
			QueryTimeout:     to.config.QueryTimeout,
			LookupTimeout:    to.config.StepTimeout,
			BootstrapTimeout: to.config.BootstrapTimeout,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := cluster.Close(); err != nil {
			to.logger.WithError(err).Warn("Cluster shutdown reported errors")
		}
	}()

	if err := cluster.Bootstrap(ctx); err != nil {
		return err
	}

	for _, sc := range to.scenarios {
		if ctx.Err() != nil {
			to.recordStep(TestStepResult{StepName: sc.Name, Status: TestStatusSkipped})
			continue
		}
		to.runStep(ctx, cluster, sc)
	}
	return nil
}

func (to *TestOrchestrator) runStep(ctx context.Context, c *Cluster, sc Scenario) {
	stepCtx, cancel := context.WithTimeout(ctx, to.config.StepTimeout)
	defer cancel()

	start := time.Now()
	metrics, err := sc.Run(stepCtx, c)
	step := TestStepResult{
		StepName:      sc.Name,
		Status:        TestStatusPassed,
		ExecutionTime: time.Since(start),
		Metrics:       metrics,
	}
	if err != nil {
		step.Status = TestStatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			step.Status = TestStatusTimeout
		}
		step.ErrorMessage = err.Error()
	}
	to.recordStep(step)
}

func (to *TestOrchestrator) recordStep(step TestStepResult) {
	to.results.TestSteps = append(to.results.TestSteps, step)
	to.results.TotalTests++
	switch step.Status {
	case TestStatusPassed:
		to.results.PassedTests++
	case TestStatusSkipped:
		to.results.SkippedTests++
	default:
		to.results.FailedTests++
	}

	entry := to.logger.WithFields(logrus.Fields{
		"step":     step.StepName,
		"status":   step.Status.String(),
		"duration": step.ExecutionTime,
	})
	if to.config.VerboseOutput {
		entry = entry.WithFields(logrus.Fields(step.Metrics))
	}
	if step.ErrorMessage != "" {
		entry.Error(step.ErrorMessage)
		return
	}
	entry.Info("Step finished")
}

func (to *TestOrchestrator) generateFinalReport() {
	r := to.results
	to.logger.WithFields(logrus.Fields{
		"status":   r.FinalStatus.String(),
		"total":    r.TotalTests,
		"passed":   r.PassedTests,
		"failed":   r.FailedTests,
		"skipped":  r.SkippedTests,
		"duration": r.ExecutionTime,
	}).Info("Testnet finished")
}

// GetResults returns the results collected so far.
func (to *TestOrchestrator) GetResults() *TestResults { return to.results }

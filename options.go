package mainline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/dht"
	"github.com/sirupsen/logrus"
)

// Options contains the settings a node is created with.
type Options struct {
	// ListenAddr is the UDP address to bind, e.g. "0.0.0.0:6881".
	ListenAddr string
	// NodeID is a 40 character hex id. Empty means random.
	NodeID string
	// Routers are host:port bootstrap nodes.
	Routers  []string
	ReadOnly bool

	K                int
	Alpha            int
	QueryTimeout     time.Duration
	LookupTimeout    time.Duration
	BootstrapTimeout time.Duration

	// LogLevel is a logrus level name. Empty leaves the global level alone.
	LogLevel string
}

// NewOptions creates a new Options instance with default values.
func NewOptions() *Options {
	cfg := dht.DefaultConfig()
	return &Options{
		ListenAddr:       "0.0.0.0:6881",
		Routers:          cfg.Routers,
		K:                cfg.K,
		Alpha:            cfg.Alpha,
		QueryTimeout:     cfg.QueryTimeout,
		LookupTimeout:    cfg.LookupTimeout,
		BootstrapTimeout: 30 * time.Second,
	}
}

// Environment variables read by LoadOptionsFromEnv.
const (
	EnvListenAddr       = "MAINLINE_LISTEN_ADDR"
	EnvNodeID           = "MAINLINE_NODE_ID"
	EnvRouters          = "MAINLINE_ROUTERS"
	EnvReadOnly         = "MAINLINE_READ_ONLY"
	EnvK                = "MAINLINE_K"
	EnvAlpha            = "MAINLINE_ALPHA"
	EnvQueryTimeout     = "MAINLINE_QUERY_TIMEOUT"
	EnvLookupTimeout    = "MAINLINE_LOOKUP_TIMEOUT"
	EnvBootstrapTimeout = "MAINLINE_BOOTSTRAP_TIMEOUT"
	EnvLogLevel         = "MAINLINE_LOG_LEVEL"
)

// LoadOptionsFromEnv starts from NewOptions and overrides every field whose
// MAINLINE_* variable is set. Variables are first loaded from the given
// dotenv files, or from ./.env when none are given; a missing file is not an
// error and variables already in the environment take precedence.
func LoadOptionsFromEnv(files ...string) (*Options, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	o := NewOptions()
	if v, ok := os.LookupEnv(EnvListenAddr); ok {
		o.ListenAddr = v
	}
	if v, ok := os.LookupEnv(EnvNodeID); ok {
		o.NodeID = v
	}
	if v, ok := os.LookupEnv(EnvRouters); ok {
		o.Routers = splitList(v)
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		o.LogLevel = v
	}

	var err error
	if o.ReadOnly, err = envBool(EnvReadOnly, o.ReadOnly); err != nil {
		return nil, err
	}
	if o.K, err = envInt(EnvK, o.K); err != nil {
		return nil, err
	}
	if o.Alpha, err = envInt(EnvAlpha, o.Alpha); err != nil {
		return nil, err
	}
	if o.QueryTimeout, err = envDuration(EnvQueryTimeout, o.QueryTimeout); err != nil {
		return nil, err
	}
	if o.LookupTimeout, err = envDuration(EnvLookupTimeout, o.LookupTimeout); err != nil {
		return nil, err
	}
	if o.BootstrapTimeout, err = envDuration(EnvBootstrapTimeout, o.BootstrapTimeout); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOptionsFromEnv",
		"listen":   o.ListenAddr,
		"routers":  len(o.Routers),
	}).Debug("Loaded options from environment")
	return o, nil
}

// Config converts the options into a server configuration.
func (o *Options) Config() (*dht.Config, error) {
	cfg := dht.DefaultConfig()
	if o.NodeID != "" {
		id, err := crypto.NodeIDFromHex(o.NodeID)
		if err != nil {
			return nil, err
		}
		cfg.NodeID = id
	}
	cfg.Routers = append([]string(nil), o.Routers...)
	cfg.ReadOnly = o.ReadOnly
	if o.K > 0 {
		cfg.K = o.K
	}
	if o.Alpha > 0 {
		cfg.Alpha = o.Alpha
	}
	if o.QueryTimeout > 0 {
		cfg.QueryTimeout = o.QueryTimeout
	}
	if o.LookupTimeout > 0 {
		cfg.LookupTimeout = o.LookupTimeout
	}
	return cfg, nil
}

// applyLogLevel sets the global logrus level when one is configured.
func (o *Options) applyLogLevel() error {
	if o.LogLevel == "" {
		return nil
	}
	level, err := logrus.ParseLevel(o.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

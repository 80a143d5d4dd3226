package dht

import (
	"time"

	"github.com/opd-ai/mainline/crypto"
)

// DefaultRouters are the public mainline bootstrap nodes.
var DefaultRouters = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
	"dht.libtorrent.org:25401",
}

// Config holds the tunables of a Server. Zero values are replaced by the
// defaults from DefaultConfig when the server is created.
type Config struct {
	// NodeID is the local identity. A random id is drawn when zero.
	NodeID crypto.NodeID

	// Bucket size (K) and lookup parallelism (alpha).
	K     int
	Alpha int
	// MaxBucketDepth bounds how many times the bucket covering the local id may split.
	MaxBucketDepth int
	// ReplacementCacheSize is the number of standby nodes kept per full bucket.
	ReplacementCacheSize int

	// QueryTimeout is the wait for the first attempt of a query.
	QueryTimeout time.Duration
	// AutoRetries is the number of automatic re-sends after a timeout. Zero
	// selects the default of one; a negative value disables re-sends.
	AutoRetries int
	// TransactionCeiling force-expires transactions older than this.
	TransactionCeiling time.Duration

	// LookupTimeout is the overall deadline of one iterative lookup.
	LookupTimeout time.Duration
	// MaxLookupQueries caps the queries a single lookup may issue.
	MaxLookupQueries int

	// NodeTimeout is how long a node may stay silent before it is questioned.
	NodeTimeout time.Duration
	// RefreshInterval is how long a bucket may go unchanged before a refresh lookup.
	RefreshInterval time.Duration

	PeerTTL            time.Duration
	ValueTTL           time.Duration
	TokenRotation      time.Duration
	MaxTorrents        int
	MaxPeersPerTorrent int
	MaxPeersResponse   int
	MaxValues          int

	// MaxSamples and SampleInterval shape sample_infohashes replies.
	MaxSamples     int
	SampleInterval time.Duration

	// Inbound throttling: a source IP sending more than ThrottlePackets per
	// ThrottleWindow is ignored for ThrottleBan. ThrottleTracked bounds the
	// number of sources remembered. A negative ThrottlePackets disables it.
	ThrottlePackets int
	ThrottleWindow  time.Duration
	ThrottleBan     time.Duration
	ThrottleTracked int

	// IPVoteThreshold is how many distinct responders must agree on our
	// external IPv4 address before the node id is checked against it.
	IPVoteThreshold int

	// ReadOnly marks outgoing queries with ro=1 and stops answering queries.
	ReadOnly bool

	// Routers are host:port bootstrap addresses.
	Routers []string

	// Version is advertised in the "v" key of outgoing messages.
	Version []byte

	Maintenance *MaintenanceConfig

	// TimeProvider drives expiry and rotation; nil means the wall clock.
	TimeProvider crypto.TimeProvider
}

// DefaultConfig returns the mainline defaults.
func DefaultConfig() *Config {
	return &Config{
		K:                    8,
		Alpha:                3,
		MaxBucketDepth:       crypto.NodeIDBits - 1,
		ReplacementCacheSize: 8,
		QueryTimeout:         2 * time.Second,
		AutoRetries:          1,
		TransactionCeiling:   time.Minute,
		LookupTimeout:        30 * time.Second,
		MaxLookupQueries:     128,
		NodeTimeout:          15 * time.Minute,
		RefreshInterval:      15 * time.Minute,
		PeerTTL:              30 * time.Minute,
		ValueTTL:             2 * time.Hour,
		TokenRotation:        crypto.DefaultTokenRotation,
		MaxTorrents:          10000,
		MaxPeersPerTorrent:   200,
		MaxPeersResponse:     50,
		MaxValues:            10000,
		ThrottlePackets:      10,
		ThrottleWindow:       6 * time.Second,
		ThrottleBan:          time.Minute,
		ThrottleTracked:      4096,
		IPVoteThreshold:      3,
		MaxSamples:           20,
		SampleInterval:       6 * time.Hour,
		Routers:              append([]string(nil), DefaultRouters...),
		Version:              []byte("MG01"),
		Maintenance:          DefaultMaintenanceConfig(),
	}
}

// withDefaults fills every unset field from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&out.K, d.K)
	setInt(&out.Alpha, d.Alpha)
	setInt(&out.MaxBucketDepth, d.MaxBucketDepth)
	setInt(&out.ReplacementCacheSize, d.ReplacementCacheSize)
	setDur(&out.QueryTimeout, d.QueryTimeout)
	switch {
	case out.AutoRetries < 0:
		out.AutoRetries = 0
	case out.AutoRetries == 0:
		out.AutoRetries = d.AutoRetries
	}
	setDur(&out.TransactionCeiling, d.TransactionCeiling)
	setDur(&out.LookupTimeout, d.LookupTimeout)
	setInt(&out.MaxLookupQueries, d.MaxLookupQueries)
	setDur(&out.NodeTimeout, d.NodeTimeout)
	setDur(&out.RefreshInterval, d.RefreshInterval)
	setDur(&out.PeerTTL, d.PeerTTL)
	setDur(&out.ValueTTL, d.ValueTTL)
	setDur(&out.TokenRotation, d.TokenRotation)
	setInt(&out.MaxTorrents, d.MaxTorrents)
	setInt(&out.MaxPeersPerTorrent, d.MaxPeersPerTorrent)
	setInt(&out.MaxPeersResponse, d.MaxPeersResponse)
	setInt(&out.MaxValues, d.MaxValues)
	if out.ThrottlePackets == 0 {
		out.ThrottlePackets = d.ThrottlePackets
	}
	setDur(&out.ThrottleWindow, d.ThrottleWindow)
	setDur(&out.ThrottleBan, d.ThrottleBan)
	setInt(&out.ThrottleTracked, d.ThrottleTracked)
	setInt(&out.IPVoteThreshold, d.IPVoteThreshold)
	setInt(&out.MaxSamples, d.MaxSamples)
	setDur(&out.SampleInterval, d.SampleInterval)
	if out.MaxBucketDepth >= crypto.NodeIDBits {
		out.MaxBucketDepth = crypto.NodeIDBits - 1
	}
	if out.Maintenance == nil {
		out.Maintenance = d.Maintenance
	}
	out.TimeProvider = crypto.OrDefault(out.TimeProvider)
	return &out
}

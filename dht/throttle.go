package dht

import (
	"net/netip"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/opd-ai/mainline/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type throttleEntry struct {
	limiter     *rate.Limiter
	bannedUntil time.Time
}

// Throttler limits how many datagrams each source IP may have processed.
// A source that exceeds its rate is ignored for the ban period. Sources are
// tracked least recently seen first so the table stays bounded.
type Throttler struct {
	mu           sync.Mutex
	sources      *orderedmap.OrderedMap[netip.Addr, *throttleEntry]
	limit        rate.Limit
	burst        int
	ban          time.Duration
	tracked      int
	timeProvider crypto.TimeProvider
}

// NewThrottler creates the inbound limiter described by cfg. It returns nil
// when throttling is disabled; a nil Throttler allows everything.
func NewThrottler(cfg *Config) *Throttler {
	cfg = cfg.withDefaults()
	if cfg.ThrottlePackets < 0 {
		return nil
	}
	return &Throttler{
		sources:      orderedmap.NewOrderedMap[netip.Addr, *throttleEntry](),
		limit:        rate.Every(cfg.ThrottleWindow / time.Duration(cfg.ThrottlePackets)),
		burst:        cfg.ThrottlePackets,
		ban:          cfg.ThrottleBan,
		tracked:      cfg.ThrottleTracked,
		timeProvider: cfg.TimeProvider,
	}
}

// Allow reports whether a datagram from ip may be processed. Loopback
// sources are never throttled.
func (t *Throttler) Allow(ip netip.Addr) bool {
	if t == nil || ip.IsLoopback() {
		return true
	}
	ip = ip.Unmap()
	now := t.timeProvider.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sources.Get(ip)
	if ok {
		t.sources.Delete(ip)
	} else {
		for t.sources.Len() >= t.tracked {
			t.sources.Delete(t.sources.Front().Key)
		}
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
	}
	t.sources.Set(ip, e)

	if now.Before(e.bannedUntil) {
		return false
	}
	if !e.limiter.AllowN(now, 1) {
		e.bannedUntil = now.Add(t.ban)
		logrus.WithFields(logrus.Fields{
			"function": "Allow",
			"ip":       ip.String(),
			"until":    e.bannedUntil,
		}).Debug("Throttling source")
		return false
	}
	return true
}

// Tracked returns the number of sources currently remembered.
func (t *Throttler) Tracked() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sources.Len()
}

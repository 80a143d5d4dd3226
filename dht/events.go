package dht

import (
	"net/netip"
	"sync"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/sirupsen/logrus"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// EventMessageReceived carries every well-formed inbound message.
	EventMessageReceived EventType = iota
	// EventPeerAnnounced reports an accepted announce_peer.
	EventPeerAnnounced
	// EventValueStored reports an accepted BEP44 put.
	EventValueStored
	// EventNodeIDChanged reports that the local id was replaced to match the
	// external address other nodes see.
	EventNodeIDChanged
)

func (t EventType) String() string {
	switch t {
	case EventMessageReceived:
		return "message_received"
	case EventPeerAnnounced:
		return "peer_announced"
	case EventValueStored:
		return "value_stored"
	case EventNodeIDChanged:
		return "node_id_changed"
	}
	return "unknown"
}

// Event is a notification delivered to subscribers. Only the fields
// relevant to Type are set.
type Event struct {
	Type EventType
	// From is the remote endpoint the triggering message came from.
	From    netip.AddrPort
	Message *krpc.Message
	// Target is the info-hash of an announce or the target of a put.
	Target crypto.NodeID
	Peer   netip.AddrPort
	// NodeID and ExternalIP describe a node id change.
	NodeID     crypto.NodeID
	ExternalIP netip.Addr
}

// eventBus fans events out to subscriber channels without blocking the
// publisher; a subscriber whose buffer is full misses the event.
type eventBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

func (b *eventBus) active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "publish",
				"event":    e.Type.String(),
			}).Warn("Event subscriber is full, dropping event")
		}
	}
}

// close ends every subscription.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

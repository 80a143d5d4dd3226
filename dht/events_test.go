package dht

import (
	"testing"
	"time"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nextEvent waits for the first event of type want.
func nextEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e, ok := <-events:
			require.True(t, ok, "subscription closed")
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func TestServer_SubscribeDeliversEvents(t *testing.T) {
	tn := newTestNetwork(t, 2, nil)
	a, b := tn.servers[0], tn.servers[1]
	ctx := testContext(t)
	events, unsubscribe := b.Subscribe(64)
	defer unsubscribe()

	_, err := a.Ping(ctx, b.Addr())
	require.NoError(t, err)
	e := nextEvent(t, events, EventMessageReceived)
	assert.Equal(t, a.Addr(), e.From)
	assert.Equal(t, krpc.MethodPing, e.Message.Method)

	ih := randomID(t)
	reply, err := a.query(ctx, b.Addr(), krpc.MethodGetPeers, &krpc.Args{ID: a.ID(), InfoHash: ih})
	require.NoError(t, err)
	_, err = a.query(ctx, b.Addr(), krpc.MethodAnnouncePeer, &krpc.Args{ID: a.ID(), InfoHash: ih, Port: 7000, Token: reply.Return.Token})
	require.NoError(t, err)
	e = nextEvent(t, events, EventPeerAnnounced)
	assert.Equal(t, ih, e.Target)
	assert.Equal(t, uint16(7000), e.Peer.Port())
	assert.Equal(t, a.Addr().Addr(), e.Peer.Addr())

	value := strValue("event")
	reply, err = a.query(ctx, b.Addr(), krpc.MethodGet, &krpc.Args{ID: a.ID(), Target: crypto.ImmutableTarget(value)})
	require.NoError(t, err)
	_, err = a.query(ctx, b.Addr(), krpc.MethodPut, &krpc.Args{ID: a.ID(), Token: reply.Return.Token, Value: value})
	require.NoError(t, err)
	e = nextEvent(t, events, EventValueStored)
	assert.Equal(t, crypto.ImmutableTarget(value), e.Target)
	assert.Equal(t, a.Addr(), e.From)
}

func TestServer_UnsubscribeAndShutdownCloseChannels(t *testing.T) {
	tn := newTestNetwork(t, 1, nil)
	s := tn.servers[0]

	first, unsubscribe := s.Subscribe(1)
	unsubscribe()
	unsubscribe()
	_, ok := <-first
	assert.False(t, ok)

	second, _ := s.Subscribe(1)
	require.NoError(t, s.Shutdown())
	_, ok = <-second
	assert.False(t, ok)

	late, _ := s.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after shutdown yields a closed channel")
}

func TestEventBus_FullSubscriberDoesNotBlock(t *testing.T) {
	b := newEventBus()
	events, unsubscribe := b.subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.publish(Event{Type: EventValueStored})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, events, 1)
	assert.Equal(t, "value_stored", (<-events).Type.String())
}

package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportLoopback(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	inbox := make(chan netip.AddrPort, 1)
	b.SetHandler(func(data []byte, from netip.AddrPort) {
		if string(data) == "ping" {
			inbox <- from
		}
	})

	require.NoError(t, a.Send([]byte("ping"), b.LocalAddr()))

	select {
	case from := <-inbox:
		assert.Equal(t, a.LocalAddr().Port(), from.Port())
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
}

func TestUDPTransportSendAfterClose(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9")), ErrClosed)
}

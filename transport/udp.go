package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/mainline/limits"
	"github.com/sirupsen/logrus"
)

// UDPTransport implements Transport over a UDP socket.
type UDPTransport struct {
	conn      *net.UDPConn
	localAddr netip.AddrPort
	handler   PacketHandler
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewUDPTransport binds a UDP socket on listenAddr (for example
// "0.0.0.0:6881") and starts its read loop.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:      conn,
		localAddr: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		ctx:       ctx,
		cancel:    cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": t.localAddr.String(),
	}).Info("UDP transport listening")

	t.wg.Add(1)
	go t.processPackets()
	return t, nil
}

// SetHandler installs the inbound datagram handler.
func (t *UDPTransport) SetHandler(handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send writes one datagram to addr.
func (t *UDPTransport) Send(data []byte, addr netip.AddrPort) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}
	_, err := t.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// Close stops the read loop and closes the socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.localAddr
}

// processPackets handles incoming packets until Close.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, limits.MaxDatagramSize+1)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads a single datagram and hands a copy to the handler.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	// Short deadline so the loop notices cancellation promptly.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFromUDPAddrPort(buffer)
	if err != nil {
		t.handleReadError(err)
		return
	}
	if n > limits.MaxDatagramSize {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
			"size":     n,
		}).Debug("Discarding oversized datagram")
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		return
	}

	data := make([]byte, n)
	copy(data, buffer[:n])
	handler(data, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
}

func (t *UDPTransport) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"error":    err.Error(),
	}).Warn("UDP read failed")
}

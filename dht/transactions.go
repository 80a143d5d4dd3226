package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/transport"
	"github.com/sirupsen/logrus"
)

const transactionIDSize = 2

// QueryHandler receives inbound queries that are not replies to anything.
type QueryHandler func(msg *krpc.Message, from netip.AddrPort)

type transactionKey struct {
	addr netip.AddrPort
	tid  string
}

// TransactionManager correlates outbound queries with their replies. Each
// query is keyed by destination endpoint and a random transaction id that
// is unique among that endpoint's outstanding queries.
type TransactionManager struct {
	transport    transport.Transport
	timeProvider crypto.TimeProvider
	queryTimeout time.Duration
	autoRetries  int
	ceiling      time.Duration
	readOnly     bool
	version      []byte

	mu      sync.Mutex
	pending map[transactionKey]*Pending
	handler QueryHandler
	closed  bool
}

// NewTransactionManager creates a manager sending through t.
func NewTransactionManager(t transport.Transport, cfg *Config) *TransactionManager {
	cfg = cfg.withDefaults()
	return &TransactionManager{
		transport:    t,
		timeProvider: cfg.TimeProvider,
		queryTimeout: cfg.QueryTimeout,
		autoRetries:  cfg.AutoRetries,
		ceiling:      cfg.TransactionCeiling,
		readOnly:     cfg.ReadOnly,
		version:      cfg.Version,
		pending:      make(map[transactionKey]*Pending),
	}
}

// SetQueryHandler installs the receiver for unsolicited queries.
func (tm *TransactionManager) SetQueryHandler(h QueryHandler) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.handler = h
}

// Pending is the handle of one outstanding query. Exactly one outcome is
// ever delivered: a reply, a remote error, a timeout, cancellation or shutdown.
type Pending struct {
	tm       *TransactionManager
	key      transactionKey
	method   krpc.Method
	packet   []byte
	msg      *krpc.Message
	issuedAt time.Time
	backoff  *backoff.ExponentialBackOff
	attempts int
	lastWait atomic.Int64

	done  chan struct{}
	once  sync.Once
	reply *krpc.Message
	err   error
}

func (tm *TransactionManager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = tm.queryTimeout
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = math.MaxInt64
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Send assigns a transaction id to msg, encodes it and transmits it to
// addr. The returned handle is completed by HandleInbound.
func (tm *TransactionManager) Send(msg *krpc.Message, addr netip.AddrPort) (*Pending, error) {
	return tm.send(msg, addr, tm.newBackOff())
}

func (tm *TransactionManager) send(msg *krpc.Message, addr netip.AddrPort, bo *backoff.ExponentialBackOff) (*Pending, error) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	msg.Kind = krpc.KindQuery
	msg.ReadOnly = tm.readOnly
	if msg.Version == nil {
		msg.Version = tm.version
	}

	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return nil, ErrShutdown
	}
	key, err := tm.allocateKey(addr)
	if err != nil {
		tm.mu.Unlock()
		return nil, err
	}
	msg.TransactionID = []byte(key.tid)

	packet, err := krpc.Encode(msg)
	if err != nil {
		tm.mu.Unlock()
		return nil, err
	}

	p := &Pending{
		tm:       tm,
		key:      key,
		method:   msg.Method,
		packet:   packet,
		msg:      msg,
		issuedAt: tm.timeProvider.Now(),
		backoff:  bo,
		attempts: 1,
		done:     make(chan struct{}),
	}
	tm.pending[key] = p
	tm.mu.Unlock()

	if err := tm.transport.Send(packet, addr); err != nil {
		tm.remove(key, p)
		return nil, &QueryError{Method: msg.Method, Addr: addr.String(), Cause: err}
	}
	return p, nil
}

// allocateKey draws transaction ids until one is free for addr. Callers hold tm.mu.
func (tm *TransactionManager) allocateKey(addr netip.AddrPort) (transactionKey, error) {
	var tid [transactionIDSize]byte
	for attempt := 0; attempt < 32; attempt++ {
		if _, err := rand.Read(tid[:]); err != nil {
			return transactionKey{}, err
		}
		key := transactionKey{addr: addr, tid: string(tid[:])}
		if _, taken := tm.pending[key]; !taken {
			return key, nil
		}
	}
	return transactionKey{}, fmt.Errorf("no free transaction id for %s", addr)
}

// Query sends msg and waits for the outcome.
func (tm *TransactionManager) Query(ctx context.Context, msg *krpc.Message, addr netip.AddrPort) (*krpc.Message, error) {
	p, err := tm.Send(msg, addr)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// HandleInbound routes one decoded message. Replies complete their pending
// transaction and report true; queries go to the query handler; replies
// that match nothing are dropped.
func (tm *TransactionManager) HandleInbound(msg *krpc.Message, from netip.AddrPort) bool {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	if msg.Kind == krpc.KindQuery {
		tm.mu.Lock()
		handler := tm.handler
		tm.mu.Unlock()
		if handler != nil {
			handler(msg, from)
		}
		return false
	}

	key := transactionKey{addr: from, tid: string(msg.TransactionID)}
	tm.mu.Lock()
	p, ok := tm.pending[key]
	if ok {
		delete(tm.pending, key)
	}
	tm.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "HandleInbound",
			"from":     from.String(),
			"kind":     msg.Kind.String(),
		}).Debug("Dropping reply with unknown transaction id")
		return false
	}

	if msg.Kind == krpc.KindError {
		p.complete(msg, msg.Err)
	} else {
		p.complete(msg, nil)
	}
	return true
}

// Expire force-removes transactions older than the hard ceiling and
// returns how many were removed.
func (tm *TransactionManager) Expire() int {
	now := tm.timeProvider.Now()
	var expired []*Pending

	tm.mu.Lock()
	for key, p := range tm.pending {
		if now.Sub(p.issuedAt) > tm.ceiling {
			delete(tm.pending, key)
			expired = append(expired, p)
		}
	}
	tm.mu.Unlock()

	for _, p := range expired {
		p.complete(nil, ErrTransactionTimeout)
	}
	return len(expired)
}

// Outstanding returns the number of transactions awaiting a reply.
func (tm *TransactionManager) Outstanding() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}

// Close fails every outstanding transaction with ErrShutdown.
func (tm *TransactionManager) Close() {
	tm.mu.Lock()
	tm.closed = true
	all := make([]*Pending, 0, len(tm.pending))
	for key, p := range tm.pending {
		delete(tm.pending, key)
		all = append(all, p)
	}
	tm.mu.Unlock()

	for _, p := range all {
		p.complete(nil, ErrShutdown)
	}
}

func (tm *TransactionManager) remove(key transactionKey, p *Pending) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.pending[key] == p {
		delete(tm.pending, key)
	}
}

func (p *Pending) complete(reply *krpc.Message, err error) {
	p.once.Do(func() {
		p.reply = reply
		p.err = err
		close(p.done)
	})
}

// Addr returns the destination of the query.
func (p *Pending) Addr() netip.AddrPort { return p.key.addr }

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the query completes. A timeout triggers the configured
// number of automatic re-sends, each waiting longer than the last, before
// ErrTransactionTimeout is returned. Context cancellation releases the
// transaction immediately.
func (p *Pending) Wait(ctx context.Context) (*krpc.Message, error) {
	for {
		wait := p.backoff.NextBackOff()
		p.lastWait.Store(int64(wait))
		timer := time.NewTimer(wait)
		select {
		case <-p.done:
			timer.Stop()
			return p.reply, p.err
		case <-ctx.Done():
			timer.Stop()
			p.Cancel()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if p.attempts <= p.tm.autoRetries {
			p.attempts++
			if err := p.tm.transport.Send(p.packet, p.key.addr); err != nil {
				p.tm.remove(p.key, p)
				p.complete(nil, &QueryError{Method: p.method, Addr: p.key.addr.String(), Cause: err})
			}
			continue
		}

		p.tm.remove(p.key, p)
		p.complete(nil, &QueryError{Method: p.method, Addr: p.key.addr.String(), Cause: ErrTransactionTimeout})
	}
}

// Cancel releases the transaction without waiting for its timeout.
func (p *Pending) Cancel() {
	p.tm.remove(p.key, p)
	p.complete(nil, context.Canceled)
}

// Retry re-issues a query that timed out under a fresh transaction id. The
// wait continues the backoff sequence, so every retry waits strictly longer
// than the attempt before it. Once a wait has reached the transaction
// ceiling the query is given up and Retry fails with ErrTransactionTimeout.
func (p *Pending) Retry() (*Pending, error) {
	select {
	case <-p.done:
	default:
		return nil, errors.New("retry of a transaction that is still outstanding")
	}
	if last := time.Duration(p.lastWait.Load()); last >= p.tm.ceiling {
		return nil, &QueryError{Method: p.method, Addr: p.key.addr.String(),
			Cause: fmt.Errorf("%w: backoff reached %s", ErrTransactionTimeout, p.tm.ceiling)}
	}
	msg := *p.msg
	msg.TransactionID = nil
	return p.tm.send(&msg, p.key.addr, p.backoff)
}

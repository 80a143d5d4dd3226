package dht

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/mainline/krpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, configure func(*Config)) (*TransactionManager, *recordingTransport) {
	t.Helper()
	rt := newRecordingTransport()
	cfg := testConfig()
	if configure != nil {
		configure(cfg)
	}
	return NewTransactionManager(rt, cfg), rt
}

func pingQuery(t *testing.T) *krpc.Message {
	return krpc.NewQuery(krpc.MethodPing, &krpc.Args{ID: randomID(t)})
}

func TestTransactionManager_MatchesReply(t *testing.T) {
	tm, rt := newTestManager(t, nil)
	remote := testAddr(1)

	p, err := tm.Send(pingQuery(t), remote)
	require.NoError(t, err)
	require.Equal(t, 1, rt.count())
	assert.Equal(t, 1, tm.Outstanding())

	sent := rt.decoded(t, 0)
	assert.Equal(t, krpc.KindQuery, sent.Kind)
	assert.Len(t, sent.TransactionID, transactionIDSize)

	remoteID := randomID(t)
	reply := krpc.NewResponse(sent.TransactionID, &krpc.Return{ID: remoteID})
	assert.True(t, tm.HandleInbound(reply, remote))

	got, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remoteID, got.Return.ID)
	assert.Zero(t, tm.Outstanding())

	assert.False(t, tm.HandleInbound(reply, remote), "a reply completes its transaction only once")
}

func TestTransactionManager_DropsUnmatchedReplies(t *testing.T) {
	tm, rt := newTestManager(t, nil)
	remote := testAddr(1)

	_, err := tm.Send(pingQuery(t), remote)
	require.NoError(t, err)
	tid := rt.decoded(t, 0).TransactionID

	other := append([]byte(nil), tid...)
	other[0]++
	assert.False(t, tm.HandleInbound(krpc.NewResponse(other, &krpc.Return{}), remote))
	assert.False(t, tm.HandleInbound(krpc.NewResponse(tid, &krpc.Return{}), testAddr(2)), "same id from another endpoint")
	assert.Equal(t, 1, tm.Outstanding())
}

func TestTransactionManager_UnmapsAddresses(t *testing.T) {
	tm, rt := newTestManager(t, nil)
	remote := testAddr(1)
	mapped := netip.AddrPortFrom(netip.AddrFrom16(remote.Addr().As16()), remote.Port())

	p, err := tm.Send(pingQuery(t), mapped)
	require.NoError(t, err)
	assert.Equal(t, remote, p.Addr())

	tid := rt.decoded(t, 0).TransactionID
	assert.True(t, tm.HandleInbound(krpc.NewResponse(tid, &krpc.Return{}), remote))
}

func TestTransactionManager_RemoteError(t *testing.T) {
	tm, rt := newTestManager(t, nil)
	remote := testAddr(1)

	p, err := tm.Send(pingQuery(t), remote)
	require.NoError(t, err)
	tid := rt.decoded(t, 0).TransactionID
	require.True(t, tm.HandleInbound(krpc.NewErrorReply(tid, krpc.ErrCodeProtocol, "bad token"), remote))

	_, err = p.Wait(context.Background())
	var kerr *krpc.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, krpc.ErrCodeProtocol, kerr.Code)
}

func TestTransactionManager_TimeoutRetriesThenFails(t *testing.T) {
	tm, rt := newTestManager(t, func(cfg *Config) {
		cfg.QueryTimeout = 20 * time.Millisecond
		cfg.AutoRetries = 1
	})

	start := time.Now()
	_, err := tm.Query(context.Background(), pingQuery(t), testAddr(1))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTransactionTimeout)
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, krpc.MethodPing, qerr.Method)

	assert.Equal(t, 2, rt.count(), "one automatic re-send")
	assert.Equal(t, rt.decoded(t, 0).TransactionID, rt.decoded(t, 1).TransactionID)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond, "second wait doubles the first")
	assert.Zero(t, tm.Outstanding())
}

func TestTransactionManager_ManualRetryBacksOff(t *testing.T) {
	tm, rt := newTestManager(t, func(cfg *Config) {
		cfg.QueryTimeout = 20 * time.Millisecond
	})

	p, err := tm.Send(pingQuery(t), testAddr(1))
	require.NoError(t, err)

	_, err = p.Retry()
	assert.Error(t, err, "cannot retry an outstanding transaction")

	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrTransactionTimeout)

	retry, err := p.Retry()
	require.NoError(t, err)
	assert.Equal(t, 2, rt.count())

	start := time.Now()
	_, err = retry.Wait(context.Background())
	require.ErrorIs(t, err, ErrTransactionTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTransactionManager_RetryWaitsGrowUntilCeiling(t *testing.T) {
	tm, rt := newTestManager(t, func(cfg *Config) {
		cfg.QueryTimeout = 10 * time.Millisecond
		cfg.TransactionCeiling = 50 * time.Millisecond
	})

	p, err := tm.Send(pingQuery(t), testAddr(1))
	require.NoError(t, err)

	var waits []time.Duration
	for {
		_, err = p.Wait(context.Background())
		require.ErrorIs(t, err, ErrTransactionTimeout)
		waits = append(waits, time.Duration(p.lastWait.Load()))

		next, err := p.Retry()
		if err != nil {
			assert.ErrorIs(t, err, ErrTransactionTimeout)
			break
		}
		p = next
	}

	require.Len(t, waits, 4)
	for i := 1; i < len(waits); i++ {
		assert.Greater(t, waits[i], waits[i-1], "wait %d must exceed wait %d", i, i-1)
	}
	assert.Equal(t, 80*time.Millisecond, waits[3], "waits are not capped at the ceiling")
	assert.Equal(t, 4, rt.count())
	assert.Zero(t, tm.Outstanding())
}

func TestTransactionManager_UniqueIDsPerEndpoint(t *testing.T) {
	tm, rt := newTestManager(t, nil)
	remote := testAddr(1)

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := tm.Send(pingQuery(t), remote)
		require.NoError(t, err)
	}
	assert.Equal(t, n, tm.Outstanding())

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		tid := string(rt.decoded(t, i).TransactionID)
		assert.False(t, seen[tid], "transaction id reused while outstanding")
		seen[tid] = true
	}
}

func TestTransactionManager_ExpireCeiling(t *testing.T) {
	clock := newMockClock()
	tm, _ := newTestManager(t, func(cfg *Config) {
		cfg.TimeProvider = clock
		cfg.QueryTimeout = time.Hour
	})

	p, err := tm.Send(pingQuery(t), testAddr(1))
	require.NoError(t, err)
	assert.Zero(t, tm.Expire())

	clock.Advance(testConfig().TransactionCeiling + time.Second)
	assert.Equal(t, 1, tm.Expire())

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTransactionTimeout)
}

func TestTransactionManager_Close(t *testing.T) {
	tm, _ := newTestManager(t, func(cfg *Config) { cfg.QueryTimeout = time.Hour })

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		p, err := tm.Send(pingQuery(t), testAddr(i))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Wait(context.Background())
			errs <- err
		}()
	}

	tm.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrShutdown)
	}

	_, err := tm.Send(pingQuery(t), testAddr(1))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestTransactionManager_ContextCancel(t *testing.T) {
	tm, _ := newTestManager(t, func(cfg *Config) { cfg.QueryTimeout = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := tm.Query(ctx, pingQuery(t), testAddr(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tm.Outstanding())
}

func TestTransactionManager_SendFailure(t *testing.T) {
	tm, rt := newTestManager(t, nil)
	rt.sendErr = errors.New("network unreachable")

	_, err := tm.Send(pingQuery(t), testAddr(1))
	require.Error(t, err)
	assert.Zero(t, tm.Outstanding())
}

func TestTransactionManager_QueriesReachHandler(t *testing.T) {
	tm, _ := newTestManager(t, nil)

	got := make(chan netip.AddrPort, 1)
	tm.SetQueryHandler(func(msg *krpc.Message, from netip.AddrPort) {
		got <- from
	})

	q := pingQuery(t)
	q.TransactionID = []byte("aa")
	assert.False(t, tm.HandleInbound(q, testAddr(3)))
	assert.Equal(t, testAddr(3), <-got)
}

func TestTransactionManager_ReadOnlyFlag(t *testing.T) {
	tm, rt := newTestManager(t, func(cfg *Config) { cfg.ReadOnly = true })

	_, err := tm.Send(pingQuery(t), testAddr(1))
	require.NoError(t, err)
	sent := rt.decoded(t, 0)
	assert.True(t, sent.ReadOnly)
	assert.Equal(t, []byte("MG01"), sent.Version)
}

package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/matst80/portfwd/internal/endpoint"
	"github.com/matst80/portfwd/internal/obs"
	"github.com/matst80/portfwd/internal/ratelimit"
	"github.com/matst80/portfwd/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type dialFunc func(ctx context.Context, remote endpoint.Endpoint) <-chan DialResult

func (f dialFunc) Dial(ctx context.Context, remote endpoint.Endpoint) <-chan DialResult {
	return f(ctx, remote)
}

var loopback = endpoint.Endpoint{Host: "127.0.0.1", Port: 0}

func endpointOf(t *testing.T, a net.Addr) endpoint.Endpoint {
	t.Helper()
	tcp, ok := a.(*net.TCPAddr)
	require.True(t, ok, "not a TCP address: %v", a)
	return endpoint.Endpoint{Host: tcp.IP.String(), Port: tcp.Port}
}

// backend accepts connections and hands them to the test.
func backend(t *testing.T) (endpoint.Endpoint, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var accepted []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			c.Close()
		}
	})
	conns := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
			conns <- c
		}
	}()
	return endpointOf(t, ln.Addr()), conns
}

// echoBackend echoes every byte back and counts accepted connections.
func echoBackend(t *testing.T) (endpoint.Endpoint, *atomic.Int32) {
	t.Helper()
	ep, conns := backend(t)
	var accepted atomic.Int32
	go func() {
		for c := range conns {
			accepted.Add(1)
			go func(c net.Conn) {
				_, _ = io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()
	return ep, &accepted
}

type testServer struct {
	*Server
	logs    *syncBuffer
	metrics *obs.Metrics
	store   *state.Memory
	cancel  context.CancelFunc
	done    chan error
}

func startServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	logs := &syncBuffer{}
	if opts.Logger == nil {
		opts.Logger = obs.New(logs, true)
	}
	store := state.NewMemory()
	if opts.Store == nil {
		opts.Store = store
	}
	opts.Metrics = obs.NewMetrics(prometheus.NewRegistry())
	if len(opts.Listen) == 0 {
		opts.Listen = []endpoint.Endpoint{loopback}
	}
	s, err := NewServer(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Listen(ctx))
	ts := &testServer{Server: s, logs: logs, metrics: opts.Metrics, store: store, cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) stop(t *testing.T) {
	t.Helper()
	ts.cancel()
	select {
	case err := <-ts.done:
		assert.NoError(t, err)
		ts.done <- err // keep cleanup happy
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func (ts *testServer) dial(t *testing.T, i int) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", ts.Addrs()[i].String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func roundTrip(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(3*time.Second)))
	werr := make(chan error, 1)
	go func() {
		_, err := c.Write([]byte(msg))
		werr <- err
	}()
	buf := make([]byte, len(msg))
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	require.NoError(t, <-werr)
	assert.Equal(t, msg, string(buf))
	require.NoError(t, c.SetDeadline(time.Time{}))
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	require.Error(t, err, "expected connection to be closed, read %q", buf[:n])
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection still open: %v", err)
	assert.Zero(t, n)
}

func TestEchoThroughMultipleListeners(t *testing.T) {
	remote, accepted := echoBackend(t)
	ts := startServer(t, Options{Listen: []endpoint.Endpoint{loopback, loopback}, Remote: remote})
	require.Len(t, ts.Addrs(), 2)
	assert.NotEqual(t, ts.Addrs()[0].String(), ts.Addrs()[1].String())
	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.Listeners))

	a := ts.dial(t, 0)
	b := ts.dial(t, 1)
	roundTrip(t, a, "hello from a")
	roundTrip(t, b, "hello from b")
	roundTrip(t, a, strings.Repeat("x", 3*DefaultBufferSize+5))

	assert.Equal(t, int32(2), accepted.Load(), "both listeners dial the same remote")
	assert.Contains(t, ts.logs.String(), `"msg":"connect complete"`)
}

func TestEarlyBytesSurviveSlowDial(t *testing.T) {
	remote, conns := backend(t)
	slow := dialFunc(func(ctx context.Context, r endpoint.Endpoint) <-chan DialResult {
		ch := make(chan DialResult, 1)
		go func() {
			time.Sleep(200 * time.Millisecond)
			ch <- <-NetDialer{}.Dial(ctx, r)
		}()
		return ch
	})
	ts := startServer(t, Options{Remote: remote, Dialer: slow})

	c := ts.dial(t, 0)
	_, err := c.Write([]byte("A"))
	require.NoError(t, err)
	_, err = c.Write([]byte("B"))
	require.NoError(t, err)

	var rc net.Conn
	select {
	case rc = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("remote never dialed")
	}
	require.NoError(t, rc.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 2)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(buf))
}

func TestClientCloseClosesRemote(t *testing.T) {
	remote, conns := backend(t)
	ts := startServer(t, Options{Remote: remote})

	c := ts.dial(t, 0)
	_, err := c.Write([]byte("x"))
	require.NoError(t, err)
	rc := <-conns
	buf := make([]byte, 1)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	expectClosed(t, rc)
	require.Eventually(t, func() bool { return strings.Count(ts.logs.String(), `"msg":"close"`) == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestRemoteCloseClosesClient(t *testing.T) {
	remote, conns := backend(t)
	ts := startServer(t, Options{Remote: remote})

	c := ts.dial(t, 0)
	rc := <-conns
	_, err := rc.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	got, err := io.ReadAll(c)
	require.NoError(t, err, "client should see EOF after the remote's bytes")
	assert.Equal(t, "bye", string(got))
}

func TestDialFailureClosesOnlyThatClient(t *testing.T) {
	remote, _ := echoBackend(t)
	var calls atomic.Int32
	dialer := dialFunc(func(ctx context.Context, r endpoint.Endpoint) <-chan DialResult {
		if calls.Add(1) == 2 {
			ch := make(chan DialResult, 1)
			ch <- DialResult{Err: errors.New("connection refused")}
			return ch
		}
		return NetDialer{}.Dial(ctx, r)
	})
	ts := startServer(t, Options{Remote: remote, Dialer: dialer})

	paired := ts.dial(t, 0)
	roundTrip(t, paired, "first")

	failed := ts.dial(t, 0)
	expectClosed(t, failed)

	roundTrip(t, paired, "still alive")
	require.Eventually(t, func() bool { return ts.store.Stats().DialFailures == 1 }, 3*time.Second, 10*time.Millisecond)
	logs := ts.logs.String()
	assert.Contains(t, logs, `"msg":"dial failed"`)
	assert.NotContains(t, logs, `"msg":"close"`, "an unpaired client never logs close")
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.DialFailuresTotal))
}

func TestDialFailureToUnreachableRemote(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	remote := endpointOf(t, ln.Addr())
	require.NoError(t, ln.Close())

	ts := startServer(t, Options{Remote: remote, Dialer: NetDialer{Timeout: time.Second}})
	c := ts.dial(t, 0)
	expectClosed(t, c)
	assert.Equal(t, int64(0), ts.store.Stats().TotalPairs)
}

func TestShutdownClosesPairsAndPendingClients(t *testing.T) {
	remote, _ := echoBackend(t)
	var calls atomic.Int32
	dialer := dialFunc(func(ctx context.Context, r endpoint.Endpoint) <-chan DialResult {
		if calls.Add(1) == 1 {
			return NetDialer{}.Dial(ctx, r)
		}
		// second client stays pending until cancelled
		ch := make(chan DialResult, 1)
		go func() {
			<-ctx.Done()
			ch <- DialResult{Err: ctx.Err()}
		}()
		return ch
	})
	ts := startServer(t, Options{Remote: remote, Dialer: dialer})
	addr := ts.Addrs()[0].String()

	paired := ts.dial(t, 0)
	roundTrip(t, paired, "ping")
	pending := ts.dial(t, 0)
	require.Eventually(t, func() bool { return ts.store.Stats().Pending == 1 }, 3*time.Second, 10*time.Millisecond)

	ts.stop(t)

	expectClosed(t, paired)
	expectClosed(t, pending)
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener must stop accepting")
	assert.True(t, ts.store.IsClosing())
	assert.Equal(t, 0, ts.store.Stats().Active)
	assert.Equal(t, 0.0, testutil.ToFloat64(ts.metrics.ActivePairs))
}

func TestLateDialSuccessAfterShutdownIsClosed(t *testing.T) {
	results := make(chan DialResult, 1)
	dialer := dialFunc(func(ctx context.Context, r endpoint.Endpoint) <-chan DialResult {
		return results
	})
	ts := startServer(t, Options{Remote: loopback, Dialer: dialer})

	c := ts.dial(t, 0)
	require.Eventually(t, func() bool { return ts.store.Stats().Pending == 1 }, 3*time.Second, 10*time.Millisecond)
	ts.stop(t)
	expectClosed(t, c)

	inner, outer := net.Pipe()
	defer outer.Close()
	results <- DialResult{Conn: inner}
	require.NoError(t, outer.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := outer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "late remote connection must be closed")
	assert.Equal(t, int64(0), ts.store.Stats().TotalPairs)
}

func TestGracePeriodLetsPairsFinish(t *testing.T) {
	remote, _ := echoBackend(t)
	ts := startServer(t, Options{Remote: remote, GracePeriod: 5 * time.Second})
	addr := ts.Addrs()[0].String()

	c := ts.dial(t, 0)
	roundTrip(t, c, "before")
	ts.cancel()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
		}
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
	roundTrip(t, c, "during grace")

	start := time.Now()
	require.NoError(t, c.Close())
	select {
	case err := <-ts.done:
		assert.NoError(t, err)
		ts.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after last pair ended")
	}
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRateLimitedClientNeverDials(t *testing.T) {
	remote, _ := echoBackend(t)
	var calls atomic.Int32
	dialer := dialFunc(func(ctx context.Context, r endpoint.Endpoint) <-chan DialResult {
		calls.Add(1)
		return NetDialer{}.Dial(ctx, r)
	})
	ts := startServer(t, Options{Remote: remote, Dialer: dialer, Limiter: ratelimit.NewLimiter(0, 1, 1)})

	first := ts.dial(t, 0)
	roundTrip(t, first, "ok")
	second := ts.dial(t, 0)
	expectClosed(t, second)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RateLimitedTotal))
}

func TestMetricsAndStoreTrackPairLifetime(t *testing.T) {
	remote, _ := echoBackend(t)
	ts := startServer(t, Options{Remote: remote})

	c := ts.dial(t, 0)
	roundTrip(t, c, "12345")
	require.Eventually(t, func() bool { return ts.store.Stats().Active == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ActivePairs))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return ts.store.Stats().Active == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), ts.store.Stats().TotalPairs)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.PairsTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(ts.metrics.BytesRelayedTotal.WithLabelValues(obs.DirUpstream)))
	assert.Equal(t, 5.0, testutil.ToFloat64(ts.metrics.BytesRelayedTotal.WithLabelValues(obs.DirDownstream)))
}

func TestListenFailureReleasesBoundListeners(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	s, err := NewServer(Options{Listen: []endpoint.Endpoint{loopback, endpointOf(t, busy.Addr())}, Remote: loopback})
	require.NoError(t, err)
	err = s.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), busy.Addr().String())
	assert.Empty(t, s.Addrs())
	assert.ErrorIs(t, s.Serve(context.Background()), ErrNotListening)
}

func TestNewServerRequiresListener(t *testing.T) {
	_, err := NewServer(Options{Remote: loopback})
	assert.ErrorIs(t, err, ErrNoListeners)
}

func TestRunBindsAndServes(t *testing.T) {
	remote, _ := echoBackend(t)
	s, err := NewServer(Options{Listen: []endpoint.Endpoint{loopback}, Remote: remote})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.Addrs()) == 1 }, 3*time.Second, 10*time.Millisecond)
	c, err := net.Dial("tcp", s.Addrs()[0].String())
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "run")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, s.Run(context.Background()), ErrServerClosed)
}

func TestServeWithoutListen(t *testing.T) {
	s, err := NewServer(Options{Listen: []endpoint.Endpoint{loopback}, Remote: loopback})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Serve(context.Background()), ErrNotListening)
}

// flakyListener fails its first Accept with a non-timeout error.
type flakyListener struct {
	net.Listener
	failed atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failed.CompareAndSwap(false, true) {
		return nil, syscall.EMFILE
	}
	return l.Listener.Accept()
}

func TestAcceptErrorIsRetried(t *testing.T) {
	remote, _ := echoBackend(t)
	s, err := NewServer(Options{Listen: []endpoint.Endpoint{loopback}, Remote: remote, Metrics: obs.NewMetrics(prometheus.NewRegistry())})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listeners = []net.Listener{&flakyListener{Listener: ln}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "still serving")

	select {
	case err := <-done:
		t.Fatalf("Serve returned after a transient accept error: %v", err)
	default:
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ErrorsTotal.WithLabelValues("accept")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// slowStore delays the calls made around pair setup and dial failure.
type slowStore struct {
	*state.Memory
	delay time.Duration
}

func (s *slowStore) RegisterPair(p state.PairInfo) error {
	time.Sleep(s.delay)
	return s.Memory.RegisterPair(p)
}

func (s *slowStore) RecordDialFailure() {
	time.Sleep(s.delay)
	s.Memory.RecordDialFailure()
}

func TestSlowStoreDoesNotDelayRelay(t *testing.T) {
	remote, _ := echoBackend(t)
	store := &slowStore{Memory: state.NewMemory(), delay: 1500 * time.Millisecond}
	ts := startServer(t, Options{Remote: remote, Store: store})

	c := ts.dial(t, 0)
	start := time.Now()
	roundTrip(t, c, "x")
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		st := store.Stats()
		return st.TotalPairs == 1 && st.Active == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSlowStoreDoesNotDelayDialFailureClose(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	remote := endpointOf(t, dead.Addr())
	require.NoError(t, dead.Close())

	store := &slowStore{Memory: state.NewMemory(), delay: 1500 * time.Millisecond}
	ts := startServer(t, Options{Remote: remote, Store: store})

	c := ts.dial(t, 0)
	start := time.Now()
	expectClosed(t, c)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Eventually(t, func() bool { return store.Stats().DialFailures == 1 }, 5*time.Second, 20*time.Millisecond)
}

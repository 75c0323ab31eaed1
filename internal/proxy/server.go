// Package proxy accepts clients on one or more listeners and relays each one
// to a single fixed remote endpoint.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/portfwd/internal/endpoint"
	"github.com/matst80/portfwd/internal/obs"
	"github.com/matst80/portfwd/internal/ratelimit"
	"github.com/matst80/portfwd/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoListeners   = errors.New("at least one listen address is required")
	ErrNotListening  = errors.New("server is not listening")
	ErrServerClosed  = errors.New("server closed")
	errShutdownStart = errors.New("shutdown in progress")
)

// Options configures a Server. Only Listen and Remote are required.
type Options struct {
	Listen []endpoint.Endpoint
	Remote endpoint.Endpoint

	Dialer      Dialer        // defaults to NetDialer{}
	BufferSize  int           // per-direction chunk size, defaults to DefaultBufferSize
	GracePeriod time.Duration // how long shutdown lets pairs finish on their own
	Limiter     *ratelimit.Limiter

	Store   state.Store
	Logger  *obs.Logger
	Metrics *obs.Metrics
}

// Server owns the listeners and every attempt they produce.
type Server struct {
	opts      Options
	dialer    Dialer
	store     state.Store
	log       *obs.Logger
	metrics   *obs.Metrics
	tracker   *tracker
	listeners []net.Listener

	mu          sync.Mutex
	serving     bool
	closed      bool
	serveCancel context.CancelFunc
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	handlers    sync.WaitGroup
	shutdownMu  sync.Once
}

func NewServer(opts Options) (*Server, error) {
	if len(opts.Listen) == 0 {
		return nil, ErrNoListeners
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Dialer == nil {
		opts.Dialer = NetDialer{}
	}
	if opts.Store == nil {
		opts.Store = state.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = obs.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = obs.NewMetrics(prometheus.NewRegistry())
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Server{
		opts:       opts,
		dialer:     opts.Dialer,
		store:      opts.Store,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		tracker:    newTracker(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Listen binds every listen address. If any bind fails the ones already bound
// are closed and the error is returned.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.serving {
		return errors.New("listen called while serving")
	}
	var lc net.ListenConfig
	bound := make([]net.Listener, 0, len(s.opts.Listen))
	for _, ep := range s.opts.Listen {
		ln, err := lc.Listen(ctx, "tcp", ep.String())
		if err != nil {
			for _, l := range bound {
				_ = l.Close()
			}
			return fmt.Errorf("listen %s: %w", ep, err)
		}
		s.log.Info("listening on", obs.Fields{"addr": ep.String(), "bound": ln.Addr().String()})
		bound = append(bound, ln)
	}
	s.listeners = append(s.listeners, bound...)
	s.metrics.Listeners.Set(float64(len(s.listeners)))
	return nil
}

// Addrs returns the bound listener addresses in the order given.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Run binds the listeners and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts on every bound listener until ctx is cancelled or a listener
// fails, then shuts down and waits for all connections to be released.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if len(s.listeners) == 0 || s.serving {
		s.mu.Unlock()
		return ErrNotListening
	}
	s.serving = true
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.serveCancel = cancel
	listeners := s.listeners
	s.mu.Unlock()

	s.store.SetReady(true)
	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		g.Go(func() error { return s.acceptLoop(gctx, ln) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})
	err := g.Wait()
	s.handlers.Wait()
	s.log.Info("server.shutdown.complete", obs.Fields{})
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
			}
			// transient: timeouts, EMFILE, ENFILE, ECONNABORTED
			tempDelay = backoff(tempDelay)
			s.log.Error("accept.retry", obs.Fields{"err": err.Error(), "addr": ln.Addr().String(), "delay": tempDelay.String()})
			s.metrics.ErrorsTotal.WithLabelValues("accept").Inc()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handle(c)
		}()
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// handle drives one accepted client through its lifecycle.
func (s *Server) handle(c net.Conn) {
	pc := newPendingClient(c)
	s.log.Info("accept", obs.Fields{"conn": pc.Label()})

	if !s.opts.Limiter.AllowConnection(remoteIP(c)) {
		s.log.Info("accept.rate_limited", obs.Fields{"conn": pc.Label()})
		s.metrics.RateLimitedTotal.Inc()
		pc.discard()
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	a := newAttempt(uuid.NewString(), cancel)
	if !s.tracker.add(a) {
		pc.discard()
		return
	}
	defer s.tracker.remove(a.id)

	a.transition(stateAccepted, stateDialing)
	s.store.TrackPending(state.PendingInfo{ID: a.id, Client: addrString(c.RemoteAddr()), Listener: addrString(c.LocalAddr()), Created: time.Now()})
	s.metrics.PendingClients.Inc()
	res := s.await(ctx, s.dialer.Dial(ctx, s.opts.Remote))
	s.metrics.PendingClients.Dec()

	if res.Err != nil {
		s.fail(ctx, a, pc, res.Err)
		return
	}

	p, ok := s.tracker.promote(a, func() *Pair {
		return pairFrom(pc, res.Conn, func() { a.transition(statePaired, stateClosing) })
	})
	if !ok {
		// shutdown began while the dial was outstanding
		_ = res.Conn.Close()
		s.log.Debug("dial.discarded", obs.Fields{"conn": pc.Label(), "reason": errShutdownStart.Error()})
		s.fail(ctx, a, pc, errShutdownStart)
		return
	}
	s.relayPair(a, p)
}

// await waits for the dial result. If ctx ends first the late result is
// drained in the background and any connection it carries is closed.
func (s *Server) await(ctx context.Context, ch <-chan DialResult) DialResult {
	select {
	case res := <-ch:
		if res.Err == nil && res.Conn == nil {
			res.Err = errors.New("dialer returned no connection")
		}
		return res
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.Conn != nil {
				_ = late.Conn.Close()
			}
		}()
		return DialResult{Err: ctx.Err()}
	}
}

// fail closes the client before any store I/O so a slow store never holds it open.
func (s *Server) fail(ctx context.Context, a *attempt, pc *PendingClient, err error) {
	a.transition(stateDialing, stateFailed)
	pc.discard()
	s.store.DropPending(a.id)
	if ctx.Err() == nil && !errors.Is(err, errShutdownStart) {
		s.log.Error("dial failed", obs.Fields{"conn": pc.Label(), "remote": s.opts.Remote.String(), "err": err.Error()})
		s.metrics.DialFailuresTotal.Inc()
		s.store.RecordDialFailure()
	} else {
		s.log.Debug("dial cancelled", obs.Fields{"conn": pc.Label()})
	}
	a.transition(stateFailed, stateClosed)
}

func (s *Server) relayPair(a *attempt, p *Pair) {
	s.log.Info("connect complete", obs.Fields{"conn": p.RemoteLabel(), "client": p.ClientLabel()})
	s.metrics.PairsTotal.Inc()
	s.metrics.ActivePairs.Inc()

	// Registration runs beside the relay; RemovePair waits for it so a
	// record is never written after it was removed.
	registered := make(chan struct{})
	info := state.PairInfo{ID: a.id, Client: p.ClientLabel(), Remote: p.RemoteLabel(), Since: time.Now()}
	go func() {
		defer close(registered)
		if err := s.store.RegisterPair(info); err != nil {
			s.log.Error("state.register_pair", obs.Fields{"err": err.Error(), "id": a.id})
			s.metrics.ErrorsTotal.WithLabelValues("state").Inc()
		}
	}()

	start := time.Now()
	up := s.metrics.BytesRelayedTotal.WithLabelValues(obs.DirUpstream)
	down := s.metrics.BytesRelayedTotal.WithLabelValues(obs.DirDownstream)
	err := p.run(s.opts.BufferSize, func(n int) { up.Add(float64(n)) }, func(n int) { down.Add(float64(n)) })
	if err != nil {
		s.log.Debug("relay.error", obs.Fields{"conn": p.ClientLabel(), "err": err.Error()})
		s.metrics.ErrorsTotal.WithLabelValues("relay").Inc()
	}

	s.log.Info("close", obs.Fields{"conn": p.ClientLabel()})
	s.log.Info("close", obs.Fields{"conn": p.RemoteLabel()})
	a.transition(stateClosing, stateClosed)
	s.metrics.ActivePairs.Dec()
	s.metrics.PairDurationSeconds.Observe(time.Since(start).Seconds())
	<-registered
	s.store.RemovePair(a.id)
}

// Shutdown stops accepting, closes every pending and paired connection and
// makes Serve return. It is also what Serve runs when its context ends.
func (s *Server) Shutdown() { s.shutdown() }

func (s *Server) shutdown() {
	s.shutdownMu.Do(func() {
		s.log.Info("server.shutdown.signal", obs.Fields{})
		s.store.SetClosing(true)
		s.mu.Lock()
		s.closed = true
		listeners := s.listeners
		serveCancel := s.serveCancel
		s.mu.Unlock()
		if serveCancel != nil {
			serveCancel()
		}
		for _, ln := range listeners {
			_ = ln.Close()
		}
		s.metrics.Listeners.Set(0)

		s.tracker.beginShutdown()
		if s.opts.GracePeriod > 0 {
			s.drain(s.opts.GracePeriod)
		}
		s.tracker.closeAll()
		s.baseCancel()
	})
}

// drain waits up to d for tracked attempts to finish on their own.
func (s *Server) drain(d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for s.tracker.len() > 0 {
		select {
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func remoteIP(c net.Conn) string {
	addr := addrString(c.RemoteAddr())
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

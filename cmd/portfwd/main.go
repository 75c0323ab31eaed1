package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/matst80/portfwd/internal/obs"
	"github.com/matst80/portfwd/internal/proxy"
	"github.com/matst80/portfwd/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const limiterCleanupInterval = time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, filepath.Base(os.Args[0]), os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run starts the proxy and blocks until ctx is done. It returns the process
// exit code.
func run(ctx context.Context, prog string, args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(prog, args, stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 1
	case err != nil:
		obs.New(stdout, false).Error("config", obs.Fields{"err": err.Error()})
		return 1
	}

	log := obs.New(stdout, cfg.Debug)
	log.Info("remote address", obs.Fields{"addr": cfg.Remote.String()})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := newStateStore(ctx, cfg, log)
	if err != nil {
		log.Error("state.init", obs.Fields{"err": err.Error()})
		return 1
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	limiter := connLimiter(cfg)
	if limiter != nil {
		go runCleanupLoop(ctx, limiter, limiterCleanupInterval, cfg.LimiterIdle, log)
	}

	srv, err := proxy.NewServer(proxy.Options{
		Listen:      cfg.Listen,
		Remote:      cfg.Remote,
		Dialer:      proxy.NetDialer{Timeout: cfg.DialTimeout},
		BufferSize:  cfg.BufferSize,
		GracePeriod: cfg.GracePeriod,
		Limiter:     limiter,
		Store:       store,
		Logger:      log,
		Metrics:     metrics,
	})
	if err != nil {
		log.Error("server.init", obs.Fields{"err": err.Error()})
		return 1
	}
	if err := srv.Listen(ctx); err != nil {
		log.Error("listen", obs.Fields{"err": err.Error()})
		return 1
	}

	if cfg.MetricsAddr != "" {
		info := statusInfo{Remote: cfg.Remote.String()}
		for _, a := range srv.Addrs() {
			info.Listeners = append(info.Listeners, a.String())
		}
		go startAdminServer(ctx, cfg.MetricsAddr, reg, store, info, log)
	}

	log.Info("server.ready", obs.Fields{"listeners": len(cfg.Listen)})
	if err := srv.Serve(ctx); err != nil {
		log.Error("serve", obs.Fields{"err": err.Error()})
		return 1
	}
	return 0
}

// connLimiter returns nil when no connection rate is configured.
func connLimiter(cfg *Config) *ratelimit.Limiter {
	l := ratelimit.NewLimiter(cfg.GlobalConnRate, cfg.ConnRate, cfg.ConnBurst)
	if !l.Enabled() {
		return nil
	}
	return l
}

func runCleanupLoop(ctx context.Context, l *ratelimit.Limiter, interval, maxIdle time.Duration, log *obs.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.CleanupIdle(maxIdle); n > 0 {
				log.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}

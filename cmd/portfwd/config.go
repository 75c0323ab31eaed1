package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/matst80/portfwd/internal/endpoint"
	"github.com/matst80/portfwd/internal/proxy"
)

const usageLine = "Usage: %s [flags] <listen addr> [ <listen addr> ... ] <remote addr>\n"

var errUsage = errors.New("at least one listen address and a remote address are required")

// Config holds runtime configuration. Defaults come from PORTFWD_* environment
// variables; flags given on the command line take precedence.
type Config struct {
	MetricsAddr    string        `envconfig:"METRICS_ADDR"`
	Debug          bool          `envconfig:"DEBUG"`
	DialTimeout    time.Duration `envconfig:"DIAL_TIMEOUT"`
	GracePeriod    time.Duration `envconfig:"GRACE_PERIOD"`
	BufferSize     int           `envconfig:"BUFFER_SIZE" default:"65536"`
	ConnRate       int           `envconfig:"CONN_RATE"`
	GlobalConnRate int           `envconfig:"GLOBAL_CONN_RATE"`
	ConnBurst      int           `envconfig:"CONN_BURST" default:"10"`
	LimiterIdle    time.Duration `envconfig:"LIMITER_IDLE" default:"5m"`
	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB"`

	Listen []endpoint.Endpoint `ignored:"true"`
	Remote endpoint.Endpoint   `ignored:"true"`
}

// loadConfig reads the environment, then flags, then the positional
// addresses. The last address is the remote; every other one is a listener.
func loadConfig(prog string, args []string, output io.Writer) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("portfwd", &cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(output, usageLine, prog)
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "remote dial timeout (0 = OS default)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "time to let active pairs finish after a shutdown signal (0 = immediate)")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "relay chunk size in bytes per direction")
	fs.IntVar(&cfg.ConnRate, "conn-rate", cfg.ConnRate, "accepted connections per second per client IP (0 = unlimited)")
	fs.IntVar(&cfg.GlobalConnRate, "global-conn-rate", cfg.GlobalConnRate, "accepted connections per second across all clients (0 = unlimited)")
	fs.IntVar(&cfg.ConnBurst, "conn-burst", cfg.ConnBurst, "burst size for connection rate limits")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for shared state (empty = in-memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database number")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) < 2 {
		fs.Usage()
		return nil, errUsage
	}
	eps, err := endpoint.ParseAll(rest)
	if err != nil {
		return nil, err
	}
	cfg.Listen = eps[:len(eps)-1]
	cfg.Remote = eps[len(eps)-1]
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = proxy.DefaultBufferSize
	}
	return &cfg, nil
}

package main

import (
	"context"

	"github.com/matst80/portfwd/internal/obs"
	"github.com/matst80/portfwd/internal/state"
)

// newStateStore creates either an in-memory or Redis-backed state store based on configuration.
// For Redis the heartbeat loop runs until ctx is done.
func newStateStore(ctx context.Context, cfg *Config, log *obs.Logger) (state.Store, error) {
	if cfg.RedisAddr == "" {
		log.Info("state.backend", obs.Fields{"type": "in-memory"})
		return state.NewMemory(), nil
	}
	log.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	r, err := state.NewRedis(state.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, log)
	if err != nil {
		return nil, err
	}
	go r.StartMaintenance(ctx)
	return r, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matst80/portfwd/internal/obs"
	"github.com/matst80/portfwd/internal/state"
	"github.com/matst80/portfwd/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusInfo is the fixed part of the status page.
type statusInfo struct {
	Remote    string
	Listeners []string
}

func newAdminMux(gatherer prometheus.Gatherer, store state.Store, info statusInfo) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := web.Render(w, "status", map[string]any{
			"Remote":    info.Remote,
			"Listeners": info.Listeners,
			"Stats":     store.Stats(),
			"Pairs":     store.Pairs(),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(store)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if store.IsClosing() || !store.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startAdminServer serves metrics and health endpoints until ctx is done.
func startAdminServer(ctx context.Context, addr string, gatherer prometheus.Gatherer, store state.Store, info statusInfo, log *obs.Logger) {
	srv := &http.Server{Addr: addr, Handler: newAdminMux(gatherer, store, info), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("admin.listen", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("admin.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}

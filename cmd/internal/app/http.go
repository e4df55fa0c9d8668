package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"murmur/cmd/identity"
	authapi "murmur/cmd/internal/auth/api"
	"murmur/cmd/internal/realtime"
)

const eventsPath = "/auth/events"

type routes struct {
	log      Logger
	cfg      Config
	accounts identity.Store
	registry *prometheus.Registry
	auth     *authapi.Handler
	ws       *realtime.WSGateway
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.cfg.StoreBackend() == StoreMemory {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.accounts.Ping(ctx); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.store.not_ready", "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}

	rt.auth.Register(mux)
	mux.Handle(eventsPath, rt.ws)
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
)

// readinessProbe reports whether one dependency is usable.
type readinessProbe struct {
	name  string
	check func(ctx context.Context) error
}

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", a.handleReady)

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{Registry: a.promReg}))

	api := http.NewServeMux()
	a.api.Register(api)
	mux.Handle("/api/", WithCORS(api, a.cfg, a.log))

	mux.Handle("/ws", a.ws)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && !a.backend.Persistent() {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	for _, p := range a.probes() {
		if err := p.check(r.Context()); err != nil {
			a.log.Info("readyz.not_ready", "dependency", p.name, "err", err)
			http.Error(w, p.name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (a *App) probes() []readinessProbe {
	out := []readinessProbe{{name: "db", check: a.backend.Ping}}
	if a.rdb != nil {
		rdb := a.rdb
		out = append(out, readinessProbe{name: "redis", check: func(ctx context.Context) error {
			return pingRedis(ctx, rdb)
		}})
	}
	return out
}

func pingRedis(parent context.Context, rdb redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

func newPrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runtimeBaseURL turns a listen address into a URL clients on this host can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
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

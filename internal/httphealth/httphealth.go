// Package httphealth wires the /healthz, /readyz and /metrics routes
// shared by both binaries onto a chi router.
package httphealth

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ready is a flippable readiness flag; NotReady until SetReady(true) is
// called once by the owning orchestrator.
type Ready struct {
	ready atomic.Bool
}

func (r *Ready) SetReady(v bool) { r.ready.Store(v) }
func (r *Ready) IsReady() bool   { return r.ready.Load() }

// NewMux builds a router exposing liveness, readiness and Prometheus
// metrics. readyFn is polled on every /readyz request.
func NewMux(readyFn func() bool) chi.Router {
	r := chi.NewRouter()
	Register(r, readyFn)
	return r
}

// Register mounts the health and metrics routes onto an existing router,
// for binaries that share one listener between these and their own routes.
func Register(r chi.Router, readyFn func() bool) {
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if readyFn != nil && readyFn() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	r.Handle("/metrics", promhttp.Handler())
}

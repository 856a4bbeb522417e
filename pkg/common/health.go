package common

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ahrav/scanflow/pkg/common/logger"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthServer serves /health and /readiness. Liveness always succeeds;
// readiness requires the ready flag and every registered check to pass.
type HealthServer struct {
	ready  *atomic.Bool
	checks map[string]ReadinessCheck
	server *http.Server
}

// NewHealthServer creates a HealthServer listening on addr.
func NewHealthServer(addr string, ready *atomic.Bool, log *logger.Logger) *HealthServer {
	h := &HealthServer{ready: ready, checks: make(map[string]ReadinessCheck)}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/readiness", h.readiness)

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}
	return h
}

// AddCheck registers a readiness check. It must be called before the server
// starts.
func (h *HealthServer) AddCheck(name string, check ReadinessCheck) { h.checks[name] = check }

// Handler exposes the mux, mainly for tests.
func (h *HealthServer) Handler() http.Handler { return h.server.Handler }

// Server returns the underlying http.Server.
func (h *HealthServer) Server() *http.Server { return h.server }

func (h *HealthServer) readiness(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		http.Error(w, "Not Ready", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			http.Error(w, fmt.Sprintf("%s: %v", name, err), http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

// Package api serves the operational HTTP surface of a node: health,
// status, and Prometheus metrics. The hub additionally mounts its edge
// control-channel upgrade endpoint on the same router.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource provides the node's status document, rendered at /statusz.
type StatusSource interface {
	Status() map[string]interface{}
}

// Server is the operational HTTP listener.
type Server struct {
	router *mux.Router
	log    *slog.Logger
}

// New builds the router. gatherer may be nil to disable /metrics.
func New(src StatusSource, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{router: mux.NewRouter(), log: log}

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}).Methods("GET")

	s.router.HandleFunc("/statusz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, src.Status())
	}).Methods("GET")

	if gatherer != nil {
		s.router.Handle("/metrics",
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return s
}

// Handle mounts an extra endpoint, used by the hub for the control channel.
func (s *Server) Handle(path string, h http.HandlerFunc) {
	s.router.HandleFunc(path, h)
}

// Router exposes the underlying router, for tests.
func (s *Server) Router() *mux.Router { return s.router }

// Run serves until ctx is canceled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("http surface listening", "addr", srv.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

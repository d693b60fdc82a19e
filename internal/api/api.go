// Package api serves the read-only admin endpoint: liveness, a status
// snapshot of every instrument and its connections, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openlis/astmlink/internal/keepalive"
	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/pkg/metrics"
)

// ConnectionStatus is one live analyzer connection in the snapshot.
type ConnectionStatus struct {
	RemoteAddress string          `json:"remote_address"`
	LinkState     string          `json:"link_state"`
	Busy          bool            `json:"busy"`
	ConnectedAt   time.Time       `json:"connected_at"`
	KeepAlive     keepalive.Stats `json:"keep_alive"`
}

// InstrumentStatus is one configured instrument in the snapshot.
type InstrumentStatus struct {
	Name        string             `json:"name"`
	Port        int                `json:"port"`
	Connections []ConnectionStatus `json:"connections"`
}

// StatusProvider supplies the snapshot; the service layer implements it.
type StatusProvider interface {
	Status() []InstrumentStatus
}

// Server is the admin HTTP server.
type Server struct {
	http *http.Server
}

// New builds the server on the given listen address.
func New(listen string, provider StatusProvider) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider.Status()); err != nil {
			logger.Warn("status encode failed", logger.KeyError, err.Error())
		}
	})

	if reg := metrics.GetRegistry(); reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return &Server{
		http: &http.Server{
			Addr:              listen,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info("admin endpoint listening", "listen", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin endpoint failed", logger.KeyError, err.Error())
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		logger.Warn("admin endpoint shutdown", logger.KeyError, err.Error())
	}
}

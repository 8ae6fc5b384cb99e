package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	metricsReadTimeout       = 10 * time.Second
	metricsWriteTimeout      = 10 * time.Second
	metricsIdleTimeout       = 120 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		ReadTimeout:       metricsReadTimeout,
		WriteTimeout:      metricsWriteTimeout,
		IdleTimeout:       metricsIdleTimeout,
	}
}

// Server exposes /metrics, /health, /healthz and /readyz.
type Server struct {
	mux    *http.ServeMux
	health *HealthCheck
}

// ServerConfig configures the observability server.
type ServerConfig struct {
	Collector *Collector
	Version   string
	Namespace string // Prometheus namespace, default DefaultNamespace
}

// NewServer creates a new observability server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}

	s := &Server{
		mux:    http.NewServeMux(),
		health: NewHealthCheck(cfg.Collector, cfg.Version),
	}
	s.mux.Handle("/metrics", NewPrometheusExporter(cfg.Collector, cfg.Namespace).Handler())
	s.mux.Handle("/health", s.health.Handler())
	s.mux.Handle("/healthz", s.health.LivenessHandler())
	s.mux.Handle("/readyz", s.health.ReadinessHandler())
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Health returns the server's readiness checks.
func (s *Server) Health() *HealthCheck {
	return s.health
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := newHTTPServer(ln.Addr().String(), s.mux)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Package server exposes pipeline sessions to other processes: a Connect
// service over HTTP/JSON, and a language server publishing grammar and
// sample diagnostics.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tliron/commonlog"

	"github.com/chazu/gramlab/pipeline"
)

var log = commonlog.GetLogger("gramlab.server")

// GramServer serves the pipeline service and its metrics on one mux.
type GramServer struct {
	sessions *SessionStore
	metrics  *pipeline.Metrics
	mux      *http.ServeMux

	stopSweeper func()
}

// ServerOption configures a GramServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	sweepInterval time.Duration
	sessionTTL    time.Duration
	registry      *prometheus.Registry
	sessionOpts   []pipeline.Option
}

// WithSessionTTL sets how long an idle session survives and how often
// idle sessions are swept.
func WithSessionTTL(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.sessionTTL = ttl
	}
}

// WithRegistry registers the server's metrics with reg instead of a
// private registry.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(c *serverConfig) { c.registry = reg }
}

// WithSessionOptions applies opts to every session the server creates.
func WithSessionOptions(opts ...pipeline.Option) ServerOption {
	return func(c *serverConfig) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// New creates a GramServer.
func New(opts ...ServerOption) *GramServer {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		sessionTTL:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
		cfg.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	metrics := pipeline.NewMetrics(cfg.registry)
	sessionOpts := append([]pipeline.Option{pipeline.WithMetrics(metrics)}, cfg.sessionOpts...)
	sessions := NewSessionStore(sessionOpts...)

	s := &GramServer{
		sessions: sessions,
		metrics:  metrics,
		mux:      http.NewServeMux(),
	}

	path, handler := NewPipelineServiceHandler(NewPipelineService(sessions))
	s.mux.Handle(path, handler)
	s.mux.Handle("/metrics", promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{}))

	s.stopSweeper = sessions.StartSweeper(cfg.sweepInterval, cfg.sessionTTL)
	return s
}

// Handler returns the server's HTTP handler.
func (s *GramServer) Handler() http.Handler {
	return s.mux
}

// Sessions returns the server's session store.
func (s *GramServer) Sessions() *SessionStore {
	return s.sessions
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *GramServer) ListenAndServe(addr string) error {
	log.Noticef("gramlab server listening on %s", addr)
	log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, PipelineServiceParseProcedure)
	log.Noticef("  metrics:             http://%s/metrics", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// Stop stops the sweeper and closes every session.
func (s *GramServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.sessions.CloseAll()
}

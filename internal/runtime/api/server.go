// Package api serves the HTTP query surface of an indexer: raw SQL and
// paginated table reads per slot, the generated GraphQL schema, pipeline
// statistics, plugin routes and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/pipeline"
	"github.com/drblury/indexflow/internal/runtime/plugins"
	"github.com/drblury/indexflow/internal/runtime/tenant"
)

const (
	readHeaderTimeout = 5 * time.Second
	maxBodyBytes      = 1 << 20
)

// Tenants resolves slots.
type Tenants interface {
	Get(slot string) (*tenant.Tenant, error)
	Names() []string
}

// Options wires the server to the running service. Nil providers disable
// the matching endpoints.
type Options struct {
	Port               int
	CORSAllowedOrigins []string
	Tenants            Tenants
	Stats              func() pipeline.StatsSnapshot
	Routes             func() *plugins.RouteTable
	Instances          func() []plugins.InstanceInfo
	Gatherer           prometheus.Gatherer
	// QueryTimeout bounds each storage call made on behalf of a request.
	QueryTimeout time.Duration
	Logger       logging.ServiceLogger
}

type Server struct {
	opts   Options
	logger logging.ServiceLogger
	router *mux.Router
	http   *http.Server
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With(logging.LogFields{"component": "api"}),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	s.router.Use(s.corsMiddleware, s.logMiddleware)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pipeline/stats", s.handleStats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/slots", s.handleSlots).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/plugins", s.handlePlugins).Methods(http.MethodGet, http.MethodOptions)

	slot := api.PathPrefix("/{slot}").Subrouter()
	slot.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost, http.MethodOptions)
	slot.HandleFunc("/tables", s.handleTables).Methods(http.MethodGet, http.MethodOptions)
	slot.HandleFunc("/tables/{table}", s.handleTablePage).Methods(http.MethodGet, http.MethodOptions)
	slot.HandleFunc("/schema", s.handleSchema).Methods(http.MethodGet, http.MethodOptions)
	slot.HandleFunc("/graphql", s.handleGraphQL).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)

	s.router.PathPrefix("/plugins/{uuid}/").HandlerFunc(s.handlePluginRoute)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves in the background. It
// returns the bound address.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return "", fmt.Errorf("api: listen: %w", err)
	}
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	addr := ln.Addr().String()
	s.logger.Info("Starting HTTP API", logging.LogFields{"address": addr})
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API stopped", err, logging.LogFields{"address": addr})
		}
	}()
	return addr, nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

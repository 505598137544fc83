// Package ingest implements the batch ingestion endpoint run by the
// master and by every queue relay. It authenticates senders against the
// local node registry, commits events idempotently into the next stage,
// and reports per-event outcomes so forwarders can acknowledge exactly
// what was accepted.
package ingest

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/watchmanio/relay/pkg/graph"
	"github.com/watchmanio/relay/pkg/logger"
	obs "github.com/watchmanio/relay/pkg/observability/prometheus"
	"github.com/watchmanio/relay/pkg/registry"
)

// Config configures the ingestion endpoint.
type Config struct {
	Addr string

	// AdminToken gates the provisioning and listing routes. Empty
	// disables the administrative surface entirely.
	AdminToken string

	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxRequestBodySize int
}

// DefaultConfig returns conservative server defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:               addr,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		MaxRequestBodySize: 8 << 20, // a full batch plus headroom
	}
}

// DepthFunc reports the local buffer depth for the health route. Nodes
// without a buffer (the master) pass nil.
type DepthFunc func() (count int64, bytes int64)

// Server is the ingestion endpoint.
type Server struct {
	cfg       Config
	role      string
	registry  *registry.Registry
	committer graph.Committer
	metrics   *obs.Metrics
	depth     DepthFunc

	server   *fasthttp.Server
	ln       net.Listener
	draining atomic.Bool
	locks    keyedLocks
	metricsH fasthttp.RequestHandler
}

// NewServer wires the endpoint. committer is the next stage: the graph
// store at the master, the local buffer at a queue relay.
func NewServer(cfg Config, role string, reg *registry.Registry, committer graph.Committer, metrics *obs.Metrics, depth DepthFunc) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("ingest: registry is required")
	}
	if committer == nil {
		return nil, fmt.Errorf("ingest: committer is required")
	}
	if metrics == nil {
		metrics = obs.Get()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = 8 << 20
	}

	s := &Server{
		cfg:       cfg,
		role:      role,
		registry:  reg,
		committer: committer,
		metrics:   metrics,
		depth:     depth,
		metricsH:  fasthttpadaptor.NewFastHTTPHandler(metrics.Handler()),
	}
	s.server = &fasthttp.Server{
		Handler:               s.route,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		MaxRequestBodySize:    cfg.MaxRequestBodySize,
		NoDefaultServerHeader: true,
	}
	return s, nil
}

// ListenAndServe binds cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ingest: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until Shutdown. Tests pass their
// own listener to get an ephemeral port.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	logger.Info().Str("addr", ln.Addr().String()).Str("role", s.role).Msg("ingestion endpoint listening")
	return s.server.Serve(ln)
}

// Addr returns the bound address, once serving.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// BeginDrain makes the endpoint reject new batches and heartbeats with
// 503 while in-flight commits finish, so senders know to retry later
// (or elsewhere). Administrative and health routes stay available.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
	logger.Info().Msg("ingestion endpoint draining, new batches rejected")
}

// Shutdown stops the listener after in-flight requests complete.
func (s *Server) Shutdown(ctx context.Context) error {
	s.BeginDrain()
	return s.server.ShutdownWithContext(ctx)
}

// route dispatches by method and path. The route table is small enough
// that a switch beats a routing tree.
func (s *Server) route(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	switch {
	case method == fasthttp.MethodPost && path == "/v1/events":
		s.handleBatch(ctx)
	case method == fasthttp.MethodPost && path == "/v1/heartbeat":
		s.handleHeartbeat(ctx)
	case method == fasthttp.MethodPost && path == "/v1/nodes":
		s.handleRegister(ctx)
	case method == fasthttp.MethodGet && path == "/v1/nodes":
		s.handleListNodes(ctx)
	case method == fasthttp.MethodDelete && len(path) > len("/v1/nodes/") && path[:len("/v1/nodes/")] == "/v1/nodes/":
		s.handleArchive(ctx, path[len("/v1/nodes/"):])
	case method == fasthttp.MethodGet && path == "/healthz":
		s.handleHealthz(ctx)
	case method == fasthttp.MethodGet && path == "/metrics":
		s.metricsH(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

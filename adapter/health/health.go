// Package health reports executor connection state over the standard gRPC health
// checking protocol.
package health

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/registry"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// ServicePrefix prefixes the per-executor service names.
const ServicePrefix = "executor/"

// ServiceName returns the health service name of an executor.
func ServiceName(executorID string) string {
	return ServicePrefix + executorID
}

// Server is a gRPC health server that mirrors registry state. The empty service name
// reports the gateway itself.
//
// It implements registry.Observer.
type Server struct {
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	logger   *slog.Logger
	mu       sync.Mutex
	running  bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a health server listening on address.
func NewServer(address string, opts ...Option) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return newServer(listener, opts...), nil
}

func newServer(listener net.Listener, opts ...Option) *Server {
	s := &Server{
		health:   health.NewServer(),
		server:   grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		listener: listener,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Checker returns the underlying health service.
func (s *Server) Checker() healthpb.HealthServer {
	return s.health
}

// ConnectionChanged implements registry.Observer.
func (s *Server) ConnectionChanged(info registry.Info) {
	status := StatusFor(info.State)
	s.health.SetServingStatus(ServiceName(info.ExecutorID), status)
	s.logger.Debug("executor health changed", "executor_id", info.ExecutorID, "status", status.String())
}

// StatusFor maps a connection state to a serving status. Only Connected serves.
func StatusFor(state gateway.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == gateway.StateConnected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Start serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("health server listening", "addr", s.Addr())
	go func() {
		if err := s.server.Serve(s.listener); err != nil {
			s.logger.Debug("health server stopped", "error", err)
		}
	}()
	return nil
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return s.listener.Close()
	}

	s.health.Shutdown()
	s.server.GracefulStop()
	s.running = false
	return nil
}

var _ registry.Observer = (*Server)(nil)

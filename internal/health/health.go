// Package health serves the standard gRPC health checking protocol.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-checked service name of the message bus.
// The empty name reports the same status for the whole process.
const ServiceName = "messagebus.Dispatcher"

// Server is a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	status *grpchealth.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a health Server for addr. Status starts NOT_SERVING.
//
// Precondition: logger must be non-nil.
func NewServer(addr string, logger *zap.Logger) *Server {
	status := grpchealth.NewServer()
	status.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	status.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, status)

	return &Server{
		addr:   addr,
		logger: logger,
		grpc:   g,
		status: status,
	}
}

// SetServing updates the status reported for the process and ServiceName.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.status.SetServingStatus("", st)
	s.status.SetServingStatus(ServiceName, st)
	s.logger.Info("health status changed", zap.Stringer("status", st))
}

// ServeWhen reports SERVING once ready is closed. It returns without
// changing the status if done is closed first.
func (s *Server) ServeWhen(ready, done <-chan struct{}) {
	select {
	case <-ready:
		select {
		case <-done:
			return
		default:
		}
		s.SetServing(true)
	case <-done:
	}
}

// Start listens on the configured address and serves until Stop.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("health server listening",
		zap.String("addr", lis.Addr().String()),
	)
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING to watchers and stops the server, forcing it
// closed if ctx ends before in-flight calls finish.
func (s *Server) Stop(ctx context.Context) error {
	s.status.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return fmt.Errorf("stopping health server: %w", ctx.Err())
	}
}

// Addr returns the listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

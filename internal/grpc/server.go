// Package grpc exposes the standard gRPC health service for the call server.
// It reports NOT_SERVING until orphan recovery has finished.
package grpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// CallServiceName is the health service name clients probe for call handling.
const CallServiceName = "livering.calls.v1.CallService"

// Server wraps the gRPC server
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer creates a new gRPC server
func NewServer(port string, logger *zap.Logger) (*Server, error) {
	// Create listener - net.Listen is standard for gRPC server setup
	lis, err := net.Listen("tcp", ":"+port) //nolint:noctx // Server initialization doesn't require context
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %s: %w", port, err)
	}

	return newServer(lis, logger), nil
}

func newServer(lis net.Listener, logger *zap.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(logger)),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(CallServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	// Register reflection service for development (allows tools like grpcurl)
	reflection.Register(grpcServer)

	logger.Info("gRPC server configured", zap.String("address", lis.Addr().String()))

	return &Server{
		grpcServer: grpcServer,
		health:     hs,
		listener:   lis,
		logger:     logger,
	}
}

// SetServing marks the call service as serving or not.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(CallServiceName, status)
	s.logger.Info("health status changed", zap.String("status", status.String()))
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts the gRPC server
func (s *Server) Serve() error {
	s.logger.Info("starting gRPC server", zap.String("address", s.listener.Addr().String()))

	if err := s.grpcServer.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// GracefulStop gracefully stops the gRPC server
func (s *Server) GracefulStop() {
	s.logger.Info("gracefully stopping gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Stop immediately stops the gRPC server
func (s *Server) Stop() {
	s.logger.Info("stopping gRPC server")
	s.grpcServer.Stop()
}

// loggingInterceptor logs all gRPC requests
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		logger.Debug("gRPC request",
			zap.String("method", info.FullMethod),
		)

		resp, err := handler(ctx, req)

		if err != nil {
			logger.Error("gRPC request failed",
				zap.String("method", info.FullMethod),
				zap.Error(err),
			)
		} else {
			logger.Debug("gRPC request completed",
				zap.String("method", info.FullMethod),
			)
		}

		return resp, err
	}
}

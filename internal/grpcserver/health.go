// Package grpcserver exposes the gateway's readiness over the standard gRPC
// health protocol.
package grpcserver

import (
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/dinox-gateway/internal/logging"
)

// TaskServiceName is the health service name reported for the DINO-X task pipeline.
const TaskServiceName = "dinox.TaskService"

// HealthServer wraps a gRPC server that only serves grpc.health.v1.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer builds a server whose services start as NOT_SERVING.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(TaskServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return &HealthServer{server: server, health: hs, logger: logger.Named("grpc_health")}
}

// SetServing flips every registered service between SERVING and NOT_SERVING.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(TaskServiceName, status)
	s.logger.Info("health status changed", zap.String("status", status.String()))
}

// Serve blocks serving on lis until Stop is called.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("grpcserver.serve", "", err)
	}
	return nil
}

// Stop marks services NOT_SERVING and drains in-flight RPCs.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

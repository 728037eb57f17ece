// Package rpc exposes the inference worker's gRPC health endpoint.
package rpc

import (
	"MeterDetServer/logger"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name of the detection worker. The empty
// name reports the same status.
const ServiceName = "meter.Detector"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

func NewServer() *Server {
	s := &Server{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(unaryInterceptor)),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// StartGRPCServer listens on port (0 picks a free one) and serves in the
// background.
func StartGRPCServer(port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("rpc: listen on %d: %w", port, err)
	}
	s := NewServer()
	s.lis = lis
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// SetServing flips both the overall and the detector status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Stop marks everything NOT_SERVING and drains in-flight calls for up to
// timeout before forcing the server down.
func (s *Server) Stop(timeout time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpc.Stop()
	}
}

func unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("gRPC panic recovered", zap.String("method", info.FullMethod), zap.Any("panic", r))
			err = status.Errorf(codes.Internal, "internal error")
		}
	}()
	start := time.Now()
	resp, err = handler(ctx, req)
	logger.Log().Debug("gRPC call",
		zap.String("method", info.FullMethod),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return resp, err
}

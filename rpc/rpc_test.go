package rpc

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	port := s.Addr().(*net.TCPAddr).Port
	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth(t *testing.T) {
	s, err := StartGRPCServer(0)
	require.NoError(t, err)
	defer s.Stop(time.Second)
	c := dial(t, s)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))

	s.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ServiceName))

	s.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown.Service"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestStartGRPCServer_PortInUse(t *testing.T) {
	s, err := StartGRPCServer(0)
	require.NoError(t, err)
	defer s.Stop(time.Second)

	_, err = StartGRPCServer(s.Addr().(*net.TCPAddr).Port)
	assert.Error(t, err)
}

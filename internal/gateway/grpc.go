// ABOUTME: gRPC listener serving the standard health service for ops health checks
// ABOUTME: Reports the gateway as a whole and each supervised adapter as its own service

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/clara-gateway/internal/supervisor"
)

// Health service names.
const (
	healthServiceGateway       = "clara.Gateway"
	healthServiceAdapterPrefix = "clara.Adapter/"
)

func newGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// adapterHealth maps a supervisor state onto a health status.
func adapterHealth(s supervisor.State) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case supervisor.StateRunning:
		return healthpb.HealthCheckResponse_SERVING
	case supervisor.StateStarting, supervisor.StateCrashed:
		return healthpb.HealthCheckResponse_UNKNOWN
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// onAdapterState runs under the supervisor's lock and must not call back into it.
func (g *Gateway) onAdapterState(name string, from, to supervisor.State) {
	g.health.SetServingStatus(healthServiceAdapterPrefix+name, adapterHealth(to))
	if from == supervisor.StateCrashed && to == supervisor.StateStarting {
		g.metrics.AdapterRestarted(name)
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

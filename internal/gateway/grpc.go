// ABOUTME: gRPC health service reporting gateway and agent availability
// ABOUTME: The omni.agents service is SERVING only while at least one agent is connected

package gateway

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/omni-gateway/internal/auth"
)

// AgentsHealthService is the gRPC health service name tracking agent presence.
const AgentsHealthService = "omni.agents"

func newHealthServer() *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(AgentsHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

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

// updateAgentHealth publishes the current agent presence to health watchers.
func (g *Gateway) updateAgentHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.registry.Count(auth.RoleAgent) > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(AgentsHealthService, status)
}

package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewHealthServer returns a gRPC server exposing the standard health
// service. Liveness is SERVING from the start; reconciliation never changes
// it.
func NewHealthServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return server, healthSrv
}

// HealthProbe checks a canonical owner service through its gRPC health
// endpoint.
type HealthProbe struct {
	name    string
	service string
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
}

func NewHealthProbe(name, endpoint, service string) (*HealthProbe, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s grpc: %w", name, err)
	}
	return &HealthProbe{name: name, service: service, conn: conn, client: healthpb.NewHealthClient(conn)}, nil
}

func (p *HealthProbe) Name() string { return p.name }

func (p *HealthProbe) Ping(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s reports %s", p.name, resp.GetStatus())
	}
	return nil
}

func (p *HealthProbe) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

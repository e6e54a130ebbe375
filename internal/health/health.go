// Package health serves grpc.health.v1 with one service per broker.
package health

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"autotrade-core/internal/events"
	"autotrade-core/internal/reconciliation"
)

// ServiceName is the health service name of a broker.
func ServiceName(brokerID string) string {
	return "broker." + brokerID
}

// Server reports SERVING overall and per-broker status from projections.
type Server struct {
	health *grpchealth.Server
	grpc   *grpc.Server
	log    zerolog.Logger
}

func NewServer(log zerolog.Logger) *Server {
	s := &Server{
		health: grpchealth.NewServer(),
		grpc:   grpc.NewServer(),
		log:    log.With().Str("component", "health").Logger(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Apply sets each broker's status from a projection. Inactive brokers are
// NOT_SERVING as are disconnected ones.
func (s *Server) Apply(p reconciliation.Projection) {
	for _, b := range p.Brokers {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if b.Active && b.Connected {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(ServiceName(b.BrokerID), status)
	}
}

// Follow applies every projection published on the bus until ctx ends.
func (s *Server) Follow(ctx context.Context, bus *events.Bus, initial reconciliation.Projection) {
	s.Apply(initial)
	updates, unsub := bus.Subscribe(events.EventProjectionUpdated, 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-updates:
				if !ok {
					return
				}
				if p, ok := msg.(reconciliation.Projection); ok {
					s.Apply(p)
				}
			}
		}
	}()
}

// Check answers a health query in-process.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve blocks serving gRPC on addr until Stop.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", addr, err)
	}
	s.log.Info().Str("addr", addr).Msg("grpc health listening")
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

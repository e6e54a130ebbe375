package health

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
	"autotrade-core/internal/reconciliation"
)

func projection(connected bool) reconciliation.Projection {
	return reconciliation.Projection{Brokers: []engine.BrokerState{
		{BrokerID: "alpaca", Active: true, Connected: connected},
		{BrokerID: "moomoo", Active: false, Connected: false},
	}}
}

func TestApplyFollowsConnectedFlags(t *testing.T) {
	s := NewServer(zerolog.Nop())
	ctx := context.Background()

	overall, err := s.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, overall)

	s.Apply(projection(true))
	st, err := s.Check(ctx, ServiceName("alpaca"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
	st, err = s.Check(ctx, ServiceName("moomoo"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	_, err = s.Check(ctx, ServiceName("ibkr"))
	assert.Error(t, err, "unknown services are NotFound")
}

func TestFollowAppliesPublishedProjections(t *testing.T) {
	s := NewServer(zerolog.Nop())
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Follow(ctx, bus, projection(true))
	bus.Publish(events.EventProjectionUpdated, projection(false))

	assert.Eventually(t, func() bool {
		st, err := s.Check(ctx, ServiceName("alpaca"))
		return err == nil && st == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 10*time.Millisecond)
}

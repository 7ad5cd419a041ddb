package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeCheck struct {
	name string
	err  error
}

func (f fakeCheck) IsReady(context.Context) error { return f.err }
func (f fakeCheck) Name() string                  { return f.name }

func TestCheckAll(t *testing.T) {
	results, ok := CheckAll(context.Background(), []ReadinessCheck{
		fakeCheck{name: "sessions"},
		fakeCheck{name: "catalog", err: errors.New("down")},
	}, time.Second)

	require.False(t, ok)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Error)
	require.Equal(t, "catalog", results[1].Name)
	require.Error(t, results[1].Error)
}

func TestWatch_SetsServing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := grpchealth.NewServer()
	go Watch(ctx, srv, []ReadinessCheck{fakeCheck{name: "sessions"}}, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := srv.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)
}

package health

import (
	"context"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ReadinessCheck is implemented by every backing store the service depends on.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}

// Result is the outcome of one readiness probe.
type Result struct {
	Name  string
	Error error
}

// CheckAll probes every check with its own timeout and reports whether all
// of them passed.
func CheckAll(ctx context.Context, checks []ReadinessCheck, timeout time.Duration) ([]Result, bool) {
	results := make([]Result, 0, len(checks))
	ok := true
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.IsReady(cctx)
		cancel()

		if err != nil {
			ok = false
		}
		results = append(results, Result{Name: c.Name(), Error: err})
	}
	return results, ok
}

// Watch keeps the gRPC health server in sync with the readiness checks until
// ctx is done. The server starts as NOT_SERVING.
func Watch(ctx context.Context, srv *grpchealth.Server, checks []ReadinessCheck, interval time.Duration) {
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			if _, ok := CheckAll(ctx, checks, 500*time.Millisecond); !ok {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			srv.SetServingStatus("", status)
		}
	}
}

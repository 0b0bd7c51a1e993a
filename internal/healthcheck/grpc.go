package healthcheck

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"k8s.io/utils/clock"
)

// ServiceName is the service reported alongside the overall ("") status.
const ServiceName = "mira.TurnOrchestrator"

// GRPCServer serves grpc.health.v1 and refreshes it from a Checker.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	checker  *Checker
	clock    clock.WithTicker
	interval time.Duration
	logger   *slog.Logger
}

// NewGRPCServer creates the server. Statuses start NOT_SERVING until the
// first refresh.
func NewGRPCServer(checker *Checker, clk clock.WithTicker, interval time.Duration, logger *slog.Logger) *GRPCServer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		server:   srv,
		health:   hs,
		checker:  checker,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}
}

// Serve refreshes statuses on every interval and serves lis until ctx is
// cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Refresh(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.server.GracefulStop()
				return
			case <-ticker.C():
				s.Refresh(ctx)
			}
		}
	}()

	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	err := s.server.Serve(lis)
	cancel()
	<-done
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Refresh runs the checker once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if report := s.checker.Check(ctx); !report.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

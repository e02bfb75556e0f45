// Package grpc exposes the standard gRPC health service of the identity
// server. The reported status follows the database schema: the server is
// SERVING only while no migrations are pending.
package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/metrics"
)

// ServiceName is the service whose status is published next to the
// server-wide "" entry.
const ServiceName = "identitykeeper.Users"

// SchemaChecker reports the migration state of the store.
// *migrations.Runner satisfies it.
type SchemaChecker interface {
	Version(ctx context.Context) (int64, error)
	HasPending(ctx context.Context) (bool, error)
}

type GRPCServer struct {
	address  string
	logger   logging.Logger
	checker  SchemaChecker
	recorder metrics.Recorder
	interval time.Duration
	health   *health.Server
}

// NewGRPCServer builds a health server. A nil checker means there is no
// schema to watch and the server is always SERVING.
func NewGRPCServer(a string, l logging.Logger, checker SchemaChecker, recorder metrics.Recorder, interval time.Duration) *GRPCServer {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &GRPCServer{
		address:  a,
		logger:   l.With("module", "grpc_server"),
		checker:  checker,
		recorder: recorder,
		interval: interval,
		health:   health.NewServer(),
	}
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {

	// creates gRPC-server
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))

	// registers service
	healthpb.RegisterHealthServer(srv, s.health)

	s.refresh(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info(ctx, "Stopping gRPC server...")
				s.health.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(lis); err != nil {
		return err
	}

	return nil
}

// refresh publishes the current schema state.
func (s *GRPCServer) refresh(ctx context.Context) {
	status := s.check(ctx)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *GRPCServer) check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if s.checker == nil {
		return healthpb.HealthCheckResponse_SERVING
	}

	pending, err := s.checker.HasPending(ctx)
	if err != nil {
		s.logger.Warn(ctx, "schema check failed", "error", err)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}

	version, err := s.checker.Version(ctx)
	if err != nil {
		s.logger.Warn(ctx, "schema version check failed", "error", err)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.recorder.SetSchemaVersion(version, pending)

	if pending {
		s.logger.Warn(ctx, "migrations pending", "version", version)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

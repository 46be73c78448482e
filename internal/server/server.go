package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Check probes one dependency. Name is the health service name it reports
// under; the overall "" status is SERVING only while every check passes.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Server is the daemon's gRPC surface: health and reflection.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   []Check
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

type Option func(*Server)

// WithProbeInterval sets how often checks run.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithProbeTimeout bounds a single check.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(logger *slog.Logger, checks []Check, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		health:   health.NewServer(),
		checks:   checks,
		interval: 15 * time.Second,
		timeout:  3 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, c := range checks {
		s.health.SetServingStatus(c.Name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Serve accepts on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.probe(ctx)
	go s.probeLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.grpc.listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("server.grpc.stopping")
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	}
}

func (s *Server) probeLoop(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.probe(ctx)
		}
	}
}

// probe runs every check once and publishes the statuses.
func (s *Server) probe(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, c := range s.checks {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := c.Probe(pctx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			s.logger.Warn("server.health.check_failed", "check", c.Name, "err", err)
		}
		s.health.SetServingStatus(c.Name, status)
	}
	s.health.SetServingStatus("", overall)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("server.grpc.call", "method", info.FullMethod, "elapsed_ms", time.Since(start).Milliseconds(), "err", err)
	return resp, err
}

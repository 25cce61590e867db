package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"perpvault/internal/observability"
)

// Server fronts the process with two listeners: the chi API plus
// health probes over HTTP, and a gRPC endpoint carrying the standard
// health service for load balancers and grpcurl.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	log          zerolog.Logger
}

func New(grpcAddr, httpAddr string, api http.Handler, checker *observability.HealthChecker, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.LivenessHandler)
	mux.HandleFunc("/readyz", checker.ReadinessHandler)
	mux.Handle("/", api)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		log:      log,
	}
}

// SetServing flips the gRPC health status once startup completes, or
// back during drain.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// ServeGRPC blocks until ctx is cancelled or the listener fails.
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("grpc server draining")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// ServeHTTP blocks until ctx is cancelled or the listener fails.
func (s *Server) ServeHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

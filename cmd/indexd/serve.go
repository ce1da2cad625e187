package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/indexedcollections/internal/config"
	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/internal/server"
	"github.com/nainya/indexedcollections/pkg/engine"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(stdout, stderr io.Writer) *cobra.Command {
	cfg := config.NewConfig()
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the index server.",
		Long: `serve opens the configured store, verifies any attribute
updates interrupted by a previous crash, and starts the gRPC
index service and the metrics endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lc := cfg.LoggerConfig()
			lc.Output = stderr
			logger.InitGlobalLogger(lc)
			return serve(ctx, cfg, logger.GetGlobalLogger(), nil)
		},
	}
	cfg.Flags(serveCmd.Flags())
	return serveCmd
}

// serve runs until ctx is done. ready, when non-nil, receives the gRPC
// listen address once the server accepts connections.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger, ready chan<- net.Addr) error {
	log.LogServerStart(cfg.GRPC.Port, cfg.Backend, cfg.DataDir)

	m := metrics.NewMetrics()
	m.StartUptime(15 * time.Second)
	defer m.Stop()

	e, err := engine.Open(cfg.EngineOptions(), log, m)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Error("Failed to close engine").Err(err).Send()
		}
	}()
	if incs := e.Recovered(); len(incs) > 0 {
		log.Warn("Interrupted attribute updates left the index inconsistent").
			Int("count", len(incs)).
			Send()
	}

	var obs *server.ObservabilityServer
	if cfg.Metrics.Port != 0 {
		obs = server.NewObservabilityServer(cfg.Metrics.Port, m, log)
		go func() {
			if err := obs.Start(); err != nil {
				log.Error("Observability server stopped").Err(err).Send()
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := server.NewGRPCServer(server.NewServer(e, log), m)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if obs != nil {
		obs.SetReady(true)
	}
	log.LogServerReady(cfg.GRPC.Port)
	if ready != nil {
		ready <- lis.Addr()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("grpc server failed: %w", err)
	}

	log.LogServerShutdown()
	healthServer.Shutdown()
	if obs != nil {
		obs.SetReady(false)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if obs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to stop observability server").Err(err).Send()
		}
	}
	return nil
}

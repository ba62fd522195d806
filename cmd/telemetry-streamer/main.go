package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	cfgpkg "github.com/entitysim/telemetry-streamer/internal/config"
	"github.com/entitysim/telemetry-streamer/internal/ingest"
	"github.com/entitysim/telemetry-streamer/internal/otelsetup"
	"github.com/entitysim/telemetry-streamer/internal/streamer"
)

const name = "github.com/entitysim/telemetry-streamer"

func main() {
	if err := run(); err != nil {
		log.Fatalln(err)
	}
}

func run() (err error) {
	// Instance logger bridged to OTel.
	logger := otelslog.NewLogger(name)
	slog.SetDefault(logger)
	logger.Info("Starting application")

	// Set up OpenTelemetry.
	otelShutdown, err := otelsetup.Setup(context.Background())
	if err != nil {
		return
	}

	defer func() { err = errors.Join(err, otelShutdown(context.Background())) }()

	// Config
	readFlags := cfgpkg.RegisterFlags()

	flag.Parse()

	cfg := readFlags()
	if cfg.ConfigFile != "" {
		if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
			return err
		}
	}

	slog.Debug("Starting listener", slog.String("listenAddr", cfg.ListenAddr))

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	pipeline, err := streamer.New(cfg, logger)
	if err != nil {
		return err
	}
	// Derive a context canceled on SIGINT/SIGTERM for graceful shutdown
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the per-destination flush workers; they stop when sigCtx is canceled
	pipeline.Start(sigCtx)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxRecvMsgSize(cfg.MaxReceiveMessageSize),
		grpc.Creds(insecure.NewCredentials()),
	)
	collogspb.RegisterLogsServiceServer(grpcServer, ingest.NewLogsServer(pipeline))
	colmetricspb.RegisterMetricsServiceServer(grpcServer, ingest.NewMetricsServer(pipeline))

	slog.Debug("Starting gRPC server")

	// Serve in a goroutine so we can handle signals
	serveErr := make(chan error, 1)

	go func() { serveErr <- grpcServer.Serve(listener) }()

	select {
	case err := <-serveErr:
		return err
	case <-sigCtx.Done():
		// Begin graceful shutdown
		slog.Info("Shutdown signal received; beginning graceful shutdown")
		// Stop accepting new connections and allow in-flight RPCs to complete
		done := make(chan struct{})

		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()

		// Bound the shutdown with configured timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
		defer cancel()

		select {
		case <-done:
			// graceful stop completed
		case <-shutdownCtx.Done():
			slog.Warn("Graceful stop timed out; forcing stop")
			grpcServer.Stop()
		}

		// Stop the workers and drain whatever is still queued
		if err := pipeline.Shutdown(shutdownCtx); err != nil {
			return err
		}

		return nil
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalscript/bus"
	"github.com/petal-labs/petalscript/nodes"
	"github.com/petal-labs/petalscript/registry"
	"github.com/petal-labs/petalscript/schedule"
	"github.com/petal-labs/petalscript/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and graph scheduler",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Int("max-steps", 0, "Default exec step ceiling per run")
	cmd.Flags().Duration("run-timeout", 5*time.Minute, "Default run timeout")
	cmd.Flags().Duration("coalesce", 50*time.Millisecond, "Coalescing window for node.output events (negative disables)")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Graph schedule poll interval")
	cmd.Flags().Int("retain-runs", 1000, "Event store keeps the events of this many recent runs (0 keeps all)")
	cmd.Flags().String("otlp-endpoint", "", "Export spans over OTLP/HTTP to this endpoint")
	cmd.Flags().Bool("otlp-insecure", false, "Use plain HTTP for OTLP export")
	addSQLitePathFlag(cmd)

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	runTimeout, _ := cmd.Flags().GetDuration("run-timeout")
	coalesce, _ := cmd.Flags().GetDuration("coalesce")
	schedulePoll, _ := cmd.Flags().GetDuration("schedule-poll")
	retainRuns, _ := cmd.Flags().GetInt("retain-runs")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	otlpInsecure, _ := cmd.Flags().GetBool("otlp-insecure")

	sqliteDSN, err := resolveSQLitePath(cmd)
	if err != nil {
		return exitError(exitStore, "%v", err)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint: otlpEndpoint,
		Insecure:     otlpInsecure,
		ServiceName:  "petalscript",
		Version:      cmd.Root().Version,
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	graphStore, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: sqliteDSN})
	if err != nil {
		return exitError(exitStore, "opening sqlite graph store: %v", err)
	}
	defer func() {
		_ = graphStore.Close()
	}()

	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: sqliteDSN, RetentionRuns: retainRuns})
	if err != nil {
		return exitError(exitStore, "opening sqlite event store: %v", err)
	}
	defer func() {
		_ = es.Close()
	}()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()

	apiServer := server.NewServer(server.ServerConfig{
		Registry:      nodes.NewRegistry(registry.WithLogger(logger)),
		Store:         graphStore,
		Schedules:     graphStore.Schedules(),
		Bus:           eb,
		EventStore:    es,
		RuntimeEvents: tel.handler(),
		EmitDecorator: tel.decorator(),
		Coalesce:      coalesce,
		MaxSteps:      maxSteps,
		RunTimeout:    runTimeout,
		CORSOrigin:    corsOrigin,
		MaxBody:       maxBody,
		Logger:        logger,
	})

	scheduler, err := schedule.New(schedule.Config{
		Runner:       apiServer,
		Store:        graphStore.Schedules(),
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating graph scheduler: %v", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting graph scheduler: %v", err)
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "PetalScript server listening on %s\n", addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("stopping scheduler", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	apiServer.CancelAll()
	apiServer.Wait()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return exitError(exitRuntime, "server error: %v", serveErr)
	}
	return nil
}

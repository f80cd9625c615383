// Package main is the entry point for the polis-chain binary. It runs handler
// graphs and request chains against live HTTP endpoints.
package main

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

	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-chain/pkg/config"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
	"github.com/polisai/polis-chain/pkg/logging"
	"github.com/polisai/polis-chain/pkg/sandbox"
	"github.com/polisai/polis-chain/pkg/sink"
	"github.com/polisai/polis-chain/pkg/telemetry"
	"github.com/polisai/polis-chain/pkg/transport"
)

const defaultLogLevel = "info"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-chain.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-chain",
		Short: "Pipeline execution engine for chained HTTP requests",
		Long: `polis-chain dispatches HTTP requests through handler graphs and linear
request chains, routing each response by its status class.

Examples:
  polis-chain run https://jsonplaceholder.typicode.com/posts/1 --condition 'input.body.userId == 1'
  polis-chain chain --step 'POST https://api.example.com/login {"user":"ada"}' \
    --step 'PUT https://api.example.com/users/1' --depends-header x-auth-token --depends-body userId`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML)")
	flags.StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "Expose Prometheus metrics on this address")
	flags.String("redis-addr", "", "Also publish terminal values to this Redis server")
	flags.String("redis-stream", "", "Redis stream receiving terminal values")

	rootCmd.AddCommand(newRunCmd(), newChainCmd())
	return rootCmd
}

// app carries the collaborators shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	executor *transport.Executor
	metrics  *transport.Metrics
	sandbox  *sandbox.Sandbox
	sink     runtime.Sink

	redaction *telemetry.RedactionPolicy

	closers []func(context.Context) error
}

// loadConfig reads the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("log-level") {
		if cfg.Logging.Level, err = flags.GetString("log-level"); err != nil {
			return nil, fmt.Errorf("failed to get log-level flag: %w", err)
		}
	}
	if flags.Changed("metrics-addr") {
		if cfg.Metrics.Addr, err = flags.GetString("metrics-addr"); err != nil {
			return nil, fmt.Errorf("failed to get metrics-addr flag: %w", err)
		}
	}
	if flags.Changed("redis-addr") {
		if cfg.Sink.Redis.Addr, err = flags.GetString("redis-addr"); err != nil {
			return nil, fmt.Errorf("failed to get redis-addr flag: %w", err)
		}
	}
	if flags.Changed("redis-stream") {
		if cfg.Sink.Redis.Stream, err = flags.GetString("redis-stream"); err != nil {
			return nil, fmt.Errorf("failed to get redis-stream flag: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// newApp wires logging, telemetry, transport, sandbox and sinks from the
// loaded configuration. Callers must call close.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	logger := logging.NewLogger(logCfg)

	a := &app{cfg: cfg, logger: logger}

	shutdown, err := telemetry.SetupProvider(cmd.Context(), cfg.Telemetry.ToProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)
	a.redaction = cfg.Telemetry.ToRedaction()

	a.metrics = transport.NewMetrics()
	execCfg, opts := cfg.Transport.ToExecutor(transport.WithMetrics(a.metrics), transport.WithLogger(logger))
	a.executor = transport.New(execCfg, opts...)

	if cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(cfg.Metrics.Addr); err != nil {
			_ = a.close(context.Background())
			return nil, err
		}
	}

	a.sandbox = sandbox.New(cfg.Sandbox.ToSandbox(logger))

	sinks := []runtime.Sink{sink.NewWriter(cmd.OutOrStdout())}
	if cfg.Sink.Redis.Addr != "" {
		client := backend.NewUniversalClient(&backend.UniversalOptions{Addrs: []string{cfg.Sink.Redis.Addr}})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		sinks = append(sinks, sink.NewRedisStream(client, cfg.Sink.Redis.Stream, sink.WithMaxLen(cfg.Sink.Redis.MaxLen)))
		logger.Info("publishing terminal values to redis", "addr", cfg.Sink.Redis.Addr, "stream", cfg.Sink.Redis.Stream)
	}
	a.sink = sink.Multi(sinks...)

	return a, nil
}

func (a *app) serveMetrics(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", listener.Addr().String())

	a.closers = append(a.closers, server.Shutdown)
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withApp builds the app, runs fn and always releases the app afterwards.
func withApp(cmd *cobra.Command, fn func(*app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.close(ctx); err != nil {
			a.logger.Warn("shutdown error", "error", err)
		}
	}()
	return fn(a)
}

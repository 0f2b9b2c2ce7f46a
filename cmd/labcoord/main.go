// Package main implements the entry point for the laboratory control
// coordinator. The coordinator routes operator commands to hardware
// workers over NATS while a triplicated safety layer (kill-switch
// watchdog, pressure monitor, worker liveness) retains authority to force
// the system into SAFE mode at any moment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/config"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/coordinator"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/health"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/metric"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/mode"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/natsclient"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/telemetry"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/transport"
)

// Build information constants.
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "labcoord"
)

// Exit codes: 1 for configuration errors, 2 for unrecoverable transport
// failures. Deployment scripts distinguish the two.
const (
	exitConfig    = 1
	exitTransport = 2
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitTransport)
		}
	}()

	os.Exit(run())
}

func run() int {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid flags: %v\n", err)
		return exitConfig
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return 0
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return 0
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	// CLI flags win over file settings for logging.
	logLevel := cfg.Logging.Level
	if cliCfg.LogLevel != "" {
		logLevel = cliCfg.LogLevel
	}
	logFormat := cfg.Logging.Format
	if cliCfg.LogFormat != "" {
		logFormat = cliCfg.LogFormat
	}
	logger := setupLogger(logLevel, logFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return 0
	}

	logger.Info("starting coordinator",
		"version", Version,
		"build_time", BuildTime,
		"lab", cfg.Lab.ID,
		"devices", len(cfg.Lab.Devices))

	if err := serve(cfg, cliCfg, logger); err != nil {
		logger.Error("coordinator failed", "error", err)
		return exitTransport
	}
	logger.Info("coordinator shutdown complete")
	return 0
}

// serve wires the infrastructure and runs until a shutdown signal.
func serve(cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := metric.NewRegistry()

	natsOpts := []natsclient.Option{
		natsclient.WithLogger(logger),
		natsclient.WithClientName(appName + "-" + cfg.Lab.ID),
		natsclient.WithMetrics(
			registry.Core().BrokerConnected,
			registry.Core().BrokerReconnects,
		),
	}
	if cfg.NATS.MaxReconnects != 0 || cfg.NATS.ReconnectWaitMs != 0 {
		wait := time.Duration(cfg.NATS.ReconnectWaitMs) * time.Millisecond
		if wait == 0 {
			wait = 2 * time.Second
		}
		natsOpts = append(natsOpts, natsclient.WithReconnect(cfg.NATS.MaxReconnects, wait))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, natsOpts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer closeCancel()
		_ = client.Close(closeCtx)
	}()

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(registry.Core()),
	}
	if cfg.NATS.Audit {
		if err := client.EnsureAuditStream(ctx, transport.SubjectSafety); err != nil {
			return fmt.Errorf("ensure audit stream: %w", err)
		}
		coordOpts = append(coordOpts, coordinator.WithAudit(client))
	}

	coord := coordinator.New(client, cfg.Coordinator(), coordOpts...)

	monitor := health.NewMonitor(appName)
	monitor.UpdateHealthy("nats", "connected")

	var feed *telemetry.Feed
	if cfg.Telemetry.URL != "" {
		feed = telemetry.NewFeed(cfg.Telemetry.URL, coord.Pressure().Observe,
			telemetry.WithFeedLogger(logger))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coord.Run(gctx) })

	if feed != nil {
		g.Go(func() error {
			feed.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		refreshHealth(gctx, monitor, client, coord, feed)
		return nil
	})

	if cliCfg.HealthPort > 0 {
		g.Go(func() error { return serveHealth(gctx, cliCfg.HealthPort, monitor, logger) })
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, "/metrics", registry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("metrics endpoint up", "port", cfg.Metrics.Port)
		defer func() { _ = metricsServer.Stop(cliCfg.ShutdownTimeout) }()
	}

	logger.Info("coordinator ready", "mode", coord.Mode().String())
	return g.Wait()
}

// refreshHealth polls subsystem state into the health monitor.
func refreshHealth(
	ctx context.Context,
	monitor *health.Monitor,
	client *natsclient.Client,
	coord *coordinator.Coordinator,
	feed *telemetry.Feed,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if client.IsHealthy() {
			monitor.UpdateHealthy("nats", "connected")
		} else {
			monitor.UpdateUnhealthy("nats", client.Status().String())
		}

		switch coord.Mode() {
		case mode.Safe:
			monitor.UpdateDegraded("mode", "SAFE awaiting operator acknowledgment")
		default:
			monitor.UpdateHealthy("mode", coord.Mode().String())
		}

		if feed != nil {
			if feed.Connected() {
				monitor.UpdateHealthy("telemetry", "feed connected")
			} else {
				monitor.UpdateDegraded("telemetry", "feed reconnecting")
			}
		}
	}
}

// serveHealth exposes /healthz until the context is cancelled.
func serveHealth(ctx context.Context, port int, monitor *health.Monitor, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/healthz", monitor)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	logger.Info("health endpoint up", "port", port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

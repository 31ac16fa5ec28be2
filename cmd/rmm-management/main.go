// RMM Management Daemon - Entry Point
//
// rmm-management runs as root on managed Linux hosts and serves a fixed catalog
// of administration actions (package updates, service control, reboot, backups,
// settings) to the unprivileged RMM agent over a local Unix socket. Long-running
// actions become background commands the agent polls by id.
//
// Configuration is loaded from /etc/rmm-management/config.yaml (or the path given by -config).
//
// Lifecycle:
//  1. Load configuration and set up the JSON logger
//  2. Lock the PID file
//  3. Build the read-only root gate, executor and command registry with its sinks
//  4. Register the method catalog and listen on the socket
//  5. Start metrics and the maintenance scheduler
//  6. Notify systemd that the service is ready and start the watchdog
//  7. Wait for SIGTERM/SIGINT (SIGHUP rotates the log file)
//  8. Coordinated shutdown with timeout
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doughall/linuxrmm/management/internal/commands"
	"github.com/doughall/linuxrmm/management/internal/config"
	"github.com/doughall/linuxrmm/management/internal/events"
	"github.com/doughall/linuxrmm/management/internal/executor"
	"github.com/doughall/linuxrmm/management/internal/history"
	"github.com/doughall/linuxrmm/management/internal/logging"
	"github.com/doughall/linuxrmm/management/internal/management"
	"github.com/doughall/linuxrmm/management/internal/metrics"
	"github.com/doughall/linuxrmm/management/internal/notify"
	"github.com/doughall/linuxrmm/management/internal/pidfile"
	"github.com/doughall/linuxrmm/management/internal/rootfs"
	"github.com/doughall/linuxrmm/management/internal/rpc"
	"github.com/doughall/linuxrmm/management/internal/scheduler"
	"github.com/doughall/linuxrmm/management/internal/shutdown"
	"github.com/doughall/linuxrmm/management/internal/systemd"
	"github.com/doughall/linuxrmm/management/internal/version"
)

// Default shutdown timeout - how long to wait for running commands and connections
const shutdownTimeout = 30 * time.Second

// healthCheckTimeout bounds the watchdog's self-call over the socket
const healthCheckTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	pidPath := flag.String("pidfile", "", "path to PID file (overrides pid_file)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info("rmm-management"))
		os.Exit(0)
	}

	os.Exit(run(*configPath, *pidPath))
}

func run(configPath, pidPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Use basic stderr logging before logger is configured
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", configPath, err)
		return 1
	}
	if pidPath != "" {
		cfg.PIDFile = pidPath
	}

	logger, logOutput := logging.Setup(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logOutput.Close()
	slog.SetDefault(logger)

	logger.Info("management daemon starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", configPath),
		slog.String("socket", cfg.SocketPath),
		slog.Int("max_command_threads", cfg.MaxCommandThreads),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	coordinator := shutdown.NewCoordinator(logger)

	if cfg.PIDFile != "" {
		pid, err := pidfile.Acquire(cfg.PIDFile)
		if err != nil {
			logger.Error("failed to acquire pid file", slog.String("error", err.Error()))
			return 1
		}
		coordinator.Register("pidfile", pid)
	}

	if err := os.MkdirAll(cfg.WorkingDirectory, 0o750); err != nil {
		logger.Error("failed to create working directory", slog.String("error", err.Error()))
		return 1
	}

	if cfg.MetricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("failed to register metrics", slog.String("error", err.Error()))
		} else {
			metricsServer := metrics.NewServer(cfg.MetricsListen, logger)
			metricsServer.Start()
			coordinator.Register("metrics", metricsServer)
		}
	}

	gate := rootfs.NewGate(rootIsReadOnly(ctx, cfg, logger), cfg.RootMountPoint, nil, logger)
	exec := executor.New(cfg.MaxCommandRuntime)

	sinks, historyStore := buildSinks(cfg, logger, coordinator)

	registry := commands.NewRegistry(exec, gate, logger,
		commands.WithMaxConcurrent(cfg.MaxCommandThreads),
		commands.WithSinks(sinks...),
	)
	// Registered after the sinks so that it drains before they close
	coordinator.Register("registry", registry)

	deps := management.Deps{
		Config:   cfg,
		Registry: registry,
		Gate:     gate,
		Runner:   exec,
		Logger:   logger,
	}
	if historyStore != nil {
		deps.History = historyStore
	}

	server := rpc.NewServer(cfg.SocketPath, cfg.SocketGroup, logger)
	management.New(deps).Register(server)

	if err := server.Listen(); err != nil {
		logger.Error("failed to listen", slog.String("error", err.Error()))
		shutdownAll(coordinator, logger)
		return 1
	}
	go func() {
		if err := server.Serve(); err != nil {
			logger.Error("rpc server stopped", slog.String("error", err.Error()))
		}
	}()
	coordinator.Register("rpc", server)

	if len(cfg.Maintenance) > 0 {
		sched, err := buildScheduler(cfg, server, logger, coordinator)
		if err != nil {
			logger.Error("failed to set up maintenance jobs", slog.String("error", err.Error()))
			shutdownAll(coordinator, logger)
			return 1
		}
		sched.Start()
		coordinator.Register("scheduler", sched)
	}

	notifier := systemd.NewNotifier(logger)
	notifier.NotifyReady()
	notifier.NotifyStatus("serving on %s", cfg.SocketPath)
	logger.Info("management daemon ready",
		slog.Bool("gate_enabled", gate.Enabled()),
		slog.Bool("systemd", systemd.IsRunningUnderSystemd()),
	)

	notifier.StartWatchdog(ctx, func() bool {
		return socketHealthy(ctx, cfg.SocketPath)
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for ctx.Err() == nil {
		select {
		case <-hup:
			if err := logOutput.Rotate(); err != nil {
				logger.Warn("failed to rotate log file", slog.String("error", err.Error()))
			} else {
				logger.Info("log file rotated")
			}
		case <-ctx.Done():
		}
	}

	logger.Info("shutdown signal received, starting graceful shutdown",
		slog.Int("running_commands", registry.Running()),
	)
	notifier.NotifyStopping()

	if err := shutdownAll(coordinator, logger); err != nil {
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func shutdownAll(coordinator *shutdown.Coordinator, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// rootIsReadOnly decides whether the writable gate performs remounts.
func rootIsReadOnly(ctx context.Context, cfg *config.Config, logger *slog.Logger) bool {
	if cfg.RootIsReadOnly || !cfg.DetectReadOnlyRoot {
		return cfg.RootIsReadOnly
	}
	ro, err := rootfs.IsReadOnly(ctx, cfg.RootMountPoint)
	if err != nil {
		logger.Warn("failed to detect read-only root, gate disabled",
			slog.String("mount_point", cfg.RootMountPoint),
			slog.String("error", err.Error()),
		)
		return false
	}
	logger.Info("detected root filesystem mode",
		slog.String("mount_point", cfg.RootMountPoint),
		slog.Bool("read_only", ro),
	)
	return ro
}

// buildSinks opens the history store and connects the optional event and
// webhook sinks. Failures of optional sinks are logged and the sink is skipped.
func buildSinks(cfg *config.Config, logger *slog.Logger, coordinator *shutdown.Coordinator) ([]commands.Sink, *history.Store) {
	var sinks []commands.Sink

	store, err := history.Open(cfg.HistoryDB, cfg.HistoryLimit)
	if err != nil {
		logger.Warn("command history disabled",
			slog.String("path", cfg.HistoryDB),
			slog.String("error", err.Error()),
		)
	} else {
		coordinator.Register("history", store)
		sinks = append(sinks, store)
	}

	if cfg.NATSEnabled() {
		client := events.NewClient(events.Config{
			Servers:  cfg.NATSServers,
			NKeySeed: cfg.NATSNKeySeed,
		}, logger)
		if err := client.Connect(); err != nil {
			logger.Warn("NATS connection failed, command events disabled",
				slog.String("error", err.Error()),
			)
		} else {
			coordinator.Register("nats", client)
			sinks = append(sinks, events.NewPublisher(client, cfg.NATSSubjectPrefix, logger))
		}
	}

	if cfg.NotifyURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.NotifyURL, cfg.NotifyToken, logger))
	}
	return sinks, store
}

func buildScheduler(cfg *config.Config, server *rpc.Server, logger *slog.Logger, coordinator *shutdown.Coordinator) (*scheduler.Scheduler, error) {
	var state scheduler.LastRunStore
	st, err := scheduler.OpenState(cfg.MaintenanceStateDB)
	if err != nil {
		logger.Warn("maintenance state unavailable, missed runs will not be caught up",
			slog.String("path", cfg.MaintenanceStateDB),
			slog.String("error", err.Error()),
		)
	} else {
		coordinator.Register("maintenance-state", st)
		state = st
	}
	return scheduler.New(cfg.Maintenance, server, state, logger)
}

// socketHealthy calls system.listMethods over the socket.
func socketHealthy(ctx context.Context, socketPath string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	client, err := rpc.Dial(ctx, socketPath)
	if err != nil {
		return false
	}
	defer client.Close()
	_, err = client.Call(ctx, rpc.ListMethodsMethod)
	return err == nil
}

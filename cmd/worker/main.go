// Package main is the entry point for the distproxy-worker binary: the
// connection-manager client side that dials a master, keeps it alive via the
// heartbeat supervisor, and issues calls against it.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger, metrics sink, event hub
//  3. Build the connection manager, wired to the admin registry and the
//     host-metrics heartbeat payload
//  4. Start the manager against the master's listen address
//  5. Start the admin HTTP server
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/adminapi"
	"github.com/buildxl/distproxy/internal/callmgr"
	"github.com/buildxl/distproxy/internal/events"
	"github.com/buildxl/distproxy/internal/health"
	"github.com/buildxl/distproxy/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	masterHost      string
	masterPort      int
	adminAddr       string
	senderName      string
	buildID         string
	signingKey      string
	slots           int
	inactiveTimeout time.Duration
	connectTimeout  time.Duration
	logLevel        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "distproxy-worker",
		Short: "distproxy worker — connection manager client",
		Long: `distproxy-worker maintains a pool of connections to a distproxy
master, keeps them alive with periodic heartbeats, and exposes a call
interface used to exercise master-side RPC methods.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.masterHost, "master-host", envOrDefault("DISTPROXY_MASTER_HOST", "localhost"), "Master host to connect to")
	root.PersistentFlags().IntVar(&cfg.masterPort, "master-port", envOrDefaultInt("DISTPROXY_MASTER_PORT", 7089), "Master dispatcher port")
	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", envOrDefault("DISTPROXY_ADMIN_ADDR", ":7091"), "Admin HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.senderName, "sender-name", envOrDefault("DISTPROXY_SENDER_NAME", hostnameOrDefault()), "Name this worker advertises to the master")
	root.PersistentFlags().StringVar(&cfg.buildID, "build-id", envOrDefault("DISTPROXY_BUILD_ID", ""), "Build session identifier (required, must match master)")
	root.PersistentFlags().StringVar(&cfg.signingKey, "signing-key", envOrDefault("DISTPROXY_SIGNING_KEY", ""), "Shared secret for build-session token signing (required, must match master)")
	root.PersistentFlags().IntVar(&cfg.slots, "slots", envOrDefaultInt("DISTPROXY_SLOTS", 4), "Connection pool slot count")
	root.PersistentFlags().DurationVar(&cfg.inactiveTimeout, "distribution_inactive_timeout", envOrDefaultDuration("distribution_inactive_timeout", 60*time.Second), "Duration of heartbeat silence before the peer is declared unreachable")
	root.PersistentFlags().DurationVar(&cfg.connectTimeout, "distribution_connect_timeout", envOrDefaultDuration("distribution_connect_timeout", 5*time.Second), "Per-connection dial timeout")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DISTPROXY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("distproxy-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.buildID == "" {
		return fmt.Errorf("build id is required — set --build-id or DISTPROXY_BUILD_ID")
	}
	if cfg.signingKey == "" {
		return fmt.Errorf("signing key is required — set --signing-key or DISTPROXY_SIGNING_KEY")
	}

	logger.Info("starting distproxy worker",
		zap.String("version", version),
		zap.String("master_host", cfg.masterHost),
		zap.Int("master_port", cfg.masterPort),
		zap.String("sender_name", cfg.senderName),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	metricsSink := metrics.NewPrometheusSink(registry)

	hub := events.NewHub(metricsSink)
	go hub.Run(ctx)

	callRegistry := adminapi.NewRegistry(0)

	mgr := callmgr.New(callmgr.Config{
		SenderName:        cfg.senderName,
		BuildID:           cfg.buildID,
		SigningKey:        []byte(cfg.signingKey),
		Slots:             cfg.slots,
		ConnectTimeout:    cfg.connectTimeout,
		InactivityTimeout: cfg.inactiveTimeout,
		Metrics:           metricsSink,
		Logger:            logger,
		Events: callmgr.Events{
			OnActivateConnection:   func() { logger.Info("connection activated") },
			OnDeactivateConnection: func() { logger.Info("connection deactivated") },
			OnConnectionTimeout:    func() { logger.Warn("master declared unreachable") },
		},
		OnTransition: callRegistry.Observe,
		HeartbeatPayload: func() []byte {
			snap, err := health.Collect(context.Background(), 0)
			if err != nil {
				return nil
			}
			return []byte(fmt.Sprintf(`{"cpu_percent":%.2f,"mem_percent":%.2f,"disk_percent":%.2f}`,
				snap.CPUPercent, snap.MemPercent, snap.DiskPercent))
		},
	})

	if err := mgr.Start(ctx, cfg.masterHost, cfg.masterPort, logger); err != nil {
		return fmt.Errorf("failed to start connection manager: %w", err)
	}
	defer func() {
		disposeCtx, disposeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer disposeCancel()
		if err := mgr.Dispose(disposeCtx); err != nil {
			logger.Warn("connection manager dispose error", zap.Error(err))
		}
	}()

	// --- Admin HTTP server ---
	adminRouter := adminapi.NewRouter(adminapi.Config{
		Registry: callRegistry,
		Hub:      hub,
		Logger:   logger,
	})
	adminSrv := &http.Server{
		Addr:         cfg.adminAddr,
		Handler:      adminRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin http server listening", zap.String("addr", cfg.adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down distproxy worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("distproxy worker stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}

// Package main is the entry point for the distproxy-master binary: the
// dispatcher side of the connection manager and the graph-cache resolver's
// home. It accepts worker connections, verifies their build session, and
// answers Echo/Heartbeat/GraphCacheLookup/GraphCacheStore calls, while
// exposing an admin HTTP surface for observability.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger, metrics sink, event hub
//  3. Open the fingerprint store (gorm, sqlite or postgres) and migrate it
//  4. Build the graph-cache resolver
//  5. Build the dispatcher and register method handlers
//  6. Start the dispatcher listener and the admin HTTP server
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
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
	"github.com/buildxl/distproxy/internal/buildsession"
	"github.com/buildxl/distproxy/internal/dispatcher"
	"github.com/buildxl/distproxy/internal/events"
	"github.com/buildxl/distproxy/internal/graphcache"
	"github.com/buildxl/distproxy/internal/graphcache/gormstore"
	"github.com/buildxl/distproxy/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenAddr string
	adminAddr  string
	buildID    string
	signingKey string
	dbDriver   string
	dbDSN      string
	logLevel   string
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
		Use:   "distproxy-master",
		Short: "distproxy master — connection manager dispatcher and graph-cache resolver",
		Long: `distproxy-master accepts worker connections over the distribution
protocol, verifies each request's build session, and answers distributed
build RPC calls including the pip-graph cache lookup/store methods.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("DISTPROXY_LISTEN_ADDR", ":7089"), "Dispatcher listen address for worker connections")
	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", envOrDefault("DISTPROXY_ADMIN_ADDR", ":7090"), "Admin HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.buildID, "build-id", envOrDefault("DISTPROXY_BUILD_ID", ""), "Build session identifier (required, must match worker)")
	root.PersistentFlags().StringVar(&cfg.signingKey, "signing-key", envOrDefault("DISTPROXY_SIGNING_KEY", ""), "Shared secret for build-session token signing (required, must match worker)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DISTPROXY_DB_DRIVER", "sqlite"), "Fingerprint store driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DISTPROXY_DB_DSN", "./distproxy-cache.db"), "Fingerprint store DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DISTPROXY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("distproxy-master %s (commit: %s, built: %s)\n", version, commit, date)
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

	logger.Info("starting distproxy master",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("admin_addr", cfg.adminAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	metricsSink := metrics.NewPrometheusSink(registry)

	hub := events.NewHub(metricsSink)
	go hub.Run(ctx)

	// --- Fingerprint store ---
	gormDB, err := gormstore.Open(gormstore.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open fingerprint store: %w", err)
	}
	store := gormstore.New(gormDB)

	// --- Graph-cache resolver ---
	resolver := graphcache.New(graphcache.Config{
		Store:   store,
		Metrics: metricsSink,
		Logger:  logger,
	})

	// --- Dispatcher ---
	verifier := buildsession.NewVerifier(cfg.buildID, []byte(cfg.signingKey))
	disp := dispatcher.New(verifier, metricsSink, logger)
	disp.Handle("Echo", echoHandler)
	disp.Handle("Heartbeat", echoHandler)
	disp.Handle("GraphCacheLookup", graphCacheLookupHandler(resolver))
	disp.Handle("GraphCacheStore", graphCacheStoreHandler(resolver))

	go func() {
		if err := disp.ListenAndServe(ctx, cfg.listenAddr); err != nil {
			logger.Error("dispatcher error", zap.Error(err))
			cancel()
		}
	}()

	// --- Admin HTTP server ---
	adminRouter := adminapi.NewRouter(adminapi.Config{
		Registry: adminapi.NewRegistry(0),
		Resolver: resolver,
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
	logger.Info("shutting down distproxy master")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin http server graceful shutdown error", zap.Error(err))
	}
	_ = disp.Close()

	logger.Info("distproxy master stopped")
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

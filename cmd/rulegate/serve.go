package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haywardsec/rulegate/internal/api"
	"github.com/haywardsec/rulegate/internal/compiler"
	"github.com/haywardsec/rulegate/internal/config"
	"github.com/haywardsec/rulegate/internal/deploy"
	"github.com/haywardsec/rulegate/internal/guardrail"
	"github.com/haywardsec/rulegate/internal/lock"
	"github.com/haywardsec/rulegate/internal/metrics"
	"github.com/haywardsec/rulegate/internal/packs"
	"github.com/haywardsec/rulegate/internal/planner"
	"github.com/haywardsec/rulegate/internal/retention"
	"github.com/haywardsec/rulegate/internal/runtime"
	"github.com/haywardsec/rulegate/internal/storage/sql"
	"github.com/haywardsec/rulegate/internal/watcher"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	logLevel     string
	drainTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rule pack deployment service",
	Long: `Run the HTTP service. All configuration comes from environment
variables; see the README for the full list.

Examples:
  # Serve on the default port with a SQLite store
  rulegate serve

  # Postgres store, JSON logs
  DB_DRIVER=postgres DB_DSN=postgres://... LOG_FORMAT=json rulegate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().DurationVar(&serveFlags.drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for in-flight requests on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if serveFlags.logLevel != "" {
		cfg.Logging.Level = serveFlags.logLevel
	}

	log := newLogger(cfg.Logging)

	// SQLite needs its parent directory to exist.
	if cfg.Database.Driver == "sqlite3" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
		}
	}

	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	var rt runtime.Client
	if cfg.UseStaticRuntime() {
		log.Info("No runtime URL configured, using the static runtime shim")
		rt = runtime.NewStatic()
	} else {
		rt = runtime.NewHTTPClient(cfg.Runtime.URL, cfg.Runtime.Timeout)
	}

	m := metrics.New()
	locker := lock.NewStoreLocker(store, cfg.Lock.Wait)
	evaluator := guardrail.New(store, rt, cfg.Policy.RuleQuota, cfg.Policy.MaxBlastRadius,
		guardrail.DefaultRiskPolicy(cfg.Policy.HotDisableAlertRate, cfg.Policy.GetProtectedRules()))
	plnr := planner.New(store, rt, cfg.Policy.HotDisableAlertRate, cfg.Policy.MaxBlastRadius)
	executor := deploy.NewExecutor(store, locker, evaluator, m, log, cfg.Lock.TTL)
	packService := packs.New(store, compiler.NewMulti(), m, log)

	var w *watcher.Watcher
	if cfg.Watcher.Dir != "" {
		w, err = watcher.New(cfg.Watcher.Dir, cfg.Watcher.TenantID, cfg.Watcher.Debounce, packService, log)
		if err != nil {
			return fmt.Errorf("creating pack watcher: %w", err)
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("starting pack watcher: %w", err)
		}
	}

	pruner := retention.New(store, cfg.Retention.Days, cfg.Retention.Schedule, log)
	if err := pruner.Start(); err != nil {
		return fmt.Errorf("starting artifact retention: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(store, rt, packService, plnr, executor, m, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.WithField("addr", cfg.Server.Addr()).Info("Rulegate listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), serveFlags.drainTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shut down: %w", err)
	}

	// Background workers stop after the listener drains so a bundle drop
	// or prune in flight can finish against an open store.
	if w != nil {
		if err := w.Stop(); err != nil {
			log.WithError(err).Warn("Stopping pack watcher")
		}
	}
	pruner.Stop()

	log.Info("Server stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

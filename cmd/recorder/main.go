package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/updown-recorder/internal/config"
	"github.com/rickgao/updown-recorder/internal/logging"
	"github.com/rickgao/updown-recorder/internal/recorder"
	"github.com/rickgao/updown-recorder/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	interval := flag.Int("interval", 0, "volume/liquidity record interval in minutes (overrides config)")
	dataDir := flag.String("data-dir", "", "storage directory (overrides config)")
	maxMarkets := flag.Int("max-markets", 0, "max concurrently tracked market instances (overrides config)")
	export := flag.String("export", "", "not supported")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *export != "" {
		fmt.Fprintln(os.Stderr, "export is not supported by the recorder; read the storage files directly")
		os.Exit(2)
	}

	// Load configuration
	var (
		cfg *config.RecorderConfig
		err error
	)
	if *configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadWithDefaults(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to load config:", err)
			os.Exit(1)
		}
	}
	cfg.ApplyOverrides(config.Overrides{
		RecordIntervalMinutes: *interval,
		DataDir:               *dataDir,
		MaxTracked:            *maxMarkets,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"backend", cfg.Storage.Backend,
		"data_dir", cfg.Storage.DataDir,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	rec, err := recorder.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build recorder", "error", err)
		os.Exit(1)
	}

	var healthServer *http.Server
	if cfg.Health.Port > 0 {
		healthServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           rec.Reporter().Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	runErr := rec.Run(ctx)

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		healthServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if runErr != nil {
		logger.Error("recorder stopped on fatal error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("recorder stopped")
}

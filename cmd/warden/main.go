package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/core"
	"github.com/wudi/warden/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/warden.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("warden %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting warden",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("audit_log", cfg.Ingest.AuditLogPath),
	)

	c, err := core.New(cfg)
	if err != nil {
		logging.Error("Failed to build pipeline", zap.Error(err))
		os.Exit(1)
	}

	watcher.OnChange(c.ApplyConfig)
	if err := watcher.Start(); err != nil {
		logging.Warn("Config reload disabled", zap.Error(err))
	}

	if err := c.Run(); err != nil {
		logging.Error("Pipeline error", zap.Error(err))
		os.Exit(1)
	}
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/robfig/cron/v3"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// cronParser accepts the standard 5-field cron syntax used in schedules.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging: invalid format %q", cfg.Logging.Format)
	}

	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("storage: data_dir is required")
	}
	if cfg.Storage.DatabaseFile == "" {
		return fmt.Errorf("storage: database_file is required")
	}
	if cfg.Storage.EventsFile == "" {
		return fmt.Errorf("storage: events_file is required")
	}
	if cfg.Storage.BusyTimeout < 0 {
		return fmt.Errorf("storage: busy_timeout must be >= 0")
	}

	// A missing audit_log_path is not a validation error: the ingestor goes
	// down as fatal at startup while the rest of the process keeps running.
	if cfg.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest: batch_size must be > 0")
	}
	if cfg.Ingest.FlushInterval <= 0 {
		return fmt.Errorf("ingest: flush_interval must be > 0")
	}
	if cfg.Ingest.BackfillInterval < 0 {
		return fmt.Errorf("ingest: backfill_interval must be >= 0")
	}
	if cfg.Ingest.Export.Enabled && cfg.Ingest.Export.Path == "" {
		return fmt.Errorf("ingest: export.path is required when export is enabled")
	}

	if cfg.Detection.Enabled {
		if cfg.Detection.PollInterval <= 0 {
			return fmt.Errorf("detection: poll_interval must be > 0")
		}
		if cfg.Detection.BatchLimit < 1 {
			return fmt.Errorf("detection: batch_limit must be > 0")
		}
		if cfg.Detection.WindowRetention <= 0 {
			return fmt.Errorf("detection: window_retention must be > 0")
		}
	}

	if cfg.Queue.Rate <= 0 {
		return fmt.Errorf("queue: rate must be > 0")
	}
	if cfg.Queue.Burst < 1 {
		return fmt.Errorf("queue: burst must be > 0")
	}
	if cfg.Queue.Capacity < 1 {
		return fmt.Errorf("queue: capacity must be > 0")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue: max_attempts must be > 0")
	}
	if cfg.Queue.RetryBase <= 0 {
		return fmt.Errorf("queue: retry_base must be > 0")
	}
	if cfg.Queue.RetryCap < cfg.Queue.RetryBase {
		return fmt.Errorf("queue: retry_cap must be >= retry_base")
	}
	if cfg.Queue.OpTimeout <= 0 {
		return fmt.Errorf("queue: op_timeout must be > 0")
	}

	if cfg.Bans.ExpirySweepInterval <= 0 {
		return fmt.Errorf("bans: expiry_sweep_interval must be > 0")
	}

	if cfg.Reconcile.Enabled && cfg.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile: interval must be > 0")
	}

	if cfg.Retention.Days < 1 {
		return fmt.Errorf("retention: days must be > 0")
	}
	if cfg.Retention.PurgeSchedule != "" {
		if _, err := cronParser.Parse(cfg.Retention.PurgeSchedule); err != nil {
			return fmt.Errorf("retention: invalid purge_schedule: %w", err)
		}
	}

	if cfg.Notifications.Enabled {
		if cfg.Notifications.Command == "" {
			return fmt.Errorf("notifications: command is required when enabled")
		}
		if cfg.Notifications.Timeout <= 0 {
			return fmt.Errorf("notifications: timeout must be > 0")
		}
		if cfg.Notifications.WAFThreshold.Enabled {
			if cfg.Notifications.WAFThreshold.Threshold < 1 {
				return fmt.Errorf("notifications: waf_threshold.threshold must be > 0")
			}
			if cfg.Notifications.WAFThreshold.Window <= 0 {
				return fmt.Errorf("notifications: waf_threshold.window must be > 0")
			}
		}
		if cfg.Notifications.HighSeverity.Enabled && cfg.Notifications.HighSeverity.Cooldown <= 0 {
			return fmt.Errorf("notifications: high_severity.cooldown must be > 0")
		}
		if cfg.Notifications.Batch.Enabled && cfg.Notifications.Batch.Interval <= 0 {
			return fmt.Errorf("notifications: batch.interval must be > 0")
		}
		if cfg.Notifications.DailyReport.Enabled {
			if _, err := cronParser.Parse(cfg.Notifications.DailyReport.Schedule); err != nil {
				return fmt.Errorf("notifications: invalid daily_report.schedule: %w", err)
			}
		}
		if cfg.Notifications.CertExpiryDays < 0 {
			return fmt.Errorf("notifications: cert_expiry_days must be >= 0")
		}
	}

	if cfg.Bus.BufferSize < 1 {
		return fmt.Errorf("bus: buffer_size must be > 0")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics: address is required when enabled")
	}

	return nil
}

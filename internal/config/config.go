package config

import "time"

// Config is the root configuration for the warden daemon.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Detection     DetectionConfig     `yaml:"detection"`
	Queue         QueueConfig         `yaml:"queue"`
	Bans          BansConfig          `yaml:"bans"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	Retention     RetentionConfig     `yaml:"retention"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Bus           BusConfig           `yaml:"bus"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// StorageConfig locates the two SQLite stores.
type StorageConfig struct {
	DataDir      string        `yaml:"data_dir"`
	DatabaseFile string        `yaml:"database_file"` // config store, relative to data_dir unless absolute
	EventsFile   string        `yaml:"events_file"`   // WAF event store
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// SecretsConfig names the env var holding the AES-256 credentials key.
type SecretsConfig struct {
	KeyEnv string `yaml:"key_env"`
}

// IngestConfig controls the audit-log ingestor.
type IngestConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AuditLogPath     string        `yaml:"audit_log_path"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	BackfillInterval time.Duration `yaml:"backfill_interval"`
	RestartBackoff   time.Duration `yaml:"restart_backoff"`
	GeoIP            GeoIPConfig   `yaml:"geoip"`
	Export           ExportConfig  `yaml:"export"`
}

// GeoIPConfig enables country enrichment from a MaxMind database.
type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ExportConfig mirrors normalized events to a rotated JSONL file.
type ExportConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DetectionConfig controls the detection engine.
type DetectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchLimit      int           `yaml:"batch_limit"`
	WindowRetention time.Duration `yaml:"window_retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// QueueConfig paces and retries provider calls per integration.
type QueueConfig struct {
	Rate            float64       `yaml:"rate"` // ops per second per integration
	Burst           int           `yaml:"burst"`
	Capacity        int           `yaml:"capacity"` // pending ops per integration
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBase       time.Duration `yaml:"retry_base"`
	RetryCap        time.Duration `yaml:"retry_cap"`
	OpTimeout       time.Duration `yaml:"op_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BansConfig controls the ban orchestrator.
type BansConfig struct {
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
}

// ReconcileConfig controls the firewall reconciliation loop.
type ReconcileConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// RetentionConfig controls the WAF event retention sweep.
type RetentionConfig struct {
	Days          int    `yaml:"days"`
	PurgeSchedule string `yaml:"purge_schedule"` // cron expression, local time
}

// NotificationsConfig controls the dispatcher and its outbound command.
type NotificationsConfig struct {
	Enabled bool          `yaml:"enabled"`
	Command string        `yaml:"command"`
	URLs    []string      `yaml:"urls"`
	Tag     string        `yaml:"tag"`
	Timeout time.Duration `yaml:"timeout"`

	WAFThreshold   WAFThresholdConfig `yaml:"waf_threshold"`
	HighSeverity   HighSeverityConfig `yaml:"high_severity"`
	Batch          BatchConfig        `yaml:"batch"`
	DailyReport    DailyReportConfig  `yaml:"daily_report"`
	Matrix         MatrixConfig       `yaml:"matrix"`
	CertExpiryDays int                `yaml:"cert_expiry_days"`
}

// WAFThresholdConfig fires one alert when blocked events cross a rolling threshold.
type WAFThresholdConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
}

// HighSeverityConfig fires per-IP alerts for CRITICAL/ERROR events.
type HighSeverityConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// BatchConfig delays notifications and sends them in groups.
type BatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DailyReportConfig schedules the daily summary.
type DailyReportConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, local time
}

// MatrixConfig schedules evaluation of stored matrix rules.
type MatrixConfig struct {
	Enabled      bool          `yaml:"enabled"`
	EvalInterval time.Duration `yaml:"eval_interval"`
}

// BusConfig sizes the per-subscriber event buffers.
type BusConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig exposes the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultConfig returns the configuration defaults applied before YAML overlay.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			DataDir:      "data",
			DatabaseFile: "database.db",
			EventsFile:   "waf-events.db",
			BusyTimeout:  5 * time.Second,
		},
		Secrets: SecretsConfig{
			KeyEnv: "WARDEN_ENCRYPTION_KEY",
		},
		Ingest: IngestConfig{
			Enabled:          true,
			BatchSize:        100,
			FlushInterval:    2000 * time.Millisecond,
			BackfillInterval: 2 * time.Minute,
			RestartBackoff:   5 * time.Second,
		},
		Detection: DetectionConfig{
			Enabled:         true,
			PollInterval:    5 * time.Second,
			BatchLimit:      1000,
			WindowRetention: 60 * time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Rate:            2,
			Burst:           4,
			Capacity:        1024,
			MaxAttempts:     5,
			RetryBase:       2 * time.Second,
			RetryCap:        5 * time.Minute,
			OpTimeout:       10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Bans: BansConfig{
			ExpirySweepInterval: 60 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
		},
		Retention: RetentionConfig{
			Days:          90,
			PurgeSchedule: "30 3 * * *",
		},
		Notifications: NotificationsConfig{
			Enabled: false,
			Timeout: 10 * time.Second,
			WAFThreshold: WAFThresholdConfig{
				Threshold: 10,
				Window:    5 * time.Minute,
			},
			HighSeverity: HighSeverityConfig{
				Cooldown: 5 * time.Minute,
			},
			Batch: BatchConfig{
				Interval: 5 * time.Minute,
			},
			DailyReport: DailyReportConfig{
				Schedule: "0 8 * * *",
			},
			Matrix: MatrixConfig{
				EvalInterval: time.Minute,
			},
			CertExpiryDays: 14,
		},
		Bus: BusConfig{
			BufferSize: 64,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9310",
		},
	}
}

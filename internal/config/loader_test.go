package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Logging.Level != "info" {
		t.Errorf("default logging level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Ingest.BatchSize != 100 {
		t.Errorf("default batch_size = %d, want 100", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.FlushInterval != 2000*time.Millisecond {
		t.Errorf("default flush_interval = %v, want 2s", cfg.Ingest.FlushInterval)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("default max_attempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.RetryBase != 2*time.Second {
		t.Errorf("default retry_base = %v, want 2s", cfg.Queue.RetryBase)
	}
	if cfg.Retention.Days != 90 {
		t.Errorf("default retention days = %d, want 90", cfg.Retention.Days)
	}
	if cfg.Reconcile.Interval != 60*time.Second {
		t.Errorf("default reconcile interval = %v, want 60s", cfg.Reconcile.Interval)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
logging:
  level: debug
  format: console
ingest:
  audit_log_path: /var/log/modsec/audit.log
  batch_size: 50
  flush_interval: 1s
detection:
  poll_interval: 10s
queue:
  rate: 0.5
  burst: 2
retention:
  days: 30
`)

	loader := NewLoader()
	cfg, err := loader.Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Ingest.BatchSize != 50 {
		t.Errorf("batch_size = %d, want 50", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.FlushInterval != time.Second {
		t.Errorf("flush_interval = %v, want 1s", cfg.Ingest.FlushInterval)
	}
	if cfg.Detection.PollInterval != 10*time.Second {
		t.Errorf("poll_interval = %v, want 10s", cfg.Detection.PollInterval)
	}
	if cfg.Queue.Rate != 0.5 {
		t.Errorf("queue rate = %v, want 0.5", cfg.Queue.Rate)
	}
	if cfg.Retention.Days != 30 {
		t.Errorf("retention days = %d, want 30", cfg.Retention.Days)
	}

	// Untouched sections keep their defaults
	if cfg.Bans.ExpirySweepInterval != 60*time.Second {
		t.Errorf("expiry_sweep_interval = %v, want default 60s", cfg.Bans.ExpirySweepInterval)
	}
}

func TestParseExpandsEnvVars(t *testing.T) {
	os.Setenv("WARDEN_TEST_AUDIT_PATH", "/tmp/audit.log")
	defer os.Unsetenv("WARDEN_TEST_AUDIT_PATH")

	data := []byte(`
ingest:
  audit_log_path: ${WARDEN_TEST_AUDIT_PATH}
`)

	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Ingest.AuditLogPath != "/tmp/audit.log" {
		t.Errorf("audit_log_path = %q, want /tmp/audit.log", cfg.Ingest.AuditLogPath)
	}
}

func TestParseKeepsUnsetEnvVars(t *testing.T) {
	data := []byte(`
notifications:
  tag: ${WARDEN_TEST_UNSET_VAR}
`)

	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Notifications.Tag != "${WARDEN_TEST_UNSET_VAR}" {
		t.Errorf("tag = %q, want literal placeholder", cfg.Notifications.Tag)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad log level",
			yaml: "logging:\n  level: loud\n",
		},
		{
			name: "zero batch size",
			yaml: "ingest:\n  batch_size: 0\n",
		},
		{
			name: "export without path",
			yaml: "ingest:\n  export:\n    enabled: true\n",
		},
		{
			name: "zero queue rate",
			yaml: "queue:\n  rate: 0\n",
		},
		{
			name: "retry cap below base",
			yaml: "queue:\n  retry_base: 10s\n  retry_cap: 1s\n",
		},
		{
			name: "bad purge schedule",
			yaml: "retention:\n  purge_schedule: \"not cron\"\n",
		},
		{
			name: "notifications enabled without command",
			yaml: "notifications:\n  enabled: true\n",
		},
		{
			name: "bad report schedule",
			yaml: "notifications:\n  enabled: true\n  command: /bin/notify\n  daily_report:\n    enabled: true\n    schedule: \"61 * * * *\"\n",
		},
		{
			name: "zero bus buffer",
			yaml: "bus:\n  buffer_size: 0\n",
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestMissingAuditPathIsNotValidationError(t *testing.T) {
	// The ingestor goes fatal-down at startup instead; the process keeps running.
	cfg, err := NewLoader().Parse([]byte("ingest:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Ingest.AuditLogPath != "" {
		t.Errorf("audit_log_path = %q, want empty", cfg.Ingest.AuditLogPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	content := "ingest:\n  audit_log_path: /var/log/modsec/audit.log\nretention:\n  days: 7\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retention.Days != 7 {
		t.Errorf("retention days = %d, want 7", cfg.Retention.Days)
	}
}

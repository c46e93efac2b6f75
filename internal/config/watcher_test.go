package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	writeConfig(t, path, "retention:\n  days: 14\n")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Retention.Days; got != 14 {
		t.Errorf("retention days = %d, want 14", got)
	}
}

func TestWatcherRejectsInvalidInitialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	writeConfig(t, path, "queue:\n  rate: 0\n")

	if _, err := NewWatcher(path); err == nil {
		t.Error("expected error for invalid initial config, got nil")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	writeConfig(t, path, "retention:\n  days: 14\n")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(50 * time.Millisecond)

	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	writeConfig(t, path, "retention:\n  days: 21\n")

	select {
	case cfg := <-reloaded:
		if cfg.Retention.Days != 21 {
			t.Errorf("reloaded retention days = %d, want 21", cfg.Retention.Days)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}

	if got := w.Current().Retention.Days; got != 21 {
		t.Errorf("Current() retention days = %d, want 21", got)
	}
}

func TestWatcherKeepsPreviousOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	writeConfig(t, path, "retention:\n  days: 14\n")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(50 * time.Millisecond)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	writeConfig(t, path, "queue:\n  rate: 0\n")
	time.Sleep(500 * time.Millisecond)

	if got := w.Current().Retention.Days; got != 14 {
		t.Errorf("Current() retention days = %d, want previous value 14", got)
	}
}

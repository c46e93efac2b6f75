package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/warden/internal/banqueue"
	"github.com/wudi/warden/internal/bans"
	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
)

func banRequest(ip, reason string) bans.Request {
	return bans.Request{
		IP:       ip,
		Reason:   reason,
		Severity: "HIGH",
		BannedBy: "tester",
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	auditLog := filepath.Join(dir, "modsec_audit.log")
	if err := os.WriteFile(auditLog, nil, 0o644); err != nil {
		t.Fatalf("failed to create audit log: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Ingest.AuditLogPath = auditLog
	cfg.Metrics.Enabled = false
	cfg.Notifications.Enabled = false
	return cfg
}

func TestCoreLifecycle(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("failed to start core: %v", err)
	}

	stats := c.Stats()
	for _, key := range []string{"bans", "queue", "bus", "reconcile", "ingest", "detect"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("expected stats for %q", key)
		}
	}

	c.Stop()
}

func TestQueueFailureToleratesMissingNotifier(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	defer c.Stop()
	if err := c.Start(); err != nil {
		t.Fatalf("failed to start core: %v", err)
	}

	if c.notifier != nil {
		t.Fatal("expected no notifier with notifications disabled")
	}

	// The queue invokes this hook from a worker; a down dispatcher must
	// not turn a provider failure into a panic.
	op := &banqueue.Op{Kind: banqueue.OpBan, IP: "203.0.113.5"}
	c.queueFailure(op, "edge", errors.Transient(nil, "provider_error", "upstream down"))
}

func TestCoreBanThroughPipeline(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	defer func() {
		c.Stop()
	}()
	if err := c.Start(); err != nil {
		t.Fatalf("failed to start core: %v", err)
	}

	ctx := context.Background()
	sub := c.Bus().Subscribe("ban_created")

	out, err := c.Bans().Ban(ctx, banRequest("203.0.113.50", "manual block"))
	if err != nil {
		t.Fatalf("ban failed: %v", err)
	}
	if out.Ban.ID == 0 {
		t.Error("expected a persisted ban id")
	}

	select {
	case evt := <-sub.Events():
		if evt.Topic != "ban_created" {
			t.Errorf("expected ban_created, got %s", evt.Topic)
		}
	case <-time.After(time.Second):
		t.Error("expected a ban_created event on the bus")
	}

	// Second ban for the same IP is a refusal, not an error.
	_, err = c.Bans().Ban(ctx, banRequest("203.0.113.50", "again"))
	if !errors.IsRefusal(err) {
		t.Errorf("expected refusal on duplicate ban, got %v", err)
	}

	if _, err := c.Bans().Unban(ctx, "203.0.113.50", "tester"); err != nil {
		t.Fatalf("unban failed: %v", err)
	}
}

func TestCoreWhitelistRefusesBan(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	defer c.Stop()
	if err := c.Start(); err != nil {
		t.Fatalf("failed to start core: %v", err)
	}

	ctx := context.Background()
	if _, err := c.Whitelist().Add(ctx, "", "198.51.100.0/24", "manual", "office", 1, "tester"); err != nil {
		t.Fatalf("whitelist add failed: %v", err)
	}

	_, err = c.Bans().Ban(ctx, banRequest("198.51.100.7", "should refuse"))
	if !errors.IsRefusal(err) {
		t.Errorf("expected whitelist refusal, got %v", err)
	}
}

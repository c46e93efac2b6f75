package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorRecordEvent(t *testing.T) {
	c := NewCollector()

	c.RecordEvent("sqli", "CRITICAL")
	c.RecordEvent("sqli", "CRITICAL")
	c.RecordEvent("xss", "WARNING")

	snap := c.Snapshot()

	if snap.EventsTotal["sqli|CRITICAL"] != 2 {
		t.Errorf("expected 2 sqli CRITICAL events, got %d", snap.EventsTotal["sqli|CRITICAL"])
	}
	if snap.EventsTotal["xss|WARNING"] != 1 {
		t.Errorf("expected 1 xss WARNING event, got %d", snap.EventsTotal["xss|WARNING"])
	}
}

func TestCollectorBanLifecycle(t *testing.T) {
	c := NewCollector()

	c.RecordBan(true)
	c.RecordBan(true)
	c.RecordBan(false)
	c.RecordUnban("expired")
	c.RecordUnban("manual")

	snap := c.Snapshot()

	if snap.BansTotal["auto"] != 2 {
		t.Errorf("expected 2 auto bans, got %d", snap.BansTotal["auto"])
	}
	if snap.BansTotal["manual"] != 1 {
		t.Errorf("expected 1 manual ban, got %d", snap.BansTotal["manual"])
	}
	if snap.UnbansTotal["expired"] != 1 {
		t.Errorf("expected 1 expired unban, got %d", snap.UnbansTotal["expired"])
	}
}

func TestCollectorProviderOps(t *testing.T) {
	c := NewCollector()

	c.RecordProviderOp("cloudflare", "ban", true, 200*time.Millisecond)
	c.RecordProviderOp("cloudflare", "ban", true, 400*time.Millisecond)
	c.RecordProviderOp("cloudflare", "unban", false, 10*time.Second)

	snap := c.Snapshot()

	if snap.ProviderOps["cloudflare|ban|ok"] != 2 {
		t.Errorf("expected 2 ok bans, got %d", snap.ProviderOps["cloudflare|ban|ok"])
	}
	if snap.ProviderOps["cloudflare|unban|error"] != 1 {
		t.Errorf("expected 1 failed unban, got %d", snap.ProviderOps["cloudflare|unban|error"])
	}

	hd := snap.ProviderDurations["cloudflare"]
	if hd == nil {
		t.Fatal("expected histogram data for cloudflare")
	}
	if hd.Count != 3 {
		t.Errorf("expected 3 duration entries, got %d", hd.Count)
	}
	if hd.Buckets[0.5] != 2 {
		t.Errorf("expected 2 calls under 500ms, got %d", hd.Buckets[0.5])
	}
}

func TestCollectorNotificationsAndRepairs(t *testing.T) {
	c := NewCollector()

	c.RecordNotification("ban_issued", "sent")
	c.RecordNotification("ban_issued", "failed")
	c.RecordRepair("edge-fw", "missing")

	snap := c.Snapshot()

	if snap.NotificationsTotal["ban_issued|sent"] != 1 {
		t.Errorf("expected 1 sent notification, got %d", snap.NotificationsTotal["ban_issued|sent"])
	}
	if snap.RepairsTotal["edge-fw|missing"] != 1 {
		t.Errorf("expected 1 missing repair, got %d", snap.RepairsTotal["edge-fw|missing"])
	}
}

func TestWritePrometheus(t *testing.T) {
	c := NewCollector()

	c.RecordEvent("sqli", "CRITICAL")
	c.RecordBan(true)
	c.RecordProviderOp("opnsense", "ban", true, 100*time.Millisecond)
	c.RecordNotification("ban_issued", "sent")
	c.RecordRepair("edge-fw", "extra")

	rec := httptest.NewRecorder()
	c.WritePrometheus(rec)
	body := rec.Body.String()

	checks := []string{
		`warden_waf_events_total{attack_type="sqli",severity="CRITICAL"} 1`,
		`warden_bans_total{mode="auto"} 1`,
		`warden_provider_ops_total{provider="opnsense",op="ban",outcome="ok"} 1`,
		`warden_provider_op_duration_seconds_count{provider="opnsense"} 1`,
		`warden_notifications_total{type="ban_issued",status="sent"} 1`,
		`warden_reconcile_repairs_total{integration="edge-fw",kind="extra"} 1`,
		"# TYPE warden_provider_op_duration_seconds histogram",
	}
	for _, want := range checks {
		if !strings.Contains(body, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}

	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestWritePrometheusSources(t *testing.T) {
	c := NewCollector()
	c.RegisterSource("queue", func() map[string]interface{} {
		return map[string]interface{}{
			"pending": 3,
			"tailer": map[string]interface{}{
				"reopens": int64(2),
			},
			"name": "ignored", // non-numeric, skipped
		}
	})

	rec := httptest.NewRecorder()
	c.WritePrometheus(rec)
	body := rec.Body.String()

	if !strings.Contains(body, "warden_queue_pending 3") {
		t.Errorf("expected flattened gauge, got:\n%s", body)
	}
	if !strings.Contains(body, "warden_queue_tailer_reopens 2") {
		t.Errorf("expected nested gauge, got:\n%s", body)
	}
	if strings.Contains(body, "ignored") {
		t.Error("non-numeric stat leaked into exposition")
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RecordBan(false)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

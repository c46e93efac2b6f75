package banqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/firewall"
	"github.com/wudi/warden/internal/secrets"
	"github.com/wudi/warden/internal/store"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	banErrs []error
	nextID  int

	gate    chan struct{} // when set, Ban blocks until the channel closes
	started chan struct{} // signalled when Ban begins
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Ban(ctx context.Context, req firewall.BanRequest) (*firewall.BanResult, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "ban:"+req.IP)
	if len(f.banErrs) > 0 {
		err := f.banErrs[0]
		f.banErrs = f.banErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextID++
	return &firewall.BanResult{ProviderBanID: fmt.Sprintf("fake-%d", f.nextID)}, nil
}

func (f *fakeProvider) Unban(ctx context.Context, ip, providerBanID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unban:"+ip)
	return nil
}

func (f *fakeProvider) ListBans(ctx context.Context) ([]firewall.ProviderBan, error) {
	return nil, nil
}

func (f *fakeProvider) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func fastQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Rate:            1000,
		Burst:           1000,
		Capacity:        16,
		MaxAttempts:     3,
		RetryBase:       time.Millisecond,
		RetryCap:        5 * time.Millisecond,
		OpTimeout:       time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

func newTestQueue(t *testing.T, cfg config.QueueConfig, fp *fakeProvider) (*Queue, *store.Store, *store.Integration) {
	t.Helper()

	st, err := store.Open(config.StorageConfig{
		DataDir:      t.TempDir(),
		DatabaseFile: "warden.db",
		BusyTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	box, err := secrets.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	sealed, err := box.Seal("{}")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	reg := firewall.NewRegistry()
	reg.Register("fake", func(creds []byte, scope string) (firewall.Provider, error) {
		return fp, nil
	})

	in := &store.Integration{
		Name:                 "edge",
		Provider:             "fake",
		Enabled:              true,
		CredentialsEncrypted: sealed,
	}
	if err := st.CreateIntegration(context.Background(), in); err != nil {
		t.Fatalf("CreateIntegration: %v", err)
	}

	q := New(cfg, st, reg, box)
	t.Cleanup(q.Stop)
	return q, st, in
}

func insertTestBan(t *testing.T, st *store.Store, ip string) *store.Ban {
	t.Helper()
	b := &store.Ban{
		IPAddress: ip,
		Reason:    "test",
		Severity:  "HIGH",
		BannedAt:  time.Now().UTC(),
	}
	if err := st.InsertBan(context.Background(), b); err != nil {
		t.Fatalf("InsertBan: %v", err)
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueueBanRecordsIntegrationNotified(t *testing.T) {
	fp := &fakeProvider{}
	q, st, in := newTestQueue(t, fastQueueConfig(), fp)
	ban := insertTestBan(t, st, "1.2.3.4")

	err := q.Enqueue(in, &Op{Kind: OpBan, IP: ban.IPAddress, Reason: ban.Reason, ParentBanID: ban.ID})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "ban applied", func() bool {
		return q.Stats()["succeeded"].(int64) == 1
	})

	got, err := st.GetBan(context.Background(), ban.ID)
	if err != nil {
		t.Fatalf("GetBan: %v", err)
	}
	if len(got.IntegrationsNotified) != 1 {
		t.Fatalf("expected one notified integration, got %+v", got.IntegrationsNotified)
	}
	n := got.IntegrationsNotified[0]
	if n.IntegrationID != in.ID || n.ProviderBanID != "fake-1" {
		t.Fatalf("unexpected notified entry %+v", n)
	}
}

type fakeMetrics struct {
	mu  sync.Mutex
	ops []string // provider|op|outcome
}

func (f *fakeMetrics) RecordProviderOp(provider, op string, ok bool, _ time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	f.mu.Lock()
	f.ops = append(f.ops, provider+"|"+op+"|"+outcome)
	f.mu.Unlock()
}

func (f *fakeMetrics) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func TestQueueRecordsProviderOps(t *testing.T) {
	boom := errors.Transient(nil, "provider_error", "upstream flake")
	fp := &fakeProvider{banErrs: []error{boom}}
	q, st, in := newTestQueue(t, fastQueueConfig(), fp)
	fm := &fakeMetrics{}
	q.SetMetrics(fm)
	ban := insertTestBan(t, st, "1.2.3.4")

	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "ban applied", func() bool {
		return q.Stats()["succeeded"].(int64) == 1
	})
	if err := q.Enqueue(in, &Op{Kind: OpUnban, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("Enqueue unban: %v", err)
	}
	waitFor(t, "unban applied", func() bool {
		return q.Stats()["succeeded"].(int64) == 2
	})

	want := []string{"fake|ban|error", "fake|ban|ok", "fake|unban|ok"}
	got := fm.log()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	boom := errors.Transient(nil, "provider_error", "upstream flake")
	fp := &fakeProvider{banErrs: []error{boom, boom}}
	q, st, in := newTestQueue(t, fastQueueConfig(), fp)
	ban := insertTestBan(t, st, "1.2.3.4")

	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "ban applied after retries", func() bool {
		return q.Stats()["succeeded"].(int64) == 1
	})

	if calls := fp.callLog(); len(calls) != 3 {
		t.Fatalf("expected 3 provider calls, got %v", calls)
	}
	if got := q.Stats()["retries"].(int64); got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
}

func TestQueueGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.Transient(nil, "provider_error", "upstream down")
	fp := &fakeProvider{banErrs: []error{boom, boom, boom, boom, boom}}
	q, st, in := newTestQueue(t, fastQueueConfig(), fp)
	ban := insertTestBan(t, st, "1.2.3.4")

	var mu sync.Mutex
	var failedOp *Op
	var failedIntegration string
	q.OnFailure(func(op *Op, integration string, err error) {
		mu.Lock()
		failedOp = op
		failedIntegration = integration
		mu.Unlock()
	})

	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "op to fail permanently", func() bool {
		return q.Stats()["failed"].(int64) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if failedOp == nil || failedOp.Attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got %+v", failedOp)
	}
	if failedIntegration != "edge" {
		t.Fatalf("unexpected integration %q", failedIntegration)
	}

	got, err := st.GetBan(context.Background(), ban.ID)
	if err != nil {
		t.Fatalf("GetBan: %v", err)
	}
	if len(got.IntegrationsNotified) != 0 {
		t.Fatalf("failed op must not record acknowledgement, got %+v", got.IntegrationsNotified)
	}
}

func TestQueueDoesNotRetryValidationErrors(t *testing.T) {
	fp := &fakeProvider{banErrs: []error{errors.Validation("bad_ip", "not an address")}}
	q, st, in := newTestQueue(t, fastQueueConfig(), fp)
	ban := insertTestBan(t, st, "1.2.3.4")

	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "op to fail", func() bool {
		return q.Stats()["failed"].(int64) == 1
	})

	if calls := fp.callLog(); len(calls) != 1 {
		t.Fatalf("validation errors must not retry, got %d calls", len(calls))
	}
}

func TestQueueAppliesOpsInOrder(t *testing.T) {
	fp := &fakeProvider{}
	q, st, in := newTestQueue(t, fastQueueConfig(), fp)
	ban := insertTestBan(t, st, "1.2.3.4")

	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("enqueue ban: %v", err)
	}
	if err := q.Enqueue(in, &Op{Kind: OpUnban, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("enqueue unban: %v", err)
	}

	waitFor(t, "both ops applied", func() bool {
		return q.Stats()["succeeded"].(int64) == 2
	})

	calls := fp.callLog()
	if len(calls) != 2 || calls[0] != "ban:1.2.3.4" || calls[1] != "unban:1.2.3.4" {
		t.Fatalf("ops out of order: %v", calls)
	}

	got, err := st.GetBan(context.Background(), ban.ID)
	if err != nil {
		t.Fatalf("GetBan: %v", err)
	}
	if len(got.IntegrationsNotified) != 0 {
		t.Fatalf("unban must clear acknowledgement, got %+v", got.IntegrationsNotified)
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	cfg := fastQueueConfig()
	cfg.Capacity = 1
	fp := &fakeProvider{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	q, st, in := newTestQueue(t, cfg, fp)
	ban := insertTestBan(t, st, "1.2.3.4")

	// First op blocks inside the provider; second fills the queue.
	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	<-fp.started
	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: "5.6.7.8"}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	err := q.Enqueue(in, &Op{Kind: OpBan, IP: "9.9.9.9"})
	if errors.KindOf(err) != errors.KindTransient {
		t.Fatalf("expected transient queue_full, got %v", err)
	}
	if got := q.Stats()["dropped"].(int64); got != 1 {
		t.Fatalf("expected 1 dropped op, got %d", got)
	}

	close(fp.gate)
}

func TestQueueStopWaitsForInFlightOp(t *testing.T) {
	fp := &fakeProvider{}
	q, st, in := newTestQueue(t, fastQueueConfig(), fp)
	ban := insertTestBan(t, st, "1.2.3.4")

	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: ban.IPAddress, ParentBanID: ban.ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "op applied", func() bool {
		return q.Stats()["succeeded"].(int64) == 1
	})

	q.Stop()

	if err := q.Enqueue(in, &Op{Kind: OpBan, IP: "5.6.7.8"}); errors.KindOf(err) != errors.KindTransient {
		t.Fatalf("expected transient error after stop, got %v", err)
	}
}

func TestQueueUnknownProviderSurfacesImmediately(t *testing.T) {
	fp := &fakeProvider{}
	q, st, _ := newTestQueue(t, fastQueueConfig(), fp)

	bad := &store.Integration{Name: "ghost", Provider: "netscreen"}
	if err := st.CreateIntegration(context.Background(), bad); err != nil {
		t.Fatalf("CreateIntegration: %v", err)
	}

	err := q.Enqueue(bad, &Op{Kind: OpBan, IP: "1.2.3.4"})
	if errors.KindOf(err) != errors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

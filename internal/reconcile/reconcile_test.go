package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wudi/warden/internal/banqueue"
	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/firewall"
	"github.com/wudi/warden/internal/secrets"
	"github.com/wudi/warden/internal/store"
)

type fakeProvider struct {
	mu      sync.Mutex
	bans    []firewall.ProviderBan
	listErr error

	gate    chan struct{} // when set, ListBans blocks until closed
	started chan struct{} // signalled when ListBans begins
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Ban(ctx context.Context, req firewall.BanRequest) (*firewall.BanResult, error) {
	return &firewall.BanResult{ProviderBanID: "r-new"}, nil
}

func (f *fakeProvider) Unban(ctx context.Context, ip, providerBanID string) error {
	return nil
}

func (f *fakeProvider) ListBans(ctx context.Context) ([]firewall.ProviderBan, error) {
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
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]firewall.ProviderBan, len(f.bans))
	copy(out, f.bans)
	return out, nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ops []*banqueue.Op
}

func (f *fakeQueue) Enqueue(in *store.Integration, op *banqueue.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op.IntegrationID = in.ID
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeQueue) enqueued() []*banqueue.Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*banqueue.Op, len(f.ops))
	copy(out, f.ops)
	return out
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	n     int
}

func (f *fakeSweeper) ExpirySweep(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.n, nil
}

type testEnv struct {
	rec   *Reconciler
	store *store.Store
	queue *fakeQueue
	box   *secrets.Box
	reg   *firewall.Registry
}

func newTestEnv(t *testing.T) *testEnv {
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

	q := &fakeQueue{}
	reg := firewall.NewRegistry()
	rec := New(config.ReconcileConfig{Enabled: true, Interval: time.Hour}, st, q, reg, box)
	return &testEnv{rec: rec, store: st, queue: q, box: box, reg: reg}
}

func (e *testEnv) addIntegration(t *testing.T, name, provider string, fp *fakeProvider) *store.Integration {
	t.Helper()
	e.reg.Register(provider, func(creds []byte, scope string) (firewall.Provider, error) {
		return fp, nil
	})
	sealed, err := e.box.Seal("{}")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	in := &store.Integration{
		Name:                 name,
		Provider:             provider,
		Enabled:              true,
		CredentialsEncrypted: sealed,
	}
	if err := e.store.CreateIntegration(context.Background(), in); err != nil {
		t.Fatalf("CreateIntegration: %v", err)
	}
	return in
}

func (e *testEnv) addBan(t *testing.T, ip string, expiresIn *time.Duration) *store.Ban {
	t.Helper()
	now := time.Now().UTC()
	b := &store.Ban{
		IPAddress: ip,
		Reason:    "test ban",
		Severity:  "HIGH",
		BannedAt:  now,
	}
	if expiresIn != nil {
		exp := now.Add(*expiresIn)
		b.ExpiresAt = &exp
	}
	if err := e.store.InsertBan(context.Background(), b); err != nil {
		t.Fatalf("InsertBan: %v", err)
	}
	return b
}

type fakeMetrics struct {
	mu      sync.Mutex
	repairs []string // integration|kind
}

func (f *fakeMetrics) RecordRepair(integration, kind string) {
	f.mu.Lock()
	f.repairs = append(f.repairs, integration+"|"+kind)
	f.mu.Unlock()
}

func (f *fakeMetrics) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.repairs))
	copy(out, f.repairs)
	return out
}

func TestSyncAllRecordsRepairs(t *testing.T) {
	env := newTestEnv(t)
	fp := &fakeProvider{bans: []firewall.ProviderBan{{IP: "198.51.100.7", ProviderBanID: "stale-1"}}}
	env.addIntegration(t, "edge-fw", "fake", fp)
	env.addBan(t, "203.0.113.9", nil)
	fm := &fakeMetrics{}
	env.rec.SetMetrics(fm)

	if _, err := env.rec.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	got := fm.log()
	if len(got) != 2 {
		t.Fatalf("expected 2 repairs, got %v", got)
	}
	want := map[string]bool{"edge-fw|missing": true, "edge-fw|extra": true}
	for _, r := range got {
		if !want[r] {
			t.Fatalf("unexpected repair %q in %v", r, got)
		}
	}
}

func TestSyncAllReissuesMissingBan(t *testing.T) {
	env := newTestEnv(t)
	fp := &fakeProvider{}
	env.addIntegration(t, "edge-fw", "fake", fp)
	hour := time.Hour
	ban := env.addBan(t, "203.0.113.9", &hour)

	sum, err := env.rec.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(sum.Results) != 1 || sum.Results[0].Missing != 1 || sum.Results[0].Extra != 0 {
		t.Fatalf("unexpected summary %+v", sum.Results)
	}

	ops := env.queue.enqueued()
	if len(ops) != 1 {
		t.Fatalf("expected 1 repair op, got %d", len(ops))
	}
	op := ops[0]
	if op.Kind != banqueue.OpBan || op.ParentBanID != ban.ID || op.IP != ban.IPAddress {
		t.Fatalf("unexpected op %+v", op)
	}
	if op.Duration == nil || *op.Duration > time.Hour || *op.Duration < 55*time.Minute {
		t.Fatalf("repair must carry the remaining duration, got %v", op.Duration)
	}

	status := env.rec.SyncStatus()
	if status.Running || status.LastRun == nil {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSyncAllRemovesExtraRule(t *testing.T) {
	env := newTestEnv(t)
	fp := &fakeProvider{bans: []firewall.ProviderBan{
		{IP: "203.0.113.50", ProviderBanID: "r-9"},
	}}
	env.addIntegration(t, "edge-fw", "fake", fp)

	sum, err := env.rec.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if sum.Results[0].Extra != 1 || sum.Results[0].Missing != 0 {
		t.Fatalf("unexpected summary %+v", sum.Results)
	}

	ops := env.queue.enqueued()
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	op := ops[0]
	if op.Kind != banqueue.OpUnban || op.ProviderBanID != "r-9" || op.ParentBanID != 0 {
		t.Fatalf("unexpected op %+v", op)
	}
}

func TestSyncAllLeavesConvergedStateAlone(t *testing.T) {
	env := newTestEnv(t)
	fp := &fakeProvider{bans: []firewall.ProviderBan{
		{IP: "203.0.113.9", ProviderBanID: "r-1"},
	}}
	env.addIntegration(t, "edge-fw", "fake", fp)
	env.addBan(t, "203.0.113.9", nil)

	sum, err := env.rec.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if sum.Results[0].Missing != 0 || sum.Results[0].Extra != 0 {
		t.Fatalf("converged state repaired anyway: %+v", sum.Results)
	}
	if ops := env.queue.enqueued(); len(ops) != 0 {
		t.Fatalf("no ops expected, got %+v", ops)
	}
}

func TestSyncAllRunsExpirySweepFirst(t *testing.T) {
	env := newTestEnv(t)
	fp := &fakeProvider{}
	env.addIntegration(t, "edge-fw", "fake", fp)

	sweeper := &fakeSweeper{n: 3}
	env.rec.SetSweeper(sweeper)

	sum, err := env.rec.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if sum.Expired != 3 {
		t.Fatalf("expected 3 expired, got %d", sum.Expired)
	}
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if sweeper.calls != 1 {
		t.Fatalf("sweeper called %d times", sweeper.calls)
	}
}

func TestSyncIPTargetsOnlyThatIP(t *testing.T) {
	env := newTestEnv(t)
	// An extra rule for another IP must survive a single-IP sync.
	fp := &fakeProvider{bans: []firewall.ProviderBan{
		{IP: "198.51.100.1", ProviderBanID: "r-other"},
	}}
	env.addIntegration(t, "edge-fw", "fake", fp)
	ban := env.addBan(t, "203.0.113.9", nil)

	sum, err := env.rec.SyncIP(context.Background(), "203.0.113.9")
	if err != nil {
		t.Fatalf("SyncIP: %v", err)
	}
	if sum.Results[0].Missing != 1 || sum.Results[0].Extra != 0 {
		t.Fatalf("unexpected summary %+v", sum.Results)
	}

	ops := env.queue.enqueued()
	if len(ops) != 1 || ops[0].IP != ban.IPAddress || ops[0].Kind != banqueue.OpBan {
		t.Fatalf("unexpected ops %+v", ops)
	}
	if ops[0].Duration != nil {
		t.Fatalf("permanent ban must re-issue permanent, got %v", *ops[0].Duration)
	}
}

func TestSyncIPRemovesStaleRule(t *testing.T) {
	env := newTestEnv(t)
	fp := &fakeProvider{bans: []firewall.ProviderBan{
		{IP: "203.0.113.9", ProviderBanID: "r-stale"},
	}}
	env.addIntegration(t, "edge-fw", "fake", fp)

	sum, err := env.rec.SyncIP(context.Background(), "203.0.113.9")
	if err != nil {
		t.Fatalf("SyncIP: %v", err)
	}
	if sum.Results[0].Extra != 1 {
		t.Fatalf("unexpected summary %+v", sum.Results)
	}
	ops := env.queue.enqueued()
	if len(ops) != 1 || ops[0].ProviderBanID != "r-stale" {
		t.Fatalf("unexpected ops %+v", ops)
	}
}

func TestSyncIPRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.rec.SyncIP(context.Background(), "nonsense")
	if errors.KindOf(err) != errors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOnlyOneReconciliationAtATime(t *testing.T) {
	env := newTestEnv(t)
	fp := &fakeProvider{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	env.addIntegration(t, "edge-fw", "fake", fp)

	done := make(chan error, 1)
	go func() {
		_, err := env.rec.SyncAll(context.Background())
		done <- err
	}()
	<-fp.started

	_, err := env.rec.SyncIP(context.Background(), "203.0.113.9")
	pe, ok := errors.AsError(err)
	if !ok || pe.Code != "reconcile_busy" {
		t.Fatalf("expected reconcile_busy, got %v", err)
	}

	close(fp.gate)
	if err := <-done; err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
}

func TestUpdateBanExpiryReissuesNotifiedIntegrations(t *testing.T) {
	env := newTestEnv(t)
	fp := &fakeProvider{}
	fw := env.addIntegration(t, "edge-fw", "fake", fp)
	cdn := env.addIntegration(t, "cdn", "fake2", fp)

	hour := time.Hour
	ban := env.addBan(t, "203.0.113.9", &hour)
	ctx := context.Background()
	for _, in := range []*store.Integration{fw, cdn} {
		if err := env.store.SetIntegrationNotified(ctx, ban.ID, store.IntegrationNotified{
			IntegrationID: in.ID, ProviderBanID: "r-1", NotifiedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("SetIntegrationNotified: %v", err)
		}
	}
	ban, err := env.store.GetBan(ctx, ban.ID)
	if err != nil {
		t.Fatalf("GetBan: %v", err)
	}

	if err := env.rec.UpdateBanExpiry(ctx, ban, nil); err != nil {
		t.Fatalf("UpdateBanExpiry: %v", err)
	}
	if ban.ExpiresAt != nil {
		t.Fatal("ban should be permanent in memory")
	}

	got, err := env.store.GetBan(ctx, ban.ID)
	if err != nil {
		t.Fatalf("GetBan: %v", err)
	}
	if got.ExpiresAt != nil {
		t.Fatalf("expires_at should be NULL, got %v", got.ExpiresAt)
	}

	ops := env.queue.enqueued()
	if len(ops) != 2 {
		t.Fatalf("expected 2 re-issue ops, got %d", len(ops))
	}
	for _, op := range ops {
		if op.Kind != banqueue.OpBan || op.Duration != nil || op.ParentBanID != ban.ID {
			t.Fatalf("unexpected op %+v", op)
		}
	}
}

func TestProviderFailureIsolatedPerIntegration(t *testing.T) {
	env := newTestEnv(t)
	broken := &fakeProvider{listErr: errors.Transient(nil, "provider_error", "api down")}
	healthy := &fakeProvider{}
	env.addIntegration(t, "broken-fw", "fake", broken)
	env.addIntegration(t, "cdn", "fake2", healthy)
	env.addBan(t, "203.0.113.9", nil)

	sum, err := env.rec.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(sum.Results) != 2 {
		t.Fatalf("expected 2 results, got %+v", sum.Results)
	}
	if sum.Results[0].Error == "" {
		t.Fatal("broken integration should report its error")
	}
	if sum.Results[1].Error != "" || sum.Results[1].Missing != 1 {
		t.Fatalf("healthy integration should still repair: %+v", sum.Results[1])
	}

	ops := env.queue.enqueued()
	if len(ops) != 1 || ops[0].IntegrationID != sumIntegrationID(t, env, "cdn") {
		t.Fatalf("repair op should target the healthy integration, got %+v", ops)
	}
}

func sumIntegrationID(t *testing.T, env *testEnv, name string) int64 {
	t.Helper()
	list, err := env.store.ListIntegrations(context.Background())
	if err != nil {
		t.Fatalf("ListIntegrations: %v", err)
	}
	for _, in := range list {
		if in.Name == name {
			return in.ID
		}
	}
	t.Fatalf("integration %q not found", name)
	return 0
}

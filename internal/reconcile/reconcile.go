// Package reconcile converges provider state onto the database. The store
// is authoritative: rules missing upstream are re-issued, rules with no
// active ban are removed. Divergence is expected after crashes, provider
// outages or manual edits, and is repaired here rather than reported.
package reconcile

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/warden/internal/banqueue"
	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/firewall"
	"github.com/wudi/warden/internal/logging"
	"github.com/wudi/warden/internal/secrets"
	"github.com/wudi/warden/internal/store"
)

// Queue is the slice of the ban queue the reconciler uses.
type Queue interface {
	Enqueue(in *store.Integration, op *banqueue.Op) error
}

// Sweeper clears expired bans. Implemented by the orchestrator; running it
// before the diff keeps just-expired IPs out of the desired set.
type Sweeper interface {
	ExpirySweep(ctx context.Context) (int, error)
}

// Metrics receives repair outcomes. Implemented by the metrics collector.
type Metrics interface {
	RecordRepair(integration, kind string)
}

// Result is the outcome for one integration in one pass.
type Result struct {
	Integration string `json:"integration"`
	Provider    string `json:"provider"`
	Missing     int    `json:"missing"` // re-issued upstream
	Extra       int    `json:"extra"`   // removed upstream
	Error       string `json:"error,omitempty"`
}

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Expired   int           `json:"expired"`
	Results   []Result      `json:"results"`
}

// Status reports whether a pass is running and the last completed pass.
type Status struct {
	Running bool     `json:"running"`
	LastRun *Summary `json:"last_run,omitempty"`
}

// Reconciler periodically diffs database bans against provider rules.
type Reconciler struct {
	cfg      config.ReconcileConfig
	store    *store.Store
	queue    Queue
	registry *firewall.Registry
	box      *secrets.Box
	sweeper  Sweeper
	metrics  Metrics

	group   singleflight.Group
	running atomic.Bool

	mu      sync.Mutex
	lastRun *Summary

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	passes  atomic.Int64
	repairs atomic.Int64
}

// New creates a reconciler. The sweeper is wired through SetSweeper before
// Start.
func New(cfg config.ReconcileConfig, st *store.Store, queue Queue, reg *firewall.Registry, box *secrets.Box) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		registry: reg,
		box:      box,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Reconciler) SetSweeper(s Sweeper) { r.sweeper = s }

// SetMetrics attaches the collector. Call before Start.
func (r *Reconciler) SetMetrics(m Metrics) { r.metrics = m }

// repaired counts one repair, both locally and in the collector.
func (r *Reconciler) repaired(integration, kind string) {
	r.repairs.Add(1)
	if r.metrics != nil {
		r.metrics.RecordRepair(integration, kind)
	}
}

// Start runs an initial pass, then one per interval until Stop.
func (r *Reconciler) Start() {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.SyncAll(r.ctx); err != nil {
			logging.Error("initial reconciliation failed", zap.Error(err))
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.SyncAll(r.ctx); err != nil {
					logging.Error("reconciliation failed", zap.Error(err))
				}
			}
		}
	}()
	logging.Info("reconciler started", zap.Duration("interval", interval))
}

// Stop halts the periodic loop.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

// SyncAll runs one full pass. Concurrent callers collapse onto the same
// pass and share its summary.
func (r *Reconciler) SyncAll(ctx context.Context) (*Summary, error) {
	v, err, _ := r.group.Do("all", func() (interface{}, error) {
		if !r.running.CompareAndSwap(false, true) {
			return nil, errors.Transient(nil, "reconcile_busy", "a reconciliation is already running")
		}
		defer r.running.Store(false)
		return r.runOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Summary), nil
}

// SyncIP reconciles a single IP across every enabled integration.
func (r *Reconciler) SyncIP(ctx context.Context, ip string) (*Summary, error) {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return nil, errors.Validation("invalid_ip",
			fmt.Sprintf("%q is not a valid IP address", ip))
	}
	v, err, _ := r.group.Do("ip:"+ip, func() (interface{}, error) {
		if !r.running.CompareAndSwap(false, true) {
			return nil, errors.Transient(nil, "reconcile_busy", "a reconciliation is already running")
		}
		defer r.running.Store(false)
		return r.syncOne(ctx, ip)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Summary), nil
}

// SyncStatus reports the running flag and the last completed pass.
func (r *Reconciler) SyncStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{Running: r.running.Load(), LastRun: r.lastRun}
}

// Stats returns reconciler counters.
func (r *Reconciler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"passes":  r.passes.Load(),
		"repairs": r.repairs.Load(),
		"running": r.running.Load(),
	}
}

// UpdateBanExpiry rewrites a ban's expiry and re-issues the upstream rules
// so providers converge to the new duration. nil duration makes the ban
// permanent.
func (r *Reconciler) UpdateBanExpiry(ctx context.Context, ban *store.Ban, duration *time.Duration) error {
	var expiresAt *time.Time
	if duration != nil {
		t := time.Now().UTC().Add(*duration)
		expiresAt = &t
	}
	if err := r.store.UpdateBanExpiry(ctx, ban.ID, expiresAt); err != nil {
		return err
	}
	ban.ExpiresAt = expiresAt

	for _, n := range ban.IntegrationsNotified {
		in, err := r.store.GetIntegration(ctx, n.IntegrationID)
		if err != nil {
			logging.Error("cannot load integration for expiry update",
				zap.Int64("integration_id", n.IntegrationID), zap.Error(err))
			continue
		}
		if in == nil {
			continue
		}
		op := &banqueue.Op{
			Kind:        banqueue.OpBan,
			IP:          ban.IPAddress,
			Reason:      ban.Reason,
			Duration:    duration,
			Severity:    ban.Severity,
			ParentBanID: ban.ID,
		}
		if err := r.queue.Enqueue(in, op); err != nil {
			logging.Error("cannot enqueue expiry update",
				zap.String("integration", in.Name),
				zap.String("ip", ban.IPAddress),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) runOnce(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{StartedAt: start.UTC()}

	if r.sweeper != nil {
		n, err := r.sweeper.ExpirySweep(ctx)
		if err != nil {
			logging.Error("expired sweep failed", zap.Error(err))
		} else {
			summary.Expired = n
		}
	}

	now := time.Now().UTC()
	active, err := r.store.ListActiveBans(ctx, now)
	if err != nil {
		return nil, errors.Transient(err, "reconcile_failed", "cannot list active bans")
	}
	integrations, err := r.store.ListEnabledIntegrations(ctx)
	if err != nil {
		return nil, errors.Transient(err, "reconcile_failed", "cannot list integrations")
	}

	desired := make(map[string]*store.Ban, len(active))
	for _, b := range active {
		desired[b.IPAddress] = b
	}

	for _, in := range integrations {
		res := r.reconcileIntegration(ctx, in, desired, now)
		summary.Results = append(summary.Results, res)
	}

	summary.Duration = time.Since(start)
	r.passes.Add(1)
	r.setLast(summary)
	logging.Info("reconciliation pass complete",
		zap.Int("integrations", len(summary.Results)),
		zap.Int("expired", summary.Expired),
		zap.Duration("took", summary.Duration))
	return summary, nil
}

// reconcileIntegration diffs one provider against the desired set. Every
// active ban absent upstream is re-issued, including bans whose original
// enqueue was lost before the provider acknowledged; the provider contract
// makes the duplicate ban a no-op.
func (r *Reconciler) reconcileIntegration(ctx context.Context, in *store.Integration, desired map[string]*store.Ban, now time.Time) Result {
	res := Result{Integration: in.Name, Provider: in.Provider}

	provider, err := r.registry.Build(in, r.box)
	if err != nil {
		res.Error = err.Error()
		logging.Error("cannot build provider",
			zap.String("integration", in.Name), zap.Error(err))
		return res
	}
	upstream, err := provider.ListBans(ctx)
	if err != nil {
		res.Error = err.Error()
		logging.Error("cannot list provider bans",
			zap.String("integration", in.Name), zap.Error(err))
		return res
	}

	present := make(map[string]firewall.ProviderBan, len(upstream))
	for _, pb := range upstream {
		present[pb.IP] = pb
	}

	for ip, ban := range desired {
		if _, ok := present[ip]; ok {
			continue
		}
		op := &banqueue.Op{
			Kind:        banqueue.OpBan,
			IP:          ip,
			Reason:      ban.Reason,
			Duration:    remaining(ban, now),
			Severity:    ban.Severity,
			ParentBanID: ban.ID,
		}
		if err := r.queue.Enqueue(in, op); err != nil {
			logging.Error("cannot enqueue repair ban",
				zap.String("integration", in.Name), zap.String("ip", ip), zap.Error(err))
			continue
		}
		res.Missing++
		r.repaired(in.Name, "missing")
		logging.Warn("re-issuing ban missing upstream",
			zap.String("integration", in.Name),
			zap.String("ip", ip),
			zap.Int64("ban_id", ban.ID))
	}

	for ip, pb := range present {
		if _, ok := desired[ip]; ok {
			continue
		}
		op := &banqueue.Op{
			Kind:          banqueue.OpUnban,
			IP:            ip,
			ProviderBanID: pb.ProviderBanID,
		}
		if err := r.queue.Enqueue(in, op); err != nil {
			logging.Error("cannot enqueue repair unban",
				zap.String("integration", in.Name), zap.String("ip", ip), zap.Error(err))
			continue
		}
		res.Extra++
		r.repaired(in.Name, "extra")
		logging.Warn("removing rule with no active ban",
			zap.String("integration", in.Name),
			zap.String("ip", ip),
			zap.String("provider_ban_id", pb.ProviderBanID))
	}

	return res
}

func (r *Reconciler) syncOne(ctx context.Context, ip string) (*Summary, error) {
	start := time.Now()
	summary := &Summary{StartedAt: start.UTC()}

	now := time.Now().UTC()
	ban, err := r.store.GetActiveBanByIP(ctx, ip, now)
	if err != nil {
		return nil, errors.Transient(err, "reconcile_failed", "cannot look up ban")
	}
	integrations, err := r.store.ListEnabledIntegrations(ctx)
	if err != nil {
		return nil, errors.Transient(err, "reconcile_failed", "cannot list integrations")
	}

	desired := map[string]*store.Ban{}
	if ban != nil {
		desired[ip] = ban
	}

	for _, in := range integrations {
		res := Result{Integration: in.Name, Provider: in.Provider}

		provider, err := r.registry.Build(in, r.box)
		if err != nil {
			res.Error = err.Error()
			summary.Results = append(summary.Results, res)
			continue
		}
		upstream, err := provider.ListBans(ctx)
		if err != nil {
			res.Error = err.Error()
			summary.Results = append(summary.Results, res)
			continue
		}

		var found *firewall.ProviderBan
		for i := range upstream {
			if upstream[i].IP == ip {
				found = &upstream[i]
				break
			}
		}

		switch {
		case ban != nil && found == nil:
			op := &banqueue.Op{
				Kind:        banqueue.OpBan,
				IP:          ip,
				Reason:      ban.Reason,
				Duration:    remaining(ban, now),
				Severity:    ban.Severity,
				ParentBanID: ban.ID,
			}
			if err := r.queue.Enqueue(in, op); err == nil {
				res.Missing++
				r.repaired(in.Name, "missing")
			}
		case ban == nil && found != nil:
			op := &banqueue.Op{
				Kind:          banqueue.OpUnban,
				IP:            ip,
				ProviderBanID: found.ProviderBanID,
			}
			if err := r.queue.Enqueue(in, op); err == nil {
				res.Extra++
				r.repaired(in.Name, "extra")
			}
		}
		summary.Results = append(summary.Results, res)
	}

	summary.Duration = time.Since(start)
	r.setLast(summary)
	return summary, nil
}

func (r *Reconciler) setLast(s *Summary) {
	r.mu.Lock()
	r.lastRun = s
	r.mu.Unlock()
}

// remaining returns the time left on a ban, nil for permanent. Clamped at
// zero so a ban expiring mid-pass still enqueues a valid op.
func remaining(ban *store.Ban, now time.Time) *time.Duration {
	if ban.ExpiresAt == nil {
		return nil
	}
	d := ban.ExpiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return &d
}

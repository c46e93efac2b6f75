// Package core assembles the pipeline: stores, secrets, providers, queue,
// bus, notifier, orchestrator, reconciler, ingestor and detector, wired in
// dependency order and torn down in reverse. Collaborator surfaces the
// admin API needs (ban operations, sync, whitelist, SSE) are exposed as
// accessors on the Core.
package core

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wudi/warden/internal/banqueue"
	"github.com/wudi/warden/internal/bans"
	"github.com/wudi/warden/internal/bus"
	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/detect"
	"github.com/wudi/warden/internal/firewall"
	"github.com/wudi/warden/internal/ingest"
	"github.com/wudi/warden/internal/logging"
	"github.com/wudi/warden/internal/metrics"
	"github.com/wudi/warden/internal/notify"
	"github.com/wudi/warden/internal/reconcile"
	"github.com/wudi/warden/internal/secrets"
	"github.com/wudi/warden/internal/store"
	"github.com/wudi/warden/internal/whitelist"
)

// Core owns every pipeline component. Construct with New, then Run (or
// Start/Stop when the caller handles signals itself).
type Core struct {
	cfg *config.Config

	store  *store.Store
	events *store.EventStore
	box    *secrets.Box

	registry   *firewall.Registry
	bus        *bus.Bus
	checker    *whitelist.Checker
	queue      *banqueue.Queue
	notifier   *notify.Dispatcher
	orch       *bans.Orchestrator
	reconciler *reconcile.Reconciler
	ingestor   *ingest.Ingestor
	detector   *detect.Detector

	collector     *metrics.Collector
	metricsServer *http.Server
	metricsSub    *bus.Subscriber

	cron          *cron.Cron
	retentionDays atomic.Int64

	wg        sync.WaitGroup
	startTime time.Time
}

// New opens the stores and builds every component. A store that cannot be
// opened is fatal; optional components (secrets, ingest, notifications,
// metrics) degrade with an error log and stay down, per the policy that a
// broken pipeline piece must not take the admin surface with it.
func New(cfg *config.Config) (*Core, error) {
	st, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}
	events, err := store.OpenEvents(cfg.Storage)
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Core{
		cfg:      cfg,
		store:    st,
		events:   events,
		registry: firewall.NewDefaultRegistry(),
		bus:      bus.New(cfg.Bus.BufferSize),
		checker:  whitelist.NewChecker(st),
	}

	box, err := secrets.NewFromEnv(cfg.Secrets.KeyEnv)
	if err != nil {
		logging.Error("credential encryption unavailable, integrations stay down",
			zap.String("env", cfg.Secrets.KeyEnv),
			zap.Error(err))
	} else {
		c.box = box
	}

	c.queue = banqueue.New(cfg.Queue, st, c.registry, c.box)

	if cfg.Notifications.Enabled {
		c.notifier = notify.New(cfg.Notifications, st, events,
			notify.NewCommandSender(cfg.Notifications))
		c.notifier.AttachBus(c.bus)
	}
	c.queue.OnFailure(c.queueFailure)

	c.orch = bans.New(cfg.Bans, st, c.checker, c.queue)
	c.orch.SetBus(c.bus)
	if c.notifier != nil {
		c.orch.SetNotifier(c.notifier)
	}

	c.reconciler = reconcile.New(cfg.Reconcile, st, c.queue, c.registry, c.box)
	c.reconciler.SetSweeper(c.orch)
	c.orch.SetExpiryUpdater(c.reconciler)

	if cfg.Ingest.Enabled {
		ing, err := ingest.New(cfg.Ingest, st, events)
		if err != nil {
			logging.Error("audit-log ingestor stays down", zap.Error(err))
		} else {
			ing.SetBus(c.bus)
			c.ingestor = ing
		}
	}

	if cfg.Detection.Enabled {
		c.detector = detect.New(cfg.Detection, st, events, c.checker, c.orch)
	}

	if cfg.Metrics.Enabled {
		c.initMetrics()
	}
	c.retentionDays.Store(int64(cfg.Retention.Days))
	c.initCron()

	return c, nil
}

// initCron schedules the daily retention purge. The notification schedules
// live inside the dispatcher; only storage upkeep belongs here.
func (c *Core) initCron() {
	if c.cfg.Retention.PurgeSchedule == "" || c.cfg.Retention.Days <= 0 {
		return
	}
	cr := cron.New()
	_, err := cr.AddFunc(c.cfg.Retention.PurgeSchedule, c.purge)
	if err != nil {
		logging.Error("retention sweep disabled: bad schedule",
			zap.String("schedule", c.cfg.Retention.PurgeSchedule),
			zap.Error(err))
		return
	}
	c.cron = cr
}

func (c *Core) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -int(c.retentionDays.Load()))
	n, err := c.events.Purge(ctx, cutoff)
	if err != nil {
		logging.Error("retention purge failed", zap.Error(err))
		if c.notifier != nil {
			c.notifier.SystemError("retention", err)
		}
		return
	}
	logging.Info("retention purge complete",
		zap.Int64("deleted", n),
		zap.Time("cutoff", cutoff))
}

// queueFailure surfaces permanently failed provider ops as system errors.
// The dispatcher can be down (disabled, or its Start failed), so a nil
// notifier just drops the alert; the queue already logged the failure.
func (c *Core) queueFailure(op *banqueue.Op, integration string, err error) {
	if n := c.notifier; n != nil {
		n.SystemError("ban_queue:"+integration, err)
	}
}

// ApplyConfig picks up reloadable tunables from a freshly loaded config.
// Only the retention window applies live; other sections take effect on
// restart.
func (c *Core) ApplyConfig(cfg *config.Config) {
	if d := cfg.Retention.Days; d > 0 && int64(d) != c.retentionDays.Load() {
		c.retentionDays.Store(int64(d))
		logging.Info("retention window updated", zap.Int("days", d))
	}
}

// Start brings the components up: notification channel first so startup
// errors are reportable, then the ban path, then intake.
func (c *Core) Start() error {
	c.startTime = time.Now()

	if c.notifier != nil {
		if err := c.notifier.Start(); err != nil {
			logging.Error("notification dispatcher stays down", zap.Error(err))
			c.notifier = nil
		}
	}

	c.orch.Start()
	if c.cfg.Reconcile.Enabled {
		c.reconciler.Start()
	}
	if c.detector != nil {
		c.detector.Start()
	}
	if c.ingestor != nil {
		c.ingestor.Start()
	}
	if c.cron != nil {
		c.cron.Start()
	}
	if c.metricsServer != nil {
		c.startMetrics()
	}

	logging.Info("warden pipeline started",
		zap.Bool("ingest", c.ingestor != nil),
		zap.Bool("detection", c.detector != nil),
		zap.Bool("reconcile", c.cfg.Reconcile.Enabled),
		zap.Bool("notifications", c.notifier != nil),
		zap.Bool("metrics", c.metricsServer != nil))
	return nil
}

// Run starts the pipeline and blocks until SIGINT or SIGTERM.
func (c *Core) Run() error {
	if err := c.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logging.Info("shutting down", zap.String("signal", sig.String()))

	c.Stop()
	return nil
}

// Stop tears the pipeline down in reverse order: intake first so nothing
// new enters, then evaluation, then the provider queue (bounded wait),
// then the stores.
func (c *Core) Stop() {
	if c.ingestor != nil {
		c.ingestor.Stop()
	}
	if c.detector != nil {
		c.detector.Stop()
	}
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
	if c.cfg.Reconcile.Enabled {
		c.reconciler.Stop()
	}
	c.orch.Stop()
	c.queue.Stop()
	if c.notifier != nil {
		c.notifier.Stop()
	}
	c.stopMetrics()
	c.bus.Close()
	c.wg.Wait()

	if err := c.events.Close(); err != nil {
		logging.Error("event store close failed", zap.Error(err))
	}
	if err := c.store.Close(); err != nil {
		logging.Error("config store close failed", zap.Error(err))
	}
	logging.Info("warden pipeline stopped",
		zap.Duration("uptime", time.Since(c.startTime).Round(time.Second)))
}

// Accessors for the admin-API collaborator.

func (c *Core) Store() *store.Store               { return c.store }
func (c *Core) Events() *store.EventStore         { return c.events }
func (c *Core) Bus() *bus.Bus                     { return c.bus }
func (c *Core) Bans() *bans.Orchestrator          { return c.orch }
func (c *Core) Whitelist() *whitelist.Checker     { return c.checker }
func (c *Core) Reconciler() *reconcile.Reconciler { return c.reconciler }
func (c *Core) Notifier() *notify.Dispatcher      { return c.notifier }

// Stats aggregates every component's counters.
func (c *Core) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"uptime_seconds": int64(time.Since(c.startTime).Seconds()),
		"bans":           c.orch.Stats(),
		"queue":          c.queue.Stats(),
		"bus":            c.bus.Stats(),
		"reconcile":      c.reconciler.Stats(),
	}
	if c.ingestor != nil {
		stats["ingest"] = c.ingestor.Stats()
	}
	if c.detector != nil {
		stats["detect"] = c.detector.Stats()
	}
	if c.notifier != nil {
		stats["notify"] = c.notifier.Stats()
	}
	return stats
}

// initMetrics builds the collector, bridges bus traffic into it and
// prepares the scrape server. Sources registered here are sampled on
// every scrape.
func (c *Core) initMetrics() {
	col := metrics.NewCollector()
	col.RegisterSource("queue", c.queue.Stats)
	col.RegisterSource("bans", c.orch.Stats)
	col.RegisterSource("bus", c.bus.Stats)
	col.RegisterSource("reconcile", c.reconciler.Stats)
	if c.ingestor != nil {
		col.RegisterSource("ingest", c.ingestor.Stats)
	}
	if c.detector != nil {
		col.RegisterSource("detect", c.detector.Stats)
	}
	if c.notifier != nil {
		col.RegisterSource("notify", c.notifier.Stats)
	}
	c.collector = col
	c.queue.SetMetrics(col)
	c.reconciler.SetMetrics(col)
	if c.notifier != nil {
		c.notifier.SetMetrics(col)
	}
	c.metricsSub = c.bus.Subscribe(bus.TopicWAFEvent, bus.TopicBanCreated, bus.TopicBanRemoved)

	mux := http.NewServeMux()
	mux.Handle("/metrics", col.Handler())
	mux.Handle("/events", c.bus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Stats())
	})
	c.metricsServer = &http.Server{
		Addr:         c.cfg.Metrics.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams on /events
	}
}

func (c *Core) startMetrics() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		defer c.wg.Done()
		c.bridgeMetrics()
	}()
	logging.Info("metrics server listening", zap.String("address", c.cfg.Metrics.Address))
}

// bridgeMetrics counts bus traffic into the collector. The subscriber
// channel closes when the bus shuts down.
func (c *Core) bridgeMetrics() {
	for evt := range c.metricsSub.Events() {
		switch evt.Topic {
		case bus.TopicWAFEvent:
			if ev, ok := evt.Data.(*store.WAFEvent); ok {
				c.collector.RecordEvent(ev.AttackType, ev.Severity)
			}
		case bus.TopicBanCreated:
			if ban, ok := evt.Data.(*store.Ban); ok {
				c.collector.RecordBan(ban.AutoBanned)
			}
		case bus.TopicBanRemoved:
			if ban, ok := evt.Data.(*store.Ban); ok {
				cause := "expired"
				if ban.UnbannedBy != nil {
					cause = "manual"
				}
				c.collector.RecordUnban(cause)
			}
		}
	}
}

func (c *Core) stopMetrics() {
	if c.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.metricsServer.Shutdown(ctx); err != nil {
		logging.Error("metrics server shutdown failed", zap.Error(err))
	}
}

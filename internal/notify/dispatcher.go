// Package notify turns pipeline happenings into operator alerts. A single
// worker drains a bounded queue and shells out to the configured command;
// cooldown caches keep repeat triggers from flooding the channel, and an
// optional store-backed batch queue delays low-urgency alerts so several
// triggers collapse into one message. Every attempt, sent or failed, is
// persisted as a NotificationRecord.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wudi/warden/internal/bus"
	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/logging"
	"github.com/wudi/warden/internal/store"
)

// Notification types used as record/queue keys and --notification-type
// values.
const (
	TypeWAFHighSeverity = "waf_high_severity"
	TypeWAFThreshold    = "waf_blocks_threshold"
	TypeBanIssued       = "ban_issued"
	TypeBanCleared      = "ban_cleared"
	TypeSystemError     = "system_error"
	TypeProxyEvent      = "proxy_event"
	TypeCertExpiry      = "cert_expiry"
	TypeDailyReport     = "daily_report"
)

const (
	queueSize      = 256
	sendTimeout    = 30 * time.Second
	certCooldown   = 24 * time.Hour
	cooldownKeys   = 1024
	minBatchPoll   = 100 * time.Millisecond
	maxBatchPoll   = time.Minute
	dailyReportFmt = "2006-01-02"
)

// Dispatcher owns the notification pipeline. It implements the ban
// orchestrator's Notifier contract; WAF and proxy triggers arrive over
// the bus.
type Dispatcher struct {
	cfg    config.NotificationsConfig
	store  *store.Store
	events *store.EventStore
	sender Sender

	queue   chan Notification
	sub     *bus.Subscriber
	busR    *bus.Bus
	cron    *cron.Cron
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// cooldowns holds high_severity_<ip> and system_error_<component>
	// keys; threshold and cert keys live in their own caches because the
	// TTLs differ.
	cooldowns  *expirable.LRU[string, time.Time]
	thresholds *expirable.LRU[string, time.Time]
	certs      *expirable.LRU[string, time.Time]

	emitted    atomic.Int64
	sent       atomic.Int64
	failed     atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64
	batched    atomic.Int64
}

// New builds a dispatcher sending through the given sender. Pass
// NewCommandSender(cfg) for the production channel.
func New(cfg config.NotificationsConfig, st *store.Store, events *store.EventStore, sender Sender) *Dispatcher {
	if cfg.WAFThreshold.Threshold <= 0 {
		cfg.WAFThreshold.Threshold = 10
	}
	if cfg.WAFThreshold.Window <= 0 {
		cfg.WAFThreshold.Window = 5 * time.Minute
	}
	if cfg.HighSeverity.Cooldown <= 0 {
		cfg.HighSeverity.Cooldown = 5 * time.Minute
	}
	if cfg.Batch.Interval <= 0 {
		cfg.Batch.Interval = 5 * time.Minute
	}
	if cfg.Matrix.EvalInterval <= 0 {
		cfg.Matrix.EvalInterval = time.Minute
	}
	if cfg.CertExpiryDays <= 0 {
		cfg.CertExpiryDays = 14
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		store:      st,
		events:     events,
		sender:     sender,
		queue:      make(chan Notification, queueSize),
		ctx:        ctx,
		cancel:     cancel,
		cooldowns:  expirable.NewLRU[string, time.Time](cooldownKeys, nil, cfg.HighSeverity.Cooldown),
		thresholds: expirable.NewLRU[string, time.Time](8, nil, cfg.WAFThreshold.Window),
		certs:      expirable.NewLRU[string, time.Time](cooldownKeys, nil, certCooldown),
	}
}

// Metrics receives per-delivery outcomes. Implemented by the metrics
// collector.
type Metrics interface {
	RecordNotification(eventType, status string)
}

// AttachBus subscribes the dispatcher to WAF and proxy events. Call
// before Start.
func (d *Dispatcher) AttachBus(b *bus.Bus) {
	d.busR = b
	d.sub = b.Subscribe(bus.TopicWAFEvent, bus.TopicProxyEvent)
}

// SetMetrics attaches the collector. Call before Start.
func (d *Dispatcher) SetMetrics(m Metrics) {
	d.metrics = m
}

// Start launches the send worker and the optional batch, matrix and
// daily-report schedules. On error nothing is left running.
func (d *Dispatcher) Start() error {
	if d.cfg.DailyReport.Enabled {
		c := cron.New()
		if _, err := c.AddFunc(d.cfg.DailyReport.Schedule, d.sendDailyReport); err != nil {
			return fmt.Errorf("bad daily report schedule %q: %w", d.cfg.DailyReport.Schedule, err)
		}
		d.cron = c
	}

	d.wg.Add(1)
	go d.worker()

	if d.sub != nil {
		d.wg.Add(1)
		go d.busLoop()
	}
	if d.cfg.Batch.Enabled {
		d.wg.Add(1)
		go d.batchLoop()
	}
	if d.cfg.Matrix.Enabled {
		d.wg.Add(1)
		go d.matrixLoop()
	}
	if d.cron != nil {
		d.cron.Start()
	}

	logging.Info("notification dispatcher started",
		zap.Bool("batching", d.cfg.Batch.Enabled),
		zap.Bool("matrix", d.cfg.Matrix.Enabled),
		zap.Bool("daily_report", d.cfg.DailyReport.Enabled))
	return nil
}

// Stop drains nothing: queued notifications not yet sent are dropped,
// batched rows survive in the store for the next run.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	if d.busR != nil && d.sub != nil {
		d.busR.Unsubscribe(d.sub)
	}
	d.cancel()
	d.wg.Wait()
}

// Dispatch routes one notification: into the store-backed batch queue
// when batching applies, otherwise straight to the send worker. Never
// blocks; a full queue drops the notification with a log line.
func (d *Dispatcher) Dispatch(n Notification) {
	d.emitted.Add(1)

	if d.cfg.Batch.Enabled && n.Type != TypeDailyReport {
		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		defer cancel()
		pending, err := d.store.PendingForType(ctx, n.Type)
		if err == nil && pending {
			d.suppressed.Add(1)
			return
		}
		q := &store.QueuedNotification{
			EventType:    n.Type,
			Title:        n.Title,
			Body:         n.Body,
			Severity:     n.Severity,
			Tag:          n.Tag,
			ScheduledFor: time.Now().Add(d.cfg.Batch.Interval).UTC(),
		}
		if err := d.store.EnqueueNotification(ctx, q); err == nil {
			d.batched.Add(1)
			return
		}
		logging.Warn("notification batch enqueue failed, sending directly",
			zap.String("type", n.Type), zap.Error(err))
	}

	d.direct(n)
}

func (d *Dispatcher) direct(n Notification) {
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		logging.Warn("notification queue full, dropping",
			zap.String("type", n.Type),
			zap.String("title", n.Title))
	}
}

// BanIssued implements the orchestrator's Notifier contract.
func (d *Dispatcher) BanIssued(ban *store.Ban) {
	expiry := "permanent"
	if ban.ExpiresAt != nil {
		expiry = "until " + ban.ExpiresAt.UTC().Format(time.RFC3339)
	}
	mode := "manually"
	if ban.AutoBanned {
		mode = "automatically"
	}
	d.Dispatch(Notification{
		Type:     TypeBanIssued,
		Title:    "IP banned: " + ban.IPAddress,
		Severity: ban.Severity,
		Body: fmt.Sprintf("%s was banned %s (%s).\nReason: %s\nEvents: %d",
			ban.IPAddress, mode, expiry, ban.Reason, ban.EventCount),
	})
}

// BanCleared implements the orchestrator's Notifier contract.
func (d *Dispatcher) BanCleared(ban *store.Ban, manual bool) {
	cause := "expired"
	if manual {
		cause = "lifted"
		if ban.UnbannedBy != nil {
			cause = "lifted by " + *ban.UnbannedBy
		}
	}
	d.Dispatch(Notification{
		Type:  TypeBanCleared,
		Title: "IP unbanned: " + ban.IPAddress,
		Body:  fmt.Sprintf("The ban on %s was %s.", ban.IPAddress, cause),
	})
}

// SystemError reports a component failure, one alert per component per
// cooldown window.
func (d *Dispatcher) SystemError(component string, err error) {
	if !d.allow(d.cooldowns, "system_error_"+component) {
		return
	}
	d.Dispatch(Notification{
		Type:     TypeSystemError,
		Title:    "System error: " + component,
		Severity: "ERROR",
		Body:     err.Error(),
	})
}

// CertExpiring alerts when a certificate is inside the configured expiry
// horizon. One alert per domain per day.
func (d *Dispatcher) CertExpiring(domain string, notAfter time.Time) {
	days := int(time.Until(notAfter).Hours() / 24)
	if days > d.cfg.CertExpiryDays {
		return
	}
	if !d.allow(d.certs, "cert_expiry_"+domain) {
		return
	}
	title := fmt.Sprintf("Certificate for %s expires in %d days", domain, days)
	if days < 0 {
		title = fmt.Sprintf("Certificate for %s has expired", domain)
	}
	d.Dispatch(Notification{
		Type:     TypeCertExpiry,
		Title:    title,
		Severity: "WARNING",
		Body:     fmt.Sprintf("Not valid after %s.", notAfter.UTC().Format(time.RFC3339)),
	})
}

// HandleEvent applies the WAF triggers to one persisted event.
func (d *Dispatcher) HandleEvent(ev *store.WAFEvent) {
	if d.cfg.HighSeverity.Enabled && (ev.Severity == "CRITICAL" || ev.Severity == "ERROR") {
		if d.allow(d.cooldowns, "high_severity_"+ev.ClientIP) {
			d.Dispatch(Notification{
				Type:     TypeWAFHighSeverity,
				Title:    fmt.Sprintf("%s attack from %s", strings.ToUpper(ev.AttackType), ev.ClientIP),
				Severity: ev.Severity,
				Body: fmt.Sprintf("%s %s\nRule %s: %s",
					ev.RequestMethod, ev.RequestURI, ev.RuleID, ev.Message),
			})
		}
	}

	if d.cfg.WAFThreshold.Enabled && ev.Blocked {
		d.checkBlockThreshold()
	}
}

func (d *Dispatcher) checkBlockThreshold() {
	if _, cooling := d.thresholds.Get(TypeWAFThreshold); cooling {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	since := time.Now().Add(-d.cfg.WAFThreshold.Window)
	count, err := d.events.CountSince(ctx, since, true)
	if err != nil {
		logging.Warn("block threshold count failed", zap.Error(err))
		return
	}
	if count < int64(d.cfg.WAFThreshold.Threshold) {
		return
	}
	d.thresholds.Add(TypeWAFThreshold, time.Now())
	d.Dispatch(Notification{
		Type:     TypeWAFThreshold,
		Title:    fmt.Sprintf("%d requests blocked in the last %s", count, d.cfg.WAFThreshold.Window),
		Severity: "WARNING",
		Body:     "The WAF block rate crossed the configured threshold.",
	})
}

// allow marks the key's cooldown and reports whether this trigger may
// fire. The second hit inside the TTL is suppressed.
func (d *Dispatcher) allow(cache *expirable.LRU[string, time.Time], key string) bool {
	if _, cooling := cache.Get(key); cooling {
		d.suppressed.Add(1)
		return false
	}
	cache.Add(key, time.Now())
	return true
}

func (d *Dispatcher) busLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case evt, ok := <-d.sub.Events():
			if !ok {
				return
			}
			switch evt.Topic {
			case bus.TopicWAFEvent:
				if ev, ok := evt.Data.(*store.WAFEvent); ok {
					d.HandleEvent(ev)
				}
			case bus.TopicProxyEvent:
				d.Dispatch(Notification{
					Type:  TypeProxyEvent,
					Title: "Proxy configuration changed",
					Body:  fmt.Sprintf("%v", evt.Data),
				})
			}
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case n := <-d.queue:
			d.deliver(n)
		}
	}
}

// deliver sends one notification and records the outcome.
func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := d.sender.Send(ctx, n)
	record := &store.NotificationRecord{
		Channel:   "command",
		EventType: n.Type,
		Title:     n.Title,
		Body:      n.Body,
		Severity:  n.Severity,
		Status:    "sent",
		SentAt:    time.Now().UTC(),
	}
	if err != nil {
		d.failed.Add(1)
		record.Status = "failed"
		record.Error = err.Error()
		logging.Error("notification failed",
			zap.String("type", n.Type),
			zap.String("title", n.Title),
			zap.Error(err))
	} else {
		d.sent.Add(1)
		logging.Debug("notification sent",
			zap.String("type", n.Type),
			zap.String("title", n.Title))
	}

	if d.metrics != nil {
		d.metrics.RecordNotification(n.Type, record.Status)
	}
	if rerr := d.store.RecordNotification(ctx, record); rerr != nil {
		logging.Warn("notification record not persisted", zap.Error(rerr))
	}
}

// batchLoop moves due rows from the store queue to the send worker.
func (d *Dispatcher) batchLoop() {
	defer d.wg.Done()
	tick := d.cfg.Batch.Interval / 2
	if tick < minBatchPoll {
		tick = minBatchPoll
	}
	if tick > maxBatchPoll {
		tick = maxBatchPoll
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			due, err := d.store.DueNotifications(d.ctx, time.Now())
			if err != nil {
				if d.ctx.Err() == nil {
					logging.Warn("batch queue poll failed", zap.Error(err))
				}
				continue
			}
			for _, q := range due {
				d.direct(Notification{
					Type:     q.EventType,
					Title:    q.Title,
					Body:     q.Body,
					Severity: q.Severity,
					Tag:      q.Tag,
				})
			}
		}
	}
}

// Stats reports dispatcher counters.
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"emitted":    d.emitted.Load(),
		"sent":       d.sent.Load(),
		"failed":     d.failed.Load(),
		"suppressed": d.suppressed.Load(),
		"dropped":    d.dropped.Load(),
		"batched":    d.batched.Load(),
		"queue_len":  len(d.queue),
	}
}

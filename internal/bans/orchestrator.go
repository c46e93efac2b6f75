// Package bans owns the ban lifecycle. The database row is written before
// any provider sees the ban, so local state is always authoritative and the
// reconciler can rebuild upstream state from it after any failure.
package bans

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/warden/internal/banqueue"
	"github.com/wudi/warden/internal/bus"
	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/logging"
	"github.com/wudi/warden/internal/store"
	"github.com/wudi/warden/internal/whitelist"
)

// Request carries the inputs for one ban decision.
type Request struct {
	IP           string
	Reason       string
	AttackType   string
	EventCount   int
	Severity     string // LOW, MEDIUM, HIGH, CRITICAL
	Duration     *time.Duration
	BannedBy     string
	Auto         bool
	RuleID       *int64
	ProxyID      *int64
	SampleEvents []int64
}

// Outcome reports the created ban and how many integrations were queued.
type Outcome struct {
	Ban    *store.Ban
	Queued int
}

// Queue is the slice of the ban queue the orchestrator uses.
type Queue interface {
	Enqueue(in *store.Integration, op *banqueue.Op) error
}

// Notifier receives lifecycle callbacks. Implementations must not block;
// the dispatcher queues internally.
type Notifier interface {
	BanIssued(ban *store.Ban)
	BanCleared(ban *store.Ban, manual bool)
}

// ExpiryUpdater pushes an expiry change out to the providers. Implemented
// by the reconciler; when absent only the database row changes and the
// next reconciliation pass converges upstream.
type ExpiryUpdater interface {
	UpdateBanExpiry(ctx context.Context, ban *store.Ban, duration *time.Duration) error
}

// Orchestrator coordinates ban persistence, provider fan-out, events and
// notifications.
type Orchestrator struct {
	cfg     config.BansConfig
	store   *store.Store
	checker *whitelist.Checker
	queue   Queue

	bus      *bus.Bus
	notifier Notifier
	expiry   ExpiryUpdater

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	banned   atomic.Int64
	unbanned atomic.Int64
	expired  atomic.Int64
	refused  atomic.Int64
}

// New creates an orchestrator. Bus, notifier and expiry updater are wired
// through the setters before Start.
func New(cfg config.BansConfig, st *store.Store, checker *whitelist.Checker, queue Queue) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		store:   st,
		checker: checker,
		queue:   queue,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (o *Orchestrator) SetBus(b *bus.Bus)             { o.bus = b }
func (o *Orchestrator) SetNotifier(n Notifier)         { o.notifier = n }
func (o *Orchestrator) SetExpiryUpdater(u ExpiryUpdater) { o.expiry = u }

// Ban validates and persists a new ban, then fans it out to every enabled
// integration. Whitelisted IPs and already-banned IPs come back as refusals.
func (o *Orchestrator) Ban(ctx context.Context, req Request) (*Outcome, error) {
	ip := strings.TrimSpace(req.IP)
	if net.ParseIP(ip) == nil {
		return nil, errors.Validation("invalid_ip",
			fmt.Sprintf("%q is not a valid IP address", req.IP))
	}
	if o.checker.IsWhitelisted(ctx, ip) {
		o.refused.Add(1)
		return nil, errors.ErrWhitelisted.WithDetails(map[string]interface{}{"ip": ip})
	}

	now := time.Now().UTC()
	ban := &store.Ban{
		IPAddress:       ip,
		Reason:          req.Reason,
		AttackType:      req.AttackType,
		EventCount:      req.EventCount,
		Severity:        normalizeSeverity(req.Severity),
		BannedAt:        now,
		AutoBanned:      req.Auto,
		ProxyID:         req.ProxyID,
		DetectionRuleID: req.RuleID,
		SampleEvents:    req.SampleEvents,
	}
	if req.BannedBy != "" {
		by := req.BannedBy
		ban.BannedBy = &by
	}
	if req.Duration != nil {
		exp := now.Add(*req.Duration)
		ban.ExpiresAt = &exp
	}

	if err := o.store.InsertBan(ctx, ban); err != nil {
		if errors.IsRefusal(err) {
			o.refused.Add(1)
		}
		return nil, err
	}
	o.banned.Add(1)

	queued := o.enqueueBans(ctx, ban)
	logging.Info("ip banned",
		zap.String("ip", ip),
		zap.Int64("ban_id", ban.ID),
		zap.String("reason", ban.Reason),
		zap.Bool("auto", ban.AutoBanned),
		zap.Bool("permanent", ban.Permanent()),
		zap.Int("queued_integrations", queued))

	o.publish(bus.TopicBanCreated, ban)
	if o.notifier != nil {
		o.notifier.BanIssued(ban)
	}
	return &Outcome{Ban: ban, Queued: queued}, nil
}

// Unban clears the active ban for an IP. The row is updated before any
// provider call so the decision is immediate even when upstreams are slow.
func (o *Orchestrator) Unban(ctx context.Context, ip, by string) (*store.Ban, error) {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return nil, errors.Validation("invalid_ip",
			fmt.Sprintf("%q is not a valid IP address", ip))
	}

	now := time.Now().UTC()
	ban, err := o.store.GetActiveBanByIP(ctx, ip, now)
	if err != nil {
		return nil, err
	}
	if ban == nil {
		return nil, errors.ErrNotBanned.WithDetails(map[string]interface{}{"ip": ip})
	}
	return o.clear(ctx, ban, by, now)
}

func (o *Orchestrator) clear(ctx context.Context, ban *store.Ban, by string, now time.Time) (*store.Ban, error) {
	changed, err := o.store.MarkUnbanned(ctx, ban.ID, by, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost the race against the sweep or another operator.
		return nil, errors.ErrNotBanned.WithDetails(map[string]interface{}{"ip": ban.IPAddress})
	}
	ban.UnbannedAt = &now
	if by != "" {
		ban.UnbannedBy = &by
	}
	o.unbanned.Add(1)

	queued := o.enqueueUnbans(ctx, ban)
	logging.Info("ip unbanned",
		zap.String("ip", ban.IPAddress),
		zap.Int64("ban_id", ban.ID),
		zap.String("by", by),
		zap.Int("queued_integrations", queued))

	o.publish(bus.TopicBanRemoved, ban)
	if o.notifier != nil {
		o.notifier.BanCleared(ban, by != "")
	}
	return ban, nil
}

// MakePermanent removes the expiry from the active ban for an IP and
// converts the upstream rules.
func (o *Orchestrator) MakePermanent(ctx context.Context, ip string) (*store.Ban, error) {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return nil, errors.Validation("invalid_ip",
			fmt.Sprintf("%q is not a valid IP address", ip))
	}

	now := time.Now().UTC()
	ban, err := o.store.GetActiveBanByIP(ctx, ip, now)
	if err != nil {
		return nil, err
	}
	if ban == nil {
		return nil, errors.ErrNotBanned.WithDetails(map[string]interface{}{"ip": ip})
	}
	if ban.Permanent() {
		return ban, nil
	}

	if o.expiry != nil {
		if err := o.expiry.UpdateBanExpiry(ctx, ban, nil); err != nil {
			return nil, err
		}
	} else if err := o.store.UpdateBanExpiry(ctx, ban.ID, nil); err != nil {
		return nil, err
	}
	ban.ExpiresAt = nil

	logging.Info("ban made permanent",
		zap.String("ip", ban.IPAddress),
		zap.Int64("ban_id", ban.ID))
	o.publish(bus.TopicBanUpdated, ban)
	return ban, nil
}

// ExpirySweep unbans every ban whose expiry has passed. Returns the number
// of bans swept.
func (o *Orchestrator) ExpirySweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expiredBans, err := o.store.ExpiredBans(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, ban := range expiredBans {
		changed, err := o.store.MarkUnbanned(ctx, ban.ID, "", now)
		if err != nil {
			logging.Error("cannot mark expired ban unbanned",
				zap.Int64("ban_id", ban.ID), zap.Error(err))
			continue
		}
		if !changed {
			continue // the reconciler swept it first
		}
		ban.UnbannedAt = &now
		o.expired.Add(1)
		swept++

		o.enqueueUnbans(ctx, ban)
		logging.Info("ban expired",
			zap.String("ip", ban.IPAddress),
			zap.Int64("ban_id", ban.ID))
		o.publish(bus.TopicBanRemoved, ban)
		if o.notifier != nil {
			o.notifier.BanCleared(ban, false)
		}
	}
	return swept, nil
}

// GetStatistics aggregates ban counts from the store.
func (o *Orchestrator) GetStatistics(ctx context.Context) (*store.BanStatistics, error) {
	return o.store.Statistics(ctx, time.Now().UTC())
}

// Start runs the periodic expiry sweep until Stop.
func (o *Orchestrator) Start() {
	interval := o.cfg.ExpirySweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				if _, err := o.ExpirySweep(o.ctx); err != nil {
					logging.Error("expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
	logging.Info("ban orchestrator started",
		zap.Duration("expiry_sweep_interval", interval))
}

// Stop halts the sweep loop.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// Stats returns lifecycle counters.
func (o *Orchestrator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"banned":   o.banned.Load(),
		"unbanned": o.unbanned.Load(),
		"expired":  o.expired.Load(),
		"refused":  o.refused.Load(),
	}
}

func (o *Orchestrator) enqueueBans(ctx context.Context, ban *store.Ban) int {
	integrations, err := o.store.ListEnabledIntegrations(ctx)
	if err != nil {
		logging.Error("cannot list integrations, reconciler will repair",
			zap.String("ip", ban.IPAddress), zap.Error(err))
		return 0
	}

	var duration *time.Duration
	if ban.ExpiresAt != nil {
		d := time.Until(*ban.ExpiresAt)
		if d < 0 {
			d = 0
		}
		duration = &d
	}

	queued := 0
	for _, in := range integrations {
		op := &banqueue.Op{
			Kind:        banqueue.OpBan,
			IP:          ban.IPAddress,
			Reason:      ban.Reason,
			Duration:    duration,
			Severity:    ban.Severity,
			ParentBanID: ban.ID,
		}
		if err := o.queue.Enqueue(in, op); err != nil {
			logging.Error("cannot enqueue ban op",
				zap.String("integration", in.Name),
				zap.String("ip", ban.IPAddress),
				zap.Error(err))
			continue
		}
		queued++
	}
	return queued
}

func (o *Orchestrator) enqueueUnbans(ctx context.Context, ban *store.Ban) int {
	queued := 0
	for _, n := range ban.IntegrationsNotified {
		in, err := o.store.GetIntegration(ctx, n.IntegrationID)
		if err != nil {
			logging.Error("cannot load integration for unban",
				zap.Int64("integration_id", n.IntegrationID), zap.Error(err))
			continue
		}
		if in == nil {
			logging.Warn("integration vanished, skipping unban",
				zap.Int64("integration_id", n.IntegrationID),
				zap.String("ip", ban.IPAddress))
			continue
		}
		op := &banqueue.Op{
			Kind:          banqueue.OpUnban,
			IP:            ban.IPAddress,
			ProviderBanID: n.ProviderBanID,
			ParentBanID:   ban.ID,
		}
		if err := o.queue.Enqueue(in, op); err != nil {
			logging.Error("cannot enqueue unban op",
				zap.String("integration", in.Name),
				zap.String("ip", ban.IPAddress),
				zap.Error(err))
			continue
		}
		queued++
	}
	return queued
}

func (o *Orchestrator) publish(topic string, ban *store.Ban) {
	if o.bus != nil {
		o.bus.Publish(topic, ban)
	}
}

func normalizeSeverity(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return "LOW"
	case "HIGH":
		return "HIGH"
	case "CRITICAL":
		return "CRITICAL"
	default:
		return "MEDIUM"
	}
}

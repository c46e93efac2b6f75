// Package detect watches the event stream for attack bursts. It keeps a
// sliding window of recent events per client IP and evaluates threshold
// rules against it, handing matches to the ban orchestrator. Windows are
// memory only; on restart the engine replays events still inside the
// retention horizon instead of the whole table.
package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/wudi/warden/internal/bans"
	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/logging"
	"github.com/wudi/warden/internal/store"
	"github.com/wudi/warden/internal/whitelist"
)

const maxSampleEvents = 5

// Banner issues bans when a rule trips. Implemented by the ban
// orchestrator.
type Banner interface {
	Ban(ctx context.Context, req bans.Request) (*bans.Outcome, error)
}

// trackedEvent is the per-IP window entry. A trimmed copy of the event
// row: enough for rule filters and the expression environment.
type trackedEvent struct {
	id         int64
	timestamp  time.Time
	attackType string
	severity   string
	proxyID    *int64
	method     string
	uri        string
	blocked    bool
}

// ruleEnv is the environment an optional rule expression evaluates in.
type ruleEnv struct {
	IP     string     `expr:"ip"`
	Count  int        `expr:"count"`
	Events []eventEnv `expr:"window_events"`
}

type eventEnv struct {
	AttackType string `expr:"attack_type"`
	Severity   string `expr:"severity"`
	Method     string `expr:"method"`
	URI        string `expr:"uri"`
	Blocked    bool   `expr:"blocked"`
}

// compiledExpr caches one rule's expression program. A broken entry
// disables the rule until the expression text changes.
type compiledExpr struct {
	source  string
	program *vm.Program
	broken  bool
}

// Detector polls the event store and maintains the per-IP windows.
type Detector struct {
	cfg     config.DetectionConfig
	store   *store.Store
	events  *store.EventStore
	checker *whitelist.Checker
	banner  Banner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	windows map[string][]trackedEvent
	lastID  int64
	exprs   map[int64]*compiledExpr

	processed   atomic.Int64
	whitelisted atomic.Int64
	triggered   atomic.Int64
}

func New(cfg config.DetectionConfig, st *store.Store, events *store.EventStore, checker *whitelist.Checker, banner Banner) *Detector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	if cfg.WindowRetention <= 0 {
		cfg.WindowRetention = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Detector{
		cfg:     cfg,
		store:   st,
		events:  events,
		checker: checker,
		banner:  banner,
		ctx:     ctx,
		cancel:  cancel,
		windows: make(map[string][]trackedEvent),
		exprs:   make(map[int64]*compiledExpr),
	}
}

// Start positions the cursor just below the retention horizon and begins
// polling. Events inside the horizon are replayed so an attack in
// progress survives a restart; re-bans the replay would cause are
// refused by the orchestrator as duplicates.
func (d *Detector) Start() {
	cutoff := time.Now().Add(-d.cfg.WindowRetention)
	id, err := d.events.LastIDBefore(d.ctx, cutoff)
	if err != nil {
		logging.Warn("detection checkpoint lookup failed, starting from zero", zap.Error(err))
	}
	d.mu.Lock()
	d.lastID = id
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
	logging.Info("detection engine started",
		zap.Int64("cursor", id),
		zap.Duration("poll_interval", d.cfg.PollInterval))
}

func (d *Detector) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Detector) run() {
	defer d.wg.Done()
	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanup.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-poll.C:
			d.poll()
		case <-cleanup.C:
			d.cleanup()
		}
	}
}

// poll drains one batch of new events through tracking and evaluation.
func (d *Detector) poll() {
	d.mu.Lock()
	since := d.lastID
	d.mu.Unlock()

	batch, err := d.events.QueryNew(d.ctx, since, d.cfg.BatchLimit)
	if err != nil {
		if d.ctx.Err() == nil {
			logging.Warn("detection poll failed", zap.Error(err))
		}
		return
	}
	if len(batch) == 0 {
		return
	}

	rules := d.loadRules()
	for _, ev := range batch {
		d.mu.Lock()
		d.lastID = ev.ID
		d.mu.Unlock()
		d.processed.Add(1)

		if ev.ClientIP == "" {
			continue
		}
		if d.checker.IsWhitelisted(d.ctx, ev.ClientIP) {
			d.whitelisted.Add(1)
			continue
		}
		d.track(ev)
		d.evaluate(ev.ClientIP, rules)
	}
}

// track appends the event to its IP's window, evicting entries that have
// aged out of the retention horizon.
func (d *Detector) track(ev *store.WAFEvent) {
	cutoff := time.Now().Add(-d.cfg.WindowRetention)
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.windows[ev.ClientIP]
	i := 0
	for i < len(seq) && seq[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		seq = append([]trackedEvent(nil), seq[i:]...)
	}
	d.windows[ev.ClientIP] = append(seq, trackedEvent{
		id:         ev.ID,
		timestamp:  ev.Timestamp,
		attackType: ev.AttackType,
		severity:   ev.Severity,
		proxyID:    ev.ProxyID,
		method:     ev.RequestMethod,
		uri:        ev.RequestURI,
		blocked:    ev.Blocked,
	})
}

// cleanup drops windows that have gone entirely stale between polls.
func (d *Detector) cleanup() {
	cutoff := time.Now().Add(-d.cfg.WindowRetention)
	d.mu.Lock()
	defer d.mu.Unlock()
	for ip, seq := range d.windows {
		i := 0
		for i < len(seq) && seq[i].timestamp.Before(cutoff) {
			i++
		}
		switch {
		case i == len(seq):
			delete(d.windows, ip)
		case i > 0:
			d.windows[ip] = append([]trackedEvent(nil), seq[i:]...)
		}
	}
}

// evaluate runs the rules against one IP's window in priority order. The
// first rule that trips bans the IP, clears its window and ends the pass;
// stricter rules shadow lenient ones by ordering.
func (d *Detector) evaluate(ip string, rules []*store.DetectionRule) {
	d.mu.Lock()
	seq := append([]trackedEvent(nil), d.windows[ip]...)
	d.mu.Unlock()
	if len(seq) == 0 {
		return
	}

	now := time.Now()
	for _, rule := range rules {
		if rule.Threshold <= 0 {
			continue
		}
		matched := filterWindow(seq, rule, now)
		if len(matched) < rule.Threshold {
			continue
		}
		if pass, err := d.passesExpression(rule, ip, matched); err != nil {
			logging.Warn("rule expression failed",
				zap.String("rule", rule.Name),
				zap.Error(err))
			continue
		} else if !pass {
			continue
		}
		if d.trigger(ip, rule, matched) {
			d.mu.Lock()
			delete(d.windows, ip)
			d.mu.Unlock()
		}
		return
	}
}

// filterWindow applies the rule's window, attack-type, severity and proxy
// filters.
func filterWindow(seq []trackedEvent, rule *store.DetectionRule, now time.Time) []trackedEvent {
	horizon := now.Add(-time.Duration(rule.TimeWindowSecs) * time.Second)
	attacks := attackSet(rule.AttackTypes)
	minSev := severityRank(rule.SeverityFilter)

	var matched []trackedEvent
	for _, ev := range seq {
		if ev.timestamp.Before(horizon) {
			continue
		}
		if attacks != nil && !attacks[strings.ToLower(ev.attackType)] {
			continue
		}
		if minSev > 0 && severityRank(ev.severity) < minSev {
			continue
		}
		if rule.ProxyID != nil && (ev.proxyID == nil || *ev.proxyID != *rule.ProxyID) {
			continue
		}
		matched = append(matched, ev)
	}
	return matched
}

// trigger issues the ban. Refusals (already banned, whitelisted in the
// meantime) count as handled so the window still clears; transient store
// failures leave the window intact for the next event to retry.
func (d *Detector) trigger(ip string, rule *store.DetectionRule, matched []trackedEvent) bool {
	req := bans.Request{
		IP:         ip,
		Reason:     fmt.Sprintf("Auto-ban: %s (%d events in %ds)", rule.Name, len(matched), rule.TimeWindowSecs),
		AttackType: dominantAttack(matched),
		EventCount: len(matched),
		Severity:   rule.BanSeverity,
		Auto:       true,
		RuleID:     &rule.ID,
		ProxyID:    banProxy(rule, matched),
	}
	if rule.BanDurationSec != nil {
		dur := time.Duration(*rule.BanDurationSec) * time.Second
		req.Duration = &dur
	}
	for i := 0; i < len(matched) && i < maxSampleEvents; i++ {
		req.SampleEvents = append(req.SampleEvents, matched[i].id)
	}

	_, err := d.banner.Ban(d.ctx, req)
	switch {
	case err == nil:
		d.triggered.Add(1)
		logging.Info("detection rule banned ip",
			zap.String("ip", ip),
			zap.String("rule", rule.Name),
			zap.Int("events", len(matched)))
		return true
	case errors.IsRefusal(err):
		logging.Debug("detection ban refused",
			zap.String("ip", ip),
			zap.String("rule", rule.Name),
			zap.Error(err))
		return true
	default:
		logging.Error("detection ban failed",
			zap.String("ip", ip),
			zap.String("rule", rule.Name),
			zap.Error(err))
		return false
	}
}

// loadRules fetches enabled rules and keeps expression programs compiled.
// A rule whose expression does not compile is dropped from the run until
// its text changes; the error is logged once.
func (d *Detector) loadRules() []*store.DetectionRule {
	rules, err := d.store.ListEnabledRules(d.ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			logging.Warn("rule load failed", zap.Error(err))
		}
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	live := make(map[int64]bool, len(rules))
	out := rules[:0]
	for _, rule := range rules {
		live[rule.ID] = true
		if strings.TrimSpace(rule.Expression) == "" {
			out = append(out, rule)
			continue
		}
		ce := d.exprs[rule.ID]
		if ce == nil || ce.source != rule.Expression {
			ce = &compiledExpr{source: rule.Expression}
			program, err := expr.Compile(rule.Expression, expr.Env(ruleEnv{}), expr.AsBool())
			if err != nil {
				ce.broken = true
				logging.Error("rule expression does not compile, rule disabled",
					zap.String("rule", rule.Name),
					zap.String("expression", rule.Expression),
					zap.Error(err))
			} else {
				ce.program = program
			}
			d.exprs[rule.ID] = ce
		}
		if !ce.broken {
			out = append(out, rule)
		}
	}
	for id := range d.exprs {
		if !live[id] {
			delete(d.exprs, id)
		}
	}
	return out
}

func (d *Detector) passesExpression(rule *store.DetectionRule, ip string, matched []trackedEvent) (bool, error) {
	if strings.TrimSpace(rule.Expression) == "" {
		return true, nil
	}
	d.mu.Lock()
	ce := d.exprs[rule.ID]
	d.mu.Unlock()
	if ce == nil || ce.program == nil {
		return false, nil
	}

	env := ruleEnv{IP: ip, Count: len(matched)}
	env.Events = make([]eventEnv, len(matched))
	for i, ev := range matched {
		env.Events[i] = eventEnv{
			AttackType: ev.attackType,
			Severity:   ev.severity,
			Method:     ev.method,
			URI:        ev.uri,
			Blocked:    ev.blocked,
		}
	}
	output, err := expr.Run(ce.program, env)
	if err != nil {
		return false, err
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return bool")
	}
	return result, nil
}

// attackSet parses the rule's attack_types column. Nil means match all.
func attackSet(s string) map[string]bool {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil
	}
	set := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			set[part] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// severityRank orders the event severity vocabulary. Zero means
// unfiltered (ALL or unknown filter values).
func severityRank(s string) int {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NOTICE":
		return 1
	case "WARNING":
		return 2
	case "ERROR":
		return 3
	case "CRITICAL":
		return 4
	default:
		return 0
	}
}

// dominantAttack picks the most frequent attack type in the match; ties
// go to the earliest seen.
func dominantAttack(matched []trackedEvent) string {
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, ev := range matched {
		if ev.attackType == "" {
			continue
		}
		counts[ev.attackType]++
		if counts[ev.attackType] > bestN {
			best, bestN = ev.attackType, counts[ev.attackType]
		}
	}
	return best
}

// banProxy attributes the ban: the rule's proxy when scoped, otherwise
// the proxy of the newest matching event.
func banProxy(rule *store.DetectionRule, matched []trackedEvent) *int64 {
	if rule.ProxyID != nil {
		return rule.ProxyID
	}
	for i := len(matched) - 1; i >= 0; i-- {
		if matched[i].proxyID != nil {
			return matched[i].proxyID
		}
	}
	return nil
}

// Stats reports engine counters.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.Lock()
	tracked := len(d.windows)
	last := d.lastID
	d.mu.Unlock()
	return map[string]interface{}{
		"processed":   d.processed.Load(),
		"whitelisted": d.whitelisted.Load(),
		"triggered":   d.triggered.Load(),
		"tracked_ips": tracked,
		"last_id":     last,
	}
}

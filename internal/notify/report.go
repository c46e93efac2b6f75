package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/warden/internal/logging"
)

// sendDailyReport composes the prior day's summary. Reports bypass the
// batch queue; the cron schedule already decides when they go out.
func (d *Dispatcher) sendDailyReport() {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	now := time.Now()
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	from := to.Add(-24 * time.Hour)

	sum, err := d.events.Summarize(ctx, from, to)
	if err != nil {
		logging.Error("daily report event summary failed", zap.Error(err))
		return
	}
	stats, err := d.store.Statistics(ctx, now)
	if err != nil {
		logging.Error("daily report ban statistics failed", zap.Error(err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WAF activity for %s\n", from.Format(dailyReportFmt))
	fmt.Fprintf(&b, "Events: %d (%d blocked, %d unique IPs)\n",
		sum.Total, sum.Blocked, sum.UniqueIPs)
	if len(sum.TopTypes) > 0 {
		b.WriteString("Top attack types:\n")
		for _, tc := range sum.TopTypes {
			fmt.Fprintf(&b, "  %s: %d\n", tc.AttackType, tc.Count)
		}
	}
	fmt.Fprintf(&b, "Bans: %d active (%d auto, %d manual), %d issued in the last 24h",
		stats.Active, stats.AutoBanned, stats.ManualBanned, stats.Last24h)

	d.direct(Notification{
		Type:     TypeDailyReport,
		Title:    "Daily report " + from.Format(dailyReportFmt),
		Body:     b.String(),
		Severity: "INFO",
	})
}

func (d *Dispatcher) matrixLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Matrix.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.evalMatrix()
		}
	}
}

// evalMatrix fires every matrix rule whose event count crossed its
// threshold, at most once per notification delay. last_triggered persists
// so the delay survives restarts.
func (d *Dispatcher) evalMatrix() {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	rules, err := d.store.ListMatrixRules(ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			logging.Warn("matrix rule load failed", zap.Error(err))
		}
		return
	}

	now := time.Now()
	for _, rule := range rules {
		delay := time.Duration(rule.NotificationDelay) * time.Second
		if rule.LastTriggered != nil && now.Sub(*rule.LastTriggered) < delay {
			continue
		}
		window := time.Duration(rule.TimeWindowSecs) * time.Second
		count, err := d.events.CountBySeveritySince(ctx, rule.SeverityLevel, now.Add(-window))
		if err != nil {
			logging.Warn("matrix rule count failed",
				zap.Int64("rule", rule.ID), zap.Error(err))
			continue
		}
		if count < int64(rule.CountThreshold) {
			continue
		}
		if err := d.store.TouchMatrixRule(ctx, rule.ID, now); err != nil {
			logging.Warn("matrix rule touch failed",
				zap.Int64("rule", rule.ID), zap.Error(err))
		}
		d.Dispatch(Notification{
			Type:     "matrix_" + strings.ToLower(rule.SeverityLevel),
			Title:    fmt.Sprintf("%d %s events in the last %s", count, rule.SeverityLevel, window),
			Severity: rule.SeverityLevel,
			Body: fmt.Sprintf("Matrix rule %d crossed its threshold of %d events.",
				rule.ID, rule.CountThreshold),
		})
	}
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const ruleColumns = `id, name, enabled, priority, time_window_s, threshold,
	attack_types, severity_filter, proxy_id, ban_duration_s, ban_severity,
	expression`

// ListEnabledRules returns enabled detection rules in evaluation order:
// ascending priority, ties by id.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*DetectionRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+`
		FROM detection_rules WHERE enabled = 1
		ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListRules returns every rule, enabled or not.
func (s *Store) ListRules(ctx context.Context) ([]*DetectionRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+`
		FROM detection_rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// CreateRule inserts a detection rule.
func (s *Store) CreateRule(ctx context.Context, r *DetectionRule) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO detection_rules
		(name, enabled, priority, time_window_s, threshold, attack_types,
		 severity_filter, proxy_id, ban_duration_s, ban_severity, expression)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, boolToInt(r.Enabled), r.Priority, r.TimeWindowSecs,
		r.Threshold, r.AttackTypes, r.SeverityFilter, nullInt64(r.ProxyID),
		nullIntPtr(r.BanDurationSec), r.BanSeverity, r.Expression)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read rule id: %w", err)
	}
	return nil
}

func scanRules(rows *sql.Rows) ([]*DetectionRule, error) {
	var rules []*DetectionRule
	for rows.Next() {
		r := &DetectionRule{}
		var enabled int
		var proxyID sql.NullInt64
		var banDuration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Name, &enabled, &r.Priority,
			&r.TimeWindowSecs, &r.Threshold, &r.AttackTypes,
			&r.SeverityFilter, &proxyID, &banDuration, &r.BanSeverity,
			&r.Expression); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Enabled = enabled != 0
		if proxyID.Valid {
			v := proxyID.Int64
			r.ProxyID = &v
		}
		if banDuration.Valid {
			v := int(banDuration.Int64)
			r.BanDurationSec = &v
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func nullIntPtr(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

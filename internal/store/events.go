package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
)

// EventStore holds WAF events in their own database so the retention sweep
// and the high-volume appends never contend with configuration writes.
type EventStore struct {
	db *sql.DB
}

// OpenEvents opens (creating if needed) the event store at dir/file.
func OpenEvents(cfg config.StorageConfig) (*EventStore, error) {
	path, err := resolvePath(cfg.DataDir, cfg.EventsFile)
	if err != nil {
		return nil, errors.Fatal(err, "event_store_open_failed", "cannot prepare event store path")
	}

	db, err := openSQLite(path, cfg.BusyTimeout)
	if err != nil {
		return nil, errors.Fatal(err, "event_store_open_failed", "cannot open event store")
	}

	e := &EventStore{db: db}
	if err := e.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, errors.Fatal(err, "event_store_schema_failed", "cannot initialize event store schema")
	}
	return e, nil
}

// DB exposes the handle for tests.
func (e *EventStore) DB() *sql.DB {
	return e.db
}

// Close closes the underlying database.
func (e *EventStore) Close() error {
	return e.db.Close()
}

// Append inserts a batch of events in one transaction. All-or-nothing: on
// failure the caller re-queues the batch. Assigned ids are written back.
func (e *EventStore) Append(ctx context.Context, events []*WAFEvent) error {
	if len(events) == 0 {
		return nil
	}
	return inTx(ctx, e.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO waf_events
			(proxy_id, timestamp, client_ip, request_method, request_uri,
			 attack_type, rule_id, severity, message, raw_log, blocked, notified, country)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare event insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			res, err := stmt.ExecContext(ctx,
				nullInt64(ev.ProxyID), ev.Timestamp.UTC(), ev.ClientIP,
				ev.RequestMethod, ev.RequestURI, ev.AttackType, ev.RuleID,
				ev.Severity, ev.Message, ev.RawLog,
				boolToInt(ev.Blocked), boolToInt(ev.Notified), nullString(ev.Country))
			if err != nil {
				return fmt.Errorf("failed to insert event: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read event id: %w", err)
			}
			ev.ID = id
		}
		return nil
	})
}

// QueryNew returns up to limit events with id > sinceID, ascending by id.
// The detection engine's poll path.
func (e *EventStore) QueryNew(ctx context.Context, sinceID int64, limit int) ([]*WAFEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := e.db.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM waf_events WHERE id > ? ORDER BY id ASC LIMIT ?`, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query new events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LastIDBefore returns the highest event id with timestamp < cutoff, or 0
// when none exist. Lets a restarted consumer skip events too old to matter
// while replaying the recent ones.
func (e *EventStore) LastIDBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var id sql.NullInt64
	err := e.db.QueryRowContext(ctx, `SELECT MAX(id) FROM waf_events
		WHERE timestamp < ?`, cutoff.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to find event checkpoint: %w", err)
	}
	return id.Int64, nil
}

// EventFilter narrows QueryRange.
type EventFilter struct {
	From       *time.Time
	To         *time.Time
	ProxyID    *int64
	ClientIP   string
	AttackType string
	Severity   string
	Blocked    *bool
}

// QueryRange returns events matching the filter, newest first, plus the total
// count for pagination.
func (e *EventStore) QueryRange(ctx context.Context, f EventFilter, limit, offset int) ([]*WAFEvent, int64, error) {
	var conds []string
	var args []interface{}

	if f.From != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.To.UTC())
	}
	if f.ProxyID != nil {
		conds = append(conds, "proxy_id = ?")
		args = append(args, *f.ProxyID)
	}
	if f.ClientIP != "" {
		conds = append(conds, "client_ip = ?")
		args = append(args, f.ClientIP)
	}
	if f.AttackType != "" {
		conds = append(conds, "attack_type = ?")
		args = append(args, f.AttackType)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Blocked != nil {
		conds = append(conds, "blocked = ?")
		args = append(args, boolToInt(*f.Blocked))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM waf_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + eventColumns + " FROM waf_events" + where +
		" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := e.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Purge deletes events older than cutoff and compacts the freed pages.
// Never touches events at or younger than the cutoff.
func (e *EventStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := e.db.ExecContext(ctx, `DELETE FROM waf_events WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		// Reclaim space outside the delete transaction
		if _, err := e.db.ExecContext(ctx, `VACUUM`); err != nil {
			return deleted, fmt.Errorf("purged %d events but vacuum failed: %w", deleted, err)
		}
	}
	return deleted, nil
}

// Backfill assigns proxies to recent events that arrived without a Host
// header (HTTP/3). For each unresolved event in the last window, it adopts
// the most common proxy among resolved events from the same client within
// +/-neighbor of the event.
func (e *EventStore) Backfill(ctx context.Context, window, neighbor time.Duration) (int64, error) {
	cutoff := time.Now().Add(-window).UTC()
	rows, err := e.db.QueryContext(ctx, `SELECT id, client_ip, timestamp
		FROM waf_events WHERE proxy_id IS NULL AND timestamp >= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query unresolved events: %w", err)
	}

	type pending struct {
		id       int64
		clientIP string
		ts       time.Time
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.clientIP, &p.ts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unresolved event: %w", err)
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var updated int64
	for _, p := range todo {
		var proxyID int64
		err := e.db.QueryRowContext(ctx, `SELECT proxy_id FROM waf_events
			WHERE client_ip = ? AND proxy_id IS NOT NULL
			  AND timestamp BETWEEN ? AND ?
			GROUP BY proxy_id ORDER BY COUNT(*) DESC LIMIT 1`,
			p.clientIP, p.ts.Add(-neighbor).UTC(), p.ts.Add(neighbor).UTC()).Scan(&proxyID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("failed to find neighbor proxy: %w", err)
		}
		if _, err := e.db.ExecContext(ctx,
			`UPDATE waf_events SET proxy_id = ? WHERE id = ? AND proxy_id IS NULL`,
			proxyID, p.id); err != nil {
			return updated, fmt.Errorf("failed to backfill event %d: %w", p.id, err)
		}
		updated++
	}
	return updated, nil
}

// CountSince counts events newer than since, optionally only blocked ones.
func (e *EventStore) CountSince(ctx context.Context, since time.Time, blockedOnly bool) (int64, error) {
	query := `SELECT COUNT(*) FROM waf_events WHERE timestamp >= ?`
	if blockedOnly {
		query += ` AND blocked = 1`
	}
	var n int64
	if err := e.db.QueryRowContext(ctx, query, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// CountBySeveritySince counts events at the given severity newer than since.
func (e *EventStore) CountBySeveritySince(ctx context.Context, severity string, since time.Time) (int64, error) {
	var n int64
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM waf_events WHERE severity = ? AND timestamp >= ?`,
		severity, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events by severity: %w", err)
	}
	return n, nil
}

// TopAttackTypes returns the most frequent attack types since the given time.
func (e *EventStore) TopAttackTypes(ctx context.Context, since time.Time, limit int) ([]AttackTypeCount, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := e.db.QueryContext(ctx, `SELECT attack_type, COUNT(*) AS n
		FROM waf_events WHERE timestamp >= ?
		GROUP BY attack_type ORDER BY n DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top attack types: %w", err)
	}
	defer rows.Close()

	var out []AttackTypeCount
	for rows.Next() {
		var c AttackTypeCount
		if err := rows.Scan(&c.AttackType, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan attack type count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DailySummary aggregates one day of events for the daily report.
type DailySummary struct {
	Total     int64
	Blocked   int64
	UniqueIPs int64
	TopTypes  []AttackTypeCount
}

// Summarize aggregates events between from and to.
func (e *EventStore) Summarize(ctx context.Context, from, to time.Time) (*DailySummary, error) {
	s := &DailySummary{}
	err := e.db.QueryRowContext(ctx, `SELECT COUNT(*),
			COALESCE(SUM(blocked), 0),
			COUNT(DISTINCT client_ip)
		FROM waf_events WHERE timestamp >= ? AND timestamp < ?`,
		from.UTC(), to.UTC()).Scan(&s.Total, &s.Blocked, &s.UniqueIPs)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize events: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, `SELECT attack_type, COUNT(*) AS n
		FROM waf_events WHERE timestamp >= ? AND timestamp < ?
		GROUP BY attack_type ORDER BY n DESC LIMIT 5`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query summary attack types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c AttackTypeCount
		if err := rows.Scan(&c.AttackType, &c.Count); err != nil {
			return nil, err
		}
		s.TopTypes = append(s.TopTypes, c)
	}
	return s, rows.Err()
}

// GetEvents fetches events by id, preserving the requested order.
func (e *EventStore) GetEvents(ctx context.Context, ids []int64) ([]*WAFEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := e.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM waf_events WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by id: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*WAFEvent, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	ordered := make([]*WAFEvent, 0, len(events))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			ordered = append(ordered, ev)
		}
	}
	return ordered, nil
}

const eventColumns = `id, proxy_id, timestamp, client_ip, request_method,
	request_uri, attack_type, rule_id, severity, message, raw_log, blocked,
	notified, country`

func scanEvents(rows *sql.Rows) ([]*WAFEvent, error) {
	var events []*WAFEvent
	for rows.Next() {
		ev := &WAFEvent{}
		var proxyID sql.NullInt64
		var country sql.NullString
		var blocked, notified int
		if err := rows.Scan(&ev.ID, &proxyID, &ev.Timestamp, &ev.ClientIP,
			&ev.RequestMethod, &ev.RequestURI, &ev.AttackType, &ev.RuleID,
			&ev.Severity, &ev.Message, &ev.RawLog, &blocked, &notified,
			&country); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if proxyID.Valid {
			ev.ProxyID = &proxyID.Int64
		}
		if country.Valid {
			ev.Country = country.String
		}
		ev.Blocked = blocked != 0
		ev.Notified = notified != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

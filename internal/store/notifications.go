package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordNotification persists the outcome of one dispatched notification.
func (s *Store) RecordNotification(ctx context.Context, r *NotificationRecord) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO notification_records
		(channel, event_type, title, body, severity, status, sent_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Channel, r.EventType, r.Title, r.Body, r.Severity, r.Status,
		r.SentAt.UTC(), r.Error)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read notification id: %w", err)
	}
	return nil
}

// ListNotifications returns recent notification records, newest first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]*NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, channel, event_type,
		title, body, severity, status, sent_at, error
		FROM notification_records ORDER BY sent_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*NotificationRecord
	for rows.Next() {
		r := &NotificationRecord{}
		if err := rows.Scan(&r.ID, &r.Channel, &r.EventType, &r.Title,
			&r.Body, &r.Severity, &r.Status, &r.SentAt, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EnqueueNotification persists a batched notification for later delivery.
// The queue survives restarts so delayed notifications still go out.
func (s *Store) EnqueueNotification(ctx context.Context, q *QueuedNotification) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO notification_queue
		(event_type, title, body, severity, tag, scheduled_for)
		VALUES (?, ?, ?, ?, ?, ?)`,
		q.EventType, q.Title, q.Body, q.Severity, q.Tag, q.ScheduledFor.UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	q.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue id: %w", err)
	}
	return nil
}

// DueNotifications pops every queued notification whose scheduled time has
// passed. Delete-then-return inside one transaction so a batch is delivered
// at most once per process.
func (s *Store) DueNotifications(ctx context.Context, now time.Time) ([]*QueuedNotification, error) {
	var due []*QueuedNotification
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, event_type, title, body,
			severity, tag, scheduled_for, created_at
			FROM notification_queue WHERE scheduled_for <= ?
			ORDER BY scheduled_for ASC, id ASC`, now.UTC())
		if err != nil {
			return fmt.Errorf("failed to query due notifications: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			q := &QueuedNotification{}
			if err := rows.Scan(&q.ID, &q.EventType, &q.Title, &q.Body,
				&q.Severity, &q.Tag, &q.ScheduledFor, &q.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan queued notification: %w", err)
			}
			due = append(due, q)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, q := range due {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM notification_queue WHERE id = ?`, q.ID); err != nil {
				return fmt.Errorf("failed to dequeue notification: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// PendingForType reports whether a notification of this type is already
// queued, so repeat triggers within the batch window collapse into one.
func (s *Store) PendingForType(ctx context.Context, eventType string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_queue WHERE event_type = ?`,
		eventType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending notifications: %w", err)
	}
	return n > 0, nil
}

// ListMatrixRules returns enabled matrix rules.
func (s *Store) ListMatrixRules(ctx context.Context) ([]*MatrixRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, severity_level,
		count_threshold, time_window_s, notification_delay_s, last_triggered,
		enabled FROM matrix_rules WHERE enabled = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list matrix rules: %w", err)
	}
	defer rows.Close()

	var out []*MatrixRule
	for rows.Next() {
		m := &MatrixRule{}
		var last sql.NullTime
		var enabled int
		if err := rows.Scan(&m.ID, &m.SeverityLevel, &m.CountThreshold,
			&m.TimeWindowSecs, &m.NotificationDelay, &last, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan matrix rule: %w", err)
		}
		if last.Valid {
			t := last.Time
			m.LastTriggered = &t
		}
		m.Enabled = enabled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMatrixRule inserts a matrix rule.
func (s *Store) CreateMatrixRule(ctx context.Context, m *MatrixRule) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO matrix_rules
		(severity_level, count_threshold, time_window_s, notification_delay_s, enabled)
		VALUES (?, ?, ?, ?, ?)`,
		m.SeverityLevel, m.CountThreshold, m.TimeWindowSecs,
		m.NotificationDelay, boolToInt(m.Enabled))
	if err != nil {
		return fmt.Errorf("failed to create matrix rule: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read matrix rule id: %w", err)
	}
	return nil
}

// TouchMatrixRule stamps last_triggered after the rule fires.
func (s *Store) TouchMatrixRule(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE matrix_rules SET last_triggered = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch matrix rule: %w", err)
	}
	return nil
}

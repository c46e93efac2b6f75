package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wudi/warden/internal/errors"
)

const banColumns = `id, ip_address, reason, attack_type, event_count,
	severity, banned_at, expires_at, unbanned_at, unbanned_by, auto_banned,
	banned_by, proxy_id, detection_rule_id, sample_events, integrations_notified`

// InsertBan creates a ban row. The transaction re-checks the one-active-ban
// invariant so two concurrent callers cannot both succeed; the loser gets
// the already_banned refusal. SQLite's single writer makes check-then-insert
// race free.
func (s *Store) InsertBan(ctx context.Context, b *Ban) error {
	if b.SampleEvents == nil {
		b.SampleEvents = []int64{}
	}
	if b.IntegrationsNotified == nil {
		b.IntegrationsNotified = []IntegrationNotified{}
	}
	samples, err := json.Marshal(b.SampleEvents)
	if err != nil {
		return fmt.Errorf("failed to encode sample events: %w", err)
	}
	notified, err := json.Marshal(b.IntegrationsNotified)
	if err != nil {
		return fmt.Errorf("failed to encode integrations: %w", err)
	}

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM bans
			WHERE ip_address = ? AND unbanned_at IS NULL
			  AND (expires_at IS NULL OR expires_at > ?)
			LIMIT 1`, b.IPAddress, b.BannedAt.UTC()).Scan(&existing)
		if err == nil {
			return errors.ErrAlreadyBanned.WithDetails(map[string]interface{}{
				"ip":     b.IPAddress,
				"ban_id": existing,
			})
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check active ban: %w", err)
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO bans
			(ip_address, reason, attack_type, event_count, severity, banned_at,
			 expires_at, unbanned_at, unbanned_by, auto_banned, banned_by,
			 proxy_id, detection_rule_id, sample_events, integrations_notified)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?)`,
			b.IPAddress, b.Reason, nullString(b.AttackType), b.EventCount,
			b.Severity, b.BannedAt.UTC(), nullTime(b.ExpiresAt),
			boolToInt(b.AutoBanned), nullStringPtr(b.BannedBy),
			nullInt64(b.ProxyID), nullInt64(b.DetectionRuleID),
			string(samples), string(notified))
		if err != nil {
			return fmt.Errorf("failed to insert ban: %w", err)
		}
		b.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read ban id: %w", err)
		}
		return nil
	})
}

// GetBan returns one ban by id, or nil when absent.
func (s *Store) GetBan(ctx context.Context, id int64) (*Ban, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+banColumns+` FROM bans WHERE id = ?`, id)
	b, err := scanBan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// GetActiveBanByIP returns the active ban for an IP at the given instant,
// or nil when the IP is not banned.
func (s *Store) GetActiveBanByIP(ctx context.Context, ip string, now time.Time) (*Ban, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+banColumns+` FROM bans
		WHERE ip_address = ? AND unbanned_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY banned_at DESC LIMIT 1`, ip, now.UTC())
	b, err := scanBan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ListActiveBans returns every ban in force at the given instant.
func (s *Store) ListActiveBans(ctx context.Context, now time.Time) ([]*Ban, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+banColumns+` FROM bans
		WHERE unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY banned_at DESC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list active bans: %w", err)
	}
	defer rows.Close()
	return scanBans(rows)
}

// ListBans returns ban history, newest first.
func (s *Store) ListBans(ctx context.Context, limit, offset int) ([]*Ban, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bans`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count bans: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+banColumns+` FROM bans
		ORDER BY banned_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()
	bans, err := scanBans(rows)
	if err != nil {
		return nil, 0, err
	}
	return bans, total, nil
}

// ExpiredBans returns bans whose expiry has passed but were never unbanned.
// The sweep and the reconciler both start from this set.
func (s *Store) ExpiredBans(ctx context.Context, now time.Time) ([]*Ban, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+banColumns+` FROM bans
		WHERE unbanned_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bans: %w", err)
	}
	defer rows.Close()
	return scanBans(rows)
}

// MarkUnbanned stamps the ban as lifted. Returns false when the ban was
// already unbanned, so the caller stays idempotent.
func (s *Store) MarkUnbanned(ctx context.Context, banID int64, by string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE bans
		SET unbanned_at = ?, unbanned_by = ?
		WHERE id = ? AND unbanned_at IS NULL`, at.UTC(), nullString(by), banID)
	if err != nil {
		return false, fmt.Errorf("failed to mark unbanned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateBanExpiry changes the expiry of an active ban. nil makes it
// permanent. The reconciler uses this to extend, never the ban path.
func (s *Store) UpdateBanExpiry(ctx context.Context, banID int64, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bans SET expires_at = ?
		WHERE id = ? AND unbanned_at IS NULL`, nullTime(expiresAt), banID)
	if err != nil {
		return fmt.Errorf("failed to update ban expiry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.ErrNotBanned.WithDetails(map[string]interface{}{"ban_id": banID})
	}
	return nil
}

// SetIntegrationNotified records (or refreshes) a provider acknowledgement
// on the ban row. Read-modify-write inside one transaction.
func (s *Store) SetIntegrationNotified(ctx context.Context, banID int64, entry IntegrationNotified) error {
	return s.mutateNotified(ctx, banID, func(list []IntegrationNotified) []IntegrationNotified {
		for i, n := range list {
			if n.IntegrationID == entry.IntegrationID {
				list[i] = entry
				return list
			}
		}
		return append(list, entry)
	})
}

// ClearIntegrationNotified removes an integration's acknowledgement after a
// successful unban on that provider.
func (s *Store) ClearIntegrationNotified(ctx context.Context, banID, integrationID int64) error {
	return s.mutateNotified(ctx, banID, func(list []IntegrationNotified) []IntegrationNotified {
		out := list[:0]
		for _, n := range list {
			if n.IntegrationID != integrationID {
				out = append(out, n)
			}
		}
		return out
	})
}

func (s *Store) mutateNotified(ctx context.Context, banID int64, mutate func([]IntegrationNotified) []IntegrationNotified) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT integrations_notified FROM bans WHERE id = ?`, banID).Scan(&raw)
		if err == sql.ErrNoRows {
			return errors.ErrNotBanned.WithDetails(map[string]interface{}{"ban_id": banID})
		}
		if err != nil {
			return fmt.Errorf("failed to read integrations: %w", err)
		}

		var list []IntegrationNotified
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &list); err != nil {
				return fmt.Errorf("failed to decode integrations: %w", err)
			}
		}
		list = mutate(list)
		if list == nil {
			list = []IntegrationNotified{}
		}
		enc, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("failed to encode integrations: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE bans SET integrations_notified = ? WHERE id = ?`,
			string(enc), banID); err != nil {
			return fmt.Errorf("failed to update integrations: %w", err)
		}
		return nil
	})
}

// Statistics aggregates ban counts at the given instant.
func (s *Store) Statistics(ctx context.Context, now time.Time) (*BanStatistics, error) {
	st := &BanStatistics{}
	nowUTC := now.UTC()
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(auto_banned), 0),
			COALESCE(SUM(CASE WHEN auto_banned = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN banned_at >= ? THEN 1 ELSE 0 END), 0)
		FROM bans`, nowUTC, nowUTC.Add(-24*time.Hour)).
		Scan(&st.Total, &st.Active, &st.AutoBanned, &st.ManualBanned,
			&st.Permanent, &st.Temporary, &st.Last24h)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ban stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT attack_type, COUNT(*) AS n
		FROM bans WHERE attack_type IS NOT NULL AND attack_type != ''
		GROUP BY attack_type ORDER BY n DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ban attack types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c AttackTypeCount
		if err := rows.Scan(&c.AttackType, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan ban attack type: %w", err)
		}
		st.TopAttackTypes = append(st.TopAttackTypes, c)
	}
	return st, rows.Err()
}

// CountBansSince counts bans issued after the given time, for the daily report.
func (s *Store) CountBansSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bans WHERE banned_at >= ?`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bans: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBan(row rowScanner) (*Ban, error) {
	b := &Ban{}
	var attackType, unbannedBy, bannedBy sql.NullString
	var expiresAt, unbannedAt sql.NullTime
	var proxyID, ruleID sql.NullInt64
	var autoBanned int
	var samples, notified string

	err := row.Scan(&b.ID, &b.IPAddress, &b.Reason, &attackType, &b.EventCount,
		&b.Severity, &b.BannedAt, &expiresAt, &unbannedAt, &unbannedBy,
		&autoBanned, &bannedBy, &proxyID, &ruleID, &samples, &notified)
	if err != nil {
		return nil, err
	}

	if attackType.Valid {
		b.AttackType = attackType.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		b.ExpiresAt = &t
	}
	if unbannedAt.Valid {
		t := unbannedAt.Time
		b.UnbannedAt = &t
	}
	if unbannedBy.Valid {
		v := unbannedBy.String
		b.UnbannedBy = &v
	}
	if bannedBy.Valid {
		v := bannedBy.String
		b.BannedBy = &v
	}
	if proxyID.Valid {
		v := proxyID.Int64
		b.ProxyID = &v
	}
	if ruleID.Valid {
		v := ruleID.Int64
		b.DetectionRuleID = &v
	}
	b.AutoBanned = autoBanned != 0

	b.SampleEvents = []int64{}
	if samples != "" {
		if err := json.Unmarshal([]byte(samples), &b.SampleEvents); err != nil {
			return nil, fmt.Errorf("failed to decode sample events: %w", err)
		}
	}
	b.IntegrationsNotified = []IntegrationNotified{}
	if notified != "" {
		if err := json.Unmarshal([]byte(notified), &b.IntegrationsNotified); err != nil {
			return nil, fmt.Errorf("failed to decode integrations: %w", err)
		}
	}
	return b, nil
}

func scanBans(rows *sql.Rows) ([]*Ban, error) {
	var bans []*Ban
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStringPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ListWhitelist returns all entries ordered by priority (1 first), then id.
// The checker evaluates them in exactly this order.
func (s *Store) ListWhitelist(ctx context.Context) ([]*WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ip_address, ip_range,
		type, priority, reason, added_by, created_at
		FROM whitelist_entries ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list whitelist: %w", err)
	}
	defer rows.Close()

	var entries []*WhitelistEntry
	for rows.Next() {
		e, err := scanWhitelistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddWhitelistEntry inserts an entry. Exactly one of IPAddress and IPRange
// must be set; the table CHECK enforces it a second time.
func (s *Store) AddWhitelistEntry(ctx context.Context, e *WhitelistEntry) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO whitelist_entries
		(ip_address, ip_range, type, priority, reason, added_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullStringPtr(e.IPAddress), nullStringPtr(e.IPRange),
		e.Type, e.Priority, e.Reason, nullStringPtr(e.AddedBy))
	if err != nil {
		return fmt.Errorf("failed to add whitelist entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read whitelist id: %w", err)
	}
	return nil
}

// DeleteWhitelistEntry removes an entry. Returns false when absent.
func (s *Store) DeleteWhitelistEntry(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM whitelist_entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete whitelist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetWhitelistEntry returns one entry by id, or nil when absent.
func (s *Store) GetWhitelistEntry(ctx context.Context, id int64) (*WhitelistEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, ip_address, ip_range,
		type, priority, reason, added_by, created_at
		FROM whitelist_entries WHERE id = ?`, id)
	e, err := scanWhitelistEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// FindWhitelistByValue looks up an entry by exact address or range text.
// Used to keep the admin auto-whitelist idempotent.
func (s *Store) FindWhitelistByValue(ctx context.Context, value string) (*WhitelistEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, ip_address, ip_range,
		type, priority, reason, added_by, created_at
		FROM whitelist_entries WHERE ip_address = ? OR ip_range = ?
		LIMIT 1`, value, value)
	e, err := scanWhitelistEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanWhitelistEntry(row rowScanner) (*WhitelistEntry, error) {
	e := &WhitelistEntry{}
	var ip, cidr, addedBy sql.NullString
	err := row.Scan(&e.ID, &ip, &cidr, &e.Type, &e.Priority, &e.Reason,
		&addedBy, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
	}
	if ip.Valid {
		v := ip.String
		e.IPAddress = &v
	}
	if cidr.Valid {
		v := cidr.String
		e.IPRange = &v
	}
	if addedBy.Valid {
		v := addedBy.String
		e.AddedBy = &v
	}
	return e, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const integrationColumns = `id, name, provider, enabled,
	credentials_encrypted, scope, created_at`

// ListIntegrations returns all configured integrations.
func (s *Store) ListIntegrations(ctx context.Context) ([]*Integration, error) {
	return s.queryIntegrations(ctx,
		`SELECT `+integrationColumns+` FROM integrations ORDER BY id ASC`)
}

// ListEnabledIntegrations returns only integrations the queue should fan
// out to.
func (s *Store) ListEnabledIntegrations(ctx context.Context) ([]*Integration, error) {
	return s.queryIntegrations(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE enabled = 1 ORDER BY id ASC`)
}

// GetIntegration returns one integration by id, or nil when absent.
func (s *Store) GetIntegration(ctx context.Context, id int64) (*Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id)
	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return in, err
}

// CreateIntegration inserts an integration with already-encrypted credentials.
func (s *Store) CreateIntegration(ctx context.Context, in *Integration) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO integrations
		(name, provider, enabled, credentials_encrypted, scope)
		VALUES (?, ?, ?, ?, ?)`,
		in.Name, in.Provider, boolToInt(in.Enabled),
		in.CredentialsEncrypted, in.Scope)
	if err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	in.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read integration id: %w", err)
	}
	return nil
}

// SetIntegrationEnabled flips the enabled flag.
func (s *Store) SetIntegrationEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	return nil
}

func (s *Store) queryIntegrations(ctx context.Context, query string) ([]*Integration, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanIntegration(row rowScanner) (*Integration, error) {
	in := &Integration{}
	var enabled int
	err := row.Scan(&in.ID, &in.Name, &in.Provider, &enabled,
		&in.CredentialsEncrypted, &in.Scope, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan integration: %w", err)
	}
	in.Enabled = enabled != 0
	return in, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ListProxies returns all proxy hosts, enabled and disabled.
func (s *Store) ListProxies(ctx context.Context) ([]*Proxy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, domain_names,
		forward_host, forward_port, enabled, config_filename, config_status,
		created_at FROM proxies ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	defer rows.Close()

	var proxies []*Proxy
	for rows.Next() {
		p := &Proxy{}
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &p.DomainNames, &p.ForwardHost,
			&p.ForwardPort, &enabled, &p.ConfigFilename, &p.ConfigStatus,
			&p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan proxy: %w", err)
		}
		p.Enabled = enabled != 0
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// GetProxy returns one proxy by id, or nil when absent.
func (s *Store) GetProxy(ctx context.Context, id int64) (*Proxy, error) {
	p := &Proxy{}
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT id, name, domain_names,
		forward_host, forward_port, enabled, config_filename, config_status,
		created_at FROM proxies WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.DomainNames, &p.ForwardHost, &p.ForwardPort,
			&enabled, &p.ConfigFilename, &p.ConfigStatus, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}
	p.Enabled = enabled != 0
	return p, nil
}

// CreateProxy inserts a proxy host. Used by tests and the admin sync path.
func (s *Store) CreateProxy(ctx context.Context, p *Proxy) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO proxies
		(name, domain_names, forward_host, forward_port, enabled,
		 config_filename, config_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.DomainNames, p.ForwardHost, p.ForwardPort,
		boolToInt(p.Enabled), p.ConfigFilename, p.ConfigStatus)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read proxy id: %w", err)
	}
	return nil
}

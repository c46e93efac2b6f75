package store

import "context"

// configSchema bootstraps the config store. The admin collaborator owns the
// richer tables (users, sessions, certificates); the pipeline creates only
// what it reads and writes so either side can start first.
var configSchema = []string{
	`CREATE TABLE IF NOT EXISTS proxies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		domain_names TEXT NOT NULL DEFAULT '',
		forward_host TEXT NOT NULL DEFAULT '',
		forward_port INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		config_filename TEXT NOT NULL DEFAULT '',
		config_status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS bans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip_address TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		attack_type TEXT,
		event_count INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL DEFAULT 'MEDIUM',
		banned_at DATETIME NOT NULL,
		expires_at DATETIME,
		unbanned_at DATETIME,
		unbanned_by TEXT,
		auto_banned INTEGER NOT NULL DEFAULT 0,
		banned_by TEXT,
		proxy_id INTEGER,
		detection_rule_id INTEGER,
		sample_events TEXT NOT NULL DEFAULT '[]',
		integrations_notified TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bans_ip ON bans(ip_address)`,
	`CREATE INDEX IF NOT EXISTS idx_bans_unbanned ON bans(unbanned_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bans_expires ON bans(expires_at)`,
	`CREATE TABLE IF NOT EXISTS whitelist_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip_address TEXT,
		ip_range TEXT,
		type TEXT NOT NULL DEFAULT 'manual',
		priority INTEGER NOT NULL DEFAULT 100,
		reason TEXT NOT NULL DEFAULT '',
		added_by TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK ((ip_address IS NULL) != (ip_range IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_whitelist_priority ON whitelist_entries(priority)`,
	`CREATE TABLE IF NOT EXISTS integrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		credentials_encrypted TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS detection_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 100,
		time_window_s INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		attack_types TEXT NOT NULL DEFAULT '*',
		severity_filter TEXT NOT NULL DEFAULT 'ALL',
		proxy_id INTEGER,
		ban_duration_s INTEGER,
		ban_severity TEXT NOT NULL DEFAULT 'MEDIUM',
		expression TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_priority ON detection_rules(priority)`,
	`CREATE TABLE IF NOT EXISTS notification_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		event_type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		sent_at DATETIME NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_records_sent ON notification_records(sent_at)`,
	`CREATE TABLE IF NOT EXISTS notification_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		tag TEXT NOT NULL DEFAULT '',
		scheduled_for DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_queue_due ON notification_queue(scheduled_for)`,
	`CREATE TABLE IF NOT EXISTS matrix_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		severity_level TEXT NOT NULL,
		count_threshold INTEGER NOT NULL,
		time_window_s INTEGER NOT NULL,
		notification_delay_s INTEGER NOT NULL DEFAULT 0,
		last_triggered DATETIME,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
}

// eventSchema bootstraps the WAF event store with the indexes the read
// paths depend on.
var eventSchema = []string{
	`CREATE TABLE IF NOT EXISTS waf_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proxy_id INTEGER,
		timestamp DATETIME NOT NULL,
		client_ip TEXT NOT NULL,
		request_method TEXT NOT NULL DEFAULT '',
		request_uri TEXT NOT NULL DEFAULT '',
		attack_type TEXT NOT NULL DEFAULT 'unknown',
		rule_id TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'NOTICE',
		message TEXT NOT NULL DEFAULT '',
		raw_log TEXT NOT NULL DEFAULT '',
		blocked INTEGER NOT NULL DEFAULT 0,
		notified INTEGER NOT NULL DEFAULT 0,
		country TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_waf_events_timestamp ON waf_events(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_waf_events_proxy ON waf_events(proxy_id)`,
	`CREATE INDEX IF NOT EXISTS idx_waf_events_client_ip ON waf_events(client_ip)`,
	`CREATE INDEX IF NOT EXISTS idx_waf_events_attack_type ON waf_events(attack_type)`,
	`CREATE INDEX IF NOT EXISTS idx_waf_events_severity ON waf_events(severity)`,
	`CREATE INDEX IF NOT EXISTS idx_waf_events_blocked ON waf_events(blocked)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range configSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (e *EventStore) initSchema(ctx context.Context) error {
	for _, stmt := range eventSchema {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

package store

import "time"

// Proxy is a managed reverse-proxy host. Rows are owned by the external
// config generator; the pipeline only reads them to resolve events.
type Proxy struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	DomainNames    string    `json:"domain_names"` // comma separated
	ForwardHost    string    `json:"forward_host"`
	ForwardPort    int       `json:"forward_port"`
	Enabled        bool      `json:"enabled"`
	ConfigFilename string    `json:"config_filename"`
	ConfigStatus   string    `json:"config_status"` // pending, active, error
	CreatedAt      time.Time `json:"created_at"`
}

// WAFEvent is one normalized ModSecurity audit entry. Immutable after insert
// except for the HTTP/3 proxy backfill and the notified flag.
type WAFEvent struct {
	ID            int64     `json:"id"`
	ProxyID       *int64    `json:"proxy_id"`
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"client_ip"`
	RequestMethod string    `json:"request_method"`
	RequestURI    string    `json:"request_uri"`
	AttackType    string    `json:"attack_type"`
	RuleID        string    `json:"rule_id"`
	Severity      string    `json:"severity"` // CRITICAL, ERROR, WARNING, NOTICE
	Message       string    `json:"message"`
	RawLog        string    `json:"raw_log"`
	Blocked       bool      `json:"blocked"`
	Notified      bool      `json:"notified"`
	Country       string    `json:"country,omitempty"` // ISO code, GeoIP enrichment
}

// DetectionRule is a threshold over a sliding window of events.
type DetectionRule struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	Priority       int    `json:"priority"` // ascending = evaluated first
	TimeWindowSecs int    `json:"time_window_s"`
	Threshold      int    `json:"threshold"`
	AttackTypes    string `json:"attack_types"`    // comma set, or "*" for all
	SeverityFilter string `json:"severity_filter"` // ALL, WARNING, ERROR, CRITICAL
	ProxyID        *int64 `json:"proxy_id"`
	BanDurationSec *int   `json:"ban_duration_s"` // nil = permanent
	BanSeverity    string `json:"ban_severity"`   // LOW, MEDIUM, HIGH, CRITICAL
	Expression     string `json:"expression,omitempty"`
}

// IntegrationNotified records a successful provider ban for one integration.
type IntegrationNotified struct {
	IntegrationID int64     `json:"integration_id"`
	ProviderBanID string    `json:"provider_ban_id"`
	NotifiedAt    time.Time `json:"notified_at"`
}

// Ban is the authoritative record that an IP is blocked upstream.
type Ban struct {
	ID                   int64                 `json:"id"`
	IPAddress            string                `json:"ip_address"`
	Reason               string                `json:"reason"`
	AttackType           string                `json:"attack_type,omitempty"`
	EventCount           int                   `json:"event_count"`
	Severity             string                `json:"severity"` // LOW, MEDIUM, HIGH, CRITICAL
	BannedAt             time.Time             `json:"banned_at"`
	ExpiresAt            *time.Time            `json:"expires_at"` // nil = permanent
	UnbannedAt           *time.Time            `json:"unbanned_at"`
	UnbannedBy           *string               `json:"unbanned_by"`
	AutoBanned           bool                  `json:"auto_banned"`
	BannedBy             *string               `json:"banned_by"`
	ProxyID              *int64                `json:"proxy_id"`
	DetectionRuleID      *int64                `json:"detection_rule_id"`
	SampleEvents         []int64               `json:"sample_events"`
	IntegrationsNotified []IntegrationNotified `json:"integrations_notified"`
}

// Active reports whether the ban is currently in force.
func (b *Ban) Active(now time.Time) bool {
	if b.UnbannedAt != nil {
		return false
	}
	if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Permanent reports whether the ban has no expiry.
func (b *Ban) Permanent() bool {
	return b.ExpiresAt == nil
}

// NotifiedIntegration returns the notification entry for an integration, if present.
func (b *Ban) NotifiedIntegration(integrationID int64) (IntegrationNotified, bool) {
	for _, n := range b.IntegrationsNotified {
		if n.IntegrationID == integrationID {
			return n, true
		}
	}
	return IntegrationNotified{}, false
}

// Whitelist entry types.
const (
	WhitelistManual    = "manual"
	WhitelistAdminAuto = "admin_auto"
	WhitelistSystem    = "system"
)

// WhitelistEntry exempts one IP or CIDR range from banning.
// Exactly one of IPAddress and IPRange is set.
type WhitelistEntry struct {
	ID        int64     `json:"id"`
	IPAddress *string   `json:"ip_address"`
	IPRange   *string   `json:"ip_range"`
	Type      string    `json:"type"`     // manual, admin_auto, system
	Priority  int       `json:"priority"` // 1 = highest
	Reason    string    `json:"reason"`
	AddedBy   *string   `json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Integration is an external firewall/CDN system that can enforce blocks.
type Integration struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	Provider             string    `json:"provider"` // registry tag
	Enabled              bool      `json:"enabled"`
	CredentialsEncrypted string    `json:"-"`
	Scope                string    `json:"scope,omitempty"` // provider tag/zone
	CreatedAt            time.Time `json:"created_at"`
}

// NotificationRecord is the persisted outcome of one outbound notification.
type NotificationRecord struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	EventType string    `json:"event_type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status"` // sent, failed
	SentAt    time.Time `json:"sent_at"`
	Error     string    `json:"error,omitempty"`
}

// QueuedNotification is a batched notification awaiting its scheduled time.
type QueuedNotification struct {
	ID           int64     `json:"id"`
	EventType    string    `json:"event_type"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Severity     string    `json:"severity"`
	Tag          string    `json:"tag"`
	ScheduledFor time.Time `json:"scheduled_for"`
	CreatedAt    time.Time `json:"created_at"`
}

// MatrixRule fires a notification when enough events of a severity accumulate.
type MatrixRule struct {
	ID                int64      `json:"id"`
	SeverityLevel     string     `json:"severity_level"`
	CountThreshold    int        `json:"count_threshold"`
	TimeWindowSecs    int        `json:"time_window_s"`
	NotificationDelay int        `json:"notification_delay_s"`
	LastTriggered     *time.Time `json:"last_triggered"`
	Enabled           bool       `json:"enabled"`
}

// BanStatistics aggregates ban counts for the stats endpoint.
type BanStatistics struct {
	Total          int64            `json:"total"`
	Active         int64            `json:"active"`
	AutoBanned     int64            `json:"auto_banned"`
	ManualBanned   int64            `json:"manual_banned"`
	Permanent      int64            `json:"permanent"`
	Temporary      int64            `json:"temporary"`
	Last24h        int64            `json:"last_24h"`
	TopAttackTypes []AttackTypeCount `json:"top_attack_types"`
}

// AttackTypeCount pairs an attack type with its ban count.
type AttackTypeCount struct {
	AttackType string `json:"attack_type"`
	Count      int64  `json:"count"`
}

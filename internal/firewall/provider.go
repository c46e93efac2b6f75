// Package firewall talks to the external systems that actually enforce IP
// blocks. Each provider implements one upstream API behind a uniform
// contract; the registry selects an implementation by tag.
package firewall

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/secrets"
	"github.com/wudi/warden/internal/store"
)

// Provider tags understood by the default registry.
const (
	ProviderCloudflare = "cloudflare"
	ProviderOPNsense   = "opnsense"
	ProviderMikroTik   = "mikrotik"
)

// BanRequest describes one block to apply upstream.
type BanRequest struct {
	IP       string
	Reason   string
	Duration *time.Duration // nil = permanent
	Severity string
}

// BanResult is the provider's acknowledgement.
type BanResult struct {
	ProviderBanID string
	Message       string
}

// ProviderBan is one rule as reported by the upstream system.
type ProviderBan struct {
	IP            string
	ProviderBanID string
	ExpiresAt     *time.Time
}

// Provider is the uniform capability set every upstream must offer.
// Ban must be idempotent: re-banning a banned IP returns success with the
// existing rule id. Unban of an unknown IP is success.
type Provider interface {
	Name() string
	Ban(ctx context.Context, req BanRequest) (*BanResult, error)
	Unban(ctx context.Context, ip, providerBanID string) error
	ListBans(ctx context.Context) ([]ProviderBan, error)
}

// Factory builds a provider from decrypted credential JSON and the
// integration's optional scope (zone, site, list name).
type Factory func(credentials []byte, scope string) (Provider, error)

// Registry maps provider tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry with every built-in provider.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ProviderCloudflare, NewCloudflare)
	r.Register(ProviderOPNsense, NewOPNsense)
	r.Register(ProviderMikroTik, NewMikroTik)
	return r
}

// Register adds a factory under a tag, replacing any previous one.
func (r *Registry) Register(tag string, f Factory) {
	r.mu.Lock()
	r.factories[tag] = f
	r.mu.Unlock()
}

// Tags returns the registered provider tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	return tags
}

// Build decrypts an integration's credentials and constructs its provider.
func (r *Registry) Build(in *store.Integration, box *secrets.Box) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[in.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Validation("unknown_provider", "no such provider tag").
			WithDetails(map[string]interface{}{"provider": in.Provider})
	}

	if box == nil {
		return nil, errors.Fatal(nil, "missing_encryption_key",
			"integration credentials cannot be decrypted without an encryption key")
	}
	creds, err := box.Open(in.CredentialsEncrypted)
	if err != nil {
		return nil, errors.Validation("bad_credentials", "cannot decrypt integration credentials").
			WithDetails(map[string]interface{}{"integration": in.Name})
	}
	return factory([]byte(creds), in.Scope)
}

func decodeCredentials(raw []byte, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Validation("bad_credentials", "credentials are not valid JSON")
	}
	return nil
}

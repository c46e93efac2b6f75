package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudflare/cloudflare-go"

	"github.com/wudi/warden/internal/errors"
)

// notesPrefix marks access rules this process owns. ListBans only reports
// rules carrying it, so reconciliation never touches rules an operator
// created by hand.
const notesPrefix = "warden:"

// Cloudflare blocks IPs with zone-level IP access rules. Access rules have
// no TTL upstream, so durations are enforced by the expiry sweep through
// Unban rather than by Cloudflare.
type Cloudflare struct {
	api    *cloudflare.API
	zoneID string
}

type cloudflareCredentials struct {
	APIToken string `json:"api_token"`
	APIKey   string `json:"api_key"`
	Email    string `json:"email"`
	ZoneID   string `json:"zone_id"`
	BaseURL  string `json:"base_url"` // override for API gateways and tests
}

// NewCloudflare builds the Cloudflare provider. Scope overrides the
// credential zone id when set.
func NewCloudflare(creds []byte, scope string) (Provider, error) {
	var c cloudflareCredentials
	if err := decodeCredentials(creds, &c); err != nil {
		return nil, err
	}

	zone := c.ZoneID
	if scope != "" {
		zone = scope
	}
	if zone == "" {
		return nil, errors.Validation("bad_credentials", "cloudflare zone id is required")
	}

	var api *cloudflare.API
	var err error
	switch {
	case c.APIToken != "":
		api, err = cloudflare.NewWithAPIToken(c.APIToken)
	case c.APIKey != "" && c.Email != "":
		api, err = cloudflare.New(c.APIKey, c.Email)
	default:
		return nil, errors.Validation("bad_credentials", "cloudflare needs api_token or api_key+email")
	}
	if err != nil {
		return nil, errors.Validation("bad_credentials", err.Error())
	}
	if c.BaseURL != "" {
		api.BaseURL = c.BaseURL
	}
	return &Cloudflare{api: api, zoneID: zone}, nil
}

func (c *Cloudflare) Name() string { return ProviderCloudflare }

// Ban creates a block rule for the IP. A duplicate upstream resolves to the
// existing rule id.
func (c *Cloudflare) Ban(ctx context.Context, req BanRequest) (*BanResult, error) {
	rule := cloudflare.AccessRule{
		Mode:  "block",
		Notes: fmt.Sprintf("%s %s", notesPrefix, req.Reason),
		Configuration: cloudflare.AccessRuleConfiguration{
			Target: "ip",
			Value:  req.IP,
		},
	}

	res, err := c.api.CreateZoneAccessRule(ctx, c.zoneID, rule)
	if err != nil {
		if existing, findErr := c.findByIP(ctx, req.IP); findErr == nil && existing != nil {
			return &BanResult{ProviderBanID: existing.ProviderBanID, Message: "rule already present"}, nil
		}
		return nil, errors.Transient(err, "provider_error", "cloudflare create access rule failed")
	}
	return &BanResult{ProviderBanID: res.Result.ID, Message: "rule created"}, nil
}

// Unban removes the rule. Unknown rules resolve to success.
func (c *Cloudflare) Unban(ctx context.Context, ip, providerBanID string) error {
	id := providerBanID
	if id == "" {
		existing, err := c.findByIP(ctx, ip)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		id = existing.ProviderBanID
	}

	if _, err := c.api.DeleteZoneAccessRule(ctx, c.zoneID, id); err != nil {
		// The rule may already be gone; treat a miss as done.
		existing, findErr := c.findByIP(ctx, ip)
		if findErr == nil && existing == nil {
			return nil
		}
		return errors.Transient(err, "provider_error", "cloudflare delete access rule failed")
	}
	return nil
}

// ListBans pages through the zone's access rules and reports the ones this
// process created.
func (c *Cloudflare) ListBans(ctx context.Context) ([]ProviderBan, error) {
	var out []ProviderBan
	for page := 1; ; page++ {
		res, err := c.api.ListZoneAccessRules(ctx, c.zoneID, cloudflare.AccessRule{}, page)
		if err != nil {
			return nil, errors.Transient(err, "provider_error", "cloudflare list access rules failed")
		}
		for _, rule := range res.Result {
			if rule.Mode != "block" || rule.Configuration.Target != "ip" {
				continue
			}
			if !strings.HasPrefix(rule.Notes, notesPrefix) {
				continue
			}
			out = append(out, ProviderBan{
				IP:            rule.Configuration.Value,
				ProviderBanID: rule.ID,
			})
		}
		if page >= res.TotalPages || len(res.Result) == 0 {
			break
		}
	}
	return out, nil
}

func (c *Cloudflare) findByIP(ctx context.Context, ip string) (*ProviderBan, error) {
	filter := cloudflare.AccessRule{
		Configuration: cloudflare.AccessRuleConfiguration{Target: "ip", Value: ip},
	}
	res, err := c.api.ListZoneAccessRules(ctx, c.zoneID, filter, 1)
	if err != nil {
		return nil, errors.Transient(err, "provider_error", "cloudflare list access rules failed")
	}
	for _, rule := range res.Result {
		if rule.Configuration.Value == ip {
			return &ProviderBan{IP: ip, ProviderBanID: rule.ID}, nil
		}
	}
	return nil, nil
}

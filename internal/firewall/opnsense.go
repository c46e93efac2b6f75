package firewall

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wudi/warden/internal/errors"
)

// OPNsense blocks IPs by adding them to a firewall alias. The alias has no
// per-entry expiry, so the IP itself doubles as the rule id and durations
// are enforced by our unban path.
type OPNsense struct {
	baseURL string
	key     string
	secret  string
	alias   string
	client  *http.Client
}

type opnsenseCredentials struct {
	URL                string `json:"url"`
	APIKey             string `json:"api_key"`
	APISecret          string `json:"api_secret"`
	Alias              string `json:"alias"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
}

// NewOPNsense builds the OPNsense provider. Scope overrides the credential
// alias name when set.
func NewOPNsense(creds []byte, scope string) (Provider, error) {
	var c opnsenseCredentials
	if err := decodeCredentials(creds, &c); err != nil {
		return nil, err
	}
	if c.URL == "" || c.APIKey == "" || c.APISecret == "" {
		return nil, errors.Validation("bad_credentials", "opnsense needs url, api_key and api_secret")
	}

	alias := c.Alias
	if scope != "" {
		alias = scope
	}
	if alias == "" {
		alias = "warden_banned"
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if c.InsecureSkipVerify {
		// Self-hosted firewalls commonly run on self-signed certificates.
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &OPNsense{
		baseURL: strings.TrimRight(c.URL, "/"),
		key:     c.APIKey,
		secret:  c.APISecret,
		alias:   alias,
		client:  client,
	}, nil
}

func (o *OPNsense) Name() string { return ProviderOPNsense }

// Ban adds the IP to the alias. Adding an address that is already present
// succeeds upstream, so no duplicate handling is needed.
func (o *OPNsense) Ban(ctx context.Context, req BanRequest) (*BanResult, error) {
	body, err := o.call(ctx, http.MethodPost,
		"/api/firewall/alias_util/add/"+o.alias,
		map[string]string{"address": req.IP})
	if err != nil {
		return nil, err
	}
	if status := gjson.GetBytes(body, "status").String(); status != "done" {
		return nil, errors.Transient(
			fmt.Errorf("opnsense add returned status %q", status),
			"provider_error", "opnsense rejected alias update")
	}
	return &BanResult{ProviderBanID: req.IP, Message: "added to alias " + o.alias}, nil
}

// Unban removes the IP from the alias. Removing an absent address succeeds.
func (o *OPNsense) Unban(ctx context.Context, ip, providerBanID string) error {
	addr := providerBanID
	if addr == "" {
		addr = ip
	}
	body, err := o.call(ctx, http.MethodPost,
		"/api/firewall/alias_util/delete/"+o.alias,
		map[string]string{"address": addr})
	if err != nil {
		return err
	}
	if status := gjson.GetBytes(body, "status").String(); status != "done" {
		return errors.Transient(
			fmt.Errorf("opnsense delete returned status %q", status),
			"provider_error", "opnsense rejected alias update")
	}
	return nil
}

// ListBans returns the alias contents.
func (o *OPNsense) ListBans(ctx context.Context) ([]ProviderBan, error) {
	body, err := o.call(ctx, http.MethodGet,
		"/api/firewall/alias_util/list/"+o.alias, nil)
	if err != nil {
		return nil, err
	}

	var out []ProviderBan
	for _, row := range gjson.GetBytes(body, "rows").Array() {
		ip := row.Get("ip").String()
		if ip == "" {
			continue
		}
		out = append(out, ProviderBan{IP: ip, ProviderBanID: ip})
	}
	return out, nil
}

func (o *OPNsense) call(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		enc, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode opnsense payload: %w", err)
		}
		reqBody = bytes.NewReader(enc)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build opnsense request: %w", err)
	}
	req.SetBasicAuth(o.key, o.secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, errors.Transient(err, "provider_error", "opnsense request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Transient(err, "provider_error", "opnsense response read failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Transient(
			fmt.Errorf("opnsense %s %s returned %d: %s", method, path, resp.StatusCode, body),
			"provider_error", "opnsense request rejected")
	}
	return body, nil
}

package firewall

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wudi/warden/internal/errors"
)

// MikroTik blocks IPs through RouterOS v7 REST address lists. Unlike the
// other providers, RouterOS enforces expiry itself via the entry timeout.
type MikroTik struct {
	baseURL  string
	username string
	password string
	list     string
	client   *http.Client
}

type mikrotikCredentials struct {
	URL                string `json:"url"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	List               string `json:"list"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
}

// NewMikroTik builds the MikroTik provider. Scope overrides the credential
// list name when set.
func NewMikroTik(creds []byte, scope string) (Provider, error) {
	var c mikrotikCredentials
	if err := decodeCredentials(creds, &c); err != nil {
		return nil, err
	}
	if c.URL == "" || c.Username == "" {
		return nil, errors.Validation("bad_credentials", "mikrotik needs url and username")
	}

	list := c.List
	if scope != "" {
		list = scope
	}
	if list == "" {
		list = "warden_banned"
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if c.InsecureSkipVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &MikroTik{
		baseURL:  strings.TrimRight(c.URL, "/"),
		username: c.Username,
		password: c.Password,
		list:     list,
		client:   client,
	}, nil
}

func (m *MikroTik) Name() string { return ProviderMikroTik }

func (m *MikroTik) listPath(ip string) string {
	if strings.Contains(ip, ":") {
		return "/rest/ipv6/firewall/address-list"
	}
	return "/rest/ip/firewall/address-list"
}

// Ban adds the IP to the address list. RouterOS rejects duplicates with a
// 400, which resolves to the existing entry id.
func (m *MikroTik) Ban(ctx context.Context, req BanRequest) (*BanResult, error) {
	payload := map[string]string{
		"list":    m.list,
		"address": req.IP,
		"comment": fmt.Sprintf("%s %s", notesPrefix, req.Reason),
	}
	if req.Duration != nil {
		payload["timeout"] = fmt.Sprintf("%ds", int(req.Duration.Seconds()))
	}

	body, status, err := m.call(ctx, http.MethodPut, m.listPath(req.IP), payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest && strings.Contains(gjson.GetBytes(body, "detail").String(), "already have") {
		existing, err := m.findEntry(ctx, req.IP)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &BanResult{ProviderBanID: existing.ProviderBanID, Message: "entry already present"}, nil
		}
	}
	if status < 200 || status > 299 {
		return nil, errors.Transient(
			fmt.Errorf("mikrotik add returned %d: %s", status, body),
			"provider_error", "mikrotik rejected address-list entry")
	}

	return &BanResult{
		ProviderBanID: gjson.GetBytes(body, `\.id`).String(),
		Message:       "added to list " + m.list,
	}, nil
}

// Unban removes the entry. Unknown ids and absent addresses are success.
func (m *MikroTik) Unban(ctx context.Context, ip, providerBanID string) error {
	id := providerBanID
	if id == "" {
		existing, err := m.findEntry(ctx, ip)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		id = existing.ProviderBanID
	}

	_, status, err := m.call(ctx, http.MethodDelete, m.listPath(ip)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status == http.StatusNoContent || (status >= 200 && status <= 299) {
		return nil
	}
	return errors.Transient(
		fmt.Errorf("mikrotik delete returned %d", status),
		"provider_error", "mikrotik delete failed")
}

// ListBans merges the v4 and v6 address lists.
func (m *MikroTik) ListBans(ctx context.Context) ([]ProviderBan, error) {
	var out []ProviderBan
	for _, path := range []string{"/rest/ip/firewall/address-list", "/rest/ipv6/firewall/address-list"} {
		body, status, err := m.call(ctx, http.MethodGet, path+"?list="+url.QueryEscape(m.list), nil)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			continue // IPv6 package may be absent
		}
		if status < 200 || status > 299 {
			return nil, errors.Transient(
				fmt.Errorf("mikrotik list returned %d: %s", status, body),
				"provider_error", "mikrotik list failed")
		}

		now := time.Now()
		for _, row := range gjson.ParseBytes(body).Array() {
			entry := ProviderBan{
				IP:            row.Get("address").String(),
				ProviderBanID: row.Get(`\.id`).String(),
			}
			if timeout := row.Get("timeout").String(); timeout != "" {
				if d, err := parseRouterOSDuration(timeout); err == nil {
					exp := now.Add(d)
					entry.ExpiresAt = &exp
				}
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *MikroTik) findEntry(ctx context.Context, ip string) (*ProviderBan, error) {
	path := m.listPath(ip) + "?list=" + url.QueryEscape(m.list) + "&address=" + url.QueryEscape(ip)
	body, status, err := m.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, errors.Transient(
			fmt.Errorf("mikrotik lookup returned %d", status),
			"provider_error", "mikrotik lookup failed")
	}
	rows := gjson.ParseBytes(body).Array()
	if len(rows) == 0 {
		return nil, nil
	}
	return &ProviderBan{IP: ip, ProviderBanID: rows[0].Get(`\.id`).String()}, nil
}

func (m *MikroTik) call(ctx context.Context, method, path string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		enc, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode mikrotik payload: %w", err)
		}
		reqBody = bytes.NewReader(enc)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build mikrotik request: %w", err)
	}
	req.SetBasicAuth(m.username, m.password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, errors.Transient(err, "provider_error", "mikrotik request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errors.Transient(err, "provider_error", "mikrotik response read failed")
	}
	return body, resp.StatusCode, nil
}

// parseRouterOSDuration understands RouterOS durations like "1d2h3m4s" and
// "2w", which time.ParseDuration does not.
func parseRouterOSDuration(s string) (time.Duration, error) {
	var total time.Duration
	rest := s
	for _, unit := range []struct {
		suffix string
		dur    time.Duration
	}{
		{"w", 7 * 24 * time.Hour},
		{"d", 24 * time.Hour},
	} {
		if i := strings.Index(rest, unit.suffix); i > 0 {
			var n int
			if _, err := fmt.Sscanf(rest[:i], "%d", &n); err != nil {
				return 0, fmt.Errorf("bad duration %q: %w", s, err)
			}
			total += time.Duration(n) * unit.dur
			rest = rest[i+1:]
		}
	}
	if rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("bad duration %q: %w", s, err)
		}
		total += d
	}
	return total, nil
}

// Package whitelist decides which IPs must never be banned. Entries are
// exact addresses or CIDR ranges, evaluated in ascending priority.
package whitelist

import (
	"context"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/logging"
	"github.com/wudi/warden/internal/store"
)

// AdminAutoPriority is the priority given to entries created on admin login.
const AdminAutoPriority = 50

// Checker evaluates whitelist entries against candidate IPs.
type Checker struct {
	store *store.Store
}

// NewChecker returns a checker backed by the config store.
func NewChecker(st *store.Store) *Checker {
	return &Checker{store: st}
}

// Match returns the first entry covering ip in priority order, or nil.
// Fail-open: on an unparseable input or a store error it returns nil, so a
// broken whitelist never grants anything. The orchestrator still refuses to
// ban IPs this function does match.
func (c *Checker) Match(ctx context.Context, ip string) *store.WhitelistEntry {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil
	}

	entries, err := c.store.ListWhitelist(ctx)
	if err != nil {
		logging.Error("whitelist lookup failed", zap.Error(err))
		return nil
	}

	for _, e := range entries {
		if e.IPAddress != nil {
			exact := net.ParseIP(*e.IPAddress)
			if exact != nil && exact.Equal(parsed) {
				return e
			}
			continue
		}
		if e.IPRange != nil {
			_, ipNet, err := net.ParseCIDR(*e.IPRange)
			if err != nil {
				logging.Warn("skipping malformed whitelist range",
					zap.Int64("entry_id", e.ID),
					zap.String("range", *e.IPRange))
				continue
			}
			if ipNet.Contains(parsed) {
				return e
			}
		}
	}
	return nil
}

// IsWhitelisted reports whether ip is covered by any entry.
func (c *Checker) IsWhitelisted(ctx context.Context, ip string) bool {
	e := c.Match(ctx, ip)
	if e == nil {
		return false
	}
	logging.Debug("ip matched whitelist",
		zap.String("ip", ip),
		zap.Int64("entry_id", e.ID),
		zap.String("type", e.Type),
		zap.Int("priority", e.Priority))
	return true
}

// IsPrivate reports whether ip is loopback, link-local, or in a private
// range (RFC1918 for v4, unique-local for v6).
func IsPrivate(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsPrivate()
}

// Add validates and inserts a whitelist entry. Exactly one of ipAddress and
// ipRange must be non-empty.
func (c *Checker) Add(ctx context.Context, ipAddress, ipRange, entryType, reason string, priority int, addedBy string) (*store.WhitelistEntry, error) {
	hasIP := ipAddress != ""
	hasRange := ipRange != ""
	if hasIP == hasRange {
		return nil, errors.Validation("whitelist_entry_invalid",
			"exactly one of ip_address and ip_range must be set")
	}

	e := &store.WhitelistEntry{
		Type:     entryType,
		Priority: priority,
		Reason:   reason,
	}
	if entryType == "" {
		e.Type = store.WhitelistManual
	}
	if addedBy != "" {
		e.AddedBy = &addedBy
	}

	if hasIP {
		if net.ParseIP(ipAddress) == nil {
			return nil, errors.Validation("invalid_ip", "not a valid IP address").
				WithDetails(map[string]interface{}{"ip": ipAddress})
		}
		e.IPAddress = &ipAddress
	} else {
		if _, _, err := net.ParseCIDR(ipRange); err != nil {
			return nil, errors.Validation("invalid_cidr", "not a valid CIDR range").
				WithDetails(map[string]interface{}{"range": ipRange})
		}
		if ipRange == "0.0.0.0/0" || ipRange == "::/0" {
			logging.Warn("whitelist range covers every address",
				zap.String("range", ipRange))
		}
		e.IPRange = &ipRange
	}

	if err := c.store.AddWhitelistEntry(ctx, e); err != nil {
		return nil, err
	}
	logging.Info("whitelist entry added",
		zap.Int64("entry_id", e.ID),
		zap.String("type", e.Type),
		zap.Int("priority", e.Priority))
	return e, nil
}

// Remove deletes an entry. System entries cannot be removed.
func (c *Checker) Remove(ctx context.Context, id int64) error {
	e, err := c.store.GetWhitelistEntry(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return errors.Validation("whitelist_entry_not_found", "no such whitelist entry").
			WithDetails(map[string]interface{}{"id": id})
	}
	if e.Type == store.WhitelistSystem {
		return errors.ErrSystemEntry.WithDetails(map[string]interface{}{"id": id})
	}
	if _, err := c.store.DeleteWhitelistEntry(ctx, id); err != nil {
		return err
	}
	logging.Info("whitelist entry removed", zap.Int64("entry_id", id))
	return nil
}

// AutoWhitelistAdmin whitelists the address an admin just logged in from,
// unless an existing entry already covers it. Idempotent across repeated
// logins from the same address.
func (c *Checker) AutoWhitelistAdmin(ctx context.Context, ip, userID string) error {
	trimmed := strings.TrimSpace(ip)
	if net.ParseIP(trimmed) == nil {
		return errors.Validation("invalid_ip", "not a valid IP address").
			WithDetails(map[string]interface{}{"ip": ip})
	}

	if existing := c.Match(ctx, trimmed); existing != nil {
		logging.Debug("admin ip already whitelisted",
			zap.String("ip", trimmed),
			zap.Int64("entry_id", existing.ID))
		return nil
	}

	e := &store.WhitelistEntry{
		IPAddress: &trimmed,
		Type:      store.WhitelistAdminAuto,
		Priority:  AdminAutoPriority,
		Reason:    "Automatic whitelist on admin login",
	}
	if userID != "" {
		e.AddedBy = &userID
	}
	if err := c.store.AddWhitelistEntry(ctx, e); err != nil {
		return err
	}
	logging.Info("admin ip auto-whitelisted",
		zap.String("ip", trimmed),
		zap.String("user", userID))
	return nil
}

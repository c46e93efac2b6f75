package ingest

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wudi/warden/internal/store"
)

const proxyCacheTTL = 30 * time.Second

// proxyResolver maps host candidates from audit records onto proxy rows.
// The proxy table is tiny and changes rarely, so a short-lived snapshot
// keeps the hot path off the database.
type proxyResolver struct {
	store *store.Store

	mu      sync.Mutex
	proxies []*store.Proxy
	loaded  time.Time
}

func newProxyResolver(st *store.Store) *proxyResolver {
	return &proxyResolver{store: st}
}

// Resolve tries each candidate in order and returns the first proxy it
// matches: substring against domain_names first, then equality on
// forward_host. A nil return means the event stays unattributed.
func (r *proxyResolver) Resolve(ctx context.Context, candidates ...string) *int64 {
	proxies := r.snapshot(ctx)
	if len(proxies) == 0 {
		return nil
	}
	for _, cand := range candidates {
		host := normalizeHost(cand)
		if host == "" {
			continue
		}
		for _, p := range proxies {
			if p.DomainNames != "" && strings.Contains(strings.ToLower(p.DomainNames), host) {
				id := p.ID
				return &id
			}
		}
		for _, p := range proxies {
			if strings.EqualFold(p.ForwardHost, host) {
				id := p.ID
				return &id
			}
		}
	}
	return nil
}

func (r *proxyResolver) snapshot(ctx context.Context) []*store.Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.loaded) < proxyCacheTTL && r.proxies != nil {
		return r.proxies
	}
	proxies, err := r.store.ListProxies(ctx)
	if err != nil {
		// Serve the stale snapshot; the next tick retries.
		return r.proxies
	}
	r.proxies = proxies
	r.loaded = time.Now()
	return r.proxies
}

// normalizeHost lowercases and strips any port suffix.
func normalizeHost(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}

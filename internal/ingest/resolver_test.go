package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/store"
)

func openTestStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	st, err := store.Open(config.StorageConfig{
		DataDir:      dir,
		DatabaseFile: "warden.db",
		BusyTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestProxy(t *testing.T, st *store.Store, name, domains, forwardHost string) *store.Proxy {
	t.Helper()
	p := &store.Proxy{
		Name:         name,
		DomainNames:  domains,
		ForwardHost:  forwardHost,
		ForwardPort:  8080,
		Enabled:      true,
		ConfigStatus: "active",
	}
	if err := st.CreateProxy(context.Background(), p); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}
	return p
}

func TestResolverMatchesDomainsAndForwardHosts(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	blog := createTestProxy(t, st, "blog", "blog.example.com,www.blog.example.com", "10.0.1.5")
	api := createTestProxy(t, st, "api", "api.example.com", "10.0.1.9")

	r := newProxyResolver(st)
	ctx := context.Background()

	tests := []struct {
		name       string
		candidates []string
		want       *int64
	}{
		{"domain match", []string{"www.blog.example.com"}, &blog.ID},
		{"port stripped", []string{"blog.example.com:443"}, &blog.ID},
		{"case folded", []string{"API.Example.COM"}, &api.ID},
		{"forward host fallback", []string{"10.0.1.9"}, &api.ID},
		{"empty candidates skipped", []string{"", "api.example.com"}, &api.ID},
		{"first matching candidate wins", []string{"nomatch.example.org", "blog.example.com"}, &blog.ID},
		{"no match", []string{"unknown.example.org"}, nil},
		{"nothing to go on", []string{"", ""}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(ctx, tt.candidates...)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("Resolve(%v) = %d, want nil", tt.candidates, *got)
			case tt.want != nil && got == nil:
				t.Errorf("Resolve(%v) = nil, want %d", tt.candidates, *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("Resolve(%v) = %d, want %d", tt.candidates, *got, *tt.want)
			}
		})
	}
}

func TestResolverPrefersDomainOverForwardHost(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	// One proxy forwards to a host that is another proxy's public domain.
	inner := createTestProxy(t, st, "inner", "inner.example.com", "backend.local")
	createTestProxy(t, st, "edge", "edge.example.com", "inner.example.com")

	r := newProxyResolver(st)
	got := r.Resolve(context.Background(), "inner.example.com")
	if got == nil || *got != inner.ID {
		t.Errorf("Resolve = %v, want inner proxy %d", got, inner.ID)
	}
}

func TestResolverEmptyTableResolvesNothing(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	r := newProxyResolver(st)
	if got := r.Resolve(context.Background(), "any.example.com"); got != nil {
		t.Errorf("Resolve on empty proxy table = %d, want nil", *got)
	}
}

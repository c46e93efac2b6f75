// Package geoip resolves client IPs to ISO country codes from a local
// MaxMind database. Lookups never fail the pipeline; a miss is an empty
// country.
package geoip

import (
	"net"
	"sync/atomic"

	"github.com/oschwald/geoip2-golang"

	"github.com/wudi/warden/internal/errors"
)

// Resolver wraps a GeoLite2/GeoIP2 country database.
type Resolver struct {
	db *geoip2.Reader

	hits   atomic.Int64
	misses atomic.Int64
}

// Open loads the database at path.
func Open(path string) (*Resolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Fatal(err, "geoip_open_failed", "cannot open GeoIP database")
	}
	return &Resolver{db: db}, nil
}

// Country returns the ISO 3166-1 code for an IP, or "" when unknown.
func (r *Resolver) Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		r.misses.Add(1)
		return ""
	}
	rec, err := r.db.Country(parsed)
	if err != nil || rec.Country.IsoCode == "" {
		r.misses.Add(1)
		return ""
	}
	r.hits.Add(1)
	return rec.Country.IsoCode
}

func (r *Resolver) Close() error {
	return r.db.Close()
}

// Stats returns lookup counters.
func (r *Resolver) Stats() map[string]interface{} {
	return map[string]interface{}{
		"hits":   r.hits.Load(),
		"misses": r.misses.Load(),
	}
}

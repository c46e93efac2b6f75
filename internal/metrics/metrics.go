package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// StatsFunc supplies a component's counters at scrape time.
type StatsFunc func() map[string]interface{}

// Collector tracks pipeline metrics for Prometheus-compatible export
type Collector struct {
	mu sync.RWMutex

	// Event metrics
	eventsTotal map[string]int64 // key: attack_type|severity

	// Ban lifecycle
	bansTotal   map[string]int64 // key: mode (auto, manual)
	unbansTotal map[string]int64 // key: cause (manual, expired)

	// Provider calls
	providerOps       map[string]int64          // key: provider|op|outcome
	providerDurations map[string]*HistogramData // key: provider

	// Notifications
	notificationsTotal map[string]int64 // key: type|status

	// Reconciliation repairs
	repairsTotal map[string]int64 // key: integration|kind

	// Component stats sources, flattened to gauges at scrape time
	sources map[string]StatsFunc
}

// HistogramData stores histogram-like data for durations
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds, sized for
// provider API round trips rather than local handlers.
var DefaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		eventsTotal:        make(map[string]int64),
		bansTotal:          make(map[string]int64),
		unbansTotal:        make(map[string]int64),
		providerOps:        make(map[string]int64),
		providerDurations:  make(map[string]*HistogramData),
		notificationsTotal: make(map[string]int64),
		repairsTotal:       make(map[string]int64),
		sources:            make(map[string]StatsFunc),
	}
}

// RecordEvent records one persisted WAF event
func (c *Collector) RecordEvent(attackType, severity string) {
	c.mu.Lock()
	c.eventsTotal[attackType+"|"+severity]++
	c.mu.Unlock()
}

// RecordBan records an issued ban
func (c *Collector) RecordBan(auto bool) {
	mode := "manual"
	if auto {
		mode = "auto"
	}
	c.mu.Lock()
	c.bansTotal[mode]++
	c.mu.Unlock()
}

// RecordUnban records a cleared ban
func (c *Collector) RecordUnban(cause string) {
	c.mu.Lock()
	c.unbansTotal[cause]++
	c.mu.Unlock()
}

// RecordProviderOp records one provider call and its duration
func (c *Collector) RecordProviderOp(provider, op string, ok bool, duration time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.providerOps[provider+"|"+op+"|"+outcome]++

	hd, found := c.providerDurations[provider]
	if !found {
		hd = &HistogramData{
			Buckets: make(map[float64]int64),
		}
		for _, b := range DefaultBuckets {
			hd.Buckets[b] = 0
		}
		c.providerDurations[provider] = hd
	}

	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// RecordNotification records an outbound notification attempt
func (c *Collector) RecordNotification(eventType, status string) {
	c.mu.Lock()
	c.notificationsTotal[eventType+"|"+status]++
	c.mu.Unlock()
}

// RecordRepair records one reconciliation repair (kind: missing, extra)
func (c *Collector) RecordRepair(integration, kind string) {
	c.mu.Lock()
	c.repairsTotal[integration+"|"+kind]++
	c.mu.Unlock()
}

// RegisterSource attaches a component's Stats() map. Numeric values are
// exported as warden_<source>_<stat> gauges on every scrape; nested maps
// flatten with an underscore.
func (c *Collector) RegisterSource(name string, fn StatsFunc) {
	c.mu.Lock()
	c.sources[name] = fn
	c.mu.Unlock()
}

// MetricsSnapshot holds a snapshot of all metrics
type MetricsSnapshot struct {
	EventsTotal        map[string]int64              `json:"events_total"`
	BansTotal          map[string]int64              `json:"bans_total"`
	UnbansTotal        map[string]int64              `json:"unbans_total"`
	ProviderOps        map[string]int64              `json:"provider_ops"`
	ProviderDurations  map[string]*HistogramSnapshot `json:"provider_durations"`
	NotificationsTotal map[string]int64              `json:"notifications_total"`
	RepairsTotal       map[string]int64              `json:"repairs_total"`
}

// HistogramSnapshot is a snapshot of histogram data
type HistogramSnapshot struct {
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[float64]int64 `json:"buckets"`
}

// Snapshot returns a point-in-time snapshot of all metrics
func (c *Collector) Snapshot() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &MetricsSnapshot{
		EventsTotal:        make(map[string]int64),
		BansTotal:          make(map[string]int64),
		UnbansTotal:        make(map[string]int64),
		ProviderOps:        make(map[string]int64),
		ProviderDurations:  make(map[string]*HistogramSnapshot),
		NotificationsTotal: make(map[string]int64),
		RepairsTotal:       make(map[string]int64),
	}

	for k, v := range c.eventsTotal {
		snap.EventsTotal[k] = v
	}
	for k, v := range c.bansTotal {
		snap.BansTotal[k] = v
	}
	for k, v := range c.unbansTotal {
		snap.UnbansTotal[k] = v
	}
	for k, v := range c.providerOps {
		snap.ProviderOps[k] = v
	}
	for k, v := range c.providerDurations {
		hs := &HistogramSnapshot{
			Count:   v.Count,
			Sum:     v.Sum,
			Buckets: make(map[float64]int64),
		}
		for b, cnt := range v.Buckets {
			hs.Buckets[b] = cnt
		}
		snap.ProviderDurations[k] = hs
	}
	for k, v := range c.notificationsTotal {
		snap.NotificationsTotal[k] = v
	}
	for k, v := range c.repairsTotal {
		snap.RepairsTotal[k] = v
	}

	return snap
}

// Handler returns the scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text exposition format
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// warden_waf_events_total
	writeHelp(w, "warden_waf_events_total", "Total WAF events persisted", "counter")
	for key, count := range c.eventsTotal {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "warden_waf_events_total", count,
				"attack_type", parts[0], "severity", parts[1])
		}
	}

	// warden_bans_total
	writeHelp(w, "warden_bans_total", "Total bans issued", "counter")
	for mode, count := range c.bansTotal {
		writeMetric(w, "warden_bans_total", count, "mode", mode)
	}

	// warden_unbans_total
	writeHelp(w, "warden_unbans_total", "Total bans cleared", "counter")
	for cause, count := range c.unbansTotal {
		writeMetric(w, "warden_unbans_total", count, "cause", cause)
	}

	// warden_provider_ops_total
	writeHelp(w, "warden_provider_ops_total", "Total firewall provider calls", "counter")
	for key, count := range c.providerOps {
		parts := splitKey(key, 3)
		if len(parts) == 3 {
			writeMetric(w, "warden_provider_ops_total", count,
				"provider", parts[0], "op", parts[1], "outcome", parts[2])
		}
	}

	// warden_provider_op_duration_seconds
	writeHelp(w, "warden_provider_op_duration_seconds", "Provider call duration in seconds", "histogram")
	for provider, hd := range c.providerDurations {
		for _, bound := range DefaultBuckets {
			cnt := hd.Buckets[bound]
			writeMetricFloat(w, "warden_provider_op_duration_seconds_bucket", float64(cnt),
				"provider", provider, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "warden_provider_op_duration_seconds_bucket", float64(hd.Count),
			"provider", provider, "le", "+Inf")
		writeMetricFloat(w, "warden_provider_op_duration_seconds_sum", hd.Sum,
			"provider", provider)
		writeMetric(w, "warden_provider_op_duration_seconds_count", hd.Count,
			"provider", provider)
	}

	// warden_notifications_total
	writeHelp(w, "warden_notifications_total", "Total outbound notification attempts", "counter")
	for key, count := range c.notificationsTotal {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "warden_notifications_total", count,
				"type", parts[0], "status", parts[1])
		}
	}

	// warden_reconcile_repairs_total
	writeHelp(w, "warden_reconcile_repairs_total", "Total reconciliation repairs (kind: missing, extra)", "counter")
	for key, count := range c.repairsTotal {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "warden_reconcile_repairs_total", count,
				"integration", parts[0], "kind", parts[1])
		}
	}

	// Component gauges
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeHelp(w, "warden_"+name, "Component counters for "+name, "gauge")
		writeSource(w, "warden_"+name, c.sources[name]())
	}
}

// writeSource flattens one Stats() map into gauge lines. Non-numeric
// values are skipped; nested maps recurse with the key as a suffix.
func writeSource(w http.ResponseWriter, prefix string, stats map[string]interface{}) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := stats[k].(type) {
		case int:
			writeMetric(w, prefix+"_"+k, int64(v))
		case int64:
			writeMetric(w, prefix+"_"+k, v)
		case float64:
			writeMetricFloat(w, prefix+"_"+k, v)
		case map[string]interface{}:
			writeSource(w, prefix+"_"+k, v)
		}
	}
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}

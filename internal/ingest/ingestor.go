// Package ingest turns the WAF engine's audit log into persisted events.
// A tailer follows the file across rotations, a parser normalizes each
// JSON transaction, and a flush loop batches rows into the event store.
// The pipeline is lossy by declaration: anything unreadable is counted
// and skipped, and a store outage stalls intake instead of buffering
// without bound.
package ingest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/warden/internal/bus"
	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/export"
	"github.com/wudi/warden/internal/geoip"
	"github.com/wudi/warden/internal/logging"
	"github.com/wudi/warden/internal/store"
)

const (
	flushTimeout    = 10 * time.Second
	backfillWindow  = 10 * time.Minute
	backfillNearby  = 5 * time.Minute
	defaultBatch    = 100
	defaultInterval = 2 * time.Second
)

// Ingestor owns the audit-log pipeline. Construct with New, wire the bus
// if events should be broadcast, then Start.
type Ingestor struct {
	cfg      config.IngestConfig
	events   *store.EventStore
	resolver *proxyResolver
	tailer   *Tailer
	geo      *geoip.Resolver
	exporter *export.Writer
	bus      *bus.Bus

	queue chan *store.WAFEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	parsed      atomic.Int64
	skipped     atomic.Int64
	flushed     atomic.Int64
	flushErrors atomic.Int64
	backfilled  atomic.Int64
}

// New builds the pipeline. A missing GeoIP database degrades to empty
// country codes rather than failing; a missing audit log path is a
// configuration error.
func New(cfg config.IngestConfig, st *store.Store, events *store.EventStore) (*Ingestor, error) {
	if strings.TrimSpace(cfg.AuditLogPath) == "" {
		return nil, errors.Validation("audit_log_path_missing", "ingest requires audit_log_path")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultInterval
	}
	if cfg.BackfillInterval <= 0 {
		cfg.BackfillInterval = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	in := &Ingestor{
		cfg:      cfg,
		events:   events,
		resolver: newProxyResolver(st),
		tailer:   NewTailer(cfg.AuditLogPath, cfg.RestartBackoff),
		queue:    make(chan *store.WAFEvent, cfg.BatchSize*4),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.GeoIP.DatabasePath != "" {
		geo, err := geoip.Open(cfg.GeoIP.DatabasePath)
		if err != nil {
			logging.Warn("geoip lookups disabled",
				zap.String("database", cfg.GeoIP.DatabasePath),
				zap.Error(err))
		} else {
			in.geo = geo
		}
	}
	if cfg.Export.Enabled {
		in.exporter = export.New(cfg.Export)
	}
	return in, nil
}

// SetBus enables per-event broadcast after persistence.
func (in *Ingestor) SetBus(b *bus.Bus) {
	in.bus = b
}

// Start launches the tail, parse, flush and backfill workers.
func (in *Ingestor) Start() {
	in.tailer.Start()
	in.wg.Add(3)
	go in.parseLoop()
	go in.flushLoop()
	go in.backfillLoop()
	logging.Info("audit-log ingestor started",
		zap.String("path", in.cfg.AuditLogPath),
		zap.Int("batch_size", in.cfg.BatchSize),
		zap.Duration("flush_interval", in.cfg.FlushInterval))
}

// Stop halts intake and flushes what already reached the queue. Lines
// sitting in channel buffers at cancel time are dropped; the backfill
// pass cannot recover them, so the window is kept small by stopping the
// tailer first.
func (in *Ingestor) Stop() {
	in.tailer.Stop()
	in.cancel()
	in.wg.Wait()
	if in.geo != nil {
		in.geo.Close()
	}
	if in.exporter != nil {
		in.exporter.Close()
	}
	logging.Info("audit-log ingestor stopped",
		zap.Int64("parsed", in.parsed.Load()),
		zap.Int64("skipped", in.skipped.Load()),
		zap.Int64("flushed", in.flushed.Load()))
}

func (in *Ingestor) parseLoop() {
	defer in.wg.Done()
	for line := range in.tailer.Lines() {
		in.handleLine(line)
	}
}

func (in *Ingestor) handleLine(line []byte) {
	ev, hosts, err := parseLine(line)
	if err != nil {
		in.skipped.Add(1)
		return
	}
	ev.ProxyID = in.resolver.Resolve(in.ctx, hosts...)
	if in.geo != nil {
		ev.Country = in.geo.Country(ev.ClientIP)
	}
	select {
	case in.queue <- ev:
		in.parsed.Add(1)
	case <-in.ctx.Done():
	}
}

func (in *Ingestor) flushLoop() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*store.WAFEvent, 0, in.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background context so the final flush still runs after cancel.
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := in.events.Append(ctx, batch)
		cancel()
		if err != nil {
			// Keep the batch; the next tick retries in order.
			in.flushErrors.Add(1)
			logging.Error("event flush failed",
				zap.Int("batch", len(batch)),
				zap.Error(err))
			return
		}
		in.flushed.Add(int64(len(batch)))
		for _, ev := range batch {
			if in.exporter != nil {
				in.exporter.Write(ev)
			}
			if in.bus != nil {
				in.bus.Publish(bus.TopicWAFEvent, ev)
			}
		}
		batch = batch[:0]
	}

	for {
		if len(batch) >= in.cfg.BatchSize {
			// A failed flush left the batch full. Stop draining the queue
			// so backpressure reaches the tailer while the store recovers.
			select {
			case <-ticker.C:
				flush()
			case <-in.ctx.Done():
				flush()
				return
			}
			continue
		}
		select {
		case ev := <-in.queue:
			batch = append(batch, ev)
			if len(batch) >= in.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-in.ctx.Done():
			for {
				select {
				case ev := <-in.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// backfillLoop periodically re-attributes recent events that parsed
// without a proxy match, using the dominant proxy among events from the
// same client around the same time.
func (in *Ingestor) backfillLoop() {
	defer in.wg.Done()
	ticker := time.NewTicker(in.cfg.BackfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			n, err := in.events.Backfill(in.ctx, backfillWindow, backfillNearby)
			if err != nil {
				if in.ctx.Err() == nil {
					logging.Warn("proxy backfill failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				in.backfilled.Add(n)
				logging.Debug("proxy backfill attributed events", zap.Int64("events", n))
			}
		}
	}
}

// Stats reports pipeline counters for the metrics endpoint.
func (in *Ingestor) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"parsed":       in.parsed.Load(),
		"skipped":      in.skipped.Load(),
		"flushed":      in.flushed.Load(),
		"flush_errors": in.flushErrors.Load(),
		"backfilled":   in.backfilled.Load(),
		"queue_len":    len(in.queue),
		"tailer":       in.tailer.Stats(),
	}
	if in.geo != nil {
		stats["geoip"] = in.geo.Stats()
	}
	if in.exporter != nil {
		stats["export"] = in.exporter.Stats()
	}
	return stats
}

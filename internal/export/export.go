// Package export mirrors normalized WAF events to a size-rotated JSONL
// file so an external SIEM can pick them up without touching the store.
package export

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/store"
)

// Writer appends one JSON line per event to a rotated file.
type Writer struct {
	mu  sync.Mutex
	out *lumberjack.Logger

	written atomic.Int64
	errors  atomic.Int64
}

// New creates a writer. The file is created lazily on first write.
func New(cfg config.ExportConfig) *Writer {
	return &Writer{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

// Write appends one event. Failures are counted, never propagated; the
// export stream is best-effort.
func (w *Writer) Write(ev *store.WAFEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		w.errors.Add(1)
		return
	}
	b = append(b, '\n')

	w.mu.Lock()
	_, err = w.out.Write(b)
	w.mu.Unlock()
	if err != nil {
		w.errors.Add(1)
		return
	}
	w.written.Add(1)
}

func (w *Writer) Close() error {
	return w.out.Close()
}

// Stats returns writer counters.
func (w *Writer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"written": w.written.Load(),
		"errors":  w.errors.Load(),
	}
}

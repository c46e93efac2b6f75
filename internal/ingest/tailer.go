package ingest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/warden/internal/logging"
)

const tailPollInterval = 500 * time.Millisecond

// Tailer follows a log file the way tail -F does: it survives rotation and
// truncation, reopening the path whenever the inode changes. Writes are
// picked up via fsnotify with a poll ticker as fallback for filesystems
// that drop events.
type Tailer struct {
	path    string
	backoff time.Duration

	lines chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reopens  atomic.Int64
	restarts atomic.Int64
}

// NewTailer prepares a tailer for path. restartBackoff is the wait between
// attempts when the file cannot be opened or read.
func NewTailer(path string, restartBackoff time.Duration) *Tailer {
	if restartBackoff <= 0 {
		restartBackoff = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tailer{
		path:    path,
		backoff: restartBackoff,
		lines:   make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Lines yields complete lines without their trailing newline. The channel
// is closed when the tailer stops.
func (t *Tailer) Lines() <-chan []byte {
	return t.lines
}

// Start begins following the file. Only lines written after the first open
// are emitted; on reopen after rotation reading starts at offset zero.
func (t *Tailer) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop terminates the tailer. Lines already read but not yet consumed
// remain in the channel.
func (t *Tailer) Stop() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tailer) run() {
	defer t.wg.Done()
	defer close(t.lines)

	seekEnd := true
	for {
		err := t.follow(seekEnd)
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			t.restarts.Add(1)
			logging.Warn("audit log tail interrupted",
				zap.String("path", t.path),
				zap.Duration("retry_in", t.backoff),
				zap.Error(err))
			select {
			case <-time.After(t.backoff):
			case <-t.ctx.Done():
				return
			}
			continue
		}
		// Clean return means rotation; reopen right away.
		t.reopens.Add(1)
		seekEnd = false
	}
}

// follow reads the file until rotation (nil) or a hard error. A partial
// line at rotation time is discarded with the old file.
func (t *Tailer) follow(seekEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if seekEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return err
		}
	}

	// A nil events channel leaves the poll ticker as the only wakeup.
	var events chan fsnotify.Event
	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.path)); err == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	base := filepath.Base(t.path)
	reader := bufio.NewReader(f)
	var pending []byte

	for {
		for {
			chunk, rerr := reader.ReadBytes('\n')
			pending = append(pending, chunk...)
			if rerr == nil {
				if !t.emit(pending) {
					return nil
				}
				pending = pending[:0]
				continue
			}
			if rerr == io.EOF {
				break
			}
			return rerr
		}

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
		case <-ticker.C:
		case <-t.ctx.Done():
			return nil
		}

		rotated, err := t.rotated(f)
		if err != nil {
			return err
		}
		if rotated {
			return nil
		}
	}
}

// rotated reports whether the open handle no longer backs the path:
// either the file shrank under the read offset or the path now points at
// a different inode. A missing path counts as rotated so the reopen loop
// waits for the replacement.
func (t *Tailer) rotated(f *os.File) (bool, error) {
	cur, err := f.Stat()
	if err != nil {
		return false, err
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, err
	}
	if cur.Size() < pos {
		return true, nil
	}
	disk, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	if !os.SameFile(cur, disk) {
		return true, nil
	}
	return false, nil
}

// emit blocks until the consumer takes the line or the tailer stops.
// Backpressure from a slow consumer therefore pauses reading.
func (t *Tailer) emit(line []byte) bool {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return true
	}
	out := append([]byte(nil), line...)
	select {
	case t.lines <- out:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// Stats reports tail health counters.
func (t *Tailer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"reopens":  t.reopens.Load(),
		"restarts": t.restarts.Load(),
	}
}

// Package banqueue serialises provider calls. Each integration gets one
// worker draining a FIFO under a token bucket, so a burst of bans cannot
// exhaust an upstream API and ops for one IP apply in enqueue order.
package banqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
	"github.com/wudi/warden/internal/firewall"
	"github.com/wudi/warden/internal/logging"
	"github.com/wudi/warden/internal/secrets"
	"github.com/wudi/warden/internal/store"
)

// OpKind is the operation direction.
type OpKind string

const (
	OpBan   OpKind = "ban"
	OpUnban OpKind = "unban"
)

// Op is one provider operation. ParentBanID links back to the Ban row whose
// integrations_notified list records the outcome; zero means no bookkeeping
// (reconciler cleanups).
type Op struct {
	ID            string
	Kind          OpKind
	IntegrationID int64
	IP            string
	Reason        string
	Duration      *time.Duration
	Severity      string
	ProviderBanID string
	ParentBanID   int64
	Attempts      int
	EnqueuedAt    time.Time
}

// FailureFunc is called after an op exhausts its retries.
type FailureFunc func(op *Op, integration string, err error)

// Metrics receives timed provider call outcomes. Implemented by the
// metrics collector.
type Metrics interface {
	RecordProviderOp(provider, op string, ok bool, duration time.Duration)
}

type worker struct {
	integration *store.Integration
	provider    firewall.Provider
	ops         chan *Op
	limiter     *rate.Limiter
}

// Queue fans provider ops out to per-integration workers.
type Queue struct {
	cfg      config.QueueConfig
	store    *store.Store
	registry *firewall.Registry
	box      *secrets.Box

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[int64]*worker
	closed  bool

	onFailure FailureFunc
	metrics   Metrics

	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
	dropped   atomic.Int64
}

// New creates a stopped queue. Workers start lazily on first enqueue per
// integration.
func New(cfg config.QueueConfig, st *store.Store, reg *firewall.Registry, box *secrets.Box) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		store:    st,
		registry: reg,
		box:      box,
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
		workers:  make(map[int64]*worker),
	}
}

// OnFailure registers the handler invoked when an op permanently fails.
func (q *Queue) OnFailure(fn FailureFunc) {
	q.onFailure = fn
}

// SetMetrics attaches the collector. Call before the first enqueue.
func (q *Queue) SetMetrics(m Metrics) {
	q.metrics = m
}

// Enqueue queues an op for one integration. Building the provider can fail
// on bad credentials, which is surfaced immediately rather than retried.
func (q *Queue) Enqueue(in *store.Integration, op *Op) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.Transient(nil, "queue_closed", "ban queue is shutting down")
	}
	w, err := q.workerLocked(in)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	op.ID = uuid.NewString()
	op.IntegrationID = in.ID
	op.EnqueuedAt = time.Now()

	select {
	case w.ops <- op:
		q.enqueued.Add(1)
		logging.Debug("op enqueued",
			zap.String("op", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.String("ip", op.IP),
			zap.String("integration", in.Name))
		return nil
	default:
		q.dropped.Add(1)
		return errors.Transient(nil, "queue_full", "ban queue is full").
			WithDetails(map[string]interface{}{"integration": in.Name})
	}
}

func (q *Queue) workerLocked(in *store.Integration) (*worker, error) {
	if w, ok := q.workers[in.ID]; ok {
		return w, nil
	}

	provider, err := q.registry.Build(in, q.box)
	if err != nil {
		return nil, err
	}

	capacity := q.cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	r := q.cfg.Rate
	if r <= 0 {
		r = 2
	}
	burst := q.cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	w := &worker{
		integration: in,
		provider:    provider,
		ops:         make(chan *Op, capacity),
		limiter:     rate.NewLimiter(rate.Limit(r), burst),
	}
	q.workers[in.ID] = w

	q.wg.Add(1)
	go q.run(w)
	logging.Info("queue worker started",
		zap.String("integration", in.Name),
		zap.String("provider", provider.Name()))
	return w, nil
}

func (q *Queue) run(w *worker) {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case <-q.ctx.Done():
			return
		case op := <-w.ops:
			if err := w.limiter.Wait(q.ctx); err != nil {
				return
			}
			q.process(w, op)
		}
	}
}

func (q *Queue) process(w *worker, op *Op) {
	maxAttempts := q.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.RetryBase
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 2 * time.Second
	}
	bo.MaxInterval = q.cfg.RetryCap
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 5 * time.Minute
	}
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		op.Attempts = attempt
		err := q.apply(w, op)
		if err == nil {
			q.succeeded.Add(1)
			logging.Info("op applied",
				zap.String("op", op.ID),
				zap.String("kind", string(op.Kind)),
				zap.String("ip", op.IP),
				zap.String("integration", w.integration.Name),
				zap.Int("attempts", attempt))
			return
		}
		if q.ctx.Err() != nil {
			return
		}
		if !retryable(err) || attempt >= maxAttempts {
			q.fail(w, op, err)
			return
		}

		q.retries.Add(1)
		wait := bo.NextBackOff()
		logging.Warn("op failed, retrying",
			zap.String("op", op.ID),
			zap.String("ip", op.IP),
			zap.String("integration", w.integration.Name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-q.quit:
			return
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) apply(w *worker, op *Op) error {
	timeout := q.cfg.OpTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(q.ctx, timeout)
	defer cancel()

	switch op.Kind {
	case OpBan:
		start := time.Now()
		res, err := w.provider.Ban(ctx, firewall.BanRequest{
			IP:       op.IP,
			Reason:   op.Reason,
			Duration: op.Duration,
			Severity: op.Severity,
		})
		q.record(w, op, err == nil, time.Since(start))
		if err != nil {
			return err
		}
		if op.ParentBanID == 0 {
			return nil
		}
		return q.store.SetIntegrationNotified(ctx, op.ParentBanID, store.IntegrationNotified{
			IntegrationID: w.integration.ID,
			ProviderBanID: res.ProviderBanID,
			NotifiedAt:    time.Now().UTC(),
		})
	case OpUnban:
		start := time.Now()
		err := w.provider.Unban(ctx, op.IP, op.ProviderBanID)
		q.record(w, op, err == nil, time.Since(start))
		if err != nil {
			return err
		}
		if op.ParentBanID == 0 {
			return nil
		}
		return q.store.ClearIntegrationNotified(ctx, op.ParentBanID, w.integration.ID)
	default:
		return errors.Validation("unknown_op", fmt.Sprintf("unknown op kind %q", op.Kind))
	}
}

func (q *Queue) record(w *worker, op *Op, ok bool, d time.Duration) {
	if q.metrics != nil {
		q.metrics.RecordProviderOp(w.provider.Name(), string(op.Kind), ok, d)
	}
}

func (q *Queue) fail(w *worker, op *Op, err error) {
	q.failed.Add(1)
	logging.Error("op permanently failed",
		zap.String("op", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("ip", op.IP),
		zap.String("integration", w.integration.Name),
		zap.Int("attempts", op.Attempts),
		zap.Error(err))
	if q.onFailure != nil {
		q.onFailure(op, w.integration.Name, err)
	}
}

// retryable reports whether the queue should keep trying. Validation errors
// and refusals never heal on retry.
func retryable(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindRefusal:
		return false
	}
	return true
}

// Stop drains in-flight ops, waiting at most the configured shutdown
// timeout before cancelling hard. Pending ops are dropped; ban state is
// derivable from the store, so the reconciler replays anything lost.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)

	timeout := q.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Warn("queue shutdown timed out, cancelling in-flight ops")
		q.cancel()
		<-done
	}
	q.cancel()
}

// Stats returns queue statistics.
func (q *Queue) Stats() map[string]interface{} {
	q.mu.Lock()
	pending := 0
	workers := len(q.workers)
	for _, w := range q.workers {
		pending += len(w.ops)
	}
	q.mu.Unlock()

	return map[string]interface{}{
		"workers":   workers,
		"pending":   pending,
		"enqueued":  q.enqueued.Load(),
		"succeeded": q.succeeded.Load(),
		"failed":    q.failed.Load(),
		"retries":   q.retries.Load(),
		"dropped":   q.dropped.Load(),
	}
}

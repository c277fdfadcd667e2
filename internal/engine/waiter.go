package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/metrics"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/retry"
)

const (
	msgTimeout = "confirmation timeout"
	msgOrphan  = "submission abandoned: process stopped before the operation was broadcast"
)

// WaiterConfig bounds the confirmation waiter.
type WaiterConfig struct {
	Confirmations  uint64
	Workers        int
	QueueSize      int
	Backoff        retry.Backoff
	MaxWait        time.Duration
	PollsPerSecond float64
	RearmInterval  time.Duration
	RearmAfter     time.Duration
	OrphanAfter    time.Duration
}

func (c *WaiterConfig) applyDefaults() {
	if c.Confirmations == 0 {
		c.Confirmations = 2
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 10 * time.Minute
	}
	if c.PollsPerSecond <= 0 {
		c.PollsPerSecond = 10
	}
	if c.RearmInterval <= 0 {
		c.RearmInterval = time.Minute
	}
	if c.RearmAfter <= 0 {
		c.RearmAfter = 30 * time.Second
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = 10 * time.Minute
	}
}

type finalizeFunc func(ctx context.Context, id, path string)

// Waiter observes submitted operations until they finalize. A fixed pool
// of workers drains a bounded queue; a periodic sweep re-arms PENDING
// records that lost their waiter (restart, full queue).
type Waiter struct {
	store    Store
	ledger   ledger.Client
	cfg      WaiterConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	onFinal  finalizeFunc
	queue    chan string
	now      func() time.Time
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newWaiter(store Store, client ledger.Client, cfg WaiterConfig, log *slog.Logger, m *metrics.Metrics, onFinal finalizeFunc) *Waiter {
	cfg.applyDefaults()
	return &Waiter{
		store:    store,
		ledger:   client,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PollsPerSecond), cfg.Workers),
		onFinal:  onFinal,
		queue:    make(chan string, cfg.QueueSize),
		now:      time.Now,
		inflight: map[string]struct{}{},
	}
}

// Enqueue schedules id for observation without blocking. It returns false
// when the queue is full; the record then waits for the next sweep. An id
// already queued or being observed is accepted without a second entry.
func (w *Waiter) Enqueue(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[id]; ok {
		return true
	}
	select {
	case w.queue <- id:
		w.inflight[id] = struct{}{}
		w.metrics.QueueDepth(len(w.queue))
		return true
	default:
		return false
	}
}

func (w *Waiter) release(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

// Run starts the worker pool and the re-arm sweep and blocks until ctx ends.
func (w *Waiter) Run(ctx context.Context) error {
	if err := w.Sweep(ctx, true); err != nil {
		w.log.Warn("initial re-arm sweep", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			w.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		t := time.NewTicker(w.cfg.RearmInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := w.Sweep(ctx, false); err != nil && ctx.Err() == nil {
					w.log.Warn("re-arm sweep", "err", err)
				}
			}
		}
	})
	return g.Wait()
}

func (w *Waiter) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.queue:
			w.metrics.QueueDepth(len(w.queue))
			if err := w.AwaitFinalization(ctx, id, w.cfg.Confirmations); err != nil && ctx.Err() == nil {
				w.log.Error("await finalization", "record_id", id, "err", err)
			}
			w.release(id)
		}
	}
}

// Sweep re-arms PENDING records that have a handle and fails provisional
// records that never received one. At startup every PENDING record with a
// handle is re-armed, since no waiter survives a restart.
func (w *Waiter) Sweep(ctx context.Context, startup bool) error {
	now := w.now()
	cutoff := now.Add(-w.cfg.RearmAfter)
	if startup {
		cutoff = now
	}
	pending, err := w.store.ListPending(ctx, cutoff, true, 0)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	rearmed := 0
	for _, ev := range pending {
		if w.Enqueue(ev.ID) {
			rearmed++
		}
	}

	orphans, err := w.store.ListPending(ctx, now.Add(-w.cfg.OrphanAfter), false, 0)
	if err != nil {
		return fmt.Errorf("list orphans: %w", err)
	}
	for _, ev := range orphans {
		changed, err := w.store.MarkFailed(ctx, ev.ID, &record.Failure{Cause: record.CauseSubmissionRejected, Message: msgOrphan})
		if err != nil {
			return fmt.Errorf("fail orphan %s: %w", ev.ID, err)
		}
		if changed {
			w.log.Warn("failed provisional record without handle", "record_id", ev.ID, "kind", ev.Kind, "created_at", ev.CreatedAt)
			w.onFinal(ctx, ev.ID, "sweep")
		}
	}
	if rearmed > 0 || len(orphans) > 0 {
		w.log.Info("re-arm sweep", "rearmed", rearmed, "pending", len(pending), "orphans", len(orphans))
	}
	return nil
}

// AwaitFinalization polls the ledger until the record's operation is
// final at the required depth, reverted, or the wait budget is spent.
// The budget runs from the moment the handle was recorded, so it carries
// across restarts. It never resubmits.
func (w *Waiter) AwaitFinalization(ctx context.Context, id string, required uint64) error {
	ev, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status.Terminal() {
		return nil
	}
	if !ev.HasHandle() {
		return fmt.Errorf("record %s has no handle to observe", id)
	}
	if required == 0 {
		required = 1
	}
	log := w.log.With("record_id", id, "handle", ev.TxHandle)
	deadline := ev.UpdatedAt.Add(w.cfg.MaxWait)

	for attempt := 0; ; attempt++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		done, err := w.poll(ctx, log, ev, required)
		if done || err != nil {
			return err
		}

		left := deadline.Sub(w.now())
		if left <= 0 {
			return w.fail(ctx, log, ev, record.CauseConfirmationTimeout, msgTimeout)
		}
		delay := w.cfg.Backoff.Next(attempt)
		if delay > left {
			delay = left
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// poll makes one observation; done means the record reached a verdict.
func (w *Waiter) poll(ctx context.Context, log *slog.Logger, ev *record.Event, required uint64) (bool, error) {
	rcpt, err := w.ledger.Receipt(ctx, ev.TxHandle)
	if errors.Is(err, ledger.ErrReceiptNotFound) {
		return false, nil
	}
	if err != nil {
		return false, w.transient(ctx, log, "receipt", err)
	}

	head, err := w.ledger.HeadNumber(ctx)
	if err != nil {
		return false, w.transient(ctx, log, "head", err)
	}
	if head < rcpt.BlockNumber || head-rcpt.BlockNumber+1 < required {
		log.Debug("awaiting depth", "block", rcpt.BlockNumber, "head", head, "required", required)
		return false, nil
	}

	if !rcpt.Success {
		msg := "execution reverted"
		if rcpt.RevertReason != "" {
			msg += ": " + rcpt.RevertReason
		}
		return true, w.fail(ctx, log, ev, record.CauseExecutionReverted, msg)
	}

	changed, err := w.store.MarkConfirmed(ctx, ev.ID, rcpt.BlockNumber, rcpt.ResourceUsed)
	if err != nil {
		return true, err
	}
	if changed {
		w.onFinal(ctx, ev.ID, "waiter")
	} else {
		log.Debug("record already final", "block", rcpt.BlockNumber)
	}
	return true, nil
}

// transient logs a retryable observation error. It only returns an error
// when ctx is done.
func (w *Waiter) transient(ctx context.Context, log *slog.Logger, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.metrics.Transient(op)
	log.Warn("ledger observation failed; will retry", "op", op, "err", fmt.Errorf("%w: %v", ErrTransientObservation, err))
	return nil
}

func (w *Waiter) fail(ctx context.Context, log *slog.Logger, ev *record.Event, cause record.Cause, msg string) error {
	changed, err := w.store.MarkFailed(ctx, ev.ID, &record.Failure{Cause: cause, Message: msg})
	if err != nil {
		return err
	}
	if changed {
		log.Warn("record failed", "cause", cause, "message", msg)
		w.onFinal(ctx, ev.ID, "waiter")
	}
	return nil
}

// Package engine reconciles ledger submissions with the local record store.
//
// Three paths touch records: the submission pipeline creates them, the
// confirmation waiter and the replay subscriber finalize them. Both
// finalization paths use status-guarded updates, so they may race freely.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/config"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/metrics"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/resolver"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/retry"
)

// ErrTransientObservation marks a ledger read that failed but may succeed
// on retry. It is logged and counted, never stored on a record.
var ErrTransientObservation = errors.New("transient observation error")

// Store is the record persistence the engine depends on.
type Store interface {
	CreatePending(ctx context.Context, e *record.Event) error
	CreateOffChain(ctx context.Context, e *record.Event) error
	InsertReplayed(ctx context.Context, e *record.Event) (bool, error)
	AssignHandle(ctx context.Context, id, handle string) (*record.Event, bool, error)
	MarkConfirmed(ctx context.Context, id string, block, resourceUsed uint64) (bool, error)
	MarkFailed(ctx context.Context, id string, f *record.Failure) (bool, error)
	ConfirmByHandle(ctx context.Context, handle string, kind record.Kind, block, resourceUsed uint64) (bool, error)
	Get(ctx context.Context, id string) (*record.Event, error)
	GetByHandle(ctx context.Context, handle string, kind record.Kind) (*record.Event, error)
	List(ctx context.Context, f record.Filter) ([]*record.Event, error)
	ListPending(ctx context.Context, olderThan time.Time, withHandle bool, limit int) ([]*record.Event, error)
	AdvanceCursor(ctx context.Context, sourceID string, height uint64, hash string) error
	GetCursor(ctx context.Context, sourceID string) (uint64, string, bool, error)
}

// Resolver maps ledger addresses to local identities.
type Resolver interface {
	Resolve(ctx context.Context, address string) (resolver.Identity, bool, error)
	ResolveBatch(ctx context.Context, addresses []string) (map[string]resolver.Identity, error)
}

// Notifier is told about every record that reaches a terminal status.
// Implementations must not block.
type Notifier interface {
	Finalized(ev *record.Event)
}

// Config tunes the engine's components.
type Config struct {
	SubmitTimeout time.Duration
	Waiter        WaiterConfig
	Subscriber    SubscriberConfig
}

// ConfigFrom maps the file configuration onto engine settings.
func ConfigFrom(cfg *config.Config) Config {
	w := cfg.Waiter
	s := cfg.Subscriber
	return Config{
		SubmitTimeout: cfg.Ledger.SubmitTimeout,
		Waiter: WaiterConfig{
			Confirmations:  w.Confirmations,
			Workers:        w.Workers,
			QueueSize:      w.QueueSize,
			Backoff:        retry.Backoff{Initial: w.InitialDelay, Max: w.MaxDelay, Factor: retry.DefaultFactor},
			MaxWait:        w.MaxWait,
			PollsPerSecond: w.PollsPerSecond,
			RearmInterval:  w.RearmInterval,
			RearmAfter:     w.RearmAfter,
			OrphanAfter:    w.OrphanAfter,
		},
		Subscriber: SubscriberConfig{
			Kinds:      s.ParsedKinds(),
			ChunkSize:  s.ChunkSize,
			StartBlock: cfg.Ledger.StartBlock,
			Backoff:    retry.Backoff{Initial: s.ResubscribeDelay, Max: s.MaxResubscribeDelay, Factor: retry.DefaultFactor},
		},
	}
}

// Options carries the engine's collaborators.
type Options struct {
	Ledger   ledger.Client
	Store    Store
	Resolver Resolver
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Config   Config
}

// Engine is the surface the surrounding application uses.
type Engine struct {
	ledger   ledger.Client
	store    Store
	resolver Resolver
	notifier Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config

	waiter     *Waiter
	subscriber *Subscriber
}

// New wires the engine. Ledger and Store are required.
func New(opts Options) (*Engine, error) {
	if opts.Ledger == nil || opts.Store == nil {
		return nil, errors.New("engine requires a ledger client and a store")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Config.SubmitTimeout <= 0 {
		opts.Config.SubmitTimeout = 30 * time.Second
	}
	e := &Engine{
		ledger:   opts.Ledger,
		store:    opts.Store,
		resolver: opts.Resolver,
		notifier: opts.Notifier,
		log:      log,
		metrics:  opts.Metrics,
		cfg:      opts.Config,
	}
	e.waiter = newWaiter(opts.Store, opts.Ledger, opts.Config.Waiter, log.With("component", "waiter"), opts.Metrics, e.finalized)
	e.subscriber = newSubscriber(opts.Store, opts.Ledger, opts.Config.Subscriber, log.With("component", "subscriber"), opts.Metrics, e.finalized)
	return e, nil
}

// Waiter exposes the confirmation waiter.
func (e *Engine) Waiter() *Waiter { return e.waiter }

// Run blocks running the waiter pool and the replay subscriber until ctx
// is cancelled or one of them fails. In-flight waiters are abandoned on
// cancel; their records stay PENDING and are re-armed on the next run.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.waiter.Run(ctx) })
	g.Go(func() error { return e.subscriber.Run(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// GetRecord loads a record by local id.
func (e *Engine) GetRecord(ctx context.Context, id string) (*record.Event, error) {
	return e.store.Get(ctx, id)
}

// ListRecords returns records matching f, newest first.
func (e *Engine) ListRecords(ctx context.Context, f record.Filter) ([]*record.Event, error) {
	return e.store.List(ctx, f)
}

func (e *Engine) Resolve(ctx context.Context, address string) (resolver.Identity, bool, error) {
	if e.resolver == nil {
		return resolver.Identity{}, false, nil
	}
	return e.resolver.Resolve(ctx, address)
}

func (e *Engine) ResolveBatch(ctx context.Context, addresses []string) (map[string]resolver.Identity, error) {
	if e.resolver == nil {
		return map[string]resolver.Identity{}, nil
	}
	return e.resolver.ResolveBatch(ctx, addresses)
}

// Enrich resolves the addresses a record's payload references.
func (e *Engine) Enrich(ctx context.Context, ev *record.Event) (map[string]resolver.Identity, error) {
	return e.ResolveBatch(ctx, ev.Addresses())
}

// finalized reports a terminal transition made by path.
func (e *Engine) finalized(ctx context.Context, id, path string) {
	ev, err := e.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		e.log.Warn("load finalized record", "record_id", id, "err", err)
		return
	}
	var cause string
	if ev.Error != nil {
		cause = string(ev.Error.Cause)
	}
	e.metrics.Finalized(string(ev.Status), cause, path)
	e.log.Info("record finalized", "record_id", ev.ID, "kind", ev.Kind, "status", ev.Status, "cause", cause, "path", path, "handle", ev.TxHandle)
	if e.notifier != nil {
		e.notifier.Finalized(ev)
	}
}

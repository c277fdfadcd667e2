package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/metrics"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/retry"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/storage"
)

// CursorSource names the durable replay cursor.
const CursorSource = "aid-registry"

// SubscriberConfig tunes the replay subscriber.
type SubscriberConfig struct {
	Kinds      []record.Kind
	ChunkSize  uint64
	StartBlock string
	Backoff    retry.Backoff
}

// Subscriber mirrors ledger events into the record store. Every event is
// applied as an idempotent upsert keyed by (handle, kind), so replays and
// overlapping catch-up ranges are harmless.
type Subscriber struct {
	store   Store
	ledger  ledger.Client
	cfg     SubscriberConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	onFinal finalizeFunc
}

func newSubscriber(store Store, client ledger.Client, cfg SubscriberConfig, log *slog.Logger, m *metrics.Metrics, onFinal finalizeFunc) *Subscriber {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = record.Kinds()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 2000
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 2 * time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = time.Minute
	}
	return &Subscriber{
		store:   store,
		ledger:  client,
		cfg:     cfg,
		log:     log,
		metrics: m,
		onFinal: onFinal,
	}
}

// OnLogEvent applies one ledger event. Removed and undecodable events are
// logged and skipped; the returned error is only for store failures.
func (s *Subscriber) OnLogEvent(ctx context.Context, ev ledger.LogEvent) error {
	log := s.log.With("handle", ev.Handle, "kind", ev.Kind, "block", ev.BlockNumber)
	if ev.Removed {
		log.Warn("skipping removed log")
		return nil
	}
	if ev.DecodeErr != nil || ev.Payload == nil || ev.Handle == "" {
		s.metrics.Malformed()
		log.Warn("skipping malformed event", "err", ev.DecodeErr)
		return nil
	}

	gas := s.resourceUsed(ctx, log, ev.Handle)

	// A submission can claim the key between the confirm and the insert;
	// the second pass confirms the now-PENDING record.
	for pass := 0; pass < 2; pass++ {
		changed, err := s.store.ConfirmByHandle(ctx, ev.Handle, ev.Kind, ev.BlockNumber, gas)
		if err != nil {
			return err
		}
		if changed {
			existing, err := s.store.GetByHandle(ctx, ev.Handle, ev.Kind)
			if err != nil {
				return err
			}
			s.onFinal(ctx, existing.ID, "replay")
			return nil
		}

		existing, err := s.store.GetByHandle(ctx, ev.Handle, ev.Kind)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			inserted, err := s.insert(ctx, log, ev, gas)
			if err != nil || inserted {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if existing.Status == record.StatusPending {
			continue
		}
		if existing.Status == record.StatusFailed && existing.Error.Unconfirmed() {
			s.metrics.LateConfirmation()
			log.Warn("ledger confirmed an operation locally marked unconfirmed", "record_id", existing.ID)
		}
		return nil
	}
	log.Warn("record for replayed event still pending; leaving it to the waiter")
	return nil
}

func (s *Subscriber) insert(ctx context.Context, log *slog.Logger, ev ledger.LogEvent, gas uint64) (bool, error) {
	rec := &record.Event{
		TxHandle:         ev.Handle,
		Kind:             ev.Kind,
		Payload:          ev.Payload,
		ConfirmedAtBlock: ev.BlockNumber,
		ResourceUsed:     gas,
	}
	inserted, err := s.store.InsertReplayed(ctx, rec)
	if err != nil {
		return false, err
	}
	if inserted {
		s.metrics.Replayed()
		log.Info("recorded replayed event", "record_id", rec.ID)
		s.onFinal(ctx, rec.ID, "replay")
	}
	return inserted, nil
}

// resourceUsed fetches the receipt for gas accounting. Failures are
// transient and leave the value at zero.
func (s *Subscriber) resourceUsed(ctx context.Context, log *slog.Logger, handle string) uint64 {
	rcpt, err := s.ledger.Receipt(ctx, handle)
	if err != nil {
		if !errors.Is(err, ledger.ErrReceiptNotFound) {
			s.metrics.Transient("receipt")
			log.Debug("receipt lookup for replayed event", "err", err)
		}
		return 0
	}
	return rcpt.ResourceUsed
}

// CatchUp applies every event from block from through the current head in
// chunks, advancing the cursor after each chunk. It returns the next block
// to process.
func (s *Subscriber) CatchUp(ctx context.Context, from uint64) (uint64, error) {
	head, err := s.ledger.HeadNumber(ctx)
	if err != nil {
		return from, fmt.Errorf("%w: head: %v", ErrTransientObservation, err)
	}
	for from <= head {
		to := from + s.cfg.ChunkSize - 1
		if to > head {
			to = head
		}
		events, err := s.ledger.FilterLogs(ctx, s.cfg.Kinds, from, to)
		if err != nil {
			return from, fmt.Errorf("%w: filter %d-%d: %v", ErrTransientObservation, from, to, err)
		}
		for _, ev := range events {
			if err := s.OnLogEvent(ctx, ev); err != nil {
				return from, err
			}
		}
		if err := s.advance(ctx, to); err != nil {
			return from, err
		}
		s.log.Debug("caught up range", "from", from, "to", to, "events", len(events))
		from = to + 1
	}
	return from, nil
}

func (s *Subscriber) advance(ctx context.Context, height uint64) error {
	if err := s.store.AdvanceCursor(ctx, CursorSource, height, ""); err != nil {
		return err
	}
	s.metrics.CursorHeight(height)
	return nil
}

// Run subscribes, catches up from the durable cursor, then applies live
// events. On stream failure it waits with backoff, catches up from the
// cursor again and resubscribes, until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		received, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			attempt = 0
		}
		s.metrics.Resubscribed()
		delay := s.cfg.Backoff.Next(attempt)
		attempt++
		s.log.Warn("event stream interrupted; resubscribing", "err", err, "delay", delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one subscribe, catch-up, stream cycle. received reports
// whether any live event arrived.
func (s *Subscriber) session(ctx context.Context) (received bool, err error) {
	from, err := s.resumeFrom(ctx)
	if err != nil {
		return false, err
	}

	// Subscribe before catching up so nothing lands between the two.
	sub, err := s.ledger.Subscribe(ctx, s.cfg.Kinds)
	if err != nil {
		return false, fmt.Errorf("%w: subscribe: %v", ErrTransientObservation, err)
	}
	defer sub.Unsubscribe()

	if _, err := s.CatchUp(ctx, from); err != nil {
		return false, err
	}
	s.log.Info("streaming ledger events", "from", from)

	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case err := <-sub.Err():
			return received, fmt.Errorf("%w: stream: %v", ErrTransientObservation, err)
		case ev, ok := <-sub.Events():
			if !ok {
				return received, fmt.Errorf("%w: stream closed", ErrTransientObservation)
			}
			received = true
			if err := s.OnLogEvent(ctx, ev); err != nil {
				return received, err
			}
			if !ev.Removed {
				if err := s.advance(ctx, ev.BlockNumber); err != nil {
					return received, err
				}
			}
		}
	}
}

// resumeFrom returns the first block to scan. The cursor's own block is
// scanned again since a stream may have stopped part way through it.
func (s *Subscriber) resumeFrom(ctx context.Context) (uint64, error) {
	height, _, ok, err := s.store.GetCursor(ctx, CursorSource)
	if err != nil {
		return 0, err
	}
	if ok {
		return height, nil
	}
	head, err := s.ledger.HeadNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: head: %v", ErrTransientObservation, err)
	}
	return resolveStartHeight(s.cfg.StartBlock, head)
}

func resolveStartHeight(start string, head uint64) (uint64, error) {
	if start == "" || start == "0" {
		return 0, nil
	}
	if start == "latest" {
		return head, nil
	}
	if strings.HasPrefix(start, "latest-") {
		n, err := strconv.ParseUint(strings.TrimPrefix(start, "latest-"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > head {
			return 0, nil
		}
		return head - n, nil
	}
	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}

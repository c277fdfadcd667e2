// Package notify routes finalized records to sinks according to the
// configured notify rules.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/config"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/metrics"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/sink"
)

const defaultQueueSize = 128

// DedupeStore remembers which notifications have already gone out.
type DedupeStore interface {
	IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error)
	MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error
}

type rule struct {
	id    string
	preds []Predicate
	sinks []string
	ttl   time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	Store     DedupeStore
	Rules     []config.NotifyRule
	Sinks     map[string]sink.Sender
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	QueueSize int
	DryRun    bool
}

// Dispatcher evaluates notify rules against finalized records.
type Dispatcher struct {
	store   DedupeStore
	rules   []rule
	sinks   map[string]sink.Sender
	log     *slog.Logger
	metrics *metrics.Metrics
	queue   chan *record.Event
	dryRun  bool
	nowFunc func() time.Time
}

// NewDispatcher compiles the rule predicates and returns a ready Dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dedupe store required")
	}
	rules := make([]rule, 0, len(opts.Rules))
	for _, r := range opts.Rules {
		preds, err := CompilePredicates(r.Where)
		if err != nil {
			return nil, fmt.Errorf("notify %s predicates: %w", r.ID, err)
		}
		for _, id := range r.Sinks {
			if opts.Sinks[id] == nil {
				return nil, fmt.Errorf("notify %s: unknown sink %s", r.ID, id)
			}
		}
		ttl := r.DedupeTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		rules = append(rules, rule{id: r.ID, preds: preds, sinks: r.Sinks, ttl: ttl})
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:   opts.Store,
		rules:   rules,
		sinks:   opts.Sinks,
		log:     log.With("component", "notify"),
		metrics: opts.Metrics,
		queue:   make(chan *record.Event, size),
		dryRun:  opts.DryRun,
		nowFunc: time.Now,
	}, nil
}

// Finalized queues ev for dispatch without blocking. A full queue drops it.
func (d *Dispatcher) Finalized(ev *record.Event) {
	if ev == nil || len(d.rules) == 0 {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.metrics.NotificationDropped()
		d.log.Warn("notification queue full, dropping", "record", ev.ID, "status", ev.Status)
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.queue:
			if err := d.Handle(ctx, ev); err != nil {
				d.log.Error("dispatch notification", "record", ev.ID, "err", err)
			}
		}
	}
}

// Handle evaluates every rule against ev and sends to the matching sinks.
func (d *Dispatcher) Handle(ctx context.Context, ev *record.Event) error {
	fields, err := Fields(ev)
	if err != nil {
		return err
	}
	var errs []string
	for _, r := range d.rules {
		pass, err := allPredicates(r.preds, fields)
		if err != nil || !pass {
			continue
		}
		key := dedupeKey(r.id, ev)
		now := d.nowFunc()
		dup, err := d.store.IsDuplicate(ctx, key, now)
		if err != nil {
			return err
		}
		if dup {
			continue
		}
		if err := d.store.MarkDedupe(ctx, key, now.Add(r.ttl)); err != nil {
			return err
		}
		if d.dryRun {
			d.log.Info("dry-run notification", "rule", r.id, "record", ev.ID, "status", ev.Status)
			continue
		}
		payload := sink.PayloadFor(r.id, ev)
		for _, id := range r.sinks {
			if err := d.sinks[id].Send(ctx, payload); err != nil {
				d.metrics.NotificationDropped()
				errs = append(errs, fmt.Sprintf("%s/%s: %v", r.id, id, err))
				continue
			}
			d.metrics.NotificationSent()
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("send: %s", strings.Join(errs, "; "))
	}
	return nil
}

func allPredicates(preds []Predicate, fields map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(fields)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func dedupeKey(ruleID string, ev *record.Event) string {
	return fmt.Sprintf("notify:%s:%s:%s", ruleID, ev.ID, ev.Status)
}

// Fields flattens a record into the map rule predicates are evaluated
// against. Payload fields are merged in under their JSON names; integers
// stay exact.
func Fields(ev *record.Event) (map[string]any, error) {
	fields := make(map[string]any)
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("flatten payload: %w", err)
		}
	}
	fields["id"] = ev.ID
	fields["kind"] = string(ev.Kind)
	fields["status"] = string(ev.Status)
	fields["origin"] = string(ev.Origin)
	if ev.TxHandle != "" {
		fields["handle"] = ev.TxHandle
	}
	if ev.InitiatedBy != "" {
		fields["initiator"] = ev.InitiatedBy
	}
	if ev.Status == record.StatusConfirmed {
		fields["block"] = ev.ConfirmedAtBlock
		fields["resource_used"] = ev.ResourceUsed
	}
	if ev.Error != nil {
		fields["cause"] = string(ev.Error.Cause)
		fields["message"] = ev.Error.Message
		fields["unconfirmed"] = ev.Error.Unconfirmed()
	}
	return fields, nil
}

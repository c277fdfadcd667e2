package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

// SubmitResult is the optimistic answer to a submission. Handle is empty
// when the ledger rejected the operation before issuing one.
type SubmitResult struct {
	RecordID string `json:"recordId"`
	Handle   string `json:"handle,omitempty"`
}

// Submit validates payload, persists a provisional record, hands the
// operation to the ledger and returns without waiting for finality.
// Exactly one record is created per call that passes validation.
func (e *Engine) Submit(ctx context.Context, kind record.Kind, payload record.Payload, initiator string) (SubmitResult, error) {
	if err := record.ValidatePayload(kind, payload); err != nil {
		e.metrics.Submission("invalid")
		return SubmitResult{}, err
	}

	ev := &record.Event{
		Kind:        kind,
		Payload:     payload,
		InitiatedBy: initiator,
		Origin:      record.OriginSubmitted,
	}
	if err := e.store.CreatePending(ctx, ev); err != nil {
		return SubmitResult{}, fmt.Errorf("create pending record: %w", err)
	}
	res := SubmitResult{RecordID: ev.ID}
	log := e.log.With("record_id", ev.ID, "kind", kind)

	// The record is durable now; finish bookkeeping even if the caller left.
	persistCtx := context.WithoutCancel(ctx)

	var (
		stored *record.Event
		merged bool
	)
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	handle, err := e.ledger.Submit(callCtx, payload, func(handle string) error {
		var aerr error
		stored, merged, aerr = e.store.AssignHandle(persistCtx, ev.ID, handle)
		return aerr
	})
	cancel()

	if handle == "" {
		if err == nil {
			err = errors.New("ledger returned no handle")
		}
		e.metrics.Submission("rejected")
		log.Warn("ledger rejected submission", "err", err)
		failure := &record.Failure{Cause: record.CauseSubmissionRejected, Message: err.Error()}
		if _, ferr := e.store.MarkFailed(persistCtx, ev.ID, failure); ferr != nil {
			log.Error("record submission failure", "err", ferr)
			return res, fmt.Errorf("%w: %v (record left pending: %v)", record.ErrSubmissionRejected, err, ferr)
		}
		e.finalized(persistCtx, ev.ID, "submit")
		return res, fmt.Errorf("%w: %v", record.ErrSubmissionRejected, err)
	}

	res.Handle = handle
	if stored == nil {
		return res, fmt.Errorf("ledger returned handle %s without recording it", handle)
	}
	if err != nil {
		// Signed and recorded, so the operation may still land; the waiter
		// settles it by receipt or by exhausting its budget.
		e.metrics.Submission("unknown")
		log.Warn("broadcast outcome unknown; leaving record pending", "handle", handle, "err", err)
	} else {
		e.metrics.Submission("accepted")
		log.Info("submitted", "handle", handle)
	}

	if merged {
		e.metrics.Merged()
		log.Info("folded replayed record into submission", "handle", handle, "status", stored.Status)
	}
	if stored.Status.Terminal() {
		e.finalized(persistCtx, ev.ID, "replay")
		return res, nil
	}
	if !e.waiter.Enqueue(ev.ID) {
		log.Warn("waiter queue full; record left for re-arm sweep", "handle", handle)
	}
	return res, nil
}

// RecordOffChain stores a local-only transition. It never touches the
// ledger and the record carries no handle.
func (e *Engine) RecordOffChain(ctx context.Context, kind record.Kind, payload record.Payload, initiator string) (*record.Event, error) {
	if err := record.ValidatePayload(kind, payload); err != nil {
		return nil, err
	}
	ev := &record.Event{
		Kind:        kind,
		Payload:     payload,
		InitiatedBy: initiator,
	}
	if err := e.store.CreateOffChain(ctx, ev); err != nil {
		return nil, fmt.Errorf("create off-chain record: %w", err)
	}
	e.log.Info("recorded off-chain transition", "record_id", ev.ID, "kind", kind)
	return ev, nil
}

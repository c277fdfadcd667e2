package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

func TestOnLogEventUnknownHandleInsertsConfirmed(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	te.ledger.setReceipt("0x111", &ledger.Receipt{Success: true, BlockNumber: 40, ResourceUsed: 61000})

	if err := te.subscriber.OnLogEvent(ctx, addedLog("0x111", 40)); err != nil {
		t.Fatalf("on log: %v", err)
	}
	ev, err := te.store.GetByHandle(ctx, "0x111", record.KindRecordAdded)
	if err != nil {
		t.Fatalf("get by handle: %v", err)
	}
	if ev.Status != record.StatusConfirmed || ev.Origin != record.OriginReplayed {
		t.Fatalf("unexpected record %+v", ev)
	}
	if ev.InitiatedBy != "" {
		t.Fatalf("replay-discovered records have no initiator, got %q", ev.InitiatedBy)
	}
	if ev.ConfirmedAtBlock != 40 || ev.ResourceUsed != 61000 {
		t.Fatalf("unexpected finalization fields %+v", ev)
	}
	if p := ev.Payload.(*record.RecordAdded); p.Recipient != "R1" {
		t.Fatalf("payload not decoded from log: %+v", p)
	}
}

func TestOnLogEventReplayIsIdempotent(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := te.subscriber.OnLogEvent(ctx, addedLog("0x222", 8)); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	all, _ := te.ListRecords(ctx, record.Filter{TxHandle: "0x222"})
	if len(all) != 1 {
		t.Fatalf("expected one record for the key, got %d", len(all))
	}
	if te.notifier.count() != 1 {
		t.Fatalf("expected a single finalization, got %d", te.notifier.count())
	}

	// Same handle, different kind is a separate key.
	other := addedLog("0x222", 8)
	other.Kind = record.KindTaskCompleted
	other.Payload = &record.TaskCompleted{}
	if err := te.subscriber.OnLogEvent(ctx, other); err != nil {
		t.Fatalf("other kind: %v", err)
	}
	if all, _ := te.ListRecords(ctx, record.Filter{TxHandle: "0x222"}); len(all) != 2 {
		t.Fatalf("expected two records across kinds, got %d", len(all))
	}
}

func TestOnLogEventConfirmsPending(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	ev := submitted(t, te, "0x333")

	if err := te.subscriber.OnLogEvent(ctx, addedLog("0x333", 15)); err != nil {
		t.Fatalf("on log: %v", err)
	}
	got, _ := te.GetRecord(ctx, ev.ID)
	if got.Status != record.StatusConfirmed || got.ConfirmedAtBlock != 15 || got.InitiatedBy != "user-1" {
		t.Fatalf("expected submitted record confirmed in place, got %+v", got)
	}
}

func TestOnLogEventAfterTimeoutKeepsFailed(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	ev := submitted(t, te, "0x444")
	if _, err := te.store.MarkFailed(ctx, ev.ID, &record.Failure{Cause: record.CauseConfirmationTimeout, Message: msgTimeout}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := te.subscriber.OnLogEvent(ctx, addedLog("0x444", 30)); err != nil {
		t.Fatalf("on log: %v", err)
	}
	got, _ := te.GetRecord(ctx, ev.ID)
	if got.Status != record.StatusFailed || got.Error.Cause != record.CauseConfirmationTimeout {
		t.Fatalf("terminal status must not change, got %+v", got)
	}
	if all, _ := te.ListRecords(ctx, record.Filter{TxHandle: "0x444"}); len(all) != 1 {
		t.Fatalf("no second record may be created, got %d", len(all))
	}
}

func TestOnLogEventSkipsRemovedAndMalformed(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	removed := addedLog("0x555", 3)
	removed.Removed = true
	malformed := ledger.LogEvent{Handle: "0x666", Kind: record.KindRecordAdded, BlockNumber: 3, DecodeErr: fmt.Errorf("%w: bad data", ledger.ErrMalformedEvent)}
	good := addedLog("0x777", 3)

	for _, ev := range []ledger.LogEvent{removed, malformed, good} {
		if err := te.subscriber.OnLogEvent(ctx, ev); err != nil {
			t.Fatalf("on log %s: %v", ev.Handle, err)
		}
	}
	all, _ := te.ListRecords(ctx, record.Filter{})
	if len(all) != 1 || all[0].TxHandle != "0x777" {
		t.Fatalf("only the well-formed event should be stored, got %+v", all)
	}
}

func TestCatchUpChunksAndAdvancesCursor(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Subscriber.ChunkSize = 1000 })
	ctx := context.Background()
	te.ledger.setHead(2500)
	for i, block := range []uint64{5, 999, 1000, 2400} {
		te.ledger.addLog(addedLog(fmt.Sprintf("0x%03d", i), block))
	}
	te.ledger.addLog(addedLog("0xlate", 2600))

	next, err := te.subscriber.CatchUp(ctx, 0)
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if next != 2501 {
		t.Fatalf("expected next block 2501, got %d", next)
	}
	height, _, ok, err := te.store.GetCursor(ctx, CursorSource)
	if err != nil || !ok || height != 2500 {
		t.Fatalf("expected cursor at 2500, got %d ok=%v err=%v", height, ok, err)
	}
	if all, _ := te.ListRecords(ctx, record.Filter{}); len(all) != 4 {
		t.Fatalf("expected four replayed records, got %d", len(all))
	}

	// A second pass over the same range changes nothing.
	if _, err := te.subscriber.CatchUp(ctx, 0); err != nil {
		t.Fatalf("catch up again: %v", err)
	}
	if all, _ := te.ListRecords(ctx, record.Filter{}); len(all) != 4 {
		t.Fatalf("catch-up must be idempotent, got %d", len(all))
	}
}

func TestRunResubscribesAfterStreamError(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	te.ledger.setHead(10)

	done := make(chan error, 1)
	go func() { done <- te.subscriber.Run(ctx) }()

	first := waitForSubscriptions(t, te.ledger, 1)[0]
	first.events <- addedLog("0x888", 11)
	te.ledger.setHead(12)

	// Land an event while the stream is down; catch-up must find it.
	te.ledger.addLog(addedLog("0x999", 12))
	waitForRecord(t, te, "0x888")
	first.errs <- errors.New("websocket: close 1006")

	waitForSubscriptions(t, te.ledger, 2)
	waitForRecord(t, te, "0x999")

	height, _, _, _ := te.store.GetCursor(context.Background(), CursorSource)
	if height < 12 {
		t.Fatalf("cursor should cover the caught-up block, got %d", height)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not stop")
	}
	select {
	case <-first.closed:
	default:
		t.Fatalf("failed subscription should be released")
	}
}

func TestResolveStartHeight(t *testing.T) {
	tests := []struct {
		start string
		head  uint64
		want  uint64
	}{
		{"", 100, 0},
		{"0", 100, 0},
		{"42", 100, 42},
		{"latest", 100, 100},
		{"latest-10", 100, 90},
		{"latest-200", 100, 0},
	}
	for _, tt := range tests {
		got, err := resolveStartHeight(tt.start, tt.head)
		if err != nil {
			t.Fatalf("%q: %v", tt.start, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %d, got %d", tt.start, tt.want, got)
		}
	}
	if _, err := resolveStartHeight("soon", 1); err == nil {
		t.Fatalf("expected parse error")
	}
}

func waitForSubscriptions(t *testing.T, fl *fakeLedger, n int) []*fakeSub {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if subs := fl.subscriptions(); len(subs) >= n {
			return subs
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscriptions", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitForRecord(t *testing.T, te *testEngine, handle string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := te.store.GetByHandle(context.Background(), handle, record.KindRecordAdded); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no record for %s", handle)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// claimingStore lets a submission claim a handle right after the first
// status-guarded confirm finds nothing to confirm.
type claimingStore struct {
	Store
	claim func()
}

func (c *claimingStore) ConfirmByHandle(ctx context.Context, handle string, kind record.Kind, block, gas uint64) (bool, error) {
	changed, err := c.Store.ConfirmByHandle(ctx, handle, kind, block, gas)
	if !changed && err == nil && c.claim != nil {
		claim := c.claim
		c.claim = nil
		claim()
	}
	return changed, err
}

func TestOnLogEventConfirmsHandleClaimedMidReplay(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	pending := &record.Event{Kind: record.KindRecordAdded, Payload: foodAid(), InitiatedBy: "user-1"}
	if err := te.store.CreatePending(ctx, pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	const handle = "0x0abc"
	cs := &claimingStore{Store: te.store, claim: func() {
		if _, _, err := te.store.AssignHandle(ctx, pending.ID, handle); err != nil {
			t.Errorf("assign handle: %v", err)
		}
	}}

	var finalized []string
	sub := newSubscriber(cs, te.ledger, testConfig().Subscriber, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, func(_ context.Context, id, _ string) {
		finalized = append(finalized, id)
	})
	if err := sub.OnLogEvent(ctx, addedLog(handle, 9)); err != nil {
		t.Fatalf("on log: %v", err)
	}

	all, _ := te.ListRecords(ctx, record.Filter{})
	if len(all) != 1 {
		t.Fatalf("expected one record, got %d", len(all))
	}
	got := all[0]
	if got.ID != pending.ID || got.Status != record.StatusConfirmed || got.ConfirmedAtBlock != 9 {
		t.Fatalf("expected the claimed record confirmed by replay, got %+v", got)
	}
	if len(finalized) != 1 || finalized[0] != pending.ID {
		t.Fatalf("expected one replay finalization for %s, got %v", pending.ID, finalized)
	}
}

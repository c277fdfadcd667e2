package storage

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func foodAid() *record.RecordAdded {
	return &record.RecordAdded{Recipient: "R1", Description: "Food", Amount: big.NewInt(500)}
}

func createPending(t *testing.T, store *Store) *record.Event {
	t.Helper()
	ev := &record.Event{Kind: record.KindRecordAdded, Payload: foodAid(), InitiatedBy: "user-1"}
	if err := store.CreatePending(context.Background(), ev); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	return ev
}

func TestCursorUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCursor(ctx, "src1", 10, "hashA"); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	h, hash, ok, err := store.GetCursor(ctx, "src1")
	if err != nil || !ok {
		t.Fatalf("get cursor failed err=%v ok=%v", err, ok)
	}
	if h != 10 || hash != "hashA" {
		t.Fatalf("unexpected cursor: %d %s", h, hash)
	}

	if err := store.UpsertCursor(ctx, "src1", 4, "hashB"); err != nil {
		t.Fatalf("upsert cursor rewind: %v", err)
	}
	h, hash, ok, err = store.GetCursor(ctx, "src1")
	if err != nil || !ok || h != 4 || hash != "hashB" {
		t.Fatalf("cursor not rewound: %d %s err=%v ok=%v", h, hash, err, ok)
	}
}

func TestAdvanceCursorIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AdvanceCursor(ctx, "src1", 50, "a"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.AdvanceCursor(ctx, "src1", 40, "b"); err != nil {
		t.Fatalf("advance lower: %v", err)
	}
	h, hash, _, _ := store.GetCursor(ctx, "src1")
	if h != 50 || hash != "a" {
		t.Fatalf("cursor moved backwards: %d %s", h, hash)
	}
}

func TestDedupeTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.MarkDedupe(ctx, "k1", now.Add(1*time.Second)); err != nil {
		t.Fatalf("mark dedupe: %v", err)
	}
	dup, err := store.IsDuplicate(ctx, "k1", now)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Fatalf("expected duplicate before expiry")
	}

	later := now.Add(2 * time.Second)
	dup, err = store.IsDuplicate(ctx, "k1", later)
	if err != nil {
		t.Fatalf("is duplicate later: %v", err)
	}
	if dup {
		t.Fatalf("expected non-duplicate after expiry")
	}
}

func TestPendingLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ev := createPending(t, store)

	got, err := store.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != record.StatusPending || got.HasHandle() {
		t.Fatalf("unexpected provisional record: %+v", got)
	}
	if got.Payload.(*record.RecordAdded).Amount.Int64() != 500 {
		t.Fatalf("payload not round-tripped: %+v", got.Payload)
	}

	if _, _, err := store.AssignHandle(ctx, ev.ID, "0xaaa"); err != nil {
		t.Fatalf("assign handle: %v", err)
	}
	if _, _, err := store.AssignHandle(ctx, ev.ID, "0xbbb"); !errors.Is(err, ErrHandleAssigned) {
		t.Fatalf("expected second assignment to fail, got %v", err)
	}

	changed, err := store.MarkConfirmed(ctx, ev.ID, 120, 21000)
	if err != nil || !changed {
		t.Fatalf("mark confirmed changed=%v err=%v", changed, err)
	}

	changed, err = store.MarkFailed(ctx, ev.ID, &record.Failure{Cause: record.CauseConfirmationTimeout, Message: "confirmation timeout"})
	if err != nil {
		t.Fatalf("mark failed on terminal: %v", err)
	}
	if changed {
		t.Fatalf("terminal record must not change")
	}
	changed, _ = store.MarkConfirmed(ctx, ev.ID, 999, 1)
	if changed {
		t.Fatalf("terminal record must not be reconfirmed")
	}

	got, _ = store.Get(ctx, ev.ID)
	if got.Status != record.StatusConfirmed || got.ConfirmedAtBlock != 120 || got.ResourceUsed != 21000 || got.Error != nil {
		t.Fatalf("finalization fields modified: %+v", got)
	}
}

func TestMarkUnknownRecord(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.MarkConfirmed(context.Background(), "missing", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertReplayedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &record.Event{TxHandle: "0xfeed", Kind: record.KindRecordAdded, Payload: foodAid(), ConfirmedAtBlock: 7}
		inserted, err := store.InsertReplayed(ctx, ev)
		if err != nil {
			t.Fatalf("insert replayed: %v", err)
		}
		if inserted != (i == 0) {
			t.Fatalf("attempt %d inserted=%v", i, inserted)
		}
	}

	events, err := store.List(ctx, record.Filter{TxHandle: "0xfeed"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Status != record.StatusConfirmed || events[0].InitiatedBy != "" {
		t.Fatalf("expected one confirmed replayed record, got %+v", events)
	}
}

func TestSameHandleDifferentKindsCoexist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &record.Event{TxHandle: "0x1", Kind: record.KindTaskAssigned, Payload: &record.TaskAssigned{TaskID: big.NewInt(1)}}
	b := &record.Event{TxHandle: "0x1", Kind: record.KindTaskCompleted, Payload: &record.TaskCompleted{TaskID: big.NewInt(1)}}
	for _, ev := range []*record.Event{a, b} {
		if ok, err := store.InsertReplayed(ctx, ev); err != nil || !ok {
			t.Fatalf("insert %s ok=%v err=%v", ev.Kind, ok, err)
		}
	}
}

func TestAssignHandleFoldsReplayedDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ev := createPending(t, store)

	replayed := &record.Event{TxHandle: "0xrace", Kind: record.KindRecordAdded, Payload: foodAid(), ConfirmedAtBlock: 88, ResourceUsed: 50000}
	if ok, err := store.InsertReplayed(ctx, replayed); err != nil || !ok {
		t.Fatalf("insert replayed ok=%v err=%v", ok, err)
	}

	got, merged, err := store.AssignHandle(ctx, ev.ID, "0xrace")
	if err != nil {
		t.Fatalf("assign handle: %v", err)
	}
	if !merged {
		t.Fatalf("expected replayed record to be folded")
	}
	if got.ID != ev.ID || got.Status != record.StatusConfirmed || got.ConfirmedAtBlock != 88 || got.InitiatedBy != "user-1" {
		t.Fatalf("unexpected folded record: %+v", got)
	}

	events, _ := store.List(ctx, record.Filter{TxHandle: "0xrace"})
	if len(events) != 1 {
		t.Fatalf("expected exactly one record per key, got %d", len(events))
	}
	if _, err := store.Get(ctx, replayed.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replayed duplicate should be gone, got %v", err)
	}
}

func TestConfirmByHandleOnlyTouchesPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ev := createPending(t, store)
	if _, _, err := store.AssignHandle(ctx, ev.ID, "0xabc"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	ok, err := store.ConfirmByHandle(ctx, "0xabc", record.KindRecordAdded, 10, 0)
	if err != nil || !ok {
		t.Fatalf("confirm by handle ok=%v err=%v", ok, err)
	}
	ok, err = store.ConfirmByHandle(ctx, "0xabc", record.KindRecordAdded, 11, 0)
	if err != nil || ok {
		t.Fatalf("second confirm should be a no-op ok=%v err=%v", ok, err)
	}
	got, _ := store.GetByHandle(ctx, "0xabc", record.KindRecordAdded)
	if got.ConfirmedAtBlock != 10 {
		t.Fatalf("confirmed block overwritten: %d", got.ConfirmedAtBlock)
	}
}

func TestListPendingAndCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	store.now = func() time.Time { return base.Add(-time.Hour) }

	withHandle := createPending(t, store)
	if _, _, err := store.AssignHandle(ctx, withHandle.ID, "0x01"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	orphan := createPending(t, store)
	store.now = func() time.Time { return base }
	fresh := createPending(t, store)

	stale, err := store.ListPending(ctx, base.Add(-time.Minute), true, 10)
	if err != nil || len(stale) != 1 || stale[0].ID != withHandle.ID {
		t.Fatalf("unexpected stale submitted records: %v %+v", err, stale)
	}
	orphans, err := store.ListPending(ctx, base.Add(-time.Minute), false, 10)
	if err != nil || len(orphans) != 1 || orphans[0].ID != orphan.ID {
		t.Fatalf("unexpected orphans: %v %+v", err, orphans)
	}

	if _, err := store.MarkFailed(ctx, fresh.ID, &record.Failure{Cause: record.CauseSubmissionRejected, Message: "nonce too low"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[record.StatusPending] != 2 || counts[record.StatusFailed] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if _, err := store.MarkFailed(ctx, withHandle.ID, &record.Failure{Cause: record.CauseConfirmationTimeout, Message: "confirmation timeout"}); err != nil {
		t.Fatalf("mark timeout: %v", err)
	}
	timedOut, err := store.List(ctx, record.Filter{Status: record.StatusFailed, Cause: record.CauseConfirmationTimeout})
	if err != nil || len(timedOut) != 1 || timedOut[0].ID != withHandle.ID || !timedOut[0].Error.Unconfirmed() {
		t.Fatalf("unexpected timed out records: %v %+v", err, timedOut)
	}
}

func TestIdentityLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertIdentity(ctx, Identity{Address: "0xABCDEF0000000000000000000000000000000001", UserID: "u1", Name: "Asha", Role: "fieldworker"}); err != nil {
		t.Fatalf("upsert identity: %v", err)
	}
	id, err := store.IdentityByAddress(ctx, "0xabcdef0000000000000000000000000000000001")
	if err != nil || id == nil || id.UserID != "u1" {
		t.Fatalf("lookup failed: %+v %v", id, err)
	}
	missing, err := store.IdentityByAddress(ctx, "0x0000000000000000000000000000000000000009")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unlinked address: %+v %v", missing, err)
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	store.Close()
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}

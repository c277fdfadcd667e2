package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/retry"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/storage"
)

type fakeLedger struct {
	mu        sync.Mutex
	submitErr error
	submitted []record.Payload
	seq       int
	onSubmit  func(handle string)
	// onBroadcast runs after the handle is recorded, before the send result.
	onBroadcast func(handle string)
	sendErr     error
	receipts    map[string]*ledger.Receipt
	receiptErr  error
	headErr     error
	head        uint64
	logs        []ledger.LogEvent
	subs        []*fakeSub
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{receipts: map[string]*ledger.Receipt{}}
}

func (f *fakeLedger) Submit(_ context.Context, p record.Payload, rec ledger.HandleRecorder) (string, error) {
	f.mu.Lock()
	if f.submitErr != nil {
		err := f.submitErr
		f.mu.Unlock()
		return "", err
	}
	f.seq++
	handle := fmt.Sprintf("0x%064x", f.seq)
	hook, broadcast, sendErr := f.onSubmit, f.onBroadcast, f.sendErr
	f.mu.Unlock()
	if hook != nil {
		hook(handle)
	}
	if err := rec(handle); err != nil {
		return "", err
	}
	if broadcast != nil {
		broadcast(handle)
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, p)
	f.mu.Unlock()
	if sendErr != nil {
		return handle, fmt.Errorf("%w: %v", ledger.ErrBroadcastUnknown, sendErr)
	}
	return handle, nil
}

func (f *fakeLedger) Receipt(_ context.Context, handle string) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	r, ok := f.receipts[handle]
	if !ok {
		return nil, ledger.ErrReceiptNotFound
	}
	cp := *r
	cp.Handle = handle
	return &cp, nil
}

func (f *fakeLedger) HeadNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeLedger) Subscribe(context.Context, []record.Kind) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSub{
		events: make(chan ledger.LogEvent, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeLedger) FilterLogs(_ context.Context, kinds []record.Kind, from, to uint64) ([]ledger.LogEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[record.Kind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	var out []ledger.LogEvent
	for _, ev := range f.logs {
		if ev.BlockNumber >= from && ev.BlockNumber <= to && want[ev.Kind] {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) setReceipt(handle string, r *ledger.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[handle] = r
}

func (f *fakeLedger) setHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

func (f *fakeLedger) setReceiptErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptErr = err
}

func (f *fakeLedger) addLog(ev ledger.LogEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, ev)
}

func (f *fakeLedger) subscriptions() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.subs...)
}

func (f *fakeLedger) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeSub struct {
	events chan ledger.LogEvent
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSub) Events() <-chan ledger.LogEvent { return s.events }
func (s *fakeSub) Err() <-chan error              { return s.errs }
func (s *fakeSub) Unsubscribe()                   { s.once.Do(func() { close(s.closed) }) }

type recordingNotifier struct {
	mu     sync.Mutex
	events []*record.Event
}

func (n *recordingNotifier) Finalized(ev *record.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func testConfig() Config {
	fast := retry.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	return Config{
		SubmitTimeout: time.Second,
		Waiter: WaiterConfig{
			Confirmations:  2,
			Workers:        2,
			QueueSize:      16,
			Backoff:        fast,
			MaxWait:        5 * time.Second,
			PollsPerSecond: 1000,
			RearmInterval:  time.Hour,
			RearmAfter:     time.Hour,
			OrphanAfter:    time.Hour,
		},
		Subscriber: SubscriberConfig{ChunkSize: 2000, Backoff: fast},
	}
}

type testEngine struct {
	*Engine
	store    *storage.Store
	ledger   *fakeLedger
	notifier *recordingNotifier
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEngine {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/db.sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	fl := newFakeLedger()
	n := &recordingNotifier{}
	e, err := New(Options{
		Ledger:   fl,
		Store:    store,
		Notifier: n,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEngine{Engine: e, store: store, ledger: fl, notifier: n}
}

func (te *testEngine) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- te.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitForStatus polls the store until the record reaches want.
func waitForStatus(t *testing.T, te *testEngine, id string, want record.Status) *record.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		ev, err := te.GetRecord(context.Background(), id)
		if err != nil {
			t.Fatalf("get record: %v", err)
		}
		if ev.Status == want {
			return ev
		}
		if time.Now().After(deadline) {
			t.Fatalf("record %s: expected %s, still %s (error %v)", id, want, ev.Status, ev.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func foodAid() *record.RecordAdded {
	amount, _ := new(big.Int).SetString("500000000000000000", 10)
	return &record.RecordAdded{Recipient: "R1", Description: "Food", Amount: amount}
}

func addedLog(handle string, block uint64) ledger.LogEvent {
	return ledger.LogEvent{
		Handle:      handle,
		Kind:        record.KindRecordAdded,
		BlockNumber: block,
		Payload:     foodAid(),
	}
}

package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

type kindEvent struct {
	kind  record.Kind
	event abi.Event
}

// Matcher filters registry logs and decodes them into ledger events.
type Matcher struct {
	address common.Address
	byTopic map[common.Hash]kindEvent
}

// NewMatcher builds a matcher for the registry at address.
func NewMatcher(address common.Address, registry *abi.ABI) *Matcher {
	byTopic := make(map[common.Hash]kindEvent, len(bindings))
	for kind, b := range bindings {
		ev := registry.Events[b.event]
		byTopic[ev.ID] = kindEvent{kind: kind, event: ev}
	}
	return &Matcher{address: address, byTopic: byTopic}
}

// Topics returns the topic0 values for kinds, or for all kinds when empty.
func (m *Matcher) Topics(kinds []record.Kind) []common.Hash {
	want := map[record.Kind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	var topics []common.Hash
	for topic, ke := range m.byTopic {
		if len(want) == 0 || want[ke.kind] {
			topics = append(topics, topic)
		}
	}
	return topics
}

// Match checks the log against the registry; ok is false for unrelated
// logs. A related log that fails to decode is returned with DecodeErr set.
func (m *Matcher) Match(log types.Log) (ledger.LogEvent, bool) {
	if log.Address != m.address || len(log.Topics) == 0 {
		return ledger.LogEvent{}, false
	}
	ke, ok := m.byTopic[log.Topics[0]]
	if !ok {
		return ledger.LogEvent{}, false
	}

	ev := ledger.LogEvent{
		Handle:      log.TxHash.Hex(),
		Kind:        ke.kind,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		LogIndex:    log.Index,
		Removed:     log.Removed,
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(ke.event.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		ev.DecodeErr = fmt.Errorf("%w: parse topics: %v", ledger.ErrMalformedEvent, err)
		return ev, true
	}
	if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
		ev.DecodeErr = fmt.Errorf("%w: unpack data: %v", ledger.ErrMalformedEvent, err)
		return ev, true
	}

	p, err := payloadFromArgs(ke.kind, args)
	if err != nil {
		ev.DecodeErr = fmt.Errorf("%w: %v", ledger.ErrMalformedEvent, err)
		return ev, true
	}
	ev.Payload = p
	return ev, true
}

func payloadFromArgs(kind record.Kind, args map[string]any) (record.Payload, error) {
	f := fields(args)
	switch kind {
	case record.KindRecordAdded:
		return &record.RecordAdded{
			LedgerID:    f.bigInt("recordId"),
			Recipient:   f.str("recipient"),
			Description: f.str("description"),
			Amount:      f.bigInt("amount"),
			AddedBy:     f.addr("addedBy"),
		}, f.err
	case record.KindRecordStatusChanged:
		return &record.RecordStatusChanged{
			RecordID:  f.bigInt("recordId"),
			Status:    f.str("status"),
			UpdatedBy: f.addr("updatedBy"),
		}, f.err
	case record.KindDonationReceived:
		return &record.DonationReceived{
			Sender:  f.addr("sender"),
			Donor:   f.str("donor"),
			Amount:  f.bigInt("amount"),
			Purpose: f.str("purpose"),
		}, f.err
	case record.KindTaskAssigned:
		return &record.TaskAssigned{
			TaskID:      f.bigInt("taskId"),
			Worker:      f.addr("worker"),
			Description: f.str("description"),
		}, f.err
	case record.KindTaskCompleted:
		return &record.TaskCompleted{
			TaskID: f.bigInt("taskId"),
			Worker: f.addr("worker"),
		}, f.err
	}
	return nil, fmt.Errorf("no decoder for kind %s", kind)
}

// fieldReader pulls typed values out of an unpacked args map, keeping the
// first error.
type fieldReader struct {
	args map[string]any
	err  error
}

func fields(args map[string]any) *fieldReader {
	return &fieldReader{args: args}
}

func (f *fieldReader) fail(name string, v any) {
	if f.err == nil {
		f.err = fmt.Errorf("field %s has unexpected type %T", name, v)
	}
}

func (f *fieldReader) str(name string) string {
	v, ok := f.args[name].(string)
	if !ok {
		f.fail(name, f.args[name])
	}
	return v
}

func (f *fieldReader) bigInt(name string) *big.Int {
	v, ok := f.args[name].(*big.Int)
	if !ok {
		f.fail(name, f.args[name])
	}
	return v
}

func (f *fieldReader) addr(name string) string {
	v, ok := f.args[name].(common.Address)
	if !ok {
		f.fail(name, f.args[name])
		return ""
	}
	return v.Hex()
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}

// packArgs maps a payload onto the registry method and its arguments.
func packArgs(p record.Payload) (string, []any, error) {
	b, ok := bindings[p.Kind()]
	if !ok {
		return "", nil, fmt.Errorf("no registry method for kind %s", p.Kind())
	}
	switch v := p.(type) {
	case *record.RecordAdded:
		return b.method, []any{v.Recipient, v.Description, v.Amount}, nil
	case *record.RecordStatusChanged:
		return b.method, []any{v.RecordID, v.Status}, nil
	case *record.DonationReceived:
		return b.method, []any{v.Donor, v.Amount, v.Purpose}, nil
	case *record.TaskAssigned:
		return b.method, []any{v.TaskID, common.HexToAddress(v.Worker), v.Description}, nil
	case *record.TaskCompleted:
		return b.method, []any{v.TaskID}, nil
	}
	return "", nil, fmt.Errorf("unsupported payload type %T", p)
}

package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is the closed set of operations mirrored from the aid registry.
type Kind string

const (
	KindRecordAdded         Kind = "RecordAdded"
	KindRecordStatusChanged Kind = "RecordStatusChanged"
	KindDonationReceived    Kind = "DonationReceived"
	KindTaskAssigned        Kind = "TaskAssigned"
	KindTaskCompleted       Kind = "TaskCompleted"
)

// Payload is the kind-specific body of an Event.
type Payload interface {
	Kind() Kind
	Validate() error
}

var registry = map[Kind]func() Payload{
	KindRecordAdded:         func() Payload { return &RecordAdded{} },
	KindRecordStatusChanged: func() Payload { return &RecordStatusChanged{} },
	KindDonationReceived:    func() Payload { return &DonationReceived{} },
	KindTaskAssigned:        func() Payload { return &TaskAssigned{} },
	KindTaskCompleted:       func() Payload { return &TaskCompleted{} },
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindRecordAdded,
		KindRecordStatusChanged,
		KindDonationReceived,
		KindTaskAssigned,
		KindTaskCompleted,
	}
}

// ParseKind resolves a kind name; matching is case-insensitive.
func ParseKind(s string) (Kind, error) {
	for k := range registry {
		if strings.EqualFold(string(k), strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// DecodePayload unmarshals raw JSON into the payload type registered for kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	p := ctor()
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// Aid status values accepted by RecordStatusChanged.
const (
	AidPending   = "pending"
	AidInTransit = "in_transit"
	AidDelivered = "delivered"
	AidCancelled = "cancelled"
)

// RecordAdded registers a new aid record for a recipient.
type RecordAdded struct {
	Recipient   string   `json:"recipient"`
	Description string   `json:"description"`
	Amount      *big.Int `json:"amount"`
	AddedBy     string   `json:"addedBy,omitempty"`
	LedgerID    *big.Int `json:"ledgerId,omitempty"`
}

func (*RecordAdded) Kind() Kind { return KindRecordAdded }

func (p *RecordAdded) Validate() error {
	if strings.TrimSpace(p.Recipient) == "" {
		return invalid("recipient is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return invalid("description is required")
	}
	return positive("amount", p.Amount)
}

// RecordStatusChanged moves an on-ledger aid record to a new status.
type RecordStatusChanged struct {
	RecordID  *big.Int `json:"recordId"`
	Status    string   `json:"status"`
	UpdatedBy string   `json:"updatedBy,omitempty"`
}

func (*RecordStatusChanged) Kind() Kind { return KindRecordStatusChanged }

func (p *RecordStatusChanged) Validate() error {
	if p.RecordID == nil || p.RecordID.Sign() < 0 {
		return invalid("recordId is required")
	}
	switch p.Status {
	case AidPending, AidInTransit, AidDelivered, AidCancelled:
		return nil
	default:
		return invalid(fmt.Sprintf("unsupported aid status %q", p.Status))
	}
}

// DonationReceived records a donor contribution.
type DonationReceived struct {
	Donor   string   `json:"donor"`
	Amount  *big.Int `json:"amount"`
	Purpose string   `json:"purpose"`
	Sender  string   `json:"sender,omitempty"`
}

func (*DonationReceived) Kind() Kind { return KindDonationReceived }

func (p *DonationReceived) Validate() error {
	if strings.TrimSpace(p.Donor) == "" {
		return invalid("donor is required")
	}
	if strings.TrimSpace(p.Purpose) == "" {
		return invalid("purpose is required")
	}
	return positive("amount", p.Amount)
}

// TaskAssigned hands a delivery task to a field worker.
type TaskAssigned struct {
	TaskID      *big.Int `json:"taskId"`
	Worker      string   `json:"worker"`
	Description string   `json:"description"`
}

func (*TaskAssigned) Kind() Kind { return KindTaskAssigned }

func (p *TaskAssigned) Validate() error {
	if p.TaskID == nil || p.TaskID.Sign() < 0 {
		return invalid("taskId is required")
	}
	if !common.IsHexAddress(p.Worker) {
		return invalid(fmt.Sprintf("worker %q is not a ledger address", p.Worker))
	}
	if strings.TrimSpace(p.Description) == "" {
		return invalid("description is required")
	}
	return nil
}

// TaskCompleted closes a task. Worker is filled from the ledger log.
type TaskCompleted struct {
	TaskID *big.Int `json:"taskId"`
	Worker string   `json:"worker,omitempty"`
}

func (*TaskCompleted) Kind() Kind { return KindTaskCompleted }

func (p *TaskCompleted) Validate() error {
	if p.TaskID == nil || p.TaskID.Sign() < 0 {
		return invalid("taskId is required")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, msg)
}

func positive(field string, v *big.Int) error {
	if v == nil {
		return invalid(field + " is required")
	}
	if v.Sign() <= 0 {
		return invalid(field + " must be a positive integer")
	}
	return nil
}

// ValidatePayload checks that p is present, matches kind and is well formed.
func ValidatePayload(kind Kind, p Payload) error {
	if p == nil {
		return invalid("payload is required")
	}
	if p.Kind() != kind {
		return invalid(fmt.Sprintf("payload is %s, want %s", p.Kind(), kind))
	}
	if err := p.Validate(); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return err
		}
		return invalid(err.Error())
	}
	return nil
}

package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the reconciliation state of an Event.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	// StatusOffChain marks a local-only transition that never touches the ledger.
	StatusOffChain Status = "OFFCHAIN"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusOffChain
}

// ParseStatus accepts a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusConfirmed, StatusFailed, StatusOffChain:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Origin records which path created an Event.
type Origin string

const (
	OriginSubmitted Origin = "submitted"
	OriginReplayed  Origin = "replayed"
	OriginOffChain  Origin = "offchain"
)

// Cause tags why an Event ended FAILED.
type Cause string

const (
	CauseSubmissionRejected  Cause = "submission_rejected"
	CauseExecutionReverted   Cause = "execution_reverted"
	CauseConfirmationTimeout Cause = "confirmation_timeout"
)

var (
	ErrSubmissionRejected  = errors.New("submission rejected")
	ErrExecutionReverted   = errors.New("execution reverted")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrInvalidPayload      = errors.New("invalid payload")
)

// Failure is the error detail stored on a FAILED Event.
type Failure struct {
	Cause   Cause  `json:"cause"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Cause, f.Message)
}

// Unwrap maps the cause onto its sentinel so callers can use errors.Is.
func (f *Failure) Unwrap() error {
	switch f.Cause {
	case CauseSubmissionRejected:
		return ErrSubmissionRejected
	case CauseExecutionReverted:
		return ErrExecutionReverted
	case CauseConfirmationTimeout:
		return ErrConfirmationTimeout
	}
	return nil
}

// Unconfirmed is true when the failure is local knowledge only: the
// operation may still finalize on the ledger.
func (f *Failure) Unconfirmed() bool {
	return f != nil && f.Cause == CauseConfirmationTimeout
}

// Event is the local mirror of one ledger operation.
type Event struct {
	ID               string    `json:"id"`
	TxHandle         string    `json:"txHandle,omitempty"`
	Kind             Kind      `json:"kind"`
	Status           Status    `json:"status"`
	Origin           Origin    `json:"origin"`
	Payload          Payload   `json:"payload"`
	InitiatedBy      string    `json:"initiatedBy,omitempty"`
	ConfirmedAtBlock uint64    `json:"confirmedAtBlock,omitempty"`
	ResourceUsed     uint64    `json:"resourceUsed,omitempty"`
	Error            *Failure  `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// HasHandle reports whether the ledger handle has been assigned.
func (e *Event) HasHandle() bool {
	return e.TxHandle != ""
}

// NewID returns a fresh local record identity.
func NewID() string {
	return uuid.NewString()
}

// Filter selects Events for listing. Zero fields match everything.
type Filter struct {
	Status      Status
	Cause       Cause
	Kind        Kind
	InitiatedBy string
	TxHandle    string
	Limit       int
	Offset      int
}

// Addresses returns the ledger addresses referenced by the payload.
func (e *Event) Addresses() []string {
	var out []string
	add := func(a string) {
		if a != "" {
			out = append(out, a)
		}
	}
	switch p := e.Payload.(type) {
	case *RecordAdded:
		add(p.AddedBy)
	case *RecordStatusChanged:
		add(p.UpdatedBy)
	case *DonationReceived:
		add(p.Sender)
	case *TaskAssigned:
		add(p.Worker)
	case *TaskCompleted:
		add(p.Worker)
	}
	return out
}

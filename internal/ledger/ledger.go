// Package ledger describes the external ledger capability consumed by the
// reconciliation engine. Implementations live in subpackages.
package ledger

import (
	"context"
	"errors"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

var (
	// ErrReceiptNotFound means the operation is not (or no longer) included in a block.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrMalformedEvent marks a log that could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrBroadcastUnknown means a signed operation's broadcast failed in a
	// way that does not prove the ledger never received it.
	ErrBroadcastUnknown = errors.New("broadcast outcome unknown")
)

// HandleRecorder durably stores the handle of a signed operation. It runs
// before the operation is broadcast; an error aborts the broadcast.
type HandleRecorder func(handle string) error

// Receipt is the ledger's verdict on a submitted operation.
type Receipt struct {
	Handle       string
	Success      bool
	BlockNumber  uint64
	ResourceUsed uint64
	RevertReason string
}

// LogEvent is a decoded ledger log. DecodeErr is set when the log matched a
// known kind but its fields could not be decoded.
type LogEvent struct {
	Handle      string
	Kind        record.Kind
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
	Removed     bool
	Payload     record.Payload
	DecodeErr   error
}

// Subscription is a live stream of log events. Err delivers at most one
// error, after which the subscription is dead.
type Subscription interface {
	Events() <-chan LogEvent
	Err() <-chan error
	Unsubscribe()
}

// Client is the opaque ledger capability.
//
// Submit signs payload, hands the handle to rec and only then broadcasts.
// An empty handle means nothing was broadcast. A non-empty handle with an
// error wrapping ErrBroadcastUnknown means the operation may still land.
type Client interface {
	Submit(ctx context.Context, payload record.Payload, rec HandleRecorder) (handle string, err error)
	Receipt(ctx context.Context, handle string) (*Receipt, error)
	HeadNumber(ctx context.Context) (uint64, error)
	Subscribe(ctx context.Context, kinds []record.Kind) (Subscription, error)
	FilterLogs(ctx context.Context, kinds []record.Kind, from, to uint64) ([]LogEvent, error)
}

package health

import (
	"context"
	"fmt"
)

// HeadSource reports the ledger's latest block number.
type HeadSource interface {
	HeadNumber(ctx context.Context) (uint64, error)
}

// CursorSource reports the durable replay cursor.
type CursorSource interface {
	GetCursor(ctx context.Context, sourceID string) (height uint64, hash string, ok bool, err error)
}

// LedgerChecker checks the ledger endpoint and the subscriber's progress.
type LedgerChecker struct {
	head     HeadSource
	cursors  CursorSource
	sourceID string
}

// NewLedgerChecker creates a checker for one ledger and replay cursor.
func NewLedgerChecker(head HeadSource, cursors CursorSource, sourceID string) *LedgerChecker {
	return &LedgerChecker{head: head, cursors: cursors, sourceID: sourceID}
}

// Ping checks the ledger endpoint answers a head query.
func (c *LedgerChecker) Ping(ctx context.Context) error {
	if _, err := c.head.HeadNumber(ctx); err != nil {
		return fmt.Errorf("ledger head: %w", err)
	}
	return nil
}

// Lag returns head minus the replay cursor. A missing cursor counts from zero.
func (c *LedgerChecker) Lag(ctx context.Context) (uint64, error) {
	head, err := c.head.HeadNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger head: %w", err)
	}
	height, _, _, err := c.cursors.GetCursor(ctx, c.sourceID)
	if err != nil {
		return 0, fmt.Errorf("cursor %s: %w", c.sourceID, err)
	}
	if height >= head {
		return 0, nil
	}
	return head - height, nil
}

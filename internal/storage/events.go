package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

const eventColumns = `id, tx_handle, kind, status, origin, payload_json, initiated_by,
  confirmed_block, resource_used, error_cause, error_message, created_at, updated_at`

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CreatePending persists a provisional record before the ledger call.
func (s *Store) CreatePending(ctx context.Context, e *record.Event) error {
	if e.HasHandle() {
		return errors.New("pending record must not carry a handle")
	}
	e.Status = record.StatusPending
	if e.Origin == "" {
		e.Origin = record.OriginSubmitted
	}
	_, err := s.insertEvent(ctx, s.db, e, false)
	return err
}

// CreateOffChain persists a local-only transition with no ledger handle.
func (s *Store) CreateOffChain(ctx context.Context, e *record.Event) error {
	if e.HasHandle() {
		return errors.New("off-chain record must not carry a handle")
	}
	e.Status = record.StatusOffChain
	e.Origin = record.OriginOffChain
	_, err := s.insertEvent(ctx, s.db, e, false)
	return err
}

// InsertReplayed creates a CONFIRMED record discovered on the ledger. It
// returns false when a record for (TxHandle, Kind) already exists.
func (s *Store) InsertReplayed(ctx context.Context, e *record.Event) (bool, error) {
	if !e.HasHandle() {
		return false, errors.New("replayed record requires a handle")
	}
	e.Status = record.StatusConfirmed
	e.Origin = record.OriginReplayed
	return s.insertEvent(ctx, s.db, e, true)
}

func (s *Store) insertEvent(ctx context.Context, q querier, e *record.Event, ignoreConflict bool) (bool, error) {
	if e.ID == "" {
		e.ID = record.NewID()
	}
	if e.Kind == "" {
		return false, errors.New("kind required")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	var cause, message any
	if e.Error != nil {
		cause, message = string(e.Error.Cause), e.Error.Message
	}

	query := `
INSERT INTO events (` + eventColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreConflict {
		query += ` ON CONFLICT DO NOTHING`
	}
	res, err := q.ExecContext(ctx, query,
		e.ID, nullString(e.TxHandle), string(e.Kind), string(e.Status), string(e.Origin),
		string(payload), nullString(e.InitiatedBy),
		nullUint(e.ConfirmedAtBlock), nullUint(e.ResourceUsed), cause, message,
		millis(e.CreatedAt), millis(e.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return n == 1, nil
}

// AssignHandle sets the ledger handle on a provisional record exactly once.
// When a replayed record already holds (handle, kind), it is folded into
// the provisional record, which keeps its id and initiator and adopts the
// replayed finalization. merged reports whether that happened.
func (s *Store) AssignHandle(ctx context.Context, id, handle string) (ev *record.Event, merged bool, err error) {
	if handle == "" {
		return nil, false, errors.New("handle required")
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getEvent(ctx, tx, `WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if cur.TxHandle == handle {
			ev = cur
			return nil
		}
		if cur.HasHandle() {
			return fmt.Errorf("%w: record %s has %s", ErrHandleAssigned, id, cur.TxHandle)
		}

		other, err := getEvent(ctx, tx, `WHERE tx_handle = ? AND kind = ?`, handle, string(cur.Kind))
		switch {
		case errors.Is(err, ErrNotFound):
			if _, err := tx.ExecContext(ctx, `
UPDATE events SET tx_handle = ?, updated_at = ?
WHERE id = ? AND tx_handle IS NULL;`, handle, millis(s.now()), id); err != nil {
				return fmt.Errorf("assign handle: %w", err)
			}
		case err != nil:
			return err
		default:
			if cur.Status.Terminal() {
				return fmt.Errorf("%w: record %s is %s", ErrTerminal, id, cur.Status)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?;`, other.ID); err != nil {
				return fmt.Errorf("fold replayed record: %w", err)
			}
			var cause, message any
			if other.Error != nil {
				cause, message = string(other.Error.Cause), other.Error.Message
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE events SET tx_handle = ?, status = ?, confirmed_block = ?, resource_used = ?,
  error_cause = ?, error_message = ?, updated_at = ?
WHERE id = ?;`, handle, string(other.Status), nullUint(other.ConfirmedAtBlock), nullUint(other.ResourceUsed),
				cause, message, millis(s.now()), id); err != nil {
				return fmt.Errorf("fold replayed record: %w", err)
			}
			merged = true
		}

		ev, err = getEvent(ctx, tx, `WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return ev, merged, nil
}

// MarkConfirmed moves a PENDING record to CONFIRMED. It returns false
// without error when the record is already terminal.
func (s *Store) MarkConfirmed(ctx context.Context, id string, block, resourceUsed uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE events SET status = ?, confirmed_block = ?, resource_used = ?, updated_at = ?
WHERE id = ? AND status = ?;`,
		string(record.StatusConfirmed), block, resourceUsed, millis(s.now()), id, string(record.StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark confirmed: %w", err)
	}
	return s.changedOrExists(ctx, res, id)
}

// MarkFailed moves a PENDING record to FAILED with the given cause. It
// returns false without error when the record is already terminal.
func (s *Store) MarkFailed(ctx context.Context, id string, f *record.Failure) (bool, error) {
	if f == nil {
		return false, errors.New("failure required")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE events SET status = ?, error_cause = ?, error_message = ?, updated_at = ?
WHERE id = ? AND status = ?;`,
		string(record.StatusFailed), string(f.Cause), f.Message, millis(s.now()), id, string(record.StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return s.changedOrExists(ctx, res, id)
}

// ConfirmByHandle moves the PENDING record for (handle, kind) to CONFIRMED.
// It returns false when no PENDING record holds that key.
func (s *Store) ConfirmByHandle(ctx context.Context, handle string, kind record.Kind, block, resourceUsed uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE events SET status = ?, confirmed_block = ?, resource_used = ?, updated_at = ?
WHERE tx_handle = ? AND kind = ? AND status = ?;`,
		string(record.StatusConfirmed), block, resourceUsed, millis(s.now()), handle, string(kind), string(record.StatusPending))
	if err != nil {
		return false, fmt.Errorf("confirm by handle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm by handle: %w", err)
	}
	return n == 1, nil
}

func (s *Store) changedOrExists(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?;`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	return false, nil
}

// Get loads a record by local id.
func (s *Store) Get(ctx context.Context, id string) (*record.Event, error) {
	return getEvent(ctx, s.db, `WHERE id = ?`, id)
}

// GetByHandle loads the record for a natural key.
func (s *Store) GetByHandle(ctx context.Context, handle string, kind record.Kind) (*record.Event, error) {
	return getEvent(ctx, s.db, `WHERE tx_handle = ? AND kind = ?`, handle, string(kind))
}

// List returns records matching f, newest first.
func (s *Store) List(ctx context.Context, f record.Filter) ([]*record.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Cause != "" {
		where = append(where, "error_cause = ?")
		args = append(args, string(f.Cause))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.InitiatedBy != "" {
		where = append(where, "initiated_by = ?")
		args = append(args, f.InitiatedBy)
	}
	if f.TxHandle != "" {
		where = append(where, "tx_handle = ?")
		args = append(args, f.TxHandle)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)
	return queryEvents(ctx, s.db, query, args...)
}

// ListPending returns PENDING records last touched before olderThan.
// withHandle selects submitted records awaiting confirmation (true) or
// provisional records that never received a handle (false).
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, withHandle bool, limit int) ([]*record.Event, error) {
	if limit <= 0 {
		limit = maxListLimit
	}
	handleCond := "tx_handle IS NULL"
	if withHandle {
		handleCond = "tx_handle IS NOT NULL"
	}
	query := `SELECT ` + eventColumns + ` FROM events
WHERE status = ? AND ` + handleCond + ` AND updated_at <= ?
ORDER BY updated_at LIMIT ?;`
	return queryEvents(ctx, s.db, query, string(record.StatusPending), millis(olderThan), limit)
}

// CountByStatus returns record counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[record.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := map[record.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		out[record.Status(status)] = n
	}
	return out, rows.Err()
}

func getEvent(ctx context.Context, q querier, where string, args ...any) (*record.Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events `+where+`;`, args...)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]*record.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []*record.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(r rowScanner) (*record.Event, error) {
	var (
		e                                   record.Event
		kind, status, origin, payload       string
		handle, initiatedBy, cause, message sql.NullString
		block, used                         sql.NullInt64
		created, updated                    int64
	)
	if err := r.Scan(&e.ID, &handle, &kind, &status, &origin, &payload, &initiatedBy,
		&block, &used, &cause, &message, &created, &updated); err != nil {
		return nil, err
	}
	e.TxHandle = handle.String
	e.Kind = record.Kind(kind)
	e.Status = record.Status(status)
	e.Origin = record.Origin(origin)
	e.InitiatedBy = initiatedBy.String
	e.ConfirmedAtBlock = uint64(block.Int64)
	e.ResourceUsed = uint64(used.Int64)
	if cause.Valid {
		e.Error = &record.Failure{Cause: record.Cause(cause.String), Message: message.String}
	}
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)

	p, err := record.DecodePayload(e.Kind, []byte(payload))
	if err != nil {
		return nil, err
	}
	e.Payload = p
	return &e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullUint(v uint64) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}

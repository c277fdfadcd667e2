package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Identity links a ledger address to a local user.
type Identity struct {
	Address string `json:"address"`
	UserID  string `json:"userId"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
}

// UpsertIdentity links or relinks an address. Addresses are stored lowercased.
func (s *Store) UpsertIdentity(ctx context.Context, id Identity) error {
	if id.Address == "" || id.UserID == "" {
		return errors.New("address and user_id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identities (address, user_id, name, role, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(address) DO UPDATE SET
  user_id=excluded.user_id,
  name=excluded.name,
  role=excluded.role,
  updated_at=CURRENT_TIMESTAMP;
`, strings.ToLower(id.Address), id.UserID, id.Name, id.Role)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// IdentityByAddress returns the identity linked to address, or nil when none is.
func (s *Store) IdentityByAddress(ctx context.Context, address string) (*Identity, error) {
	var id Identity
	err := s.db.QueryRowContext(ctx, `
SELECT address, user_id, name, role FROM identities WHERE address = ?;
`, strings.ToLower(address)).Scan(&id.Address, &id.UserID, &id.Name, &id.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &id, nil
}

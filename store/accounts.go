package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const selectAccountSQL = `
	SELECT id, did, name, is_self, identities, created_at, updated_at
	FROM accounts
`

// GetOrCreateAccount inserts the account if it is new, otherwise merges
// the observed attributes into the stored row: empty DID and name fields
// fill in, is_self never downgrades, identities accumulate as a set. The
// whole upsert runs in one transaction, so two importers racing on the
// same id cannot lose an update.
func (s *Store) GetOrCreateAccount(id string, attrs AccountAttrs) (*Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("get or create account: %w: id is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin account upsert: %w", err)
	}
	defer tx.Rollback()

	account, err := upsertAccountTx(tx, id, attrs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit account upsert: %w", err)
	}
	return account, nil
}

// upsertAccountTx runs the insert-or-merge inside the caller's
// transaction. id must be trimmed and non-empty.
func upsertAccountTx(tx *sql.Tx, id string, attrs AccountAttrs) (*Account, error) {
	existing, err := scanAccount(tx.QueryRow(selectAccountSQL+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	now := nowMS()
	if existing == nil {
		created := &Account{
			ID:         id,
			DID:        strings.TrimSpace(attrs.DID),
			Name:       strings.TrimSpace(attrs.Name),
			IsSelf:     attrs.IsSelf,
			Identities: mergeIdentities(nil, attrs.Identities),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		identities, err := encodeIdentities(created.Identities)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(`
			INSERT INTO accounts (id, did, name, is_self, identities, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, created.ID, created.DID, created.Name, boolToInt(created.IsSelf), identities, created.CreatedAt, created.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert account: %w", err)
		}
		return created, nil
	}

	merged, changed := mergeAccount(existing, attrs)
	if changed {
		merged.UpdatedAt = now
		identities, err := encodeIdentities(merged.Identities)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(`
			UPDATE accounts
			SET did = ?, name = ?, is_self = ?, identities = ?, updated_at = ?
			WHERE id = ?
		`, merged.DID, merged.Name, boolToInt(merged.IsSelf), identities, merged.UpdatedAt, merged.ID)
		if err != nil {
			return nil, fmt.Errorf("update account: %w", err)
		}
	}
	return merged, nil
}

// GetAccount returns the account or (nil, nil) when the id is unknown.
func (s *Store) GetAccount(id string) (*Account, error) {
	return scanAccount(s.db.QueryRow(selectAccountSQL+` WHERE id = ?`, id))
}

// ListAccounts returns accounts ordered by creation time, newest first.
func (s *Store) ListAccounts(limit int) ([]Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(selectAccountSQL+` ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	result := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return result, nil
}

func mergeAccount(existing *Account, attrs AccountAttrs) (*Account, bool) {
	merged := *existing
	changed := false

	if merged.DID == "" {
		if did := strings.TrimSpace(attrs.DID); did != "" {
			merged.DID = did
			changed = true
		}
	}
	if merged.Name == "" {
		if name := strings.TrimSpace(attrs.Name); name != "" {
			merged.Name = name
			changed = true
		}
	}
	if attrs.IsSelf && !merged.IsSelf {
		merged.IsSelf = true
		changed = true
	}

	combined := mergeIdentities(existing.Identities, attrs.Identities)
	if len(combined) != len(existing.Identities) {
		merged.Identities = combined
		changed = true
	}
	return &merged, changed
}

// mergeIdentities unions two identity lists, keyed by platform+handle,
// preserving first-seen order and dropping blank entries.
func mergeIdentities(existing, observed []Identity) []Identity {
	seen := make(map[string]bool, len(existing)+len(observed))
	out := make([]Identity, 0, len(existing)+len(observed))
	for _, list := range [][]Identity{existing, observed} {
		for _, ident := range list {
			platform := strings.TrimSpace(ident.Platform)
			handle := strings.TrimSpace(ident.Handle)
			if platform == "" && handle == "" {
				continue
			}
			key := platform + "\x00" + handle
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Identity{Platform: platform, Handle: handle})
		}
	}
	return out
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		a          Account
		isSelf     int
		identities string
	)
	err := row.Scan(&a.ID, &a.DID, &a.Name, &isSelf, &identities, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.IsSelf = isSelf == 1
	a.Identities, err = decodeIdentities(identities)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAccountRow(rows *sql.Rows) (*Account, error) {
	var (
		a          Account
		isSelf     int
		identities string
	)
	if err := rows.Scan(&a.ID, &a.DID, &a.Name, &isSelf, &identities, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.IsSelf = isSelf == 1
	var err error
	a.Identities, err = decodeIdentities(identities)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

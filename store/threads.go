package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const selectThreadSQL = `
	SELECT id, title, type, participants, platform, created_at, updated_at
	FROM threads
`

// GetOrCreateThread inserts the thread if it is new, otherwise merges the
// observed attributes: empty title, type and platform fill in,
// participants grow as a set and never shrink. Runs in one transaction.
func (s *Store) GetOrCreateThread(id string, attrs ThreadAttrs) (*Thread, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("get or create thread: %w: id is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin thread upsert: %w", err)
	}
	defer tx.Rollback()

	thread, err := upsertThreadTx(tx, id, attrs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit thread upsert: %w", err)
	}
	return thread, nil
}

// upsertThreadTx runs the insert-or-merge inside the caller's
// transaction. id must be trimmed and non-empty.
func upsertThreadTx(tx *sql.Tx, id string, attrs ThreadAttrs) (*Thread, error) {
	existing, err := scanThread(tx.QueryRow(selectThreadSQL+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	now := nowMS()
	if existing == nil {
		typ := strings.TrimSpace(attrs.Type)
		if typ == "" {
			typ = "dm"
		}
		created := &Thread{
			ID:           id,
			Title:        strings.TrimSpace(attrs.Title),
			Type:         typ,
			Participants: mergeParticipants(nil, attrs.Participants),
			Platform:     strings.TrimSpace(attrs.Platform),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		participants, err := encodeStrings(created.Participants)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(`
			INSERT INTO threads (id, title, type, participants, platform, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, created.ID, created.Title, created.Type, participants, created.Platform, created.CreatedAt, created.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert thread: %w", err)
		}
		return created, nil
	}

	merged, changed := mergeThread(existing, attrs)
	if changed {
		merged.UpdatedAt = now
		participants, err := encodeStrings(merged.Participants)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(`
			UPDATE threads
			SET title = ?, type = ?, participants = ?, platform = ?, updated_at = ?
			WHERE id = ?
		`, merged.Title, merged.Type, participants, merged.Platform, merged.UpdatedAt, merged.ID)
		if err != nil {
			return nil, fmt.Errorf("update thread: %w", err)
		}
	}
	return merged, nil
}

// GetThread returns the thread or (nil, nil) when the id is unknown.
func (s *Store) GetThread(id string) (*Thread, error) {
	return scanThread(s.db.QueryRow(selectThreadSQL+` WHERE id = ?`, id))
}

// ListThreads returns threads ordered by creation time, newest first.
func (s *Store) ListThreads(limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(selectThreadSQL+` ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	result := make([]Thread, 0)
	for rows.Next() {
		t, err := scanThreadRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return result, nil
}

func mergeThread(existing *Thread, attrs ThreadAttrs) (*Thread, bool) {
	merged := *existing
	changed := false

	if merged.Title == "" {
		if title := strings.TrimSpace(attrs.Title); title != "" {
			merged.Title = title
			changed = true
		}
	}
	if typ := strings.TrimSpace(attrs.Type); typ != "" && merged.Type == "" {
		merged.Type = typ
		changed = true
	}
	if merged.Platform == "" {
		if platform := strings.TrimSpace(attrs.Platform); platform != "" {
			merged.Platform = platform
			changed = true
		}
	}

	combined := mergeParticipants(existing.Participants, attrs.Participants)
	if len(combined) != len(existing.Participants) {
		merged.Participants = combined
		changed = true
	}
	return &merged, changed
}

// mergeParticipants unions two participant lists preserving first-seen
// order and dropping blanks.
func mergeParticipants(existing, observed []string) []string {
	seen := make(map[string]bool, len(existing)+len(observed))
	out := make([]string, 0, len(existing)+len(observed))
	for _, list := range [][]string{existing, observed} {
		for _, p := range list {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func scanThread(row *sql.Row) (*Thread, error) {
	var (
		t            Thread
		participants string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Type, &participants, &t.Platform, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	t.Participants, err = decodeStrings(participants)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanThreadRow(rows *sql.Rows) (*Thread, error) {
	var (
		t            Thread
		participants string
	)
	if err := rows.Scan(&t.ID, &t.Title, &t.Type, &participants, &t.Platform, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	var err error
	t.Participants, err = decodeStrings(participants)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// MarkExtracted records that a message has been through the extraction
// pipeline. Re-marking an already marked message overwrites the row, so
// the operation is idempotent.
func (s *Store) MarkExtracted(p ExtractionProgress) error {
	if strings.TrimSpace(p.MessageID) == "" {
		return fmt.Errorf("mark extracted: %w: message id is required", ErrInvalidInput)
	}
	extractedAt := p.ExtractedAt
	if extractedAt <= 0 {
		extractedAt = nowMS()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO extraction_progress (message_id, extracted_at, extractor, entity_count, processing_ms)
		VALUES (?, ?, ?, ?, ?)
	`, p.MessageID, extractedAt, p.Extractor, p.EntityCount, p.ProcessingMS)
	if err != nil {
		return fmt.Errorf("mark extracted: %w", err)
	}
	return nil
}

// Progress returns the extraction marker for a message, or (nil, nil)
// when it has not been processed.
func (s *Store) Progress(messageID string) (*ExtractionProgress, error) {
	row := s.db.QueryRow(`
		SELECT message_id, extracted_at, extractor, entity_count, processing_ms
		FROM extraction_progress
		WHERE message_id = ?
	`, messageID)
	var p ExtractionProgress
	err := row.Scan(&p.MessageID, &p.ExtractedAt, &p.Extractor, &p.EntityCount, &p.ProcessingMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan progress: %w", err)
	}
	return &p, nil
}

// Unextracted filters candidateIDs down to those without a progress
// marker, preserving input order. One query regardless of corpus size.
func (s *Store) Unextracted(candidateIDs []string) ([]string, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	query := `SELECT message_id FROM extraction_progress WHERE message_id IN (` + placeholders(len(candidateIDs)) + `)`
	args := make([]any, len(candidateIDs))
	for i, id := range candidateIDs {
		args[i] = id
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query extracted set: %w", err)
	}
	defer rows.Close()

	marked := make(map[string]bool, len(candidateIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan extracted id: %w", err)
		}
		marked[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extracted set: %w", err)
	}

	out := make([]string, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if !marked[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// UnextractedMessages returns the oldest messages that have no progress
// marker yet, up to limit. This is the sweep source for the background
// extraction service.
func (s *Store) UnextractedMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT m.id, m.account_id, m.author_did, m.author_name, m.author_handle,
		       m.created_at, m.imported_at, m.kind, m.content, m.thread_id, m.reply_to,
		       m.mentions, m.platform, m.platform_id, m.tags
		FROM messages m
		LEFT JOIN extraction_progress p ON p.message_id = m.id
		WHERE p.message_id IS NULL
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unextracted messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

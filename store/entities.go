package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/marrowlabs/marrow/cid"
)

const selectEntitySQL = `
	SELECT id, type, normalized_name, first_seen, last_seen, mention_count, confidence_avg
	FROM entities
`

const upsertEntitySQL = `
	INSERT INTO entities (id, type, normalized_name, first_seen, last_seen, mention_count, confidence_avg)
	VALUES (?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT(type, normalized_name) DO UPDATE SET
		confidence_avg = (confidence_avg * mention_count + excluded.confidence_avg) / (mention_count + 1),
		mention_count = mention_count + 1,
		last_seen = MAX(last_seen, excluded.last_seen)
`

// NormalizeName returns the deduplication key form of an entity name:
// trimmed, lowercased, runs of whitespace collapsed to single spaces.
func NormalizeName(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// entityID derives the stable identifier for a (type, normalized name)
// pair. The same pair always maps to the same id.
func entityID(typ, normalized string) string {
	return cid.Derive(cid.EntityPrefix, typ, normalized)
}

// UpsertEntity records one observation of an entity. A new (type, name)
// pair inserts a fresh row; an existing pair folds the confidence into
// the running average, bumps the mention count and advances last_seen.
// first_seen never changes. The insert-or-merge is a single statement.
func (s *Store) UpsertEntity(typ, name string, confidence float64, observedAt int64) (string, error) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" {
		return "", fmt.Errorf("upsert entity: %w: type is required", ErrInvalidInput)
	}
	normalized := NormalizeName(name)
	if normalized == "" {
		return "", fmt.Errorf("upsert entity: %w: name is required", ErrInvalidInput)
	}
	confidence = clamp01(confidence)
	if observedAt <= 0 {
		observedAt = nowMS()
	}
	id := entityID(typ, normalized)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(upsertEntitySQL, id, typ, normalized, observedAt, observedAt, confidence); err != nil {
		return "", fmt.Errorf("upsert entity: %w", err)
	}
	return id, nil
}

// AddMention links an entity occurrence to its source message.
func (s *Store) AddMention(m EntityMention) error {
	if strings.TrimSpace(m.EntityID) == "" {
		return fmt.Errorf("add mention: %w: entity id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("add mention: %w: message id is required", ErrInvalidInput)
	}
	extractedAt := m.ExtractedAt
	if extractedAt <= 0 {
		extractedAt = nowMS()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO entity_mentions (entity_id, message_id, text, confidence, context, extracted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.EntityID, m.MessageID, m.Text, clamp01(m.Confidence), m.Context, extractedAt)
	if err != nil {
		return fmt.Errorf("add mention: %w", err)
	}
	return nil
}

// CommitExtraction persists one extraction batch: every entity upsert,
// mention row and progress marker lands in a single transaction, or none
// of them do.
func (s *Store) CommitExtraction(c ExtractionCommit) error {
	extractedAt := c.ExtractedAt
	if extractedAt <= 0 {
		extractedAt = nowMS()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin extraction commit: %w", err)
	}
	defer tx.Rollback()

	for _, r := range c.Results {
		if strings.TrimSpace(r.MessageID) == "" {
			return fmt.Errorf("extraction commit: %w: message id is required", ErrInvalidInput)
		}
		for _, ent := range r.Entities {
			typ := strings.ToLower(strings.TrimSpace(ent.Type))
			normalized := NormalizeName(ent.Text)
			if typ == "" || normalized == "" {
				return fmt.Errorf("extraction commit: %w: entity text and type are required", ErrInvalidInput)
			}
			confidence := clamp01(ent.Confidence)
			id := entityID(typ, normalized)
			if _, err := tx.Exec(upsertEntitySQL, id, typ, normalized, extractedAt, extractedAt, confidence); err != nil {
				return fmt.Errorf("extraction commit: upsert entity: %w", err)
			}
			_, err := tx.Exec(`
				INSERT INTO entity_mentions (entity_id, message_id, text, confidence, context, extracted_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, id, r.MessageID, strings.TrimSpace(ent.Text), confidence, "", extractedAt)
			if err != nil {
				return fmt.Errorf("extraction commit: add mention: %w", err)
			}
		}
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO extraction_progress (message_id, extracted_at, extractor, entity_count, processing_ms)
			VALUES (?, ?, ?, ?, ?)
		`, r.MessageID, extractedAt, c.Extractor, len(r.Entities), c.ProcessingMS)
		if err != nil {
			return fmt.Errorf("extraction commit: mark extracted: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit extraction: %w", err)
	}
	return nil
}

// GetEntity returns the entity or (nil, nil) when the id is unknown.
func (s *Store) GetEntity(id string) (*Entity, error) {
	return scanEntity(s.db.QueryRow(selectEntitySQL+` WHERE id = ?`, id))
}

// GetEntityByName looks an entity up by type and name. The name is
// normalized before the lookup.
func (s *Store) GetEntityByName(typ, name string) (*Entity, error) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	normalized := NormalizeName(name)
	if typ == "" || normalized == "" {
		return nil, nil
	}
	return scanEntity(s.db.QueryRow(selectEntitySQL+` WHERE type = ? AND normalized_name = ?`, typ, normalized))
}

// ListEntitiesByType returns entities of one type, most mentioned first.
func (s *Store) ListEntitiesByType(typ string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	typ = strings.ToLower(strings.TrimSpace(typ))
	rows, err := s.db.Query(selectEntitySQL+`
		WHERE type = ?
		ORDER BY mention_count DESC, normalized_name ASC
		LIMIT ?
	`, typ, limit)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// SearchEntities matches entities whose normalized name contains the
// given fragment.
func (s *Store) SearchEntities(fragment string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	fragment = NormalizeName(fragment)
	if fragment == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(fragment) + "%"
	rows, err := s.db.Query(selectEntitySQL+`
		WHERE normalized_name LIKE ? ESCAPE '\'
		ORDER BY mention_count DESC, normalized_name ASC
		LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// MentionsForEntity returns the mention rows linking an entity to its
// source messages, newest first.
func (s *Store) MentionsForEntity(entityID string, limit int) ([]EntityMention, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, entity_id, message_id, text, confidence, context, extracted_at
		FROM entity_mentions
		WHERE entity_id = ?
		ORDER BY extracted_at DESC, id DESC
		LIMIT ?
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("mentions for entity: %w", err)
	}
	defer rows.Close()
	return scanMentions(rows)
}

// MentionsForMessage returns every entity mention extracted from one
// message.
func (s *Store) MentionsForMessage(messageID string) ([]EntityMention, error) {
	rows, err := s.db.Query(`
		SELECT id, entity_id, message_id, text, confidence, context, extracted_at
		FROM entity_mentions
		WHERE message_id = ?
		ORDER BY id ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("mentions for message: %w", err)
	}
	defer rows.Close()
	return scanMentions(rows)
}

// Stats summarizes the entity store and extraction progress.
func (s *Store) Stats() (*EntityStats, error) {
	stats := &EntityStats{CountsByType: make(map[string]int)}

	rows, err := s.db.Query(`SELECT type, COUNT(1) FROM entities GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("entity stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ   string
			count int
		)
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scan entity stats: %w", err)
		}
		stats.CountsByType[typ] = count
		stats.TotalEntities += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity stats: %w", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(1) FROM entity_mentions`).Scan(&stats.TotalMentions); err != nil {
		return nil, fmt.Errorf("count mentions: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM extraction_progress`).Scan(&stats.ProcessedMessages); err != nil {
		return nil, fmt.Errorf("count processed: %w", err)
	}
	err = s.db.QueryRow(`
		SELECT COUNT(1)
		FROM messages m
		LEFT JOIN extraction_progress p ON p.message_id = m.id
		WHERE p.message_id IS NULL
	`).Scan(&stats.PendingMessages)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	return stats, nil
}

// escapeLike escapes LIKE metacharacters in a user-supplied fragment.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func scanEntity(row *sql.Row) (*Entity, error) {
	var e Entity
	err := row.Scan(&e.ID, &e.Type, &e.NormalizedName, &e.FirstSeen, &e.LastSeen, &e.MentionCount, &e.ConfidenceAvg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return &e, nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	result := make([]Entity, 0)
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Type, &e.NormalizedName, &e.FirstSeen, &e.LastSeen, &e.MentionCount, &e.ConfidenceAvg); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return result, nil
}

func scanMentions(rows *sql.Rows) ([]EntityMention, error) {
	result := make([]EntityMention, 0)
	for rows.Next() {
		var m EntityMention
		if err := rows.Scan(&m.ID, &m.EntityID, &m.MessageID, &m.Text, &m.Confidence, &m.Context, &m.ExtractedAt); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mentions: %w", err)
	}
	return result, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/marrowlabs/marrow/cid"
)

const selectMessageSQL = `
	SELECT id, account_id, author_did, author_name, author_handle,
	       created_at, imported_at, kind, content, thread_id, reply_to,
	       mentions, platform, platform_id, tags
	FROM messages
`

// CreateMessage validates the input, derives the content identifier and
// inserts the message. A zero CreatedAt defaults to the current time.
// Inserting a message whose identifier already exists is a no-op that
// returns the stored row, so repeated imports of the same data converge.
func (s *Store) CreateMessage(input MessageInput) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin message insert: %w", err)
	}
	defer tx.Rollback()

	msg, err := insertMessageTx(tx, input)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message insert: %w", err)
	}
	return msg, nil
}

// insertMessageTx validates the input, derives the identifier and inserts
// the row inside the caller's transaction. An existing identifier returns
// the stored row unchanged.
func insertMessageTx(tx *sql.Tx, input MessageInput) (*Message, error) {
	if input.Kind <= 0 {
		return nil, fmt.Errorf("create message: %w: kind must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, fmt.Errorf("create message: %w: content is required", ErrInvalidInput)
	}
	accountID := strings.TrimSpace(input.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("create message: %w: account id is required", ErrInvalidInput)
	}

	createdAt := input.CreatedAt
	if createdAt == 0 {
		createdAt = nowMS()
	}
	id := cid.Compute(cid.Record{
		AccountID: accountID,
		Content:   input.Content,
		CreatedAt: createdAt,
		Kind:      input.Kind,
	})

	existing, err := scanMessage(tx.QueryRow(selectMessageSQL+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	msg := &Message{
		ID:         id,
		AccountID:  accountID,
		Author:     input.Author,
		CreatedAt:  createdAt,
		ImportedAt: nowMS(),
		Kind:       input.Kind,
		Content:    input.Content,
		ThreadID:   strings.TrimSpace(input.ThreadID),
		ReplyTo:    strings.TrimSpace(input.ReplyTo),
		Mentions:   input.Mentions,
		Platform:   strings.TrimSpace(input.Platform),
		PlatformID: strings.TrimSpace(input.PlatformID),
		Tags:       input.Tags,
	}
	mentions, err := encodeStrings(msg.Mentions)
	if err != nil {
		return nil, err
	}
	tags, err := encodeStrings(msg.Tags)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`
		INSERT INTO messages (id, account_id, author_did, author_name, author_handle,
		                      created_at, imported_at, kind, content, thread_id,
		                      reply_to, mentions, platform, platform_id, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.AccountID, msg.Author.DID, msg.Author.Name, msg.Author.Handle,
		msg.CreatedAt, msg.ImportedAt, msg.Kind, msg.Content, msg.ThreadID,
		msg.ReplyTo, mentions, msg.Platform, msg.PlatformID, tags)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// GetMessage returns the message or (nil, nil) when the id is unknown.
func (s *Store) GetMessage(id string) (*Message, error) {
	return scanMessage(s.db.QueryRow(selectMessageSQL+` WHERE id = ?`, id))
}

// VerifyMessage recomputes the content identifier for a stored message
// and reports whether it still matches. Verification is opt-in; nothing
// in the write path depends on it.
func (s *Store) VerifyMessage(id string) (bool, error) {
	msg, err := s.GetMessage(id)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	return cid.Verify(msg.ID, cid.Record{
		AccountID: msg.AccountID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		Kind:      msg.Kind,
	}), nil
}

// ListMessages returns messages matching q, newest first.
func (s *Store) ListMessages(q ListMessagesQuery) ([]Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := selectMessageSQL + ` WHERE 1=1`
	args := []any{}
	if id := strings.TrimSpace(q.AccountID); id != "" {
		query += ` AND account_id = ?`
		args = append(args, id)
	}
	if id := strings.TrimSpace(q.ThreadID); id != "" {
		query += ` AND thread_id = ?`
		args = append(args, id)
	}
	if p := strings.TrimSpace(q.Platform); p != "" {
		query += ` AND platform = ?`
		args = append(args, p)
	}
	if q.Before > 0 {
		query += ` AND created_at < ?`
		args = append(args, q.Before)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessages runs a full-text match over message content. An empty
// query returns no results.
func (s *Store) SearchMessages(keywords string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	query := strings.TrimSpace(keywords)
	if query == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT m.id, m.account_id, m.author_did, m.author_name, m.author_handle,
		       m.created_at, m.imported_at, m.kind, m.content, m.thread_id, m.reply_to,
		       m.mentions, m.platform, m.platform_id, m.tags
		FROM messages m
		JOIN messages_fts f ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?
		ORDER BY bm25(messages_fts), m.created_at DESC
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var (
		m        Message
		mentions string
		tags     string
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.Author.DID, &m.Author.Name, &m.Author.Handle,
		&m.CreatedAt, &m.ImportedAt, &m.Kind, &m.Content, &m.ThreadID, &m.ReplyTo,
		&mentions, &m.Platform, &m.PlatformID, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if m.Mentions, err = decodeStrings(mentions); err != nil {
		return nil, err
	}
	if m.Tags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	result := make([]Message, 0)
	for rows.Next() {
		var (
			m        Message
			mentions string
			tags     string
		)
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Author.DID, &m.Author.Name, &m.Author.Handle,
			&m.CreatedAt, &m.ImportedAt, &m.Kind, &m.Content, &m.ThreadID, &m.ReplyTo,
			&mentions, &m.Platform, &m.PlatformID, &tags); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var err error
		if m.Mentions, err = decodeStrings(mentions); err != nil {
			return nil, err
		}
		if m.Tags, err = decodeStrings(tags); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

package store

import (
	"fmt"
	"strings"
)

// IngestInput bundles one inbound message with the account and thread
// context it arrived with.
type IngestInput struct {
	AccountID    string
	AccountAttrs AccountAttrs
	ThreadID     string
	ThreadAttrs  ThreadAttrs
	Message      MessageInput
}

// Ingest persists one inbound message together with its account and
// thread context. The account upsert, the optional thread upsert and the
// message insert run in a single transaction: all of them land or none
// do. The message's AccountID is taken from the input; an empty message
// ThreadID defaults to the input's thread.
func (s *Store) Ingest(in IngestInput) (*Message, error) {
	accountID := strings.TrimSpace(in.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("ingest: %w: account id is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	if _, err := upsertAccountTx(tx, accountID, in.AccountAttrs); err != nil {
		return nil, err
	}

	threadID := strings.TrimSpace(in.ThreadID)
	if threadID != "" {
		if _, err := upsertThreadTx(tx, threadID, in.ThreadAttrs); err != nil {
			return nil, err
		}
	}

	input := in.Message
	input.AccountID = accountID
	if strings.TrimSpace(input.ThreadID) == "" {
		input.ThreadID = threadID
	}
	msg, err := insertMessageTx(tx, input)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ingest: %w", err)
	}
	return msg, nil
}

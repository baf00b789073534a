package store

import (
	"errors"
	"testing"
)

func TestIngestCreatesAccountThreadAndMessage(t *testing.T) {
	s := newTestStore(t)

	msg, err := s.Ingest(IngestInput{
		AccountID:    "telegram:42",
		AccountAttrs: AccountAttrs{Name: "Grace", Identities: []Identity{{Platform: "telegram", Handle: "grace"}}},
		ThreadID:     "telegram:42:dm",
		ThreadAttrs:  ThreadAttrs{Platform: "telegram"},
		Message: MessageInput{
			Content:   "hello",
			CreatedAt: 1700000000000,
			Kind:      KindText,
			Platform:  "telegram",
		},
	})
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if msg.AccountID != "telegram:42" || msg.ThreadID != "telegram:42:dm" {
		t.Fatalf("message not linked to its context: %+v", msg)
	}

	account, err := s.GetAccount("telegram:42")
	if err != nil || account == nil {
		t.Fatalf("GetAccount err=%v account=%+v", err, account)
	}
	if account.Name != "Grace" {
		t.Fatalf("account attrs not applied: %+v", account)
	}

	thread, err := s.GetThread("telegram:42:dm")
	if err != nil || thread == nil {
		t.Fatalf("GetThread err=%v thread=%+v", err, thread)
	}
	if thread.Type != "dm" {
		t.Fatalf("thread type not defaulted: %q", thread.Type)
	}
}

func TestIngestSkipsThreadWhenAbsent(t *testing.T) {
	s := newTestStore(t)

	msg, err := s.Ingest(IngestInput{
		AccountID: "acct:alice",
		Message:   MessageInput{Content: "no thread", Kind: KindText},
	})
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if msg.ThreadID != "" {
		t.Fatalf("expected empty thread id, got %q", msg.ThreadID)
	}

	threads, err := s.ListThreads(10)
	if err != nil {
		t.Fatalf("ListThreads error: %v", err)
	}
	if len(threads) != 0 {
		t.Fatalf("expected no thread rows, got %d", len(threads))
	}
}

func TestIngestIdempotent(t *testing.T) {
	s := newTestStore(t)

	in := IngestInput{
		AccountID: "acct:alice",
		Message:   MessageInput{Content: "hello", CreatedAt: 1700000000000, Kind: KindText},
	}
	first, err := s.Ingest(in)
	if err != nil {
		t.Fatalf("first Ingest error: %v", err)
	}
	second, err := s.Ingest(in)
	if err != nil {
		t.Fatalf("second Ingest error: %v", err)
	}
	if first.ID != second.ID || first.ImportedAt != second.ImportedAt {
		t.Fatalf("replay did not converge: %+v vs %+v", first, second)
	}

	msgs, err := s.ListMessages(ListMessagesQuery{AccountID: "acct:alice"})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListMessages err=%v len=%d", err, len(msgs))
	}
}

func TestIngestRollsBackOnInvalidMessage(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Ingest(IngestInput{
		AccountID:   "acct:new",
		ThreadID:    "thread:new",
		ThreadAttrs: ThreadAttrs{Type: "group"},
		Message:     MessageInput{Content: "   ", Kind: KindText},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	// The doomed message must take the account and thread down with it.
	account, err := s.GetAccount("acct:new")
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if account != nil {
		t.Fatalf("failed ingest left an account behind: %+v", account)
	}
	thread, err := s.GetThread("thread:new")
	if err != nil {
		t.Fatalf("GetThread error: %v", err)
	}
	if thread != nil {
		t.Fatalf("failed ingest left a thread behind: %+v", thread)
	}
}

func TestIngestValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Ingest(IngestInput{Message: MessageInput{Content: "x", Kind: KindText}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing account id, got %v", err)
	}
}

package store

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func seedMessage(t *testing.T, s *Store, accountID, content string, createdAt int64) *Message {
	t.Helper()
	msg, err := s.CreateMessage(MessageInput{AccountID: accountID, CreatedAt: createdAt, Kind: KindText, Content: content})
	if err != nil {
		t.Fatalf("seed CreateMessage error: %v", err)
	}
	return msg
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"  Ada Lovelace  ", "ada lovelace"},
		{"ADA\t\tLOVELACE", "ada lovelace"},
		{"ada lovelace", "ada lovelace"},
		{" \t ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.raw); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestUpsertEntityDeduplicates(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.UpsertEntity("person", "Ada Lovelace", 0.9, 1000)
	if err != nil {
		t.Fatalf("first upsert error: %v", err)
	}
	id2, err := s.UpsertEntity("Person", "  ada   LOVELACE ", 0.7, 2000)
	if err != nil {
		t.Fatalf("second upsert error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("name variants produced different entities: %q vs %q", id1, id2)
	}
	if !strings.HasPrefix(id1, "ent_") {
		t.Fatalf("unexpected entity id %q", id1)
	}

	ent, err := s.GetEntity(id1)
	if err != nil {
		t.Fatalf("GetEntity error: %v", err)
	}
	if ent == nil {
		t.Fatal("entity not found after upsert")
	}
	if ent.MentionCount != 2 {
		t.Fatalf("expected mention count 2, got %d", ent.MentionCount)
	}
	if math.Abs(ent.ConfidenceAvg-0.8) > 1e-9 {
		t.Fatalf("expected running average 0.8, got %v", ent.ConfidenceAvg)
	}
	if ent.FirstSeen != 1000 {
		t.Fatalf("first_seen changed: %d", ent.FirstSeen)
	}
	if ent.LastSeen != 2000 {
		t.Fatalf("last_seen did not advance: %d", ent.LastSeen)
	}
}

func TestUpsertEntityTimestampsMonotonic(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertEntity("keyword", "sqlite", 0.5, 5000); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	// An out-of-order observation must not regress either timestamp.
	id, err := s.UpsertEntity("keyword", "sqlite", 0.5, 3000)
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	ent, err := s.GetEntity(id)
	if err != nil || ent == nil {
		t.Fatalf("GetEntity err=%v ent=%+v", err, ent)
	}
	if ent.FirstSeen != 5000 {
		t.Fatalf("first_seen rewritten to %d", ent.FirstSeen)
	}
	if ent.LastSeen != 5000 {
		t.Fatalf("last_seen regressed to %d", ent.LastSeen)
	}
}

func TestUpsertEntityClampsConfidence(t *testing.T) {
	s := newTestStore(t)

	id, err := s.UpsertEntity("keyword", "overconfident", 1.7, 1000)
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	ent, err := s.GetEntity(id)
	if err != nil || ent == nil {
		t.Fatalf("GetEntity err=%v ent=%+v", err, ent)
	}
	if ent.ConfidenceAvg != 1 {
		t.Fatalf("confidence not clamped to 1, got %v", ent.ConfidenceAvg)
	}

	id, err = s.UpsertEntity("keyword", "underconfident", -0.3, 1000)
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	ent, err = s.GetEntity(id)
	if err != nil || ent == nil {
		t.Fatalf("GetEntity err=%v ent=%+v", err, ent)
	}
	if ent.ConfidenceAvg != 0 {
		t.Fatalf("confidence not clamped to 0, got %v", ent.ConfidenceAvg)
	}
}

func TestUpsertEntityValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertEntity("", "name", 0.5, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty type, got %v", err)
	}
	if _, err := s.UpsertEntity("person", "   ", 0.5, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
}

func TestAddMentionAndQueries(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "acct:alice")
	msg := seedMessage(t, s, "acct:alice", "lunch with Ada Lovelace", 1000)

	id, err := s.UpsertEntity("person", "Ada Lovelace", 0.9, 1000)
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	err = s.AddMention(EntityMention{
		EntityID:    id,
		MessageID:   msg.ID,
		Text:        "Ada Lovelace",
		Confidence:  0.9,
		ExtractedAt: 1500,
	})
	if err != nil {
		t.Fatalf("AddMention error: %v", err)
	}

	forEntity, err := s.MentionsForEntity(id, 10)
	if err != nil || len(forEntity) != 1 {
		t.Fatalf("MentionsForEntity err=%v len=%d", err, len(forEntity))
	}
	if forEntity[0].MessageID != msg.ID {
		t.Fatalf("mention links wrong message: %q", forEntity[0].MessageID)
	}

	forMessage, err := s.MentionsForMessage(msg.ID)
	if err != nil || len(forMessage) != 1 {
		t.Fatalf("MentionsForMessage err=%v len=%d", err, len(forMessage))
	}

	if err := s.AddMention(EntityMention{MessageID: msg.ID}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing entity id, got %v", err)
	}
}

func TestEntityLookups(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertEntity("person", "Ada Lovelace", 0.9, 1000); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if _, err := s.UpsertEntity("person", "Alan Turing", 0.8, 1000); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if _, err := s.UpsertEntity("person", "Alan Turing", 0.8, 1100); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if _, err := s.UpsertEntity("keyword", "turing machine", 0.6, 1000); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	byName, err := s.GetEntityByName("person", "  alan TURING ")
	if err != nil || byName == nil {
		t.Fatalf("GetEntityByName err=%v ent=%+v", err, byName)
	}
	if byName.MentionCount != 2 {
		t.Fatalf("expected 2 mentions for turing, got %d", byName.MentionCount)
	}

	people, err := s.ListEntitiesByType("person", 10)
	if err != nil || len(people) != 2 {
		t.Fatalf("ListEntitiesByType err=%v len=%d", err, len(people))
	}
	if people[0].NormalizedName != "alan turing" {
		t.Fatalf("expected most mentioned first, got %q", people[0].NormalizedName)
	}

	found, err := s.SearchEntities("turing", 10)
	if err != nil || len(found) != 2 {
		t.Fatalf("SearchEntities err=%v len=%d", err, len(found))
	}

	escaped, err := s.SearchEntities("100%", 10)
	if err != nil {
		t.Fatalf("SearchEntities with metacharacter error: %v", err)
	}
	if len(escaped) != 0 {
		t.Fatalf("expected no hits for escaped pattern, got %d", len(escaped))
	}

	missing, err := s.GetEntity("ent_doesnotexist")
	if err != nil {
		t.Fatalf("GetEntity error: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown entity, got %+v", missing)
	}
}

func TestMarkExtractedAndUnextracted(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "acct:alice")

	m1 := seedMessage(t, s, "acct:alice", "first", 1000)
	m2 := seedMessage(t, s, "acct:alice", "second", 2000)
	m3 := seedMessage(t, s, "acct:alice", "third", 3000)

	if err := s.MarkExtracted(ExtractionProgress{MessageID: m2.ID, Extractor: "mock", EntityCount: 3}); err != nil {
		t.Fatalf("MarkExtracted error: %v", err)
	}
	// Marking twice is allowed and keeps a single row.
	if err := s.MarkExtracted(ExtractionProgress{MessageID: m2.ID, Extractor: "mock", EntityCount: 4}); err != nil {
		t.Fatalf("repeat MarkExtracted error: %v", err)
	}

	pending, err := s.Unextracted([]string{m3.ID, m1.ID, m2.ID})
	if err != nil {
		t.Fatalf("Unextracted error: %v", err)
	}
	if len(pending) != 2 || pending[0] != m3.ID || pending[1] != m1.ID {
		t.Fatalf("expected [m3 m1] preserving order, got %+v", pending)
	}

	progress, err := s.Progress(m2.ID)
	if err != nil || progress == nil {
		t.Fatalf("Progress err=%v p=%+v", err, progress)
	}
	if progress.EntityCount != 4 {
		t.Fatalf("expected latest marker to win, got count %d", progress.EntityCount)
	}

	none, err := s.Progress(m1.ID)
	if err != nil {
		t.Fatalf("Progress error: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil progress for unprocessed message, got %+v", none)
	}

	oldest, err := s.UnextractedMessages(10)
	if err != nil {
		t.Fatalf("UnextractedMessages error: %v", err)
	}
	if len(oldest) != 2 || oldest[0].ID != m1.ID || oldest[1].ID != m3.ID {
		t.Fatalf("expected oldest-first unextracted messages, got %+v", oldest)
	}
}

func TestCommitExtractionAtomic(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "acct:alice")
	m1 := seedMessage(t, s, "acct:alice", "met Ada at the lab", 1000)
	m2 := seedMessage(t, s, "acct:alice", "what time works?", 2000)

	commit := ExtractionCommit{
		Extractor:   "mock",
		ExtractedAt: 5000,
		Results: []MessageEntities{
			{MessageID: m1.ID, Entities: []ExtractedEntity{
				{Text: "Ada Lovelace", Type: "person", Confidence: 0.9},
				{Text: "the lab", Type: "keyword", Confidence: 0.4},
			}},
			{MessageID: m2.ID, Entities: []ExtractedEntity{
				{Text: "what time works?", Type: "question", Confidence: 0.8},
			}},
		},
	}
	if err := s.CommitExtraction(commit); err != nil {
		t.Fatalf("CommitExtraction error: %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.TotalEntities != 3 || stats.TotalMentions != 3 {
		t.Fatalf("unexpected stats after commit: %+v", stats)
	}
	if stats.ProcessedMessages != 2 || stats.PendingMessages != 0 {
		t.Fatalf("unexpected progress stats: %+v", stats)
	}
	if stats.CountsByType["person"] != 1 || stats.CountsByType["keyword"] != 1 || stats.CountsByType["question"] != 1 {
		t.Fatalf("unexpected type counts: %+v", stats.CountsByType)
	}
}

func TestCommitExtractionRollsBackOnBadEntity(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "acct:alice")
	m1 := seedMessage(t, s, "acct:alice", "met Ada at the lab", 1000)
	m2 := seedMessage(t, s, "acct:alice", "second message", 2000)

	commit := ExtractionCommit{
		Extractor: "mock",
		Results: []MessageEntities{
			{MessageID: m1.ID, Entities: []ExtractedEntity{{Text: "Ada Lovelace", Type: "person", Confidence: 0.9}}},
			{MessageID: m2.ID, Entities: []ExtractedEntity{{Text: "   ", Type: "person", Confidence: 0.9}}},
		},
	}
	if err := s.CommitExtraction(commit); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.TotalEntities != 0 || stats.TotalMentions != 0 || stats.ProcessedMessages != 0 {
		t.Fatalf("failed commit left rows behind: %+v", stats)
	}

	pending, err := s.Unextracted([]string{m1.ID, m2.ID})
	if err != nil {
		t.Fatalf("Unextracted error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected both messages still pending, got %+v", pending)
	}
}

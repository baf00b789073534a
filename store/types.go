package store

// Identity is one platform-level handle observed for an account.
type Identity struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
}

// Account is a person or sender aggregated across platforms.
type Account struct {
	ID         string
	DID        string
	Name       string
	IsSelf     bool
	Identities []Identity
	CreatedAt  int64
	UpdatedAt  int64
}

// AccountAttrs carries the attributes observed alongside an account id.
type AccountAttrs struct {
	DID        string
	Name       string
	IsSelf     bool
	Identities []Identity
}

// Thread is a conversation context: dm, group, channel or topic.
type Thread struct {
	ID           string
	Title        string
	Type         string
	Participants []string
	Platform     string
	CreatedAt    int64
	UpdatedAt    int64
}

// ThreadAttrs carries the attributes observed alongside a thread id.
type ThreadAttrs struct {
	Title        string
	Type         string
	Participants []string
	Platform     string
}

// Author identifies who wrote a message.
type Author struct {
	DID    string `json:"did"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

// Message kinds. Zero is invalid.
const (
	KindText   = 1
	KindMedia  = 2
	KindVoice  = 3
	KindFile   = 4
	KindSystem = 5
	KindEvent  = 6
)

// Message is a stored message. ID is the content identifier derived from
// account, content, timestamp and kind; rows are never mutated in place.
type Message struct {
	ID         string
	AccountID  string
	Author     Author
	CreatedAt  int64
	ImportedAt int64
	Kind       int
	Content    string
	ThreadID   string
	ReplyTo    string
	Mentions   []string
	Platform   string
	PlatformID string
	Tags       []string
}

// MessageInput is the adapter-facing shape handed to CreateMessage. The
// store assigns ID and ImportedAt; a zero CreatedAt defaults to now.
type MessageInput struct {
	AccountID  string
	Author     Author
	CreatedAt  int64
	Kind       int
	Content    string
	ThreadID   string
	ReplyTo    string
	Mentions   []string
	Platform   string
	PlatformID string
	Tags       []string
}

// ListMessagesQuery filters ListMessages. Zero fields are ignored.
type ListMessagesQuery struct {
	AccountID string
	ThreadID  string
	Platform  string
	Before    int64
	Limit     int
}

// Entity is a deduplicated extracted entity. NormalizedName is the
// lowercased, whitespace-collapsed form; ConfidenceAvg is the running
// mean over all mentions.
type Entity struct {
	ID             string
	Type           string
	NormalizedName string
	FirstSeen      int64
	LastSeen       int64
	MentionCount   int
	ConfidenceAvg  float64
}

// EntityMention links an entity occurrence to its source message.
type EntityMention struct {
	ID          int64
	EntityID    string
	MessageID   string
	Text        string
	Confidence  float64
	Context     string
	ExtractedAt int64
}

// ExtractionProgress marks a message as processed by the extraction
// pipeline. Its presence is what makes re-runs idempotent.
type ExtractionProgress struct {
	MessageID    string
	ExtractedAt  int64
	Extractor    string
	EntityCount  int
	ProcessingMS int64
}

// ExtractedEntity is one entity occurrence produced by an extractor for
// a single message, before deduplication.
type ExtractedEntity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// MessageEntities pairs a source message with its extracted entities.
type MessageEntities struct {
	MessageID string
	Entities  []ExtractedEntity
}

// ExtractionCommit is one extraction batch ready to persist: entities,
// mentions and progress markers land in a single transaction.
type ExtractionCommit struct {
	Extractor    string
	ExtractedAt  int64
	ProcessingMS int64
	Results      []MessageEntities
}

// EntityStats is a compact snapshot used by status reporting.
type EntityStats struct {
	TotalEntities     int
	TotalMentions     int
	CountsByType      map[string]int
	ProcessedMessages int
	PendingMessages   int
}

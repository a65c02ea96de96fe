package memory

import "time"

// Message is one persisted chat message. Embedding is nil until the indexer
// attaches a vector; after that the row is immutable.
type Message struct {
	ID         int64
	ExternalID string
	GuildID    string
	ChannelID  string
	AuthorID   string
	Content    string
	Timestamp  time.Time
	Embedding  []float32
}

// ChannelSummary is the single rolling summary row of a channel.
type ChannelSummary struct {
	ChannelID   string
	Summary     string
	Tokens      int
	UpdatedAt   time.Time
	RefreshedAt time.Time
}

// Milestone is an append-only durable fact extracted from a channel.
type Milestone struct {
	ID        int64
	ChannelID string
	Fact      string
	CreatedAt time.Time
}

// ChannelSettings controls whether and since when a channel is remembered.
type ChannelSettings struct {
	GuildID         string
	ChannelID       string
	TrackingEnabled bool
	MemoryStartDate *time.Time
	UpdatedAt       time.Time
}

// GuildSettings holds optional per-guild overrides. Nil fields fall back to config.
type GuildSettings struct {
	GuildID        string
	ContextLimit   *int
	RetentionHours *int
	UpdatedAt      time.Time
}

// UserMemoryProfile is a user's opt-in global profile.
type UserMemoryProfile struct {
	UserID    string
	Summary   string
	Enabled   bool
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// SearchFilter narrows retrieval. Zero values mean "no constraint".
type SearchFilter struct {
	Channels []string
	From     time.Time
	To       time.Time
	Limit    int
}

const (
	SourceVector  = "vector"
	SourceKeyword = "keyword"
	SourceBoth    = "both"
)

// SearchResult is one ranked hit of a hybrid search.
type SearchResult struct {
	Message    Message
	Similarity float64
	Score      float64
	Source     string
}

// PurgeScope selects what PurgeData deletes. Empty scope is rejected.
//   - ChannelID only: the whole channel
//   - ChannelID + Before: the channel's messages older than Before
//   - Before only: every message older than Before
//   - UserID: every message by that user, plus the user's memory profile
type PurgeScope struct {
	ChannelID string
	Before    time.Time
	UserID    string
}

func (s PurgeScope) empty() bool {
	return s.ChannelID == "" && s.UserID == "" && s.Before.IsZero()
}

// PurgeResult counts what a purge removed.
type PurgeResult struct {
	Messages   int64
	Summaries  int64
	Milestones int64
	UserMemory int64
	Cache      int
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Messages         int
	Indexed          int
	PendingIndex     int
	Channels         int
	Summaries        int
	Milestones       int
	UserProfiles     int
	DisabledChannels int
}

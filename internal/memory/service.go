package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/leakless21/mascord/internal/config"
)

// Service is the memory engine as seen by commands: it ties the recency
// cache, the store, the indexer, the retriever and the summarizer together.
type Service struct {
	cfg        *config.Config
	store      *Store
	cache      *RecencyCache
	indexer    *Indexer
	retriever  *Retriever
	summarizer *Summarizer
	users      *UserMemory
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires the engine. embedder and llm may be nil, which disables
// indexing and the vector branch, or summarization and profile updates.
func NewService(cfg *config.Config, store *Store, embedder Embedder, llm Completer, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("memory service: nil store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := cfg.Retrieval
	retriever, err := NewRetriever(store, embedder, RetrieverOptions{
		CandidateLimit: r.CandidateLimit,
		KeywordWeight:  r.KeywordWeight,
		Boost:          RecencyBoost(r.RecencyBoost, time.Duration(r.RecencyWindowDays)*24*time.Hour, r.RecencyMaxBoost),
		EmbedTimeout:   cfg.EmbeddingTimeout(),
		QueryCacheSize: r.QueryCacheSize,
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		cache:      NewRecencyCache(cfg.ContextCacheCapacity),
		retriever:  retriever,
		summarizer: NewSummarizer(store, llm, SummaryPolicyFromConfig(cfg), logger),
		users:      NewUserMemory(store, llm, cfg.UserMemoryMaxChars, logger),
		logger:     logger,
		now:        time.Now,
	}
	if embedder != nil {
		s.indexer = NewIndexer(store, embedder, cfg.IndexerBatchSize, cfg.EmbeddingTimeout(), logger)
	}
	return s, nil
}

func (s *Service) Close() {
	s.retriever.Close()
}

func (s *Service) Summarizer() *Summarizer { return s.summarizer }
func (s *Service) UserMemory() *UserMemory { return s.users }

// Indexer is nil when no embedding provider is configured.
func (s *Service) Indexer() *Indexer { return s.indexer }

// Ingest persists msg and records it in the recency cache. Messages of
// untracked channels and blank messages are dropped; a duplicate external ID
// is absorbed. The returned bool reports whether a new row was stored.
func (s *Service) Ingest(ctx context.Context, msg Message) (bool, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return false, nil
	}
	settings, err := s.store.ChannelSettings(ctx, msg.ChannelID)
	if err != nil {
		return false, err
	}
	if !settings.TrackingEnabled {
		s.logger.Debug("channel not tracked, message dropped", zap.String("channel_id", msg.ChannelID))
		return false, nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	id, inserted, err := s.store.Save(ctx, msg)
	if err != nil {
		return false, err
	}
	if inserted {
		msg.ID = id
		s.cache.Record(msg)
	}
	return inserted, nil
}

// contextWindow resolves the context limit and retention of a guild, guild
// overrides taking precedence over configuration.
func (s *Service) contextWindow(ctx context.Context, guildID string) (int, time.Duration, error) {
	limit := s.cfg.ContextMessageLimit
	retention := s.cfg.ContextRetention()
	if guildID == "" {
		return limit, retention, nil
	}
	gs, err := s.store.GuildSettings(ctx, guildID)
	if err != nil {
		return 0, 0, err
	}
	if gs.ContextLimit != nil {
		limit = *gs.ContextLimit
	}
	if gs.RetentionHours != nil {
		retention = time.Duration(*gs.RetentionHours) * time.Hour
	}
	return limit, retention, nil
}

// RecentContext returns the newest messages of a channel, most recent first,
// never more than the resolved limit nor older than the resolved retention.
// A limit <= 0 means the resolved limit. The cache answers when it can; a
// cold or short cache is filled from the store.
func (s *Service) RecentContext(ctx context.Context, guildID, channelID string, limit int) ([]Message, error) {
	settings, err := s.store.ChannelSettings(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !settings.TrackingEnabled {
		return nil, nil
	}
	if guildID == "" {
		guildID = settings.GuildID
	}
	maxLimit, retention, err := s.contextWindow(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	if limit <= 0 {
		return nil, nil
	}

	out := make([]Message, 0, limit)
	for msg := range s.cache.Recent(channelID, limit, retention) {
		if settings.MemoryStartDate != nil && msg.Timestamp.Before(*settings.MemoryStartDate) {
			continue
		}
		out = append(out, msg)
	}
	if len(out) >= limit {
		return out, nil
	}

	var since time.Time
	if retention > 0 {
		since = s.now().Add(-retention)
	}
	stored, err := s.store.FetchRecent(ctx, channelID, since, limit)
	if err != nil {
		return nil, err
	}
	if len(stored) <= len(out) {
		return out, nil
	}
	s.cache.Backfill(channelID, stored)
	s.logger.Debug("recent context served from store",
		zap.String("channel_id", channelID), zap.Int("cached", len(out)), zap.Int("count", len(stored)))
	for i := range stored {
		stored[i].Embedding = nil
	}
	return stored, nil
}

// WorkingMemory returns the channel's rolling summary, or "" when there is none.
func (s *Service) WorkingMemory(ctx context.Context, channelID string) (string, error) {
	settings, err := s.store.ChannelSettings(ctx, channelID)
	if err != nil {
		return "", err
	}
	if !settings.TrackingEnabled {
		return "", nil
	}
	sum, err := s.store.Summary(ctx, channelID)
	if err != nil || sum == nil {
		return "", err
	}
	return sum.Summary, nil
}

func (s *Service) Milestones(ctx context.Context, channelID string) ([]Milestone, error) {
	return s.store.Milestones(ctx, channelID)
}

// AddMilestone appends a manually supplied fact, honouring the per-channel cap.
func (s *Service) AddMilestone(ctx context.Context, channelID, fact string) (bool, error) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return false, errors.New("add milestone: empty fact")
	}
	added, err := s.store.AppendMilestones(ctx, channelID, []string{fact}, s.cfg.Summarization.MaxMilestones, s.now())
	return added > 0, err
}

// Search runs a hybrid search. Transient provider failures reach the caller
// as ErrTemporarilyUnavailable.
func (s *Service) Search(ctx context.Context, query string, filter SearchFilter) ([]SearchResult, error) {
	if maxResults := s.cfg.Retrieval.MaxResults; maxResults > 0 && filter.Limit > maxResults {
		filter.Limit = maxResults
	}
	results, err := s.retriever.Search(ctx, query, filter)
	if err != nil {
		if IsTransient(err) && !errors.Is(err, ErrTemporarilyUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
		}
		return nil, err
	}
	return results, nil
}

// PurgeData deletes what scope selects from the store and the cache.
func (s *Service) PurgeData(ctx context.Context, scope PurgeScope) (PurgeResult, error) {
	result, err := s.store.Purge(ctx, scope)
	if err != nil {
		return result, err
	}
	result.Cache = s.cache.Purge(scope)
	s.logger.Info("memory purged",
		zap.String("channel_id", scope.ChannelID),
		zap.String("user_id", scope.UserID),
		zap.Time("before", scope.Before),
		zap.Int64("messages", result.Messages),
		zap.Int64("summaries", result.Summaries),
		zap.Int64("milestones", result.Milestones),
		zap.Int("cache", result.Cache))
	return result, nil
}

// FormatContext renders the working memory, milestones and recent messages of
// a channel as prompt text. Messages are listed oldest first.
func (s *Service) FormatContext(ctx context.Context, guildID, channelID string) (string, error) {
	summary, err := s.WorkingMemory(ctx, channelID)
	if err != nil {
		return "", err
	}
	var milestones []Milestone
	if summary != "" {
		if milestones, err = s.store.Milestones(ctx, channelID); err != nil {
			return "", err
		}
	}
	recent, err := s.RecentContext(ctx, guildID, channelID, 0)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if summary != "" {
		b.WriteString("Channel summary:\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	if len(milestones) > 0 {
		b.WriteString("\nMilestones:\n")
		for _, m := range milestones {
			fmt.Fprintf(&b, "- %s\n", m.Fact)
		}
	}
	if len(recent) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Recent messages:\n")
		slices.Reverse(recent)
		for _, m := range recent {
			fmt.Fprintf(&b, "[%s]: %s\n", m.AuthorID, strings.TrimSpace(m.Content))
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Service) ChannelSettings(ctx context.Context, channelID string) (ChannelSettings, error) {
	return s.store.ChannelSettings(ctx, channelID)
}

func (s *Service) ListChannelSettings(ctx context.Context, guildID string) ([]ChannelSettings, error) {
	return s.store.ListChannelSettings(ctx, guildID)
}

// SetTracking enables or disables memory for a channel. Disabling keeps the
// stored rows but hides them from every read path.
func (s *Service) SetTracking(ctx context.Context, guildID, channelID string, enabled bool) error {
	if err := s.store.SetChannelTracking(ctx, guildID, channelID, enabled); err != nil {
		return err
	}
	if !enabled {
		s.cache.Purge(PurgeScope{ChannelID: channelID})
	}
	return nil
}

func (s *Service) SetMemoryStartDate(ctx context.Context, guildID, channelID string, start *time.Time) error {
	return s.store.SetMemoryStartDate(ctx, guildID, channelID, start)
}

func (s *Service) GuildSettings(ctx context.Context, guildID string) (GuildSettings, error) {
	return s.store.GuildSettings(ctx, guildID)
}

func (s *Service) UpdateGuildSettings(ctx context.Context, guildID string, upd GuildSettingsUpdate) (GuildSettings, error) {
	return s.store.UpdateGuildSettings(ctx, guildID, upd)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// IndexPending is the periodic indexer job.
func (s *Service) IndexPending(ctx context.Context) error {
	if s.indexer == nil {
		return nil
	}
	_, err := s.indexer.RunOnce(ctx)
	return err
}

// SummarizeActive is the periodic summarizer job.
func (s *Service) SummarizeActive(ctx context.Context) error {
	_, err := s.summarizer.RunCycle(ctx)
	return err
}

// Cleanup is the periodic maintenance job: it ages out the recency cache,
// applies long-term store retention and drops expired user profiles.
func (s *Service) Cleanup(ctx context.Context) error {
	now := s.now()
	if retention := s.cfg.ContextRetention(); retention > 0 {
		if n := s.cache.CleanupOlderThan(now.Add(-retention)); n > 0 {
			s.logger.Debug("cache entries expired", zap.Int("count", n))
		}
	}

	var errs []error
	if days := s.cfg.LongTermRetentionDays; days > 0 {
		n, err := s.store.CleanupOlderThan(ctx, now.AddDate(0, 0, -days))
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			s.logger.Info("long-term retention applied", zap.Int64("count", n))
		}
	}
	if _, err := s.users.CleanupExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

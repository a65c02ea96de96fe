package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leakless21/mascord/internal/config"
)

func newTestService(t *testing.T, mutate func(cfg *config.Config)) (*Service, *Store, *fakeEmbedder, *scriptedCompleter) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	llm := &scriptedCompleter{respond: func(prompt string) (string, error) {
		if isMilestonePrompt(prompt) {
			return "None", nil
		}
		return "summary", nil
	}}
	svc, err := NewService(cfg, store, embedder, llm, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, store, embedder, llm
}

func ingest(t *testing.T, svc *Service, msg Message) {
	t.Helper()
	if msg.ExternalID == "" {
		msg.ExternalID = fmt.Sprintf("%s-%s-%d", msg.ChannelID, msg.Content, msg.Timestamp.UnixNano())
	}
	inserted, err := svc.Ingest(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, inserted)
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestServiceRecentContextOrder(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		ingest(t, svc, Message{GuildID: "g1", ChannelID: "C", AuthorID: "u1", Content: fmt.Sprintf("M%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	got, err := svc.RecentContext(context.Background(), "g1", "C", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"M5", "M4", "M3"}, contents(got))
}

func TestServiceIngestDropsUntrackedAndDuplicates(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	ctx := context.Background()
	require.NoError(t, svc.SetTracking(ctx, "g1", "muted", false))

	inserted, err := svc.Ingest(ctx, Message{ExternalID: "x1", GuildID: "g1", ChannelID: "muted", AuthorID: "u1", Content: "hello", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.False(t, inserted)

	msg := Message{ExternalID: "x2", GuildID: "g1", ChannelID: "open", AuthorID: "u1", Content: "hello", Timestamp: time.Now()}
	inserted, err = svc.Ingest(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = svc.Ingest(ctx, msg)
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = svc.Ingest(ctx, Message{ExternalID: "x3", ChannelID: "open", AuthorID: "u1", Content: "   "})
	require.NoError(t, err)
	assert.False(t, inserted)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Messages)
	assert.Equal(t, 1, svc.cache.Len("open"))
}

func TestServiceRecentContextColdStart(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 4; i++ {
		saveMessage(t, store, Message{ChannelID: "C", AuthorID: "u1", Content: fmt.Sprintf("M%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	require.Zero(t, svc.cache.Len("C"))

	got, err := svc.RecentContext(context.Background(), "", "C", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"M4", "M3", "M2", "M1"}, contents(got))
	assert.Equal(t, 4, svc.cache.Len("C"))

	ingest(t, svc, Message{ChannelID: "C", AuthorID: "u1", Content: "M5", Timestamp: time.Now()})
	got, err = svc.RecentContext(context.Background(), "", "C", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"M5", "M4"}, contents(got))
}

func TestServiceRecentContextHonoursRetentionAndLimits(t *testing.T) {
	svc, _, _, _ := newTestService(t, func(cfg *config.Config) {
		cfg.ContextRetentionHours = 1
		cfg.ContextMessageLimit = 3
	})
	ctx := context.Background()
	now := time.Now()
	ingest(t, svc, Message{GuildID: "g1", ChannelID: "C", AuthorID: "u1", Content: "stale", Timestamp: now.Add(-2 * time.Hour)})
	for i := 1; i <= 4; i++ {
		ingest(t, svc, Message{GuildID: "g1", ChannelID: "C", AuthorID: "u1", Content: fmt.Sprintf("fresh%d", i), Timestamp: now.Add(-time.Duration(10-i) * time.Minute)})
	}

	got, err := svc.RecentContext(ctx, "g1", "C", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh4", "fresh3", "fresh2"}, contents(got))

	two := 2
	_, err = svc.UpdateGuildSettings(ctx, "g1", GuildSettingsUpdate{ContextLimit: &two})
	require.NoError(t, err)
	got, err = svc.RecentContext(ctx, "g1", "C", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// A guild override of zero retention disables the age filter.
	zero, ten := 0, 10
	_, err = svc.UpdateGuildSettings(ctx, "g1", GuildSettingsUpdate{ContextLimit: &ten, RetentionHours: &zero})
	require.NoError(t, err)
	got, err = svc.RecentContext(ctx, "g1", "C", 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, "stale", got[4].Content)
}

func TestServiceRecentContextMemoryStartDate(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()
	now := time.Now()
	ingest(t, svc, Message{GuildID: "g1", ChannelID: "C", AuthorID: "u1", Content: "before", Timestamp: now.Add(-2 * time.Hour)})
	ingest(t, svc, Message{GuildID: "g1", ChannelID: "C", AuthorID: "u1", Content: "after", Timestamp: now.Add(-time.Minute)})

	start := now.Add(-time.Hour)
	require.NoError(t, svc.SetMemoryStartDate(ctx, "g1", "C", &start))
	got, err := svc.RecentContext(ctx, "g1", "C", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, contents(got))

	require.NoError(t, svc.SetTracking(ctx, "g1", "C", false))
	got, err = svc.RecentContext(ctx, "g1", "C", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestServicePurgeUserIsComplete(t *testing.T) {
	svc, store, embedder, _ := newTestService(t, nil)
	ctx := context.Background()
	now := time.Now()
	ingest(t, svc, Message{GuildID: "g1", ChannelID: "c1", AuthorID: "mallory", Content: "secret launch codes", Timestamp: now.Add(-3 * time.Minute)})
	ingest(t, svc, Message{GuildID: "g1", ChannelID: "c1", AuthorID: "bob", Content: "weather is nice", Timestamp: now.Add(-2 * time.Minute)})
	ingest(t, svc, Message{GuildID: "g1", ChannelID: "c2", AuthorID: "mallory", Content: "more secret plans", Timestamp: now.Add(-time.Minute)})
	_, err := NewIndexer(store, embedder, 10, time.Second, nil).Drain(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SaveSummary(ctx, "c1", "mallory shared secret launch codes", 8, now, true))
	_, err = svc.AddMilestone(ctx, "c1", "mallory has launch codes")
	require.NoError(t, err)
	require.NoError(t, svc.UserMemory().Set(ctx, "mallory", "- likes secrets", 0))

	res, err := svc.PurgeData(ctx, PurgeScope{UserID: "mallory"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Messages)
	assert.Equal(t, int64(1), res.UserMemory)
	assert.Equal(t, 2, res.Cache)

	wm, err := svc.WorkingMemory(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, wm)
	ms, err := svc.Milestones(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, ms)

	results, err := svc.Search(ctx, "secret", SearchFilter{Limit: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "mallory", r.Message.AuthorID)
	}
	results, err = svc.Search(ctx, "secret launch codes", SearchFilter{Limit: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "mallory", r.Message.AuthorID)
	}

	recent, err := svc.RecentContext(ctx, "g1", "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather is nice"}, contents(recent))

	_, err = svc.PurgeData(ctx, PurgeScope{})
	assert.ErrorIs(t, err, ErrEmptyPurgeScope)
}

func TestServicePurgeChannel(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()
	ingest(t, svc, Message{ChannelID: "c1", AuthorID: "u1", Content: "gone soon", Timestamp: time.Now()})
	ingest(t, svc, Message{ChannelID: "c2", AuthorID: "u1", Content: "stays", Timestamp: time.Now()})

	res, err := svc.PurgeData(ctx, PurgeScope{ChannelID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Messages)
	assert.Equal(t, 1, res.Cache)

	recent, err := svc.RecentContext(ctx, "", "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, recent)
	recent, err = svc.RecentContext(ctx, "", "c2", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestServiceSearchClampsToConfiguredMaximum(t *testing.T) {
	svc, _, _, _ := newTestService(t, func(cfg *config.Config) { cfg.Retrieval.MaxResults = 3 })
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		ingest(t, svc, Message{ChannelID: "c1", AuthorID: "u1", Content: fmt.Sprintf("topic item %d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	results, err := svc.Search(context.Background(), "topic", SearchFilter{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestServiceSearchTransientFailure(t *testing.T) {
	svc, _, embedder, _ := newTestService(t, nil)
	embedder.failAll(&ProviderError{Op: "embed", Err: errors.New("connection reset")})
	svc.retriever.store = brokenSearchStore{err: context.DeadlineExceeded}

	_, err := svc.Search(context.Background(), "anything", SearchFilter{})
	assert.ErrorIs(t, err, ErrTemporarilyUnavailable)
}

func TestServiceFormatContext(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	ingest(t, svc, Message{ChannelID: "c1", AuthorID: "alice", Content: "first", Timestamp: base})
	ingest(t, svc, Message{ChannelID: "c1", AuthorID: "bob", Content: "second", Timestamp: base.Add(time.Minute)})

	out, err := svc.FormatContext(ctx, "", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Recent messages:\n[alice]: first\n[bob]: second", out)

	require.NoError(t, store.SaveSummary(ctx, "c1", "they talked", 3, time.Now(), true))
	_, err = svc.AddMilestone(ctx, "c1", "decided things")
	require.NoError(t, err)
	out, err = svc.FormatContext(ctx, "", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Channel summary:\nthey talked\n\nMilestones:\n- decided things\n\nRecent messages:\n[alice]: first\n[bob]: second", out)

	empty, err := svc.FormatContext(ctx, "", "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestServiceBackgroundJobs(t *testing.T) {
	svc, store, embedder, llm := newTestService(t, func(cfg *config.Config) {
		cfg.LongTermRetentionDays = 30
		cfg.Summarization.InitialMinMessages = 2
	})
	ctx := context.Background()
	now := time.Now()
	ingest(t, svc, Message{ChannelID: "c1", AuthorID: "u1", Content: "ancient history", Timestamp: now.AddDate(0, 0, -60)})
	ingest(t, svc, Message{ChannelID: "c1", AuthorID: "u1", Content: "recent news one", Timestamp: now.Add(-time.Minute)})
	ingest(t, svc, Message{ChannelID: "c1", AuthorID: "u2", Content: "recent news two", Timestamp: now})

	require.NoError(t, svc.IndexPending(ctx))
	assert.Equal(t, int64(3), embedder.calls.Load())

	require.NoError(t, svc.SummarizeActive(ctx))
	assert.Positive(t, llm.promptCount())
	wm, err := svc.WorkingMemory(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "summary", wm)

	require.NoError(t, svc.UserMemory().Set(ctx, "u1", "- profile", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, svc.Cleanup(ctx))
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Messages)
	assert.Zero(t, stats.UserProfiles)
	assert.Equal(t, 2, svc.cache.Len("c1"))
}

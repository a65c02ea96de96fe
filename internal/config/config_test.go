package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, DefaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, DefaultContextMessageLimit, cfg.ContextMessageLimit)
	assert.Equal(t, DefaultContextRetentionHours, cfg.ContextRetentionHours)
	assert.Equal(t, DefaultIndexerBatchSize, cfg.IndexerBatchSize)
	assert.Equal(t, DefaultIndexerIntervalSecs, cfg.IndexerIntervalSecs)
	assert.True(t, cfg.IndexerEnabled)
	assert.True(t, cfg.Summarization.Enabled)
	assert.Equal(t, DefaultSummarizationTriggerNew, cfg.Summarization.TriggerNewMessages)
	assert.Equal(t, DefaultSummarizationTriggerMinNew, cfg.Summarization.TriggerMinNewMessages)
	assert.Equal(t, DefaultSummarizationMaxTokens, cfg.Summarization.MaxTokens)
	assert.Equal(t, DefaultRetrievalCandidateLimit, cfg.Retrieval.CandidateLimit)
	assert.Equal(t, RecencyBoostLinear, cfg.Retrieval.RecencyBoost)
	assert.InDelta(t, 0.05, cfg.Retrieval.RecencyMaxBoost, 1e-9)
	assert.Equal(t, DefaultLongTermRetentionDays, cfg.LongTermRetentionDays)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.IndexerInterval())
	assert.Equal(t, 24*time.Hour, cfg.ContextRetention())
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultContextMessageLimit, cfg.ContextMessageLimit)
	// Embedding endpoint falls back to the LLM endpoint.
	assert.Equal(t, cfg.LLMBaseURL, cfg.EmbeddingBaseURL)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mascord.yaml")
	content := []byte(`
database_url: /tmp/test.db
context_message_limit: 12
summarization_trigger_new_messages: 80
retrieval_recency_boost: step
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.DatabaseURL)
	assert.Equal(t, 12, cfg.ContextMessageLimit)
	assert.Equal(t, 80, cfg.Summarization.TriggerNewMessages)
	assert.Equal(t, RecencyBoostStep, cfg.Retrieval.RecencyBoost)
	assert.Equal(t, DefaultIndexerBatchSize, cfg.IndexerBatchSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONTEXT_MESSAGE_LIMIT", "7")
	t.Setenv("EMBEDDING_INDEXER_BATCH_SIZE", "5")
	t.Setenv("SUMMARIZATION_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ContextMessageLimit)
	assert.Equal(t, 5, cfg.IndexerBatchSize)
	assert.False(t, cfg.Summarization.Enabled)
}

func TestLoad_InvalidFailsFast(t *testing.T) {
	t.Setenv("EMBEDDING_INDEXER_INTERVAL_SECS", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding_indexer_interval_secs")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero batch", func(c *Config) { c.IndexerBatchSize = 0 }, "embedding_indexer_batch_size"},
		{"negative summary interval", func(c *Config) { c.Summarization.IntervalSecs = -1 }, "summarization_interval_secs"},
		{"zero token cap", func(c *Config) { c.Summarization.MaxTokens = 0 }, "summarization_max_tokens"},
		{"low water above high water", func(c *Config) { c.Summarization.TriggerMinNewMessages = 200 }, "must not exceed"},
		{"keyword weight out of range", func(c *Config) { c.Retrieval.KeywordWeight = 1.5 }, "retrieval_keyword_weight"},
		{"unknown boost", func(c *Config) { c.Retrieval.RecencyBoost = "cubic" }, "retrieval_recency_boost"},
		{"empty database", func(c *Config) { c.DatabaseURL = " " }, "database_url"},
		{"retention disabled is fine", func(c *Config) { c.ContextRetentionHours = 0; c.LongTermRetentionDays = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

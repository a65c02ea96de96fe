package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultDatabaseURL = "data/mascord.db"
	DefaultLLMBaseURL  = "http://localhost:8080/v1"
	DefaultLLMModel    = "local-model"

	DefaultLLMTimeoutSecs       = 120
	DefaultEmbeddingTimeoutSecs = 30

	DefaultContextMessageLimit   = 50
	DefaultContextRetentionHours = 24
	DefaultContextCacheCapacity  = 50

	DefaultIndexerBatchSize    = 25
	DefaultIndexerIntervalSecs = 30

	DefaultSummarizationIntervalSecs    = 3600
	DefaultSummarizationActiveLookback  = 7
	DefaultSummarizationInitialMin      = 50
	DefaultSummarizationTriggerNew      = 150
	DefaultSummarizationTriggerAgeHours = 6
	DefaultSummarizationTriggerMinNew   = 20
	DefaultSummarizationMaxTokens       = 1200
	DefaultSummarizationRefreshWeeks    = 6
	DefaultSummarizationRefreshLookback = 14
	DefaultSummarizationMaxMilestones   = 20

	DefaultRetrievalCandidateLimit    = 1000
	DefaultRetrievalMaxResults        = 100
	DefaultRetrievalKeywordWeight     = 0.5
	DefaultRetrievalRecencyBoost      = RecencyBoostLinear
	DefaultRetrievalRecencyWindowDays = 30
	DefaultRetrievalRecencyMaxBoost   = 0.05
	DefaultRetrievalQueryCacheSize    = 1024

	DefaultLongTermRetentionDays = 365
	DefaultCleanupIntervalSecs   = 3600
	DefaultShutdownTimeoutSecs   = 10
	DefaultUserMemoryMaxChars    = 1200
)

// Recency boost shapes accepted by retrieval_recency_boost.
const (
	RecencyBoostLinear = "linear"
	RecencyBoostLog    = "log"
	RecencyBoostStep   = "step"
	RecencyBoostNone   = "none"
)

// Config is the flat settings map of the memory engine. Every key can be set in a
// config file or through an environment variable of the same name in upper case.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`

	LLMBaseURL string `mapstructure:"llm_base_url"`
	LLMModel   string `mapstructure:"llm_model"`
	LLMAPIKey  string `mapstructure:"llm_api_key"`

	EmbeddingBaseURL   string `mapstructure:"embedding_base_url"`
	EmbeddingModel     string `mapstructure:"embedding_model"`
	EmbeddingAPIKey    string `mapstructure:"embedding_api_key"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension"`

	LLMTimeoutSecs       int `mapstructure:"llm_timeout_secs"`
	EmbeddingTimeoutSecs int `mapstructure:"embedding_timeout_secs"`

	ContextMessageLimit   int `mapstructure:"context_message_limit"`
	ContextRetentionHours int `mapstructure:"context_retention_hours"`
	ContextCacheCapacity  int `mapstructure:"context_cache_capacity"`

	IndexerEnabled      bool `mapstructure:"embedding_indexer_enabled"`
	IndexerBatchSize    int  `mapstructure:"embedding_indexer_batch_size"`
	IndexerIntervalSecs int  `mapstructure:"embedding_indexer_interval_secs"`

	Summarization SummarizationConfig `mapstructure:",squash"`
	Retrieval     RetrievalConfig     `mapstructure:",squash"`

	LongTermRetentionDays int `mapstructure:"long_term_retention_days"`
	CleanupIntervalSecs   int `mapstructure:"cleanup_interval_secs"`
	ShutdownTimeoutSecs   int `mapstructure:"shutdown_timeout_secs"`
	UserMemoryMaxChars    int `mapstructure:"user_memory_max_chars"`
}

type SummarizationConfig struct {
	Enabled               bool `mapstructure:"summarization_enabled"`
	IntervalSecs          int  `mapstructure:"summarization_interval_secs"`
	ActiveLookbackDays    int  `mapstructure:"summarization_active_channels_lookback_days"`
	InitialMinMessages    int  `mapstructure:"summarization_initial_min_messages"`
	TriggerNewMessages    int  `mapstructure:"summarization_trigger_new_messages"`
	TriggerAgeHours       int  `mapstructure:"summarization_trigger_age_hours"`
	TriggerMinNewMessages int  `mapstructure:"summarization_trigger_min_new_messages"`
	MaxTokens             int  `mapstructure:"summarization_max_tokens"`
	RefreshWeeks          int  `mapstructure:"summarization_refresh_weeks"`
	RefreshLookbackDays   int  `mapstructure:"summarization_refresh_days_lookback"`
	MaxMilestones         int  `mapstructure:"summarization_max_milestones"`
}

type RetrievalConfig struct {
	CandidateLimit    int     `mapstructure:"retrieval_candidate_limit"`
	MaxResults        int     `mapstructure:"retrieval_max_results"`
	KeywordWeight     float64 `mapstructure:"retrieval_keyword_weight"`
	RecencyBoost      string  `mapstructure:"retrieval_recency_boost"`
	RecencyWindowDays int     `mapstructure:"retrieval_recency_window_days"`
	RecencyMaxBoost   float64 `mapstructure:"retrieval_recency_max_boost"`
	QueryCacheSize    int     `mapstructure:"retrieval_query_cache_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", DefaultDatabaseURL)
	v.SetDefault("llm_base_url", DefaultLLMBaseURL)
	v.SetDefault("llm_model", DefaultLLMModel)
	v.SetDefault("llm_api_key", "")
	v.SetDefault("embedding_base_url", "")
	v.SetDefault("embedding_model", DefaultLLMModel)
	v.SetDefault("embedding_api_key", "")
	v.SetDefault("embedding_dimension", 0)
	v.SetDefault("llm_timeout_secs", DefaultLLMTimeoutSecs)
	v.SetDefault("embedding_timeout_secs", DefaultEmbeddingTimeoutSecs)

	v.SetDefault("context_message_limit", DefaultContextMessageLimit)
	v.SetDefault("context_retention_hours", DefaultContextRetentionHours)
	v.SetDefault("context_cache_capacity", DefaultContextCacheCapacity)

	v.SetDefault("embedding_indexer_enabled", true)
	v.SetDefault("embedding_indexer_batch_size", DefaultIndexerBatchSize)
	v.SetDefault("embedding_indexer_interval_secs", DefaultIndexerIntervalSecs)

	v.SetDefault("summarization_enabled", true)
	v.SetDefault("summarization_interval_secs", DefaultSummarizationIntervalSecs)
	v.SetDefault("summarization_active_channels_lookback_days", DefaultSummarizationActiveLookback)
	v.SetDefault("summarization_initial_min_messages", DefaultSummarizationInitialMin)
	v.SetDefault("summarization_trigger_new_messages", DefaultSummarizationTriggerNew)
	v.SetDefault("summarization_trigger_age_hours", DefaultSummarizationTriggerAgeHours)
	v.SetDefault("summarization_trigger_min_new_messages", DefaultSummarizationTriggerMinNew)
	v.SetDefault("summarization_max_tokens", DefaultSummarizationMaxTokens)
	v.SetDefault("summarization_refresh_weeks", DefaultSummarizationRefreshWeeks)
	v.SetDefault("summarization_refresh_days_lookback", DefaultSummarizationRefreshLookback)
	v.SetDefault("summarization_max_milestones", DefaultSummarizationMaxMilestones)

	v.SetDefault("retrieval_candidate_limit", DefaultRetrievalCandidateLimit)
	v.SetDefault("retrieval_max_results", DefaultRetrievalMaxResults)
	v.SetDefault("retrieval_keyword_weight", DefaultRetrievalKeywordWeight)
	v.SetDefault("retrieval_recency_boost", DefaultRetrievalRecencyBoost)
	v.SetDefault("retrieval_recency_window_days", DefaultRetrievalRecencyWindowDays)
	v.SetDefault("retrieval_recency_max_boost", DefaultRetrievalRecencyMaxBoost)
	v.SetDefault("retrieval_query_cache_size", DefaultRetrievalQueryCacheSize)

	v.SetDefault("long_term_retention_days", DefaultLongTermRetentionDays)
	v.SetDefault("cleanup_interval_secs", DefaultCleanupIntervalSecs)
	v.SetDefault("shutdown_timeout_secs", DefaultShutdownTimeoutSecs)
	v.SetDefault("user_memory_max_chars", DefaultUserMemoryMaxChars)
}

// DefaultConfig returns the documented defaults without reading files or the environment.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a decode failure here is a programming error.
		panic(fmt.Sprintf("decode default config: %v", err))
	}
	return &cfg
}

// Load reads defaults, then the optional config file at path, then environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.EmbeddingBaseURL == "" {
		cfg.EmbeddingBaseURL = cfg.LLMBaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the background loops cannot run with.
func (c *Config) Validate() error {
	var problems []string
	positive := func(name string, value int) {
		if value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be > 0 (got %d)", name, value))
		}
	}
	nonNegative := func(name string, value int) {
		if value < 0 {
			problems = append(problems, fmt.Sprintf("%s must be >= 0 (got %d)", name, value))
		}
	}

	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "database_url must be set")
	}
	positive("llm_timeout_secs", c.LLMTimeoutSecs)
	positive("embedding_timeout_secs", c.EmbeddingTimeoutSecs)
	nonNegative("embedding_dimension", c.EmbeddingDimension)
	positive("context_message_limit", c.ContextMessageLimit)
	nonNegative("context_retention_hours", c.ContextRetentionHours)
	positive("context_cache_capacity", c.ContextCacheCapacity)
	positive("embedding_indexer_batch_size", c.IndexerBatchSize)
	positive("embedding_indexer_interval_secs", c.IndexerIntervalSecs)

	s := c.Summarization
	positive("summarization_interval_secs", s.IntervalSecs)
	positive("summarization_active_channels_lookback_days", s.ActiveLookbackDays)
	nonNegative("summarization_initial_min_messages", s.InitialMinMessages)
	positive("summarization_trigger_new_messages", s.TriggerNewMessages)
	positive("summarization_trigger_age_hours", s.TriggerAgeHours)
	nonNegative("summarization_trigger_min_new_messages", s.TriggerMinNewMessages)
	positive("summarization_max_tokens", s.MaxTokens)
	positive("summarization_refresh_weeks", s.RefreshWeeks)
	positive("summarization_refresh_days_lookback", s.RefreshLookbackDays)
	positive("summarization_max_milestones", s.MaxMilestones)
	if s.TriggerMinNewMessages > s.TriggerNewMessages {
		problems = append(problems, "summarization_trigger_min_new_messages must not exceed summarization_trigger_new_messages")
	}

	r := c.Retrieval
	positive("retrieval_candidate_limit", r.CandidateLimit)
	positive("retrieval_max_results", r.MaxResults)
	positive("retrieval_recency_window_days", r.RecencyWindowDays)
	nonNegative("retrieval_query_cache_size", r.QueryCacheSize)
	if r.KeywordWeight < 0 || r.KeywordWeight > 1 {
		problems = append(problems, fmt.Sprintf("retrieval_keyword_weight must be in [0,1] (got %g)", r.KeywordWeight))
	}
	if r.RecencyMaxBoost < 0 {
		problems = append(problems, fmt.Sprintf("retrieval_recency_max_boost must be >= 0 (got %g)", r.RecencyMaxBoost))
	}
	switch strings.ToLower(strings.TrimSpace(r.RecencyBoost)) {
	case RecencyBoostLinear, RecencyBoostLog, RecencyBoostStep, RecencyBoostNone:
	default:
		problems = append(problems, fmt.Sprintf("retrieval_recency_boost must be one of linear|log|step|none (got %q)", r.RecencyBoost))
	}

	nonNegative("long_term_retention_days", c.LongTermRetentionDays)
	positive("cleanup_interval_secs", c.CleanupIntervalSecs)
	positive("shutdown_timeout_secs", c.ShutdownTimeoutSecs)
	positive("user_memory_max_chars", c.UserMemoryMaxChars)

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSecs) * time.Second
}

func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.EmbeddingTimeoutSecs) * time.Second
}

func (c *Config) IndexerInterval() time.Duration {
	return time.Duration(c.IndexerIntervalSecs) * time.Second
}

func (c *Config) SummarizationInterval() time.Duration {
	return time.Duration(c.Summarization.IntervalSecs) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSecs) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}

// ContextRetention is zero when age filtering is disabled.
func (c *Config) ContextRetention() time.Duration {
	return time.Duration(c.ContextRetentionHours) * time.Hour
}

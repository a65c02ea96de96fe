package memory

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/leakless21/mascord/internal/config"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls any OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   string
	timeout time.Duration

	// dim is the configured dimension, or the first dimension seen when unset.
	dim atomic.Int64
}

func NewOpenAIEmbedder(cfg *config.Config) *OpenAIEmbedder {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	baseURL := firstNonEmptyTrimmed(cfg.EmbeddingBaseURL, cfg.LLMBaseURL)
	apiKey := firstNonEmptyTrimmed(cfg.EmbeddingAPIKey, cfg.LLMAPIKey)

	e := &OpenAIEmbedder{
		client:  newOpenAIClient(baseURL, apiKey),
		model:   firstNonEmptyTrimmed(cfg.EmbeddingModel, cfg.LLMModel),
		timeout: cfg.EmbeddingTimeout(),
	}
	e.dim.Store(int64(cfg.EmbeddingDimension))
	return e
}

func newOpenAIClient(baseURL, apiKey string) *openai.Client {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(clientCfg)
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{trimmed},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, &ProviderError{Op: "embed", Err: err}
	}

	vec, err := e.validate(resp.Data)
	if err != nil {
		return nil, &ProviderError{Op: "embed", Err: err}
	}
	return vec, nil
}

func (e *OpenAIEmbedder) validate(data []openai.Embedding) ([]float32, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors want 1", ErrInvalidEmbedding, len(data))
	}
	vec := data[0].Embedding
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	for i, v := range vec {
		if !finite32(v) {
			return nil, fmt.Errorf("%w: invalid value at index %d", ErrInvalidEmbedding, i)
		}
	}

	want := e.dim.Load()
	if want == 0 && e.dim.CompareAndSwap(0, int64(len(vec))) {
		want = int64(len(vec))
	} else if want == 0 {
		want = e.dim.Load()
	}
	if int64(len(vec)) != want {
		return nil, fmt.Errorf("%w: dimension %d want %d", ErrInvalidEmbedding, len(vec), want)
	}

	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func firstNonEmptyTrimmed(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leakless21/mascord/internal/config"
)

func newProviderTestConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.LLMBaseURL = baseURL
	cfg.LLMAPIKey = "test-llm-key"
	cfg.LLMModel = "chat-test"
	cfg.EmbeddingBaseURL = baseURL
	cfg.EmbeddingAPIKey = "test-embed-key"
	cfg.EmbeddingModel = "text-embedding-test"
	return cfg
}

func embeddingServer(t *testing.T, vectors map[string][]float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-embed-key", r.Header.Get("Authorization"))

		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) || !assert.Len(t, body.Input, 1) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "text-embedding-test", body.Model)

		vec, ok := vectors[body.Input[0]]
		if !ok {
			http.Error(w, `{"error":{"message":"unknown input","type":"invalid_request_error"}}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  body.Model,
			"data": []map[string]any{{
				"object":    "embedding",
				"index":     0,
				"embedding": vec,
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedderEmbed(t *testing.T) {
	srv := embeddingServer(t, map[string][]float32{
		"hello embedder": {0.1, 0.2, 0.3},
		"short":          {0.1, 0.2},
	})
	embedder := NewOpenAIEmbedder(newProviderTestConfig(srv.URL))

	vec, err := embedder.Embed(context.Background(), "  hello embedder  ")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	// The first vector fixed the dimension; a different one is rejected.
	_, err = embedder.Embed(context.Background(), "short")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEmbedding)
	assert.False(t, IsTransient(err))
}

func TestOpenAIEmbedderConfiguredDimension(t *testing.T) {
	srv := embeddingServer(t, map[string][]float32{"x": {1, 2, 3}})
	cfg := newProviderTestConfig(srv.URL)
	cfg.EmbeddingDimension = 4

	_, err := NewOpenAIEmbedder(cfg).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrInvalidEmbedding)
}

func TestOpenAIEmbedderEmptyText(t *testing.T) {
	_, err := NewOpenAIEmbedder(newProviderTestConfig("http://127.0.0.1:1")).Embed(context.Background(), "   ")
	require.Error(t, err)
}

func TestOpenAIEmbedderRejectedRequestIsPermanent(t *testing.T) {
	srv := embeddingServer(t, map[string][]float32{})
	_, err := NewOpenAIEmbedder(newProviderTestConfig(srv.URL)).Embed(context.Background(), "unknown")
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "embed", pe.Op)
	assert.False(t, IsTransient(err))
}

func TestOpenAIEmbedderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	embedder := NewOpenAIEmbedder(newProviderTestConfig(srv.URL))
	embedder.timeout = 50 * time.Millisecond

	_, err := embedder.Embed(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&ProviderError{Op: "embed", Err: errors.New("503")}))
	assert.False(t, IsTransient(&ProviderError{Op: "embed", Err: ErrInvalidEmbedding}))

	for status, want := range map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusNotFound:            false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
	} {
		err := &ProviderError{Op: "embed", Err: &openai.APIError{HTTPStatusCode: status}}
		assert.Equal(t, want, IsTransient(err), "status %d", status)
		err = &ProviderError{Op: "embed", Err: &openai.RequestError{HTTPStatusCode: status}}
		assert.Equal(t, want, IsTransient(err), "status %d", status)
	}
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Contains(t, UserMessage(ErrTemporarilyUnavailable), "temporarily unavailable")
	assert.NotContains(t, UserMessage(errors.New("sqlite: disk I/O error")), "sqlite")
}

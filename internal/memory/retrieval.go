package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

const (
	DefaultKeywordWeight      = 0.5
	DefaultRecencyWindow      = 30 * 24 * time.Hour
	DefaultRecencyMaxBoost    = 0.05
	DefaultQueryCacheCapacity = 1024
)

type searchStore interface {
	VectorCandidates(ctx context.Context, filter SearchFilter, limit int) ([]Message, error)
	SearchKeyword(ctx context.Context, query string, filter SearchFilter) ([]Message, error)
}

// RecencyBoostFunc maps a message age to a score multiplier >= 1.
type RecencyBoostFunc func(age time.Duration) float64

// RecencyBoost builds a boost curve over window. Shapes: "linear" (default),
// "log", "step" and "none". Ages beyond window, or negative, get no boost
// beyond the curve's bounds.
func RecencyBoost(shape string, window time.Duration, maxBoost float64) RecencyBoostFunc {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	if maxBoost < 0 {
		maxBoost = 0
	}
	frac := func(age time.Duration) float64 {
		if age < 0 {
			age = 0
		}
		if age >= window {
			return 1
		}
		return float64(age) / float64(window)
	}

	switch strings.ToLower(strings.TrimSpace(shape)) {
	case "none":
		return func(time.Duration) float64 { return 1 }
	case "log":
		windowDays := window.Hours() / 24
		return func(age time.Duration) float64 {
			days := frac(age) * windowDays
			return 1 + maxBoost*(1-math.Log1p(days)/math.Log1p(windowDays))
		}
	case "step":
		return func(age time.Duration) float64 {
			switch f := frac(age); {
			case f < 0.25:
				return 1 + maxBoost
			case f < 1:
				return 1 + maxBoost/2
			default:
				return 1
			}
		}
	default:
		return func(age time.Duration) float64 {
			return 1 + maxBoost*(1-frac(age))
		}
	}
}

type RetrieverOptions struct {
	CandidateLimit int
	KeywordWeight  float64
	Boost          RecencyBoostFunc
	EmbedTimeout   time.Duration
	QueryCacheSize int
}

// Retriever answers hybrid searches: cosine similarity over recent embedded
// messages plus a keyword scan, merged and ranked.
type Retriever struct {
	store    searchStore
	embedder Embedder
	opts     RetrieverOptions
	queries  *ristretto.Cache
	logger   *zap.Logger
	now      func() time.Time
}

func NewRetriever(store searchStore, embedder Embedder, opts RetrieverOptions, logger *zap.Logger) (*Retriever, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultVectorCandidates
	}
	if opts.KeywordWeight <= 0 {
		opts.KeywordWeight = DefaultKeywordWeight
	}
	if opts.Boost == nil {
		opts.Boost = RecencyBoost("linear", DefaultRecencyWindow, DefaultRecencyMaxBoost)
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = DefaultEmbedTimeout
	}

	r := &Retriever{
		store:    store,
		embedder: embedder,
		opts:     opts,
		logger:   logger.Named("retrieval"),
		now:      time.Now,
	}
	if opts.QueryCacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters:        int64(opts.QueryCacheSize) * 10,
			MaxCost:            int64(opts.QueryCacheSize),
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("query cache: %w", err)
		}
		r.queries = cache
	}
	return r, nil
}

func (r *Retriever) Close() {
	if r.queries != nil {
		r.queries.Close()
	}
}

// Search runs both branches concurrently. A vector branch failure degrades to
// keyword-only results; the error surfaces only when nothing could be served.
func (r *Retriever) Search(ctx context.Context, query string, filter SearchFilter) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	limit := clampLimit(filter.Limit)
	filter.Limit = limit

	var (
		wg        sync.WaitGroup
		vectorHit []SearchResult
		vectorErr error
		keywords  []Message
		keyErr    error
	)

	if r.embedder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorHit, vectorErr = r.searchVector(ctx, query, filter)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		keywords, keyErr = r.store.SearchKeyword(ctx, query, filter)
	}()
	wg.Wait()

	if vectorErr != nil {
		r.logger.Warn("vector branch failed, serving keyword results",
			zap.Bool("transient", IsTransient(vectorErr)), zap.Error(vectorErr))
	}
	if keyErr != nil {
		r.logger.Warn("keyword branch failed", zap.Error(keyErr))
	}

	switch {
	case vectorErr != nil && keyErr != nil:
		if IsTransient(vectorErr) {
			return nil, fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, vectorErr)
		}
		return nil, errors.Join(vectorErr, keyErr)
	case keyErr != nil && r.embedder == nil:
		return nil, keyErr
	}

	return mergeResults(vectorHit, keywords, r.opts.KeywordWeight, limit), nil
}

func (r *Retriever) searchVector(ctx context.Context, query string, filter SearchFilter) ([]SearchResult, error) {
	qvec, err := r.queryEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	candidates, err := r.store.VectorCandidates(ctx, filter, r.opts.CandidateLimit)
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]SearchResult, 0, len(candidates))
	for _, msg := range candidates {
		sim := CosineSimilarity(qvec, msg.Embedding)
		if sim <= 0 {
			continue
		}
		msg.Embedding = nil
		out = append(out, SearchResult{
			Message:    msg,
			Similarity: sim,
			Score:      sim * r.opts.Boost(now.Sub(msg.Timestamp)),
			Source:     SourceVector,
		})
	}
	return out, nil
}

func (r *Retriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if r.queries != nil {
		if cached, ok := r.queries.Get(query); ok {
			if vec, ok := cached.([]float32); ok {
				return vec, nil
			}
		}
	}

	embedCtx, cancel := withTimeout(ctx, r.opts.EmbedTimeout)
	defer cancel()
	vec, err := r.embedder.Embed(embedCtx, query)
	if err != nil {
		return nil, err
	}
	if r.queries != nil {
		r.queries.Set(query, vec, 1)
	}
	return vec, nil
}

// mergeResults unions both branches by message ID. A message found by the
// vector branch keeps its boosted score; keyword-only hits score keywordWeight.
// Ties go to the newer message.
func mergeResults(vector []SearchResult, keywords []Message, keywordWeight float64, limit int) []SearchResult {
	byID := make(map[int64]*SearchResult, len(vector)+len(keywords))
	merged := make([]*SearchResult, 0, len(vector)+len(keywords))

	for i := range vector {
		res := vector[i]
		if existing, ok := byID[res.Message.ID]; ok {
			if res.Score > existing.Score {
				*existing = res
			}
			continue
		}
		byID[res.Message.ID] = &res
		merged = append(merged, &res)
	}
	for _, msg := range keywords {
		if existing, ok := byID[msg.ID]; ok {
			existing.Source = SourceBoth
			continue
		}
		res := &SearchResult{Message: msg, Score: keywordWeight, Source: SourceKeyword}
		byID[msg.ID] = res
		merged = append(merged, res)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Message.Timestamp.Equal(b.Message.Timestamp) {
			return a.Message.Timestamp.After(b.Message.Timestamp)
		}
		return a.Message.ID > b.Message.ID
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	out := make([]SearchResult, len(merged))
	for i, res := range merged {
		out[i] = *res
	}
	return out
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultIndexBatchSize = 25
	DefaultEmbedTimeout   = 30 * time.Second

	// Messages shorter than this carry no retrievable meaning and are marked
	// indexed without a provider call.
	minEmbeddableRunes = 3
)

type indexStore interface {
	FetchUnindexed(ctx context.Context, limit int) ([]Message, error)
	AttachEmbedding(ctx context.Context, id int64, vector []float32) error
	MarkIndexed(ctx context.Context, id int64) error
}

// Indexer attaches embeddings to stored messages in small batches. One
// provider call is in flight at a time, so a slow endpoint just slows the
// backlog drain instead of piling up requests.
type Indexer struct {
	store     indexStore
	embedder  Embedder
	batchSize int
	timeout   time.Duration
	logger    *zap.Logger
}

// IndexReport summarizes one indexer pass.
type IndexReport struct {
	Fetched  int
	Embedded int
	Skipped  int
	Failed   int

	// Abandoned counts messages whose failure will not go away on retry.
	// They are marked indexed without a vector.
	Abandoned int
}

func NewIndexer(store indexStore, embedder Embedder, batchSize int, timeout time.Duration, logger *zap.Logger) *Indexer {
	if batchSize <= 0 {
		batchSize = DefaultIndexBatchSize
	}
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		store:     store,
		embedder:  embedder,
		batchSize: batchSize,
		timeout:   timeout,
		logger:    logger.Named("indexer"),
	}
}

// RunOnce embeds one batch of pending messages. Transient per-message
// failures are logged and left pending for the next pass. Permanent ones
// are marked indexed so they cannot hold the head of the queue. Only a
// failed fetch or a cancelled ctx is returned as an error.
func (ix *Indexer) RunOnce(ctx context.Context) (IndexReport, error) {
	var report IndexReport
	if ix.embedder == nil {
		return report, nil
	}

	pending, err := ix.store.FetchUnindexed(ctx, ix.batchSize)
	if err != nil {
		return report, fmt.Errorf("index batch: %w", err)
	}
	report.Fetched = len(pending)

	for _, msg := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		content := strings.TrimSpace(msg.Content)
		if utf8.RuneCountInString(content) < minEmbeddableRunes {
			if err := ix.store.MarkIndexed(ctx, msg.ID); err != nil {
				ix.logger.Warn("mark short message indexed failed", zap.Int64("message_id", msg.ID), zap.Error(err))
				report.Failed++
				continue
			}
			report.Skipped++
			continue
		}

		embedCtx, cancel := withTimeout(ctx, ix.timeout)
		vector, err := ix.embedder.Embed(embedCtx, content)
		cancel()
		if err != nil {
			ix.logger.Warn("embed message failed",
				zap.Int64("message_id", msg.ID),
				zap.String("channel_id", msg.ChannelID),
				zap.Bool("transient", IsTransient(err)),
				zap.Error(err))
			ix.settleFailure(ctx, msg, err, !IsTransient(err), &report)
			continue
		}

		if err := ix.store.AttachEmbedding(ctx, msg.ID, vector); err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				ix.logger.Debug("message purged before embedding attached", zap.Int64("message_id", msg.ID))
				report.Failed++
				continue
			}
			ix.logger.Warn("attach embedding failed", zap.Int64("message_id", msg.ID), zap.Error(err))
			ix.settleFailure(ctx, msg, err, errors.Is(err, ErrInvalidEmbedding), &report)
			continue
		}
		report.Embedded++
	}

	if report.Fetched > 0 {
		ix.logger.Info("index pass complete",
			zap.Int("fetched", report.Fetched),
			zap.Int("embedded", report.Embedded),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
			zap.Int("abandoned", report.Abandoned))
	}
	return report, nil
}

// settleFailure leaves a failed message pending unless the failure is
// permanent, in which case the message is marked indexed.
func (ix *Indexer) settleFailure(ctx context.Context, msg Message, cause error, permanent bool, report *IndexReport) {
	if !permanent {
		report.Failed++
		return
	}
	if err := ix.store.MarkIndexed(ctx, msg.ID); err != nil {
		ix.logger.Warn("abandon message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		report.Failed++
		return
	}
	ix.logger.Warn("message abandoned without embedding",
		zap.Int64("message_id", msg.ID),
		zap.String("channel_id", msg.ChannelID),
		zap.Error(cause))
	report.Abandoned++
}

// Drain runs passes until the backlog is empty, a pass makes no progress,
// or ctx ends. It is used by the one-shot CLI command.
func (ix *Indexer) Drain(ctx context.Context) (IndexReport, error) {
	var total IndexReport
	for {
		report, err := ix.RunOnce(ctx)
		total.Fetched += report.Fetched
		total.Embedded += report.Embedded
		total.Skipped += report.Skipped
		total.Failed += report.Failed
		total.Abandoned += report.Abandoned
		if err != nil {
			return total, err
		}
		if report.Fetched < ix.batchSize || report.Embedded+report.Skipped+report.Abandoned == 0 {
			return total, nil
		}
	}
}

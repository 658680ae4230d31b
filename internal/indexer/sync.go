package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/cache"
	"github.com/soundchain/notifier/internal/jobs"
	"github.com/soundchain/notifier/internal/push"
	"github.com/soundchain/notifier/pkg/config"
	"github.com/soundchain/notifier/pkg/logging"
)

// QueueName is the job queue the indexing loop owns
const QueueName = "notifications-indexer"

// Sync is the indexing loop: it repeats ProcessBatch, persisting the cursor after each commit
type Sync struct {
	processor   *BatchProcessor
	checkpoints Checkpoints
	publisher   push.Publisher
	runner      *jobs.Runner
	logger      *zap.Logger

	// cursor is owned by the loop goroutine
	cursor int64
}

// NewSync creates a new indexing loop; publisher and locker may be nil
func NewSync(cfg *config.IndexerConfig, processor *BatchProcessor, checkpoints Checkpoints, publisher push.Publisher, locker cache.Locker) *Sync {
	if publisher == nil {
		publisher = push.Noop{}
	}
	return &Sync{
		processor:   processor,
		checkpoints: checkpoints,
		publisher:   publisher,
		runner:      jobs.NewRunner(QueueName, cfg.PollInterval, locker, cfg.QueueLockTTL),
		logger:      logging.WithComponent("indexer"),
	}
}

// Run starts the loop and blocks until ctx is cancelled
func (s *Sync) Run(ctx context.Context) error {
	s.logger.Info("Starting notification indexer")
	return s.Start(ctx).Wait()
}

// Start starts the loop in the background
func (s *Sync) Start(ctx context.Context) *jobs.Handle {
	return s.runner.Start(ctx, syncTask{s})
}

// State returns the loop state
func (s *Sync) State() jobs.State {
	return s.runner.State()
}

// Step runs one batch from cursor and returns the cursor for the next run.
// A failed batch returns cursor unchanged so the same range is retried.
func (s *Sync) Step(ctx context.Context, cursor int64) int64 {
	result, err := s.processor.ProcessBatch(ctx, cursor)
	if err != nil {
		s.logger.Error("Batch failed, retrying same range",
			zap.String("batch_id", result.BatchID),
			zap.Int64("cursor", cursor),
			zap.Error(err))
		return cursor
	}

	next := result.NextCursor
	if err := s.checkpoints.SetCursor(ctx, result.NextCursor); err != nil {
		if !errors.Is(err, cache.ErrStaleCheckpoint) {
			s.logger.Error("Failed to persist cursor",
				zap.Int64("next_cursor", result.NextCursor),
				zap.Error(err))
		} else if persisted, cerr := s.checkpoints.Cursor(ctx); cerr == nil {
			// another worker committed past this batch; continue from its cursor
			s.logger.Warn("Cursor already ahead of batch",
				zap.Int64("next_cursor", result.NextCursor),
				zap.Int64("persisted", persisted))
			next = persisted
		}
	}
	if err := s.checkpoints.SetListenWatermark(ctx, result.ListenWatermark); err != nil && !errors.Is(err, cache.ErrStaleCheckpoint) {
		s.logger.Error("Failed to persist listen watermark", zap.Error(err))
	}

	if len(result.Created) > 0 {
		if err := s.publisher.Publish(ctx, result.Created); err != nil {
			s.logger.Warn("Failed to publish push messages",
				zap.String("batch_id", result.BatchID),
				zap.Error(err))
		}
	}

	return next
}

// syncTask adapts Sync to jobs.Task
type syncTask struct {
	s *Sync
}

// Acquire reloads the persisted cursor whenever this process takes over the queue
func (t syncTask) Acquire(ctx context.Context) error {
	cursor, err := t.s.checkpoints.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	t.s.cursor = cursor
	t.s.logger.Info("Indexer owns queue", zap.Int64("cursor", cursor))
	return nil
}

func (t syncTask) Run(ctx context.Context) error {
	t.s.cursor = t.s.Step(ctx, t.s.cursor)
	return nil
}

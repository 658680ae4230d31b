package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/discovery"
	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
	"github.com/soundchain/notifier/pkg/logging"
	"github.com/soundchain/notifier/pkg/telemetry"
)

// Source fetches one page of upstream events
type Source interface {
	GetNotifications(ctx context.Context, minBlock int64, trackIDs []int64) (*discovery.Page, error)
}

// Checkpoints persists the indexing cursor and the listen watermark
type Checkpoints interface {
	Cursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, cursor int64) error
	ListenWatermark(ctx context.Context) (store.ListenWatermark, error)
	SetListenWatermark(ctx context.Context, w store.ListenWatermark) error
}

// BatchResult describes one processed page
type BatchResult struct {
	BatchID string
	// NextCursor is the page's max block on success and the input cursor on failure
	NextCursor int64
	// ListenWatermark is the newest listen activity covered by this batch
	ListenWatermark store.ListenWatermark
	Events          int
	ActionsCreated  int
	Milestones      int
	// Created are the buckets opened by this batch
	Created []models.Notification
}

// BatchProcessor processes one page of events inside one transaction
type BatchProcessor struct {
	store           store.Indexing
	source          Source
	checkpoints     Checkpoints
	maxListenTracks int

	follows    *FollowIndexer
	reactions  *ReactionIndexer
	creates    *CreateIndexer
	milestones *MilestoneDetector

	metrics *indexerMetrics
	now     func() time.Time
	logger  *zap.Logger
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(st store.Indexing, source Source, checkpoints Checkpoints, maxListenTracks int) *BatchProcessor {
	logger := logging.WithComponent("batch-processor")
	notify := NewNotifyIndexer(logger)

	return &BatchProcessor{
		store:           st,
		source:          source,
		checkpoints:     checkpoints,
		maxListenTracks: maxListenTracks,
		follows:         NewFollowIndexer(notify, logger),
		reactions:       NewReactionIndexer(notify, logger),
		creates:         NewCreateIndexer(notify, logger),
		milestones:      NewMilestoneDetector(notify, logging.WithComponent("milestones")),
		metrics:         newIndexerMetrics(logger),
		now:             func() time.Time { return time.Now().UTC() },
		logger:          logger,
	}
}

// ProcessBatch fetches the page starting at cursor and commits it atomically.
// On any failure nothing is written and the returned NextCursor equals cursor.
func (bp *BatchProcessor) ProcessBatch(ctx context.Context, cursor int64) (result BatchResult, err error) {
	result = BatchResult{BatchID: uuid.NewString(), NextCursor: cursor}
	logger := logging.WithBatch(bp.logger, result.BatchID, cursor)

	ctx, span := telemetry.StartSpan(ctx, "indexer.process_batch")
	span.SetAttributes(attribute.String("batch_id", result.BatchID), attribute.Int64("cursor", cursor))
	defer func() {
		if err != nil {
			result = BatchResult{BatchID: result.BatchID, NextCursor: cursor}
		}
		bp.metrics.batchDone(ctx, result, err)
		telemetry.EndSpan(span, err)
	}()

	since, err := bp.checkpoints.ListenWatermark(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read listen watermark: %w", err)
	}
	listens, err := bp.store.RecentListenCounts(ctx, since, bp.maxListenTracks)
	if err != nil {
		return result, storeErr("recent listen counts", err)
	}
	trackIDs := make([]int64, 0, len(listens))
	for _, l := range listens {
		trackIDs = append(trackIDs, l.TrackID)
	}

	page, err := bp.source.GetNotifications(ctx, cursor, trackIDs)
	if err != nil {
		return result, fmt.Errorf("failed to fetch notifications from block %d: %w", cursor, err)
	}
	if page.MaxBlockNumber < cursor {
		return result, &discovery.UpstreamError{
			Op:  "get_notifications",
			Err: fmt.Errorf("max_block_number %d is below cursor %d", page.MaxBlockNumber, cursor),
		}
	}

	events, err := ClassifyAll(page.Events)
	if err != nil {
		return result, err
	}

	stats := newBatchStats()
	err = bp.store.Transaction(ctx, func(tx store.Tx) error {
		for _, ev := range events {
			if err := bp.dispatch(ctx, tx, ev, stats); err != nil {
				return err
			}
			stats.events++
		}

		_, err := bp.milestones.detect(ctx, tx, MilestoneInput{
			Listens:        listens,
			TrackOwners:    page.TrackOwners,
			FollowerCounts: page.FollowerCounts,
			FollowersAdded: sortedSet(stats.followersAdded),
			BlockNumber:    page.MaxBlockNumber,
			Timestamp:      bp.now(),
		}, stats)
		return err
	})
	if err != nil {
		var se *StoreError
		if !errors.As(err, &se) {
			err = &StoreError{Op: "transaction", Err: err}
		}
		return result, err
	}

	result.NextCursor = page.MaxBlockNumber
	result.ListenWatermark = since
	for _, l := range listens {
		if w := l.Watermark(); w.After(result.ListenWatermark) {
			result.ListenWatermark = w
		}
	}
	result.Events = stats.events
	result.ActionsCreated = stats.actionsCreated
	result.Milestones = stats.milestones
	result.Created = stats.created

	logger.Info("Committed batch",
		zap.Int64("next_cursor", result.NextCursor),
		zap.Int("events", result.Events),
		zap.Int("created", len(result.Created)),
		zap.Int("actions", result.ActionsCreated),
		zap.Int("milestones", result.Milestones))

	return result, nil
}

// dispatch routes a classified event to its handler
func (bp *BatchProcessor) dispatch(ctx context.Context, tx store.Tx, ev Event, stats *batchStats) error {
	switch e := ev.(type) {
	case FollowEvent:
		return bp.follows.ProcessFollow(ctx, tx, e, stats)
	case RepostEvent:
		return bp.reactions.ProcessRepost(ctx, tx, e, stats)
	case FavoriteEvent:
		return bp.reactions.ProcessFavorite(ctx, tx, e, stats)
	case CreateEvent:
		return bp.creates.ProcessCreate(ctx, tx, e, stats)
	default:
		return fmt.Errorf("no handler for event %T", ev)
	}
}

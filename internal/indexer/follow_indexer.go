package indexer

import (
	"context"

	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

// FollowIndexer turns follow events into Follow buckets on the followee
type FollowIndexer struct {
	notify *NotifyIndexer
	logger *zap.Logger
}

// NewFollowIndexer creates a new follow indexer
func NewFollowIndexer(notify *NotifyIndexer, logger *zap.Logger) *FollowIndexer {
	return &FollowIndexer{
		notify: notify,
		logger: logger,
	}
}

// ProcessFollow aggregates ev into the followee's open Follow bucket
func (fi *FollowIndexer) ProcessFollow(ctx context.Context, tx store.Tx, ev FollowEvent, stats *batchStats) error {
	ok, err := fi.notify.Allowed(ctx, tx, ev.FolloweeID, CategoryFollowers)
	if err != nil || !ok {
		return err
	}

	created, err := fi.notify.Write(ctx, tx, write{
		key:         store.BucketKey{UserID: ev.FolloweeID, Type: models.NotifyTypeFollow},
		entityType:  models.ActionEntityUser,
		entityID:    ev.FollowerID,
		blockNumber: ev.BlockNumber,
		timestamp:   ev.Timestamp,
		touch:       true,
	}, stats)
	if err != nil {
		return err
	}

	if created {
		stats.followersAdded[ev.FolloweeID] = struct{}{}
	}

	fi.logger.Debug("Processed follow",
		zap.Int64("follower", ev.FollowerID),
		zap.Int64("followee", ev.FolloweeID),
		zap.Bool("new_action", created))

	return nil
}

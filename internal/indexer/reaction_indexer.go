package indexer

import (
	"context"

	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

// ReactionIndexer turns reposts and favorites into buckets on the entity owner
type ReactionIndexer struct {
	notify *NotifyIndexer
	logger *zap.Logger
}

// NewReactionIndexer creates a new repost/favorite indexer
func NewReactionIndexer(notify *NotifyIndexer, logger *zap.Logger) *ReactionIndexer {
	return &ReactionIndexer{notify: notify, logger: logger}
}

// ProcessRepost aggregates ev into the owner's open repost bucket for the entity
func (ri *ReactionIndexer) ProcessRepost(ctx context.Context, tx store.Tx, ev RepostEvent, stats *batchStats) error {
	return ri.process(ctx, tx, ev.header, ev.NotificationType(), CategoryReposts, ev.UserID, ev.EntityID, ev.OwnerID, stats)
}

// ProcessFavorite aggregates ev into the owner's open favorite bucket for the entity
func (ri *ReactionIndexer) ProcessFavorite(ctx context.Context, tx store.Tx, ev FavoriteEvent, stats *batchStats) error {
	return ri.process(ctx, tx, ev.header, ev.NotificationType(), CategoryFavorites, ev.UserID, ev.EntityID, ev.OwnerID, stats)
}

func (ri *ReactionIndexer) process(
	ctx context.Context,
	tx store.Tx,
	h header,
	typ models.NotificationType,
	category Category,
	userID, entityID, ownerID int64,
	stats *batchStats,
) error {
	ok, err := ri.notify.Allowed(ctx, tx, ownerID, category)
	if err != nil || !ok {
		return err
	}

	created, err := ri.notify.Write(ctx, tx, write{
		key:         store.NewBucketKey(ownerID, typ, entityID),
		entityType:  models.ActionEntityUser,
		entityID:    userID,
		blockNumber: h.BlockNumber,
		timestamp:   h.Timestamp,
		touch:       true,
	}, stats)
	if err != nil {
		return err
	}

	ri.logger.Debug("Processed reaction",
		zap.String("type", string(typ)),
		zap.Int64("user_id", userID),
		zap.Int64("entity_id", entityID),
		zap.Int64("owner_id", ownerID),
		zap.Bool("new_action", created))

	return nil
}

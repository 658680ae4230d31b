package indexer

import (
	"context"

	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

// CreateIndexer fans uploads out to every subscriber of the uploader
type CreateIndexer struct {
	notify *NotifyIndexer
	logger *zap.Logger
}

// NewCreateIndexer creates a new upload indexer
func NewCreateIndexer(notify *NotifyIndexer, logger *zap.Logger) *CreateIndexer {
	return &CreateIndexer{notify: notify, logger: logger}
}

// ProcessCreate writes one bucket per subscriber. Track uploads aggregate per
// uploader; each collection gets its own bucket and absorbs its member tracks.
func (ci *CreateIndexer) ProcessCreate(ctx context.Context, tx store.Tx, ev CreateEvent, stats *batchStats) error {
	subscribers, err := tx.SubscriberIDs(ctx, ev.UploaderID)
	if err != nil {
		return storeErr("subscribers", err)
	}
	if len(subscribers) == 0 {
		return nil
	}

	bucketEntity := ev.UploaderID
	actionType := models.ActionEntityTrack
	actionEntity := ev.EntityID
	if ev.Kind.IsCollection() {
		bucketEntity = ev.EntityID
		actionType = models.ActionEntityUser
		actionEntity = ev.OwnerID
	}

	for _, subscriberID := range subscribers {
		_, err := ci.notify.Write(ctx, tx, write{
			key:         store.NewBucketKey(subscriberID, ev.NotificationType(), bucketEntity),
			entityType:  actionType,
			entityID:    actionEntity,
			blockNumber: ev.BlockNumber,
			timestamp:   ev.Timestamp,
		}, stats)
		if err != nil {
			return err
		}
	}

	if ev.Kind.IsCollection() && len(ev.TrackIDs) > 0 {
		deleted, err := tx.DeleteTrackCreateActions(ctx, ev.TrackIDs)
		if err != nil {
			return storeErr("delete absorbed track actions", err)
		}
		if deleted > 0 {
			ci.logger.Debug("Collection absorbed track uploads",
				zap.Int64("collection_id", ev.EntityID),
				zap.Int64("deleted_actions", deleted))
		}
	}

	ci.logger.Debug("Processed upload",
		zap.String("type", string(ev.NotificationType())),
		zap.Int64("uploader", ev.UploaderID),
		zap.Int64("entity_id", ev.EntityID),
		zap.Int("subscribers", len(subscribers)))

	return nil
}

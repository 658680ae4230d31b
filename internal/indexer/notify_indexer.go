package indexer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

// Category is a settings opt-out category
type Category int

// Settings categories
const (
	CategoryFollowers Category = iota
	CategoryReposts
	CategoryFavorites
	CategoryMilestones
)

func (c Category) String() string {
	switch c {
	case CategoryFollowers:
		return "followers"
	case CategoryReposts:
		return "reposts"
	case CategoryFavorites:
		return "favorites"
	case CategoryMilestones:
		return "milestones"
	default:
		return "unknown"
	}
}

// allows reports whether settings let c through; nil settings allow everything
func allows(settings *models.UserNotificationSettings, c Category) bool {
	if settings == nil {
		return true
	}
	switch c {
	case CategoryFollowers:
		return settings.Followers
	case CategoryReposts:
		return settings.Reposts
	case CategoryFavorites:
		return settings.Favorites
	case CategoryMilestones:
		return settings.Milestones
	}
	return true
}

// batchStats accumulates what a batch did
type batchStats struct {
	events         int
	actionsCreated int
	milestones     int
	created        []models.Notification
	// followersAdded is the set of users that gained a follower in this batch
	followersAdded map[int64]struct{}
}

func newBatchStats() *batchStats {
	return &batchStats{followersAdded: make(map[int64]struct{})}
}

// write describes one aggregation write
type write struct {
	key         store.BucketKey
	entityType  models.ActionEntityType
	entityID    int64
	blockNumber int64
	timestamp   time.Time
	// touch moves the bucket timestamp to the action's creation time when the action is new
	touch bool
}

// NotifyIndexer performs the find-or-create writes shared by every handler
type NotifyIndexer struct {
	logger *zap.Logger
}

// NewNotifyIndexer creates a new notification indexer
func NewNotifyIndexer(logger *zap.Logger) *NotifyIndexer {
	return &NotifyIndexer{logger: logger}
}

// Allowed looks up userID's settings and applies the category gate
func (n *NotifyIndexer) Allowed(ctx context.Context, tx store.Tx, userID int64, c Category) (bool, error) {
	settings, err := tx.Settings(ctx, userID)
	if err != nil {
		return false, storeErr("settings", err)
	}
	if !allows(settings, c) {
		n.logger.Debug("Skipping notification, user opted out",
			zap.Int64("user_id", userID),
			zap.Stringer("category", c))
		return false, nil
	}
	return true, nil
}

// Write finds or opens the bucket for w.key and attaches the action.
// It reports whether the action was newly created.
func (n *NotifyIndexer) Write(ctx context.Context, tx store.Tx, w write, stats *batchStats) (bool, error) {
	bucket, err := tx.FindOpenBucket(ctx, w.key)
	if err != nil {
		return false, storeErr("find bucket", err)
	}

	if bucket == nil {
		bucket = &models.Notification{
			Type:        w.key.Type,
			UserID:      w.key.UserID,
			EntityID:    models.NullableID(w.key.EntityID),
			BlockNumber: w.blockNumber,
			Timestamp:   w.timestamp,
		}
		if err := tx.CreateBucket(ctx, bucket); err != nil {
			return false, storeErr("create bucket", err)
		}
		stats.created = append(stats.created, *bucket)
	}

	action := &models.NotificationAction{
		NotificationID:   bucket.ID,
		ActionEntityType: w.entityType,
		ActionEntityID:   w.entityID,
	}
	created, err := tx.FindOrCreateAction(ctx, action)
	if err != nil {
		return false, storeErr("find or create action", err)
	}
	if !created {
		return false, nil
	}
	stats.actionsCreated++

	if w.touch {
		if err := tx.TouchBucket(ctx, bucket.ID, action.CreatedAt); err != nil {
			return false, storeErr("touch bucket", err)
		}
	}
	return true, nil
}

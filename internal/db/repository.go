package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

var (
	_ store.Indexing = (*Store)(nil)
	_ store.Digests  = (*Store)(nil)
	_ store.Inbox    = (*Store)(nil)
	_ store.Tx       = (*Repository)(nil)
)

// Repository provides database access methods on a connection or transaction
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Store implements the store contracts on postgres
type Store struct {
	db *gorm.DB
}

// NewStore creates a postgres-backed store
func NewStore(database *DB) *Store {
	return &Store{db: database.DB}
}

// Transaction runs fn inside one database transaction
func (s *Store) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to start transaction: %w", tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(NewRepository(tx)); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Settings returns the user's settings or nil
func (r *Repository) Settings(ctx context.Context, userID int64) (*models.UserNotificationSettings, error) {
	var settings models.UserNotificationSettings
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}

func bucketQuery(db *gorm.DB, key store.BucketKey) *gorm.DB {
	q := db.Where("user_id = ? AND type = ?", key.UserID, key.Type)
	if key.EntityID == nil {
		return q.Where("entity_id IS NULL")
	}
	return q.Where("entity_id = ?", *key.EntityID)
}

// FindOpenBucket returns the unread, unhidden bucket for key or nil
func (r *Repository) FindOpenBucket(ctx context.Context, key store.BucketKey) (*models.Notification, error) {
	var notif models.Notification
	err := bucketQuery(r.db.WithContext(ctx), key).
		Where("is_read = ? AND is_hidden = ?", false, false).
		Order("id ASC").
		First(&notif).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &notif, nil
}

// CreateBucket inserts a new bucket
func (r *Repository) CreateBucket(ctx context.Context, n *models.Notification) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(n).Error
}

// TouchBucket moves the bucket's last-activity timestamp
func (r *Repository) TouchBucket(ctx context.Context, notificationID int64, ts time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", notificationID).
		Update("timestamp", ts)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// FindOrCreateAction loads or inserts an action on its composite key
func (r *Repository) FindOrCreateAction(ctx context.Context, action *models.NotificationAction) (bool, error) {
	key := *action
	find := func() error {
		return r.db.WithContext(ctx).
			Where("notification_id = ? AND action_entity_type = ? AND action_entity_id = ?",
				key.NotificationID, key.ActionEntityType, key.ActionEntityID).
			First(action).Error
	}

	err := find()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	*action = key
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(action)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// lost the insert to a concurrent writer
		return false, find()
	}
	return true, nil
}

// SubscriberIDs lists subscribers of userID
func (r *Repository) SubscriberIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Order("subscriber_id ASC").
		Pluck("subscriber_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteTrackCreateActions removes standalone track-upload actions for trackIDs
func (r *Repository) DeleteTrackCreateActions(ctx context.Context, trackIDs []int64) (int64, error) {
	if len(trackIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("action_entity_type = ? AND action_entity_id IN ?", models.ActionEntityTrack, trackIDs).
		Where("notification_id IN (?)",
			r.db.Model(&models.Notification{}).Select("id").Where("type = ?", models.NotifyTypeCreateTrack)).
		Delete(&models.NotificationAction{})
	return res.RowsAffected, res.Error
}

// FindMilestone returns the bucket (read or not) that recorded threshold for key
func (r *Repository) FindMilestone(ctx context.Context, key store.BucketKey, threshold int64) (*models.Notification, error) {
	var notif models.Notification
	err := bucketQuery(r.db.WithContext(ctx), key).
		Where("EXISTS (SELECT 1 FROM notification_actions a WHERE a.notification_id = notifications.id AND a.action_entity_id = ?)", threshold).
		Order("id ASC").
		First(&notif).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &notif, nil
}

// RecentListenCounts sums listens of tracks whose (latest activity, track id) sorts after since
func (s *Store) RecentListenCounts(ctx context.Context, since store.ListenWatermark, limit int) ([]store.TrackListens, error) {
	var rows []struct {
		TrackID   int64
		Listens   int64
		UpdatedAt time.Time
	}
	err := s.db.WithContext(ctx).
		Model(&models.TrackListenCount{}).
		Select("track_id, SUM(listens) AS listens, MAX(updated_at) AS updated_at").
		Group("track_id").
		Having("(MAX(updated_at), track_id) > (?, ?)", since.UpdatedAt, since.TrackID).
		Order("MAX(updated_at) ASC, track_id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]store.TrackListens, 0, len(rows))
	for _, row := range rows {
		result = append(result, store.TrackListens{TrackID: row.TrackID, Listens: row.Listens, UpdatedAt: row.UpdatedAt})
	}
	return result, nil
}

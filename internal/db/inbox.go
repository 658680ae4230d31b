package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

// unreadActivitySince matches buckets with an action newer than the watermark
const unreadActivitySince = `EXISTS (SELECT 1 FROM notification_actions a
	WHERE a.notification_id = notifications.id AND a.created_at > ?)`

// PendingDigests lists users with unread activity newer than their watermark
func (s *Store) PendingDigests(ctx context.Context, afterUserID int64, limit int) ([]store.DigestCandidate, error) {
	var rows []struct {
		models.User
		LastDigestedAt *time.Time
		EmailFrequency *string
	}

	err := s.db.WithContext(ctx).
		Table("users").
		Select("users.*, d.last_digested_at, s.email_frequency").
		Joins("LEFT JOIN user_notification_digests d ON d.user_id = users.id").
		Joins("LEFT JOIN user_notification_settings s ON s.user_id = users.id").
		Where("users.id > ? AND users.email <> ''", afterUserID).
		Where("s.email_frequency IS NULL OR s.email_frequency <> ?", models.EmailFrequencyOff).
		Where(`EXISTS (SELECT 1 FROM notifications n
			JOIN notification_actions a ON a.notification_id = n.id
			WHERE n.user_id = users.id AND n.is_read = false AND n.is_hidden = false
			AND a.created_at > COALESCE(d.last_digested_at, 'epoch'::timestamptz))`).
		Order("users.id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]store.DigestCandidate, 0, len(rows))
	for _, row := range rows {
		c := store.DigestCandidate{User: row.User, Frequency: models.EmailFrequencyLive}
		if row.LastDigestedAt != nil {
			c.Since = *row.LastDigestedAt
		}
		if row.EmailFrequency != nil {
			c.Frequency = *row.EmailFrequency
		}
		result = append(result, c)
	}
	return result, nil
}

// UnreadActivity returns open buckets with actions created after since
func (s *Store) UnreadActivity(ctx context.Context, userID int64, since time.Time) ([]models.Notification, error) {
	var notifs []models.Notification
	err := s.db.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("user_id = ? AND is_read = ? AND is_hidden = ?", userID, false, false).
		Where(unreadActivitySince, since).
		Order("id ASC").
		Find(&notifs).Error
	if err != nil {
		return nil, err
	}
	return notifs, nil
}

// SetDigestedAt upserts the user's digest watermark
func (s *Store) SetDigestedAt(ctx context.Context, userID int64, at time.Time) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_digested_at"}),
		}).
		Create(&models.UserDigest{UserID: userID, LastDigestedAt: at}).Error
}

// ListNotifications pages a user's visible buckets, newest first
func (s *Store) ListNotifications(ctx context.Context, userID int64, beforeID int64, limit int) ([]models.Notification, error) {
	q := s.db.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("user_id = ? AND is_hidden = ?", userID, false)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var notifs []models.Notification
	if err := q.Order("id DESC").Limit(limit).Find(&notifs).Error; err != nil {
		return nil, err
	}
	return notifs, nil
}

// UnreadCount counts open buckets
func (s *Store) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ? AND is_hidden = ?", userID, false, false).
		Count(&count).Error
	return count, err
}

// MarkRead closes the listed buckets owned by userID
func (s *Store) MarkRead(ctx context.Context, userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ? AND id IN ?", userID, false, ids).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// MarkAllRead closes every open bucket of userID
func (s *Store) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// Hide removes a bucket from the inbox; hidden buckets are also read
func (s *Store) Hide(ctx context.Context, userID int64, id int64) error {
	res := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]interface{}{"is_hidden": true, "is_read": true})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

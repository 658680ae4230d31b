// Package store defines the persistence contracts the notification core relies on.
// internal/db implements them on postgres; internal/store/memstore keeps them in memory.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/soundchain/notifier/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("store: not found")

// BucketKey identifies an aggregation bucket
type BucketKey struct {
	UserID   int64
	Type     models.NotificationType
	EntityID *int64
}

// NewBucketKey builds a key with an entity id
func NewBucketKey(userID int64, typ models.NotificationType, entityID int64) BucketKey {
	return BucketKey{UserID: userID, Type: typ, EntityID: &entityID}
}

// Tx is the set of writes and reads available inside one indexing transaction
type Tx interface {
	// Settings returns the user's notification settings, or nil if the user never changed them
	Settings(ctx context.Context, userID int64) (*models.UserNotificationSettings, error)
	// FindOpenBucket returns the unread, unhidden bucket for key, or nil
	FindOpenBucket(ctx context.Context, key BucketKey) (*models.Notification, error)
	// CreateBucket inserts n and fills its id
	CreateBucket(ctx context.Context, n *models.Notification) error
	// TouchBucket sets the bucket's last-activity timestamp
	TouchBucket(ctx context.Context, notificationID int64, ts time.Time) error
	// FindOrCreateAction loads or inserts the action on its composite key, reporting whether it was inserted
	FindOrCreateAction(ctx context.Context, action *models.NotificationAction) (bool, error)
	// SubscriberIDs lists users subscribed to userID
	SubscriberIDs(ctx context.Context, userID int64) ([]int64, error)
	// DeleteTrackCreateActions removes CreateTrack actions pointing at any of trackIDs
	DeleteTrackCreateActions(ctx context.Context, trackIDs []int64) (int64, error)
	// FindMilestone returns the bucket (read or unread) recording threshold for key, or nil
	FindMilestone(ctx context.Context, key BucketKey, threshold int64) (*models.Notification, error)
}

// TrackListens is the cumulative listen count of one track
type TrackListens struct {
	TrackID   int64
	Listens   int64
	UpdatedAt time.Time
}

// Watermark is the position of this track's latest activity
func (t TrackListens) Watermark() ListenWatermark {
	return ListenWatermark{UpdatedAt: t.UpdatedAt, TrackID: t.TrackID}
}

// ListenWatermark orders listen activity by (updated_at, track_id) so that
// tracks sharing one updated_at are paged without gaps.
type ListenWatermark struct {
	UpdatedAt time.Time
	TrackID   int64
}

// After reports whether w sorts after o
func (w ListenWatermark) After(o ListenWatermark) bool {
	if w.UpdatedAt.Equal(o.UpdatedAt) {
		return w.TrackID > o.TrackID
	}
	return w.UpdatedAt.After(o.UpdatedAt)
}

// IsZero reports whether no listen activity has been checked yet
func (w ListenWatermark) IsZero() bool {
	return w.UpdatedAt.IsZero() && w.TrackID == 0
}

// Indexing is the store surface used by the batch coordinator
type Indexing interface {
	// Transaction runs fn atomically; any error returned by fn rolls everything back
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	// RecentListenCounts returns the cumulative listens of tracks whose latest activity sorts
	// after since, in watermark order, at most limit tracks
	RecentListenCounts(ctx context.Context, since ListenWatermark, limit int) ([]TrackListens, error)
}

// DigestCandidate is a user owed a digest
type DigestCandidate struct {
	User  models.User
	Since time.Time
	// Frequency is the user's email_frequency, live when unset
	Frequency string
}

// Digests is the store surface used by the email digest scheduler
type Digests interface {
	// PendingDigests pages users (by id, after afterUserID) with unread activity newer than their watermark
	PendingDigests(ctx context.Context, afterUserID int64, limit int) ([]DigestCandidate, error)
	// UnreadActivity returns open buckets of userID with actions created after since, actions preloaded
	UnreadActivity(ctx context.Context, userID int64, since time.Time) ([]models.Notification, error)
	// SetDigestedAt moves the user's watermark
	SetDigestedAt(ctx context.Context, userID int64, at time.Time) error
}

// Inbox is the store surface used by the read-receipt API
type Inbox interface {
	ListNotifications(ctx context.Context, userID int64, beforeID int64, limit int) ([]models.Notification, error)
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	MarkRead(ctx context.Context, userID int64, ids []int64) (int64, error)
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	Hide(ctx context.Context, userID int64, id int64) error
}

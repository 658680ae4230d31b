package models

import (
	"time"
)

// Email frequency values for UserNotificationSettings.EmailFrequency
const (
	EmailFrequencyLive   = "live"
	EmailFrequencyDaily  = "daily"
	EmailFrequencyWeekly = "weekly"
	EmailFrequencyOff    = "off"
)

// User is the subset of the identity user record the notifier reads
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false;column:id"`
	Handle    string    `gorm:"type:varchar(64);not null;column:handle"`
	Name      string    `gorm:"type:varchar(255);column:name"`
	Email     string    `gorm:"type:varchar(255);column:email"`
	CreatedAt time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// UserNotificationSettings holds per-user opt-outs. A missing row means
// every category is enabled.
type UserNotificationSettings struct {
	UserID         int64     `gorm:"primaryKey;autoIncrement:false;column:user_id"`
	Followers      bool      `gorm:"not null;default:true;column:followers"`
	Reposts        bool      `gorm:"not null;default:true;column:reposts"`
	Favorites      bool      `gorm:"not null;default:true;column:favorites"`
	Milestones     bool      `gorm:"not null;default:true;column:milestones"`
	EmailFrequency string    `gorm:"type:varchar(16);not null;default:'live';column:email_frequency"`
	UpdatedAt      time.Time `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for UserNotificationSettings
func (UserNotificationSettings) TableName() string {
	return "user_notification_settings"
}

// Subscription is a (subscriber, subject) edge used to fan out uploads
type Subscription struct {
	SubscriberID int64     `gorm:"primaryKey;autoIncrement:false;column:subscriber_id"`
	UserID       int64     `gorm:"primaryKey;autoIncrement:false;column:user_id;index"`
	CreatedAt    time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for Subscription
func (Subscription) TableName() string {
	return "subscriptions"
}

// UserDigest stores the per-user digest watermark
type UserDigest struct {
	UserID         int64     `gorm:"primaryKey;autoIncrement:false;column:user_id"`
	LastDigestedAt time.Time `gorm:"not null;column:last_digested_at"`
}

// TableName specifies the table name for UserDigest
func (UserDigest) TableName() string {
	return "user_notification_digests"
}

// TrackListenCount is an hourly listen bucket for a track
type TrackListenCount struct {
	TrackID   int64     `gorm:"primaryKey;autoIncrement:false;column:track_id"`
	Hour      time.Time `gorm:"primaryKey;column:hour"`
	Listens   int64     `gorm:"not null;default:0;column:listens"`
	UpdatedAt time.Time `gorm:"not null;index;column:updated_at"`
}

// TableName specifies the table name for TrackListenCount
func (TrackListenCount) TableName() string {
	return "track_listen_counts"
}

package models

import (
	"database/sql"
	"time"
)

// NotificationType identifies the kind of aggregation bucket
type NotificationType string

// Notification type constants
const (
	NotifyTypeFollow           NotificationType = "Follow"
	NotifyTypeRepostTrack      NotificationType = "RepostTrack"
	NotifyTypeRepostAlbum      NotificationType = "RepostAlbum"
	NotifyTypeRepostPlaylist   NotificationType = "RepostPlaylist"
	NotifyTypeFavoriteTrack    NotificationType = "FavoriteTrack"
	NotifyTypeFavoriteAlbum    NotificationType = "FavoriteAlbum"
	NotifyTypeFavoritePlaylist NotificationType = "FavoritePlaylist"
	NotifyTypeCreateTrack      NotificationType = "CreateTrack"
	NotifyTypeCreateAlbum      NotificationType = "CreateAlbum"
	NotifyTypeCreatePlaylist   NotificationType = "CreatePlaylist"
	NotifyTypeMilestoneListen  NotificationType = "MilestoneListen"
	NotifyTypeMilestoneFollow  NotificationType = "MilestoneFollow"
)

// IsMilestone reports whether t is a threshold-triggered notification type
func (t NotificationType) IsMilestone() bool {
	return t == NotifyTypeMilestoneListen || t == NotifyTypeMilestoneFollow
}

// ActionEntityType identifies what a NotificationAction points at
type ActionEntityType string

// Action entity type constants
const (
	ActionEntityUser     ActionEntityType = "User"
	ActionEntityTrack    ActionEntityType = "Track"
	ActionEntityAlbum    ActionEntityType = "Album"
	ActionEntityPlaylist ActionEntityType = "Playlist"
)

// Notification is one aggregation bucket for a (user, type, entity) tuple.
// At most one row per tuple is open (is_read = false) at any time.
type Notification struct {
	ID          int64            `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	Type        NotificationType `gorm:"type:varchar(32);not null;column:type;index:notifications_bucket_idx,priority:2" json:"type"`
	UserID      int64            `gorm:"not null;column:user_id;index:notifications_bucket_idx,priority:1" json:"user_id"`
	EntityID    sql.NullInt64    `gorm:"column:entity_id;index:notifications_bucket_idx,priority:3" json:"-"`
	BlockNumber int64            `gorm:"not null;column:blocknumber" json:"blocknumber"`
	Timestamp   time.Time        `gorm:"not null;column:timestamp" json:"timestamp"`
	IsRead      bool             `gorm:"not null;default:false;column:is_read" json:"is_read"`
	IsHidden    bool             `gorm:"not null;default:false;column:is_hidden" json:"is_hidden"`
	CreatedAt   time.Time        `gorm:"not null;column:created_at" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"not null;column:updated_at" json:"updated_at"`

	// Relationships
	Actions []NotificationAction `gorm:"foreignKey:NotificationID;references:ID" json:"actions,omitempty"`
}

// TableName specifies the table name for Notification
func (Notification) TableName() string {
	return "notifications"
}

// Entity returns the bucket entity id, or nil for entity-less buckets
func (n *Notification) Entity() *int64 {
	if !n.EntityID.Valid {
		return nil
	}
	id := n.EntityID.Int64
	return &id
}

// NotificationAction is one contributing actor or entity within a bucket.
// (notification_id, action_entity_type, action_entity_id) is unique.
type NotificationAction struct {
	ID               int64            `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	NotificationID   int64            `gorm:"not null;column:notification_id;uniqueIndex:notification_actions_ux1,priority:1" json:"notification_id"`
	ActionEntityType ActionEntityType `gorm:"type:varchar(16);not null;column:action_entity_type;uniqueIndex:notification_actions_ux1,priority:2;index:notification_actions_entity_idx,priority:1" json:"action_entity_type"`
	ActionEntityID   int64            `gorm:"not null;column:action_entity_id;uniqueIndex:notification_actions_ux1,priority:3;index:notification_actions_entity_idx,priority:2" json:"action_entity_id"`
	CreatedAt        time.Time        `gorm:"not null;column:created_at" json:"created_at"`
}

// TableName specifies the table name for NotificationAction
func (NotificationAction) TableName() string {
	return "notification_actions"
}

// NullableID wraps an optional id for the EntityID column
func NullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

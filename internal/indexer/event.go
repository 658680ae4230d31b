package indexer

import (
	"fmt"
	"strings"
	"time"

	"github.com/soundchain/notifier/internal/discovery"
	"github.com/soundchain/notifier/internal/models"
)

// EntityKind is the sub-type of a repost, favorite or create event
type EntityKind string

// Entity kinds reported in metadata.entity_type
const (
	EntityTrack    EntityKind = "track"
	EntityAlbum    EntityKind = "album"
	EntityPlaylist EntityKind = "playlist"
)

// IsCollection reports whether k is an album or playlist
func (k EntityKind) IsCollection() bool {
	return k == EntityAlbum || k == EntityPlaylist
}

func parseEntityKind(s string) (EntityKind, bool) {
	switch EntityKind(s) {
	case EntityTrack, EntityAlbum, EntityPlaylist:
		return EntityKind(s), true
	}
	return "", false
}

var (
	repostTypes = map[EntityKind]models.NotificationType{
		EntityTrack:    models.NotifyTypeRepostTrack,
		EntityAlbum:    models.NotifyTypeRepostAlbum,
		EntityPlaylist: models.NotifyTypeRepostPlaylist,
	}
	favoriteTypes = map[EntityKind]models.NotificationType{
		EntityTrack:    models.NotifyTypeFavoriteTrack,
		EntityAlbum:    models.NotifyTypeFavoriteAlbum,
		EntityPlaylist: models.NotifyTypeFavoritePlaylist,
	}
	createTypes = map[EntityKind]models.NotificationType{
		EntityTrack:    models.NotifyTypeCreateTrack,
		EntityAlbum:    models.NotifyTypeCreateAlbum,
		EntityPlaylist: models.NotifyTypeCreatePlaylist,
	}
)

// Event is a classified upstream event. The set of implementations is closed.
type Event interface {
	Block() int64
	OccurredAt() time.Time
	isEvent()
}

type header struct {
	BlockNumber int64
	Timestamp   time.Time
}

func (h header) Block() int64          { return h.BlockNumber }
func (h header) OccurredAt() time.Time { return h.Timestamp }
func (header) isEvent()                {}

// FollowEvent is FollowerID following FolloweeID
type FollowEvent struct {
	header
	FollowerID int64
	FolloweeID int64
}

// RepostEvent is UserID reposting an entity owned by OwnerID
type RepostEvent struct {
	header
	Kind     EntityKind
	UserID   int64
	EntityID int64
	OwnerID  int64
}

// NotificationType returns the bucket type for the repost kind
func (e RepostEvent) NotificationType() models.NotificationType {
	return repostTypes[e.Kind]
}

// FavoriteEvent is UserID favoriting an entity owned by OwnerID
type FavoriteEvent struct {
	header
	Kind     EntityKind
	UserID   int64
	EntityID int64
	OwnerID  int64
}

// NotificationType returns the bucket type for the favorite kind
func (e FavoriteEvent) NotificationType() models.NotificationType {
	return favoriteTypes[e.Kind]
}

// CreateEvent is UploaderID publishing a track or a collection.
// TrackIDs lists the member tracks of a collection.
type CreateEvent struct {
	header
	Kind       EntityKind
	UploaderID int64
	EntityID   int64
	OwnerID    int64
	TrackIDs   []int64
}

// NotificationType returns the bucket type for the create kind
func (e CreateEvent) NotificationType() models.NotificationType {
	return createTypes[e.Kind]
}

// timestampLayouts are the formats the discovery service has used for event times
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Classify validates raw and converts it into a typed Event
func Classify(raw discovery.RawEvent) (Event, error) {
	malformed := func(format string, args ...interface{}) error {
		return &MalformedEventError{BlockNumber: raw.BlockNumber, Type: raw.Type, Reason: fmt.Sprintf(format, args...)}
	}
	requireField := func(name string, v *int64) (int64, error) {
		if v == nil {
			return 0, malformed("missing %s", name)
		}
		return *v, nil
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, malformed("%v", err)
	}
	h := header{BlockNumber: raw.BlockNumber, Timestamp: ts}
	md := raw.Metadata

	switch raw.Type {
	case discovery.EventTypeFollow:
		follower, err := requireField("follower_user_id", md.FollowerUserID)
		if err != nil {
			return nil, err
		}
		followee, err := requireField("followee_user_id", md.FolloweeUserID)
		if err != nil {
			return nil, err
		}
		return FollowEvent{header: h, FollowerID: follower, FolloweeID: followee}, nil

	case discovery.EventTypeRepost, discovery.EventTypeFavorite:
		kind, ok := parseEntityKind(md.EntityType)
		if !ok {
			return nil, malformed("unknown entity_type %q", md.EntityType)
		}
		user, err := requireField("initiator", raw.Initiator)
		if err != nil {
			return nil, err
		}
		entity, err := requireField("entity_id", md.EntityID)
		if err != nil {
			return nil, err
		}
		owner, err := requireField("entity_owner_id", md.EntityOwnerID)
		if err != nil {
			return nil, err
		}
		if raw.Type == discovery.EventTypeRepost {
			return RepostEvent{header: h, Kind: kind, UserID: user, EntityID: entity, OwnerID: owner}, nil
		}
		return FavoriteEvent{header: h, Kind: kind, UserID: user, EntityID: entity, OwnerID: owner}, nil

	case discovery.EventTypeCreate:
		kind, ok := parseEntityKind(md.EntityType)
		if !ok {
			return nil, malformed("unknown entity_type %q", md.EntityType)
		}
		uploader, err := requireField("initiator", raw.Initiator)
		if err != nil {
			return nil, err
		}
		entity, err := requireField("entity_id", md.EntityID)
		if err != nil {
			return nil, err
		}
		ev := CreateEvent{header: h, Kind: kind, UploaderID: uploader, EntityID: entity}
		if !kind.IsCollection() {
			return ev, nil
		}

		if ev.OwnerID, err = requireField("entity_owner_id", md.EntityOwnerID); err != nil {
			return nil, err
		}
		if md.CollectionContent == nil {
			return nil, malformed("missing collection_content")
		}
		for _, entry := range md.CollectionContent.TrackIDs {
			ev.TrackIDs = append(ev.TrackIDs, entry.Track)
		}
		return ev, nil
	}

	return nil, malformed("unknown event type")
}

// ClassifyAll classifies a page in order, stopping at the first malformed event
func ClassifyAll(raws []discovery.RawEvent) ([]Event, error) {
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := Classify(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

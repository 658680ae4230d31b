package discovery

// Raw event types reported by the discovery service
const (
	EventTypeFollow   = "Follow"
	EventTypeRepost   = "Repost"
	EventTypeFavorite = "Favorite"
	EventTypeCreate   = "Create"
)

// RawEvent is one upstream activity record; Metadata shape depends on Type
type RawEvent struct {
	Type        string   `json:"type"`
	BlockNumber int64    `json:"blocknumber"`
	Timestamp   string   `json:"timestamp"`
	Initiator   *int64   `json:"initiator"`
	Metadata    Metadata `json:"metadata"`
}

// Metadata is the union of every per-type metadata field
type Metadata struct {
	EntityType        string             `json:"entity_type,omitempty"`
	EntityID          *int64             `json:"entity_id,omitempty"`
	EntityOwnerID     *int64             `json:"entity_owner_id,omitempty"`
	FollowerUserID    *int64             `json:"follower_user_id,omitempty"`
	FolloweeUserID    *int64             `json:"followee_user_id,omitempty"`
	CollectionContent *CollectionContent `json:"collection_content,omitempty"`
}

// CollectionContent lists the tracks of an album or playlist
type CollectionContent struct {
	TrackIDs []CollectionTrack `json:"track_ids"`
}

// CollectionTrack is one entry of a collection's track list
type CollectionTrack struct {
	Track int64 `json:"track"`
}

// Page is one validated response of the notifications endpoint
type Page struct {
	MaxBlockNumber int64
	Events         []RawEvent
	// FollowerCounts maps user id to current follower count for users followed in this range
	FollowerCounts map[int64]int64
	// TrackOwners maps track id to owner id for the requested and referenced tracks
	TrackOwners map[int64]int64
}

type notificationsResponse struct {
	Data struct {
		Info struct {
			MaxBlockNumber *int64 `json:"max_block_number"`
		} `json:"info"`
		Notifications []RawEvent `json:"notifications"`
		Milestones    struct {
			FollowerCounts map[int64]int64 `json:"follower_counts"`
		} `json:"milestones"`
		Owners struct {
			Tracks map[int64]int64 `json:"tracks"`
		} `json:"owners"`
	} `json:"data"`
}

// Int64 returns a pointer to v, for building events
func Int64(v int64) *int64 {
	return &v
}

package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundchain/notifier/internal/cache"
	"github.com/soundchain/notifier/internal/discovery"
	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
	"github.com/soundchain/notifier/internal/store/memstore"
)

// fakeSource serves one page per cursor; unknown cursors return an empty page at the cursor
type fakeSource struct {
	mu       sync.Mutex
	pages    map[int64]*discovery.Page
	err      error
	calls    []int64
	trackIDs [][]int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: make(map[int64]*discovery.Page)}
}

func (f *fakeSource) add(cursor, max int64, events ...discovery.RawEvent) *discovery.Page {
	page := &discovery.Page{
		MaxBlockNumber: max,
		Events:         events,
		FollowerCounts: map[int64]int64{},
		TrackOwners:    map[int64]int64{},
	}
	f.mu.Lock()
	f.pages[cursor] = page
	f.mu.Unlock()
	return page
}

func (f *fakeSource) GetNotifications(ctx context.Context, minBlock int64, trackIDs []int64) (*discovery.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, minBlock)
	f.trackIDs = append(f.trackIDs, trackIDs)
	if f.err != nil {
		return nil, f.err
	}
	if page, ok := f.pages[minBlock]; ok {
		return page, nil
	}
	return &discovery.Page{MaxBlockNumber: minBlock, FollowerCounts: map[int64]int64{}, TrackOwners: map[int64]int64{}}, nil
}

// tickClock advances one second on every read so created_at values are distinct
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store       *memstore.Store
	source      *fakeSource
	checkpoints *cache.CursorStore
	processor   *BatchProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &tickClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := memstore.New()
	st.SetClock(clock.Now)
	src := newFakeSource()
	cp := cache.NewCursorStore(nil, 0)
	bp := NewBatchProcessor(st, src, cp, 100)
	bp.now = clock.Now
	return &fixture{store: st, source: src, checkpoints: cp, processor: bp}
}

// assertOneOpenBucket checks that no (user, type, entity) tuple has two open buckets
func assertOneOpenBucket(t *testing.T, notifications []models.Notification) {
	t.Helper()
	type key struct {
		user   int64
		typ    models.NotificationType
		entity int64
		valid  bool
	}
	seen := make(map[key]int64)
	for _, n := range notifications {
		if n.IsRead || n.IsHidden {
			continue
		}
		k := key{n.UserID, n.Type, n.EntityID.Int64, n.EntityID.Valid}
		if other, ok := seen[k]; ok {
			t.Fatalf("buckets %d and %d are both open for %+v", other, n.ID, k)
		}
		seen[k] = n.ID
	}
}

func TestProcessBatchFollowAggregation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.add(0, 101, followRaw(100, 1, 2), followRaw(101, 3, 2))

	result, err := f.processor.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(101), result.NextCursor)
	assert.Equal(t, 2, result.Events)
	assert.Equal(t, 2, result.ActionsCreated)
	require.Len(t, result.Created, 1)
	assert.NotEmpty(t, result.BatchID)

	notifications := f.store.Notifications()
	require.Len(t, notifications, 1)
	n := notifications[0]
	assert.Equal(t, int64(2), n.UserID)
	assert.Equal(t, models.NotifyTypeFollow, n.Type)
	assert.False(t, n.EntityID.Valid)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, int64(1), n.Actions[0].ActionEntityID)
	assert.Equal(t, int64(3), n.Actions[1].ActionEntityID)
	assert.Equal(t, models.ActionEntityUser, n.Actions[1].ActionEntityType)
	assert.True(t, n.Timestamp.Equal(n.Actions[1].CreatedAt), "timestamp %v should equal newest action %v", n.Timestamp, n.Actions[1].CreatedAt)
}

func TestProcessBatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Subscribe(10, 2)
	f.source.add(0, 50,
		followRaw(40, 1, 2),
		reactionRaw(discovery.EventTypeRepost, 41, "track", 1, 500, 2),
		reactionRaw(discovery.EventTypeFavorite, 42, "album", 3, 600, 2),
		createTrackRaw(43, 2, 501),
	)

	_, err := f.processor.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	before := f.store.Notifications()
	actions := f.store.Actions()

	replay, err := f.processor.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, replay.ActionsCreated)
	assert.Empty(t, replay.Created)
	assert.Equal(t, before, f.store.Notifications())
	assert.Equal(t, actions, f.store.Actions())
	assertOneOpenBucket(t, f.store.Notifications())
}

func TestProcessBatchReadBucketStartsNewOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.add(0, 10, followRaw(10, 1, 2))
	f.source.add(10, 11, followRaw(11, 3, 2))

	_, err := f.processor.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	_, err = f.store.MarkAllRead(ctx, 2)
	require.NoError(t, err)

	_, err = f.processor.ProcessBatch(ctx, 10)
	require.NoError(t, err)

	notifications := f.store.Notifications()
	require.Len(t, notifications, 2)
	assert.True(t, notifications[0].IsRead)
	assert.False(t, notifications[1].IsRead)
	require.Len(t, notifications[1].Actions, 1)
	assert.Equal(t, int64(3), notifications[1].Actions[0].ActionEntityID)
	assertOneOpenBucket(t, notifications)
}

func TestProcessBatchSettingsGate(t *testing.T) {
	tests := []struct {
		name     string
		settings models.UserNotificationSettings
		event    discovery.RawEvent
		want     int
	}{
		{
			name:     "followers off",
			settings: models.UserNotificationSettings{UserID: 2, Reposts: true, Favorites: true, Milestones: true},
			event:    followRaw(5, 1, 2),
			want:     0,
		},
		{
			name:     "reposts off",
			settings: models.UserNotificationSettings{UserID: 2, Followers: true, Favorites: true, Milestones: true},
			event:    reactionRaw(discovery.EventTypeRepost, 5, "playlist", 1, 70, 2),
			want:     0,
		},
		{
			name:     "favorites off",
			settings: models.UserNotificationSettings{UserID: 2, Followers: true, Reposts: true, Milestones: true},
			event:    reactionRaw(discovery.EventTypeFavorite, 5, "track", 1, 70, 2),
			want:     0,
		},
		{
			name:     "favorites on",
			settings: models.UserNotificationSettings{UserID: 2, Followers: false, Reposts: false, Favorites: true},
			event:    reactionRaw(discovery.EventTypeFavorite, 5, "track", 1, 70, 2),
			want:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.PutSettings(tt.settings)
			f.source.add(0, 5, tt.event)

			result, err := f.processor.ProcessBatch(context.Background(), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(5), result.NextCursor)
			assert.Len(t, f.store.Notifications(), tt.want)
		})
	}
}

func TestProcessBatchReactionBuckets(t *testing.T) {
	f := newFixture(t)
	f.source.add(0, 20,
		reactionRaw(discovery.EventTypeRepost, 11, "track", 1, 500, 2),
		reactionRaw(discovery.EventTypeRepost, 12, "track", 3, 500, 2),
		reactionRaw(discovery.EventTypeRepost, 13, "track", 3, 501, 2),
		reactionRaw(discovery.EventTypeFavorite, 14, "playlist", 1, 500, 2),
	)

	_, err := f.processor.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)

	notifications := f.store.Notifications()
	require.Len(t, notifications, 3)
	assert.Equal(t, models.NotifyTypeRepostTrack, notifications[0].Type)
	assert.Equal(t, int64(500), notifications[0].EntityID.Int64)
	assert.Len(t, notifications[0].Actions, 2)
	assert.Equal(t, int64(501), notifications[1].EntityID.Int64)
	assert.Equal(t, models.NotifyTypeFavoritePlaylist, notifications[2].Type)
	assert.Equal(t, int64(14), notifications[2].BlockNumber)
}

func TestProcessBatchCreateFanOut(t *testing.T) {
	f := newFixture(t)
	for _, sub := range []int64{10, 11, 12} {
		f.store.Subscribe(sub, 2)
	}
	f.source.add(0, 30, createTrackRaw(30, 2, 500))

	result, err := f.processor.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, result.Created, 3)

	notifications := f.store.Notifications()
	require.Len(t, notifications, 3)
	for i, n := range notifications {
		assert.Equal(t, int64(10+i), n.UserID)
		assert.Equal(t, models.NotifyTypeCreateTrack, n.Type)
		assert.Equal(t, int64(2), n.EntityID.Int64)
		require.Len(t, n.Actions, 1)
		assert.Equal(t, models.ActionEntityTrack, n.Actions[0].ActionEntityType)
		assert.Equal(t, int64(500), n.Actions[0].ActionEntityID)
	}
}

func TestProcessBatchCreateWithoutSubscribers(t *testing.T) {
	f := newFixture(t)
	f.source.add(0, 30, createTrackRaw(30, 2, 500))

	result, err := f.processor.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(30), result.NextCursor)
	assert.Empty(t, f.store.Notifications())
}

func TestProcessBatchCollectionAbsorbsTracks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Subscribe(10, 2)
	f.source.add(0, 30, createTrackRaw(29, 2, 500), createTrackRaw(30, 2, 501))
	f.source.add(30, 31, createCollectionRaw(31, EntityAlbum, 2, 800, 500, 501))

	_, err := f.processor.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, f.store.Actions(), 2)

	_, err = f.processor.ProcessBatch(ctx, 30)
	require.NoError(t, err)

	notifications := f.store.Notifications()
	require.Len(t, notifications, 2)
	assert.Equal(t, models.NotifyTypeCreateTrack, notifications[0].Type)
	assert.Empty(t, notifications[0].Actions)

	album := notifications[1]
	assert.Equal(t, models.NotifyTypeCreateAlbum, album.Type)
	assert.Equal(t, int64(800), album.EntityID.Int64)
	require.Len(t, album.Actions, 1)
	assert.Equal(t, models.ActionEntityUser, album.Actions[0].ActionEntityType)
	assert.Equal(t, int64(2), album.Actions[0].ActionEntityID)
}

func TestProcessBatchMalformedLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.add(0, 100, followRaw(99, 1, 2))
	_, err := f.processor.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	before := f.store.Notifications()

	f.source.add(100, 120,
		followRaw(101, 3, 2),
		reactionRaw(discovery.EventTypeRepost, 102, "bookmark", 1, 50, 2),
	)
	result, err := f.processor.ProcessBatch(ctx, 100)

	var malformed *MalformedEventError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, int64(102), malformed.BlockNumber)
	assert.Equal(t, int64(100), result.NextCursor)
	assert.Empty(t, result.Created)
	assert.Equal(t, before, f.store.Notifications())
}

func TestProcessBatchStoreFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("connection reset")
	f.store.FailOn("TouchBucket", boom)
	f.source.add(0, 10, followRaw(9, 1, 2), followRaw(10, 3, 4))

	result, err := f.processor.ProcessBatch(ctx, 0)

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), result.NextCursor)
	assert.Empty(t, f.store.Notifications())
	assert.Empty(t, f.store.Actions())

	f.store.FailOn("TouchBucket", nil)
	result, err = f.processor.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.NextCursor)
	assert.Len(t, f.store.Notifications(), 2)
}

func TestProcessBatchUpstreamFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{
			name: "fetch error",
			setup: func(f *fixture) {
				f.source.err = &discovery.UpstreamError{Op: "get_notifications", StatusCode: 502}
			},
		},
		{
			name: "max block behind cursor",
			setup: func(f *fixture) {
				f.source.add(50, 40, followRaw(40, 1, 2))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			result, err := f.processor.ProcessBatch(context.Background(), 50)
			var ue *discovery.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, int64(50), result.NextCursor)
			assert.Empty(t, f.store.Notifications())
		})
	}
}

func TestProcessBatchEmptyPage(t *testing.T) {
	f := newFixture(t)

	result, err := f.processor.ProcessBatch(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, int64(77), result.NextCursor)
	assert.Equal(t, 0, result.Events)
}

func TestProcessBatchListenMilestones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listenedAt := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	f.store.AddListens(500, listenedAt.Truncate(time.Hour), 20, listenedAt)
	f.store.AddListens(500, listenedAt.Add(-time.Hour).Truncate(time.Hour), 12, listenedAt.Add(-time.Hour))
	f.store.AddListens(501, listenedAt.Truncate(time.Hour), 3, listenedAt)

	page := f.source.add(0, 60)
	page.TrackOwners[500] = 2
	page.TrackOwners[501] = 2

	result, err := f.processor.ProcessBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Milestones)
	assert.True(t, result.ListenWatermark.UpdatedAt.Equal(listenedAt))
	assert.Equal(t, int64(501), result.ListenWatermark.TrackID)
	assert.ElementsMatch(t, []int64{500, 501}, f.source.trackIDs[0])

	notifications := f.store.Notifications()
	require.Len(t, notifications, 1)
	n := notifications[0]
	assert.Equal(t, models.NotifyTypeMilestoneListen, n.Type)
	assert.Equal(t, int64(2), n.UserID)
	assert.Equal(t, int64(500), n.EntityID.Int64)
	assert.Equal(t, int64(60), n.BlockNumber)
	require.Len(t, n.Actions, 1)
	assert.Equal(t, int64(25), n.Actions[0].ActionEntityID)

	// read milestones are never recorded again
	_, err = f.store.MarkAllRead(ctx, 2)
	require.NoError(t, err)
	f.source.add(60, 61).TrackOwners[500] = 2
	result, err = f.processor.ProcessBatch(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Milestones)
	assert.Len(t, f.store.Notifications(), 1)
}

func TestProcessBatchFollowerMilestone(t *testing.T) {
	f := newFixture(t)
	page := f.source.add(0, 90, followRaw(90, 1, 2), followRaw(90, 1, 3))
	page.FollowerCounts[2] = 10
	page.FollowerCounts[3] = 9

	result, err := f.processor.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Milestones)

	var milestones []models.Notification
	for _, n := range f.store.Notifications() {
		if n.Type == models.NotifyTypeMilestoneFollow {
			milestones = append(milestones, n)
		}
	}
	require.Len(t, milestones, 1)
	assert.Equal(t, int64(2), milestones[0].UserID)
	assert.False(t, milestones[0].EntityID.Valid)
	require.Len(t, milestones[0].Actions, 1)
	assert.Equal(t, int64(10), milestones[0].Actions[0].ActionEntityID)
}

func TestProcessBatchMilestoneOptOut(t *testing.T) {
	f := newFixture(t)
	f.store.PutSettings(models.UserNotificationSettings{UserID: 2, Followers: true})
	page := f.source.add(0, 90, followRaw(90, 1, 2))
	page.FollowerCounts[2] = 50

	result, err := f.processor.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Milestones)
	require.Len(t, f.store.Notifications(), 1)
	assert.Equal(t, models.NotifyTypeFollow, f.store.Notifications()[0].Type)
}

func TestMilestoneDetectorHigherThresholdJoinsBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detector := f.processor.milestones
	in := MilestoneInput{
		Listens:     []store.TrackListens{{TrackID: 500, Listens: 26}},
		TrackOwners: map[int64]int64{500: 2},
		BlockNumber: 5,
		Timestamp:   time.Now(),
	}

	err := f.store.Transaction(ctx, func(tx store.Tx) error {
		n, err := detector.Detect(ctx, tx, in)
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)

	in.Listens[0].Listens = 60
	err = f.store.Transaction(ctx, func(tx store.Tx) error {
		n, err := detector.Detect(ctx, tx, in)
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)

	notifications := f.store.Notifications()
	require.Len(t, notifications, 1)
	require.Len(t, notifications[0].Actions, 2)
	assert.Equal(t, int64(25), notifications[0].Actions[0].ActionEntityID)
	assert.Equal(t, int64(50), notifications[0].Actions[1].ActionEntityID)
}

package indexer

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

// MilestoneThresholds are the counts that trigger a milestone, ascending
var MilestoneThresholds = []int64{10, 25, 50, 100, 250, 500, 1000, 5000, 10000, 20000, 50000, 100000, 1000000}

// highestThreshold returns the largest threshold count has reached, or 0
func highestThreshold(count int64) int64 {
	i := sort.Search(len(MilestoneThresholds), func(i int) bool { return MilestoneThresholds[i] > count })
	if i == 0 {
		return 0
	}
	return MilestoneThresholds[i-1]
}

// MilestoneInput is the source data for one milestone pass
type MilestoneInput struct {
	// Listens are the cumulative listen counts of recently played tracks
	Listens []store.TrackListens
	// TrackOwners maps track id to owner id
	TrackOwners map[int64]int64
	// FollowerCounts maps user id to follower count
	FollowerCounts map[int64]int64
	// FollowersAdded are users that gained a follower in this batch
	FollowersAdded []int64
	BlockNumber    int64
	Timestamp      time.Time
}

// MilestoneDetector writes listen and follower milestones.
// Each (user, type, entity, threshold) is recorded at most once, read or not.
type MilestoneDetector struct {
	notify *NotifyIndexer
	logger *zap.Logger
}

// NewMilestoneDetector creates a new milestone detector
func NewMilestoneDetector(notify *NotifyIndexer, logger *zap.Logger) *MilestoneDetector {
	return &MilestoneDetector{notify: notify, logger: logger}
}

// Detect runs both milestone passes and returns how many milestones were recorded
func (m *MilestoneDetector) Detect(ctx context.Context, tx store.Tx, in MilestoneInput) (int, error) {
	return m.detect(ctx, tx, in, newBatchStats())
}

func (m *MilestoneDetector) detect(ctx context.Context, tx store.Tx, in MilestoneInput, stats *batchStats) (int, error) {
	recorded := 0

	for _, track := range in.Listens {
		owner, ok := in.TrackOwners[track.TrackID]
		if !ok {
			m.logger.Debug("No owner for track, skipping listen milestone", zap.Int64("track_id", track.TrackID))
			continue
		}
		threshold := highestThreshold(track.Listens)
		if threshold == 0 {
			continue
		}
		ok, err := m.record(ctx, tx, store.NewBucketKey(owner, models.NotifyTypeMilestoneListen, track.TrackID),
			models.ActionEntityTrack, threshold, in, stats)
		if err != nil {
			return recorded, err
		}
		if ok {
			recorded++
		}
	}

	for _, userID := range in.FollowersAdded {
		count, ok := in.FollowerCounts[userID]
		if !ok {
			continue
		}
		threshold := highestThreshold(count)
		if threshold == 0 {
			continue
		}
		ok, err := m.record(ctx, tx, store.BucketKey{UserID: userID, Type: models.NotifyTypeMilestoneFollow},
			models.ActionEntityUser, threshold, in, stats)
		if err != nil {
			return recorded, err
		}
		if ok {
			recorded++
		}
	}

	stats.milestones += recorded
	return recorded, nil
}

func (m *MilestoneDetector) record(
	ctx context.Context,
	tx store.Tx,
	key store.BucketKey,
	entityType models.ActionEntityType,
	threshold int64,
	in MilestoneInput,
	stats *batchStats,
) (bool, error) {
	existing, err := tx.FindMilestone(ctx, key, threshold)
	if err != nil {
		return false, storeErr("find milestone", err)
	}
	if existing != nil {
		return false, nil
	}

	ok, err := m.notify.Allowed(ctx, tx, key.UserID, CategoryMilestones)
	if err != nil || !ok {
		return false, err
	}

	created, err := m.notify.Write(ctx, tx, write{
		key:         key,
		entityType:  entityType,
		entityID:    threshold,
		blockNumber: in.BlockNumber,
		timestamp:   in.Timestamp,
		touch:       true,
	}, stats)
	if err != nil {
		return false, err
	}
	if created {
		m.logger.Info("Milestone reached",
			zap.String("type", string(key.Type)),
			zap.Int64("user_id", key.UserID),
			zap.Int64("threshold", threshold))
	}
	return created, nil
}

// sortedSet returns the members of s in ascending order
func sortedSet(s map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

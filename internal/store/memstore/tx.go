package memstore

import (
	"context"
	"time"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

type tx struct {
	st       *state
	now      func() time.Time
	failures map[string]error
}

func (t *tx) fail(op string) error {
	return t.failures[op]
}

func (t *tx) Settings(ctx context.Context, userID int64) (*models.UserNotificationSettings, error) {
	if err := t.fail("Settings"); err != nil {
		return nil, err
	}
	s, ok := t.st.settings[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *tx) FindOpenBucket(ctx context.Context, key store.BucketKey) (*models.Notification, error) {
	if err := t.fail("FindOpenBucket"); err != nil {
		return nil, err
	}
	var found *models.Notification
	for _, n := range t.st.notifications {
		if n.IsRead || n.IsHidden || n.UserID != key.UserID || n.Type != key.Type {
			continue
		}
		if !sameEntity(n.Entity(), key.EntityID) {
			continue
		}
		if found == nil || n.ID < found.ID {
			n := n
			found = &n
		}
	}
	return found, nil
}

func (t *tx) CreateBucket(ctx context.Context, n *models.Notification) error {
	if err := t.fail("CreateBucket"); err != nil {
		return err
	}
	t.st.nextNotificationID++
	now := t.now()
	n.ID = t.st.nextNotificationID
	n.CreatedAt = now
	n.UpdatedAt = now
	row := *n
	row.Actions = nil
	t.st.notifications[n.ID] = row
	return nil
}

func (t *tx) TouchBucket(ctx context.Context, notificationID int64, ts time.Time) error {
	if err := t.fail("TouchBucket"); err != nil {
		return err
	}
	n, ok := t.st.notifications[notificationID]
	if !ok {
		return store.ErrNotFound
	}
	n.Timestamp = ts
	n.UpdatedAt = t.now()
	t.st.notifications[notificationID] = n
	return nil
}

func (t *tx) FindOrCreateAction(ctx context.Context, action *models.NotificationAction) (bool, error) {
	if err := t.fail("FindOrCreateAction"); err != nil {
		return false, err
	}
	for _, a := range t.st.actions {
		if a.NotificationID == action.NotificationID &&
			a.ActionEntityType == action.ActionEntityType &&
			a.ActionEntityID == action.ActionEntityID {
			*action = a
			return false, nil
		}
	}
	t.st.nextActionID++
	action.ID = t.st.nextActionID
	action.CreatedAt = t.now()
	t.st.actions[action.ID] = *action
	return true, nil
}

func (t *tx) SubscriberIDs(ctx context.Context, userID int64) ([]int64, error) {
	if err := t.fail("SubscriberIDs"); err != nil {
		return nil, err
	}
	var ids []int64
	for _, s := range t.st.subscriptions {
		if s.UserID == userID {
			ids = append(ids, s.SubscriberID)
		}
	}
	return ids, nil
}

func (t *tx) DeleteTrackCreateActions(ctx context.Context, trackIDs []int64) (int64, error) {
	if err := t.fail("DeleteTrackCreateActions"); err != nil {
		return 0, err
	}
	wanted := make(map[int64]bool, len(trackIDs))
	for _, id := range trackIDs {
		wanted[id] = true
	}
	var deleted int64
	for id, a := range t.st.actions {
		if a.ActionEntityType != models.ActionEntityTrack || !wanted[a.ActionEntityID] {
			continue
		}
		if n, ok := t.st.notifications[a.NotificationID]; !ok || n.Type != models.NotifyTypeCreateTrack {
			continue
		}
		delete(t.st.actions, id)
		deleted++
	}
	return deleted, nil
}

func (t *tx) FindMilestone(ctx context.Context, key store.BucketKey, threshold int64) (*models.Notification, error) {
	if err := t.fail("FindMilestone"); err != nil {
		return nil, err
	}
	for _, n := range t.st.notifications {
		if n.UserID != key.UserID || n.Type != key.Type || !sameEntity(n.Entity(), key.EntityID) {
			continue
		}
		for _, a := range t.st.actions {
			if a.NotificationID == n.ID && a.ActionEntityID == threshold {
				n := n
				return &n, nil
			}
		}
	}
	return nil, nil
}

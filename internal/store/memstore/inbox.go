package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

// PendingDigests implements store.Digests
func (s *Store) PendingDigests(ctx context.Context, afterUserID int64, limit int) ([]store.DigestCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userIDs := make(map[int64]bool)
	for _, a := range s.state.actions {
		n, ok := s.state.notifications[a.NotificationID]
		if !ok || n.IsRead || n.IsHidden || n.UserID <= afterUserID {
			continue
		}
		if a.CreatedAt.After(s.state.digests[n.UserID]) {
			userIDs[n.UserID] = true
		}
	}

	var result []store.DigestCandidate
	for id := range userIDs {
		u, ok := s.state.users[id]
		if !ok || u.Email == "" {
			continue
		}
		frequency := models.EmailFrequencyLive
		if settings, ok := s.state.settings[id]; ok && settings.EmailFrequency != "" {
			frequency = settings.EmailFrequency
		}
		if frequency == models.EmailFrequencyOff {
			continue
		}
		result = append(result, store.DigestCandidate{User: u, Since: s.state.digests[id], Frequency: frequency})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].User.ID < result[j].User.ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UnreadActivity implements store.Digests
func (s *Store) UnreadActivity(ctx context.Context, userID int64, since time.Time) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.sortedNotifications(func(n models.Notification) bool {
		if n.UserID != userID || n.IsRead || n.IsHidden {
			return false
		}
		for _, a := range s.state.actions {
			if a.NotificationID == n.ID && a.CreatedAt.After(since) {
				return true
			}
		}
		return false
	}), nil
}

// SetDigestedAt implements store.Digests
func (s *Store) SetDigestedAt(ctx context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.digests[userID] = at
	return nil
}

// ListNotifications implements store.Inbox, newest first
func (s *Store) ListNotifications(ctx context.Context, userID int64, beforeID int64, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.state.sortedNotifications(func(n models.Notification) bool {
		return n.UserID == userID && !n.IsHidden && (beforeID <= 0 || n.ID < beforeID)
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UnreadCount implements store.Inbox
func (s *Store) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, n := range s.state.notifications {
		if n.UserID == userID && !n.IsRead && !n.IsHidden {
			count++
		}
	}
	return count, nil
}

// MarkRead implements store.Inbox
func (s *Store) MarkRead(ctx context.Context, userID int64, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for _, id := range ids {
		n, ok := s.state.notifications[id]
		if !ok || n.UserID != userID || n.IsRead {
			continue
		}
		n.IsRead = true
		n.UpdatedAt = s.now()
		s.state.notifications[id] = n
		updated++
	}
	return updated, nil
}

// MarkAllRead implements store.Inbox
func (s *Store) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for id, n := range s.state.notifications {
		if n.UserID != userID || n.IsRead {
			continue
		}
		n.IsRead = true
		n.UpdatedAt = s.now()
		s.state.notifications[id] = n
		updated++
	}
	return updated, nil
}

// Hide implements store.Inbox; hiding also closes the bucket
func (s *Store) Hide(ctx context.Context, userID int64, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.state.notifications[id]
	if !ok || n.UserID != userID {
		return store.ErrNotFound
	}
	n.IsHidden = true
	n.IsRead = true
	n.UpdatedAt = s.now()
	s.state.notifications[id] = n
	return nil
}

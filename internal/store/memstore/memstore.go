// Package memstore is an in-memory implementation of the store contracts.
// Transactions work on a copy of the state that replaces the live state on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
)

type state struct {
	nextNotificationID int64
	nextActionID       int64
	notifications      map[int64]models.Notification
	actions            map[int64]models.NotificationAction
	settings           map[int64]models.UserNotificationSettings
	subscriptions      []models.Subscription
	users              map[int64]models.User
	digests            map[int64]time.Time
	listens            []models.TrackListenCount
}

func newState() *state {
	return &state{
		notifications: make(map[int64]models.Notification),
		actions:       make(map[int64]models.NotificationAction),
		settings:      make(map[int64]models.UserNotificationSettings),
		users:         make(map[int64]models.User),
		digests:       make(map[int64]time.Time),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.nextNotificationID = s.nextNotificationID
	c.nextActionID = s.nextActionID
	for k, v := range s.notifications {
		c.notifications[k] = v
	}
	for k, v := range s.actions {
		c.actions[k] = v
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.digests {
		c.digests[k] = v
	}
	c.subscriptions = append([]models.Subscription(nil), s.subscriptions...)
	c.listens = append([]models.TrackListenCount(nil), s.listens...)
	return c
}

var (
	_ store.Indexing = (*Store)(nil)
	_ store.Digests  = (*Store)(nil)
	_ store.Inbox    = (*Store)(nil)
)

// Store keeps every table in memory
type Store struct {
	mu       sync.Mutex
	state    *state
	now      func() time.Time
	failures map[string]error
}

// New creates an empty store using the wall clock
func New() *Store {
	return &Store{state: newState(), now: time.Now, failures: make(map[string]error)}
}

// SetClock replaces the clock used for created_at columns
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailOn makes the named Tx operation return err until cleared with a nil err
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Transaction implements store.Indexing
func (s *Store) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{st: s.state.clone(), now: s.now, failures: s.failures}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = t.st
	return nil
}

// RecentListenCounts implements store.Indexing
func (s *Store) RecentListenCounts(ctx context.Context, since store.ListenWatermark, limit int) ([]store.TrackListens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := make(map[int64]*store.TrackListens)
	for _, row := range s.state.listens {
		t, ok := totals[row.TrackID]
		if !ok {
			t = &store.TrackListens{TrackID: row.TrackID}
			totals[row.TrackID] = t
		}
		t.Listens += row.Listens
		if row.UpdatedAt.After(t.UpdatedAt) {
			t.UpdatedAt = row.UpdatedAt
		}
	}

	result := make([]store.TrackListens, 0, len(totals))
	for _, t := range totals {
		if t.Watermark().After(since) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[j].Watermark().After(result[i].Watermark())
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PutSettings stores settings for a user
func (s *Store) PutSettings(settings models.UserNotificationSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.settings[settings.UserID] = settings
}

// PutUser stores a user record
func (s *Store) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users[u.ID] = u
}

// Subscribe records subscriberID following uploads of userID
func (s *Store) Subscribe(subscriberID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.subscriptions = append(s.state.subscriptions, models.Subscription{
		SubscriberID: subscriberID,
		UserID:       userID,
		CreatedAt:    s.now(),
	})
}

// AddListens records listens for a track in the given hour bucket
func (s *Store) AddListens(trackID int64, hour time.Time, listens int64, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.listens = append(s.state.listens, models.TrackListenCount{
		TrackID:   trackID,
		Hour:      hour,
		Listens:   listens,
		UpdatedAt: updatedAt,
	})
}

// Notifications returns every bucket ordered by id, actions attached
func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.sortedNotifications(func(models.Notification) bool { return true })
}

// Actions returns every action ordered by id
func (s *Store) Actions() []models.NotificationAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.sortedActions(func(models.NotificationAction) bool { return true })
}

// DigestedAt returns the watermark for a user
func (s *Store) DigestedAt(userID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.state.digests[userID]
	return at, ok
}

func (st *state) sortedActions(keep func(models.NotificationAction) bool) []models.NotificationAction {
	result := make([]models.NotificationAction, 0)
	for _, a := range st.actions {
		if keep(a) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (st *state) sortedNotifications(keep func(models.Notification) bool) []models.Notification {
	result := make([]models.Notification, 0)
	for _, n := range st.notifications {
		if keep(n) {
			n.Actions = st.sortedActions(func(a models.NotificationAction) bool { return a.NotificationID == n.ID })
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func sameEntity(a *int64, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

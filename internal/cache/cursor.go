package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/soundchain/notifier/internal/store"
)

const (
	cursorKey          = "indexer:cursor"
	listenWatermarkKey = "milestones:listens:since"
)

// ErrStaleCheckpoint is returned when a checkpoint write would move a stored value backwards
var ErrStaleCheckpoint = errors.New("cache: checkpoint is behind the stored value")

// setIfGreater stores ARGV[1] unless the stored integer is larger.
// Returns 1 when written, 0 when equal and -1 when stale.
var setIfGreater = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local c, n = tonumber(cur), tonumber(ARGV[1])
  if c > n then return -1 end
  if c == n then return 0 end
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// setWatermarkIfGreater stores "ARGV[1]:ARGV[2]" unless the stored pair sorts after it
var setWatermarkIfGreater = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local cm, ct = string.match(cur, '^(%-?%d+):(%d+)$')
  if cm then
    local m, t = tonumber(ARGV[1]), tonumber(ARGV[2])
    cm, ct = tonumber(cm), tonumber(ct)
    if cm > m or (cm == m and ct > t) then return -1 end
    if cm == m and ct == t then return 0 end
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2])
return 1
`)

// CursorStore persists the indexing cursor and the listen-count watermark.
// Both only move forward; a write behind the stored value returns ErrStaleCheckpoint.
// Without redis the values live in memory and reset on restart.
type CursorStore struct {
	cache   *Cache
	genesis int64

	mu              sync.Mutex
	cursor          *int64
	listenWatermark store.ListenWatermark
}

// NewCursorStore creates a cursor store; cache may be nil
func NewCursorStore(cache *Cache, genesis int64) *CursorStore {
	return &CursorStore{cache: cache, genesis: genesis}
}

// Cursor returns the last committed block, or the genesis block when none was saved
func (s *CursorStore) Cursor(ctx context.Context) (int64, error) {
	if !s.cache.enabled() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cursor == nil {
			return s.genesis, nil
		}
		return *s.cursor, nil
	}

	val, err := s.cache.Get(ctx, cursorKey)
	if errors.Is(err, ErrKeyNotFound) {
		return s.genesis, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	cursor, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cursor %q: %w", val, err)
	}
	return cursor, nil
}

// SetCursor saves the last committed block unless a later one is already stored
func (s *CursorStore) SetCursor(ctx context.Context, cursor int64) error {
	if !s.cache.enabled() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cursor != nil && *s.cursor > cursor {
			return fmt.Errorf("cursor %d behind %d: %w", cursor, *s.cursor, ErrStaleCheckpoint)
		}
		s.cursor = &cursor
		return nil
	}

	res, err := setIfGreater.Run(ctx, s.cache.client, []string{s.cache.namespaceKey(cursorKey)}, cursor).Int()
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("cursor %d: %w", cursor, ErrStaleCheckpoint)
	}
	return nil
}

// ListenWatermark returns the position of the newest listen activity already checked for milestones
func (s *CursorStore) ListenWatermark(ctx context.Context) (store.ListenWatermark, error) {
	if !s.cache.enabled() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.listenWatermark, nil
	}

	val, err := s.cache.Get(ctx, listenWatermarkKey)
	if errors.Is(err, ErrKeyNotFound) {
		return store.ListenWatermark{}, nil
	}
	if err != nil {
		return store.ListenWatermark{}, fmt.Errorf("failed to read listen watermark: %w", err)
	}
	w, err := parseWatermark(val)
	if err != nil {
		return store.ListenWatermark{}, fmt.Errorf("failed to parse listen watermark %q: %w", val, err)
	}
	return w, nil
}

// SetListenWatermark saves the listen-count watermark unless a later one is already stored.
// Timestamps are kept at microsecond precision.
func (s *CursorStore) SetListenWatermark(ctx context.Context, w store.ListenWatermark) error {
	if w.IsZero() {
		return nil
	}
	w.UpdatedAt = time.UnixMicro(w.UpdatedAt.UnixMicro()).UTC()

	if !s.cache.enabled() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.listenWatermark.After(w) {
			return fmt.Errorf("listen watermark: %w", ErrStaleCheckpoint)
		}
		s.listenWatermark = w
		return nil
	}

	res, err := setWatermarkIfGreater.Run(ctx, s.cache.client, []string{s.cache.namespaceKey(listenWatermarkKey)},
		w.UpdatedAt.UnixMicro(), w.TrackID).Int()
	if err != nil {
		return fmt.Errorf("failed to save listen watermark: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("listen watermark: %w", ErrStaleCheckpoint)
	}
	return nil
}

// parseWatermark reads "<unix micros>:<track id>"
func parseWatermark(val string) (store.ListenWatermark, error) {
	micros, track, ok := strings.Cut(val, ":")
	if !ok {
		return store.ListenWatermark{}, errors.New("missing track id")
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return store.ListenWatermark{}, err
	}
	trackID, err := strconv.ParseInt(track, 10, 64)
	if err != nil {
		return store.ListenWatermark{}, err
	}
	return store.ListenWatermark{UpdatedAt: time.UnixMicro(us).UTC(), TrackID: trackID}, nil
}

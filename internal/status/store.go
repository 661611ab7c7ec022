// Package status holds the last-known-good health snapshot and fans it
// out: an atomic in-memory pointer for readers, a JSON file on disk for
// operators, an optional Redis publish for dashboards, and in-process
// subscriptions for websocket streaming.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
)

const redisPublishTimeout = 2 * time.Second

// Store is the single source of truth for the current snapshot. Swap is
// called by one writer (the orchestrator cycle); Current and Subscribe
// are safe from any goroutine.
type Store struct {
	cfg     config.StatusConfig
	current atomic.Pointer[domain.HealthSnapshot]
	rdb     *redis.Client

	mu   sync.Mutex
	subs map[int]chan *domain.HealthSnapshot
	next int
}

// NewStore creates a store. rdb may be nil when Redis publishing is
// disabled.
func NewStore(cfg config.StatusConfig, rdb *redis.Client) *Store {
	return &Store{
		cfg:  cfg,
		rdb:  rdb,
		subs: make(map[int]chan *domain.HealthSnapshot),
	}
}

// Current returns the latest snapshot, or nil before the first cycle.
func (s *Store) Current() *domain.HealthSnapshot {
	return s.current.Load().Clone()
}

// Swap installs a new snapshot and fans it out. File and Redis writes
// are best-effort: a failed sink is logged, the in-memory snapshot is
// already live.
func (s *Store) Swap(snap *domain.HealthSnapshot) {
	s.current.Store(snap)

	if err := s.writeFile(snap); err != nil {
		log.Warn().Err(err).Str("path", s.cfg.SnapshotPath).Msg("Failed to write health snapshot file")
	}
	s.publish(snap)
	s.notify(snap)
}

// Subscribe returns a channel receiving every snapshot installed after
// the call, plus a cancel func that must be called when done. Slow
// subscribers miss snapshots rather than blocking the writer.
func (s *Store) Subscribe() (<-chan *domain.HealthSnapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan *domain.HealthSnapshot, 4)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Store) notify(snap *domain.HealthSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// writeFile persists the snapshot with a tmp-then-rename so a crash
// mid-write never leaves a torn file behind.
func (s *Store) writeFile(snap *domain.HealthSnapshot) error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp := s.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, s.cfg.SnapshotPath)
}

func (s *Store) publish(snap *domain.HealthSnapshot) {
	if s.rdb == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal snapshot for Redis")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, s.cfg.Redis.Key, data, 0).Err(); err != nil {
		log.Warn().Err(err).Str("key", s.cfg.Redis.Key).Msg("Failed to store snapshot in Redis")
		return
	}
	if err := s.rdb.Publish(ctx, s.cfg.Redis.Channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("channel", s.cfg.Redis.Channel).Msg("Failed to publish snapshot to Redis")
	}
}

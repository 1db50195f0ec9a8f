package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/exploopio/deprisk/pkg/core"
)

// DefaultShards is the default lock shard count of Memory.
const DefaultShards = 32

// MemoryConfig configures NewMemory.
type MemoryConfig struct {
	TTL    time.Duration
	Shards int
	Clock  core.Clock
}

type entry struct {
	payload   []byte
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Memory is an in-process cache. Keys are spread over independently locked
// shards so writes to one key never wait on unrelated keys in other shards.
type Memory struct {
	shards []*shard
	ttl    time.Duration
	clock  core.Clock
}

// NewMemory creates a sharded in-memory cache.
func NewMemory(cfg MemoryConfig) *Memory {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	m := &Memory{shards: make([]*shard, n), ttl: ttl, clock: clock}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key Key) ([]byte, bool) {
	payload, _, ok := m.lookup(key)
	return payload, ok
}

func (m *Memory) lookup(key Key) ([]byte, time.Time, bool) {
	k := key.String()
	s := m.shardFor(k)

	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()

	if !ok {
		return nil, time.Time{}, false
	}
	if !m.clock.Now().Before(e.expiresAt) {
		m.evict(s, k, e.expiresAt)
		return nil, time.Time{}, false
	}
	return clone(e.payload), e.expiresAt, true
}

// evict removes k if it still holds the expired entry the caller saw; a
// concurrent Put may have replaced it since.
func (m *Memory) evict(s *shard, k string, expiresAt time.Time) {
	s.mu.Lock()
	if cur, ok := s.entries[k]; ok && cur.expiresAt.Equal(expiresAt) {
		delete(s.entries, k)
	}
	s.mu.Unlock()
}

// PurgeExpired removes every expired entry and returns how many it removed.
// Entries that are never read again are only reclaimed here.
func (m *Memory) PurgeExpired(ctx context.Context) (int64, error) {
	var n int64
	for _, s := range m.shards {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		now := m.clock.Now()
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n, nil
}

// Put implements Cache.
func (m *Memory) Put(_ context.Context, key Key, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.putUntil(key, payload, m.clock.Now().Add(ttl))
	return nil
}

func (m *Memory) putUntil(key Key, payload []byte, expiresAt time.Time) {
	k := key.String()
	e := entry{payload: clone(payload), expiresAt: expiresAt}
	s := m.shardFor(k)

	s.mu.Lock()
	s.entries[k] = e
	s.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ Cache = (*Memory)(nil)

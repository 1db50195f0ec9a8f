package cache

import (
	"context"
	"time"
)

// Tiered fronts the persistent tier with the memory tier. Hits from disk are
// promoted to memory with their remaining lifetime.
type Tiered struct {
	front *Memory
	back  *SQLite
}

// NewTiered combines a memory and a persistent tier.
func NewTiered(front *Memory, back *SQLite) *Tiered {
	return &Tiered{front: front, back: back}
}

// Get implements Cache.
func (t *Tiered) Get(ctx context.Context, key Key) ([]byte, bool) {
	if payload, ok := t.front.Get(ctx, key); ok {
		return payload, true
	}
	payload, expiresAt, ok := t.back.lookup(ctx, key)
	if !ok {
		return nil, false
	}
	t.front.putUntil(key, payload, expiresAt)
	return payload, true
}

// Put implements Cache. The persistent write happens first so the memory
// tier never holds an entry the disk rejected.
func (t *Tiered) Put(ctx context.Context, key Key, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.front.ttl
	}
	expiresAt := t.front.clock.Now().Add(ttl)
	if err := t.back.putUntil(ctx, key, payload, expiresAt); err != nil {
		return err
	}
	t.front.putUntil(key, payload, expiresAt)
	return nil
}

// Memory returns the memory tier.
func (t *Tiered) Memory() *Memory {
	return t.front
}

// Persistent returns the SQLite tier.
func (t *Tiered) Persistent() *SQLite {
	return t.back
}

// Close closes the persistent tier.
func (t *Tiered) Close() error {
	return t.back.Close()
}

var _ Cache = (*Tiered)(nil)

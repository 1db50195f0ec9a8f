// Package cache stores recent advisory source responses keyed by
// (source, package, ecosystem) so repeated lookups skip the network.
//
// Expired entries read as absent. The memory tier drops an expired entry
// when it is read; PurgeExpired reclaims the rest from every tier. Writes are
// all-or-nothing: a payload is either stored whole or not at all.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/model"
)

// DefaultTTL matches the daily refresh cadence of the advisory databases.
const DefaultTTL = 24 * time.Hour

// Key identifies one cached source response.
type Key struct {
	Source    model.SourceName
	Package   string
	Ecosystem model.Ecosystem
}

// String returns the canonical storage key.
func (k Key) String() string {
	return string(k.Source) + "|" + string(k.Ecosystem) + "|" + strings.TrimSpace(k.Package)
}

// Cache is the response cache contract shared by all tiers.
type Cache interface {
	// Get returns the payload for key if present and not expired.
	Get(ctx context.Context, key Key) ([]byte, bool)

	// Put stores payload for ttl. A non-positive ttl uses the cache default.
	Put(ctx context.Context, key Key, payload []byte, ttl time.Duration) error
}

// Options configures New.
type Options struct {
	// Disabled makes every Get a miss and every Put a no-op.
	Disabled bool

	// TTL is the default entry lifetime.
	TTL time.Duration

	// Path enables the persistent SQLite tier when non-empty.
	Path string

	// Shards is the number of lock shards of the memory tier.
	Shards int

	Clock  core.Clock
	Logger core.Logger
}

// New builds the cache described by opts: Nop when disabled, Memory when no
// path is set, otherwise a Memory tier in front of SQLite.
func New(opts Options) (Cache, error) {
	if opts.Disabled {
		return Nop{}, nil
	}
	mem := NewMemory(MemoryConfig{TTL: opts.TTL, Shards: opts.Shards, Clock: opts.Clock})
	if opts.Path == "" {
		return mem, nil
	}
	disk, err := NewSQLite(&SQLiteConfig{
		Path:   opts.Path,
		TTL:    opts.TTL,
		Clock:  opts.Clock,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return NewTiered(mem, disk), nil
}

// Nop is the disabled cache.
type Nop struct{}

// Get always misses.
func (Nop) Get(context.Context, Key) ([]byte, bool) { return nil, false }

// Put discards the payload.
func (Nop) Put(context.Context, Key, []byte, time.Duration) error { return nil }

// Closer is implemented by caches holding external resources.
type Closer interface {
	Close() error
}

// Close releases c's resources if it has any.
func Close(c Cache) error {
	if closer, ok := c.(Closer); ok {
		return closer.Close()
	}
	return nil
}

// Purger is implemented by tiers that can drop expired entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Tier names reported by PurgeExpired.
const (
	TierMemory = "memory"
	TierSQLite = "sqlite"
)

// PurgeExpired purges every tier of c and returns the removed entry count
// per tier name. Tiers are purged front to back; the first error stops the
// sweep and is returned with the counts gathered so far.
func PurgeExpired(ctx context.Context, c Cache) (map[string]int64, error) {
	type tier struct {
		name string
		p    Purger
	}
	var tiers []tier
	switch v := c.(type) {
	case *Tiered:
		tiers = []tier{{TierMemory, v.Memory()}, {TierSQLite, v.Persistent()}}
	case *Memory:
		tiers = []tier{{TierMemory, v}}
	case *SQLite:
		tiers = []tier{{TierSQLite, v}}
	}

	counts := make(map[string]int64, len(tiers))
	for _, t := range tiers {
		n, err := t.p.PurgeExpired(ctx)
		counts[t.name] = n
		if err != nil {
			return counts, err
		}
	}
	return counts, nil
}

var _ Cache = Nop{}

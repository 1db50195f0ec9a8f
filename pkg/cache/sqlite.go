package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/deprisk/pkg/compress"
	"github.com/exploopio/deprisk/pkg/core"
)

// SQLiteConfig configures the persistent cache tier.
type SQLiteConfig struct {
	// Path is the database file.
	Path string

	// TTL is the default entry lifetime.
	TTL time.Duration

	// Compression is applied to payloads before they are stored.
	// Default is ZSTD.
	Compression compress.Algorithm

	Clock  core.Clock
	Logger core.Logger
}

// DefaultPath returns ~/.deprisk/cache.db.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".deprisk", "cache.db")
}

// SQLite persists responses across runs. Each Put is a single upsert, so
// concurrent writers to one key serialize inside SQLite and a reader never
// sees a partially written payload.
type SQLite struct {
	db     *sql.DB
	codec  *compress.Codec
	ttl    time.Duration
	clock  core.Clock
	logger core.Logger
}

// NewSQLite opens (or creates) the cache database.
func NewSQLite(cfg *SQLiteConfig) (*SQLite, error) {
	if cfg == nil {
		cfg = &SQLiteConfig{}
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	algo := cfg.Compression
	if algo == "" {
		algo = compress.AlgorithmZSTD
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	s := &SQLite{
		db:     db,
		codec:  compress.NewCodec(algo, compress.LevelDefault),
		ttl:    ttl,
		clock:  clock,
		logger: core.OrNop(cfg.Logger),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS responses (
		cache_key TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		ecosystem TEXT NOT NULL,
		package TEXT NOT NULL,
		payload BLOB NOT NULL,
		compression TEXT NOT NULL DEFAULT 'none',
		size INTEGER NOT NULL,
		stored_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_responses_expires_at ON responses(expires_at);
	CREATE INDEX IF NOT EXISTS idx_responses_source ON responses(source);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get implements Cache. Read errors are logged and reported as a miss.
func (s *SQLite) Get(ctx context.Context, key Key) ([]byte, bool) {
	payload, _, ok := s.lookup(ctx, key)
	return payload, ok
}

func (s *SQLite) lookup(ctx context.Context, key Key) ([]byte, time.Time, bool) {
	var (
		data        []byte
		compression string
		expiresAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, compression, expires_at FROM responses WHERE cache_key = ?`,
		key.String(),
	).Scan(&data, &compression, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, false
	}
	if err != nil {
		s.logger.Warn("cache read %s: %v", key, err)
		return nil, time.Time{}, false
	}

	exp := time.Unix(0, expiresAt)
	if !s.clock.Now().Before(exp) {
		return nil, time.Time{}, false
	}

	algo, err := compress.ParseAlgorithm(compression)
	if err != nil {
		s.logger.Warn("cache entry %s: %v", key, err)
		return nil, time.Time{}, false
	}
	payload, err := s.codec.Decode(data, algo)
	if err != nil {
		s.logger.Warn("cache entry %s: %v", key, err)
		return nil, time.Time{}, false
	}
	return payload, exp, true
}

// Put implements Cache.
func (s *SQLite) Put(ctx context.Context, key Key, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.putUntil(ctx, key, payload, s.clock.Now().Add(ttl))
}

func (s *SQLite) putUntil(ctx context.Context, key Key, payload []byte, expiresAt time.Time) error {
	data, algo, err := s.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (
			cache_key, source, ecosystem, package, payload, compression, size, stored_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			payload = excluded.payload,
			compression = excluded.compression,
			size = excluded.size,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at
	`,
		key.String(), string(key.Source), string(key.Ecosystem), key.Package,
		data, string(algo), len(payload), s.clock.Now().UnixNano(), expiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// Stats describes the persistent tier.
type Stats struct {
	Entries        int   `json:"entries"`
	Expired        int   `json:"expired"`
	PayloadBytes   int64 `json:"payload_bytes"`
	StoredBytes    int64 `json:"stored_bytes"`
	OldestStoredAt int64 `json:"oldest_stored_at,omitempty"`
}

// Stats reports entry counts and sizes.
func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(LENGTH(payload)), 0),
			MIN(stored_at)
		FROM responses
	`, s.clock.Now().UnixNano()).Scan(&st.Entries, &st.Expired, &st.PayloadBytes, &st.StoredBytes, &oldest)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		st.OldestStoredAt = oldest.Int64
	}
	return &st, nil
}

// PurgeExpired deletes expired rows. Reads never require it; it only
// reclaims disk space.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM responses WHERE expires_at <= ?`, s.clock.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Cache = (*SQLite)(nil)

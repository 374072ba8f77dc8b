// Package titlecache caches title lookup results to cut redundant metadata
// calls, with automatic fallback to stale entries while the upstream API is
// failing.
package titlecache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/devatadev/gokeyward/internal/logging"
)

// FetchFunc performs the live title lookup.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Entry is a cached title payload. Stale marks a fallback entry served past
// its TTL because the live fetch failed.
type Entry struct {
	Payload   []byte
	FetchedAt time.Time
	Stale     bool
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Fallbacks uint64
}

// Cache is a sqlite-backed title metadata cache with a fixed TTL and a
// longer grace retention for failure fallback.
type Cache struct {
	db           *sql.DB
	ttl          time.Duration
	maxRetention time.Duration
	bypass       bool
	now          func() time.Time
	log          *zap.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	fallbacks atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithBypass skips cache lookup and store entirely; live fetches still run.
func WithBypass(bypass bool) Option {
	return func(c *Cache) { c.bypass = bypass }
}

// Open opens or creates the cache at path.
func Open(path string, ttl, maxRetention time.Duration, log *zap.Logger, opts ...Option) (*Cache, error) {
	if maxRetention < ttl {
		return nil, fmt.Errorf("title cache: max retention %s below ttl %s", maxRetention, ttl)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open title cache: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("title cache: exec pragma %q: %w", pragma, err)
		}
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS title_cache (
		key        TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		fetched_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("title cache: create schema: %w", err)
	}

	c := &Cache{
		db:           db,
		ttl:          ttl,
		maxRetention: maxRetention,
		now:          time.Now,
		log:          log.With(logging.Component("titlecache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the title payload for (service, contentID, region), serving
// from cache while fresh, refreshing through fetch otherwise, and falling
// back to a stale entry within the grace window when the fetch fails.
func (c *Cache) Get(ctx context.Context, service, contentID, region string, fetch FetchFunc) (Entry, error) {
	if c.bypass {
		payload, err := fetch(ctx)
		if err != nil {
			return Entry{}, fmt.Errorf("fetch title (cache bypassed): %w", err)
		}
		return Entry{Payload: payload, FetchedAt: c.now()}, nil
	}

	key := cacheKey(service, contentID, region)
	cached, haveCached := c.read(ctx, key)

	if haveCached && c.now().Sub(cached.FetchedAt) <= c.ttl {
		c.hits.Add(1)
		return cached, nil
	}
	c.misses.Add(1)

	payload, fetchErr := fetch(ctx)
	if fetchErr == nil {
		entry := Entry{Payload: payload, FetchedAt: c.now()}
		if err := c.write(ctx, key, entry); err != nil {
			c.log.Warn("title cache store failed", zap.Error(err))
		}
		return entry, nil
	}

	if haveCached && c.now().Sub(cached.FetchedAt) <= c.maxRetention {
		c.fallbacks.Add(1)
		c.log.Warn("title fetch failed, serving stale entry",
			logging.Service(service), zap.Time("fetched_at", cached.FetchedAt), zap.Error(fetchErr))
		cached.Stale = true
		return cached, nil
	}

	return Entry{}, fmt.Errorf("fetch title: %w", fetchErr)
}

// Reset clears all entries.
func (c *Cache) Reset(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM title_cache"); err != nil {
		return fmt.Errorf("reset title cache: %w", err)
	}
	return nil
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fallbacks: c.fallbacks.Load(),
	}
}

func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) read(ctx context.Context, key string) (Entry, bool) {
	var payload []byte
	var fetchedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT payload, fetched_at FROM title_cache WHERE key = ?", key,
	).Scan(&payload, &fetchedAt)
	if err == sql.ErrNoRows {
		return Entry{}, false
	}
	if err != nil {
		c.log.Warn("title cache read failed", zap.Error(err))
		return Entry{}, false
	}
	return Entry{Payload: payload, FetchedAt: time.Unix(fetchedAt, 0)}, true
}

func (c *Cache) write(ctx context.Context, key string, entry Entry) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO title_cache (key, payload, fetched_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at",
		key, entry.Payload, entry.FetchedAt.Unix(),
	)
	return err
}

// cacheKey hashes the lookup tuple so complex content ids (urls, dots) stay
// filesystem- and column-safe.
func cacheKey(service, contentID, region string) string {
	sum := sha256.New()
	sum.Write([]byte("titles\x00"))
	sum.Write([]byte(strings.ToLower(service)))
	sum.Write([]byte{0})
	sum.Write([]byte(contentID))
	sum.Write([]byte{0})
	sum.Write([]byte(strings.ToLower(region)))
	return hex.EncodeToString(sum.Sum(nil)[:16])
}

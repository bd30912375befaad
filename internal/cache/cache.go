// Package cache is a keyed build cache with a time to live. The first
// caller for a missing key builds the payload, concurrent callers for the
// same key wait for that build and share its result.
package cache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	_ "modernc.org/sqlite"

	"github.com/ssd-technologies/nimbus/internal/logging"
)

// Grace is added to the timeout before the sweep removes an entry, so a
// payload handed out just before expiry can still be served.
const Grace = 10 * time.Second

// BuildFunc writes the payload for key to dest and returns a validity token
// stored alongside it.
type BuildFunc func(ctx context.Context, key, dest string) (validity string, err error)

// Item is a cached payload.
type Item struct {
	Key      string
	Validity string
	Path     string
	Last     time.Time // when the payload was built
}

type call struct {
	done chan struct{}
	item Item
	err  error
}

// Cache stores payloads under dir/data, indexed by a SQLite database.
type Cache struct {
	db      *sql.DB
	dir     string
	timeout time.Duration
	build   BuildFunc
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]*call
}

// Open opens (or creates) the cache in dir. Entries older than timeout are
// rebuilt on the next Get.
func Open(dir string, timeout time.Duration, build BuildFunc) (*Cache, error) {
	for _, sub := range []string{"data", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	dsn := filepath.Join(dir, "cache.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS item (
		digest TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		validity TEXT NOT NULL DEFAULT '',
		last INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_item_last ON item(last);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	return &Cache{
		db:       db,
		dir:      dir,
		timeout:  timeout,
		build:    build,
		log:      logging.Named("cache"),
		now:      time.Now,
		inflight: make(map[string]*call),
	}, nil
}

// Close closes the index database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Timeout returns how long an entry stays fresh.
func (c *Cache) Timeout() time.Duration {
	return c.timeout
}

// Digest is the name a key is stored under.
func Digest(key string) string {
	sum := sha3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) payloadPath(digest string) string {
	return filepath.Join(c.dir, "data", digest)
}

// Get returns the fresh payload for key, building it when missing or
// expired. The build outlives a caller that gives up waiting, so the
// callers still waiting on it get the result.
func (c *Cache) Get(ctx context.Context, key string) (Item, error) {
	c.mu.Lock()
	cl, ok := c.inflight[key]
	if !ok {
		cl = &call{done: make(chan struct{})}
		c.inflight[key] = cl
		go c.fill(context.WithoutCancel(ctx), key, cl)
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.item, cl.err
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

func (c *Cache) fill(ctx context.Context, key string, cl *call) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(cl.done)
	}()

	item, ok, err := c.lookup(ctx, key)
	if err != nil || ok {
		cl.item, cl.err = item, err
		return
	}
	cl.item, cl.err = c.rebuild(ctx, key)
}

// lookup returns the entry for key when it is still fresh.
func (c *Cache) lookup(ctx context.Context, key string) (Item, bool, error) {
	digest := Digest(key)
	item := Item{Key: key, Path: c.payloadPath(digest)}
	var last int64
	err := c.db.QueryRowContext(ctx,
		`SELECT validity, last FROM item WHERE digest = ?`, digest,
	).Scan(&item.Validity, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("lookup cache item: %w", err)
	}
	item.Last = time.UnixMilli(last)
	if c.now().Sub(item.Last) >= c.timeout {
		return Item{}, false, nil
	}
	if _, err := os.Stat(item.Path); err != nil {
		return Item{}, false, nil
	}
	return item, true, nil
}

func (c *Cache) rebuild(ctx context.Context, key string) (Item, error) {
	tmp := filepath.Join(c.dir, "tmp", uuid.NewString())
	defer os.Remove(tmp)

	start := c.now()
	validity, err := c.build(ctx, key, tmp)
	if err != nil {
		c.log.Warn("build failed", zap.String("key", key), zap.Error(err))
		return Item{}, err
	}
	if _, err := os.Stat(tmp); err != nil {
		return Item{}, fmt.Errorf("build produced no payload: %w", err)
	}

	digest := Digest(key)
	item := Item{Key: key, Validity: validity, Path: c.payloadPath(digest), Last: c.now()}
	if err := os.Rename(tmp, item.Path); err != nil {
		return Item{}, fmt.Errorf("store payload: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO item (digest, key, validity, last) VALUES (?, ?, ?, ?)`,
		digest, key, validity, item.Last.UnixMilli(),
	)
	if err != nil {
		return Item{}, fmt.Errorf("record cache item: %w", err)
	}
	c.log.Debug("built", zap.String("key", key), zap.Duration("elapsed", c.now().Sub(start)))
	return item, nil
}

// Sweep removes entries older than the timeout plus Grace and returns how
// many were removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-(c.timeout + Grace)).UnixMilli()
	rows, err := c.db.QueryContext(ctx, `SELECT digest FROM item WHERE last < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired items: %w", err)
	}
	var digests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired item: %w", err)
		}
		digests = append(digests, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("list expired items: %w", err)
	}
	rows.Close()

	removed := 0
	for _, d := range digests {
		// The row may have been refreshed since the listing.
		res, err := c.db.ExecContext(ctx, `DELETE FROM item WHERE digest = ? AND last < ?`, d, cutoff)
		if err != nil {
			return removed, fmt.Errorf("delete expired item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if err := os.Remove(c.payloadPath(d)); err != nil && !os.IsNotExist(err) {
			c.log.Warn("remove payload", zap.String("digest", d), zap.Error(err))
		}
		removed++
	}
	if removed > 0 {
		c.log.Info("swept", zap.Int("removed", removed))
	}
	return removed, nil
}

// Len returns the number of indexed entries, fresh or not.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM item`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache items: %w", err)
	}
	return n, nil
}

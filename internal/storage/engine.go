// Package storage implements the transactional file tree: storages with
// quota and revision counters, files ordered among their siblings, meta,
// comments and lifecycle events.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/logging"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrExists        = errors.New("already exists")
	ErrInvalid       = errors.New("invalid argument")
	// ErrTransaction reports an unexpected row count inside a transaction.
	ErrTransaction = errors.New("transaction failure")
)

var storageIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Options wires the engine to its collaborators. Nil fields get no-op
// implementations.
type Options struct {
	Bus      *Bus
	Notifier Notifier
}

// Engine owns the database and the on-disk content tree under basePath.
// All transactions are serialized by mu, so they commit in a total order.
// Storage content lives below basePath/content so no storage id can clash
// with the database files.
type Engine struct {
	db       *sql.DB
	mu       sync.Mutex
	basePath string
	bus      *Bus
	notifier Notifier
	log      *zap.Logger
}

// Open opens the engine rooted at basePath, creating it if needed.
func Open(basePath string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	db, err := openDB(filepath.Join(basePath, "storage.db"))
	if err != nil {
		return nil, err
	}
	e := &Engine{
		db:       db,
		basePath: basePath,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		log:      logging.Named("engine"),
	}
	if e.bus == nil {
		e.bus = NewBus()
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	return e, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// BasePath returns the root directory of the content tree.
func (e *Engine) BasePath() string {
	return e.basePath
}

// StoragePath returns the directory holding a storage's content.
func (e *Engine) StoragePath(storage string) string {
	return filepath.Join(e.basePath, contentDir, storage)
}

// ContentPath returns the on-disk location of a file's content.
func (e *Engine) ContentPath(storage string, file int64) string {
	return filepath.Join(e.StoragePath(storage), strconv.FormatInt(file, 10))
}

const contentDir = "content"

// withTx runs fn in a transaction while holding the engine lock.
func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return e.withTxThen(ctx, fn, nil)
}

// withTxThen is withTx followed by after once the transaction has
// committed, still under the engine lock. Disk moves and removals go in
// after so the content tree changes in commit order and readers never see
// a committed row ahead of its content.
func (e *Engine) withTxThen(ctx context.Context, fn func(tx *sql.Tx) error, after func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if after != nil {
		after()
	}
	return nil
}

func now() int64 {
	return time.Now().Unix()
}

// --- Storage CRUD ---

// CreateStorage creates a storage with the given quota (-1 for unlimited).
// An empty id is replaced by a random one.
func (e *Engine) CreateStorage(ctx context.Context, id string, quota int64) (Storage, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !storageIDPattern.MatchString(id) {
		return Storage{}, fmt.Errorf("create storage: id %q: %w", id, ErrInvalid)
	}
	if quota < -1 {
		return Storage{}, fmt.Errorf("create storage: quota %d: %w", quota, ErrInvalid)
	}
	if err := os.MkdirAll(e.StoragePath(id), 0o755); err != nil {
		return Storage{}, fmt.Errorf("create storage dir: %w", err)
	}

	t := now()
	st := Storage{ID: id, Quota: quota, Ctime: t, Mtime: t}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM storages WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO storages (id, quota, used, ctime, mtime, rev) VALUES (?, ?, 0, ?, ?, 0)`,
			id, quota, t, t,
		)
		return err
	})
	if err != nil {
		return Storage{}, fmt.Errorf("create storage: %w", err)
	}

	e.bus.Publish(ctx, Event{Kind: StorageCreated, Storage: id})
	return st, nil
}

// GetStorage returns a storage by id.
func (e *Engine) GetStorage(ctx context.Context, id string) (Storage, error) {
	var st Storage
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		st, err = loadStorage(ctx, tx, id)
		return err
	})
	if err != nil {
		return Storage{}, fmt.Errorf("get storage: %w", err)
	}
	return st, nil
}

// ListStorages returns every storage ordered by creation time.
func (e *Engine) ListStorages(ctx context.Context) ([]Storage, error) {
	var out []Storage
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, quota, used, ctime, mtime, rev FROM storages ORDER BY ctime, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var st Storage
			if err := rows.Scan(&st.ID, &st.Quota, &st.Used, &st.Ctime, &st.Mtime, &st.Rev); err != nil {
				return err
			}
			out = append(out, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list storages: %w", err)
	}
	return out, nil
}

// ChangeStorage sets a storage's quota. A limited quota is raised to the
// current usage when lower.
func (e *Engine) ChangeStorage(ctx context.Context, id string, quota int64) (Storage, error) {
	if quota < -1 {
		return Storage{}, fmt.Errorf("change storage: quota %d: %w", quota, ErrInvalid)
	}
	var st Storage
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadStorage(ctx, tx, id)
		if err != nil {
			return err
		}
		if quota != -1 && quota < cur.Used {
			quota = cur.Used
		}
		t := now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE storages SET quota = ?, rev = rev + 1, mtime = ? WHERE id = ?`,
			quota, t, id,
		); err != nil {
			return err
		}
		cur.Quota = quota
		cur.Rev++
		cur.Mtime = t
		st = cur
		return nil
	})
	if err != nil {
		return Storage{}, fmt.Errorf("change storage: %w", err)
	}

	e.notifier.Changed(id, st.Rev)
	e.bus.Publish(ctx, Event{Kind: StorageChanged, Storage: id})
	return st, nil
}

// DeleteStorage removes a storage with all its files, meta, comments and
// on-disk content.
func (e *Engine) DeleteStorage(ctx context.Context, id string) error {
	err := e.withTxThen(ctx, func(tx *sql.Tx) error {
		if _, err := loadStorage(ctx, tx, id); err != nil {
			return err
		}
		stmts := []string{
			`DELETE FROM meta WHERE file_id IN (SELECT id FROM files WHERE storage_id = ?)`,
			`DELETE FROM comments WHERE file_id IN (SELECT id FROM files WHERE storage_id = ?)`,
			`DELETE FROM files WHERE storage_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM storages WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	}, func() {
		if err := os.RemoveAll(e.StoragePath(id)); err != nil {
			e.log.Warn("remove storage dir", zap.String("storage", id), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("delete storage: %w", err)
	}

	e.notifier.Deleted(id)
	e.bus.Publish(ctx, Event{Kind: StorageDeleted, Storage: id})
	return nil
}

func loadStorage(ctx context.Context, tx *sql.Tx, id string) (Storage, error) {
	st := Storage{ID: id}
	err := tx.QueryRowContext(ctx,
		`SELECT quota, used, ctime, mtime, rev FROM storages WHERE id = ?`, id,
	).Scan(&st.Quota, &st.Used, &st.Ctime, &st.Mtime, &st.Rev)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("storage %s: %w", id, ErrNotFound)
	}
	return st, err
}

// bumpStorage applies a usage delta and increments the storage revision,
// returning the new revision.
func bumpStorage(ctx context.Context, tx *sql.Tx, id string, usedDelta int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE storages SET used = used + ?, rev = rev + 1, mtime = ? WHERE id = ?`,
		usedDelta, now(), id,
	)
	if err != nil {
		return 0, err
	}
	if err := expectOneRow(res); err != nil {
		return 0, err
	}
	var rev int64
	if err := tx.QueryRowContext(ctx, `SELECT rev FROM storages WHERE id = ?`, id).Scan(&rev); err != nil {
		return 0, err
	}
	return rev, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("affected %d rows: %w", n, ErrTransaction)
	}
	return nil
}

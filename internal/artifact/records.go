package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Record remembers the outcome of the last build of one artifact.
type Record struct {
	Storage  string
	File     int64
	Kind     string
	Rev      int64 // source revision the artifact was built from
	Mimetype string
	Failed   bool
}

// Records persists build records in SQLite.
type Records struct {
	db *sql.DB
}

// OpenRecords opens (or creates) the record database at path.
func OpenRecords(path string) (*Records, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping records: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		storage TEXT NOT NULL,
		file INTEGER NOT NULL,
		kind TEXT NOT NULL,
		rev INTEGER NOT NULL,
		mimetype TEXT NOT NULL DEFAULT '',
		failed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (storage, file, kind)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &Records{db: db}, nil
}

// Close closes the database.
func (r *Records) Close() error {
	return r.db.Close()
}

// Get returns the record for an artifact. ok is false when none exists.
func (r *Records) Get(ctx context.Context, storage string, file int64, kind string) (rec Record, ok bool, err error) {
	rec = Record{Storage: storage, File: file, Kind: kind}
	var failed int
	err = r.db.QueryRowContext(ctx,
		`SELECT rev, mimetype, failed FROM artifacts WHERE storage = ? AND file = ? AND kind = ?`,
		storage, file, kind,
	).Scan(&rec.Rev, &rec.Mimetype, &failed)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("get record: %w", err)
	}
	rec.Failed = failed != 0
	return rec, true, nil
}

// Put replaces the record for an artifact.
func (r *Records) Put(ctx context.Context, rec Record) error {
	failed := 0
	if rec.Failed {
		failed = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (storage, file, kind, rev, mimetype, failed) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Storage, rec.File, rec.Kind, rec.Rev, rec.Mimetype, failed,
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Delete removes the record for an artifact.
func (r *Records) Delete(ctx context.Context, storage string, file int64, kind string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE storage = ? AND file = ? AND kind = ?`, storage, file, kind)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DeleteStorage removes every record of kind in storage and returns how
// many were removed.
func (r *Records) DeleteStorage(ctx context.Context, storage, kind string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE storage = ? AND kind = ?`, storage, kind)
	if err != nil {
		return 0, fmt.Errorf("delete storage records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

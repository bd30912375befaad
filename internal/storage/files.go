package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

type fileRow struct {
	id       int64
	parent   int64
	name     string
	mimetype string
	ctime    int64
	mtime    int64
	rev      int64
	size     int64
	position int64
}

const fileColumns = `id, parent_id, name, mimetype, ctime, mtime, rev, size, position`

func scanFile(sc interface{ Scan(...any) error }) (fileRow, error) {
	var f fileRow
	err := sc.Scan(&f.id, &f.parent, &f.name, &f.mimetype, &f.ctime, &f.mtime, &f.rev, &f.size, &f.position)
	return f, err
}

func loadFile(ctx context.Context, tx *sql.Tx, storage string, id int64) (fileRow, error) {
	f, err := scanFile(tx.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ? AND storage_id = ?`, id, storage,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return f, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	return f, err
}

// checkParent verifies that parent is the root or a file of storage.
func checkParent(ctx context.Context, tx *sql.Tx, storage string, parent int64) error {
	if parent == 0 {
		return nil
	}
	_, err := loadFile(ctx, tx, storage, parent)
	return err
}

// contentSize returns the size of the file at path, or 0 for no path.
func contentSize(path string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat content: %w", err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("content %s is a directory: %w", path, ErrInvalid)
	}
	return fi.Size(), nil
}

// --- File CRUD ---

// CreateFile adds a file under parent (0 for the storage root). When
// contentPath is set, that file is moved into the tree once the transaction
// has committed. define may carry the position and initial meta.
func (e *Engine) CreateFile(ctx context.Context, storage string, parent int64, name, mimetype, contentPath string, define FileDefine) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("create file: empty name: %w", ErrInvalid)
	}
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	size, err := contentSize(contentPath)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	var id, rev int64
	err = e.withTxThen(ctx, func(tx *sql.Tx) error {
		st, err := loadStorage(ctx, tx, storage)
		if err != nil {
			return err
		}
		if err := checkParent(ctx, tx, storage, parent); err != nil {
			return err
		}
		if st.Quota != -1 && st.Used+size > st.Quota {
			return fmt.Errorf("need %d of %d bytes: %w", st.Used+size, st.Quota, ErrQuotaExceeded)
		}

		t := now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO files (storage_id, parent_id, name, mimetype, ctime, mtime, rev, size, position)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			storage, parent, name, mimetype, t, t, size, insertSlot(define.Position),
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for k, v := range define.Meta {
			if v == nil {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO meta (file_id, key, value) VALUES (?, ?, ?)`, id, k, *v,
			); err != nil {
				return err
			}
		}
		if err := cleanPositions(ctx, tx, storage, parent); err != nil {
			return err
		}
		rev, err = bumpStorage(ctx, tx, storage, size)
		return err
	}, func() {
		e.placeContent(storage, id, mimetype, contentPath)
	})
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	e.notifier.Changed(storage, rev)
	e.bus.Publish(ctx, Event{Kind: FileCreated, Storage: storage, File: id})
	return id, nil
}

// ChangeFile applies a rename, reparent, reposition, meta merge and/or
// content replacement in one transaction.
func (e *Engine) ChangeFile(ctx context.Context, storage string, file int64, contentPath string, define FileDefine) error {
	if define.Name != nil && *define.Name == "" {
		return fmt.Errorf("change file: empty name: %w", ErrInvalid)
	}
	newSize, err := contentSize(contentPath)
	if err != nil {
		return fmt.Errorf("change file: %w", err)
	}

	var rev int64
	err = e.withTxThen(ctx, func(tx *sql.Tx) error {
		st, err := loadStorage(ctx, tx, storage)
		if err != nil {
			return err
		}
		f, err := loadFile(ctx, tx, storage, file)
		if err != nil {
			return err
		}
		if contentPath == "" {
			newSize = f.size
		}
		if st.Quota != -1 && st.Used-f.size+newSize > st.Quota {
			return fmt.Errorf("need %d of %d bytes: %w", st.Used-f.size+newSize, st.Quota, ErrQuotaExceeded)
		}

		t := now()
		bumpRev := false

		if define.Name != nil && *define.Name != f.name {
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET name = ?, mtime = ? WHERE id = ?`, *define.Name, t, file,
			); err != nil {
				return err
			}
		}

		switch {
		case define.Parent != nil && *define.Parent != f.parent:
			newParent := *define.Parent
			if err := checkMove(ctx, tx, storage, file, newParent); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET parent_id = ?, position = ? WHERE id = ?`,
				newParent, insertSlot(define.Position), file,
			); err != nil {
				return err
			}
			if err := cleanPositions(ctx, tx, storage, f.parent); err != nil {
				return err
			}
			if err := cleanPositions(ctx, tx, storage, newParent); err != nil {
				return err
			}
			bumpRev = true

		case define.Position != nil:
			if err := cleanPositions(ctx, tx, storage, f.parent); err != nil {
				return err
			}
			var cur int64
			if err := tx.QueryRowContext(ctx,
				`SELECT position FROM files WHERE id = ?`, file,
			).Scan(&cur); err != nil {
				return err
			}
			from, to := cur/2, *define.Position
			if to != from {
				if _, err := tx.ExecContext(ctx,
					`UPDATE files SET position = ? WHERE id = ?`, moveSlot(from, to), file,
				); err != nil {
					return err
				}
				if err := cleanPositions(ctx, tx, storage, f.parent); err != nil {
					return err
				}
				bumpRev = true
			}
		}

		if contentPath != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET size = ?, mtime = ? WHERE id = ?`, newSize, t, file,
			); err != nil {
				return err
			}
			bumpRev = true
		}

		if define.Meta != nil {
			if err := mergeMeta(ctx, tx, file, define.Meta); err != nil {
				return err
			}
		}

		if bumpRev {
			res, err := tx.ExecContext(ctx,
				`UPDATE files SET rev = rev + 1, mtime = ? WHERE id = ?`, t, file)
			if err != nil {
				return err
			}
			if err := expectOneRow(res); err != nil {
				return err
			}
		}

		rev, err = bumpStorage(ctx, tx, storage, newSize-f.size)
		return err
	}, func() {
		if contentPath != "" {
			e.placeContent(storage, file, "", contentPath)
		}
	})
	if err != nil {
		return fmt.Errorf("change file: %w", err)
	}

	e.notifier.Changed(storage, rev)
	e.bus.Publish(ctx, Event{Kind: FileChanged, Storage: storage, File: file})
	return nil
}

// checkMove rejects moving file under a missing parent or under itself.
func checkMove(ctx context.Context, tx *sql.Tx, storage string, file, parent int64) error {
	for cur := parent; cur != 0; {
		if cur == file {
			return fmt.Errorf("move %d under its own subtree: %w", file, ErrInvalid)
		}
		f, err := loadFile(ctx, tx, storage, cur)
		if err != nil {
			return err
		}
		cur = f.parent
	}
	return nil
}

func mergeMeta(ctx context.Context, tx *sql.Tx, file int64, diff map[string]*string) error {
	meta, err := loadMeta(ctx, tx, file)
	if err != nil {
		return err
	}
	for k, v := range diff {
		if v == nil {
			delete(meta, k)
		} else {
			meta[k] = *v
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE file_id = ?`, file); err != nil {
		return err
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (file_id, key, value) VALUES (?, ?, ?)`, file, k, v,
		); err != nil {
			return err
		}
	}
	return nil
}

func loadMeta(ctx context.Context, tx *sql.Tx, file int64) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM meta WHERE file_id = ?`, file)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// DeleteFile removes file and all its descendants. One FileDeleted event is
// published per removed file, starting with file itself.
func (e *Engine) DeleteFile(ctx context.Context, storage string, file int64) error {
	var removed []int64
	var rev int64
	err := e.withTxThen(ctx, func(tx *sql.Tx) error {
		if _, err := loadStorage(ctx, tx, storage); err != nil {
			return err
		}
		f, err := loadFile(ctx, tx, storage, file)
		if err != nil {
			return err
		}
		var total int64
		removed, total, err = subtree(ctx, tx, storage, file)
		if err != nil {
			return err
		}
		for _, id := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE file_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE file_id = ?`, id); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
			if err != nil {
				return err
			}
			if err := expectOneRow(res); err != nil {
				return err
			}
		}
		if err := cleanPositions(ctx, tx, storage, f.parent); err != nil {
			return err
		}
		rev, err = bumpStorage(ctx, tx, storage, -total)
		return err
	}, func() {
		for _, id := range removed {
			if err := os.Remove(e.ContentPath(storage, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.log.Warn("remove content", zap.String("storage", storage), zap.Int64("file", id), zap.Error(err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}

	e.notifier.Changed(storage, rev)
	for _, id := range removed {
		e.bus.Publish(ctx, Event{Kind: FileDeleted, Storage: storage, File: id})
	}
	return nil
}

// subtree returns root followed by its descendants, breadth first, and their
// total size.
func subtree(ctx context.Context, tx *sql.Tx, storage string, root int64) ([]int64, int64, error) {
	rows, err := tx.QueryContext(ctx, `
WITH RECURSIVE sub(id, depth) AS (
    SELECT ?, 0
    UNION ALL
    SELECT f.id, sub.depth + 1 FROM files f JOIN sub ON f.parent_id = sub.id WHERE f.storage_id = ?
)
SELECT files.id, files.size FROM sub JOIN files ON files.id = sub.id ORDER BY sub.depth, files.id`, root, storage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var ids []int64
	var total int64
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
		total += size
	}
	return ids, total, rows.Err()
}

// FileSource returns the current revision and content location of a file.
func (e *Engine) FileSource(ctx context.Context, storage string, file int64) (Source, error) {
	var f fileRow
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		f, err = loadFile(ctx, tx, storage, file)
		return err
	})
	if err != nil {
		return Source{}, fmt.Errorf("file source: %w", err)
	}
	return Source{
		Storage:  storage,
		File:     f.id,
		Name:     f.name,
		Mimetype: f.mimetype,
		Rev:      f.rev,
		Size:     f.size,
		Path:     e.ContentPath(storage, f.id),
	}, nil
}

// placeContent moves a committed file's content into the tree. Failures are
// logged; the row stays valid and the next replace repairs the content.
func (e *Engine) placeContent(storage string, file int64, mimetype, contentPath string) {
	dest := e.ContentPath(storage, file)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		e.log.Warn("create storage dir", zap.String("storage", storage), zap.Error(err))
		return
	}
	if contentPath != "" {
		if err := os.Rename(contentPath, dest); err != nil {
			e.log.Warn("move content", zap.String("storage", storage), zap.Int64("file", file), zap.Error(err))
		}
		return
	}
	if mimetype == DirectoryMimetype {
		return
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Warn("create empty content", zap.String("storage", storage), zap.Int64("file", file), zap.Error(err))
		return
	}
	f.Close()
}

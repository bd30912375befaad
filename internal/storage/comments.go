package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// --- Comments ---

// CreateComment attaches a comment to file and bumps the file and storage
// revisions.
func (e *Engine) CreateComment(ctx context.Context, storage string, file, user int64, content string) (int64, error) {
	var id, rev int64
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadStorage(ctx, tx, storage); err != nil {
			return err
		}
		if _, err := loadFile(ctx, tx, storage, file); err != nil {
			return err
		}
		t := now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO comments (file_id, user_id, content, ctime, mtime) VALUES (?, ?, ?, ?, ?)`,
			file, user, content, t, t,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		rev, err = bumpFileAndStorage(ctx, tx, storage, file)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create comment: %w", err)
	}

	e.notifier.Changed(storage, rev)
	e.bus.Publish(ctx, Event{Kind: CommentCreated, Storage: storage, File: file, Comment: id})
	e.bus.Publish(ctx, Event{Kind: FileChanged, Storage: storage, File: file})
	return id, nil
}

// ChangeComment replaces a comment's content.
func (e *Engine) ChangeComment(ctx context.Context, storage string, file, comment int64, content string) error {
	var rev int64
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadFile(ctx, tx, storage, file); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE comments SET content = ?, mtime = ? WHERE id = ? AND file_id = ?`,
			content, now(), comment, file,
		)
		if err != nil {
			return err
		}
		if err := commentAffected(res, comment); err != nil {
			return err
		}
		rev, err = bumpFileAndStorage(ctx, tx, storage, file)
		return err
	})
	if err != nil {
		return fmt.Errorf("change comment: %w", err)
	}

	e.notifier.Changed(storage, rev)
	e.bus.Publish(ctx, Event{Kind: FileChanged, Storage: storage, File: file})
	return nil
}

// DeleteComment removes a comment.
func (e *Engine) DeleteComment(ctx context.Context, storage string, file, comment int64) error {
	var rev int64
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadFile(ctx, tx, storage, file); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM comments WHERE id = ? AND file_id = ?`, comment, file)
		if err != nil {
			return err
		}
		if err := commentAffected(res, comment); err != nil {
			return err
		}
		rev, err = bumpFileAndStorage(ctx, tx, storage, file)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}

	e.notifier.Changed(storage, rev)
	e.bus.Publish(ctx, Event{Kind: FileChanged, Storage: storage, File: file})
	return nil
}

func commentAffected(res sql.Result, comment int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("comment %d: %w", comment, ErrNotFound)
	}
	return nil
}

func bumpFileAndStorage(ctx context.Context, tx *sql.Tx, storage string, file int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE files SET rev = rev + 1, mtime = ? WHERE id = ?`, now(), file)
	if err != nil {
		return 0, err
	}
	if err := expectOneRow(res); err != nil {
		return 0, err
	}
	return bumpStorage(ctx, tx, storage, 0)
}

// loadComments returns a file's comments, newest first.
func loadComments(ctx context.Context, tx *sql.Tx, file int64) ([]Comment, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id, content, ctime, mtime FROM comments WHERE file_id = ? ORDER BY ctime DESC, id DESC`,
		file,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.User, &c.Content, &c.Ctime, &c.Mtime); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

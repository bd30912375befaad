package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// GetFileInfo returns a snapshot of file (0 for the storage root). When depth
// is positive, children are included recursively down to depth levels,
// ordered by position.
func (e *Engine) GetFileInfo(ctx context.Context, storage string, file int64, depth int) (FileInfo, error) {
	var info FileInfo
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		st, err := loadStorage(ctx, tx, storage)
		if err != nil {
			return err
		}
		if file == 0 {
			info = FileInfo{
				Mimetype: DirectoryMimetype,
				Ctime:    st.Ctime,
				Mtime:    st.Mtime,
				Meta:     map[string]string{},
				Comments: []Comment{},
			}
		} else {
			f, err := loadFile(ctx, tx, storage, file)
			if err != nil {
				return err
			}
			if info, err = describe(ctx, tx, f); err != nil {
				return err
			}
		}
		if depth > 0 {
			if info.Children, err = children(ctx, tx, storage, file, depth); err != nil {
				return err
			}
		}
		info.StorageRev = st.Rev
		return nil
	})
	if err != nil {
		return FileInfo{}, fmt.Errorf("get file info: %w", err)
	}
	return info, nil
}

func describe(ctx context.Context, tx *sql.Tx, f fileRow) (FileInfo, error) {
	info := FileInfo{
		ID:       f.id,
		ParentID: f.parent,
		Name:     f.name,
		Mimetype: f.mimetype,
		Ctime:    f.ctime,
		Mtime:    f.mtime,
		Rev:      f.rev,
		Size:     f.size,
		Position: f.position / 2,
	}
	var err error
	if info.Meta, err = loadMeta(ctx, tx, f.id); err != nil {
		return info, err
	}
	if info.Comments, err = loadComments(ctx, tx, f.id); err != nil {
		return info, err
	}
	return info, nil
}

func children(ctx context.Context, tx *sql.Tx, storage string, parent int64, depth int) ([]FileInfo, error) {
	if err := cleanPositions(ctx, tx, storage, parent); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE storage_id = ? AND parent_id = ? ORDER BY position ASC`,
		storage, parent,
	)
	if err != nil {
		return nil, err
	}
	var kids []fileRow
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		kids = append(kids, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]FileInfo, 0, len(kids))
	for _, f := range kids {
		info, err := describe(ctx, tx, f)
		if err != nil {
			return nil, err
		}
		if depth > 1 {
			if info.Children, err = children(ctx, tx, storage, f.id, depth-1); err != nil {
				return nil, err
			}
		}
		out = append(out, info)
	}
	return out, nil
}

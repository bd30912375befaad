package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// Sibling order is kept as doubled indices: after a clean pass the children
// of a parent sit at 1, 3, 5, ... so an insert before logical index p can be
// written at the free even slot 2p without renumbering anyone. The next
// clean pass restores the dense odd sequence.

// defaultPosition sorts after any real sibling. It is doubled on write and
// still fits in an int64.
const defaultPosition = math.MaxInt64 / 4

// insertSlot returns the stored position for a file placed at logical index
// p, or at the end when p is nil.
func insertSlot(p *int64) int64 {
	if p == nil || *p < 0 || *p > defaultPosition {
		return defaultPosition * 2
	}
	return *p * 2
}

// moveSlot returns the stored position for a sibling moving from logical
// index from to logical index to under the same parent.
func moveSlot(from, to int64) int64 {
	if to < 0 {
		to = 0
	}
	if to > defaultPosition-1 {
		return defaultPosition * 2
	}
	if to <= from {
		return to * 2
	}
	return (to + 1) * 2
}

// CleanPositions recompacts the children of parent to the dense odd
// sequence. It only writes when the current order has gaps or collisions.
func (e *Engine) CleanPositions(ctx context.Context, storage string, parent int64) error {
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadStorage(ctx, tx, storage); err != nil {
			return err
		}
		return cleanPositions(ctx, tx, storage, parent)
	})
	if err != nil {
		return fmt.Errorf("clean positions: %w", err)
	}
	return nil
}

func cleanPositions(ctx context.Context, tx *sql.Tx, storage string, parent int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, position FROM files WHERE storage_id = ? AND parent_id = ? ORDER BY position ASC, id ASC`,
		storage, parent,
	)
	if err != nil {
		return err
	}
	var ids []int64
	dirty := false
	for i := int64(0); rows.Next(); i++ {
		var id, pos int64
		if err := rows.Scan(&id, &pos); err != nil {
			rows.Close()
			return err
		}
		if pos != 2*i+1 {
			dirty = true
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if !dirty {
		return nil
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET position = ? WHERE id = ?`, int64(2*i+1), id,
		); err != nil {
			return err
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/haasonsaas/agentgit/pkg/models"
)

type checkpointStore struct {
	s *Store
}

const checkpointColumns = `id, internal_session_id, checkpoint_name, checkpoint_data, is_auto, created_at, user_id`

// Create persists a checkpoint atomically. The created_at column is
// materialized by the insert, read back, and patched into the JSON payload
// inside the same transaction, so the column and the payload's created_at
// agree bit-for-bit.
func (r *checkpointStore) Create(ctx context.Context, checkpoint *models.Checkpoint) (*models.Checkpoint, error) {
	if checkpoint.InternalSessionID == 0 {
		return nil, fmt.Errorf("%w: internal_session_id is required", ErrValidation)
	}

	payload, err := checkpoint.MarshalPayload()
	if err != nil {
		return nil, err
	}

	err = r.s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, r.s.rebind(`
			INSERT INTO checkpoints (internal_session_id, checkpoint_name, checkpoint_data, is_auto, created_at, user_id)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id, created_at`),
			checkpoint.InternalSessionID, nullStr(checkpoint.CheckpointName), string(payload),
			checkpoint.IsAuto, now(), nullInt(checkpoint.UserID))
		var created sql.NullTime
		if err := row.Scan(&checkpoint.ID, &created); err != nil {
			return wrapErr(err)
		}
		if created.Valid {
			checkpoint.CreatedAt = created.Time.UTC()
		}

		// Re-serialize with the id and the authoritative column timestamp.
		patched, err := checkpoint.MarshalPayload()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.s.rebind(
			`UPDATE checkpoints SET checkpoint_data = ? WHERE id = ?`),
			string(patched), checkpoint.ID); err != nil {
			return wrapErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return checkpoint, nil
}

func (r *checkpointStore) GetByID(ctx context.Context, id int64) (*models.Checkpoint, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`), id)
	return scanCheckpoint(row)
}

func (r *checkpointStore) GetByInternalSession(ctx context.Context, internalSessionID int64, autoOnly bool) ([]*models.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE internal_session_id = ?`
	args := []any{internalSessionID}
	if autoOnly {
		query += ` AND is_auto = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return r.list(ctx, query, args...)
}

func (r *checkpointStore) GetLatestCheckpoint(ctx context.Context, internalSessionID int64) (*models.Checkpoint, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE internal_session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`), internalSessionID)
	return scanCheckpoint(row)
}

func (r *checkpointStore) Delete(ctx context.Context, id int64) error {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`DELETE FROM checkpoints WHERE id = ?`), id)
	if err != nil {
		return wrapErr(err)
	}
	return requireAffected(res)
}

// DeleteAutoCheckpoints prunes auto checkpoints beyond the keepLatest most
// recent. The keep set and the delete run in one transaction so a
// concurrent rollback never observes a half-pruned window.
func (r *checkpointStore) DeleteAutoCheckpoints(ctx context.Context, internalSessionID int64, keepLatest int) (int, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}

	deleted := 0
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, r.s.rebind(`
			SELECT id FROM checkpoints
			WHERE internal_session_id = ? AND is_auto = ?
			ORDER BY created_at DESC, id DESC`), internalSessionID, true)
		if err != nil {
			return wrapErr(err)
		}
		var all []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			all = append(all, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(all) <= keepLatest {
			return nil
		}
		for _, id := range all[keepLatest:] {
			if _, err := tx.ExecContext(ctx, r.s.rebind(`DELETE FROM checkpoints WHERE id = ?`), id); err != nil {
				return wrapErr(err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *checkpointStore) CountCheckpoints(ctx context.Context, internalSessionID int64) (CheckpointCounts, error) {
	var counts CheckpointCounts
	err := r.s.db.QueryRowContext(ctx, r.s.rebind(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_auto THEN 1 ELSE 0 END), 0)
		FROM checkpoints WHERE internal_session_id = ?`), internalSessionID).
		Scan(&counts.Total, &counts.Auto)
	if err != nil {
		return CheckpointCounts{}, wrapErr(err)
	}
	counts.Manual = counts.Total - counts.Auto
	return counts, nil
}

func (r *checkpointStore) GetByUser(ctx context.Context, userID int64, limit int) ([]*models.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *checkpointStore) GetCheckpointsWithTools(ctx context.Context, internalSessionID int64) ([]*models.Checkpoint, error) {
	checkpoints, err := r.GetByInternalSession(ctx, internalSessionID, false)
	if err != nil {
		return nil, err
	}
	out := checkpoints[:0]
	for _, cp := range checkpoints {
		if cp.HasToolInvocations() {
			out = append(out, cp)
		}
	}
	return out, nil
}

// UpdateCheckpointMetadata merges metadata into the stored payload.
func (r *checkpointStore) UpdateCheckpointMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, r.s.rebind(
			`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`), id)
		checkpoint, err := scanCheckpoint(row)
		if err != nil {
			return err
		}

		if checkpoint.Metadata == nil {
			checkpoint.Metadata = map[string]any{}
		}
		for k, v := range metadata {
			checkpoint.Metadata[k] = v
		}

		payload, err := checkpoint.MarshalPayload()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.s.rebind(
			`UPDATE checkpoints SET checkpoint_data = ? WHERE id = ?`), string(payload), id); err != nil {
			return wrapErr(err)
		}
		return nil
	})
}

func (r *checkpointStore) SearchCheckpoints(ctx context.Context, internalSessionID int64, term string) ([]*models.Checkpoint, error) {
	return r.list(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE internal_session_id = ? AND checkpoint_name LIKE ?
		ORDER BY created_at DESC, id DESC`,
		internalSessionID, "%"+term+"%")
}

func (r *checkpointStore) list(ctx context.Context, query string, args ...any) ([]*models.Checkpoint, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(query), args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var checkpoints []*models.Checkpoint
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	return checkpoints, rows.Err()
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var (
		id        int64
		sessionID int64
		name      sql.NullString
		payload   string
		isAuto    bool
		created   sql.NullTime
		userID    sql.NullInt64
	)
	err := row.Scan(&id, &sessionID, &name, &payload, &isAuto, &created, &userID)
	if err != nil {
		return nil, wrapErr(err)
	}

	var checkpoint models.Checkpoint
	if err := checkpoint.UnmarshalPayload([]byte(payload)); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d payload: %w", id, err)
	}

	// Columns are authoritative over payload copies.
	checkpoint.ID = id
	checkpoint.InternalSessionID = sessionID
	checkpoint.CheckpointName = name.String
	checkpoint.IsAuto = isAuto
	if created.Valid {
		checkpoint.CreatedAt = created.Time.UTC()
	}
	checkpoint.UserID = intPtr(userID)
	return &checkpoint, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/haasonsaas/agentgit/pkg/models"
)

type internalSessionStore struct {
	s *Store
}

const internalColumns = `id, external_session_id, graph_session_id, state_data, conversation_history, created_at, is_current, checkpoint_count, parent_session_id, branch_point_checkpoint_id, tool_invocation_count, tool_invocations, metadata`

func (r *internalSessionStore) Create(ctx context.Context, session *models.InternalSession) (*models.InternalSession, error) {
	if session.ExternalSessionID == 0 {
		return nil, fmt.Errorf("%w: external_session_id is required", ErrValidation)
	}
	if session.GraphSessionID == "" {
		return nil, fmt.Errorf("%w: graph_session_id is required", ErrValidation)
	}
	if (session.ParentSessionID == nil) != (session.BranchPointCheckpointID == nil) {
		return nil, fmt.Errorf("%w: parent_session_id and branch_point_checkpoint_id must be set together", ErrValidation)
	}

	state, history, track, meta, err := internalJSON(session)
	if err != nil {
		return nil, err
	}

	err = r.s.withTx(ctx, func(tx *sql.Tx) error {
		if session.IsCurrent {
			if err := r.clearCurrent(ctx, tx, session.ExternalSessionID, 0); err != nil {
				return err
			}
		}
		row := tx.QueryRowContext(ctx, r.s.rebind(`
			INSERT INTO internal_sessions
				(external_session_id, graph_session_id, state_data, conversation_history, created_at,
				 is_current, checkpoint_count, parent_session_id, branch_point_checkpoint_id,
				 tool_invocation_count, tool_invocations, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id, created_at`),
			session.ExternalSessionID, session.GraphSessionID, state, history, now(),
			session.IsCurrent, session.CheckpointCount, nullInt(session.ParentSessionID),
			nullInt(session.BranchPointCheckpointID), session.ToolInvocationCount, track, meta)
		var created sql.NullTime
		if err := row.Scan(&session.ID, &created); err != nil {
			return wrapErr(err)
		}
		if created.Valid {
			session.CreatedAt = created.Time.UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *internalSessionStore) Update(ctx context.Context, session *models.InternalSession) error {
	if session.ID == 0 {
		return ErrNotFound
	}
	state, history, track, meta, err := internalJSON(session)
	if err != nil {
		return err
	}

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if session.IsCurrent {
			if err := r.clearCurrent(ctx, tx, session.ExternalSessionID, session.ID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, r.s.rebind(`
			UPDATE internal_sessions
			SET state_data = ?, conversation_history = ?, is_current = ?, checkpoint_count = ?,
				tool_invocation_count = ?, tool_invocations = ?, metadata = ?
			WHERE id = ?`),
			state, history, session.IsCurrent, session.CheckpointCount,
			session.ToolInvocationCount, track, meta, session.ID)
		if err != nil {
			return wrapErr(err)
		}
		return requireAffected(res)
	})
}

func (r *internalSessionStore) GetByID(ctx context.Context, id int64) (*models.InternalSession, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(
		`SELECT `+internalColumns+` FROM internal_sessions WHERE id = ?`), id)
	return scanInternalSession(row)
}

func (r *internalSessionStore) GetByGraphSessionID(ctx context.Context, graphSessionID string) (*models.InternalSession, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(
		`SELECT `+internalColumns+` FROM internal_sessions WHERE graph_session_id = ?`), graphSessionID)
	return scanInternalSession(row)
}

func (r *internalSessionStore) GetByExternalSession(ctx context.Context, externalSessionID int64) ([]*models.InternalSession, error) {
	return r.list(ctx, `WHERE external_session_id = ? ORDER BY created_at DESC, id DESC`, externalSessionID)
}

func (r *internalSessionStore) GetCurrentSession(ctx context.Context, externalSessionID int64) (*models.InternalSession, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`
		SELECT `+internalColumns+` FROM internal_sessions
		WHERE external_session_id = ? AND is_current = ?`), externalSessionID, true)
	return scanInternalSession(row)
}

// SetCurrentSession performs the atomic current-branch swap: one transaction
// clears is_current on every sibling and sets it on the target.
func (r *internalSessionStore) SetCurrentSession(ctx context.Context, id int64) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		var externalID int64
		err := tx.QueryRowContext(ctx, r.s.rebind(
			`SELECT external_session_id FROM internal_sessions WHERE id = ?`), id).Scan(&externalID)
		if err != nil {
			return wrapErr(err)
		}
		if err := r.clearCurrent(ctx, tx, externalID, 0); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.s.rebind(
			`UPDATE internal_sessions SET is_current = ? WHERE id = ?`), true, id)
		if err != nil {
			return wrapErr(err)
		}
		return requireAffected(res)
	})
}

func (r *internalSessionStore) Delete(ctx context.Context, id int64) error {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`DELETE FROM internal_sessions WHERE id = ?`), id)
	if err != nil {
		return wrapErr(err)
	}
	return requireAffected(res)
}

func (r *internalSessionStore) CountSessions(ctx context.Context, externalSessionID int64) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, r.s.rebind(
		`SELECT COUNT(*) FROM internal_sessions WHERE external_session_id = ?`), externalSessionID).Scan(&n)
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func (r *internalSessionStore) GetBranchSessions(ctx context.Context, parentSessionID int64) ([]*models.InternalSession, error) {
	return r.list(ctx, `WHERE parent_session_id = ? ORDER BY created_at DESC, id DESC`, parentSessionID)
}

// GetSessionLineage walks parent pointers with a recursive CTE and returns
// the path root -> session.
func (r *internalSessionStore) GetSessionLineage(ctx context.Context, id int64) ([]*models.InternalSession, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`
		WITH RECURSIVE lineage AS (
			SELECT `+internalColumns+`, 0 AS depth
			FROM internal_sessions WHERE id = ?
			UNION ALL
			SELECT `+prefixColumns("s", internalColumns)+`, l.depth + 1
			FROM internal_sessions s
			JOIN lineage l ON s.id = l.parent_session_id
		)
		SELECT `+internalColumns+` FROM lineage ORDER BY depth DESC`), id)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var lineage []*models.InternalSession
	for rows.Next() {
		session, err := scanInternalSession(rows)
		if err != nil {
			return nil, err
		}
		lineage = append(lineage, session)
	}
	return lineage, rows.Err()
}

func (r *internalSessionStore) UpdateToolCount(ctx context.Context, id int64, increment int) error {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(
		`UPDATE internal_sessions SET tool_invocation_count = tool_invocation_count + ? WHERE id = ?`),
		increment, id)
	if err != nil {
		return wrapErr(err)
	}
	return requireAffected(res)
}

func (r *internalSessionStore) clearCurrent(ctx context.Context, tx *sql.Tx, externalSessionID, excludeID int64) error {
	query := `UPDATE internal_sessions SET is_current = ? WHERE external_session_id = ?`
	args := []any{false, externalSessionID}
	if excludeID != 0 {
		query += ` AND id != ?`
		args = append(args, excludeID)
	}
	if _, err := tx.ExecContext(ctx, r.s.rebind(query), args...); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (r *internalSessionStore) list(ctx context.Context, clause string, args ...any) ([]*models.InternalSession, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(
		`SELECT `+internalColumns+` FROM internal_sessions `+clause), args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var sessions []*models.InternalSession
	for rows.Next() {
		session, err := scanInternalSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func internalJSON(session *models.InternalSession) (state, history, track, meta sql.NullString, err error) {
	if state, err = jsonValue(session.SessionState); err != nil {
		return
	}
	if history, err = jsonValue(session.ConversationHistory); err != nil {
		return
	}
	if len(session.ToolInvocations) > 0 {
		if track, err = jsonValue(session.ToolInvocations); err != nil {
			return
		}
	}
	if meta, err = jsonValue(session.Metadata); err != nil {
		return
	}
	return
}

func scanInternalSession(row rowScanner) (*models.InternalSession, error) {
	var (
		session models.InternalSession
		state   sql.NullString
		history sql.NullString
		track   sql.NullString
		meta    sql.NullString
		created sql.NullTime
		parent  sql.NullInt64
		branch  sql.NullInt64
	)
	err := row.Scan(&session.ID, &session.ExternalSessionID, &session.GraphSessionID,
		&state, &history, &created, &session.IsCurrent, &session.CheckpointCount,
		&parent, &branch, &session.ToolInvocationCount, &track, &meta)
	if err != nil {
		return nil, wrapErr(err)
	}
	if created.Valid {
		session.CreatedAt = created.Time.UTC()
	}
	session.ParentSessionID = intPtr(parent)
	session.BranchPointCheckpointID = intPtr(branch)

	if err := scanJSON(state, &session.SessionState); err != nil {
		return nil, err
	}
	if err := scanJSON(history, &session.ConversationHistory); err != nil {
		return nil, err
	}
	if err := scanJSON(track, &session.ToolInvocations); err != nil {
		return nil, err
	}
	if err := scanJSON(meta, &session.Metadata); err != nil {
		return nil, err
	}
	return &session, nil
}

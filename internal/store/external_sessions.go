package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentgit/pkg/models"
)

// externalData is the shape of the external_sessions.data JSON column.
type externalData struct {
	GraphSessionIDs       []string `json:"graph_session_ids,omitempty"`
	CurrentGraphSessionID string   `json:"current_graph_session_id,omitempty"`
}

type externalSessionStore struct {
	s *Store
}

const externalColumns = `id, user_id, session_name, created_at, updated_at, is_active, data, metadata, branch_count, total_checkpoints`

func (r *externalSessionStore) Create(ctx context.Context, session *models.ExternalSession) (*models.ExternalSession, error) {
	if session.UserID == 0 {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if session.SessionName == "" {
		return nil, fmt.Errorf("%w: session_name is required", ErrValidation)
	}

	data, meta, err := externalJSON(session)
	if err != nil {
		return nil, err
	}

	err = r.s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		row := tx.QueryRowContext(ctx, r.s.rebind(`
			INSERT INTO external_sessions (user_id, session_name, created_at, updated_at, is_active, data, metadata, branch_count, total_checkpoints)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id, created_at`),
			session.UserID, session.SessionName, ts, ts, session.IsActive,
			data, meta, session.BranchCount, session.TotalCheckpoints)
		var created sql.NullTime
		if err := row.Scan(&session.ID, &created); err != nil {
			return wrapErr(err)
		}
		if created.Valid {
			session.CreatedAt = created.Time.UTC()
			session.UpdatedAt = session.CreatedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Update rewrites the mutable columns and bumps updated_at.
func (r *externalSessionStore) Update(ctx context.Context, session *models.ExternalSession) error {
	if session.ID == 0 {
		return ErrNotFound
	}
	data, meta, err := externalJSON(session)
	if err != nil {
		return err
	}

	ts := now()
	err = r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.s.rebind(`
			UPDATE external_sessions
			SET session_name = ?, updated_at = ?, is_active = ?, data = ?, metadata = ?, branch_count = ?, total_checkpoints = ?
			WHERE id = ?`),
			session.SessionName, ts, session.IsActive, data, meta,
			session.BranchCount, session.TotalCheckpoints, session.ID)
		if err != nil {
			return wrapErr(err)
		}
		return requireAffected(res)
	})
	if err != nil {
		return err
	}
	session.UpdatedAt = ts
	return nil
}

func (r *externalSessionStore) GetByID(ctx context.Context, id int64) (*models.ExternalSession, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(
		`SELECT `+externalColumns+` FROM external_sessions WHERE id = ?`), id)
	return scanExternalSession(row)
}

func (r *externalSessionStore) GetUserSessions(ctx context.Context, userID int64, activeOnly bool) ([]*models.ExternalSession, error) {
	query := `SELECT ` + externalColumns + ` FROM external_sessions WHERE user_id = ?`
	args := []any{userID}
	if activeOnly {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(query), args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var sessions []*models.ExternalSession
	for rows.Next() {
		session, err := scanExternalSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *externalSessionStore) GetByInternalSession(ctx context.Context, graphSessionID string) (*models.ExternalSession, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`
		SELECT `+prefixColumns("e", externalColumns)+`
		FROM external_sessions e
		JOIN internal_sessions i ON i.external_session_id = e.id
		WHERE i.graph_session_id = ?`), graphSessionID)
	return scanExternalSession(row)
}

func (r *externalSessionStore) AddInternalSession(ctx context.Context, externalSessionID int64, graphSessionID string) error {
	return r.mutate(ctx, externalSessionID, func(d *externalData) error {
		for _, id := range d.GraphSessionIDs {
			if id == graphSessionID {
				return nil
			}
		}
		d.GraphSessionIDs = append(d.GraphSessionIDs, graphSessionID)
		return nil
	})
}

func (r *externalSessionStore) SetCurrentInternalSession(ctx context.Context, externalSessionID int64, graphSessionID string) error {
	return r.mutate(ctx, externalSessionID, func(d *externalData) error {
		for _, id := range d.GraphSessionIDs {
			if id == graphSessionID {
				d.CurrentGraphSessionID = graphSessionID
				return nil
			}
		}
		return fmt.Errorf("%w: graph session %q not attached to external session %d",
			ErrNotFound, graphSessionID, externalSessionID)
	})
}

func (r *externalSessionStore) Deactivate(ctx context.Context, id int64) error {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(
		`UPDATE external_sessions SET is_active = ?, updated_at = ? WHERE id = ?`),
		false, now(), id)
	if err != nil {
		return wrapErr(err)
	}
	return requireAffected(res)
}

func (r *externalSessionStore) Delete(ctx context.Context, id int64) error {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`DELETE FROM external_sessions WHERE id = ?`), id)
	if err != nil {
		return wrapErr(err)
	}
	return requireAffected(res)
}

func (r *externalSessionStore) CheckOwnership(ctx context.Context, id, userID int64) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, r.s.rebind(
		`SELECT COUNT(*) FROM external_sessions WHERE id = ? AND user_id = ?`), id, userID).Scan(&n)
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

func (r *externalSessionStore) CountUserSessions(ctx context.Context, userID int64, activeOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM external_sessions WHERE user_id = ?`
	args := []any{userID}
	if activeOnly {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	var n int
	if err := r.s.db.QueryRowContext(ctx, r.s.rebind(query), args...).Scan(&n); err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// mutate applies fn to the data JSON column inside one transaction,
// bumping updated_at.
func (r *externalSessionStore) mutate(ctx context.Context, id int64, fn func(*externalData) error) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx, r.s.rebind(`SELECT data FROM external_sessions WHERE id = ?`), id).Scan(&raw)
		if err != nil {
			return wrapErr(err)
		}

		var d externalData
		if err := scanJSON(raw, &d); err != nil {
			return err
		}
		if err := fn(&d); err != nil {
			return err
		}

		data, err := jsonValue(d)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.s.rebind(
			`UPDATE external_sessions SET data = ?, updated_at = ? WHERE id = ?`),
			data, now(), id); err != nil {
			return wrapErr(err)
		}
		return nil
	})
}

func externalJSON(session *models.ExternalSession) (sql.NullString, sql.NullString, error) {
	data, err := jsonValue(externalData{
		GraphSessionIDs:       session.GraphSessionIDs,
		CurrentGraphSessionID: session.CurrentGraphSessionID,
	})
	if err != nil {
		return sql.NullString{}, sql.NullString{}, err
	}
	meta, err := jsonValue(session.Metadata)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, err
	}
	return data, meta, nil
}

func scanExternalSession(row rowScanner) (*models.ExternalSession, error) {
	var (
		session models.ExternalSession
		created sql.NullTime
		updated sql.NullTime
		data    sql.NullString
		meta    sql.NullString
	)
	err := row.Scan(&session.ID, &session.UserID, &session.SessionName, &created, &updated,
		&session.IsActive, &data, &meta, &session.BranchCount, &session.TotalCheckpoints)
	if err != nil {
		return nil, wrapErr(err)
	}
	if created.Valid {
		session.CreatedAt = created.Time.UTC()
	}
	if updated.Valid {
		session.UpdatedAt = updated.Time.UTC()
	} else {
		session.UpdatedAt = session.CreatedAt
	}

	var d externalData
	if err := scanJSON(data, &d); err != nil {
		return nil, err
	}
	session.GraphSessionIDs = d.GraphSessionIDs
	session.CurrentGraphSessionID = d.CurrentGraphSessionID
	if err := scanJSON(meta, &session.Metadata); err != nil {
		return nil, err
	}
	return &session, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

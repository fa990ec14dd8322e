package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/haasonsaas/agentgit/pkg/models"
)

// userData is the shape of the users.data JSON column.
type userData struct {
	Preferences      map[string]any `json:"preferences,omitempty"`
	ActiveSessionIDs []int64        `json:"active_session_ids,omitempty"`
}

type userStore struct {
	s *Store
}

const userColumns = `id, username, password_hash, is_admin, created_at, last_login, data, api_key, session_limit`

func (r *userStore) Save(ctx context.Context, user *models.User) (*models.User, error) {
	if user.Username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if user.SessionLimit <= 0 {
		user.SessionLimit = models.DefaultSessionLimit
	}
	data, err := jsonValue(userData{
		Preferences:      user.Preferences,
		ActiveSessionIDs: user.ActiveSessionIDs,
	})
	if err != nil {
		return nil, err
	}

	if user.ID == 0 {
		err = r.s.withTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, r.s.rebind(`
				INSERT INTO users (username, password_hash, is_admin, created_at, data, api_key, session_limit)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				RETURNING id, created_at`),
				user.Username, user.PasswordHash, user.IsAdmin, now(), data, nullStr(user.APIKey), user.SessionLimit)
			var created sql.NullTime
			if err := row.Scan(&user.ID, &created); err != nil {
				return wrapErr(err)
			}
			if created.Valid {
				user.CreatedAt = created.Time.UTC()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return user, nil
	}

	err = r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.s.rebind(`
			UPDATE users
			SET username = ?, password_hash = ?, is_admin = ?, last_login = ?, data = ?, api_key = ?, session_limit = ?
			WHERE id = ?`),
			user.Username, user.PasswordHash, user.IsAdmin, nullTime(user.LastLogin), data,
			nullStr(user.APIKey), user.SessionLimit, user.ID)
		if err != nil {
			return wrapErr(err)
		}
		return requireAffected(res)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *userStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return r.findOne(ctx, `WHERE id = ?`, id)
}

func (r *userStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.findOne(ctx, `WHERE username = ?`, username)
}

func (r *userStore) FindByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	if apiKey == "" {
		return nil, ErrNotFound
	}
	return r.findOne(ctx, `WHERE api_key = ?`, apiKey)
}

func (r *userStore) FindAll(ctx context.Context) ([]*models.User, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *userStore) UpdateLastLogin(ctx context.Context, id int64) error {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`UPDATE users SET last_login = ? WHERE id = ?`), now(), id)
	if err != nil {
		return wrapErr(err)
	}
	return requireAffected(res)
}

func (r *userStore) UpdateAPIKey(ctx context.Context, id int64, apiKey string) error {
	var err error
	err = r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.s.rebind(`UPDATE users SET api_key = ? WHERE id = ?`), nullStr(apiKey), id)
		if err != nil {
			return wrapErr(err)
		}
		return requireAffected(res)
	})
	return err
}

func (r *userStore) UpdateSessions(ctx context.Context, id int64, sessionIDs []int64) error {
	return r.mutateData(ctx, id, func(d *userData) error {
		d.ActiveSessionIDs = append([]int64(nil), sessionIDs...)
		return nil
	})
}

func (r *userStore) GetSessions(ctx context.Context, id int64) ([]int64, error) {
	user, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return user.ActiveSessionIDs, nil
}

func (r *userStore) CleanupInactiveSessions(ctx context.Context, id int64) (int, error) {
	user, err := r.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(user.ActiveSessionIDs) == 0 {
		return 0, nil
	}

	kept := make([]int64, 0, len(user.ActiveSessionIDs))
	for _, sessionID := range user.ActiveSessionIDs {
		var active bool
		err := r.s.db.QueryRowContext(ctx, r.s.rebind(
			`SELECT is_active FROM external_sessions WHERE id = ? AND user_id = ?`),
			sessionID, id).Scan(&active)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, wrapErr(err)
		}
		if active {
			kept = append(kept, sessionID)
		}
	}

	removed := len(user.ActiveSessionIDs) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := r.UpdateSessions(ctx, id, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (r *userStore) UpdatePreferences(ctx context.Context, id int64, prefs map[string]any) error {
	if err := validatePreferences(prefs); err != nil {
		return err
	}
	return r.mutateData(ctx, id, func(d *userData) error {
		if d.Preferences == nil {
			d.Preferences = map[string]any{}
		}
		for k, v := range prefs {
			d.Preferences[k] = v
		}
		return nil
	})
}

func (r *userStore) Delete(ctx context.Context, id int64) error {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return wrapErr(err)
	}
	return requireAffected(res)
}

// validatePreferences rejects out-of-range values for known preferences.
func validatePreferences(prefs map[string]any) error {
	if v, ok := prefs["session_limit"]; ok {
		var limit int
		switch n := v.(type) {
		case int:
			limit = n
		case int64:
			limit = int(n)
		case float64:
			limit = int(n)
		default:
			return fmt.Errorf("%w: session_limit must be numeric", ErrValidation)
		}
		if limit < 1 || limit > 100 {
			return fmt.Errorf("%w: session_limit %d out of range [1,100]", ErrValidation, limit)
		}
	}
	return nil
}

// mutateData applies fn to the data JSON column inside one transaction.
func (r *userStore) mutateData(ctx context.Context, id int64, fn func(*userData) error) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx, r.s.rebind(`SELECT data FROM users WHERE id = ?`), id).Scan(&raw)
		if err != nil {
			return wrapErr(err)
		}

		var d userData
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
		if _, err := tx.ExecContext(ctx, r.s.rebind(`UPDATE users SET data = ? WHERE id = ?`), data, id); err != nil {
			return wrapErr(err)
		}
		return nil
	})
}

func (r *userStore) findOne(ctx context.Context, where string, arg any) (*models.User, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+userColumns+` FROM users `+where), arg)
	return scanUser(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user      models.User
		created   sql.NullTime
		lastLogin sql.NullTime
		data      sql.NullString
		apiKey    sql.NullString
	)
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin,
		&created, &lastLogin, &data, &apiKey, &user.SessionLimit)
	if err != nil {
		return nil, wrapErr(err)
	}
	if created.Valid {
		user.CreatedAt = created.Time.UTC()
	}
	user.LastLogin = timePtr(lastLogin)
	user.APIKey = apiKey.String

	var d userData
	if err := scanJSON(data, &d); err != nil {
		return nil, err
	}
	user.Preferences = d.Preferences
	user.ActiveSessionIDs = d.ActiveSessionIDs
	return &user, nil
}

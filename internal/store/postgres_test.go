package store

import (
	"context"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentgit/pkg/models"
)

// mockStore wires the repositories over a sqlmock handle with the postgres
// dialect, so query shapes can be asserted without a live server.
func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := &Store{db: db, dialect: DialectPostgres, logger: slog.Default()}
	s.Users = &userStore{s}
	s.ExternalSessions = &externalSessionStore{s}
	s.InternalSessions = &internalSessionStore{s}
	s.Checkpoints = &checkpointStore{s}
	return s, mock
}

func TestPostgresPlaceholderBinding(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM users WHERE username = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "username", "password_hash", "is_admin", "created_at",
			"last_login", "data", "api_key", "session_limit",
		}).AddRow(1, "alice", "sha256:x", false, now(), nil, `{}`, nil, 5))

	user, err := s.Users.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUniqueViolationMapsToConflict(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_username_key"})
	mock.ExpectRollback()

	_, err := s.Users.Save(context.Background(), models.NewUser("alice"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCurrentSwapIsOneTransaction(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT external_session_id FROM internal_sessions WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"external_session_id"}).AddRow(3))
	mock.ExpectExec(`UPDATE internal_sessions SET is_current = \$1 WHERE external_session_id = \$2`).
		WithArgs(false, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE internal_sessions SET is_current = \$1 WHERE id = \$2`).
		WithArgs(true, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.InternalSessions.SetCurrentSession(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeactivateNotFound(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec(`UPDATE external_sessions SET is_active = \$1, updated_at = \$2 WHERE id = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ExternalSessions.Deactivate(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

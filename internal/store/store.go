// Package store implements the persistence layer: four repositories over a
// relational database with two interchangeable backends, an embedded
// file-backed SQLite store and a networked PostgreSQL store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/haasonsaas/agentgit/pkg/models"
)

// Common store errors.
var (
	// ErrNotFound indicates an id lookup returned nothing.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a unique-index violation (duplicate username,
	// api key, or graph session id).
	ErrConflict = errors.New("unique constraint violation")

	// ErrValidation indicates malformed input or an unsupported database
	// scheme.
	ErrValidation = errors.New("validation failure")
)

// UserRepository persists users and their session bookkeeping.
type UserRepository interface {
	// Save inserts the user when ID is zero, otherwise updates it.
	Save(ctx context.Context, user *models.User) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByAPIKey(ctx context.Context, apiKey string) (*models.User, error)
	FindAll(ctx context.Context) ([]*models.User, error)
	UpdateLastLogin(ctx context.Context, id int64) error
	// UpdateAPIKey sets the key, or clears it when apiKey is empty.
	UpdateAPIKey(ctx context.Context, id int64, apiKey string) error
	UpdateSessions(ctx context.Context, id int64, sessionIDs []int64) error
	GetSessions(ctx context.Context, id int64) ([]int64, error)
	// CleanupInactiveSessions drops tracked session ids whose external
	// session no longer exists or is deactivated. Returns the number
	// removed.
	CleanupInactiveSessions(ctx context.Context, id int64) (int, error)
	// UpdatePreferences merges the given preferences into the stored set.
	UpdatePreferences(ctx context.Context, id int64, prefs map[string]any) error
	Delete(ctx context.Context, id int64) error
}

// ExternalSessionRepository persists user-visible conversation containers.
type ExternalSessionRepository interface {
	Create(ctx context.Context, session *models.ExternalSession) (*models.ExternalSession, error)
	Update(ctx context.Context, session *models.ExternalSession) error
	GetByID(ctx context.Context, id int64) (*models.ExternalSession, error)
	GetUserSessions(ctx context.Context, userID int64, activeOnly bool) ([]*models.ExternalSession, error)
	// GetByInternalSession resolves the external session owning the branch
	// with the given graph session id.
	GetByInternalSession(ctx context.Context, graphSessionID string) (*models.ExternalSession, error)
	AddInternalSession(ctx context.Context, externalSessionID int64, graphSessionID string) error
	SetCurrentInternalSession(ctx context.Context, externalSessionID int64, graphSessionID string) error
	Deactivate(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	CheckOwnership(ctx context.Context, id, userID int64) (bool, error)
	CountUserSessions(ctx context.Context, userID int64, activeOnly bool) (int, error)
}

// InternalSessionRepository persists conversation branches. The tool track
// itself lives in memory and inside checkpoint payloads; only its length is
// stored on the row.
type InternalSessionRepository interface {
	Create(ctx context.Context, session *models.InternalSession) (*models.InternalSession, error)
	Update(ctx context.Context, session *models.InternalSession) error
	GetByID(ctx context.Context, id int64) (*models.InternalSession, error)
	GetByGraphSessionID(ctx context.Context, graphSessionID string) (*models.InternalSession, error)
	GetByExternalSession(ctx context.Context, externalSessionID int64) ([]*models.InternalSession, error)
	GetCurrentSession(ctx context.Context, externalSessionID int64) (*models.InternalSession, error)
	// SetCurrentSession atomically clears is_current on all siblings and
	// sets it on the given session.
	SetCurrentSession(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	CountSessions(ctx context.Context, externalSessionID int64) (int, error)
	GetBranchSessions(ctx context.Context, parentSessionID int64) ([]*models.InternalSession, error)
	// GetSessionLineage returns the ancestry path from root to the given
	// session, inclusive.
	GetSessionLineage(ctx context.Context, id int64) ([]*models.InternalSession, error)
	UpdateToolCount(ctx context.Context, id int64, increment int) error
}

// CheckpointCounts breaks down checkpoint totals for a session.
type CheckpointCounts struct {
	Total  int `json:"total"`
	Auto   int `json:"auto"`
	Manual int `json:"manual"`
}

// CheckpointRepository persists snapshots. Listings are ordered by
// (created_at DESC, id DESC).
type CheckpointRepository interface {
	Create(ctx context.Context, checkpoint *models.Checkpoint) (*models.Checkpoint, error)
	GetByID(ctx context.Context, id int64) (*models.Checkpoint, error)
	GetByInternalSession(ctx context.Context, internalSessionID int64, autoOnly bool) ([]*models.Checkpoint, error)
	GetLatestCheckpoint(ctx context.Context, internalSessionID int64) (*models.Checkpoint, error)
	Delete(ctx context.Context, id int64) error
	// DeleteAutoCheckpoints removes auto checkpoints beyond the keepLatest
	// most recent; manual checkpoints are never touched. Returns the
	// number deleted.
	DeleteAutoCheckpoints(ctx context.Context, internalSessionID int64, keepLatest int) (int, error)
	CountCheckpoints(ctx context.Context, internalSessionID int64) (CheckpointCounts, error)
	GetByUser(ctx context.Context, userID int64, limit int) ([]*models.Checkpoint, error)
	GetCheckpointsWithTools(ctx context.Context, internalSessionID int64) ([]*models.Checkpoint, error)
	// UpdateCheckpointMetadata merges metadata into the stored payload.
	UpdateCheckpointMetadata(ctx context.Context, id int64, metadata map[string]any) error
	SearchCheckpoints(ctx context.Context, internalSessionID int64, term string) ([]*models.Checkpoint, error)
}

// Store bundles the four repositories over a single database handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	Users            UserRepository
	ExternalSessions ExternalSessionRepository
	InternalSessions InternalSessionRepository
	Checkpoints      CheckpointRepository
}

// Open connects to the configured backend, initializes the schema, and
// provisions the root user.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch cfg.Backend {
	case BackendEmbedded, "":
		db, err = openSQLite(ctx, cfg)
		dialect = DialectSQLite
	case BackendNetworked:
		db, err = openPostgres(ctx, cfg)
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", ErrValidation, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: dialect, logger: cfg.Logger}
	s.Users = &userStore{s}
	s.ExternalSessions = &externalSessionStore{s}
	s.InternalSessions = &internalSessionStore{s}
	s.Checkpoints = &checkpointStore{s}

	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if _, err := s.EnsureRootUser(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure root user: %w", err)
	}

	s.logger.Info("store opened", "backend", dialect.String())
	return s, nil
}

// DB exposes the underlying database handle for related tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// InitSchema creates tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.SchemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// Root user default credentials, provisioned on first init.
const (
	RootUsername = "rootusr"
	rootPassword = "1234"
)

// EnsureRootUser creates the default admin user if absent and returns it.
func (s *Store) EnsureRootUser(ctx context.Context) (*models.User, error) {
	root, err := s.Users.FindByUsername(ctx, RootUsername)
	if err == nil {
		return root, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	root = models.NewUser(RootUsername)
	root.IsAdmin = true
	root.SetPassword(rootPassword)
	saved, err := s.Users.Save(ctx, root)
	if errors.Is(err, ErrConflict) {
		// Concurrent init won the race.
		return s.Users.FindByUsername(ctx, RootUsername)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("root user provisioned", "username", RootUsername, "id", saved.ID)
	return saved, nil
}

// withTx runs fn inside a transaction with commit-on-success,
// rollback-on-error semantics.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// rebind adapts placeholder syntax for the active dialect.
func (s *Store) rebind(query string) string { return s.dialect.Rebind(query) }

// wrapErr maps driver-level integrity errors onto the store taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// Package store provides session storage backends for RefillPipe.
//
// This file implements the PostgreSQL-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/RefillPipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions in PostgreSQL, for deployments where more
// than one RefillPipe instance shares the session space.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL session store from a
// postgres:// connection string.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL session store ready")

	return &PostgresStore{db: db}, nil
}

// GetSession loads a session by ID, or returns (nil, nil) if absent.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession query failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return unmarshalSession(data)
}

// SaveSession upserts the session row.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *models.Session) error {
	data, err := marshalSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, patient_id, state, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			state = EXCLUDED.state,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.PatientID, string(sess.State), data, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore.SaveSession succeeded", "sessionID", sess.ID, "state", sess.State)
	return nil
}

// DeleteSession removes the session row if present.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore.DeleteSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// IdleSessionIDs returns IDs of sessions not updated since the cutoff.
func (s *PostgresStore) IdleSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore.IdleSessionIDs query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

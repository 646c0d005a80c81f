package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/andresmejia3/facegate/internal/types"
)

// ErrNotEnrolled is returned when no identity has been enrolled yet.
var ErrNotEnrolled = errors.New("no identity enrolled (run `facegate enroll <image>` first)")

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	// The vector type only exists once the extension is created.
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to register vector type: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS enrolled_identity (
			id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			name TEXT NOT NULL,
			source_id TEXT NOT NULL,
			source_path TEXT NOT NULL,
			embedding VECTOR NOT NULL,
			samples INT NOT NULL DEFAULT 1,
			enrolled_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS unlock_sessions (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL,
			frames INT NOT NULL,
			presence INT NOT NULL,
			evidence INT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS unlock_sessions_started_at_idx ON unlock_sessions (started_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

func toVector(vec []float64) pgvector.Vector {
	f := make([]float32, len(vec))
	for i, v := range vec {
		f[i] = float32(v)
	}
	return pgvector.NewVector(f)
}

func fromVector(v pgvector.Vector) []float64 {
	src := v.Slice()
	out := make([]float64, len(src))
	for i, x := range src {
		out[i] = float64(x)
	}
	return out
}

// SaveEnrollment replaces the enrolled identity.
func (s *Store) SaveEnrollment(ctx context.Context, e types.Enrollment) error {
	if len(e.Embedding) == 0 {
		return errors.New("enrollment has no embedding")
	}
	samples := e.Samples
	if samples <= 0 {
		samples = 1
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO enrolled_identity (id, name, source_id, source_path, embedding, samples, enrolled_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source_id = EXCLUDED.source_id,
			source_path = EXCLUDED.source_path,
			embedding = EXCLUDED.embedding,
			samples = EXCLUDED.samples,
			enrolled_at = NOW()
	`, e.Name, e.SourceID, e.SourcePath, toVector(e.Embedding), samples)
	return err
}

// AddEnrollmentSample folds another image of the same person into the
// enrolled embedding as a weighted average.
func (s *Store) AddEnrollmentSample(ctx context.Context, vec []float64, sourceID, sourcePath string) (int, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// 1. Fetch current state
	var old pgvector.Vector
	var oldCount int
	// FOR UPDATE locks the row so two enrollments can't interleave
	err = tx.QueryRow(ctx, "SELECT embedding, samples FROM enrolled_identity WHERE id = 1 FOR UPDATE").Scan(&old, &oldCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotEnrolled
	}
	if err != nil {
		return 0, err
	}

	// 2. Weighted Math
	oldVec := old.Slice()
	if len(oldVec) != len(vec) {
		return 0, fmt.Errorf("embedding dimension %d does not match enrolled %d", len(vec), len(oldVec))
	}
	total := float64(oldCount + 1)
	avg := make([]float64, len(vec))
	for i := range vec {
		avg[i] = (float64(oldVec[i])*float64(oldCount) + vec[i]) / total
	}

	_, err = tx.Exec(ctx, `
		UPDATE enrolled_identity SET embedding = $1, samples = $2, source_id = $3, source_path = $4, enrolled_at = NOW()
		WHERE id = 1
	`, toVector(avg), oldCount+1, sourceID, sourcePath)
	if err != nil {
		return 0, err
	}
	return oldCount + 1, tx.Commit(ctx)
}

// LoadEnrollment returns the enrolled identity or ErrNotEnrolled.
func (s *Store) LoadEnrollment(ctx context.Context) (*types.Enrollment, error) {
	var e types.Enrollment
	var vec pgvector.Vector
	err := s.conn.QueryRow(ctx, `
		SELECT name, source_id, source_path, embedding, samples, enrolled_at
		FROM enrolled_identity WHERE id = 1
	`).Scan(&e.Name, &e.SourceID, &e.SourcePath, &vec, &e.Samples, &e.EnrolledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, err
	}
	e.Embedding = fromVector(vec)
	return &e, nil
}

// RenameEnrollment updates the display name of the enrolled identity.
func (s *Store) RenameEnrollment(ctx context.Context, newName string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE enrolled_identity SET name = $1 WHERE id = 1", newName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotEnrolled
	}
	return nil
}

// RecordSession appends one unlock attempt to the history.
func (s *Store) RecordSession(ctx context.Context, r types.SessionRecord) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO unlock_sessions (id, mode, started_at, finished_at, outcome, frames, presence, evidence, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.Mode, r.StartedAt, r.FinishedAt, r.Outcome, r.Frames, r.Presence, r.Evidence, r.Detail)
	return err
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]types.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, mode, started_at, finished_at, outcome, frames, presence, evidence, detail
		FROM unlock_sessions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []types.SessionRecord
	for rows.Next() {
		var r types.SessionRecord
		if err := rows.Scan(&r.ID, &r.Mode, &r.StartedAt, &r.FinishedAt, &r.Outcome, &r.Frames, &r.Presence, &r.Evidence, &r.Detail); err != nil {
			return nil, err
		}
		r.StartedAt = r.StartedAt.Local()
		r.FinishedAt = r.FinishedAt.Local()
		results = append(results, r)
	}
	return results, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS unlock_sessions CASCADE;
		DROP TABLE IF EXISTS enrolled_identity CASCADE;
	`)
	return err
}

// Package store archives committed transcript turns in Postgres. The archive
// is optional infrastructure: a session runs fine without one, and a write
// failure never reaches back into the live audio path.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/trackside-labs/companion/pkg/transcript"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertTurnSQL = `
INSERT INTO transcript_turns (id, session_id, role, text)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`

	selectTurnsSQL = `
SELECT id, role, text
FROM transcript_turns
WHERE session_id = $1
ORDER BY committed_at, id`
)

// Store is a Postgres-backed transcript archive.
type Store struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

// Open connects a pool and verifies the database is reachable. Call Migrate
// before the first write.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool, dsn: dsn, logger: logger}, nil
}

// Migrate applies the embedded schema migrations. It runs on its own
// database/sql connection so goose never touches the pool.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	s.logger.Debug("transcript schema up to date")
	return nil
}

// SaveTurn archives one committed turn. Saving the same turn id twice is a
// no-op, so retries are safe.
func (s *Store) SaveTurn(ctx context.Context, sessionID string, turn transcript.Turn) error {
	_, err := s.pool.Exec(ctx, insertTurnSQL, turn.ID, sessionID, string(turn.Role), turn.Text)
	if err != nil {
		return fmt.Errorf("insert transcript turn: %w", err)
	}
	return nil
}

// SaveTurns archives several turns in one round trip.
func (s *Store) SaveTurns(ctx context.Context, sessionID string, turns []transcript.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, turn := range turns {
		batch.Queue(insertTurnSQL, turn.ID, sessionID, string(turn.Role), turn.Text)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range turns {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert transcript turn: %w", err)
		}
	}
	return nil
}

// Turns returns the archived turns of one session, oldest first.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	rows, err := s.pool.Query(ctx, selectTurnsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript turns: %w", err)
	}
	defer rows.Close()

	var turns []transcript.Turn
	for rows.Next() {
		var turn transcript.Turn
		var role string
		if err := rows.Scan(&turn.ID, &role, &turn.Text); err != nil {
			return nil, fmt.Errorf("scan transcript turn: %w", err)
		}
		turn.Role = transcript.Role(role)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TableNames holds environment-prefixed table names (dev_, test_, prod_)
// so multiple environments can share one database.
type TableNames struct {
	Turns string
}

// NewTableNames builds table names with the given prefix.
func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Turns: fmt.Sprintf("%sturns", prefix),
	}
}

// CreateConnectionPool creates a pgx pool sized for the gateway's write
// pattern: short transactional bursts from leader completions.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresTurnStore implements TurnStore on PostgreSQL.
type PostgresTurnStore struct {
	pool   *pgxpool.Pool
	tables *TableNames
	logger *slog.Logger
}

func NewPostgresTurnStore(pool *pgxpool.Pool, tables *TableNames, logger *slog.Logger) *PostgresTurnStore {
	return &PostgresTurnStore{pool: pool, tables: tables, logger: logger}
}

// EnsureSchema creates the turns table if it does not exist. The table
// name is interpolated before the SQL reaches the database, so prefixed
// environments get distinct statements.
func (s *PostgresTurnStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			org_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			provider TEXT,
			model TEXT,
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %s_thread_idx ON %s (org_id, thread_id, created_at);
	`, s.tables.Turns, s.tables.Turns, s.tables.Turns)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveTurns writes the batch in one transaction so a user turn never
// lands without its assistant reply.
func (s *PostgresTurnStore) SaveTurns(ctx context.Context, turns []*PersistedTurn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		INSERT INTO %s (id, org_id, thread_id, role, content, provider, model, input_tokens, output_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.tables.Turns)

	for _, turn := range turns {
		if turn.ID == "" {
			turn.ID = uuid.NewString()
		}
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, query,
			turn.ID,
			turn.OrgID,
			turn.ThreadID,
			turn.Role,
			turn.Content,
			turn.Provider,
			turn.Model,
			turn.InputTokens,
			turn.OutputTokens,
			turn.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit turns: %w", err)
	}
	return nil
}

// RecentTurns returns the last limit turns in chronological order.
func (s *PostgresTurnStore) RecentTurns(ctx context.Context, orgID, threadID string, limit int) ([]*PersistedTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, org_id, thread_id, role, content, provider, model, input_tokens, output_tokens, created_at
		FROM (
			SELECT * FROM %s
			WHERE org_id = $1 AND thread_id = $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC
	`, s.tables.Turns)

	rows, err := s.pool.Query(ctx, query, orgID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []*PersistedTurn
	for rows.Next() {
		turn := &PersistedTurn{}
		if err := rows.Scan(
			&turn.ID,
			&turn.OrgID,
			&turn.ThreadID,
			&turn.Role,
			&turn.Content,
			&turn.Provider,
			&turn.Model,
			&turn.InputTokens,
			&turn.OutputTokens,
			&turn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

var _ TurnStore = (*PostgresTurnStore)(nil)

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/querypilot/pkg/conversation"
)

type PostgresConfig struct {
	Logger *slog.Logger
	DSN    string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c *PostgresConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	return nil
}

// PostgresStore keeps history in a conversation_turns table, one JSONB
// document per turn.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{log: cfg.Logger, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	s.log.Info("history: running postgres migrations")
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_turns (
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			position BIGSERIAL,
			turn JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (session_id, turn_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create conversation_turns table: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_conversation_turns_session_position
		ON conversation_turns (session_id, position)
	`)
	if err != nil {
		return fmt.Errorf("failed to create conversation_turns index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, turn conversation.Turn) error {
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	doc, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_turns (session_id, turn_id, turn)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, turn_id)
		DO UPDATE SET turn = EXCLUDED.turn, updated_at = NOW()
	`, sessionID, turn.ID, doc)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT turn FROM conversation_turns
		WHERE session_id = $1
		ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		var turn conversation.Turn
		if err := json.Unmarshal(doc, &turn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_turns WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

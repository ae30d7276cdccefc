package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations in PostgreSQL, one row per key with the
// turns held in a JSONB array.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string, timeout time.Duration) (*PostgresStore, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, errors.New("database url is required for postgres backend")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	timeout = defaultTimeout(timeout)
	cfg.ConnConfig.ConnectTimeout = timeout
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrapErr("connect postgres", err, isPostgresUnavailable)
	}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := initSchema(initCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, now: storeNow}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			turns JSONB NOT NULL DEFAULT '[]'::jsonb
		);`,
		`CREATE TABLE IF NOT EXISTS triage_summaries (
			key TEXT PRIMARY KEY,
			triage_summary JSONB NOT NULL,
			finalized_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return wrapErr(fmt.Sprintf("init schema failed on %q", stmt), err, isPostgresUnavailable)
		}
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, key, userMessage, assistantMessage string, metadata map[string]any) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	now := s.now()
	payload, err := json.Marshal(newTurn(userMessage, assistantMessage, metadata, now))
	if err != nil {
		return "", fmt.Errorf("marshal turn: %w", err)
	}

	// The conflicting row is locked for the update, so concurrent appends to one
	// key are serialised and created_at keeps the value of the first insert.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (key, created_at, turns)
		 VALUES ($1, $2, jsonb_build_array($3::jsonb))
		 ON CONFLICT (key) DO UPDATE SET turns = conversations.turns || EXCLUDED.turns`,
		key,
		now,
		string(payload),
	)
	if err != nil {
		return "", wrapErr("append turn", err, isPostgresUnavailable)
	}
	return key, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, key string) (*Conversation, error) {
	conv := Conversation{Key: strings.TrimSpace(key)}
	var turns []byte
	err := s.pool.QueryRow(ctx,
		`SELECT created_at, turns FROM conversations WHERE key=$1`,
		conv.Key,
	).Scan(&conv.CreatedAt, &turns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("get conversation", err, isPostgresUnavailable)
	}
	if err := json.Unmarshal(turns, &conv.Turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	for i := range conv.Turns {
		conv.Turns[i].Timestamp = conv.Turns[i].Timestamp.UTC()
		if conv.Turns[i].Metadata == nil {
			conv.Turns[i].Metadata = map[string]any{}
		}
	}
	return &conv, nil
}

func (s *PostgresStore) SaveTriageSummary(ctx context.Context, key string, summary map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal triage summary: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO triage_summaries (key, triage_summary, finalized_at)
		 VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (key) DO UPDATE SET
			triage_summary=EXCLUDED.triage_summary,
			finalized_at=EXCLUDED.finalized_at`,
		key,
		string(payload),
		s.now(),
	)
	if err != nil {
		return wrapErr("save triage summary", err, isPostgresUnavailable)
	}
	return nil
}

func (s *PostgresStore) GetTriageSummary(ctx context.Context, key string) (*TriageSummary, error) {
	sum := TriageSummary{Key: strings.TrimSpace(key)}
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT triage_summary, finalized_at FROM triage_summaries WHERE key=$1`,
		sum.Key,
	).Scan(&payload, &sum.FinalizedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("get triage summary", err, isPostgresUnavailable)
	}
	if err := json.Unmarshal(payload, &sum.Summary); err != nil {
		return nil, fmt.Errorf("decode triage summary: %w", err)
	}
	sum.FinalizedAt = sum.FinalizedAt.UTC()
	return &sum, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return wrapErr("ping postgres", err, isPostgresUnavailable)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPostgresUnavailable(err error) bool {
	var connErr *pgconn.ConnectError
	return pgconn.Timeout(err) || errors.As(err, &connErr)
}

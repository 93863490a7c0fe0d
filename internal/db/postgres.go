package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/dalsi-gateway/internal/utils"
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg utils.PostgresConfig) (*Postgres, error) {
	dsn := cfg.BuildDSN()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close() {
	if p == nil || p.Pool == nil {
		return
	}
	p.Pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.Pool.Ping(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS chats (",
			"    id TEXT PRIMARY KEY,",
			"    user_id TEXT NOT NULL DEFAULT '',",
			"    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS messages (",
			"    id TEXT PRIMARY KEY,",
			"    chat_id TEXT NOT NULL,",
			"    sender TEXT NOT NULL,",
			"    content TEXT NOT NULL,",
			"    content_type TEXT NOT NULL DEFAULT 'text',",
			"    message_type TEXT NOT NULL DEFAULT 'text',",
			"    timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,",
			"    context_data JSONB NOT NULL DEFAULT '{}'::jsonb,",
			"    tokens_used INTEGER NOT NULL DEFAULT 0,",
			"    processing_time_ms INTEGER NOT NULL DEFAULT 0,",
			"    response_time_ms INTEGER NOT NULL DEFAULT 0,",
			"    model_used TEXT NOT NULL DEFAULT 'DalsiAI',",
			"    service_type TEXT NOT NULL DEFAULT 'general',",
			"    feedback_score INTEGER,",
			"    user_rating INTEGER,",
			"    feedback_text TEXT,",
			"    is_flagged BOOLEAN NOT NULL DEFAULT FALSE,",
			"    is_edited BOOLEAN NOT NULL DEFAULT FALSE,",
			"    edited_at TIMESTAMPTZ",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS messages_chat_timestamp_idx ON messages (chat_id, timestamp DESC)",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS api_usage_logs (",
			"    id TEXT PRIMARY KEY,",
			"    user_id TEXT NOT NULL DEFAULT '',",
			"    endpoint TEXT NOT NULL,",
			"    method TEXT NOT NULL DEFAULT 'POST',",
			"    status_code INTEGER NOT NULL DEFAULT 200,",
			"    request_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,",
			"    response_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,",
			"    tokens_used INTEGER NOT NULL DEFAULT 0,",
			"    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS api_usage_logs_user_idx ON api_usage_logs (user_id, created_at DESC)",
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}

	return nil
}

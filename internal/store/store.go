// Package store persists user credentials and chat history in Postgres.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/maxrios/mcs/internal/errs"
)

// The shared cluster database stays small; each node keeps a modest pool.
const maxPoolConns = 5

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func New(ctx context.Context, url string, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "parsing postgres url", err)
	}
	cfg.MaxConns = maxPoolConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "connecting to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.KindDatabase, "pinging postgres", err)
	}

	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables when missing; the same DDL ships in
// sql/schema.sql for deployments that manage the database externally.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
    username      text PRIMARY KEY,
    password_hash text NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id        serial PRIMARY KEY,
    sender    text,
    content   text,
    timestamp bigint
);
CREATE INDEX IF NOT EXISTS messages_timestamp_idx ON messages (timestamp);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return errs.Wrap(errs.KindDatabase, "ensuring schema", err)
	}
	return nil
}

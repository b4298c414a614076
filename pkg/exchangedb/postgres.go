package exchangedb

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, dsn string, opts Options) (*postgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  id TEXT PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	list, err := migrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range list {
		var already bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE id=$1)`, m.id).Scan(&already); err != nil {
			return err
		}
		if already {
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply %s: %w", m.id, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(id) VALUES($1)`, m.id); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, rec Record) error {
	if err := validJSON("request", rec.Request); err != nil {
		return err
	}
	if err := validJSON("response", rec.Response); err != nil {
		return err
	}
	ip, err := netip.ParseAddr(rec.ClientIP)
	if err != nil {
		return fmt.Errorf("client ip %q: %w", rec.ClientIP, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO api_logs (request, response, ip, tokens) VALUES ($1, $2, $3, $4)`,
		string(rec.Request), string(rec.Response), ip, rec.Tokens)
	if err != nil {
		return fmt.Errorf("insert api_logs: %w", err)
	}
	return nil
}

func (s *postgresStore) TotalTokens(ctx context.Context) (int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(tokens), 0) FROM api_logs`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum tokens: %w", err)
	}
	return total, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

package exchangedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, path string) (*sqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  id TEXT PRIMARY KEY,
  applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	list, err := migrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range list {
		var already bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE id=?)`, m.id).Scan(&already); err != nil {
			return err
		}
		if already {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(id) VALUES(?)`, m.id); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Insert(ctx context.Context, rec Record) error {
	if err := validJSON("request", rec.Request); err != nil {
		return err
	}
	if err := validJSON("response", rec.Response); err != nil {
		return err
	}
	var tokens sql.NullInt64
	if rec.Tokens != nil {
		tokens = sql.NullInt64{Int64: *rec.Tokens, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_logs (request, response, ip, tokens) VALUES (?, ?, ?, ?)`,
		string(rec.Request), string(rec.Response), rec.ClientIP, tokens)
	if err != nil {
		return fmt.Errorf("insert api_logs: %w", err)
	}
	return nil
}

func (s *sqliteStore) TotalTokens(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(tokens), 0) FROM api_logs`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum tokens: %w", err)
	}
	return total, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

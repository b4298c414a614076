// Package exchangedb persists completed relay exchanges. One row per exchange,
// append-only, with an auto-incrementing identity and a server-side write
// timestamp.
//
// The backend is chosen by the connection string scheme:
//
//	postgres://, postgresql://  PostgreSQL via pgx (api_logs table)
//	sqlite://<path>             SQLite via modernc.org/sqlite
//	file://<dir>                zstd-compressed JSON-lines segments
package exchangedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrUnsupportedScheme = errors.New("unsupported database scheme")

// Record is one exchange. Request and Response hold JSON documents.
type Record struct {
	ID        int64           `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
	ClientIP  string          `json:"ip"`
	Tokens    *int64          `json:"tokens"`
}

// Store must be safe for concurrent use. Implementations rely on their own
// pool or mutex; callers never lock around them.
type Store interface {
	Migrate(ctx context.Context) error
	Insert(ctx context.Context, rec Record) error
	TotalTokens(ctx context.Context) (int64, error)
	Close() error
}

type Options struct {
	MaxConns int
}

// Open connects to the store named by dsn. It does not run migrations.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	u, err := url.Parse(dsn)
	if err != nil {
		// url.Error echoes the input, which may hold a password.
		return nil, errors.New("parse database url: invalid url")
	}
	var (
		store Store
		oerr  error
	)
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		store, oerr = openPostgres(ctx, dsn, opts)
	case "sqlite":
		store, oerr = openSQLite(ctx, pathFromURL(dsn, len(u.Scheme)))
	case "file":
		store, oerr = openFileStore(pathFromURL(dsn, len(u.Scheme)))
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	if oerr != nil {
		return nil, oerr
	}
	return store, nil
}

// pathFromURL keeps everything after the scheme, so both sqlite:///abs/x.db
// and sqlite://relative.db work.
func pathFromURL(dsn string, schemeLen int) string {
	rest := strings.TrimPrefix(dsn[schemeLen:], "://")
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func validJSON(name string, raw json.RawMessage) error {
	if len(raw) == 0 || !json.Valid(raw) {
		return fmt.Errorf("%s is not valid json", name)
	}
	return nil
}

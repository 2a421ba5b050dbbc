// Package store persists hourly accelerometer documents and station state in
// SQLite. Hourly documents keep each axis as a JSON array of 3600 slots so a
// delivery can set individual seconds with json_set instead of rewriting the
// whole hour.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lox/stationd/internal/logging"
)

var (
	ErrStationNotFound = errors.New("station not found")
	ErrDocumentMissing = errors.New("hourly document missing")
)

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func New(db *sql.DB) *Store {
	return &Store{db: db, log: logging.Component("store")}
}

// connPragmas are applied by the driver to every pooled connection;
// busy_timeout does not carry over between connections.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

// Open opens the SQLite database at dsn with the pragmas the daemon relies on.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn == ":memory:" {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(dsn)
	for _, p := range connPragmas {
		if strings.Contains(dsn, "_pragma="+p[:strings.IndexByte(p, '(')]) {
			continue
		}
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isDuplicateKey(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

// Package store persists the content catalogue the proxy reads from and the
// audit trail. It runs on SQLite by default and on Postgres when asked.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // database/sql driver "sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func ParseDialect(raw string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", errors.Errorf("unsupported database engine %q", raw)
	}
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects and applies the schema. For SQLite dsn is a file path.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
	case DialectSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create database directory %s", dir)
			}
		}
		db, err = sql.Open("sqlite", "file:"+dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, errors.Wrapf(err, "open sqlite %s", dsn)
		}
		// one writer keeps SQLite from returning SQLITE_BUSY under load
		db.SetMaxOpenConns(1)
	default:
		return nil, errors.Errorf("unsupported dialect %q", dialect)
	}

	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping database")
}

func (s *Store) migrate(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	tsCol := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
		tsCol = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS content (
	id           TEXT PRIMARY KEY,
	upstream_url TEXT NOT NULL,
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at   ` + tsCol + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
	id         ` + idCol + `,
	kind       TEXT NOT NULL,
	subject    TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at ` + tsCol + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS audit_events_created_idx ON audit_events (created_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}

// bind rewrites ? placeholders for drivers that want $n.
func (s *Store) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rebind(query)
}

// rebind turns each ? outside string literals into $1, $2, ...
func rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var (
		out   strings.Builder
		n     int
		quote byte
	)
	out.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '?':
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteByte(ch)
	}
	return out.String()
}

package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// sqliteBackend stores both tables in a single SQLite file. SQLite has no
// schemas, so the schema becomes a table-name prefix.
type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at path and creates the
// tables. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts Options) (*Warehouse, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		// WAL lets dbt and ad-hoc readers query while the pipeline writes.
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	w, err := newWarehouse(ctx, &sqliteBackend{db: db}, opts, true)
	if err != nil {
		return nil, err
	}
	log.Infof("sqlite warehouse opened: %s", path)
	return w, nil
}

func (b *sqliteBackend) placeholder(int) string { return "?" }

func (b *sqliteBackend) table(schema, name string) string {
	if schema == "" {
		return strconv.Quote(name)
	}
	return strconv.Quote(schema + "_" + name)
}

func (b *sqliteBackend) migrate(ctx context.Context, _ string, prices, forecasts string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			date   TEXT NOT NULL,
			symbol TEXT NOT NULL,
			open   NUMERIC,
			high   NUMERIC,
			low    NUMERIC,
			close  NUMERIC,
			volume NUMERIC CHECK (volume >= 0),
			PRIMARY KEY (date, symbol)
		)`, prices),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			date   TEXT NOT NULL,
			symbol TEXT NOT NULL,
			open   NUMERIC,
			high   NUMERIC,
			low    NUMERIC,
			close  NUMERIC,
			volume NUMERIC,
			PRIMARY KEY (date, symbol)
		)`, forecasts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(symbol)`,
			strconv.Quote("idx_"+strings.Trim(prices, `"`)+"_symbol"), prices),
	}

	for _, s := range stmts {
		if _, err := b.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(s), err)
		}
	}
	return nil
}

func (b *sqliteBackend) inTx(ctx context.Context, fn func(exec execFunc) error) error {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	err = fn(func(ctx context.Context, q string, args ...any) error {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
	if err != nil {
		if rx := tx.Rollback(); rx != nil {
			log.Errorf("rollback: %v", rx)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *sqliteBackend) query(ctx context.Context, q string, args []any, each func(rowScanner) error) error {
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *sqliteBackend) close() {
	log.Info("closing sqlite warehouse")
	b.db.Close()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package warehouse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

type postgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pool for dsn and waits for the server with a
// bounded exponential backoff. Tables are created only when opts.Migrate is set.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Warehouse, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create pool: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = time.Minute
	err = backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		log.Warnf("postgres not ready: %v, retrying in %v", err, d)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	w, err := newWarehouse(ctx, &postgresBackend{pool: pool}, opts, opts.Migrate)
	if err != nil {
		return nil, err
	}
	log.Infof("postgres warehouse opened: %s, %s", w.prices, w.forecasts)
	return w, nil
}

func (b *postgresBackend) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (b *postgresBackend) table(schema, name string) string {
	if schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

func (b *postgresBackend) migrate(ctx context.Context, schema, prices, forecasts string) error {
	var stmts []string
	if schema != "" {
		stmts = append(stmts, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{schema}.Sanitize()))
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			date   DATE NOT NULL,
			symbol VARCHAR(16) NOT NULL,
			open   NUMERIC(18, 2),
			high   NUMERIC(18, 2),
			low    NUMERIC(18, 2),
			close  NUMERIC(18, 2),
			volume BIGINT CHECK (volume >= 0),
			PRIMARY KEY (date, symbol)
		)`, prices),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			date   DATE NOT NULL,
			symbol VARCHAR(16) NOT NULL,
			open   NUMERIC(18, 2),
			high   NUMERIC(18, 2),
			low    NUMERIC(18, 2),
			close  NUMERIC(18, 2),
			volume NUMERIC(20, 2),
			PRIMARY KEY (date, symbol)
		)`, forecasts),
	)

	for _, s := range stmts {
		if _, err := b.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(s), err)
		}
	}
	return nil
}

func (b *postgresBackend) inTx(ctx context.Context, fn func(exec execFunc) error) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	err = fn(func(ctx context.Context, q string, args ...any) error {
		_, err := tx.Exec(ctx, q, args...)
		return err
	})
	if err != nil {
		if rx := tx.Rollback(context.WithoutCancel(ctx)); rx != nil {
			log.Errorf("rollback: %v", rx)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *postgresBackend) query(ctx context.Context, q string, args []any, each func(rowScanner) error) error {
	rows, err := b.pool.Query(ctx, q, args...)
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

func (b *postgresBackend) close() {
	log.Info("closing postgres pool")
	b.pool.Close()
}

// Package warehouse persists price bars and forecasts with batched,
// transactional upserts keyed by (date, symbol).
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"StockForecast/internal/config"
	"StockForecast/internal/metrics"
	"StockForecast/internal/model"
)

type execFunc func(ctx context.Context, query string, args ...any) error

// rowScanner is the subset of pgx.Rows and *sql.Rows used for read-back.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

type dialect interface {
	placeholder(n int) string
	table(schema, name string) string
}

type backend interface {
	dialect
	// inTx runs fn on one dedicated connection inside a transaction,
	// committing on nil and rolling back otherwise.
	inTx(ctx context.Context, fn func(exec execFunc) error) error
	query(ctx context.Context, q string, args []any, each func(rowScanner) error) error
	migrate(ctx context.Context, schema, prices, forecasts string) error
	close()
}

// Options names the tables and tunes the write path.
type Options struct {
	Schema         string
	PricesTable    string
	ForecastsTable string
	BatchSize      int
	Migrate        bool
}

func (o Options) withDefaults() Options {
	if o.Schema == "" {
		o.Schema = "raw_data"
	}
	if o.PricesTable == "" {
		o.PricesTable = "stock_prices"
	}
	if o.ForecastsTable == "" {
		o.ForecastsTable = "stock_forecasts"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	return o
}

// Warehouse writes and reads the prices and forecasts tables.
type Warehouse struct {
	backend   backend
	prices    string
	forecasts string
	batchSize int
}

// PriceRecord is a stored price row. Null columns have Valid == false.
type PriceRecord struct {
	Date   time.Time
	Symbol string
	Open   decimal.NullDecimal
	High   decimal.NullDecimal
	Low    decimal.NullDecimal
	Close  decimal.NullDecimal
	Volume decimal.NullDecimal
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.WarehouseConfig) (*Warehouse, error) {
	opts := Options{
		Schema:         cfg.Schema,
		PricesTable:    cfg.PricesTable,
		ForecastsTable: cfg.ForecastsTable,
		BatchSize:      cfg.BatchSize,
		Migrate:        cfg.Migrate,
	}
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, opts)
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, opts)
	default:
		return nil, fmt.Errorf("unknown warehouse driver %q", cfg.Driver)
	}
}

func newWarehouse(ctx context.Context, b backend, opts Options, migrate bool) (*Warehouse, error) {
	opts = opts.withDefaults()
	w := &Warehouse{
		backend:   b,
		prices:    b.table(opts.Schema, opts.PricesTable),
		forecasts: b.table(opts.Schema, opts.ForecastsTable),
		batchSize: opts.BatchSize,
	}
	if migrate {
		if err := b.migrate(ctx, opts.Schema, w.prices, w.forecasts); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return w, nil
}

// UpsertPrices writes bars as one atomic batch. Prices are rounded to 2
// places, volume to a whole number, and null values are stored as NULL.
func (w *Warehouse) UpsertPrices(ctx context.Context, bars []model.PriceBar) (int, error) {
	recs := make([]record, len(bars))
	for i, b := range bars {
		recs[i] = priceRecord(b)
	}
	return w.write(ctx, w.prices, recs)
}

// UpsertForecasts writes rows as one atomic batch without further rounding.
func (w *Warehouse) UpsertForecasts(ctx context.Context, rows []model.ForecastRow) (int, error) {
	recs := make([]record, len(rows))
	for i, r := range rows {
		recs[i] = forecastRecord(r)
	}
	return w.write(ctx, w.forecasts, recs)
}

func (w *Warehouse) write(ctx context.Context, table string, recs []record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	start := time.Now()
	if err := writeBatch(ctx, w.backend, table, recs, w.batchSize); err != nil {
		log.WithField("table", table).WithError(err).Error("upsert rolled back")
		return 0, err
	}
	n := len(dedupe(recs))
	metrics.RowsUpserted.WithLabelValues(table).Add(float64(n))
	log.WithFields(log.Fields{
		"table":   table,
		"rows":    n,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("upsert committed")
	return n, nil
}

const selectColumns = `CAST(date AS TEXT), symbol, CAST(open AS TEXT), CAST(high AS TEXT),
	CAST(low AS TEXT), CAST(close AS TEXT), CAST(volume AS TEXT)`

// Prices returns the stored rows for symbol ordered by date.
func (w *Warehouse) Prices(ctx context.Context, symbol string) ([]PriceRecord, error) {
	var out []PriceRecord
	err := w.readRows(ctx, w.prices, symbol, func(date time.Time, sym string, v [5]decimal.NullDecimal) {
		out = append(out, PriceRecord{Date: date, Symbol: sym, Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: v[4]})
	})
	return out, err
}

// Forecasts returns the stored forecast rows for symbol ordered by date.
func (w *Warehouse) Forecasts(ctx context.Context, symbol string) ([]model.ForecastRow, error) {
	var out []model.ForecastRow
	err := w.readRows(ctx, w.forecasts, symbol, func(date time.Time, sym string, v [5]decimal.NullDecimal) {
		out = append(out, model.ForecastRow{
			Date: date, Symbol: sym,
			Open: v[0].Decimal, High: v[1].Decimal, Low: v[2].Decimal, Close: v[3].Decimal, Volume: v[4].Decimal,
		})
	})
	return out, err
}

func (w *Warehouse) readRows(ctx context.Context, table, symbol string, emit func(time.Time, string, [5]decimal.NullDecimal)) error {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE symbol = %s ORDER BY date", selectColumns, table, w.backend.placeholder(1))
	err := w.backend.query(ctx, q, []any{symbol}, func(rs rowScanner) error {
		var (
			dateText, sym string
			v             [5]decimal.NullDecimal
		)
		if err := rs.Scan(&dateText, &sym, &v[0], &v[1], &v[2], &v[3], &v[4]); err != nil {
			return err
		}
		date, err := time.Parse(dateLayout, dateText)
		if err != nil {
			return fmt.Errorf("parse date %q: %w", dateText, err)
		}
		emit(date, sym, v)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	return nil
}

// Close releases the underlying pool.
func (w *Warehouse) Close() {
	w.backend.close()
}

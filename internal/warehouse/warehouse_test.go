package warehouse

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StockForecast/internal/model"
)

func openMemory(t *testing.T, batchSize int) *Warehouse {
	t.Helper()
	w, err := OpenSQLite(context.Background(), ":memory:", Options{BatchSize: batchSize})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func day(s string) time.Time {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func bar(date, symbol string, o, h, l, c, v float64) model.PriceBar {
	return model.PriceBar{
		Date:   day(date),
		Symbol: symbol,
		Open:   null.FloatFrom(o),
		High:   null.FloatFrom(h),
		Low:    null.FloatFrom(l),
		Close:  null.FloatFrom(c),
		Volume: null.FloatFrom(v),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.NullDecimal) {
	t.Helper()
	require.True(t, got.Valid, "expected %s, got NULL", want)
	assert.True(t, dec(want).Equal(got.Decimal), "expected %s, got %s", want, got.Decimal)
}

func TestUpsertPrices_Idempotent(t *testing.T) {
	ctx := context.Background()
	w := openMemory(t, 500)
	bars := []model.PriceBar{
		bar("2024-01-08", "CVX", 150.1, 151, 149.5, 150.7, 9_000_000),
		bar("2024-01-09", "CVX", 150.7, 152, 150.2, 151.9, 8_500_000),
		bar("2024-01-09", "XOM", 100.2, 101, 99.8, 100.4, 15_000_000),
	}

	n, err := w.UpsertPrices(ctx, bars)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	first, err := w.Prices(ctx, "CVX")
	require.NoError(t, err)

	_, err = w.UpsertPrices(ctx, bars)
	require.NoError(t, err)
	second, err := w.Prices(ctx, "CVX")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, second, 2)
	assert.Equal(t, day("2024-01-08"), second[0].Date)
	assert.Equal(t, day("2024-01-09"), second[1].Date)
}

func TestUpsertPrices_DuplicateKeysLastWins(t *testing.T) {
	ctx := context.Background()
	w := openMemory(t, 500)

	_, err := w.UpsertPrices(ctx, []model.PriceBar{
		bar("2024-01-10", "CVX", 1, 1, 1, 1, 1),
		bar("2024-01-11", "CVX", 5, 5, 5, 5, 5),
		bar("2024-01-10", "CVX", 2, 2, 2, 2, 2),
	})
	require.NoError(t, err)

	rows, err := w.Prices(ctx, "CVX")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assertDec(t, "2", rows[0].Close)
	assertDec(t, "5", rows[1].Close)
}

func TestUpsertPrices_RoundingAndNulls(t *testing.T) {
	ctx := context.Background()
	w := openMemory(t, 500)

	b := bar("2024-01-10", "CVX", 101.255, 102.004, 99.999, 100.5, 1234.5)
	b.Low = null.Float{}
	b.Date = time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC)
	_, err := w.UpsertPrices(ctx, []model.PriceBar{b})
	require.NoError(t, err)

	rows, err := w.Prices(ctx, "CVX")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, day("2024-01-10"), r.Date)
	assertDec(t, "101.26", r.Open)
	assertDec(t, "102", r.High)
	assert.False(t, r.Low.Valid, "null low must be stored as NULL")
	assertDec(t, "100.5", r.Close)
	assertDec(t, "1235", r.Volume)
}

func TestUpsertPrices_AllNullRowIsWritten(t *testing.T) {
	ctx := context.Background()
	w := openMemory(t, 500)

	_, err := w.UpsertPrices(ctx, []model.PriceBar{{Date: day("2024-01-15"), Symbol: "XOM"}})
	require.NoError(t, err)

	rows, err := w.Prices(ctx, "XOM")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	for _, v := range []decimal.NullDecimal{rows[0].Open, rows[0].High, rows[0].Low, rows[0].Close, rows[0].Volume} {
		assert.False(t, v.Valid)
	}
}

func TestUpsertPrices_XOMUpdateScenario(t *testing.T) {
	ctx := context.Background()
	w := openMemory(t, 500)

	_, err := w.UpsertPrices(ctx, []model.PriceBar{bar("2024-01-10", "XOM", 100, 102, 99, 101, 20_000_000)})
	require.NoError(t, err)
	_, err = w.UpsertPrices(ctx, []model.PriceBar{bar("2024-01-10", "XOM", 100, 102, 99, 101.75, 20_000_000)})
	require.NoError(t, err)

	rows, err := w.Prices(ctx, "XOM")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assertDec(t, "101.75", rows[0].Close)
	assertDec(t, "100", rows[0].Open)
	assertDec(t, "102", rows[0].High)
	assertDec(t, "99", rows[0].Low)
	assertDec(t, "20000000", rows[0].Volume)
}

func TestUpsertPrices_FailureRollsBackWholeBatch(t *testing.T) {
	ctx := context.Background()
	w := openMemory(t, 2)

	_, err := w.UpsertPrices(ctx, []model.PriceBar{bar("2024-01-08", "CVX", 10, 10, 10, 10, 100)})
	require.NoError(t, err)

	// first chunk succeeds, third chunk violates the volume check
	batch := []model.PriceBar{
		bar("2024-01-08", "CVX", 99, 99, 99, 99, 100),
		bar("2024-01-09", "CVX", 11, 11, 11, 11, 100),
		bar("2024-01-10", "CVX", 12, 12, 12, 12, 100),
		bar("2024-01-11", "CVX", 13, 13, 13, 13, 100),
		bar("2024-01-12", "CVX", 14, 14, 14, 14, -1),
	}
	n, err := w.UpsertPrices(ctx, batch)
	require.Error(t, err)
	assert.Zero(t, n)

	rows, err := w.Prices(ctx, "CVX")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assertDec(t, "10", rows[0].Close)

	// the connection is usable again after the rollback
	_, err = w.UpsertPrices(ctx, batch[:4])
	require.NoError(t, err)
	rows, err = w.Prices(ctx, "CVX")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestUpsertPrices_ChunksLargeBatch(t *testing.T) {
	ctx := context.Background()
	w := openMemory(t, 7)

	var bars []model.PriceBar
	start := day("2024-01-01")
	for i := 0; i < 50; i++ {
		b := bar("2024-01-01", "CVX", 1, 1, 1, float64(i), 1)
		b.Date = start.AddDate(0, 0, i)
		bars = append(bars, b)
	}
	n, err := w.UpsertPrices(ctx, bars)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	rows, err := w.Prices(ctx, "CVX")
	require.NoError(t, err)
	require.Len(t, rows, 50)
	assertDec(t, "49", rows[49].Close)
}

func TestUpsertPrices_Empty(t *testing.T) {
	w := openMemory(t, 500)
	n, err := w.UpsertPrices(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertForecasts(t *testing.T) {
	ctx := context.Background()
	w := openMemory(t, 500)

	rows := []model.ForecastRow{
		{Date: day("2024-03-11"), Symbol: "CVX", Open: dec("152.31"), High: dec("153.9"), Low: dec("150.02"), Close: dec("152.77"), Volume: dec("8123457.00")},
		{Date: day("2024-03-12"), Symbol: "CVX", Open: dec("152.4"), High: dec("154"), Low: dec("150.1"), Close: dec("152.8"), Volume: dec("8100001.00")},
	}
	n, err := w.UpsertForecasts(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows[0].Close = dec("160.01")
	_, err = w.UpsertForecasts(ctx, rows)
	require.NoError(t, err)

	got, err := w.Forecasts(ctx, "CVX")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day("2024-03-11"), got[0].Date)
	assert.True(t, dec("160.01").Equal(got[0].Close))
	assert.True(t, dec("8123457").Equal(got[0].Volume))
	assert.Equal(t, "CVX", got[1].Symbol)

	other, err := w.Forecasts(ctx, "XOM")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestUpsertSQL(t *testing.T) {
	pg := &postgresBackend{}
	got := upsertSQL(pg, pg.table("raw_data", "stock_prices"), 2)
	assert.Equal(t,
		`INSERT INTO "raw_data"."stock_prices" (date, symbol, open, high, low, close, volume) VALUES `+
			`($1, $2, $3, $4, $5, $6, $7), ($8, $9, $10, $11, $12, $13, $14) `+
			`ON CONFLICT (date, symbol) DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, `+
			`low = EXCLUDED.low, close = EXCLUDED.close, volume = EXCLUDED.volume`,
		got)

	lite := &sqliteBackend{}
	assert.Equal(t, `"raw_data_stock_forecasts"`, lite.table("raw_data", "stock_forecasts"))
	assert.Contains(t, upsertSQL(lite, "t", 1), "VALUES (?, ?, ?, ?, ?, ?, ?)")
}

func TestDedupe(t *testing.T) {
	recs := []record{
		{date: day("2024-01-01"), symbol: "A", values: [5]any{"1"}},
		{date: day("2024-01-01"), symbol: "B", values: [5]any{"2"}},
		{date: day("2024-01-01"), symbol: "A", values: [5]any{"3"}},
	}
	out := dedupe(recs)
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].symbol)
	assert.Equal(t, "3", out[0].values[0])
	assert.Equal(t, "B", out[1].symbol)
}

// TestPostgres runs the same upsert semantics against a real server when
// TEST_DATABASE_URL is set.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "raw_data_test_" + time.Now().Format("150405")
	w, err := OpenPostgres(ctx, dsn, Options{Schema: schema, BatchSize: 2, Migrate: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		w.backend.(*postgresBackend).pool.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		w.Close()
	})

	_, err = w.UpsertPrices(ctx, []model.PriceBar{bar("2024-01-10", "XOM", 100, 102, 99, 101, 20_000_000)})
	require.NoError(t, err)
	_, err = w.UpsertPrices(ctx, []model.PriceBar{bar("2024-01-10", "XOM", 100, 102, 99, 101.756, 20_000_000.4)})
	require.NoError(t, err)

	rows, err := w.Prices(ctx, "XOM")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assertDec(t, "101.76", rows[0].Close)
	assertDec(t, "20000000", rows[0].Volume)

	_, err = w.UpsertPrices(ctx, []model.PriceBar{
		bar("2024-01-10", "XOM", 1, 1, 1, 1, 1),
		bar("2024-01-11", "XOM", 1, 1, 1, 1, 1),
		bar("2024-01-12", "XOM", 1, 1, 1, 1, -5),
	})
	require.Error(t, err)
	rows, err = w.Prices(ctx, "XOM")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assertDec(t, "101.76", rows[0].Close)
}

package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"StockForecast/internal/model"
)

const dateLayout = "2006-01-02"

// columns is the insert order shared by both tables.
var columns = []string{"date", "symbol", "open", "high", "low", "close", "volume"}

// record is one row ready to be bound. Values are nil for SQL NULL or the
// decimal text of the rounded value.
type record struct {
	date   time.Time
	symbol string
	values [5]any
}

func (r record) key() string {
	return r.date.Format(dateLayout) + "|" + r.symbol
}

func (r record) args() []any {
	out := make([]any, 0, len(columns))
	out = append(out, r.date.Format(dateLayout), r.symbol)
	return append(out, r.values[:]...)
}

// priceRecord rounds prices to 2 places and volume to a whole number.
func priceRecord(b model.PriceBar) record {
	return record{
		date:   model.DateOf(b.Date),
		symbol: b.Symbol,
		values: [5]any{
			roundedText(b.Open, 2),
			roundedText(b.High, 2),
			roundedText(b.Low, 2),
			roundedText(b.Close, 2),
			roundedText(b.Volume, 0),
		},
	}
}

func forecastRecord(f model.ForecastRow) record {
	return record{
		date:   model.DateOf(f.Date),
		symbol: f.Symbol,
		values: [5]any{f.Open.String(), f.High.String(), f.Low.String(), f.Close.String(), f.Volume.String()},
	}
}

func roundedText(v null.Float, places int32) any {
	if !v.Valid {
		return nil
	}
	return decimal.NewFromFloat(v.Float64).Round(places).String()
}

// dedupe keeps the last record for each (date, symbol), at the position of
// its first occurrence.
func dedupe(recs []record) []record {
	index := make(map[string]int, len(recs))
	out := make([]record, 0, len(recs))
	for _, r := range recs {
		if i, ok := index[r.key()]; ok {
			out[i] = r
			continue
		}
		index[r.key()] = len(out)
		out = append(out, r)
	}
	return out
}

// upsertSQL builds a multi-row INSERT … ON CONFLICT for n records.
func upsertSQL(d dialect, table string, n int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	p := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.placeholder(p))
			p++
		}
		sb.WriteByte(')')
	}
	sb.WriteString(" ON CONFLICT (date, symbol) DO UPDATE SET ")
	for i, c := range columns[2:] {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", c, c)
	}
	return sb.String()
}

// writeBatch upserts recs into table inside one transaction, chunkSize rows
// per statement.
func writeBatch(ctx context.Context, b backend, table string, recs []record, chunkSize int) error {
	recs = dedupe(recs)
	return b.inTx(ctx, func(exec execFunc) error {
		for start := 0; start < len(recs); start += chunkSize {
			end := min(start+chunkSize, len(recs))
			chunk := recs[start:end]
			args := make([]any, 0, len(chunk)*len(columns))
			for _, r := range chunk {
				args = append(args, r.args()...)
			}
			if err := exec(ctx, upsertSQL(b, table, len(chunk)), args...); err != nil {
				return fmt.Errorf("upsert rows %d-%d into %s: %w", start, end-1, table, err)
			}
		}
		return nil
	})
}

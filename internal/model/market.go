package model

import (
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// PriceBar represents a single daily OHLCV bar as reported by the provider.
// Any numeric field may be null when the provider has no value for that day.
type PriceBar struct {
	Date   time.Time
	Symbol string
	Open   null.Float
	High   null.Float
	Low    null.Float
	Close  null.Float
	Volume null.Float
}

// ForecastRow is one projected business day for a symbol. Values are
// already rounded to 2 decimal places.
type ForecastRow struct {
	Date   time.Time
	Symbol string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// DateOf returns the calendar date of t (in t's location) at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

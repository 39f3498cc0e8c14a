package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"StockForecast/internal/arima"
	"StockForecast/internal/model"
)

// ErrNonFiniteForecast is returned when a fitted model projects NaN or ±Inf.
var ErrNonFiniteForecast = errors.New("forecast: non-finite projection")

// Forecaster projects each bar field forward with an independent ARIMA model.
type Forecaster struct {
	Order   arima.Order
	Horizon int
	Now     func() time.Time
}

// NewForecaster creates a Forecaster using the wall clock.
func NewForecaster(order arima.Order, horizon int) *Forecaster {
	return &Forecaster{Order: order, Horizon: horizon, Now: time.Now}
}

// Predict fits one model per field on bars and returns Horizon rows dated on
// the business days following the current date. Any field that cannot be
// fitted fails the whole prediction.
func (f *Forecaster) Predict(ctx context.Context, symbol string, bars []model.PriceBar) ([]model.ForecastRow, error) {
	sorted := make([]model.PriceBar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	projections := make([][]float64, len(model.Fields))
	g, gctx := errgroup.WithContext(ctx)
	for i, field := range model.Fields {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := arima.Fit(model.Series(sorted, field), f.Order)
			if err != nil {
				return fmt.Errorf("fit %s %s: %w", symbol, field, err)
			}
			out := m.Forecast(f.Horizon)
			for _, v := range out {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("%s %s: %w", symbol, field, ErrNonFiniteForecast)
				}
			}
			log.WithFields(log.Fields{
				"symbol": symbol,
				"field":  field,
				"ar":     m.AR,
				"sigma2": m.Sigma2,
			}).Debug("model fitted")
			projections[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dates := NextBusinessDays(f.Now(), f.Horizon)
	rows := make([]model.ForecastRow, f.Horizon)
	for h, date := range dates {
		rows[h] = model.ForecastRow{
			Date:   date,
			Symbol: symbol,
			Open:   roundPrice(projections[0][h]),
			High:   roundPrice(projections[1][h]),
			Low:    roundPrice(projections[2][h]),
			Close:  roundPrice(projections[3][h]),
			Volume: decimal.NewFromFloat(projections[4][h]).Ceil().Round(2),
		}
	}
	return rows, nil
}

func roundPrice(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// NextBusinessDays returns the n weekdays strictly after from's calendar date.
func NextBusinessDays(from time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := model.DateOf(from)
	for len(days) < n {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, d)
	}
	return days
}

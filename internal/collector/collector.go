package collector

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/guregu/null/v6"
	log "github.com/sirupsen/logrus"

	"StockForecast/internal/model"
)

// MockFetcher returns controllable fixed data for development and testing.
type MockFetcher struct {
	Price     float64
	DailyData map[string][]model.PriceBar
	Err       map[string]error
}

func (m *MockFetcher) Name() string { return "mock" }

func (m *MockFetcher) FetchDailyBars(_ context.Context, symbol string, start, end time.Time) ([]model.PriceBar, error) {
	if err, ok := m.Err[symbol]; ok {
		return nil, err
	}
	if bars, ok := m.DailyData[symbol]; ok {
		return append([]model.PriceBar(nil), bars...), nil
	}
	price := m.Price
	if price == 0 {
		price = 100
	}
	return generateMockBars(symbol, price, start, end), nil
}

// generateMockBars produces one bar per weekday in [start, end] as a noisy
// drifting wave seeded by the symbol, so model fits are reproducible.
func generateMockBars(symbol string, basePrice float64, start, end time.Time) []model.PriceBar {
	var seed int64
	for _, c := range symbol {
		seed = seed*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seed))

	var bars []model.PriceBar
	level := basePrice
	i := 0
	for d := model.DateOf(start); !d.After(model.DateOf(end)); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		level *= 1 + 0.001 + 0.01*rng.NormFloat64()
		p := level * (1 + 0.01*math.Sin(float64(i)/3))
		bars = append(bars, model.PriceBar{
			Date:   d,
			Symbol: symbol,
			Open:   null.FloatFrom(p * (1 + 0.003*rng.NormFloat64())),
			High:   null.FloatFrom(p * (1.005 + 0.002*rng.Float64())),
			Low:    null.FloatFrom(p * (0.995 - 0.002*rng.Float64())),
			Close:  null.FloatFrom(p),
			Volume: null.FloatFrom(math.Round(1_000_000 * (1 + 0.2*math.Sin(float64(i)/2.3) + 0.1*rng.NormFloat64()))),
		})
		i++
	}
	return bars
}

// Collector fetches the trailing window of daily bars for a symbol.
type Collector struct {
	Fetcher    Fetcher
	WindowDays int
	Now        func() time.Time
}

// NewCollector creates a new Collector.
func NewCollector(fetcher Fetcher, windowDays int) *Collector {
	return &Collector{Fetcher: fetcher, WindowDays: windowDays, Now: time.Now}
}

// Fetch returns the bars for [now - WindowDays, now]. Retrieval errors are
// wrapped and returned without retry.
func (c *Collector) Fetch(ctx context.Context, symbol string) ([]model.PriceBar, error) {
	end := c.Now()
	start := end.AddDate(0, 0, -c.WindowDays)

	bars, err := c.Fetcher.FetchDailyBars(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch daily bars from %s: %w", c.Fetcher.Name(), err)
	}
	for i := range bars {
		bars[i].Symbol = symbol
	}
	if len(bars) == 0 {
		log.WithField("symbol", symbol).Warnf("%s returned no bars for %s..%s",
			c.Fetcher.Name(), start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return bars, nil
}

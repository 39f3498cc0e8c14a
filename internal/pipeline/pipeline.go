// Package pipeline runs one fetch → store → forecast → store chain per
// symbol and, once every chain has committed, the downstream sequence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"StockForecast/internal/logging"
	"StockForecast/internal/metrics"
	"StockForecast/internal/model"
)

// Stage names recorded on failures.
const (
	StageFetch           = "fetch"
	StageUpsertPrices    = "upsert_prices"
	StageForecast        = "forecast"
	StageUpsertForecasts = "upsert_forecasts"
	StageDownstream      = "downstream"
)

// Status is the terminal state of a run.
type Status string

const (
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

// Downstream outcomes.
const (
	DownstreamSucceeded = "succeeded"
	DownstreamFailed    = "failed"
	DownstreamSkipped   = "skipped"
)

// Fetcher returns the trailing window of daily bars for a symbol.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) ([]model.PriceBar, error)
}

// Store persists prices and forecasts idempotently, returning rows written.
type Store interface {
	UpsertPrices(ctx context.Context, bars []model.PriceBar) (int, error)
	UpsertForecasts(ctx context.Context, rows []model.ForecastRow) (int, error)
}

// Predictor turns a symbol's bars into forecast rows.
type Predictor interface {
	Predict(ctx context.Context, symbol string, bars []model.PriceBar) ([]model.ForecastRow, error)
}

// Trigger runs the downstream transform → test → snapshot sequence.
type Trigger interface {
	Run(ctx context.Context) error
}

// SymbolResult is the outcome of one symbol chain. Stage is empty on success.
type SymbolResult struct {
	Symbol    string
	Stage     string
	Err       error
	Bars      int
	Forecasts int
}

// Report summarises a run.
type Report struct {
	RunID      string
	Started    time.Time
	Finished   time.Time
	Status     Status
	Symbols    []SymbolResult
	Downstream string
	Err        error
}

// Pipeline wires the per-symbol chain and the downstream trigger.
type Pipeline struct {
	Symbols     []string
	Concurrency int
	Fetcher     Fetcher
	Store       Store
	Forecaster  Predictor
	Downstream  Trigger
	NewRunID    func() string
}

// New creates a Pipeline with random run IDs.
func New(symbols []string, concurrency int, f Fetcher, s Store, p Predictor, d Trigger) *Pipeline {
	return &Pipeline{
		Symbols:     symbols,
		Concurrency: concurrency,
		Fetcher:     f,
		Store:       s,
		Forecaster:  p,
		Downstream:  d,
		NewRunID:    func() string { return uuid.NewString() },
	}
}

// Run executes one pipeline run. The returned error joins every chain
// failure, or is the downstream *transform.StageError.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	rep := &Report{RunID: p.NewRunID(), Started: time.Now()}
	logger := logging.ForRun(rep.RunID)
	logger.WithField("symbols", p.Symbols).Info("run started")

	rep.Symbols = p.runChains(ctx, logger)

	var chainErrs []error
	for _, r := range rep.Symbols {
		if r.Err != nil {
			chainErrs = append(chainErrs, r.Err)
		}
	}

	switch {
	case len(chainErrs) > 0:
		rep.Downstream = DownstreamSkipped
		rep.Err = errors.Join(chainErrs...)
		logger.Warnf("%d of %d symbol chains failed, downstream skipped", len(chainErrs), len(p.Symbols))
	case p.Downstream == nil:
		rep.Downstream = DownstreamSkipped
	default:
		start := time.Now()
		if err := p.Downstream.Run(ctx); err != nil {
			rep.Downstream = DownstreamFailed
			rep.Err = err
			metrics.ChainFailures.WithLabelValues(StageDownstream).Inc()
		} else {
			rep.Downstream = DownstreamSucceeded
		}
		metrics.ObserveStage(StageDownstream, start)
	}

	rep.Finished = time.Now()
	rep.Status = Succeeded
	if rep.Err != nil {
		rep.Status = Failed
	} else {
		metrics.LastSuccess.SetToCurrentTime()
	}
	metrics.RunsTotal.WithLabelValues(string(rep.Status)).Inc()

	entry := logger.WithFields(log.Fields{
		"status":     rep.Status,
		"downstream": rep.Downstream,
		"elapsed":    rep.Finished.Sub(rep.Started).Round(time.Millisecond),
	})
	if rep.Err != nil {
		entry.WithError(rep.Err).Error("run failed")
	} else {
		entry.Info("run succeeded")
	}
	return rep, rep.Err
}

func (p *Pipeline) runChains(ctx context.Context, logger *log.Entry) []SymbolResult {
	limit := p.Concurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	results := make([]SymbolResult, len(p.Symbols))

	var wg sync.WaitGroup
	for i, symbol := range p.Symbols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = SymbolResult{Symbol: symbol, Stage: StageFetch, Err: fmt.Errorf("%s: %w", symbol, ctx.Err())}
				return
			}
			defer func() { <-sem }()
			results[i] = p.runChain(ctx, logger.WithField("symbol", symbol), symbol)
		}()
	}
	wg.Wait()
	return results
}

// runChain is strictly sequential: a failure stops the chain at that stage.
func (p *Pipeline) runChain(ctx context.Context, logger *log.Entry, symbol string) SymbolResult {
	res := SymbolResult{Symbol: symbol}
	fail := func(stage string, err error) SymbolResult {
		res.Stage = stage
		res.Err = fmt.Errorf("%s: %s: %w", symbol, stage, err)
		metrics.ChainFailures.WithLabelValues(stage).Inc()
		logger.WithField("stage", stage).WithError(err).Error("chain failed")
		return res
	}

	start := time.Now()
	bars, err := p.Fetcher.Fetch(ctx, symbol)
	metrics.ObserveStage(StageFetch, start)
	if err != nil {
		return fail(StageFetch, err)
	}

	start = time.Now()
	n, err := p.Store.UpsertPrices(ctx, bars)
	metrics.ObserveStage(StageUpsertPrices, start)
	if err != nil {
		return fail(StageUpsertPrices, err)
	}
	res.Bars = n

	start = time.Now()
	rows, err := p.Forecaster.Predict(ctx, symbol, bars)
	metrics.ObserveStage(StageForecast, start)
	if err != nil {
		return fail(StageForecast, err)
	}

	start = time.Now()
	n, err = p.Store.UpsertForecasts(ctx, rows)
	metrics.ObserveStage(StageUpsertForecasts, start)
	if err != nil {
		return fail(StageUpsertForecasts, err)
	}
	res.Forecasts = n

	logger.WithFields(log.Fields{"bars": res.Bars, "forecasts": res.Forecasts}).Info("chain committed")
	return res
}

// Failed returns the chains that did not commit.
func (r *Report) Failed() []SymbolResult {
	var out []SymbolResult
	for _, s := range r.Symbols {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

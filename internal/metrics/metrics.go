package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_forecast_runs_total",
		Help: "Pipeline runs by terminal status",
	}, []string{"status"})

	ChainFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_forecast_chain_failures_total",
		Help: "Per-symbol chain failures by stage",
	}, []string{"stage"})

	RowsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_forecast_rows_upserted_total",
		Help: "Rows written to the warehouse by table",
	}, []string{"table"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_forecast_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
	}, []string{"stage"})

	LastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stock_forecast_last_success_timestamp_seconds",
		Help: "Unix time of the last fully successful run",
	})
)

// ObserveStage records how long a stage took since start.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

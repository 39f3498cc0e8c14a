package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"StockForecast/internal/collector"
	"StockForecast/internal/config"
	"StockForecast/internal/forecast"
	"StockForecast/internal/logging"
	"StockForecast/internal/metrics"
	"StockForecast/internal/notifier"
	"StockForecast/internal/pipeline"
	"StockForecast/internal/scheduler"
	"StockForecast/internal/transform"
	"StockForecast/internal/warehouse"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("load .env: %v", err)
	}

	// Load config
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	log.Info("StockForecast starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init fetcher
	var fetcher collector.Fetcher
	switch cfg.DataSource.Provider {
	case "rest":
		fetcher = collector.NewRESTFetcher(cfg.DataSource.BaseURL, cfg.DataSource.APIKey, cfg.Proxy)
	case "mock":
		fetcher = &collector.MockFetcher{}
	default:
		fetcher = collector.NewYahooFetcher(cfg.Proxy)
	}
	log.Infof("data source: %s", fetcher.Name())
	col := collector.NewCollector(fetcher, cfg.WindowDays)

	// Init warehouse
	wh, err := warehouse.Open(ctx, cfg.Warehouse)
	if err != nil {
		log.Fatalf("open warehouse: %v", err)
	}
	defer wh.Close()
	log.Infof("warehouse: %s", cfg.Warehouse.Driver)

	// Downstream stages
	stages := make([]transform.Stage, 0, len(cfg.Transform.Stages))
	for _, s := range cfg.Transform.Stages {
		stages = append(stages, transform.Stage{Name: s.Name, Command: s.Command})
	}
	runner := transform.NewRunner(cfg.Transform.Workdir, cfg.Transform.Timeout, stages)

	p := pipeline.New(cfg.Symbols, cfg.Concurrency, col, wh, forecast.NewForecaster(cfg.ARIMA, cfg.Horizon), runner)

	// Init notifier
	var n notifier.Notifier = notifier.Noop{}
	var tn *notifier.TelegramNotifier
	if cfg.TelegramEnabled() {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy)
		n = tn
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	sched := scheduler.NewScheduler(ctx, p, n, cfg.Schedule.RunTimeout)

	if os.Getenv("RUN_ONCE") == "true" {
		rep, err := sched.RunNow()
		if err != nil || rep == nil || rep.Status != pipeline.Succeeded {
			log.Errorf("run failed: %v", err)
			wh.Close()
			os.Exit(1)
		}
		log.Infof("run %s succeeded", rep.RunID)
		return
	}

	if err := sched.Register(cfg.Schedule.Cron); err != nil {
		log.Fatalf("register cron task: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	if tn != nil {
		go tn.StartPolling(ctx, sched.HandleCommand)
		log.Info("Telegram polling started")
	}

	if os.Getenv("RUN_ON_START") == "true" {
		log.Info("RUN_ON_START enabled, executing pipeline now")
		sched.RunAsync("startup")
	}

	log.Infof("StockForecast is running on %q. Press Ctrl+C to stop.", cfg.Schedule.Cron)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping...")
	cancel()
}

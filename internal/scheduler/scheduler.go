package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"StockForecast/internal/notifier"
	"StockForecast/internal/pipeline"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Report, error)
}

// Scheduler triggers the daily pipeline run and answers chat commands.
type Scheduler struct {
	Cron       *cron.Cron
	Pipeline   Runner
	Notifier   notifier.Notifier
	RunTimeout time.Duration
	Ctx        context.Context

	mu      sync.Mutex
	running bool
	last    *pipeline.Report
}

// NewScheduler creates a new Scheduler. Cron ticks that arrive while the
// previous run is still active are skipped.
func NewScheduler(ctx context.Context, p Runner, n notifier.Notifier, runTimeout time.Duration) *Scheduler {
	logger := cron.PrintfLogger(log.StandardLogger())
	return &Scheduler{
		Cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(logger))),
		Pipeline:   p,
		Notifier:   n,
		RunTimeout: runTimeout,
		Ctx:        ctx,
	}
}

// Register adds the daily pipeline job.
func (s *Scheduler) Register(dailyCron string) error {
	if _, err := s.Cron.AddFunc(dailyCron, s.dailyTask); err != nil {
		return fmt.Errorf("register daily task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Info("scheduler started")
}

// Stop stops the cron scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Info("scheduler stopped")
}

func (s *Scheduler) dailyTask() {
	log.Info("running daily pipeline")
	if _, err := s.RunNow(); errors.Is(err, ErrRunInProgress) {
		log.Warn("daily tick skipped: run in progress")
	}
}

// RunNow executes one pipeline run with the configured timeout, keeps the
// report for /last and sends it to the notifier.
func (s *Scheduler) RunNow() (*pipeline.Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx := s.Ctx
	if s.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RunTimeout)
		defer cancel()
	}

	rep, err := s.Pipeline.Run(ctx)
	if rep != nil {
		s.mu.Lock()
		s.last = rep
		s.mu.Unlock()
		s.trySend(notifier.FormatRunReport(rep))
	}
	return rep, err
}

// RunAsync starts RunNow in the background and logs its error, if any.
func (s *Scheduler) RunAsync(trigger string) {
	go func() {
		if _, err := s.RunNow(); err != nil {
			log.Warnf("%s run: %v", trigger, err)
		}
	}()
}

// Last returns the most recent report, or nil before the first run.
func (s *Scheduler) Last() *pipeline.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// HandleCommand processes a user command and returns a reply.
func (s *Scheduler) HandleCommand(_ context.Context, command string) string {
	switch command {
	case "/run":
		s.mu.Lock()
		busy := s.running
		s.mu.Unlock()
		if busy {
			return "⏳ " + ErrRunInProgress.Error()
		}
		s.RunAsync("manual")
		return "🚀 pipeline run started"
	case "/last":
		rep := s.Last()
		if rep == nil {
			return "no run has completed yet"
		}
		return notifier.FormatRunReport(rep)
	default:
		return "Available commands:\n• /run: start a pipeline run now\n• /last: show the last run report"
	}
}

func (s *Scheduler) trySend(text string) {
	if err := s.Notifier.SendWithRetry(s.Ctx, text, 3); err != nil {
		log.Errorf("send notification: %v", err)
	}
}

package transform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"StockForecast/internal/metrics"
)

// Stage is one external command in the downstream sequence.
type Stage struct {
	Name    string
	Command []string
}

// StageError reports which downstream stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("downstream stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Runner executes stages strictly in order in Workdir.
type Runner struct {
	Workdir string
	Timeout time.Duration // per stage; zero means no limit beyond ctx
	Stages  []Stage
	Env     []string // appended to the inherited environment
}

// NewRunner creates a Runner for stages.
func NewRunner(workdir string, timeout time.Duration, stages []Stage) *Runner {
	return &Runner{Workdir: workdir, Timeout: timeout, Stages: stages}
}

// Run executes every stage, stopping at the first failure.
func (r *Runner) Run(ctx context.Context) error {
	for _, st := range r.Stages {
		start := time.Now()
		err := r.runStage(ctx, st)
		metrics.ObserveStage(st.Name, start)
		if err != nil {
			return &StageError{Stage: st.Name, Err: err}
		}
		log.WithFields(log.Fields{
			"stage":   st.Name,
			"elapsed": time.Since(start).Round(time.Millisecond),
		}).Info("downstream stage finished")
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, st Stage) error {
	if len(st.Command) == 0 {
		return errors.New("empty command")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	entry := log.WithField("stage", st.Name)
	entry.Infof("running %s", strings.Join(st.Command, " "))

	stdout := entry.WriterLevel(log.InfoLevel)
	defer stdout.Close()
	stderr := entry.WriterLevel(log.WarnLevel)
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, st.Command[0], st.Command[1:]...)
	cmd.Dir = r.Workdir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// grandchildren may keep the output pipes open after a kill
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}
	return nil
}

package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"StockForecast/internal/pipeline"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context) (*pipeline.Report, error) {
	args := m.Called(ctx)
	rep, _ := args.Get(0).(*pipeline.Report)
	return rep, args.Error(1)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) SendWithRetry(_ context.Context, text string, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return nil
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func report(id string, status pipeline.Status) *pipeline.Report {
	now := time.Now()
	return &pipeline.Report{RunID: id, Started: now, Finished: now, Status: status, Downstream: pipeline.DownstreamSucceeded}
}

func TestRunNow_StoresAndNotifies(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything).Return(report("run-1", pipeline.Succeeded), nil).Once()
	n := &recordingNotifier{}

	s := NewScheduler(context.Background(), runner, n, time.Minute)
	rep, err := s.RunNow()
	require.NoError(t, err)
	assert.Equal(t, "run-1", rep.RunID)
	assert.Same(t, rep, s.Last())

	msgs := n.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "run-1")
	runner.AssertExpectations(t)
}

func TestRunNow_AppliesTimeout(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything).Return(report("run-2", pipeline.Failed), errors.New("boom")).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
		})

	s := NewScheduler(context.Background(), runner, &recordingNotifier{}, time.Minute)
	_, err := s.RunNow()
	assert.EqualError(t, err, "boom")
	assert.Equal(t, pipeline.Failed, s.Last().Status)
}

func TestRunNow_RejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := &mockRunner{}
	runner.On("Run", mock.Anything).Return(report("slow", pipeline.Succeeded), nil).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Once()

	s := NewScheduler(context.Background(), runner, &recordingNotifier{}, 0)
	done := make(chan struct{})
	go func() {
		s.RunNow()
		close(done)
	}()
	<-started

	_, err := s.RunNow()
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Contains(t, s.HandleCommand(context.Background(), "/run"), "already in progress")

	close(release)
	<-done
	runner.AssertExpectations(t)
}

func TestRunAsync_LogsRejectedRun(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	release := make(chan struct{})
	started := make(chan struct{})
	runner := &mockRunner{}
	runner.On("Run", mock.Anything).Return(report("busy", pipeline.Succeeded), nil).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Once()

	s := NewScheduler(context.Background(), runner, &recordingNotifier{}, 0)
	s.RunAsync("manual")
	<-started

	s.RunAsync("startup")
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if strings.Contains(e.Message, "startup run: "+ErrRunInProgress.Error()) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return s.Last() != nil }, 2*time.Second, 10*time.Millisecond)
	runner.AssertExpectations(t)
}

func TestHandleCommand(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything).Return(report("cmd-run", pipeline.Succeeded), nil).Once()
	n := &recordingNotifier{}
	s := NewScheduler(context.Background(), runner, n, 0)

	assert.Equal(t, "no run has completed yet", s.HandleCommand(context.Background(), "/last"))
	assert.True(t, strings.HasPrefix(s.HandleCommand(context.Background(), "/help"), "Available commands"))

	assert.Contains(t, s.HandleCommand(context.Background(), "/run"), "started")
	require.Eventually(t, func() bool { return s.Last() != nil }, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, s.HandleCommand(context.Background(), "/last"), "cmd-run")
	runner.AssertExpectations(t)
}

func TestRegister(t *testing.T) {
	s := NewScheduler(context.Background(), &mockRunner{}, &recordingNotifier{}, 0)
	require.NoError(t, s.Register("0 31 0 * * *"))
	assert.Len(t, s.Cron.Entries(), 1)
	assert.Error(t, s.Register("31 0 * *"))
}

package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StockForecast/internal/pipeline"
	"StockForecast/internal/transform"
)

func newTestNotifier(url string) *TelegramNotifier {
	n := NewTelegramNotifier("token", "42", "")
	n.APIBase = url
	n.InitialInterval = time.Millisecond
	return n
}

func TestSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestNotifier(srv.URL).Send(context.Background(), "hello"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "hello", got["text"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestSendWithRetry_RecoversFromServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestNotifier(srv.URL).SendWithRetry(context.Background(), "report", 3))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendWithRetry_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL).SendWithRetry(context.Background(), "report", 2)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendWithRetry_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL).SendWithRetry(context.Background(), "report", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStartPolling_DispatchesCommands(t *testing.T) {
	var mu sync.Mutex
	var replies []string
	served := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			mu.Lock()
			first := !served
			served = true
			mu.Unlock()
			if first {
				w.Write([]byte(`{"ok":true,"result":[
					{"update_id":7,"message":{"text":" /last ","chat":{"id":42}}},
					{"update_id":8,"message":{"text":"/run","chat":{"id":99}}}
				]}`))
				return
			}
			w.Write([]byte(`{"ok":true,"result":[]}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			replies = append(replies, body["text"])
			mu.Unlock()
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var handled []string
	go func() {
		newTestNotifier(srv.URL).StartPolling(ctx, func(_ context.Context, cmd string) string {
			handled = append(handled, cmd)
			return "reply to " + cmd
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"/last"}, handled)
	assert.Equal(t, []string{"reply to /last"}, replies)
}

func TestFormatRunReport(t *testing.T) {
	start := time.Date(2024, 3, 8, 0, 31, 0, 0, time.UTC)
	rep := &pipeline.Report{
		RunID:    "abc-123",
		Started:  start,
		Finished: start.Add(42 * time.Second),
		Status:   pipeline.Failed,
		Symbols: []pipeline.SymbolResult{
			{Symbol: "CVX", Bars: 62, Forecasts: 7},
			{Symbol: "XOM", Stage: pipeline.StageFetch, Err: errors.New("XOM: fetch: status <500>")},
		},
		Downstream: pipeline.DownstreamSkipped,
	}

	msg := FormatRunReport(rep)
	assert.Contains(t, msg, "❌")
	assert.Contains(t, msg, "abc-123")
	assert.Contains(t, msg, "CVX: 62 bars, 7 forecast rows")
	assert.Contains(t, msg, "XOM: failed at fetch")
	assert.Contains(t, msg, "status &lt;500&gt;")
	assert.Contains(t, msg, "Downstream: skipped")
}

func TestFormatRunReport_DownstreamFailure(t *testing.T) {
	rep := &pipeline.Report{
		RunID:      "r",
		Status:     pipeline.Failed,
		Downstream: pipeline.DownstreamFailed,
		Err:        &transform.StageError{Stage: "snapshot", Err: errors.New("exit status 2")},
	}
	msg := FormatRunReport(rep)
	assert.Contains(t, msg, "Downstream: failed")
	assert.Contains(t, msg, "downstream stage snapshot: exit status 2")
}

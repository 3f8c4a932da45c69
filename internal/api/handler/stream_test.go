package handler_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/kiranshivaraju/calcqueue/internal/api/handler"
	"github.com/kiranshivaraju/calcqueue/internal/compute/mock"
	"github.com/kiranshivaraju/calcqueue/internal/config"
	"github.com/kiranshivaraju/calcqueue/internal/jobs"
	"github.com/kiranshivaraju/calcqueue/internal/notify"
	"github.com/kiranshivaraju/calcqueue/internal/progress"
	"github.com/kiranshivaraju/calcqueue/internal/store"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type streamEnv struct {
	srv      *httptest.Server
	svc      *jobs.Service
	notifier *notify.Notifier
}

func newStreamEnv(t *testing.T, feed store.ChangeFeed, st store.Store) *streamEnv {
	t.Helper()
	logger := testLogger()

	n, err := notify.New(feed, config.NotifierConfig{SetupTimeout: 50 * time.Millisecond, BufferSize: 16}, logger)
	require.NoError(t, err)

	svc := jobs.NewService(st, nil, mock.NewMockComputer(),
		config.RunnerConfig{DispatchMode: config.DispatchConcurrent, MaxConcurrency: 4}, logger)
	poller := progress.NewPoller(svc, 10*time.Millisecond, logger)

	r := chi.NewRouter()
	r.Get("/stream", handler.NewStreamHandler(n, logger))
	r.Get("/ws", handler.NewWebSocketHandler(n, logger))
	r.Get("/watch", handler.NewWatchHandler(poller, logger))
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		n.Close()
		srv.Close()
		_ = svc.Shutdown(context.Background())
	})
	return &streamEnv{srv: srv, svc: svc, notifier: n}
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses event-stream frames until the body ends or n events arrive.
func readEvents(t *testing.T, body io.Reader, n int) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.data != "" {
				out = append(out, cur)
				if len(out) == n {
					return out
				}
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func waitSubscribers(t *testing.T, n *notify.Notifier, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.Subscribers() == want && n.Active()
	}, 2*time.Second, 5*time.Millisecond)
}

var wantResults = map[models.Operation]float64{
	models.OperationSum:        4,
	models.OperationDifference: 0,
	models.OperationProduct:    4,
	models.OperationDivision:   1,
}

func TestStream_PushesFourCompletedMessages(t *testing.T) {
	st := store.NewMemoryStore()
	env := newStreamEnv(t, st, st)

	resp, err := http.Get(env.srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitSubscribers(t, env.notifier, 1)
	_, err = env.svc.Submit(context.Background(), "2", "2")
	require.NoError(t, err)

	events := readEvents(t, resp.Body, 4)
	require.Len(t, events, 4)

	got := map[models.Operation]float64{}
	for _, ev := range events {
		assert.Empty(t, ev.name)
		var msg models.StreamMessage
		require.NoError(t, json.Unmarshal([]byte(ev.data), &msg))
		require.Len(t, msg, 1)
		for op, entry := range msg {
			assert.Equal(t, models.JobStatusCompleted, entry.Status)
			require.NotNil(t, entry.Result)
			got[op] = *entry.Result
		}
	}
	assert.Equal(t, wantResults, got)
}

// stuckFeed never confirms its subscription.
type stuckFeed struct{}

func (stuckFeed) Listen(ctx context.Context, _ func(), _ func(models.JobChange)) error {
	<-ctx.Done()
	return nil
}

func TestStream_SetupTimeoutSendsErrorEvent(t *testing.T) {
	env := newStreamEnv(t, stuckFeed{}, store.NewMemoryStore())

	resp, err := http.Get(env.srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(t, resp.Body, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].name)
	assert.Contains(t, events[0].data, notify.ErrSubscribeTimeout.Error())
}

func TestStream_ClosedNotifierEndsStream(t *testing.T) {
	st := store.NewMemoryStore()
	env := newStreamEnv(t, st, st)

	resp, err := http.Get(env.srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	waitSubscribers(t, env.notifier, 1)
	env.notifier.Close()

	events := readEvents(t, resp.Body, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].name)
	assert.Contains(t, events[0].data, notify.ErrNotifierClosed.Error())
}

func TestWebSocket_PushesFourCompletedMessages(t *testing.T) {
	st := store.NewMemoryStore()
	env := newStreamEnv(t, st, st)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(env.srv.URL, "http")+"/ws")
	require.NoError(t, err)
	defer conn.Close()

	waitSubscribers(t, env.notifier, 1)
	_, err = env.svc.Submit(context.Background(), "2", "2")
	require.NoError(t, err)

	got := map[models.Operation]float64{}
	for len(got) < 4 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		data, err := wsutil.ReadServerText(conn)
		require.NoError(t, err)

		var msg models.StreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		for op, entry := range msg {
			got[op] = *entry.Result
		}
	}
	assert.Equal(t, wantResults, got)

	env.notifier.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = wsutil.ReadServerText(conn)
	var closed wsutil.ClosedError
	require.True(t, errors.As(err, &closed), "expected close frame, got %v", err)
	assert.Equal(t, ws.StatusInternalServerError, closed.Code)
	assert.Contains(t, closed.Reason, notify.ErrNotifierClosed.Error())
}

func TestWebSocket_ClientDisconnectReleases(t *testing.T) {
	st := store.NewMemoryStore()
	env := newStreamEnv(t, st, st)

	conn, _, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(env.srv.URL, "http")+"/ws")
	require.NoError(t, err)
	waitSubscribers(t, env.notifier, 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return env.notifier.Subscribers() == 0 && !env.notifier.Active()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatch_StreamsSnapshotsUntilDone(t *testing.T) {
	st := store.NewMemoryStore()
	env := newStreamEnv(t, st, st)

	res, err := env.svc.Submit(context.Background(), "6", "0")
	require.NoError(t, err)

	ids := make([]string, len(res.JobIDs))
	for i, id := range res.JobIDs {
		ids[i] = id.String()
	}

	resp, err := http.Get(env.srv.URL + "/watch?ids=" + strings.Join(ids, ","))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp.Body, -1)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, "done", last.name)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, "snapshot", ev.name)
	}

	var summary struct {
		Completed bool                               `json:"completed"`
		Progress  map[models.Operation]models.Update `json:"progress"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.data), &summary))
	assert.True(t, summary.Completed)
	require.Len(t, summary.Progress, 4)

	// 6 / 0 is not finite, so division fails and its siblings complete.
	assert.Equal(t, models.JobStatusFailed, summary.Progress[models.OperationDivision].Status)
	assert.Nil(t, summary.Progress[models.OperationDivision].Result)
	assert.Equal(t, 6.0, *summary.Progress[models.OperationSum].Result)
}

func TestWatch_RejectsBadIDs(t *testing.T) {
	st := store.NewMemoryStore()
	env := newStreamEnv(t, st, st)

	for _, q := range []string{"", "?ids=", "?ids=nope"} {
		resp, err := http.Get(env.srv.URL + "/watch" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

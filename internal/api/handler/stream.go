package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/internal/api/response"
	"github.com/kiranshivaraju/calcqueue/internal/jobs"
	"github.com/kiranshivaraju/calcqueue/internal/notify"
	"github.com/kiranshivaraju/calcqueue/internal/progress"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// streamHeartbeat keeps idle stream connections from being reaped by proxies.
const streamHeartbeat = 15 * time.Second

// maxCloseReason is the longest close-frame reason a control frame can carry.
const maxCloseReason = 123

// Subscriber hands out attachments to the shared completed-job feed.
type Subscriber interface {
	Acquire(ctx context.Context) (*notify.Subscription, error)
}

// Watcher starts server-side poll loops.
type Watcher interface {
	Watch(ctx context.Context, ids []uuid.UUID) *progress.Watch
}

type streamError struct {
	Error string `json:"error"`
}

type watchSummary struct {
	Completed   bool                `json:"completed"`
	Progress    models.ProgressView `json:"progress"`
	FailedPolls int                 `json:"failed_polls"`
}

// NewStreamHandler returns an http.HandlerFunc for GET /api/v1/progress/stream. Each
// completed job is sent as one event-stream data line. The response headers are only sent
// once the observer is attached, so a connected client misses nothing committed after
// that point. If the feed cannot be joined or drops, a final "error" event is sent and
// the stream ends.
func NewStreamHandler(sub Subscriber, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Streaming unsupported", nil)
			return
		}

		s, err := sub.Acquire(r.Context())
		if err != nil {
			if r.Context().Err() == nil {
				logger.Warn("stream subscribe failed", "error", err)
				startEventStream(w, flusher)
				_ = writeEvent(w, flusher, "error", streamError{Error: err.Error()})
			}
			return
		}
		defer s.Release()

		startEventStream(w, flusher)
		logger.Info("stream observer attached", "subscriber_id", s.ID())

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case msg, ok := <-s.C():
				if !ok {
					if err := s.Err(); err != nil {
						_ = writeEvent(w, flusher, "error", streamError{Error: err.Error()})
					}
					return
				}
				if err := writeEvent(w, flusher, "", msg); err != nil {
					return
				}
			}
		}
	}
}

// NewWebSocketHandler returns an http.HandlerFunc for GET /api/v1/progress/ws. Payloads
// match the event stream, one text frame per completed job. As with the event stream the
// upgrade completes only after the observer is attached. Feed errors end the connection
// with a close frame carrying the reason.
func NewWebSocketHandler(sub Subscriber, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, subErr := sub.Acquire(r.Context())
		if subErr != nil && r.Context().Err() != nil {
			return
		}
		if s != nil {
			defer s.Release()
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Time{})
		out := &wsConn{conn: conn}

		if subErr != nil {
			logger.Warn("websocket subscribe failed", "error", subErr)
			out.close(ws.StatusInternalServerError, subErr.Error())
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Client frames are not part of the protocol; reading only detects disconnects
		// and answers control frames.
		go func() {
			defer cancel()
			_ = out.readLoop(conn)
		}()

		logger.Info("websocket observer attached", "subscriber_id", s.ID())

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if err := out.writeFrame(ws.OpPing, nil); err != nil {
					return
				}
			case msg, ok := <-s.C():
				if !ok {
					if err := s.Err(); err != nil {
						out.close(ws.StatusInternalServerError, err.Error())
					} else {
						out.close(ws.StatusNormalClosure, "")
					}
					return
				}
				data, err := json.Marshal(msg)
				if err != nil {
					logger.Error("encoding stream message", "error", err)
					continue
				}
				if err := out.writeFrame(ws.OpText, data); err != nil {
					return
				}
			}
		}
	}
}

// wsConn is the server side of a WebSocket connection. Frames from the handler and
// control replies from the read loop share mu, so no two frames interleave on the wire.
type wsConn struct {
	mu   sync.Mutex
	conn io.Writer
}

func (c *wsConn) writeFrame(op ws.OpCode, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.WriteFrame(c.conn, ws.NewFrame(op, true, payload))
}

// close sends a close frame. The reason is truncated to fit a control frame.
func (c *wsConn) close(code ws.StatusCode, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

// readLoop consumes client frames until the connection fails or the client closes it.
// Data frames are discarded. Each control reply is built in memory and written whole.
func (c *wsConn) readLoop(src io.Reader) error {
	control := func(hdr ws.Header, r io.Reader) error {
		var reply bytes.Buffer
		err := wsutil.ControlHandler{
			Src:                 r,
			Dst:                 &reply,
			State:               ws.StateServerSide,
			DisableSrcCiphering: true,
		}.Handle(hdr)
		if reply.Len() > 0 {
			c.mu.Lock()
			_, werr := c.conn.Write(reply.Bytes())
			c.mu.Unlock()
			if err == nil {
				err = werr
			}
		}
		return err
	}

	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return err
		}
	}
}

// NewWatchHandler returns an http.HandlerFunc for GET /api/v1/progress/watch?ids=a,b.
// The server polls on the client's behalf and sends a "snapshot" event after every
// successful poll and one "done" event when polling stops.
func NewWatchHandler(p Watcher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := parseIDs(splitIDs(r.URL.Query().Get("ids")))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, err.Error(), nil)
			return
		}
		if len(ids) == 0 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "ids is required", nil)
			return
		}
		if len(ids) > jobs.MaxUpdateIDs {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput,
				fmt.Sprintf("at most %d job ids per watch", jobs.MaxUpdateIDs), nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Streaming unsupported", nil)
			return
		}
		startEventStream(w, flusher)

		watch := p.Watch(r.Context(), ids)
		defer watch.Stop()

		for view := range watch.Updates() {
			if err := writeEvent(w, flusher, "snapshot", view); err != nil {
				return
			}
		}
		if r.Context().Err() != nil {
			return
		}

		view, completed := watch.Result()
		failed, _ := watch.Errors()
		logger.Info("progress watch finished", "job_count", len(ids), "completed", completed, "failed_polls", failed)
		_ = writeEvent(w, flusher, "done", watchSummary{Completed: completed, Progress: view, FailedPolls: failed})
	}
}

func startEventStream(w http.ResponseWriter, flusher http.Flusher) {
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

// writeEvent writes one event-stream frame. An empty event name sends a plain data frame.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

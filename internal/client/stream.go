package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// ErrStop may be returned by a stream callback to end the stream without an error.
var ErrStop = errors.New("stop streaming")

// errStreamEnded is returned when the server closes a stream cleanly. Streams have no
// natural end, so it is treated as a dropped connection.
var errStreamEnded = errors.New("stream ended by server")

// callbackError carries an error returned by a MessageFunc so it is never retried.
type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// StreamError is a terminal error reported by the server inside a stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "stream error from server: " + e.Message
}

// MessageFunc receives each completed-job message. Returning ErrStop ends the stream
// cleanly; any other error ends it with that error.
type MessageFunc func(models.StreamMessage) error

// Stream follows the server's completed-job event stream until ctx is done or fn
// returns an error. Dropped connections and server-side stream errors are retried with
// exponential backoff; the attempt budget resets whenever a message arrives.
func (c *Client) Stream(ctx context.Context, fn MessageFunc) error {
	return c.withReconnect(ctx, "sse", fn, c.streamSSE)
}

// StreamWS is Stream over the WebSocket endpoint.
func (c *Client) StreamWS(ctx context.Context, fn MessageFunc) error {
	return c.withReconnect(ctx, "websocket", fn, c.streamWS)
}

type streamOnce func(ctx context.Context, fn MessageFunc, received func()) error

func (c *Client) withReconnect(ctx context.Context, transport string, fn MessageFunc, once streamOnce) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialBackoff
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, c.maxReconnects), ctx)

	wrapped := func(msg models.StreamMessage) error {
		if err := fn(msg); err != nil {
			return &callbackError{err: err}
		}
		return nil
	}

	op := func() error {
		err := once(ctx, wrapped, b.Reset)
		var cb *callbackError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &cb):
			return backoff.Permanent(cb.err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case isClientError(err):
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("stream disconnected, reconnecting",
			"transport", transport, "error", err, "retry_in", next)
	}

	err := backoff.RetryNotify(op, b, notify)
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

// isClientError is true for 4xx responses, which a retry cannot fix.
func isClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}

func (c *Client) streamSSE(ctx context.Context, fn MessageFunc, received func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/progress/stream", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	c.logger.Debug("stream connected", "transport", "sse")
	c.onConnect("sse")

	var event, data string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data == "" {
				event = ""
				continue
			}
			if err := dispatchSSE(event, data, fn, received); err != nil {
				return err
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return errStreamEnded
}

func dispatchSSE(event, data string, fn MessageFunc, received func()) error {
	if event == "error" {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &body); err != nil || body.Error == "" {
			body.Error = data
		}
		return &StreamError{Message: body.Error}
	}

	var msg models.StreamMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return fmt.Errorf("decoding stream message: %w", err)
	}
	received()
	return fn(msg)
}

func (c *Client) streamWS(ctx context.Context, fn MessageFunc, received func()) error {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/progress/ws"

	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()
	c.logger.Debug("stream connected", "transport", "websocket")
	c.onConnect("websocket")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				if closed.Code == ws.StatusNormalClosure {
					return errStreamEnded
				}
				return &StreamError{Message: closed.Reason}
			}
			return fmt.Errorf("reading websocket: %w", err)
		}

		var msg models.StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decoding stream message: %w", err)
		}
		received()
		if err := fn(msg); err != nil {
			return err
		}
	}
}

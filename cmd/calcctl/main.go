// Command calcctl submits an operand pair to a calcqueue server and follows the four
// resulting jobs, either by polling or over the push stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/internal/client"
	"github.com/kiranshivaraju/calcqueue/internal/progress"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

const (
	modePoll   = "poll"
	modeStream = "stream"
	modeWS     = "ws"
)

type options struct {
	server   string
	a, b     string
	mode     string
	timeout  time.Duration
	interval time.Duration
	verbose  bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "calcctl:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("calcctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.server, "server", "http://localhost:8080", "calcqueue server base URL")
	fs.StringVar(&opts.a, "a", "", "first operand")
	fs.StringVar(&opts.b, "b", "", "second operand")
	fs.StringVar(&opts.mode, "mode", modeStream, "how to follow the jobs: poll, stream or ws")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up after this long")
	fs.DurationVar(&opts.interval, "interval", time.Second, "poll interval in poll mode")
	fs.BoolVar(&opts.verbose, "v", false, "log client activity to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.a == "" || opts.b == "" {
		err := errors.New("both -a and -b are required")
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return nil, err
	}
	switch opts.mode {
	case modePoll, modeStream, modeWS:
	default:
		err := fmt.Errorf("-mode must be one of poll, stream, ws; got %q", opts.mode)
		fmt.Fprintln(stderr, err)
		return nil, err
	}
	return opts, nil
}

func run(ctx context.Context, opts *options, out io.Writer, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if opts.mode == modePoll {
		c := client.New(opts.server, client.WithLogger(logger))
		return poll(ctx, c, opts, out, logger)
	}
	return stream(ctx, opts, out, logger)
}

func poll(ctx context.Context, c *client.Client, opts *options, out io.Writer, logger *slog.Logger) error {
	res, err := c.Submit(ctx, opts.a, opts.b)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	printSubmitted(out, res.JobIDs)

	w := progress.NewPoller(c, opts.interval, logger).Watch(ctx, res.JobIDs)
	defer w.Stop()

	for v := range w.Updates() {
		fmt.Fprintf(out, "poll: %d/%d terminal\n", terminalCount(v), len(res.JobIDs))
	}

	view, done := w.Result()
	printView(out, view)
	if !done {
		if n, lastErr := w.Errors(); n > 0 {
			return fmt.Errorf("jobs not finished before timeout (%d failed polls, last: %v)", n, lastErr)
		}
		return errors.New("jobs not finished before timeout")
	}
	return nil
}

// stream attaches to the push stream first, then submits, and stops once every operation
// has reported completed. Failed jobs are never pushed, so on timeout the final state is
// read back once to show them.
func stream(ctx context.Context, opts *options, out io.Writer, logger *slog.Logger) error {
	connected := make(chan struct{})
	var once sync.Once
	c := client.New(opts.server,
		client.WithLogger(logger),
		client.WithConnectHook(func(string) { once.Do(func() { close(connected) }) }),
	)

	follow := c.Stream
	if opts.mode == modeWS {
		follow = c.StreamWS
	}

	seen := make(map[models.Operation]models.StreamEntry, len(models.Operations))
	errCh := make(chan error, 1)
	go func() {
		errCh <- follow(ctx, func(msg models.StreamMessage) error {
			for op, entry := range msg {
				seen[op] = entry
				fmt.Fprintf(out, "stream: %s %s %s\n", op, entry.Status, formatResult(entry.Result))
			}
			if len(seen) >= len(models.Operations) {
				return client.ErrStop
			}
			return nil
		})
	}()

	select {
	case <-connected:
	case err := <-errCh:
		return fmt.Errorf("connect stream: %w", err)
	}

	res, err := c.Submit(ctx, opts.a, opts.b)
	if err != nil {
		// The stream goroutine ends when run cancels ctx.
		return fmt.Errorf("submit: %w", err)
	}
	printSubmitted(out, res.JobIDs)

	err = <-errCh
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("stream: %w", err)
	}

	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates, fetchErr := c.FetchUpdates(readCtx, res.JobIDs)
	if fetchErr != nil {
		return fmt.Errorf("stream timed out with %d/%d completed; reading final state: %w",
			len(seen), len(models.Operations), fetchErr)
	}
	view := models.ProgressView{}
	for _, u := range updates {
		view[u.Operation] = u
	}
	printView(out, view)
	if !view.Terminal() || len(view) < len(models.Operations) {
		return fmt.Errorf("stream timed out with %d/%d completed", len(seen), len(models.Operations))
	}
	return nil
}

func terminalCount(v models.ProgressView) int {
	n := 0
	for _, u := range v {
		if u.Status.Terminal() {
			n++
		}
	}
	return n
}

func printSubmitted(out io.Writer, ids []uuid.UUID) {
	fmt.Fprintf(out, "submitted %d jobs\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(out, "  %s\n", id)
	}
}

func printView(out io.Writer, v models.ProgressView) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tSTATUS\tRESULT")
	for _, op := range models.Operations {
		u, ok := v[op]
		if !ok {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", op, "unknown", "-")
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", op, u.Status, formatResult(u.Result))
	}
	tw.Flush()
}

func formatResult(r *float64) string {
	if r == nil {
		return "-"
	}
	return strconv.FormatFloat(*r, 'g', -1, 64)
}

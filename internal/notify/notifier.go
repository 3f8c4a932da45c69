// Package notify fans completed-job changes out to any number of stream observers over a
// single shared change-feed subscription.
//
// The shared subscription is reference counted: the first Acquire starts it and waits for
// the feed to confirm, later acquirers attach to it, and the last Release tears it down.
// The next Acquire after a teardown or a feed failure starts a fresh one.
//
// Only completed jobs are published. A job that fails is never pushed, so an observer
// relying on the stream alone does not learn about failures.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/calcqueue/internal/config"
	"github.com/kiranshivaraju/calcqueue/internal/store"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
	"github.com/teris-io/shortid"
)

var (
	ErrSubscribeTimeout = errors.New("change feed did not confirm subscription in time")
	ErrFeedClosed       = errors.New("change feed closed")
	ErrNotifierClosed   = errors.New("notifier closed")
)

// Notifier owns the process-wide change-feed subscription.
type Notifier struct {
	feed         store.ChangeFeed
	setupTimeout time.Duration
	bufferSize   int
	logger       *slog.Logger
	ids          *shortid.Shortid

	mu     sync.Mutex
	subs   map[string]*Subscription
	shared *sharedFeed
	closed bool
}

// sharedFeed is one running Listen call.
type sharedFeed struct {
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	err    error
}

func New(feed store.ChangeFeed, cfg config.NotifierConfig, logger *slog.Logger) (*Notifier, error) {
	ids, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("creating subscriber id generator: %w", err)
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{
		feed:         feed,
		setupTimeout: cfg.SetupTimeout,
		bufferSize:   bufferSize,
		logger:       logger,
		ids:          ids,
		subs:         make(map[string]*Subscription),
	}, nil
}

// Acquire attaches a new observer. It blocks until the shared subscription is confirmed,
// the setup timeout elapses, or ctx is done. The caller must Release the subscription.
func (n *Notifier) Acquire(ctx context.Context) (*Subscription, error) {
	id, err := n.ids.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating subscriber id: %w", err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrNotifierClosed
	}
	sh := n.shared
	if sh == nil {
		sh = n.startLocked()
		n.shared = sh
	}
	sub := &Subscription{
		id:   id,
		n:    n,
		feed: sh,
		ch:   make(chan models.StreamMessage, n.bufferSize),
	}
	n.subs[id] = sub
	n.mu.Unlock()

	timer := time.NewTimer(n.setupTimeout)
	defer timer.Stop()

	select {
	case <-sh.ready:
		n.logger.Debug("stream subscriber attached", "subscriber_id", id)
		return sub, nil
	case <-sh.done:
		err := sub.Err()
		sub.Release()
		if err == nil {
			err = fmt.Errorf("%w: %v", ErrFeedClosed, sh.err)
		}
		return nil, err
	case <-timer.C:
		n.abort(sh, ErrSubscribeTimeout)
		return nil, ErrSubscribeTimeout
	case <-ctx.Done():
		sub.Release()
		return nil, ctx.Err()
	}
}

// startLocked launches a Listen call. n.mu must be held.
func (n *Notifier) startLocked() *sharedFeed {
	ctx, cancel := context.WithCancel(context.Background())
	sh := &sharedFeed{
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sh.done)

		var readyOnce sync.Once
		err := n.feed.Listen(ctx,
			func() { readyOnce.Do(func() { close(sh.ready) }) },
			func(c models.JobChange) { n.publish(sh, c) },
		)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("listen returned without error")
		}
		sh.err = err
		n.logger.Error("change feed failed", "error", err)
		n.abort(sh, fmt.Errorf("%w: %v", ErrFeedClosed, err))
	}()

	n.logger.Info("change feed subscription starting")
	return sh
}

func (n *Notifier) publish(sh *sharedFeed, c models.JobChange) {
	if c.Job.Status != models.JobStatusCompleted {
		return
	}
	msg := models.NewStreamMessage(&c.Job)

	n.mu.Lock()
	defer n.mu.Unlock()

	for id, sub := range n.subs {
		if sub.feed != sh {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			n.logger.Warn("stream subscriber buffer full, dropping message",
				"subscriber_id", id, "job_id", c.Job.ID, "operation", c.Job.Operation)
		}
	}
}

// abort detaches every subscriber of sh with err and stops sh.
func (n *Notifier) abort(sh *sharedFeed, err error) {
	n.mu.Lock()
	if n.shared == sh {
		n.shared = nil
	}
	for id, sub := range n.subs {
		if sub.feed == sh {
			sub.closeLocked(err)
			delete(n.subs, id)
		}
	}
	n.mu.Unlock()

	sh.cancel()
}

// Close detaches every subscriber with ErrNotifierClosed and stops the shared subscription.
// Acquire fails after Close.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	sh := n.shared
	n.shared = nil
	for id, sub := range n.subs {
		sub.closeLocked(ErrNotifierClosed)
		delete(n.subs, id)
	}
	n.mu.Unlock()

	if sh != nil {
		sh.cancel()
		<-sh.done
	}
}

// Subscribers returns the number of attached observers.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Active reports whether a shared subscription is running or starting.
func (n *Notifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shared != nil
}

// Subscription is one observer's attachment to the shared feed.
type Subscription struct {
	id   string
	n    *Notifier
	feed *sharedFeed
	ch   chan models.StreamMessage

	// guarded by n.mu
	closed bool
	err    error

	releaseOnce sync.Once
}

func (s *Subscription) ID() string { return s.id }

// C delivers one message per completed job. It is closed on Release or on a terminal error.
func (s *Subscription) C() <-chan models.StreamMessage { return s.ch }

// Err returns the terminal error once C is closed; nil after a plain Release.
func (s *Subscription) Err() error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return s.err
}

// Release detaches the observer. The last Release stops the shared subscription. Safe to
// call more than once.
func (s *Subscription) Release() {
	s.releaseOnce.Do(func() {
		n := s.n
		var stop *sharedFeed

		n.mu.Lock()
		if _, ok := n.subs[s.id]; ok {
			delete(n.subs, s.id)
			s.closeLocked(nil)
		}
		if n.shared != nil && n.shared == s.feed && !n.hasSubscribersLocked(s.feed) {
			stop = n.shared
			n.shared = nil
		}
		n.mu.Unlock()

		if stop != nil {
			n.logger.Info("last stream subscriber left, stopping change feed")
			stop.cancel()
		}
	})
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

func (n *Notifier) hasSubscribersLocked(sh *sharedFeed) bool {
	for _, sub := range n.subs {
		if sub.feed == sh {
			return true
		}
	}
	return false
}

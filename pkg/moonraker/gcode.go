package moonraker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by GCodeQueue.Enqueue after Close.
var ErrQueueClosed = errors.New("gcode queue closed")

// GCodeQueue runs gcode scripts one at a time on a worker goroutine, in the
// order they were enqueued. Callers do not wait for the printer.
type GCodeQueue struct {
	client  *Client
	timeout time.Duration
	onError func(script string, err error)
	logger  *slog.Logger

	queue chan string

	// mu guards closed and senders.Add; it is never held while blocking.
	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	senders sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// GCodeQueueConfig tunes a GCodeQueue.
type GCodeQueueConfig struct {
	// Size bounds the number of waiting scripts. Default 64.
	Size int
	// Timeout applies to each script. Zero uses the client default.
	Timeout time.Duration
	// OnError is called on the worker for every failed script. Failures are
	// always logged.
	OnError func(script string, err error)
}

// NewGCodeQueue starts a worker that sends scripts through c.
func (c *Client) NewGCodeQueue(cfg GCodeQueueConfig) *GCodeQueue {
	if cfg.Size <= 0 {
		cfg.Size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &GCodeQueue{
		client:  c,
		timeout: cfg.Timeout,
		onError: cfg.OnError,
		logger:  c.logger.With("component", "gcode_queue"),
		queue:   make(chan string, cfg.Size),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue adds script to the queue. It waits for room while the queue is
// full, until ctx ends or the queue is closed.
func (q *GCodeQueue) Enqueue(ctx context.Context, script string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case q.queue <- script:
		return nil
	case <-q.stop:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of scripts waiting to run.
func (q *GCodeQueue) Len() int { return len(q.queue) }

// Close stops accepting scripts and waits for the queued ones to run. If ctx
// ends first, the running script is cancelled, the rest are abandoned and
// ctx's error is returned. Blocked Enqueue calls fail with ErrQueueClosed.
func (q *GCodeQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stop)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

func (q *GCodeQueue) run() {
	defer close(q.done)
	defer q.cancel()
	for {
		select {
		case script := <-q.queue:
			q.exec(script)
		case <-q.stop:
			// Senders see stop and return, so after Wait nothing else
			// can land in the queue.
			q.senders.Wait()
			for {
				select {
				case script := <-q.queue:
					q.exec(script)
				default:
					return
				}
			}
		}
	}
}

func (q *GCodeQueue) exec(script string) {
	if q.ctx.Err() != nil {
		return
	}
	if err := q.client.RunGCode(q.ctx, script, q.timeout); err != nil {
		q.logger.Warn("gcode failed", "script", script, "error", err)
		if q.onError != nil {
			q.onError(script, err)
		}
	}
}

package audit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"session-auth/internal/observability"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

var (
	ErrQueueFull   = errors.New("audit queue full")
	ErrQueueClosed = errors.New("audit queue closed")
)

// AsyncSink hands events to a background worker so a slow sink never delays
// the caller. When the queue is full the event is rejected, not waited for.
type AsyncSink struct {
	sink    Sink
	logger  *observability.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewAsyncSink(sink Sink, logger *observability.Logger, queueSize int) *AsyncSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	a := &AsyncSink{
		sink:    sink,
		logger:  logger,
		timeout: defaultWriteTimeout,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Write enqueues event. The request context is not carried over because the
// write outlives the request.
func (a *AsyncSink) Write(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrQueueClosed
	}
	select {
	case a.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queued ones are written
// or ctx ends.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain audit queue: %w", ctx.Err())
	}
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for event := range a.queue {
		a.write(event)
	}
}

func (a *AsyncSink) write(event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logError(event, fmt.Errorf("panic in audit sink: %v\n%s", rec, debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.sink.Write(ctx, event); err != nil {
		a.logError(event, err)
	}
}

func (a *AsyncSink) logError(event Event, err error) {
	observability.CaptureError(err, map[string]string{"component": "audit", "event": string(event.Type)})
	if a.logger != nil {
		a.logger.Error("audit_sink_failed", map[string]any{
			"event":    string(event.Type),
			"event_id": event.ID,
			"error":    err.Error(),
		})
	}
}

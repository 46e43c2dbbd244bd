// Package dispatch implements the single state-owning execution context.
// Everything that mutates published state is posted here and runs on one
// goroutine, in order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Post after the loop has stopped.
	ErrClosed = errors.New("dispatch loop closed")
	// ErrFull is returned by Post when the queue has no free slot.
	ErrFull = errors.New("dispatch queue full")
)

// DefaultQueueSize is the queue capacity used when none is given.
const DefaultQueueSize = 256

// Poster is the part of Loop other packages depend on.
type Poster interface {
	Post(fn func()) error
}

// Loop runs posted functions one at a time on its own goroutine.
type Loop struct {
	queue  chan func()
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a loop with the given queue capacity. Call Run to start it.
func New(queueSize int, logger *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		queue:  make(chan func(), queueSize),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine and returns l.
func (l *Loop) Start(ctx context.Context) *Loop {
	go l.Run(ctx)
	return l
}

// Run executes posted functions until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case fn, ok := <-l.queue:
			if !ok {
				return
			}
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("posted function panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Post queues fn without blocking. It never runs fn on the caller's
// goroutine.
func (l *Loop) Post(fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- fn:
		return nil
	default:
		return ErrFull
	}
}

// Sync blocks until every function posted before it has run. Unlike Post
// it waits for queue space.
func (l *Loop) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := l.send(ctx, func() { close(done) }); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send queues fn, blocking until there is room, the loop stops or ctx ends.
func (l *Loop) send(ctx context.Context, fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- fn:
		return nil
	case <-l.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, lets queued functions finish and waits for
// Run to return. Run must have been started.
func (l *Loop) Close() {
	l.shutdown()
	<-l.done
}

func (l *Loop) shutdown() {
	l.once.Do(func() {
		close(l.stop)
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
}

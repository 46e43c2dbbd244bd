// Package notify provides a small observer primitive with explicit
// subscription handles. A handle is released exactly once via Close, and a
// Group releases every handle it holds in one call, so a subscriber set can
// be torn down on every exit path with a single defer.
package notify

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Feed fans a value out to every current subscriber.
type Feed[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]func(T)
	nextID uint64
	logger *zap.Logger
}

// NewFeed creates an empty feed. Listener panics are logged to logger.
func NewFeed[T any](logger *zap.Logger) *Feed[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed[T]{
		subs:   make(map[uint64]func(T)),
		logger: logger,
	}
}

// Subscribe registers fn and returns the handle that removes it.
func (f *Feed[T]) Subscribe(fn func(T)) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	f.subs[id] = fn

	return &Subscription{release: func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}}
}

// Len reports the number of live subscriptions.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Publish delivers v to every subscriber in registration order. A listener
// that panics is logged and skipped; the remaining listeners still run.
// It returns the number of listeners that failed.
func (f *Feed[T]) Publish(v T) int {
	f.mu.RLock()
	fns := maps.Clone(f.subs)
	f.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(fns))

	failed := 0
	for _, id := range ids {
		if err := deliver(fns[id], v); err != nil {
			failed++
			f.logger.Error("notification delivery failed", zap.Uint64("subscription", id), zap.Error(err))
		}
	}
	return failed
}

func deliver[T any](fn func(T), v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	fn(v)
	return nil
}

// Subscription is a handle to a registered listener.
type Subscription struct {
	once    sync.Once
	release func()
}

// Close removes the listener. Safe to call more than once and on nil.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Group owns a set of subscriptions released together.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add takes ownership of s.
func (g *Group) Add(s *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, s)
}

// Len reports how many subscriptions the group holds.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Close releases every subscription and empties the group.
func (g *Group) Close() {
	if g == nil {
		return
	}
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Close()
	}
}

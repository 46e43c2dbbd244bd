// Package reconcile applies control changes optimistically and settles them
// against the camera.
//
// The caller shows the candidate value immediately, Apply sends it to the
// camera on a background goroutine, and the settled value (the candidate on
// success, the previous value on any failure) is handed back on the state
// loop. Edits of one field are numbered; a resolution older than the last one
// applied for that field is discarded instead of overwriting newer state.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"philipredstone/liveview/internal/device"
	"philipredstone/liveview/internal/dispatch"
	"philipredstone/liveview/internal/metrics"
)

// CommitFunc sends a value to the camera.
type CommitFunc func(ctx context.Context, item device.MenuItem) error

// Reconciler tracks in-flight settings round trips.
type Reconciler struct {
	loop    dispatch.Poster
	logger  *zap.Logger
	metrics *metrics.Metrics

	timeout   time.Duration
	sequenced bool

	mu      sync.Mutex
	issued  map[device.Field]uint64
	applied map[device.Field]uint64

	inflight sync.WaitGroup
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCommitTimeout bounds every commit. A timeout counts as a failure.
func WithCommitTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// WithMetrics records round-trip outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLastResolvedWins disables per-field sequencing: every resolution is
// delivered in the order it arrives.
func WithLastResolvedWins() Option {
	return func(r *Reconciler) { r.sequenced = false }
}

// New creates a reconciler that delivers resolutions through loop.
func New(loop dispatch.Poster, logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		loop:      loop,
		logger:    logger,
		sequenced: true,
		issued:    make(map[device.Field]uint64),
		applied:   make(map[device.Field]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply commits candidate for field. A nil candidate is a no-op. onResolved
// always runs later on the state loop, never inside Apply, with candidate
// when commit succeeds and old otherwise. In-flight commits are not
// cancelled by later calls.
func (r *Reconciler) Apply(ctx context.Context, field device.Field, old, candidate *device.MenuItem, commit CommitFunc, onResolved func(*device.MenuItem)) {
	if candidate == nil {
		return
	}

	r.mu.Lock()
	r.issued[field]++
	seq := r.issued[field]
	r.mu.Unlock()

	value := *candidate
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()

		result, outcome := candidate, "committed"
		if err := r.commit(ctx, commit, value); err != nil {
			result, outcome = old, "rolled_back"
			r.logger.Warn("setting rejected, rolling back",
				zap.String("field", string(field)),
				zap.String("value", value.Value),
				zap.Uint64("seq", seq),
				zap.Error(err))
		}
		r.metrics.Command(string(field), outcome)

		if err := r.loop.Post(func() { r.resolve(field, seq, result, onResolved) }); err != nil {
			r.logger.Error("failed to deliver setting resolution",
				zap.String("field", string(field)), zap.Error(err))
		}
	}()
}

func (r *Reconciler) commit(ctx context.Context, commit CommitFunc, value device.MenuItem) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("commit panicked: %v", p)
		}
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return commit(ctx, value)
}

// resolve runs on the state loop.
func (r *Reconciler) resolve(field device.Field, seq uint64, result *device.MenuItem, onResolved func(*device.MenuItem)) {
	r.mu.Lock()
	stale := r.sequenced && seq < r.applied[field]
	if !stale {
		r.applied[field] = seq
	}
	r.mu.Unlock()

	if stale {
		r.metrics.AddStaleResolution()
		r.logger.Debug("discarding stale setting resolution",
			zap.String("field", string(field)), zap.Uint64("seq", seq))
		return
	}
	if onResolved != nil {
		onResolved(result)
	}
}

// Wait blocks until every in-flight commit has finished and its resolution
// has been posted.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

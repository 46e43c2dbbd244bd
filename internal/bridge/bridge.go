// Package bridge merges camera-originated changes and user edits into one
// change-notified Snapshot for the UI.
//
// All snapshot mutation happens on the state loop. Device notifications
// arrive on whatever goroutine the device model uses and are posted to the
// loop; each one re-reads the changed field and republishes every attribute
// derived from it. Subscriptions to the selected device are held in
// notify.Groups and released together whenever the selection changes.
package bridge

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"philipredstone/liveview/internal/device"
	"philipredstone/liveview/internal/dispatch"
	"philipredstone/liveview/internal/metrics"
	"philipredstone/liveview/internal/notify"
	"philipredstone/liveview/internal/reconcile"
)

// ErrNotConnected is returned by commands issued with no active camera.
var ErrNotConnected = errors.New("no camera connected")

// Bridge owns the published Snapshot.
type Bridge struct {
	loop    dispatch.Poster
	rec     *reconcile.Reconciler
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Loop-owned.
	selected  *device.Connection
	selSubs   notify.Group
	camSubs   notify.Group
	selGen    uint64
	camGen    uint64
	refreshes int
	confirmed map[device.Field]*device.MenuItem
	listeners *notify.Feed[Change]
	snapMu    sync.RWMutex
	snap      Snapshot
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics records notification counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithClock overrides the clock used to stamp connections.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New creates a bridge with nothing selected.
func New(loop dispatch.Poster, rec *reconcile.Reconciler, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		loop:      loop,
		rec:       rec,
		logger:    logger,
		now:       time.Now,
		confirmed: make(map[device.Field]*device.MenuItem),
		listeners: notify.NewFeed[Change](logger),
		snap:      emptySnapshot(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for attribute changes. fn runs on the state loop.
func (b *Bridge) Subscribe(fn func(Change)) *notify.Subscription {
	return b.listeners.Subscribe(fn)
}

// Snapshot returns a copy of the current view.
func (b *Bridge) Snapshot() Snapshot {
	b.snapMu.RLock()
	defer b.snapMu.RUnlock()
	return b.snap
}

// Select makes conn the active device. A nil conn, or one whose camera has
// no live-view processor, clears the selection.
func (b *Bridge) Select(conn *device.Connection) error {
	return b.loop.Post(func() { b.selectDevice(conn) })
}

// Close releases every device subscription.
func (b *Bridge) Close() error {
	return b.loop.Post(func() {
		b.selSubs.Close()
		b.camSubs.Close()
	})
}

func (b *Bridge) selectDevice(conn *device.Connection) {
	b.selSubs.Close()
	b.camSubs.Close()
	b.selGen++
	b.camGen++

	cam := conn.Camera()
	if cam != nil && cam.Processor() != nil {
		b.selected = conn
		gen := b.selGen
		b.selSubs.Add(conn.SubscribeCamera(func(c *device.Camera) {
			b.post("camera swap", func() {
				if gen == b.selGen {
					b.cameraSwapped(c)
				}
			})
		}))
		b.subscribeCamera(cam)
		b.setSnap(func(s *Snapshot) {
			s.CameraName = conn.Name()
			s.ConnectedAt = b.now()
			s.Session = uuid.NewString()
		})
		b.logger.Info("camera selected", zap.String("camera", conn.Name()), zap.String("session", b.Snapshot().Session))
	} else {
		if conn != nil {
			b.logger.Info("camera has no live view, clearing selection", zap.String("camera", conn.Name()))
		}
		b.selected = nil
		b.setSnap(func(s *Snapshot) { *s = emptySnapshot() })
	}

	b.publish(AttrSelectedCamera)
	b.refreshAll()
}

func (b *Bridge) subscribeCamera(cam *device.Camera) {
	gen := b.camGen
	b.camSubs.Add(cam.Subscribe(func(f device.Field) {
		b.post("camera field", func() {
			if gen == b.camGen {
				b.cameraChanged(f)
			}
		})
	}))
	b.camSubs.Add(cam.SubscribeDisconnect(func(stillAvailable bool) {
		b.post("disconnect", func() {
			if gen == b.camGen {
				b.disconnected(stillAvailable)
			}
		})
	}))
	if p := cam.Processor(); p != nil {
		b.camSubs.Add(p.Subscribe(func(f device.Field) {
			b.post("processor field", func() {
				if gen == b.camGen {
					b.processorChanged(f)
				}
			})
		}))
	}
}

// post marshals fn onto the state loop. Failures are logged and dropped.
func (b *Bridge) post(what string, fn func()) {
	if err := b.loop.Post(fn); err != nil {
		b.metrics.AddNotifyFailure()
		b.logger.Error("failed to post notification", zap.String("kind", what), zap.Error(err))
	}
}

func (b *Bridge) cameraSwapped(cam *device.Camera) {
	b.load(AttrIsConnectionActive)
	b.publish(AttrIsConnectionActive)

	b.camSubs.Close()
	b.camGen++
	if cam != nil {
		b.subscribeCamera(cam)
	}
	b.refreshAll()
}

func (b *Bridge) disconnected(stillAvailable bool) {
	if !stillAvailable {
		b.logger.Debug("transient disconnect ignored")
		return
	}
	b.logger.Info("camera disconnected")
	b.selectDevice(nil)
}

func (b *Bridge) cameraChanged(f device.Field) {
	attrs, ok := cameraFanout[f]
	if !ok {
		return
	}
	b.load(attrs...)
	b.publish(attrs...)
}

func (b *Bridge) processorChanged(f device.Field) {
	cam := b.camera()
	if cam == nil {
		return
	}

	switch f {
	case device.FieldShutter:
		if item := cam.CurrentShutter(); item != nil {
			b.confirmed[f] = item
			b.setSnap(func(s *Snapshot) { s.CurrentShutter = item })
		}
	case device.FieldAperture:
		if item := cam.CurrentAperture(); item != nil {
			b.confirmed[f] = item
			b.setSnap(func(s *Snapshot) { s.CurrentAperture = item })
		}
	case device.FieldIso:
		if item := cam.CurrentIso(); item != nil {
			b.confirmed[f] = item
			b.setSnap(func(s *Snapshot) { s.CurrentIso = item })
		}
	case device.FieldFocusPoints:
		if p := cam.Processor(); p != nil && b.Snapshot().FocusAreas.Equal(p.FocusPoints()) {
			return
		}
	}

	attrs := processorFanout[f]
	b.load(attrs...)
	b.publish(attrs...)
}

func (b *Bridge) camera() *device.Camera {
	if b.selected == nil {
		return nil
	}
	return b.selected.Camera()
}

func (b *Bridge) refreshAll() {
	b.refreshes++
	var aperture, shutter, iso *device.MenuItem
	if cam := b.camera(); cam != nil {
		aperture, shutter, iso = cam.CurrentAperture(), cam.CurrentShutter(), cam.CurrentIso()
	}
	b.confirmed[device.FieldAperture] = aperture
	b.confirmed[device.FieldShutter] = shutter
	b.confirmed[device.FieldIso] = iso
	b.setSnap(func(s *Snapshot) {
		s.CurrentAperture = aperture
		s.CurrentShutter = shutter
		s.CurrentIso = iso
	})
	b.load(refreshOrder...)
	b.publish(refreshOrder...)
}

// load re-reads attrs from the selected camera into the snapshot.
func (b *Bridge) load(attrs ...Attribute) {
	cam := b.camera()
	var (
		st device.State
		p  *device.Processor
	)
	if cam != nil {
		st = cam.State()
		p = cam.Processor()
	}
	lens := st.LensInfo
	if lens == nil {
		lens = &device.LensInfo{}
	}
	menu := st.MenuSet
	if menu == nil {
		menu = &device.MenuSet{}
	}

	b.setSnap(func(s *Snapshot) {
		for _, attr := range attrs {
			switch attr {
			case AttrIsConnected:
				s.IsConnected = b.selected != nil
			case AttrIsConnectionActive:
				s.IsConnectionActive = cam != nil
			case AttrCanChangeAperture:
				s.CanChangeAperture = cam == nil || st.CanChangeAperture
			case AttrCanChangeShutter:
				s.CanChangeShutter = cam == nil || st.CanChangeShutter
			case AttrCanManualFocus:
				s.CanManualFocus = st.CanManualFocus
			case AttrCanCapture:
				s.CanCapture = st.CanCapture
			case AttrCanPowerZoom:
				s.CanPowerZoom = lens.HasPowerZoom
			case AttrMaxZoom:
				s.MaxZoom = lens.MaxZoom
			case AttrMinZoom:
				s.MinZoom = lens.MinZoom
			case AttrRecState:
				s.RecState = st.RecState
			case AttrShutterSpeeds:
				s.ShutterSpeeds = slices.Clone(menu.ShutterSpeeds)
			case AttrIsoValues:
				s.IsoValues = slices.Clone(menu.IsoValues)
			case AttrCurrentApertures:
				s.CurrentApertures = slices.Clone(st.CurrentApertures)
			case AttrMaximumFocus:
				s.MaximumFocus = st.MaximumFocus
			case AttrCurrentFocus:
				s.CurrentFocus = st.CurrentFocus
			case AttrCurrentApertureText:
				s.CurrentApertureText = ""
				if p != nil {
					s.CurrentApertureText = p.Aperture().Text
				}
			case AttrCurrentShutterText:
				s.CurrentShutterText = ""
				if p != nil {
					s.CurrentShutterText = p.Shutter().Text
				}
			case AttrCurrentZoom:
				s.CurrentZoom = 0
				if p != nil {
					s.CurrentZoom = p.Zoom()
				}
			case AttrFocusAreas:
				s.FocusAreas = nil
				if p != nil {
					s.FocusAreas = p.FocusPoints()
				}
			}
		}
	})
}

func (b *Bridge) setSnap(fn func(*Snapshot)) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()
	fn(&b.snap)
}

func (b *Bridge) publish(attrs ...Attribute) {
	for _, attr := range attrs {
		b.metrics.Notification(string(attr))
		failed := b.listeners.Publish(Change{Attribute: attr, Snapshot: b.Snapshot()})
		for i := 0; i < failed; i++ {
			b.metrics.AddNotifyFailure()
		}
	}
}

// SetAperture, SetShutter and SetIso show item immediately and send it to
// the camera. The displayed value settles to item on success or reverts to
// the last value the camera confirmed on failure. A nil item is ignored.
func (b *Bridge) SetAperture(ctx context.Context, item *device.MenuItem) error {
	return b.setItem(ctx, device.FieldAperture, AttrCurrentAperture, item,
		func(s *Snapshot) **device.MenuItem { return &s.CurrentAperture })
}

func (b *Bridge) SetShutter(ctx context.Context, item *device.MenuItem) error {
	return b.setItem(ctx, device.FieldShutter, AttrCurrentShutter, item,
		func(s *Snapshot) **device.MenuItem { return &s.CurrentShutter })
}

func (b *Bridge) SetIso(ctx context.Context, item *device.MenuItem) error {
	return b.setItem(ctx, device.FieldIso, AttrCurrentIso, item,
		func(s *Snapshot) **device.MenuItem { return &s.CurrentIso })
}

func (b *Bridge) setItem(ctx context.Context, field device.Field, attr Attribute, item *device.MenuItem, slot func(*Snapshot) **device.MenuItem) error {
	if item == nil {
		return nil
	}
	return b.loop.Post(func() {
		// Only confirmed values are rollback targets; the displayed slot may
		// hold another edit's unconfirmed candidate.
		old := b.confirmed[field]
		b.setSnap(func(s *Snapshot) { *slot(s) = item })
		b.publish(attr)

		cam := b.camera()
		commit := func(ctx context.Context, v device.MenuItem) error {
			if cam == nil {
				return ErrNotConnected
			}
			return cam.SendMenuItem(ctx, v)
		}
		b.rec.Apply(ctx, field, old, item, commit, func(v *device.MenuItem) {
			if v == item {
				b.confirmed[field] = item
			}
			shown := b.confirmed[field]
			b.setSnap(func(s *Snapshot) { *slot(s) = shown })
			b.publish(attr)
		})
	})
}

// CanCapture reports whether a capture command can be issued.
func (b *Bridge) CanCapture() bool {
	return b.Snapshot().IsConnectionActive
}

// Capture triggers the shutter on the selected camera.
func (b *Bridge) Capture(ctx context.Context) error {
	done := make(chan *device.Camera, 1)
	if err := b.loop.Post(func() { done <- b.camera() }); err != nil {
		return err
	}
	var cam *device.Camera
	select {
	case cam = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if cam == nil {
		return ErrNotConnected
	}
	return cam.Capture(ctx)
}

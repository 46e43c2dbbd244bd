package device

import (
	"image"
	"sync"

	"go.uber.org/zap"

	"philipredstone/liveview/internal/focus"
	"philipredstone/liveview/internal/notify"
)

// Processor holds the state decoded alongside live-view frames: exposure
// readouts, zoom position and focus areas. A camera without one has no live
// stream.
type Processor struct {
	mu       sync.RWMutex
	aperture Reading
	shutter  Reading
	iso      Reading
	zoom     int
	focus    *focus.Areas
	frame    image.Point

	changes *notify.Feed[Field]
}

// NewProcessor creates an empty processor.
func NewProcessor(logger *zap.Logger) *Processor {
	return &Processor{changes: notify.NewFeed[Field](logger)}
}

// Subscribe registers fn for processor field changes.
func (p *Processor) Subscribe(fn func(Field)) *notify.Subscription {
	return p.changes.Subscribe(fn)
}

func (p *Processor) Aperture() Reading {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.aperture
}

func (p *Processor) Shutter() Reading {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shutter
}

func (p *Processor) Iso() Reading {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.iso
}

func (p *Processor) Zoom() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.zoom
}

// FocusPoints returns the last accepted focus report, or nil.
func (p *Processor) FocusPoints() *focus.Areas {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.focus
}

// SetAperture, SetShutter, SetIso and SetZoom store a new value and notify
// subscribers when it differs from the previous one.
func (p *Processor) SetAperture(r Reading) { p.setReading(&p.aperture, r, FieldAperture) }

func (p *Processor) SetShutter(r Reading) { p.setReading(&p.shutter, r, FieldShutter) }

func (p *Processor) SetIso(r Reading) { p.setReading(&p.iso, r, FieldIso) }

func (p *Processor) SetZoom(z int) {
	p.mu.Lock()
	changed := p.zoom != z
	p.zoom = z
	p.mu.Unlock()
	if changed {
		p.changes.Publish(FieldZoom)
	}
}

// SetFocusPoints replaces the focus report. Reports equal to the current one
// are ignored so downstream overlays are not redrawn needlessly.
func (p *Processor) SetFocusPoints(a *focus.Areas) {
	p.mu.Lock()
	changed := !p.focus.Equal(a)
	p.focus = a
	p.mu.Unlock()
	if changed {
		p.changes.Publish(FieldFocusPoints)
	}
}

// ReportFocus normalises a batch of raw focus reports from a sensor of the
// given size and stores the accepted set. It returns the number of boxes
// accepted.
func (p *Processor) ReportFocus(sensor image.Point, fixed bool, reports []focus.Report) int {
	a := focus.FromReports(sensor, fixed, reports)
	p.SetFocusPoints(a)
	return a.Len()
}

// SetFrameSize records the pixel size of the latest decoded frame, which is
// the sensor size focus reports are normalised against.
func (p *Processor) SetFrameSize(size image.Point) {
	p.mu.Lock()
	p.frame = size
	p.mu.Unlock()
}

// FrameSize returns the size recorded by SetFrameSize.
func (p *Processor) FrameSize() image.Point {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frame
}

func (p *Processor) setReading(dst *Reading, r Reading, f Field) {
	p.mu.Lock()
	changed := *dst != r
	*dst = r
	p.mu.Unlock()
	if changed {
		p.changes.Publish(f)
	}
}

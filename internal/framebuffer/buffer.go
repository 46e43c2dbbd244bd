// Package framebuffer holds the frame currently shown by the viewer.
//
// Raw payloads arrive at any cadence through Ingest. At most one decode runs
// at a time; payloads that arrive while it is pending are dropped. A decoded
// frame replaces the current one under the frame lock, and the superseded
// frame is disposed on a detached goroutine that takes the same lock, so
// Render never sees a half-swapped or disposed frame and never pays for
// teardown.
package framebuffer

import (
	"bytes"
	"image"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"philipredstone/liveview/internal/metrics"
)

// Buffer owns the current frame.
type Buffer struct {
	gate chan struct{} // single decode slot

	frameMu sync.Mutex
	current Frame
	rect    image.Rectangle

	decoder  Decoder
	effect   Effect
	scaler   draw.Scaler
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onFrame  func(image.Point)
	onRect   func(image.Rectangle)
	inflight sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithDecoder replaces the default ImageDecoder.
func WithDecoder(d Decoder) Option {
	return func(b *Buffer) { b.decoder = d }
}

// WithEffect runs e on every decoded frame before it is published.
func WithEffect(e Effect) Option {
	return func(b *Buffer) { b.effect = e }
}

// WithScaler sets the interpolation used by Render. The default is
// nearest-neighbour, which keeps render cost flat.
func WithScaler(s draw.Scaler) Option {
	return func(b *Buffer) { b.scaler = s }
}

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Buffer) { b.logger = l }
}

// WithMetrics records ingestion counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// WithFrameReady registers a hook called, from the decode goroutine, with the
// pixel size of every newly published frame.
func WithFrameReady(fn func(size image.Point)) Option {
	return func(b *Buffer) { b.onFrame = fn }
}

// WithRectChanged registers a hook called from Render whenever the fitted
// draw rectangle differs from the previous one.
func WithRectChanged(fn func(r image.Rectangle)) Option {
	return func(b *Buffer) { b.onRect = fn }
}

// New creates an empty buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		gate:    make(chan struct{}, 1),
		decoder: ImageDecoder{},
		scaler:  draw.NearestNeighbor,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ingest schedules raw for decoding and returns true, or returns false
// without doing anything when a decode is already pending. Dropping is the
// backpressure mechanism, not an error. raw is copied, so the caller may
// reuse it.
func (b *Buffer) Ingest(raw []byte) bool {
	select {
	case b.gate <- struct{}{}:
	default:
		b.metrics.AddDropped()
		return false
	}
	b.metrics.AddIngested()

	payload := bytes.Clone(raw)
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer func() { <-b.gate }()
		b.decode(payload)
	}()
	return true
}

func (b *Buffer) decode(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.AddDecodeFailure()
			b.logger.Error("frame decoder panicked", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	frame, err := b.decoder.Decode(raw)
	b.metrics.ObserveDecode(time.Since(start))
	if err != nil {
		b.metrics.AddDecodeFailure()
		b.logger.Warn("frame decode failed", zap.Int("bytes", len(raw)), zap.Error(err))
		return
	}
	if b.effect != nil {
		if frame, err = applyEffect(frame, b.effect); err != nil {
			b.logger.Warn("frame effect failed, showing unprocessed frame", zap.Error(err))
		}
	}

	b.frameMu.Lock()
	old := b.current
	b.current = frame
	b.frameMu.Unlock()

	b.metrics.AddDecoded()
	if old != nil {
		b.dispose(old)
	}
	if b.onFrame != nil {
		b.onFrame(frame.Size())
	}
}

// dispose releases f on a detached goroutine. The frame lock is held while
// disposing so an in-progress Render finishes with f first.
func (b *Buffer) dispose(f Frame) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				b.metrics.AddDisposalFailure()
				b.logger.Error("frame dispose panicked", zap.Any("panic", r))
			}
		}()

		b.frameMu.Lock()
		err := f.Dispose()
		b.frameMu.Unlock()

		if err != nil {
			b.metrics.AddDisposalFailure()
			b.logger.Error("frame dispose failed", zap.Error(err))
		}
	}()
}

// Render fits the current frame into target, preserving its aspect ratio
// after dividing the frame height by aspect, centres it and draws it into
// dst. With no current frame dst is cleared and the zero rectangle is
// returned. dst may be nil to only compute the rectangle.
func (b *Buffer) Render(dst draw.Image, target image.Point, aspect float64) image.Rectangle {
	if aspect <= 0 {
		aspect = 1
	}

	b.frameMu.Lock()
	if b.current == nil {
		clearImage(dst)
		b.frameMu.Unlock()
		return image.Rectangle{}
	}

	img := b.current.Image()
	rect := Fit(b.current.Size(), target, aspect)
	clearImage(dst)
	if dst != nil && img != nil && !rect.Empty() {
		b.scaler.Scale(dst, rect.Add(dst.Bounds().Min), img, img.Bounds(), draw.Src, nil)
	}

	changed := rect != b.rect
	b.rect = rect
	b.frameMu.Unlock()

	if changed && b.onRect != nil {
		b.onRect(rect)
	}
	return rect
}

// Fit returns the largest rectangle with the aspect of an image of size
// (w, h/aspect) that fits in target, centred in target.
func Fit(size, target image.Point, aspect float64) image.Rectangle {
	if size.X <= 0 || size.Y <= 0 || target.X <= 0 || target.Y <= 0 {
		return image.Rectangle{}
	}
	if aspect <= 0 {
		aspect = 1
	}

	iW := float64(size.X)
	iH := float64(size.Y) / aspect
	tW, tH := float64(target.X), float64(target.Y)

	scale := math.Min(tW/iW, tH/iH)
	rW, rH := iW*scale, iH*scale
	x, y := (tW-rW)/2, (tH-rH)/2

	return image.Rect(
		int(math.Round(x)), int(math.Round(y)),
		int(math.Round(x+rW)), int(math.Round(y+rH)),
	)
}

func clearImage(dst draw.Image) {
	if dst == nil {
		return
	}
	draw.Draw(dst, dst.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

// Reset drops the current frame and disposes it in the background.
func (b *Buffer) Reset() {
	b.frameMu.Lock()
	cur := b.current
	b.current = nil
	b.frameMu.Unlock()

	if cur != nil {
		b.dispose(cur)
	}
}

// Ready reports whether a frame is available to render.
func (b *Buffer) Ready() bool {
	b.frameMu.Lock()
	defer b.frameMu.Unlock()
	return b.current != nil
}

// Rect returns the rectangle computed by the last Render of a frame.
func (b *Buffer) Rect() image.Rectangle {
	b.frameMu.Lock()
	defer b.frameMu.Unlock()
	return b.rect
}

// Close resets the buffer and waits for pending decodes and disposals.
func (b *Buffer) Close() {
	b.Reset()
	b.inflight.Wait()
	// A decode that finished after Reset may have published a frame.
	b.Reset()
	b.inflight.Wait()
}

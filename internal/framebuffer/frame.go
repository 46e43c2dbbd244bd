package framebuffer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // Decoder
	_ "image/png"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrEmptyPayload is returned when a decoder is handed no bytes.
var ErrEmptyPayload = errors.New("empty frame payload")

// Frame is a decoded, immutable image owned by a Buffer until superseded.
type Frame interface {
	Image() image.Image
	Size() image.Point
	// Dispose releases the resources backing the frame. It is called exactly
	// once, on a background goroutine.
	Dispose() error
}

// Decoder turns a raw live-view payload into a Frame.
type Decoder interface {
	Decode(raw []byte) (Frame, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(raw []byte) (Frame, error)

// Decode calls f.
func (f DecoderFunc) Decode(raw []byte) (Frame, error) { return f(raw) }

type imageFrame struct {
	mu      sync.Mutex
	img     image.Image
	size    image.Point
	release func() error
}

// NewFrame wraps img. release, if non-nil, runs on Dispose.
func NewFrame(img image.Image, release func() error) Frame {
	return &imageFrame{img: img, size: img.Bounds().Size(), release: release}
}

func (f *imageFrame) Image() image.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.img
}

func (f *imageFrame) Size() image.Point { return f.size }

func (f *imageFrame) Dispose() error {
	f.mu.Lock()
	release := f.release
	f.img = nil
	f.release = nil
	f.mu.Unlock()

	if release != nil {
		return release()
	}
	return nil
}

// ImageDecoder decodes any format registered with the image package: JPEG
// and PNG from the standard library, BMP and WebP from x/image.
type ImageDecoder struct {
	// ReduceResolution halves both dimensions after decoding.
	ReduceResolution bool
	// Scaler used for the reduction. Defaults to draw.NearestNeighbor.
	Scaler draw.Scaler
}

// Decode implements Decoder.
func (d ImageDecoder) Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode frame (%d bytes): %w", len(raw), err)
	}

	if d.ReduceResolution {
		img = d.halve(img)
	}
	return NewFrame(img, nil), nil
}

func (d ImageDecoder) halve(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx()/2, bounds.Dy()/2
	if w <= 0 || h <= 0 {
		return img
	}

	scaler := d.Scaler
	if scaler == nil {
		scaler = draw.NearestNeighbor
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}

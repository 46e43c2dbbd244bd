package framebuffer

import (
	"fmt"
	"image"
	"math"
	"sync"

	"golang.org/x/image/draw"
)

// Effect transforms a decoded image before it is published. It runs on the
// decode goroutine, so its cost is paid once per frame and never by Render.
// A nil result keeps the decoded image.
type Effect func(src image.Image) image.Image

// effectFrame renders the effect output while keeping the decoded frame for
// Size and Dispose.
type effectFrame struct {
	Frame

	mu  sync.Mutex
	img image.Image
}

// applyEffect wraps f with the output of e. On a panic f is returned
// unchanged with the error.
func applyEffect(f Frame, e Effect) (out Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = f, fmt.Errorf("frame effect panicked: %v", r)
		}
	}()

	img := e(f.Image())
	if img == nil {
		return f, nil
	}
	return &effectFrame{Frame: f, img: img}, nil
}

func (f *effectFrame) Image() image.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.img
}

func (f *effectFrame) Dispose() error {
	f.mu.Lock()
	f.img = nil
	f.mu.Unlock()
	return f.Frame.Dispose()
}

// Monochrome converts frames to greyscale.
func Monochrome(src image.Image) image.Image {
	dst := image.NewGray(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}

// LUT maps each 8-bit colour channel through a lookup table. Alpha is kept.
type LUT [256]uint8

// InvertLUT returns the negative-image table.
func InvertLUT() *LUT {
	var l LUT
	for i := range l {
		l[i] = uint8(255 - i)
	}
	return &l
}

// GammaLUT returns a table applying out = in^(1/gamma).
func GammaLUT(gamma float64) *LUT {
	var l LUT
	if gamma <= 0 {
		gamma = 1
	}
	for i := range l {
		v := math.Pow(float64(i)/255, 1/gamma) * 255
		l[i] = uint8(math.Round(v))
	}
	return &l
}

// Effect returns l as a frame effect. Frames are expected to be opaque, as
// live-view JPEGs are.
func (l *LUT) Effect() Effect {
	return func(src image.Image) image.Image {
		dst := image.NewRGBA(src.Bounds())
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		pix := dst.Pix
		for i := 0; i+3 < len(pix); i += 4 {
			pix[i] = l[pix[i]]
			pix[i+1] = l[pix[i+1]]
			pix[i+2] = l[pix[i+2]]
		}
		return dst
	}
}

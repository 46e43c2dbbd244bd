package framebuffer

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/image/draw"
)

func solidFrame(w, h int, c color.RGBA) *testFrame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return &testFrame{img: img}
}

func ingestOne(t *testing.T, frame *testFrame, effect Effect) *Buffer {
	t.Helper()
	ready := make(chan image.Point, 1)
	b := New(
		WithDecoder(DecoderFunc(func([]byte) (Frame, error) { return frame, nil })),
		WithEffect(effect),
		WithLogger(zaptest.NewLogger(t)),
		WithFrameReady(func(size image.Point) { ready <- size }),
	)
	t.Cleanup(b.Close)

	require.True(t, b.Ingest([]byte{1}))
	select {
	case size := <-ready:
		assert.Equal(t, frame.Size(), size)
	case <-time.After(time.Second):
		t.Fatal("frame not published")
	}
	return b
}

func TestWithEffect_AppliedBeforePublish(t *testing.T) {
	frame := solidFrame(8, 8, color.RGBA{R: 255, G: 10, B: 0, A: 255})
	b := ingestOne(t, frame, InvertLUT().Effect())

	dst := image.NewRGBA(image.Rect(0, 0, 8, 8))
	b.Render(dst, image.Pt(8, 8), 1)
	assert.Equal(t, color.RGBA{R: 0, G: 245, B: 255, A: 255}, dst.RGBAAt(4, 4))

	b.Reset()
	assert.Eventually(t, func() bool { return frame.disposed.Load() == 1 }, time.Second, time.Millisecond)
}

func TestWithEffect_PanicKeepsDecodedFrame(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	frame := solidFrame(4, 4, red)
	b := ingestOne(t, frame, func(image.Image) image.Image { panic("bad table") })

	dst := image.NewRGBA(image.Rect(0, 0, 4, 4))
	b.Render(dst, image.Pt(4, 4), 1)
	assert.Equal(t, red, dst.RGBAAt(1, 1))
}

func TestEffects(t *testing.T) {
	src := solidFrame(2, 2, color.RGBA{R: 200, G: 100, B: 50, A: 255}).img

	gray, ok := Monochrome(src).(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, src.Bounds(), gray.Bounds())

	same := GammaLUT(1).Effect()(src).(*image.RGBA)
	assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 255}, same.RGBAAt(0, 0))

	brighter := GammaLUT(2).Effect()(src).(*image.RGBA)
	assert.Greater(t, brighter.RGBAAt(0, 0).G, uint8(100))
}

package framebuffer

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"philipredstone/liveview/internal/metrics"
)

type testFrame struct {
	img      image.Image
	disposed atomic.Int32
	err      error
}

func (f *testFrame) Image() image.Image { return f.img }
func (f *testFrame) Size() image.Point  { return f.img.Bounds().Size() }
func (f *testFrame) Dispose() error {
	f.disposed.Add(1)
	return f.err
}

func newTestFrame(w, h int) *testFrame {
	return &testFrame{img: image.NewRGBA(image.Rect(0, 0, w, h))}
}

// gatedDecoder blocks every Decode until release is closed.
type gatedDecoder struct {
	calls   atomic.Int32
	release chan struct{}
	frames  chan *testFrame
}

func (d *gatedDecoder) Decode(raw []byte) (Frame, error) {
	d.calls.Add(1)
	<-d.release
	return <-d.frames, nil
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestIngest_SecondCallWhilePendingIsDropped(t *testing.T) {
	m := metrics.New()
	dec := &gatedDecoder{release: make(chan struct{}), frames: make(chan *testFrame, 2)}
	b := New(WithDecoder(dec), WithMetrics(m), WithLogger(zaptest.NewLogger(t)))

	assert.True(t, b.Ingest([]byte("first")))
	assert.False(t, b.Ingest([]byte("second")))

	dec.frames <- newTestFrame(4, 3)
	close(dec.release)
	b.Close()

	assert.Equal(t, int32(1), dec.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
}

func TestIngest_SlotReleasedAfterDecode(t *testing.T) {
	var decodes atomic.Int32
	ready := make(chan image.Point, 4)
	b := New(
		WithDecoder(DecoderFunc(func([]byte) (Frame, error) {
			decodes.Add(1)
			return newTestFrame(8, 6), nil
		})),
		WithFrameReady(func(p image.Point) { ready <- p }),
	)
	defer b.Close()

	require.True(t, b.Ingest([]byte{1}))
	assert.Equal(t, image.Pt(8, 6), <-ready)

	assert.Eventually(t, func() bool { return b.Ingest([]byte{2}) }, time.Second, time.Millisecond)
	<-ready
	assert.Equal(t, int32(2), decodes.Load())
}

func TestIngest_SupersededFrameIsDisposed(t *testing.T) {
	frames := []*testFrame{newTestFrame(2, 2), newTestFrame(2, 2)}
	var next atomic.Int32
	ready := make(chan struct{}, 2)
	b := New(
		WithDecoder(DecoderFunc(func([]byte) (Frame, error) {
			return frames[next.Add(1)-1], nil
		})),
		WithFrameReady(func(image.Point) { ready <- struct{}{} }),
	)

	require.True(t, b.Ingest([]byte{1}))
	<-ready
	require.Eventually(t, func() bool { return b.Ingest([]byte{2}) }, time.Second, time.Millisecond)
	<-ready

	assert.Eventually(t, func() bool { return frames[0].disposed.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, frames[1].disposed.Load())

	b.Close()
	assert.Equal(t, int32(1), frames[1].disposed.Load())
}

func TestIngest_DecodeFailureKeepsCurrentFrame(t *testing.T) {
	m := metrics.New()
	good := newTestFrame(4, 4)
	var fail atomic.Bool
	done := make(chan struct{}, 2)
	b := New(
		WithMetrics(m),
		WithLogger(zaptest.NewLogger(t)),
		WithDecoder(DecoderFunc(func([]byte) (Frame, error) {
			defer func() { done <- struct{}{} }()
			if fail.Load() {
				return nil, errors.New("truncated jpeg")
			}
			return good, nil
		})),
	)
	defer b.Close()

	require.True(t, b.Ingest([]byte{1}))
	<-done
	fail.Store(true)
	require.Eventually(t, func() bool { return b.Ingest([]byte{2}) }, time.Second, time.Millisecond)
	<-done

	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.DecodeFailures) == 1 }, time.Second, time.Millisecond)
	assert.True(t, b.Ready())
	assert.Zero(t, good.disposed.Load())
}

func TestIngest_RealJPEG(t *testing.T) {
	ready := make(chan image.Point, 1)
	b := New(WithFrameReady(func(p image.Point) { ready <- p }))
	defer b.Close()

	require.True(t, b.Ingest(jpegBytes(t, 64, 48)))
	select {
	case p := <-ready:
		assert.Equal(t, image.Pt(64, 48), p)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for decoded frame")
	}
}

func TestRender_EmptyClearsTarget(t *testing.T) {
	b := New()
	dst := image.NewRGBA(image.Rect(0, 0, 4, 4))
	dst.Set(1, 1, color.White)

	rect := b.Render(dst, image.Pt(4, 4), 1)

	assert.True(t, rect.Empty())
	assert.Equal(t, color.RGBA{}, dst.RGBAAt(1, 1))
}

func TestRender_FitsAndNotifiesOnChangeOnly(t *testing.T) {
	var rects []image.Rectangle
	ready := make(chan struct{}, 1)
	b := New(
		WithDecoder(DecoderFunc(func([]byte) (Frame, error) { return newTestFrame(640, 480), nil })),
		WithFrameReady(func(image.Point) { ready <- struct{}{} }),
		WithRectChanged(func(r image.Rectangle) { rects = append(rects, r) }),
	)
	defer b.Close()

	require.True(t, b.Ingest([]byte{1}))
	<-ready

	dst := image.NewRGBA(image.Rect(0, 0, 1000, 500))
	r1 := b.Render(dst, image.Pt(1000, 500), 1)
	r2 := b.Render(dst, image.Pt(1000, 500), 1)
	r3 := b.Render(nil, image.Pt(640, 960), 1)

	// 640x480 into 1000x500: height bound, scale 500/480.
	assert.Equal(t, image.Rect(167, 0, 833, 500), r1)
	assert.Equal(t, r1, r2)
	assert.Equal(t, image.Rect(0, 240, 640, 720), r3)
	assert.Equal(t, []image.Rectangle{r1, r3}, rects)
	assert.Equal(t, r3, b.Rect())
}

func TestFit_AspectCorrection(t *testing.T) {
	// aspect 2 halves the effective image height.
	r := Fit(image.Pt(400, 400), image.Pt(400, 400), 2)
	assert.Equal(t, image.Rect(0, 100, 400, 300), r)

	assert.True(t, Fit(image.Pt(0, 10), image.Pt(10, 10), 1).Empty())
	assert.Equal(t, Fit(image.Pt(10, 10), image.Pt(20, 20), 1), Fit(image.Pt(10, 10), image.Pt(20, 20), -3))
}

func TestReset_ThenRenderIsEmptyAndFrameDisposed(t *testing.T) {
	frame := newTestFrame(10, 10)
	frame.err = errors.New("texture already released")
	m := metrics.New()
	ready := make(chan struct{}, 1)
	b := New(
		WithMetrics(m),
		WithLogger(zaptest.NewLogger(t)),
		WithDecoder(DecoderFunc(func([]byte) (Frame, error) { return frame, nil })),
		WithFrameReady(func(image.Point) { ready <- struct{}{} }),
	)

	require.True(t, b.Ingest([]byte{1}))
	<-ready
	require.True(t, b.Ready())

	assert.NotPanics(t, b.Reset)
	assert.False(t, b.Ready())
	assert.True(t, b.Render(image.NewRGBA(image.Rect(0, 0, 5, 5)), image.Pt(5, 5), 1).Empty())

	assert.Eventually(t, func() bool { return frame.disposed.Load() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.DisposalFailures) == 1 }, time.Second, time.Millisecond)
	b.Close()
	assert.Equal(t, int32(1), frame.disposed.Load())
}

func TestRender_ConcurrentWithIngest(t *testing.T) {
	b := New(WithDecoder(DecoderFunc(func([]byte) (Frame, error) { return newTestFrame(32, 24), nil })))
	defer b.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		dst := image.NewRGBA(image.Rect(0, 0, 64, 64))
		for {
			select {
			case <-stop:
				return
			default:
				b.Render(dst, image.Pt(64, 64), 1)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		b.Ingest([]byte{byte(i)})
	}
	close(stop)
	wg.Wait()
}

func TestImageDecoder(t *testing.T) {
	_, err := ImageDecoder{}.Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = ImageDecoder{}.Decode([]byte("not an image"))
	assert.Error(t, err)

	f, err := ImageDecoder{ReduceResolution: true}.Decode(jpegBytes(t, 64, 48))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(32, 24), f.Size())
	require.NoError(t, f.Dispose())
	assert.Nil(t, f.Image())
}

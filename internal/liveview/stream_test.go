package liveview

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"philipredstone/liveview/internal/metrics"
)

type collector struct {
	mu       sync.Mutex
	payloads [][]byte
	accept   bool
	notify   chan struct{}
}

func newCollector(accept bool) *collector {
	return &collector{accept: accept, notify: make(chan struct{}, 64)}
}

func (c *collector) sink(raw []byte) bool {
	c.mu.Lock()
	c.payloads = append(c.payloads, raw)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return c.accept
}

func (c *collector) got() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.payloads...)
}

func mjpegHandler(parts ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		for _, p := range parts {
			pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
			if err != nil {
				return
			}
			_, _ = pw.Write([]byte(p))
		}
		_ = mw.Close()
	}
}

func TestStream_MJPEGDeliversEveryPart(t *testing.T) {
	srv := httptest.NewServer(mjpegHandler("frame-1", "frame-2", "frame-3"))
	defer srv.Close()

	m := metrics.New()
	s := New(srv.URL, ModeMJPEG, WithLogger(zaptest.NewLogger(t)), WithMetrics(m))
	c := newCollector(true)

	require.NoError(t, s.Run(context.Background(), c.sink))

	assert.Equal(t, [][]byte{[]byte("frame-1"), []byte("frame-2"), []byte("frame-3")}, c.got())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StreamPayloads))
	assert.False(t, s.Connected())
}

func TestStream_MJPEGKeepsReadingWhenSinkDrops(t *testing.T) {
	srv := httptest.NewServer(mjpegHandler("a", "b"))
	defer srv.Close()

	c := newCollector(false)
	require.NoError(t, New(srv.URL, ModeMJPEG).Run(context.Background(), c.sink))
	assert.Len(t, c.got(), 2)
}

func TestStream_MJPEGRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name:    "status",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantErr: "bad status",
		},
		{
			name: "content type",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/jpeg")
				_, _ = w.Write([]byte("x"))
			},
			wantErr: "unexpected content type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			err := New(srv.URL, ModeMJPEG).Run(context.Background(), newCollector(true).sink)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestStream_JPEGPollsUntilCancelled(t *testing.T) {
	var (
		mu sync.Mutex
		n  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		n++
		body := fmt.Sprintf("jpeg-%d", n)
		mu.Unlock()
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(srv.URL, ModeJPEG, WithPollInterval(time.Millisecond), WithLogger(zaptest.NewLogger(t)))
	c := newCollector(true)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, c.sink) }()

	for i := 0; i < 3; i++ {
		select {
		case <-c.notify:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for frames")
		}
	}
	assert.True(t, s.Connected())
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got := c.got()
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, []byte("jpeg-1"), got[0])
	assert.Equal(t, []byte("jpeg-2"), got[1])
}

func TestStream_JPEGInitialCheckFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(srv.URL, ModeJPEG).Run(context.Background(), newCollector(true).sink)
	assert.ErrorContains(t, err, "initial connection check failed")
}

func TestStream_JPEGRejectsOversizedFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	err := New(srv.URL, ModeJPEG, WithMaxFrameSize(63)).Run(context.Background(), newCollector(true).sink)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStream_JPEGAcceptsFrameAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	c := newCollector(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(srv.URL, ModeJPEG, WithMaxFrameSize(64)).Run(ctx, c.sink) }()

	select {
	case <-c.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, c.got()[0], 64)
}

func TestStream_UnknownMode(t *testing.T) {
	err := New("http://127.0.0.1:1/video", Mode("RTSP")).Run(context.Background(), newCollector(true).sink)
	assert.ErrorContains(t, err, "unknown stream mode")
}

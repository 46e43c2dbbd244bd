// Package liveview reads the camera's live-view feed and hands every raw
// payload to a sink.
package liveview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-mjpeg"
	"go.uber.org/zap"

	"philipredstone/liveview/internal/metrics"
)

// Mode selects how frames are fetched.
type Mode string

const (
	// ModeMJPEG reads a multipart/x-mixed-replace stream.
	ModeMJPEG Mode = "MJPEG"
	// ModeJPEG polls a URL that returns one JPEG per request.
	ModeJPEG Mode = "JPEG HTTP"
)

const (
	defaultPollInterval = time.Second / 60
	retryDelay          = 500 * time.Millisecond
	fpsWindow           = 500 * time.Millisecond
	maxFrameBytes       = 16 << 20
)

// ErrFrameTooLarge is returned when a polled frame exceeds the size limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Sink receives raw payloads. It reports whether the payload was accepted.
type Sink func(raw []byte) bool

// Stream is one live-view source.
type Stream struct {
	url      string
	mode     Mode
	client   *http.Client
	interval time.Duration
	maxFrame int64
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	frameCount int
	lastFPS    time.Time
	fps        float64
	connected  bool
}

// Option configures a Stream.
type Option func(*Stream)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Stream) { s.client = c }
}

// WithPollInterval caps the request rate in JPEG mode.
func WithPollInterval(d time.Duration) Option {
	return func(s *Stream) { s.interval = d }
}

// WithMaxFrameSize limits the bytes read for one polled JPEG.
func WithMaxFrameSize(n int64) Option {
	return func(s *Stream) { s.maxFrame = n }
}

// WithLogger sets the stream's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithMetrics counts payloads on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stream) { s.metrics = m }
}

// New creates a stream for url.
func New(url string, mode Mode, opts ...Option) *Stream {
	s := &Stream{
		url:      url,
		mode:     mode,
		client:   &http.Client{},
		interval: defaultPollInterval,
		maxFrame: maxFrameBytes,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL is the address the stream reads from.
func (s *Stream) URL() string { return s.url }

// FPS is the rate at which the camera is delivering payloads.
func (s *Stream) FPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

// Connected reports whether the stream has an established feed.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Run reads until ctx is cancelled or the feed ends. A clean end of stream
// returns nil; cancellation returns ctx.Err().
func (s *Stream) Run(ctx context.Context, sink Sink) error {
	defer s.setConnected(false)

	switch s.mode {
	case ModeMJPEG:
		return s.runMJPEG(ctx, sink)
	case ModeJPEG:
		return s.runJPEG(ctx, sink)
	default:
		return fmt.Errorf("unknown stream mode %q", s.mode)
	}
}

func (s *Stream) runMJPEG(ctx context.Context, sink Sink) error {
	s.logger.Info("connecting", zap.String("mode", string(s.mode)), zap.String("url", s.url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "multipart/x-mixed-replace")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "multipart/x-mixed-replace") {
		return fmt.Errorf("unexpected content type: %s", ct)
	}

	dec, err := mjpeg.NewDecoderFromResponse(resp)
	if err != nil {
		return fmt.Errorf("invalid multipart stream: %w", err)
	}

	s.logger.Info("connection established, reading stream")
	s.setConnected(true)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := dec.DecodeRaw()
		if errors.Is(err, io.EOF) {
			s.logger.Info("end of stream")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("error reading part: %w", err)
		}
		s.deliver(sink, raw)
	}
}

func (s *Stream) runJPEG(ctx context.Context, sink Sink) error {
	s.logger.Info("connecting", zap.String("mode", string(s.mode)), zap.String("url", s.url))

	raw, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("initial connection check failed: %w", err)
	}
	s.logger.Info("connection check ok")
	s.setConnected(true)
	s.deliver(sink, raw)

	for {
		start := time.Now()

		raw, err := s.fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.logger.Warn("frame request failed", zap.Error(err))
			if !sleep(ctx, retryDelay) {
				return ctx.Err()
			}
			continue
		default:
			s.deliver(sink, raw)
		}

		if wait := s.interval - time.Since(start); wait > 0 && !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (s *Stream) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		s.logger.Warn("unexpected content type", zap.String("content_type", ct))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.maxFrame+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > s.maxFrame {
		return nil, fmt.Errorf("%w: over %d bytes", ErrFrameTooLarge, s.maxFrame)
	}
	return raw, nil
}

func (s *Stream) deliver(sink Sink, raw []byte) {
	s.metrics.AddStreamPayload()
	if !sink(raw) {
		s.logger.Debug("payload dropped", zap.Int("bytes", len(raw)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameCount++
	now := time.Now()
	if s.lastFPS.IsZero() {
		s.lastFPS = now
		return
	}
	if d := now.Sub(s.lastFPS); d >= fpsWindow {
		s.fps = float64(s.frameCount) / d.Seconds()
		s.lastFPS = now
		s.frameCount = 0
	}
}

func (s *Stream) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
	if !v {
		s.fps = 0
		s.frameCount = 0
		s.lastFPS = time.Time{}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"philipredstone/liveview/internal/config"
	"philipredstone/liveview/internal/device"
	"philipredstone/liveview/internal/framebuffer"
	"philipredstone/liveview/internal/liveview"
	"philipredstone/liveview/internal/metrics"
	"philipredstone/liveview/internal/remote"
)

// selector is the part of the bridge a session drives.
type selector interface {
	Select(conn *device.Connection) error
}

// session is one connection: the stream feeding a frame buffer and the
// camera model behind the device-list entry.
type session struct {
	cfg    config.Config
	stream *liveview.Stream
	buffer *framebuffer.Buffer
	camera *device.Camera

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

type sessionDeps struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	conn    *device.Connection
	bridge  selector
	onFrame func(size image.Point)
	onEnd   func(err error)
}

func startSession(ctx context.Context, cfg config.Config, deps sessionDeps) (*session, error) {
	logger := deps.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := remote.New(cfg.CommandURL(), remote.WithLogger(logger.Named("remote")))
	if err != nil {
		return nil, fmt.Errorf("camera commands: %w", err)
	}

	cam := newCamera(cfg, client, logger)
	proc := device.NewProcessor(logger)
	cam.AttachProcessor(proc)

	buffer := framebuffer.New(
		framebuffer.WithDecoder(framebuffer.ImageDecoder{ReduceResolution: cfg.Reduce(), Scaler: cfg.Scaler()}),
		framebuffer.WithEffect(cfg.FrameEffect()),
		framebuffer.WithScaler(cfg.Scaler()),
		framebuffer.WithLogger(logger.Named("framebuffer")),
		framebuffer.WithMetrics(deps.metrics),
		framebuffer.WithFrameReady(func(size image.Point) {
			proc.SetFrameSize(size)
			if deps.onFrame != nil {
				deps.onFrame(size)
			}
		}),
		framebuffer.WithRectChanged(func(r image.Rectangle) {
			logger.Debug("image rect changed", zap.Stringer("rect", r))
		}),
	)

	stream := liveview.New(cfg.StreamURL(), liveview.Mode(cfg.StreamType),
		liveview.WithLogger(logger.Named("liveview")),
		liveview.WithMetrics(deps.metrics),
	)

	deps.conn.SetCamera(cam)
	if err := deps.bridge.Select(deps.conn); err != nil {
		deps.conn.SetCamera(nil)
		return nil, fmt.Errorf("select camera: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:    cfg,
		stream: stream,
		buffer: buffer,
		camera: cam,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		watchCamera(ctx, cfg, client, cam, logger.Named("status"))
	}()

	go func() {
		defer close(s.done)

		err := stream.Run(ctx, buffer.Ingest)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		cancel()
		<-polled

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		cam.Disconnect(true)
		deps.conn.SetCamera(nil)
		buffer.Close()

		if deps.onEnd != nil {
			deps.onEnd(err)
		}
	}()

	return s, nil
}

// Stop ends the stream and waits for cleanup.
func (s *session) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed once the session has ended.
func (s *session) Done() <-chan struct{} { return s.done }

// Err is the reason the stream ended, nil for a clean end or Stop.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// watchCamera loads the camera's menus, then polls its live state into the
// processor every StatusInterval until ctx ends. Without a menu answer the
// profile's menus stay in place.
func watchCamera(ctx context.Context, cfg config.Config, client *remote.Client, cam *device.Camera, logger *zap.Logger) {
	menus, err := client.MenuSet(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		logger.Info("camera menus unavailable, using profile", zap.Error(err))
	default:
		applyMenus(cam, menus)
	}

	if cfg.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.StatusInterval)
	defer ticker.Stop()
	for {
		pollStatus(ctx, client, cam.Processor(), logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pollStatus(ctx context.Context, client *remote.Client, proc *device.Processor, logger *zap.Logger) {
	st, err := client.Status(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Debug("camera status unavailable", zap.Error(err))
		}
		return
	}

	proc.SetAperture(st.Aperture)
	proc.SetShutter(st.Shutter)
	proc.SetIso(st.Iso)
	proc.SetZoom(st.Zoom)

	// Focus boxes are relative to the frame, so wait for the first one.
	if size := proc.FrameSize(); size != (image.Point{}) {
		proc.ReportFocus(size, st.FocusFixed, st.Focus)
	}
}

// applyMenus replaces the profile's menus with the ones the camera reported.
// Empty lists keep the profile's values.
func applyMenus(cam *device.Camera, m remote.Menus) {
	var fields []device.Field
	if len(m.Apertures) > 0 {
		fields = append(fields, device.FieldCurrentApertures)
	}
	if len(m.ShutterSpeeds) > 0 || len(m.IsoValues) > 0 {
		fields = append(fields, device.FieldMenuSet)
	}
	if len(fields) == 0 {
		return
	}

	cam.Update(func(s *device.State) {
		if len(m.Apertures) > 0 {
			s.CurrentApertures = m.Apertures
		}
		menu := device.MenuSet{}
		if s.MenuSet != nil {
			menu = *s.MenuSet
		}
		if len(m.ShutterSpeeds) > 0 {
			menu.ShutterSpeeds = m.ShutterSpeeds
		}
		if len(m.IsoValues) > 0 {
			menu.IsoValues = m.IsoValues
		}
		s.MenuSet = &menu
	}, fields...)
}

// newCamera builds the camera model from the configured profile.
func newCamera(cfg config.Config, cmd device.Commander, logger *zap.Logger) *device.Camera {
	p := cfg.Profile
	items := func(command string, entries []config.MenuEntry) []device.MenuItem {
		out := make([]device.MenuItem, 0, len(entries))
		for _, e := range entries {
			out = append(out, device.MenuItem{Text: e.Text, Command: command, Value: e.Value})
		}
		return out
	}

	cam := device.NewCamera(cfg.CameraName, cmd, logger.Named("camera"))
	cam.Update(func(s *device.State) {
		s.CanCapture = p.CanCapture
		s.CanManualFocus = p.CanManualFocus
		s.CurrentApertures = items(device.CommandAperture, p.Apertures)
		s.MenuSet = &device.MenuSet{
			ShutterSpeeds: items(device.CommandShutter, p.ShutterSpeeds),
			IsoValues:     items(device.CommandIso, p.IsoValues),
		}
		s.LensInfo = &device.LensInfo{MinZoom: p.MinZoom, MaxZoom: p.MaxZoom, HasPowerZoom: p.PowerZoom}
	})
	return cam
}

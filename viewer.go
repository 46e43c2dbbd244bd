package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"philipredstone/liveview/internal/bridge"
	"philipredstone/liveview/internal/config"
	"philipredstone/liveview/internal/device"
	"philipredstone/liveview/internal/focus"
	"philipredstone/liveview/internal/metrics"
	"philipredstone/liveview/internal/notify"
)

const (
	maxLogChars    = 32 << 10
	focusThickness = 2
	captureTimeout = 10 * time.Second
)

// LiveViewApp is the viewer window: connection controls, the live frame with
// focus overlay, exposure controls and a log panel.
type LiveViewApp struct {
	fyneApp fyne.App
	window  fyne.Window

	// UI Elements
	hostEntry      *widget.Entry
	portEntry      *widget.Entry
	pathEntry      *widget.Entry
	streamType     *widget.Select
	performance    *widget.Select
	connectButton  *widget.Button
	showFPSCheck   *widget.Check
	reduceResCheck *widget.Check
	apertureSelect *widget.Select
	shutterSelect  *widget.Select
	isoSelect      *widget.Select
	captureButton  *widget.Button
	preview        *canvas.Raster
	noFeedLabel    *widget.Label
	imageContainer *fyne.Container
	logArea        *widget.Entry
	logScroller    *container.Scroll
	statusLabel    *widget.Label

	ctx     context.Context
	logger  *zap.Logger
	metrics *metrics.Metrics
	bridge  *bridge.Bridge
	sub     *notify.Subscription
	conn    *device.Connection

	// State
	stateMutex sync.RWMutex
	cfg        config.Config
	session    *session
	sessionGen uint64
	snapshot   bridge.Snapshot
	syncing    atomic.Bool // set while the UI mirrors a snapshot

	logChan    <-chan string
	statusChan chan string
	redrawChan chan struct{}
	snapChan   chan struct{}

	// FPS Calculation
	uiFrameCount  int
	lastUIFPSTime time.Time
	uiFPS         float64
}

// NewLiveViewApp builds the window. Log lines written to the logger's panel
// sink arrive on logChan.
func NewLiveViewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Metrics, b *bridge.Bridge, logChan <-chan string) *LiveViewApp {
	a := app.New()
	w := a.NewWindow("Camera Live View")

	d := &LiveViewApp{
		fyneApp:    a,
		window:     w,
		ctx:        ctx,
		logger:     logger,
		metrics:    m,
		bridge:     b,
		conn:       device.NewConnection(cfg.CameraName, nil, logger.Named("connection")),
		cfg:        cfg,
		snapshot:   b.Snapshot(),
		logChan:    logChan,
		statusChan: make(chan string, 5),
		redrawChan: make(chan struct{}, 1),
		snapChan:   make(chan struct{}, 1),
	}

	d.sub = b.Subscribe(d.onChange)

	d.initUI()
	w.SetContent(d.createContent())
	w.Resize(fyne.NewSize(1100, 750))
	w.SetOnClosed(d.onClosing)

	go d.uiUpdater()

	return d
}

func (d *LiveViewApp) initUI() {
	cfg := d.config()

	d.preview = canvas.NewRaster(d.renderFrame)

	d.hostEntry = widget.NewEntry()
	d.portEntry = widget.NewEntry()
	d.pathEntry = widget.NewEntry()
	d.streamType = widget.NewSelect([]string{config.StreamMJPEG, config.StreamJPEG}, func(string) {})
	d.performance = widget.NewSelect([]string{config.PerfMaximum, config.PerfBalanced, config.PerfQuality}, func(string) {})
	d.connectButton = widget.NewButton("Connect", d.toggleConnection)

	d.showFPSCheck = widget.NewCheck("Show FPS", func(b bool) {
		d.stateMutex.Lock()
		d.cfg.ShowFPS = b
		d.stateMutex.Unlock()
		d.preview.Refresh()
	})
	d.reduceResCheck = widget.NewCheck("Reduce Resolution (Max Perf)", func(bool) {})
	d.fillConnectionForm(cfg)

	d.apertureSelect = widget.NewSelect(nil, func(text string) {
		d.applySetting("aperture", text, d.currentSnapshot().CurrentApertures, d.bridge.SetAperture)
	})
	d.shutterSelect = widget.NewSelect(nil, func(text string) {
		d.applySetting("shutter", text, d.currentSnapshot().ShutterSpeeds, d.bridge.SetShutter)
	})
	d.isoSelect = widget.NewSelect(nil, func(text string) {
		d.applySetting("iso", text, d.currentSnapshot().IsoValues, d.bridge.SetIso)
	})
	d.captureButton = widget.NewButton("Capture", d.capture)
	d.applySnapshot(d.currentSnapshot())

	d.noFeedLabel = widget.NewLabel("No Camera Feed")
	d.noFeedLabel.Alignment = fyne.TextAlignCenter

	d.imageContainer = container.NewStack(d.noFeedLabel, d.preview)

	d.logArea = widget.NewMultiLineEntry()
	d.logArea.Disable()
	d.logArea.Wrapping = fyne.TextWrapWord
	d.logScroller = container.NewScroll(d.logArea)

	d.statusLabel = widget.NewLabel("Ready")
}

func (d *LiveViewApp) fillConnectionForm(cfg config.Config) {
	d.hostEntry.SetText(cfg.Host)
	d.portEntry.SetText(strconv.Itoa(cfg.Port))
	d.pathEntry.SetText(cfg.Path)
	d.streamType.SetSelected(cfg.StreamType)
	d.performance.SetSelected(cfg.Performance)
	d.showFPSCheck.SetChecked(cfg.ShowFPS)
	d.reduceResCheck.SetChecked(cfg.ReduceResolution)
}

func (d *LiveViewApp) createContent() fyne.CanvasObject {
	controls := container.NewVBox(
		widget.NewCard("Camera Connection", "", container.NewVBox(
			container.NewGridWithColumns(2,
				widget.NewLabel("Host:"), d.hostEntry,
				widget.NewLabel("Port:"), d.portEntry,
				widget.NewLabel("Path:"), d.pathEntry,
				widget.NewLabel("Stream Type:"), d.streamType,
				widget.NewLabel("Performance:"), d.performance,
			),
			d.connectButton,
			widget.NewSeparator(),
			d.showFPSCheck,
			d.reduceResCheck,
		)),
		widget.NewCard("Exposure", "", container.NewVBox(
			container.NewGridWithColumns(2,
				widget.NewLabel("Aperture:"), d.apertureSelect,
				widget.NewLabel("Shutter:"), d.shutterSelect,
				widget.NewLabel("ISO:"), d.isoSelect,
			),
			d.captureButton,
		)),
	)

	logGroup := widget.NewCard("Log", "", d.logScroller)

	centerSplit := container.NewHSplit(controls, d.imageContainer)
	centerSplit.SetOffset(0.3)

	content := container.NewBorder(nil, d.statusLabel, nil, nil, centerSplit)

	mainLayout := container.NewVSplit(content, logGroup)
	mainLayout.SetOffset(0.8)
	return mainLayout
}

func (d *LiveViewApp) config() config.Config {
	d.stateMutex.RLock()
	defer d.stateMutex.RUnlock()
	return d.cfg
}

func (d *LiveViewApp) currentSnapshot() bridge.Snapshot {
	d.stateMutex.RLock()
	defer d.stateMutex.RUnlock()
	return d.snapshot
}

// status sends a message to the status bar.
func (d *LiveViewApp) status(message string) {
	select {
	case d.statusChan <- message:
	default:
	}
}

// onChange runs on the state loop for every published attribute.
func (d *LiveViewApp) onChange(c bridge.Change) {
	d.stateMutex.Lock()
	d.snapshot = c.Snapshot
	d.stateMutex.Unlock()

	select {
	case d.snapChan <- struct{}{}:
	default:
	}
}

// uiUpdater owns widget updates driven by background work.
func (d *LiveViewApp) uiUpdater() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var logBuffer strings.Builder
	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.redrawChan:
			if d.noFeedLabel.Visible() {
				d.noFeedLabel.Hide()
			}
			d.preview.Refresh()
			d.stateMutex.Lock()
			d.uiFrameCount++
			d.stateMutex.Unlock()

		case <-d.snapChan:
			d.applySnapshot(d.currentSnapshot())
			d.preview.Refresh()

		case logMsg := <-d.logChan:
			logBuffer.WriteString(logMsg)

		case statusMsg := <-d.statusChan:
			d.statusLabel.SetText(statusMsg)

		case <-ticker.C:
			if logBuffer.Len() > 0 {
				d.logArea.SetText(trimLog(logBuffer.String()+d.logArea.Text, maxLogChars))
				logBuffer.Reset()
			}
			d.updateFPS()
		}
	}
}

// trimLog cuts text to at most limit bytes without splitting a rune.
func trimLog(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

func (d *LiveViewApp) updateFPS() {
	d.stateMutex.Lock()
	now := time.Now()
	uiDuration := now.Sub(d.lastUIFPSTime)
	switch {
	case uiDuration >= 500*time.Millisecond && d.uiFrameCount > 0:
		d.uiFPS = float64(d.uiFrameCount) / uiDuration.Seconds()
		d.lastUIFPSTime = now
		d.uiFrameCount = 0
	case uiDuration > 2*time.Second:
		d.uiFPS = 0
		d.lastUIFPSTime = now
		d.uiFrameCount = 0
	}
	s, uiFPS := d.session, d.uiFPS
	d.stateMutex.Unlock()

	if s != nil && s.stream.Connected() {
		d.status(fmt.Sprintf("Connected (%s) | Camera: %.1f FPS | UI: %.1f FPS", s.cfg.StreamType, s.stream.FPS(), uiFPS))
	}
}

// renderFrame is the raster generator: the fitted frame, the focus boxes
// and the FPS label.
func (d *LiveViewApp) renderFrame(w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	d.stateMutex.RLock()
	s, snap, cfg, uiFPS := d.session, d.snapshot, d.cfg, d.uiFPS
	d.stateMutex.RUnlock()
	if s == nil {
		return dst
	}

	rect := s.buffer.Render(dst, image.Pt(w, h), cfg.PixelAspect)
	if rect.Empty() {
		return dst
	}
	focus.Draw(dst, snap.FocusAreas, rect, focusThickness)
	if cfg.ShowFPS {
		drawOverlay(dst, rect.Min, fmt.Sprintf("Cam:%.1f UI:%.1f", s.stream.FPS(), uiFPS))
	}
	return dst
}

// drawOverlay writes text in the top-left corner of the image area.
func drawOverlay(dst draw.Image, origin image.Point, text string) {
	dr := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(origin.X+10, origin.Y+20),
	}
	dr.DrawString(text)
}

// applySnapshot mirrors s into the exposure controls without sending
// anything back to the camera.
func (d *LiveViewApp) applySnapshot(s bridge.Snapshot) {
	d.syncing.Store(true)
	defer d.syncing.Store(false)

	mirrorSelect(d.apertureSelect, s.CurrentApertures, s.CurrentAperture, s.IsConnectionActive && s.CanChangeAperture)
	mirrorSelect(d.shutterSelect, s.ShutterSpeeds, s.CurrentShutter, s.IsConnectionActive && s.CanChangeShutter)
	mirrorSelect(d.isoSelect, s.IsoValues, s.CurrentIso, s.IsConnectionActive)

	if s.IsConnectionActive && s.CanCapture {
		d.captureButton.Enable()
	} else {
		d.captureButton.Disable()
	}
}

func mirrorSelect(sel *widget.Select, items []device.MenuItem, current *device.MenuItem, enabled bool) {
	options := make([]string, 0, len(items))
	for _, it := range items {
		options = append(options, it.Text)
	}
	sel.Options = options
	if current != nil {
		sel.SetSelected(current.Text)
	} else {
		sel.ClearSelected()
	}
	if enabled && len(options) > 0 {
		sel.Enable()
	} else {
		sel.Disable()
	}
	sel.Refresh()
}

func (d *LiveViewApp) applySetting(kind, text string, items []device.MenuItem, set func(context.Context, *device.MenuItem) error) {
	if d.syncing.Load() {
		return
	}
	var item *device.MenuItem
	for i := range items {
		if items[i].Text == text {
			item = &items[i]
			break
		}
	}
	if item == nil {
		return
	}
	d.logger.Info("changing setting", zap.String("setting", kind), zap.String("value", item.Text))
	if err := set(d.ctx, item); err != nil {
		d.logger.Error("failed to queue setting", zap.String("setting", kind), zap.Error(err))
	}
}

func (d *LiveViewApp) capture() {
	if !d.bridge.CanCapture() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, captureTimeout)
		defer cancel()
		if err := d.bridge.Capture(ctx); err != nil {
			d.logger.Warn("capture failed", zap.Error(err))
			d.status("Capture failed")
			return
		}
		d.logger.Info("captured")
	}()
}

func (d *LiveViewApp) toggleConnection() {
	d.stateMutex.RLock()
	active := d.session != nil
	d.stateMutex.RUnlock()

	if active {
		d.disconnect("User disconnected")
	} else {
		d.connect()
	}
}

func (d *LiveViewApp) connect() {
	cfg := d.config()
	cfg.Host = strings.TrimSpace(d.hostEntry.Text)
	cfg.Path = strings.TrimSpace(d.pathEntry.Text)
	cfg.StreamType = d.streamType.Selected
	cfg.Performance = d.performance.Selected
	cfg.ReduceResolution = d.reduceResCheck.Checked

	port, err := strconv.Atoi(strings.TrimSpace(d.portEntry.Text))
	if err != nil {
		dialog.ShowError(fmt.Errorf("invalid port number: %s", d.portEntry.Text), d.window)
		return
	}
	cfg.Port = port
	if err := cfg.Validate(); err != nil {
		dialog.ShowError(err, d.window)
		return
	}

	d.logger.Info("connecting", zap.String("mode", cfg.StreamType), zap.String("url", cfg.StreamURL()))
	d.status("Connecting...")
	d.connectButton.SetText("Connecting...")
	d.connectButton.Disable()

	d.stateMutex.Lock()
	d.sessionGen++
	gen := d.sessionGen
	d.stateMutex.Unlock()

	s, err := startSession(d.ctx, cfg, sessionDeps{
		logger:  d.logger,
		metrics: d.metrics,
		conn:    d.conn,
		bridge:  d.bridge,
		onFrame: func(image.Point) {
			select {
			case d.redrawChan <- struct{}{}:
			default:
			}
		},
		onEnd: func(err error) { d.streamEnded(gen, err) },
	})
	if err != nil {
		d.logger.Error("connect failed", zap.Error(err))
		d.resetUI("Connect failed")
		return
	}

	d.stateMutex.Lock()
	d.session = s
	d.cfg = cfg
	d.lastUIFPSTime = time.Now()
	d.uiFrameCount = 0
	d.stateMutex.Unlock()

	d.status(fmt.Sprintf("Connected (%s)", cfg.StreamType))
	d.connectButton.SetText("Disconnect")
	d.connectButton.Enable()
}

// streamEnded runs on the session goroutine when its stream stops by itself.
func (d *LiveViewApp) streamEnded(gen uint64, err error) {
	d.stateMutex.Lock()
	if gen != d.sessionGen {
		d.stateMutex.Unlock()
		return
	}
	d.session = nil
	d.stateMutex.Unlock()

	reason := "Stream ended unexpectedly"
	if err != nil {
		reason = fmt.Sprintf("Stream error: %v", err)
	}
	d.logger.Warn("stream stopped", zap.String("reason", reason))
	d.resetUI(reason)
}

func (d *LiveViewApp) disconnect(reason string) {
	d.stateMutex.Lock()
	s := d.session
	d.session = nil
	d.sessionGen++
	d.stateMutex.Unlock()

	if s == nil {
		return
	}
	s.Stop()

	d.logger.Info("disconnected", zap.String("reason", reason))
	d.resetUI(reason)
}

func (d *LiveViewApp) resetUI(reason string) {
	d.status("Disconnected: " + reason)
	d.connectButton.SetText("Connect")
	d.connectButton.Enable()

	d.stateMutex.Lock()
	d.uiFPS = 0
	d.stateMutex.Unlock()

	d.preview.Refresh()
	d.noFeedLabel.Show()
}

// applyConfig takes a reloaded configuration. Display settings apply at
// once; connection settings apply on the next connect.
func (d *LiveViewApp) applyConfig(cfg config.Config) {
	d.stateMutex.Lock()
	d.cfg = cfg
	connected := d.session != nil
	d.stateMutex.Unlock()

	if !connected {
		d.fillConnectionForm(cfg)
	} else {
		d.showFPSCheck.SetChecked(cfg.ShowFPS)
	}
	d.preview.Refresh()
}

func (d *LiveViewApp) onClosing() {
	d.logger.Info("application closing")
	d.sub.Close()
	d.disconnect("Window closed")
	if err := d.bridge.Close(); err != nil {
		d.logger.Debug("bridge close", zap.Error(err))
	}
}

func (d *LiveViewApp) run() {
	d.window.ShowAndRun()
}

package device

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"philipredstone/liveview/internal/notify"
)

// State is the camera-level part of the device model.
type State struct {
	CanManualFocus    bool
	CanChangeAperture bool
	CanChangeShutter  bool
	CanCapture        bool
	CurrentApertures  []MenuItem
	MenuSet           *MenuSet
	RecState          RecState
	MaximumFocus      int
	CurrentFocus      int
	LensInfo          *LensInfo
}

// Camera is the model of one connected camera. Setters notify subscribers
// of the changed field; commands go through the Commander.
type Camera struct {
	name string

	mu        sync.RWMutex
	state     State
	processor *Processor
	cmd       Commander

	changes     *notify.Feed[Field]
	disconnects *notify.Feed[bool]
}

// NewCamera creates a camera model. cmd may be nil for a read-only camera.
func NewCamera(name string, cmd Commander, logger *zap.Logger) *Camera {
	return &Camera{
		name:        name,
		cmd:         cmd,
		state:       State{CanChangeAperture: true, CanChangeShutter: true},
		changes:     notify.NewFeed[Field](logger),
		disconnects: notify.NewFeed[bool](logger),
	}
}

// Name is the camera's display name.
func (c *Camera) Name() string { return c.name }

// Subscribe registers fn for camera field changes.
func (c *Camera) Subscribe(fn func(Field)) *notify.Subscription {
	return c.changes.Subscribe(fn)
}

// SubscribeDisconnect registers fn for disconnect signals. The argument
// reports whether the camera is still reachable.
func (c *Camera) SubscribeDisconnect(fn func(stillAvailable bool)) *notify.Subscription {
	return c.disconnects.Subscribe(fn)
}

// Disconnect signals subscribers that the connection dropped.
func (c *Camera) Disconnect(stillAvailable bool) {
	c.disconnects.Publish(stillAvailable)
}

// Processor returns the live-view processor, or nil when the camera is not
// streaming.
func (c *Camera) Processor() *Processor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.processor
}

// AttachProcessor installs the live-view processor.
func (c *Camera) AttachProcessor(p *Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processor = p
}

// State returns a copy of the camera-level state.
func (c *Camera) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	s.CurrentApertures = slices.Clone(s.CurrentApertures)
	return s
}

// Update applies fn to the state and notifies the given fields.
func (c *Camera) Update(fn func(*State), fields ...Field) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
	for _, f := range fields {
		c.changes.Publish(f)
	}
}

// CurrentAperture resolves the processor's aperture reading to a menu item.
func (c *Camera) CurrentAperture() *MenuItem {
	p := c.Processor()
	if p == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return findItem(c.state.CurrentApertures, p.Aperture().Value)
}

// CurrentShutter resolves the processor's shutter reading to a menu item.
func (c *Camera) CurrentShutter() *MenuItem {
	p := c.Processor()
	if p == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.MenuSet == nil {
		return nil
	}
	return findItem(c.state.MenuSet.ShutterSpeeds, p.Shutter().Value)
}

// CurrentIso resolves the processor's ISO reading to a menu item.
func (c *Camera) CurrentIso() *MenuItem {
	p := c.Processor()
	if p == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.MenuSet == nil {
		return nil
	}
	return findItem(c.state.MenuSet.IsoValues, p.Iso().Value)
}

// SendMenuItem asks the camera to select item.
func (c *Camera) SendMenuItem(ctx context.Context, item MenuItem) error {
	if c.cmd == nil {
		return ErrNoCommander
	}
	if err := c.cmd.SendMenuItem(ctx, item); err != nil {
		return fmt.Errorf("send %s=%s to %s: %w", item.Command, item.Value, c.name, err)
	}
	return nil
}

// Capture triggers the shutter.
func (c *Camera) Capture(ctx context.Context) error {
	if c.cmd == nil {
		return ErrNoCommander
	}
	if err := c.cmd.Capture(ctx); err != nil {
		return fmt.Errorf("capture on %s: %w", c.name, err)
	}
	return nil
}

// Connection is an entry in the device list. Its camera is replaced when
// the link is re-established.
type Connection struct {
	name string

	mu     sync.RWMutex
	camera *Camera

	changes *notify.Feed[*Camera]
}

// NewConnection creates a connection entry, optionally with a camera.
func NewConnection(name string, cam *Camera, logger *zap.Logger) *Connection {
	return &Connection{name: name, camera: cam, changes: notify.NewFeed[*Camera](logger)}
}

// Name is the device name.
func (c *Connection) Name() string { return c.name }

// Camera returns the current camera, or nil while not connected.
func (c *Connection) Camera() *Camera {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.camera
}

// SetCamera swaps the camera and notifies subscribers.
func (c *Connection) SetCamera(cam *Camera) {
	c.mu.Lock()
	c.camera = cam
	c.mu.Unlock()
	c.changes.Publish(cam)
}

// SubscribeCamera registers fn for camera swaps.
func (c *Connection) SubscribeCamera(fn func(*Camera)) *notify.Subscription {
	return c.changes.Subscribe(fn)
}

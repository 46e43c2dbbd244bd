// Package device models a connected camera as the viewer sees it: its
// current control selections, capabilities and lens, the off-frame processor
// that decodes per-frame state, and the change feeds keyed by field.
package device

import (
	"context"
	"errors"
)

// ErrNoCommander is returned by commands on a camera without a command
// channel.
var ErrNoCommander = errors.New("camera has no command channel")

// Field identifies one piece of camera state in change notifications.
type Field string

// Camera fields.
const (
	FieldCanManualFocus    Field = "CanManualFocus"
	FieldCurrentApertures  Field = "CurrentApertures"
	FieldCanChangeShutter  Field = "CanChangeShutter"
	FieldCanChangeAperture Field = "CanChangeAperture"
	FieldMenuSet           Field = "MenuSet"
	FieldRecState          Field = "RecState"
	FieldCanCapture        Field = "CanCapture"
	FieldMaximumFocus      Field = "MaximumFocus"
	FieldCurrentFocus      Field = "CurrentFocus"
	FieldLensInfo          Field = "LensInfo"
)

// Off-frame processor fields.
const (
	FieldShutter     Field = "Shutter"
	FieldAperture    Field = "Aperture"
	FieldIso         Field = "Iso"
	FieldZoom        Field = "Zoom"
	FieldFocusPoints Field = "FocusPoints"
)

// Command names used by MenuItem.Command.
const (
	CommandAperture = "focal"
	CommandShutter  = "shtrspeed"
	CommandIso      = "iso"
)

// MenuItem is one selectable value of a camera control.
type MenuItem struct {
	// Text is the display label, e.g. "F2.8" or "1/250".
	Text string
	// Command is the setting name sent to the camera.
	Command string
	// Value is the wire value for Command.
	Value string
}

// MenuSet holds the selectable values the camera advertises.
type MenuSet struct {
	ShutterSpeeds []MenuItem
	IsoValues     []MenuItem
}

// LensInfo describes the attached lens.
type LensInfo struct {
	MinZoom      int
	MaxZoom      int
	HasPowerZoom bool
}

// RecState is the video recording state.
type RecState int

const (
	RecUnknown RecState = iota
	RecStopped
	RecRecording
)

func (s RecState) String() string {
	switch s {
	case RecStopped:
		return "stopped"
	case RecRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Reading is a value the processor decodes from the frame stream.
type Reading struct {
	Text  string
	Value string
}

// Commander is the remote command channel to the camera.
type Commander interface {
	SendMenuItem(ctx context.Context, item MenuItem) error
	Capture(ctx context.Context) error
}

func findItem(items []MenuItem, value string) *MenuItem {
	if value == "" {
		return nil
	}
	for i := range items {
		if items[i].Value == value {
			item := items[i]
			return &item
		}
	}
	return nil
}

package bridge

import (
	"time"

	"philipredstone/liveview/internal/device"
	"philipredstone/liveview/internal/focus"
)

// Attribute names one display attribute of the snapshot.
type Attribute string

const (
	AttrSelectedCamera      Attribute = "SelectedCamera"
	AttrIsConnected         Attribute = "IsConnected"
	AttrIsConnectionActive  Attribute = "IsConnectionActive"
	AttrCanChangeAperture   Attribute = "CanChangeAperture"
	AttrCanChangeShutter    Attribute = "CanChangeShutter"
	AttrCanManualFocus      Attribute = "CanManualFocus"
	AttrCanPowerZoom        Attribute = "CanPowerZoom"
	AttrCanCapture          Attribute = "CanCapture"
	AttrRecState            Attribute = "RecState"
	AttrShutterSpeeds       Attribute = "ShutterSpeeds"
	AttrCurrentApertures    Attribute = "CurrentApertures"
	AttrIsoValues           Attribute = "IsoValues"
	AttrCurrentAperture     Attribute = "CurrentAperture"
	AttrCurrentApertureText Attribute = "CurrentApertureText"
	AttrCurrentShutter      Attribute = "CurrentShutter"
	AttrCurrentShutterText  Attribute = "CurrentShutterText"
	AttrCurrentIso          Attribute = "CurrentIso"
	AttrMaxZoom             Attribute = "MaxZoom"
	AttrMinZoom             Attribute = "MinZoom"
	AttrCurrentZoom         Attribute = "CurrentZoom"
	AttrMaximumFocus        Attribute = "MaximumFocus"
	AttrCurrentFocus        Attribute = "CurrentFocus"
	AttrFocusAreas          Attribute = "FocusAreas"
)

// refreshOrder is every attribute published by a full refresh.
var refreshOrder = []Attribute{
	AttrIsConnected,
	AttrIsConnectionActive,
	AttrCanChangeAperture,
	AttrCanChangeShutter,
	AttrCanManualFocus,
	AttrCanPowerZoom,
	AttrRecState,
	AttrShutterSpeeds,
	AttrCurrentApertures,
	AttrIsoValues,
	AttrCurrentAperture,
	AttrCurrentApertureText,
	AttrCurrentShutter,
	AttrCurrentShutterText,
	AttrCurrentIso,
	AttrCanCapture,
	AttrMaxZoom,
	AttrMinZoom,
	AttrCurrentZoom,
	AttrMaximumFocus,
	AttrCurrentFocus,
	AttrFocusAreas,
}

// cameraFanout lists the attributes derived from each camera field.
var cameraFanout = map[device.Field][]Attribute{
	device.FieldCanManualFocus:    {AttrCanManualFocus},
	device.FieldCurrentApertures:  {AttrCurrentApertures},
	device.FieldCanChangeShutter:  {AttrCanChangeShutter},
	device.FieldCanChangeAperture: {AttrCanChangeAperture},
	device.FieldMenuSet:           {AttrShutterSpeeds, AttrIsoValues},
	device.FieldRecState:          {AttrRecState},
	device.FieldCanCapture:        {AttrCanCapture},
	device.FieldMaximumFocus:      {AttrMaximumFocus},
	device.FieldCurrentFocus:      {AttrCurrentFocus},
	device.FieldLensInfo:          {AttrCanPowerZoom, AttrMaxZoom, AttrMinZoom},
}

// processorFanout lists the attributes derived from each processor field.
var processorFanout = map[device.Field][]Attribute{
	device.FieldShutter:     {AttrCurrentShutter, AttrCurrentShutterText},
	device.FieldAperture:    {AttrCurrentAperture, AttrCurrentApertureText},
	device.FieldIso:         {AttrCurrentIso},
	device.FieldZoom:        {AttrCurrentZoom},
	device.FieldFocusPoints: {AttrFocusAreas},
}

// Snapshot is the consolidated view of the selected camera.
type Snapshot struct {
	CameraName         string
	IsConnected        bool
	IsConnectionActive bool
	ConnectedAt        time.Time
	Session            string

	CanChangeAperture bool
	CanChangeShutter  bool
	CanManualFocus    bool
	CanPowerZoom      bool
	CanCapture        bool
	RecState          device.RecState

	CurrentApertures []device.MenuItem
	ShutterSpeeds    []device.MenuItem
	IsoValues        []device.MenuItem

	CurrentAperture     *device.MenuItem
	CurrentApertureText string
	CurrentShutter      *device.MenuItem
	CurrentShutterText  string
	CurrentIso          *device.MenuItem

	MaxZoom      int
	MinZoom      int
	CurrentZoom  int
	MaximumFocus int
	CurrentFocus int

	FocusAreas *focus.Areas
}

// emptySnapshot is the view with no camera selected.
func emptySnapshot() Snapshot {
	return Snapshot{CanChangeAperture: true, CanChangeShutter: true}
}

// Change is delivered to listeners for every published attribute.
type Change struct {
	Attribute Attribute
	Snapshot  Snapshot
}

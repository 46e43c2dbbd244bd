// Package focus converts camera focus-area reports into overlay rectangles.
//
// Cameras report focus boxes as integer rectangles in a 0–1000 space that
// spans the full sensor. When the live-view crop is narrower than the sensor
// the coordinates carry a fixed offset that depends on the aspect ratio,
// which is removed here before normalising to [0,1].
package focus

import (
	"image"
	"slices"
)

// AreaType tags what kind of focus area a box is.
type AreaType int

const (
	AreaOther AreaType = iota
	AreaFace
	AreaAuto
	AreaManual
	AreaTracking
	AreaOneArea
	AreaPinpoint
	AreaMulti
)

func (t AreaType) String() string {
	switch t {
	case AreaFace:
		return "face"
	case AreaAuto:
		return "auto"
	case AreaManual:
		return "manual"
	case AreaTracking:
		return "tracking"
	case AreaOneArea:
		return "one-area"
	case AreaPinpoint:
		return "pinpoint"
	case AreaMulti:
		return "multi"
	default:
		return "other"
	}
}

// ParseAreaType is the inverse of AreaType.String. Unknown names are
// AreaOther.
func ParseAreaType(name string) AreaType {
	for t := AreaFace; t <= AreaMulti; t++ {
		if t.String() == name {
			return t
		}
	}
	return AreaOther
}

// reportScale is the extent of the device coordinate space.
const reportScale = 1000

const defaultAspectKey = 13

// aspectShifts maps floor(width*10/height) of the sensor to the offset that
// the live-view crop adds to reported coordinates.
var aspectShifts = map[int]image.Point{
	13: {0, 0},
	17: {0, 125},
	15: {0, 58},
	10: {125, 0},
}

// ShiftFor returns the coordinate shift for a sensor of the given size.
// Unknown aspect ratios get the 4:3 (key 13) entry.
func ShiftFor(sensor image.Point) image.Point {
	key := defaultAspectKey
	if sensor.Y != 0 {
		key = sensor.X * 10 / sensor.Y
	}
	if shift, ok := aspectShifts[key]; ok {
		return shift
	}
	return aspectShifts[defaultAspectKey]
}

// Box is a focus area normalised to [0,1] image-relative coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
	Type           AreaType
	Failed         bool
}

// Report is one focus box as the camera sends it, in 0–1000 device space.
type Report struct {
	X1, Y1, X2, Y2 int
	Type           AreaType
	Failed         bool
}

// Areas is the ordered set of accepted boxes from one focus report.
type Areas struct {
	boxes []Box
	shift image.Point
	fixed bool
	hash  uint64
}

// NewAreas prepares a set for up to expected boxes from a sensor of the
// given size. fixed selects the aspect-dependent coordinate shift.
func NewAreas(expected int, sensor image.Point, fixed bool) *Areas {
	if expected < 0 {
		expected = 0
	}
	a := &Areas{
		boxes: make([]Box, 0, expected),
		fixed: fixed,
	}
	if fixed {
		a.shift = ShiftFor(sensor)
	}
	return a
}

// FromReports normalises one batch of reports from a sensor of the given
// size. Rejected reports are left out of the set.
func FromReports(sensor image.Point, fixed bool, reports []Report) *Areas {
	a := NewAreas(len(reports), sensor, fixed)
	for _, r := range reports {
		a.AddBox(r.X1, r.Y1, r.X2, r.Y2, r.Type, r.Failed)
	}
	return a
}

// AddBox normalises a raw report and appends it. Boxes that fall outside
// [0,1] on either axis, or whose corners are inverted, are dropped and false
// is returned.
func (a *Areas) AddBox(x1, y1, x2, y2 int, t AreaType, failed bool) bool {
	x1 -= a.shift.X
	x2 -= a.shift.X
	y1 -= a.shift.Y
	y2 -= a.shift.Y

	xDiv := float64(reportScale - 2*a.shift.X)
	yDiv := float64(reportScale - 2*a.shift.Y)

	box := Box{
		X1:     float64(x1) / xDiv,
		Y1:     float64(y1) / yDiv,
		X2:     float64(x2) / xDiv,
		Y2:     float64(y2) / yDiv,
		Type:   t,
		Failed: failed,
	}
	if !box.valid() {
		return false
	}

	a.boxes = append(a.boxes, box)
	a.hash = combine(a.hash, boxHash(x1, y1, x2, y2, t, failed))
	return true
}

func (b Box) valid() bool {
	return inUnit(b.X1) && inUnit(b.X2) && inUnit(b.Y1) && inUnit(b.Y2) &&
		b.X2 >= b.X1 && b.Y2 >= b.Y1
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

const hashPrime = 397

func combine(h, v uint64) uint64 { return h*hashPrime ^ v }

func boxHash(x1, y1, x2, y2 int, t AreaType, failed bool) uint64 {
	var f uint64
	if failed {
		f = 1
	}
	h := combine(f, uint64(t))
	h = combine(h, uint64(int64(x1)))
	h = combine(h, uint64(int64(x2)))
	h = combine(h, uint64(int64(y1)))
	h = combine(h, uint64(int64(y2)))
	return h
}

// Boxes returns a copy of the accepted boxes in report order.
func (a *Areas) Boxes() []Box {
	if a == nil {
		return nil
	}
	out := make([]Box, len(a.boxes))
	copy(out, a.boxes)
	return out
}

// Len is the number of accepted boxes.
func (a *Areas) Len() int {
	if a == nil {
		return 0
	}
	return len(a.boxes)
}

// Fixed reports whether the aspect shift was applied.
func (a *Areas) Fixed() bool { return a != nil && a.fixed }

// Shift is the coordinate shift in effect.
func (a *Areas) Shift() image.Point {
	if a == nil {
		return image.Point{}
	}
	return a.shift
}

// Hash is an order-sensitive digest of the accepted boxes.
func (a *Areas) Hash() uint64 {
	if a == nil {
		return 0
	}
	return a.hash
}

// Equal compares two sets by content and order. It is meant for cheap
// change detection between consecutive reports.
func (a *Areas) Equal(other *Areas) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.hash == other.hash && slices.Equal(a.boxes, other.boxes)
}

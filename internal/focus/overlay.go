package focus

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

var (
	colorFailed = color.RGBA{R: 230, G: 40, B: 40, A: 255}
	colorFace   = color.RGBA{R: 255, G: 220, A: 255}
	colorFocus  = color.RGBA{G: 220, B: 80, A: 255}
	colorManual = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// ColorFor picks the stroke colour of a box.
func ColorFor(b Box) color.RGBA {
	switch {
	case b.Failed:
		return colorFailed
	case b.Type == AreaFace:
		return colorFace
	case b.Type == AreaManual || b.Type == AreaPinpoint:
		return colorManual
	default:
		return colorFocus
	}
}

// Project maps normalised boxes into the display rectangle the frame was
// drawn into.
func Project(a *Areas, imageRect image.Rectangle) []image.Rectangle {
	if a.Len() == 0 || imageRect.Empty() {
		return nil
	}
	w, h := float64(imageRect.Dx()), float64(imageRect.Dy())
	out := make([]image.Rectangle, 0, a.Len())
	for _, b := range a.boxes {
		r := image.Rect(
			int(math.Round(b.X1*w)), int(math.Round(b.Y1*h)),
			int(math.Round(b.X2*w)), int(math.Round(b.Y2*h)),
		)
		out = append(out, r.Add(imageRect.Min))
	}
	return out
}

// Draw strokes every box of a onto dst, inside imageRect.
func Draw(dst draw.Image, a *Areas, imageRect image.Rectangle, thickness int) {
	if thickness <= 0 {
		thickness = 2
	}
	rects := Project(a, imageRect)
	for i, r := range rects {
		stroke(dst, r, image.NewUniform(ColorFor(a.boxes[i])), thickness)
	}
}

func stroke(dst draw.Image, r image.Rectangle, src image.Image, t int) {
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Over)
	}
}

package main

import (
	"image"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDrawOverlay_WritesNearOrigin(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 200, 100))
	drawOverlay(dst, image.Pt(50, 40), "Cam:30.0 UI:29.5")

	inked := func(r image.Rectangle) int {
		n := 0
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if dst.RGBAAt(x, y).A != 0 {
					n++
				}
			}
		}
		return n
	}

	assert.Positive(t, inked(image.Rect(55, 45, 200, 65)))
	assert.Zero(t, inked(image.Rect(0, 0, 50, 40)))
}

func TestPanelWriter_DropsWhenFull(t *testing.T) {
	ch := make(chan string, 1)
	w := panelWriter(ch)

	n, err := w.Write([]byte("first\n"))
	assert.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = w.Write([]byte("second\n"))
	assert.NoError(t, err)
	assert.Equal(t, 7, n)

	assert.Equal(t, "first\n", <-ch)
	assert.Empty(t, ch)
}

func TestTrimLog_KeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", trimLog("short", 16))
	assert.Equal(t, "abc", trimLog("abcdef", 3))

	// "é" is two bytes; a cut at 2 would land inside it.
	got := trimLog("aé€x", 2)
	assert.Equal(t, "a", got)
	assert.True(t, utf8.ValidString(got))

	// "€" is three bytes starting at offset 3.
	got = trimLog("aé€x", 5)
	assert.Equal(t, "aé", got)
	assert.True(t, utf8.ValidString(got))
}

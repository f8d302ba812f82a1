package pdfrenderer

import "math"

const (
	// pages at least this wide in points get the lower base scale
	wideThreshold = 1600.0
	narrowScale   = 2.95
	wideScale     = 2.0
	// largest rendered side in pixels
	MaxDimension = 8000.0
)

// ScaleFor picks the render scale for a page, capped so neither side exceeds MaxDimension
func ScaleFor(b Bounds) float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return narrowScale
	}
	scale := narrowScale
	if b.Width >= wideThreshold {
		scale = wideScale
	}
	if b.Width*scale > MaxDimension || b.Height*scale > MaxDimension {
		scale = math.Min(MaxDimension/b.Width, MaxDimension/b.Height)
	}
	return scale
}

// IsVertical is true for portrait pages
func IsVertical(b Bounds) bool {
	return b.Height > b.Width
}

// scaledPixels is the pixel size of a side at scale, never below one pixel.
// Rounds down so capped pages stay within MaxDimension.
func scaledPixels(side, scale float64) int {
	px := int(math.Floor(side*scale + 1e-9))
	if px < 1 {
		return 1
	}
	return px
}

package regions

import "math"

// Scale factors closer than this (relative to their mean) are treated as
// uniform scaling and averaged, so near-square rescales don't accumulate
// independent rounding error on each axis.
const uniformScaleTolerance = 0.01

// PadOptions expands a remapped box before clamping. Padding is asymmetric:
// detected fields usually need more context below and to the right of the
// label than above it.
type PadOptions struct {
	Left    int
	Top     int
	Right   int
	Bottom  int
	MinSide int // drop the region if a clamped side ends up below this
	MinArea int // drop the region if the clamped area ends up below this
}

// Remap rescales a bounding box from the dimensions the model observed to
// the dimensions of the actual source image, rounding to the nearest pixel.
func Remap(b BBox, modelW, modelH, actualW, actualH int) BBox {
	fx := float64(actualW) / float64(modelW)
	fy := float64(actualH) / float64(modelH)

	mean := (fx + fy) / 2
	if mean != 0 && math.Abs(fx-fy)/mean < uniformScaleTolerance {
		fx = mean
		fy = mean
	}

	return BBox{
		XMin: int(math.Round(float64(b.XMin) * fx)),
		YMin: int(math.Round(float64(b.YMin) * fy)),
		XMax: int(math.Round(float64(b.XMax) * fx)),
		YMax: int(math.Round(float64(b.YMax) * fy)),
	}
}

// RemapPadded remaps like Remap, then expands the box by the given padding
// and clamps it to the actual image bounds. The second return value is false
// when the clamped region collapsed below the configured minimum size, in
// which case the box must not be used.
func RemapPadded(b BBox, modelW, modelH, actualW, actualH int, pad PadOptions) (BBox, bool) {
	out := Remap(b, modelW, modelH, actualW, actualH)

	out.XMin -= pad.Left
	out.YMin -= pad.Top
	out.XMax += pad.Right
	out.YMax += pad.Bottom

	out = Clamp(out, actualW, actualH)
	if out.XMin >= out.XMax || out.YMin >= out.YMax {
		return BBox{}, false
	}
	minSide := pad.MinSide
	if minSide <= 0 {
		minSide = 1
	}
	if out.Width() < minSide || out.Height() < minSide {
		return BBox{}, false
	}
	if pad.MinArea > 0 && out.Area() < pad.MinArea {
		return BBox{}, false
	}
	return out, true
}

// Clamp restricts a box to [0,w] x [0,h]. A box partially outside the image
// is clipped, not rejected; callers decide whether the remainder is usable.
func Clamp(b BBox, w, h int) BBox {
	b.XMin = clampInt(b.XMin, 0, w)
	b.YMin = clampInt(b.YMin, 0, h)
	b.XMax = clampInt(b.XMax, 0, w)
	b.YMax = clampInt(b.YMax, 0, h)
	return b
}

// RemapAll rescales every region against the actual image dimensions and
// drops any that degenerate. Regions keep their detector-reported source
// dimensions so the remap stays auditable.
func RemapAll(regs []DetectionRegion, actualW, actualH int, pad PadOptions) []DetectionRegion {
	out := make([]DetectionRegion, 0, len(regs))
	for _, r := range regs {
		if r.SourceWidth <= 0 || r.SourceHeight <= 0 {
			continue
		}
		box, ok := RemapPadded(r.Box, r.SourceWidth, r.SourceHeight, actualW, actualH, pad)
		if !ok {
			continue
		}
		r.Box = box
		out = append(out, r)
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

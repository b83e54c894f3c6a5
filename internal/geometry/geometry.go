// Package geometry computes where patches live in a volume: primary and label
// bounds around a center, the decimated window a subsampled pathway reads,
// the valid-center margins and fixed-stride inference tiles.
package geometry

import (
	"volseg/internal/model"
	"volseg/internal/volume"
)

// PrimaryBounds returns the half-open box a pathway with the given input
// shape and subsampling factor covers when centered on center. For even
// sizes the center sits one voxel toward the origin. The box may fall
// outside the volume. With factor > 1 the last factor-1 voxels of the box
// are never read; Footprint gives the extent actually sampled.
func PrimaryBounds(center model.Coord3, inputShape, factor model.Shape3) (low, high model.Coord3) {
	for a := 0; a < 3; a++ {
		low[a] = center[a] - (factor[a]*(inputShape[a]-1))/2
		high[a] = low[a] + factor[a]*inputShape[a]
	}
	return low, high
}

// Footprint is the number of full-resolution voxels, per axis, between the
// first and last voxel a strided pathway reads, inclusive.
func Footprint(inputShape, factor model.Shape3) model.Shape3 {
	var f model.Shape3
	for a := 0; a < 3; a++ {
		f[a] = factor[a]*(inputShape[a]-1) + 1
	}
	return f
}

// LabelBounds is PrimaryBounds at the output resolution with factor 1.
func LabelBounds(center model.Coord3, outputShape model.Shape3) (low, high model.Coord3) {
	return PrimaryBounds(center, outputShape, model.Shape3{1, 1, 1})
}

// HalfWidths returns how many voxels a segment extends before and after its
// center on each axis.
func HalfWidths(segment model.Shape3) (before, after model.Shape3) {
	for a := 0; a < 3; a++ {
		before[a] = (segment[a] - 1) / 2
		after[a] = segment[a] / 2
	}
	return before, after
}

// Window is the strided region of a full-resolution volume that feeds one
// subsampled patch.
type Window struct {
	// Low and High are the unclamped window bounds (High exclusive).
	Low, High model.Coord3
	// SrcLow and SrcHigh are Low and High clamped to the volume.
	SrcLow, SrcHigh model.Coord3
	// DstLow is where the clamped region lands in the output patch.
	DstLow model.Coord3
	// Extent is the number of voxels copied per axis.
	Extent model.Shape3
}

// SubsampledWindow derives the window a subsampled pathway reads, given the
// primary pathway's patch shape and low corner. Per axis: step back the
// receptive-field slots that precede the central voxel of the first averaged
// area, then span factor receptive fields plus enough extra strides to cover
// every central voxel the primary patch predicts.
func SubsampledWindow(primaryShape, receptiveField model.Shape3, primaryLow model.Coord3, factor, dims, outShape model.Shape3) Window {
	var w Window
	for a := 0; a < 3; a++ {
		f, rf := factor[a], receptiveField[a]
		nCentral := primaryShape[a] - rf + 1

		var slotsBefore, toCentral int
		if f%2 == 1 {
			slotsBefore = ((f - 1) / 2) * rf
			toCentral = f / 2
		} else {
			slotsBefore = ((f-2)/2)*rf + rf/2
			toCentral = f/2 - 1
		}

		low := primaryLow[a] + toCentral - slotsBefore
		high := low + f*rf + (ceilDiv(nCentral, f)-1)*f

		srcLow := max(low, 0)
		srcHigh := min(high, dims[a])
		dstLow := 0
		if low < 0 {
			dstLow = -low / f
		}
		extent := 0
		if srcHigh > srcLow {
			extent = ceilDiv(srcHigh-srcLow, f)
		}
		extent = max(min(extent, outShape[a]-dstLow), 0)

		w.Low[a], w.High[a] = low, high
		w.SrcLow[a], w.SrcHigh[a] = srcLow, srcHigh
		w.DstLow[a] = dstLow
		w.Extent[a] = extent
	}
	return w
}

// SubsampledPatch extracts one patch per channel for a subsampled pathway.
// The output has outShape on every call: voxels outside the volume hold the
// channel's zero intensity.
func SubsampledPatch(primaryShape, receptiveField model.Shape3, channels []*volume.Volume, primaryLow model.Coord3, factor, outShape model.Shape3) []*volume.Volume {
	out := make([]*volume.Volume, len(channels))
	if len(channels) == 0 {
		return out
	}
	w := SubsampledWindow(primaryShape, receptiveField, primaryLow, factor, channels[0].Shape, outShape)
	for c, ch := range channels {
		patch := volume.Filled(outShape, ch.ZeroIntensity())
		if w.Extent.Positive() {
			volume.CopyStrided(patch, w.DstLow, ch, w.SrcLow, factor, w.Extent)
		}
		out[c] = patch
	}
	return out
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

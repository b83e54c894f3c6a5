// Package augment applies random image-level and sample-level augmentation.
// Image-level augmentation transforms every array of a subject identically;
// sample-level augmentation transforms the patches of one segment.
package augment

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"volseg/internal/volume"
)

// Gaussian parameterizes a normal draw. Std of zero yields Mean exactly.
type Gaussian struct {
	Mean float64 `json:"mu"`
	Std  float64 `json:"std"`
}

func (g Gaussian) draw(rng *rand.Rand) float64 {
	if g.Std == 0 {
		return g.Mean
	}
	return distuv.Normal{Mu: g.Mean, Sigma: g.Std, Src: rng}.Rand()
}

// ImageParams configures subject-level reflection. Each axis is flipped with
// its probability.
type ImageParams struct {
	ReflectProb [3]float64 `json:"reflect_prob"`
}

func (p ImageParams) Enabled() bool {
	return p.ReflectProb != [3]float64{}
}

// SampleParams configures per-segment augmentation.
type SampleParams struct {
	// Shift and Scale are drawn once per channel and applied as
	// (x + shift) * scale to every input pathway.
	Shift *Gaussian `json:"shift,omitempty"`
	Scale *Gaussian `json:"scale,omitempty"`
	// ReflectProb flips every patch of the segment, labels included.
	ReflectProb [3]float64 `json:"reflect_prob"`
}

func (p SampleParams) Enabled() bool {
	return p.Shift != nil || p.Scale != nil || p.ReflectProb != [3]float64{}
}

// Subject is the set of arrays image-level augmentation flips together.
type Subject struct {
	Channels           []*volume.Volume
	SubsampledChannels []*volume.Volume
	Labels             *volume.Labels
	ROI                *volume.Volume
	WeightMaps         []*volume.Volume
}

// Image flips every array of s in place along randomly chosen axes and
// returns the axes flipped.
func Image(rng *rand.Rand, p ImageParams, s Subject) [3]bool {
	var flipped [3]bool
	if !p.Enabled() {
		return flipped
	}
	for axis := 0; axis < 3; axis++ {
		if p.ReflectProb[axis] <= 0 || rng.Float64() >= p.ReflectProb[axis] {
			continue
		}
		flipped[axis] = true
		for _, v := range s.Channels {
			v.Flip(axis)
		}
		for _, v := range s.SubsampledChannels {
			v.Flip(axis)
		}
		for _, v := range s.WeightMaps {
			v.Flip(axis)
		}
		if s.Labels != nil {
			s.Labels.Flip(axis)
		}
		if s.ROI != nil {
			s.ROI.Flip(axis)
		}
	}
	return flipped
}

// Sample augments one segment in place. pathways[i][c] is channel c of input
// pathway i. Intensity changes never touch labels; reflection does.
func Sample(rng *rand.Rand, p SampleParams, pathways [][]*volume.Volume, labels *volume.Labels) {
	if !p.Enabled() || len(pathways) == 0 {
		return
	}
	if p.Shift != nil || p.Scale != nil {
		channels := len(pathways[0])
		shift := make([]float32, channels)
		scale := make([]float32, channels)
		for c := 0; c < channels; c++ {
			scale[c] = 1
			if p.Shift != nil {
				shift[c] = float32(p.Shift.draw(rng))
			}
			if p.Scale != nil {
				scale[c] = float32(p.Scale.draw(rng))
			}
		}
		for _, patches := range pathways {
			for c, patch := range patches {
				for i, x := range patch.Data {
					patch.Data[i] = (x + shift[c]) * scale[c]
				}
			}
		}
	}
	for axis := 0; axis < 3; axis++ {
		if p.ReflectProb[axis] <= 0 || rng.Float64() >= p.ReflectProb[axis] {
			continue
		}
		for _, patches := range pathways {
			for _, patch := range patches {
				patch.Flip(axis)
			}
		}
		if labels != nil {
			labels.Flip(axis)
		}
	}
}

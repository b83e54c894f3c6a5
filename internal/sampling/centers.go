// Package sampling draws sample centers from weight maps and splits sample
// budgets across subjects and categories.
package sampling

import (
	"errors"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"volseg/internal/geometry"
	"volseg/internal/model"
	"volseg/internal/volume"
)

// ErrNoValidCenters is returned when a weight map has mass but none of it
// lies where a segment fits inside the volume.
var ErrNoValidCenters = errors.New("weight map has no valid sample centers")

// Sampler draws segment centers. It is not safe for concurrent use: each
// worker owns its own Sampler and random source.
type Sampler struct {
	rng    *rand.Rand
	logger *zap.Logger
}

func NewSampler(rng *rand.Rand, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{rng: rng, logger: logger}
}

// ValidCenterBox returns the half-open box of centers whose segment lies
// entirely inside dims. For a strided primary pathway segment is its
// geometry.Footprint.
func ValidCenterBox(dims, segment model.Shape3) (low, high model.Coord3) {
	before, after := geometry.HalfWidths(segment)
	for a := 0; a < 3; a++ {
		low[a] = before[a]
		high[a] = dims[a] - after[a]
	}
	return low, high
}

// SampleCenters draws count centers with replacement, each voxel weighted by
// its map value and restricted to the valid-center box. An all-zero map
// yields no centers and no error.
func (s *Sampler) SampleCenters(weights *volume.Volume, segment model.Shape3, count int) ([]model.Coord3, error) {
	if count <= 0 {
		return nil, nil
	}
	if weights.Sum() == 0 {
		s.logger.Warn("sampling map is all zeros, no segments drawn", zap.Int("requested", count))
		return nil, nil
	}

	low, high := ValidCenterBox(weights.Shape, segment)
	var box model.Shape3
	for a := 0; a < 3; a++ {
		box[a] = high[a] - low[a]
	}
	if !box.Positive() {
		return nil, ErrNoValidCenters
	}

	masked := make([]float64, 0, box.Voxels())
	var total float64
	for x := low[0]; x < high[0]; x++ {
		for y := low[1]; y < high[1]; y++ {
			for z := low[2]; z < high[2]; z++ {
				w := float64(weights.At(x, y, z))
				if w < 0 {
					return nil, model.DataIntegrityf("negative weight %g at (%d,%d,%d)", w, x, y, z)
				}
				masked = append(masked, w)
				total += w
			}
		}
	}
	if total == 0 {
		return nil, ErrNoValidCenters
	}

	dist := distuv.NewCategorical(masked, s.rng)
	centers := make([]model.Coord3, count)
	for i := range centers {
		idx := int(dist.Rand())
		centers[i] = volume.Unravel(box, idx).Add(low)
	}
	return centers, nil
}

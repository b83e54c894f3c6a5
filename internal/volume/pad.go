package volume

import (
	"math"

	"volseg/internal/model"
)

// Padding is the number of voxels added before and after each axis.
type Padding struct {
	Before model.Shape3 `json:"before"`
	After  model.Shape3 `json:"after"`
}

func (p Padding) IsZero() bool {
	return p == Padding{}
}

// PaddingFor returns the padding that lets the network predict the whole
// volume: half the receptive field on each side, plus extra trailing voxels
// when the segment is larger than the padded volume.
func PaddingFor(dims, receptiveField, segment model.Shape3) Padding {
	var p Padding
	for a := 0; a < 3; a++ {
		before := (receptiveField[a] - 1) / 2
		after := receptiveField[a] - 1 - before
		if padded := dims[a] + before + after; padded < segment[a] {
			after += segment[a] - padded
		}
		p.Before[a] = before
		p.After[a] = after
	}
	return p
}

// Pad returns a new grid reflect-padded by p. Reflection excludes the edge
// voxel and repeats when the padding exceeds the axis length.
func Pad[T Element](g *Grid[T], p Padding) *Grid[T] {
	if p.IsZero() {
		return g.Clone()
	}
	var shape model.Shape3
	for a := 0; a < 3; a++ {
		shape[a] = g.Shape[a] + p.Before[a] + p.After[a]
	}
	out := New[T](shape)
	for x := 0; x < shape[0]; x++ {
		sx := reflectIndex(x-p.Before[0], g.Shape[0])
		for y := 0; y < shape[1]; y++ {
			sy := reflectIndex(y-p.Before[1], g.Shape[1])
			row := out.Index(x, y, 0)
			for z := 0; z < shape[2]; z++ {
				out.Data[row+z] = g.At(sx, sy, reflectIndex(z-p.Before[2], g.Shape[2]))
			}
		}
	}
	return out
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// RoundToLabels rounds each voxel to the nearest integer (ties to even) and
// reports whether any voxel was not already integral.
func RoundToLabels(v *Volume) (*Labels, bool) {
	out := New[int32](v.Shape)
	rounded := false
	for i, x := range v.Data {
		r := math.RoundToEven(float64(x))
		if r != float64(x) {
			rounded = true
		}
		out.Data[i] = int32(r)
	}
	return out, rounded
}

// ToFloat converts a grid of any element type to float32.
func ToFloat[T Element](g *Grid[T]) *Volume {
	out := New[float32](g.Shape)
	for i, v := range g.Data {
		out.Data[i] = float32(v)
	}
	return out
}

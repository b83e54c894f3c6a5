// Package volume holds dense 3D arrays in C order (x slowest, z fastest) and
// the voxel-level operations the sampler needs on them.
package volume

import (
	"fmt"

	"golang.org/x/exp/constraints"

	"volseg/internal/model"
)

type Element interface {
	constraints.Integer | constraints.Float
}

// Grid is a dense 3D array. Data has exactly Shape.Voxels() elements.
type Grid[T Element] struct {
	Shape model.Shape3
	Data  []T
}

type (
	Volume = Grid[float32]
	Labels = Grid[int32]
)

func New[T Element](shape model.Shape3) *Grid[T] {
	return &Grid[T]{Shape: shape, Data: make([]T, shape.Voxels())}
}

func Filled[T Element](shape model.Shape3, value T) *Grid[T] {
	g := New[T](shape)
	for i := range g.Data {
		g.Data[i] = value
	}
	return g
}

// FromData wraps data without copying.
func FromData[T Element](shape model.Shape3, data []T) (*Grid[T], error) {
	if len(data) != shape.Voxels() {
		return nil, fmt.Errorf("shape %v needs %d voxels, got %d", shape, shape.Voxels(), len(data))
	}
	return &Grid[T]{Shape: shape, Data: data}, nil
}

func (g *Grid[T]) Index(x, y, z int) int {
	return (x*g.Shape[1]+y)*g.Shape[2] + z
}

func (g *Grid[T]) At(x, y, z int) T {
	return g.Data[g.Index(x, y, z)]
}

func (g *Grid[T]) Set(x, y, z int, v T) {
	g.Data[g.Index(x, y, z)] = v
}

// Unravel converts a flat C-order index back to a coordinate.
func Unravel(shape model.Shape3, flat int) model.Coord3 {
	z := flat % shape[2]
	flat /= shape[2]
	y := flat % shape[1]
	x := flat / shape[1]
	return model.Coord3{x, y, z}
}

func (g *Grid[T]) Clone() *Grid[T] {
	out := &Grid[T]{Shape: g.Shape, Data: make([]T, len(g.Data))}
	copy(out.Data, g.Data)
	return out
}

func (g *Grid[T]) Sum() float64 {
	var total float64
	for _, v := range g.Data {
		total += float64(v)
	}
	return total
}

func (g *Grid[T]) Max() T {
	var m T
	for i, v := range g.Data {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}

func (g *Grid[T]) Min() T {
	var m T
	for i, v := range g.Data {
		if i == 0 || v < m {
			m = v
		}
	}
	return m
}

// AnyNonZero reports whether any voxel in [low, high) is non-zero.
func (g *Grid[T]) AnyNonZero(low, high model.Coord3) bool {
	for x := max(low[0], 0); x < min(high[0], g.Shape[0]); x++ {
		for y := max(low[1], 0); y < min(high[1], g.Shape[1]); y++ {
			for z := max(low[2], 0); z < min(high[2], g.Shape[2]); z++ {
				if g.At(x, y, z) != 0 {
					return true
				}
			}
		}
	}
	return false
}

// ZeroIntensity is the mean of the eight corner voxels, used as the fill
// value for regions outside the volume.
func (g *Grid[T]) ZeroIntensity() float32 {
	var total float64
	for _, x := range [2]int{0, g.Shape[0] - 1} {
		for _, y := range [2]int{0, g.Shape[1] - 1} {
			for _, z := range [2]int{0, g.Shape[2] - 1} {
				total += float64(g.At(x, y, z))
			}
		}
	}
	return float32(total / 8)
}

// Flip reverses the grid along axis in place.
func (g *Grid[T]) Flip(axis int) {
	s := g.Shape
	for x := 0; x < s[0]; x++ {
		for y := 0; y < s[1]; y++ {
			for z := 0; z < s[2]; z++ {
				c := [3]int{x, y, z}
				m := c
				m[axis] = s[axis] - 1 - c[axis]
				if m[axis] <= c[axis] {
					continue
				}
				i, j := g.Index(c[0], c[1], c[2]), g.Index(m[0], m[1], m[2])
				g.Data[i], g.Data[j] = g.Data[j], g.Data[i]
			}
		}
	}
}

// InBounds reports whether [low, high) lies within the grid.
func (g *Grid[T]) InBounds(low, high model.Coord3) bool {
	for a := 0; a < 3; a++ {
		if low[a] < 0 || high[a] > g.Shape[a] || low[a] > high[a] {
			return false
		}
	}
	return true
}

// Slice copies the strided region [low, high) into a new grid. The region
// must be in bounds.
func (g *Grid[T]) Slice(low, high model.Coord3, stride model.Shape3) (*Grid[T], error) {
	if !g.InBounds(low, high) {
		return nil, fmt.Errorf("slice [%v, %v) out of bounds of %v", low, high, g.Shape)
	}
	var shape model.Shape3
	for a := 0; a < 3; a++ {
		shape[a] = ceilDiv(high[a]-low[a], stride[a])
	}
	out := New[T](shape)
	CopyStrided(out, model.Coord3{}, g, low, stride, shape)
	return out, nil
}

// CopyStrided copies extent voxels from src (starting at srcLow, stepping by
// stride) into dst starting at dstLow. Callers ensure both regions are valid.
func CopyStrided[T Element](dst *Grid[T], dstLow model.Coord3, src *Grid[T], srcLow model.Coord3, stride, extent model.Shape3) {
	for i := 0; i < extent[0]; i++ {
		sx := srcLow[0] + i*stride[0]
		for j := 0; j < extent[1]; j++ {
			sy := srcLow[1] + j*stride[1]
			dRow := dst.Index(dstLow[0]+i, dstLow[1]+j, dstLow[2])
			for k := 0; k < extent[2]; k++ {
				dst.Data[dRow+k] = src.At(sx, sy, srcLow[2]+k*stride[2])
			}
		}
	}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

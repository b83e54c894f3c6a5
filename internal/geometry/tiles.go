package geometry

import (
	"volseg/internal/model"
	"volseg/internal/volume"
)

// Tile is the half-open box of one inference segment.
type Tile struct {
	Low  model.Coord3 `json:"low"`
	High model.Coord3 `json:"high"`
}

// Tiles covers a volume with segments of the given shape, advancing by stride
// on each axis until the far edge reaches the end of the axis. Segments are
// ordered with x fastest. When roi is non-nil, segments without any ROI voxel
// are skipped. The result is padded with copies of the last tile so its length
// is a multiple of batchSize.
func Tiles(dims, segment, stride model.Shape3, batchSize int, roi *volume.Volume) []Tile {
	var tiles []Tile
	for _, z := range axisStarts(dims[2], segment[2], stride[2]) {
		for _, y := range axisStarts(dims[1], segment[1], stride[1]) {
			for _, x := range axisStarts(dims[0], segment[0], stride[0]) {
				t := Tile{
					Low:  model.Coord3{x, y, z},
					High: model.Coord3{x + segment[0], y + segment[1], z + segment[2]},
				}
				if roi != nil && !roi.AnyNonZero(t.Low, t.High) {
					continue
				}
				tiles = append(tiles, t)
			}
		}
	}
	if batchSize > 1 && len(tiles) > 0 {
		for len(tiles)%batchSize != 0 {
			tiles = append(tiles, tiles[len(tiles)-1])
		}
	}
	return tiles
}

// axisStarts lists segment starts along one axis. The last segment is pulled
// back so it ends exactly at dim.
func axisStarts(dim, size, stride int) []int {
	if stride < 1 {
		stride = max(size, 1)
	}
	var starts []int
	next := 0
	for {
		far := min(next+size, dim)
		starts = append(starts, far-size)
		next += stride
		if far >= dim {
			return starts
		}
	}
}

// Center returns the voxel a tile would be sampled around, matching the
// centering rule of PrimaryBounds.
func (t Tile) Center() model.Coord3 {
	var c model.Coord3
	for a := 0; a < 3; a++ {
		c[a] = t.Low[a] + (t.High[a]-t.Low[a]-1)/2
	}
	return c
}

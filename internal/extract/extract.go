// Package extract cuts co-registered multi-pathway segments out of a loaded
// subject. Every returned patch owns its buffer.
package extract

import (
	"fmt"

	"volseg/internal/geometry"
	"volseg/internal/loader"
	"volseg/internal/model"
	"volseg/internal/volume"
)

// Segment is one training sample. Pathways[i][c] is channel c of the i-th
// input pathway in network order; fully connected pathways are absent.
type Segment struct {
	Center   model.Coord3
	Pathways [][]*volume.Volume
	Labels   *volume.Labels
}

type Extractor struct {
	network model.Network
	mode    model.Mode
}

func New(network model.Network, mode model.Mode) *Extractor {
	return &Extractor{network: network, mode: mode}
}

// Extract builds the segment centered on center. The label patch is nil when
// the subject has no labels.
func (e *Extractor) Extract(center model.Coord3, s *loader.Subject) (Segment, error) {
	primary := e.network.Primary()
	primaryShape := primary.InputShape.For(e.mode)
	primaryLow, _ := geometry.PrimaryBounds(center, primaryShape, primary.SubsamplingFactor)

	seg := Segment{Center: center}
	for i, p := range e.network.Pathways {
		switch p.Role {
		case model.RolePrimary:
			patches, err := directPatch(s.Channels, center, p.InputShape.For(e.mode), p.SubsamplingFactor)
			if err != nil {
				return Segment{}, fmt.Errorf("pathway %d: %w", i, err)
			}
			seg.Pathways = append(seg.Pathways, patches)
		case model.RoleSubsampled:
			seg.Pathways = append(seg.Pathways, geometry.SubsampledPatch(
				primaryShape, e.network.ReceptiveField, s.SubsampledSource(), primaryLow, p.SubsamplingFactor, p.InputShape.For(e.mode)))
		case model.RoleFullyConnected:
		default:
			return Segment{}, model.Configurationf("pathway %d has unknown role %d", i, int(p.Role))
		}
	}

	if s.Labels != nil {
		low, high := geometry.LabelBounds(center, e.network.OutputShape.For(e.mode))
		labels, err := s.Labels.Slice(low, high, model.Shape3{1, 1, 1})
		if err != nil {
			return Segment{}, fmt.Errorf("labels: %w", err)
		}
		seg.Labels = labels
	}
	return seg, nil
}

func directPatch(channels []*volume.Volume, center model.Coord3, shape, factor model.Shape3) ([]*volume.Volume, error) {
	low, _ := geometry.PrimaryBounds(center, shape, factor)
	footprint := geometry.Footprint(shape, factor)
	high := model.Coord3{low[0] + footprint[0], low[1] + footprint[1], low[2] + footprint[2]}
	out := make([]*volume.Volume, len(channels))
	for c, ch := range channels {
		patch, err := ch.Slice(low, high, factor)
		if err != nil {
			return nil, err
		}
		out[c] = patch
	}
	return out, nil
}

// ExtractTile builds the inference segment for a tile. Only pathway inputs
// are produced.
func (e *Extractor) ExtractTile(tile geometry.Tile, s *loader.Subject) (Segment, error) {
	primary := e.network.Primary()
	primaryShape := primary.InputShape.For(e.mode)
	var extent model.Shape3
	for a := 0; a < 3; a++ {
		extent[a] = tile.High[a] - tile.Low[a]
	}
	if footprint := geometry.Footprint(primaryShape, primary.SubsamplingFactor); extent != footprint {
		return Segment{}, model.Configurationf("tile extent %v does not match primary footprint %v", extent, footprint)
	}
	seg, err := e.Extract(tile.Center(), &loader.Subject{
		Channels:           s.Channels,
		SubsampledChannels: s.SubsampledChannels,
		Dims:               s.Dims,
	})
	if err != nil {
		return Segment{}, err
	}
	return seg, nil
}

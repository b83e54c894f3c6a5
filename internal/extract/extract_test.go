package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volseg/internal/geometry"
	"volseg/internal/loader"
	"volseg/internal/model"
	"volseg/internal/volume"
)

func ramp(shape model.Shape3, offset float32) *volume.Volume {
	g := volume.New[float32](shape)
	for i := range g.Data {
		g.Data[i] = float32(i) + offset
	}
	return g
}

func subject(shape model.Shape3) *loader.Subject {
	labels := volume.New[int32](shape)
	for i := range labels.Data {
		labels.Data[i] = int32(i % 3)
	}
	return &loader.Subject{
		Channels: []*volume.Volume{ramp(shape, 0), ramp(shape, 1000)},
		Labels:   labels,
		Dims:     shape,
	}
}

func network(primary, sub model.Shape3, factor model.Shape3) model.Network {
	return model.Network{
		Pathways: []model.Pathway{
			{Role: model.RolePrimary, SubsamplingFactor: model.Shape3{1, 1, 1}, InputShape: model.Uniform(primary)},
			{Role: model.RoleSubsampled, SubsamplingFactor: factor, InputShape: model.Uniform(sub)},
			{Role: model.RoleFullyConnected},
		},
		ReceptiveField: model.Shape3{17, 17, 17},
		OutputShape:    model.Uniform(model.Shape3{9, 9, 9}),
		NumClasses:     3,
	}
}

func TestExtractAtGeometricCenterReturnsWholeVolume(t *testing.T) {
	shape := model.Shape3{25, 25, 25}
	s := subject(shape)
	seg, err := New(network(shape, shape, model.Shape3{1, 1, 1}), model.ModeTrain).Extract(model.Coord3{12, 12, 12}, s)
	require.NoError(t, err)

	require.Len(t, seg.Pathways, 2)
	for c := range s.Channels {
		assert.Equal(t, s.Channels[c].Data, seg.Pathways[0][c].Data)
		assert.Equal(t, s.Channels[c].Data, seg.Pathways[1][c].Data)
	}

	assert.Equal(t, model.Shape3{9, 9, 9}, seg.Labels.Shape)
	assert.Equal(t, s.Labels.At(8, 8, 8), seg.Labels.At(0, 0, 0))
	assert.Equal(t, s.Labels.At(16, 16, 16), seg.Labels.At(8, 8, 8))
}

func TestExtractReturnsOwnedBuffers(t *testing.T) {
	shape := model.Shape3{25, 25, 25}
	s := subject(shape)
	before := s.Channels[0].Clone()
	seg, err := New(network(shape, model.Shape3{9, 9, 9}, model.Shape3{3, 3, 3}), model.ModeTrain).Extract(model.Coord3{12, 12, 12}, s)
	require.NoError(t, err)

	for _, patches := range seg.Pathways {
		for _, p := range patches {
			for i := range p.Data {
				p.Data[i] = -1
			}
		}
	}
	for i := range seg.Labels.Data {
		seg.Labels.Data[i] = -1
	}
	assert.Equal(t, before.Data, s.Channels[0].Data)
	assert.NotEqual(t, int32(-1), s.Labels.At(12, 12, 12))
}

func TestExtractSubsampledShapeIsFixedNearBorder(t *testing.T) {
	shape := model.Shape3{25, 25, 25}
	s := subject(shape)
	e := New(network(shape, model.Shape3{9, 9, 9}, model.Shape3{3, 3, 3}), model.ModeTrain)
	seg, err := e.Extract(model.Coord3{12, 12, 12}, s)
	require.NoError(t, err)
	for _, p := range seg.Pathways[1] {
		assert.Equal(t, model.Shape3{9, 9, 9}, p.Shape)
	}
}

func TestExtractPrimaryOutOfBoundsFails(t *testing.T) {
	shape := model.Shape3{25, 25, 25}
	s := subject(shape)
	_, err := New(network(shape, shape, model.Shape3{1, 1, 1}), model.ModeTrain).Extract(model.Coord3{5, 12, 12}, s)
	assert.Error(t, err)
}

func TestExtractWithoutLabels(t *testing.T) {
	shape := model.Shape3{25, 25, 25}
	s := subject(shape)
	s.Labels = nil
	seg, err := New(network(model.Shape3{11, 11, 11}, model.Shape3{11, 11, 11}, model.Shape3{1, 1, 1}), model.ModeTest).Extract(model.Coord3{12, 12, 12}, s)
	require.NoError(t, err)
	assert.Nil(t, seg.Labels)
}

func TestExtractTile(t *testing.T) {
	shape := model.Shape3{12, 12, 12}
	s := subject(shape)
	e := New(network(model.Shape3{6, 6, 6}, model.Shape3{6, 6, 6}, model.Shape3{1, 1, 1}), model.ModeTest)

	tile := geometry.Tile{Low: model.Coord3{6, 0, 3}, High: model.Coord3{12, 6, 9}}
	seg, err := e.ExtractTile(tile, s)
	require.NoError(t, err)
	want, err := s.Channels[1].Slice(tile.Low, tile.High, model.Shape3{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, want.Data, seg.Pathways[0][1].Data)
	assert.Nil(t, seg.Labels)

	_, err = e.ExtractTile(geometry.Tile{High: model.Coord3{5, 5, 5}}, s)
	assert.Error(t, err)
}

func stridedNetwork() model.Network {
	return model.Network{
		Pathways: []model.Pathway{
			{Role: model.RolePrimary, SubsamplingFactor: model.Shape3{2, 2, 2}, InputShape: model.Uniform(model.Shape3{4, 4, 4})},
			{Role: model.RoleFullyConnected},
		},
		ReceptiveField: model.Shape3{3, 3, 3},
		OutputShape:    model.Uniform(model.Shape3{1, 1, 1}),
		NumClasses:     3,
	}
}

func TestExtractStridedPrimaryAtValidBoxEdge(t *testing.T) {
	shape := model.Shape3{12, 12, 12}
	s := subject(shape)
	seg, err := New(stridedNetwork(), model.ModeTrain).Extract(model.Coord3{8, 8, 8}, s)
	require.NoError(t, err)

	patch := seg.Pathways[0][0]
	assert.Equal(t, model.Shape3{4, 4, 4}, patch.Shape)
	assert.Equal(t, s.Channels[0].At(5, 5, 5), patch.At(0, 0, 0))
	assert.Equal(t, s.Channels[0].At(11, 11, 11), patch.At(3, 3, 3))
	assert.Equal(t, s.Channels[0].At(7, 9, 11), patch.At(1, 2, 3))
	assert.Equal(t, s.Labels.At(8, 8, 8), seg.Labels.At(0, 0, 0))
}

func TestExtractTileStridedPrimary(t *testing.T) {
	shape := model.Shape3{12, 12, 12}
	s := subject(shape)
	e := New(stridedNetwork(), model.ModeTest)

	seg, err := e.ExtractTile(geometry.Tile{Low: model.Coord3{5, 0, 2}, High: model.Coord3{12, 7, 9}}, s)
	require.NoError(t, err)
	patch := seg.Pathways[0][1]
	assert.Equal(t, model.Shape3{4, 4, 4}, patch.Shape)
	assert.Equal(t, s.Channels[1].At(5, 0, 2), patch.At(0, 0, 0))
	assert.Equal(t, s.Channels[1].At(11, 6, 8), patch.At(3, 3, 3))

	_, err = e.ExtractTile(geometry.Tile{High: model.Coord3{8, 8, 8}}, s)
	assert.Error(t, err)
}

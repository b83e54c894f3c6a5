package subepoch

import (
	"time"

	"volseg/internal/extract"
	"volseg/internal/model"
	"volseg/internal/workpool"
)

// Origin records where a segment came from. Center is in the coordinates of
// the loaded, possibly padded, subject.
type Origin struct {
	Subject  int          `json:"subject"`
	Category string       `json:"category"`
	Center   model.Coord3 `json:"center"`
}

// PathwayTensor holds every segment's patches for one input pathway as a
// C-order [N, C, X, Y, Z] array.
type PathwayTensor struct {
	Index int
	Role  model.PathwayRole
	Shape [5]int
	Data  []float32
}

// LabelTensor is a C-order [N, X, Y, Z] array.
type LabelTensor struct {
	Shape [4]int
	Data  []int32
}

type Report struct {
	Subjects  []int
	Draws     []model.SubjectDraw
	Stats     workpool.Stats
	StartedAt time.Time
	Duration  time.Duration
}

func (r Report) Requested() int {
	total := 0
	for _, d := range r.Draws {
		for _, c := range d.Categories {
			total += c.Requested
		}
	}
	return total
}

func (r Report) Drawn() int {
	total := 0
	for _, d := range r.Draws {
		for _, c := range d.Categories {
			total += c.Drawn
		}
	}
	return total
}

// Batch is one shuffled sub-epoch. Entry i of every pathway tensor, of the
// label tensor and of Origins describe the same segment.
type Batch struct {
	Pathways []PathwayTensor
	// Labels is nil when the subjects have no labels.
	Labels  *LabelTensor
	Origins []Origin
	Report  Report
}

func (b *Batch) Len() int { return len(b.Origins) }

// Bytes is the memory held by the tensors.
func (b *Batch) Bytes() int64 {
	var total int64
	for _, p := range b.Pathways {
		total += int64(len(p.Data)) * 4
	}
	if b.Labels != nil {
		total += int64(len(b.Labels.Data)) * 4
	}
	return total
}

// Record converts the batch report into a ledger entry. id and the version
// fields are left to the store.
func (b *Batch) Record(runID string, index int) model.SubepochRecord {
	return model.SubepochRecord{
		RunID:          runID,
		Index:          index,
		StartedAt:      b.Report.StartedAt.UTC(),
		DurationMillis: b.Report.Duration.Milliseconds(),
		Requested:      b.Report.Requested(),
		Drawn:          b.Report.Drawn(),
		Timeouts:       b.Report.Stats.Timeouts,
		Recreations:    b.Report.Stats.Recreations,
		BatchBytes:     b.Bytes(),
		Subjects:       b.Report.Draws,
	}
}

// assemble copies segments into freshly allocated contiguous tensors. Every
// patch of a pathway must have the same shape.
func assemble(network model.Network, mode model.Mode, segments []extract.Segment, origins []Origin) (*Batch, error) {
	n := len(segments)
	batch := &Batch{Origins: origins}
	for slot, idx := range network.InputPathways() {
		p := network.Pathways[idx]
		shape := p.InputShape.For(mode)
		channels := 0
		if n > 0 {
			channels = len(segments[0].Pathways[slot])
		}
		t := PathwayTensor{
			Index: idx,
			Role:  p.Role,
			Shape: [5]int{n, channels, shape[0], shape[1], shape[2]},
			Data:  make([]float32, 0, n*channels*shape.Voxels()),
		}
		for i, seg := range segments {
			if len(seg.Pathways[slot]) != channels {
				return nil, model.DataIntegrityf("segment %d pathway %d has %d channels, want %d", i, idx, len(seg.Pathways[slot]), channels)
			}
			for c, patch := range seg.Pathways[slot] {
				if patch.Shape != shape {
					return nil, model.DataIntegrityf("segment %d pathway %d channel %d has shape %v, want %v", i, idx, c, patch.Shape, shape)
				}
				t.Data = append(t.Data, patch.Data...)
			}
		}
		batch.Pathways = append(batch.Pathways, t)
	}

	if n == 0 || segments[0].Labels == nil {
		return batch, nil
	}
	out := network.OutputShape.For(mode)
	labels := &LabelTensor{
		Shape: [4]int{n, out[0], out[1], out[2]},
		Data:  make([]int32, 0, n*out.Voxels()),
	}
	for i, seg := range segments {
		if seg.Labels == nil || seg.Labels.Shape != out {
			return nil, model.DataIntegrityf("segment %d label patch does not match output shape %v", i, out)
		}
		labels.Data = append(labels.Data, seg.Labels.Data...)
	}
	batch.Labels = labels
	return batch, nil
}

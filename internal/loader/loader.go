// Package loader reads one subject's volumes and prepares them for sampling.
package loader

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"volseg/internal/geometry"
	"volseg/internal/model"
	"volseg/internal/volio"
	"volseg/internal/volume"
)

// MissingChannel in a channel list means the modality is absent for that
// subject and the channel is filled with a constant.
const MissingChannel = "-"

// DefaultMissingChannelValue fills absent channels.
const DefaultMissingChannelValue float32 = -4.0

// SubjectPaths lists the files of one subject. Empty optional fields are
// skipped.
type SubjectPaths struct {
	Channels           []string `json:"channels"`
	SubsampledChannels []string `json:"subsampled_channels,omitempty"`
	Labels             string   `json:"labels,omitempty"`
	ROI                string   `json:"roi,omitempty"`
	WeightMaps         []string `json:"weight_maps,omitempty"`
}

type Options struct {
	Network model.Network
	Mode    model.Mode
	// Pad reflect-pads every array by half the receptive field.
	Pad bool
	// ValidateLabels rejects labels outside [0, NumClasses-1].
	ValidateLabels      bool
	MissingChannelValue float32
}

// Subject holds one subject's arrays. All arrays share Dims.
type Subject struct {
	Index    int
	Channels []*volume.Volume
	// SubsampledChannels is nil when subsampled pathways read Channels.
	SubsampledChannels []*volume.Volume
	Labels             *volume.Labels
	ROI                *volume.Volume
	WeightMaps         []*volume.Volume
	Padding            volume.Padding
	Dims               model.Shape3
}

// SubsampledSource returns the channels subsampled pathways read from.
func (s *Subject) SubsampledSource() []*volume.Volume {
	if s.SubsampledChannels != nil {
		return s.SubsampledChannels
	}
	return s.Channels
}

// Bytes is the memory held by the subject's arrays.
func (s *Subject) Bytes() int64 {
	var total int64
	add := func(vs []*volume.Volume) {
		for _, v := range vs {
			total += int64(len(v.Data)) * 4
		}
	}
	add(s.Channels)
	add(s.SubsampledChannels)
	add(s.WeightMaps)
	if s.Labels != nil {
		total += int64(len(s.Labels.Data)) * 4
	}
	if s.ROI != nil {
		total += int64(len(s.ROI.Data)) * 4
	}
	return total
}

type Loader struct {
	reader   *volio.Reader
	subjects []SubjectPaths
	opts     Options
	logger   *zap.Logger
}

func New(reader *volio.Reader, subjects []SubjectPaths, opts Options, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(subjects) == 0 {
		return nil, model.Configurationf("no subjects configured")
	}
	channels := len(subjects[0].Channels)
	if channels == 0 {
		return nil, model.Configurationf("subject 0 lists no channels")
	}
	for i, s := range subjects {
		if len(s.Channels) != channels {
			return nil, model.Configurationf("subject %d lists %d channels, subject 0 lists %d", i, len(s.Channels), channels)
		}
		if n := len(s.SubsampledChannels); n != 0 && n != channels {
			return nil, model.Configurationf("subject %d lists %d subsampled channels for %d channels", i, n, channels)
		}
		if len(s.SubsampledChannels) != len(subjects[0].SubsampledChannels) {
			return nil, model.Configurationf("subject %d lists %d subsampled channels, subject 0 lists %d", i, len(s.SubsampledChannels), len(subjects[0].SubsampledChannels))
		}
		if len(s.WeightMaps) != len(subjects[0].WeightMaps) {
			return nil, model.Configurationf("subject %d lists %d weight maps, subject 0 lists %d", i, len(s.WeightMaps), len(subjects[0].WeightMaps))
		}
	}
	if err := opts.Network.Validate(); err != nil {
		return nil, err
	}
	return &Loader{reader: reader, subjects: subjects, opts: opts, logger: logger}, nil
}

func (l *Loader) NumSubjects() int { return len(l.subjects) }

func (l *Loader) NumChannels() int { return len(l.subjects[0].Channels) }

func (l *Loader) NumWeightMaps() int { return len(l.subjects[0].WeightMaps) }

func (l *Loader) HasLabels() bool {
	for _, s := range l.subjects {
		if s.Labels == "" {
			return false
		}
	}
	return true
}

// Load reads subject index. Present channels and all auxiliary volumes are
// read concurrently; absent channels are filled once the volume shape is
// known.
func (l *Loader) Load(ctx context.Context, index int) (*Subject, error) {
	if index < 0 || index >= len(l.subjects) {
		return nil, model.Configurationf("subject index %d out of range [0, %d)", index, len(l.subjects))
	}
	paths := l.subjects[index]
	logger := l.logger.With(zap.Int("subject", index))

	var (
		channels   = make([]*volume.Volume, len(paths.Channels))
		subsampled []*volume.Volume
		labelsArr  volio.Array
		roi        *volume.Volume
		weightMaps []*volume.Volume
	)
	if len(paths.SubsampledChannels) > 0 {
		subsampled = make([]*volume.Volume, len(paths.SubsampledChannels))
	}
	loadWeightMaps := l.opts.Mode != model.ModeTest && len(paths.WeightMaps) > 0
	if loadWeightMaps {
		weightMaps = make([]*volume.Volume, len(paths.WeightMaps))
	}

	g, gctx := errgroup.WithContext(ctx)
	present := 0
	for c, p := range paths.Channels {
		if p == MissingChannel {
			continue
		}
		present++
		g.Go(func() error {
			v, err := l.reader.ReadVolume(gctx, p)
			channels[c] = v
			return err
		})
	}
	if present == 0 {
		return nil, model.Configurationf("subject %d has no present channel", index)
	}
	for c, p := range paths.SubsampledChannels {
		if p == MissingChannel {
			continue
		}
		g.Go(func() error {
			v, err := l.reader.ReadVolume(gctx, p)
			subsampled[c] = v
			return err
		})
	}
	if paths.Labels != "" {
		g.Go(func() error {
			arr, err := l.reader.ReadArray(gctx, paths.Labels)
			labelsArr = arr
			return err
		})
	}
	if paths.ROI != "" {
		g.Go(func() error {
			v, err := l.reader.ReadVolume(gctx, paths.ROI)
			roi = v
			return err
		})
	}
	if loadWeightMaps {
		for k, p := range paths.WeightMaps {
			g.Go(func() error {
				v, err := l.reader.ReadVolume(gctx, p)
				weightMaps[k] = v
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load subject %d: %w", index, err)
	}

	var dims model.Shape3
	for _, ch := range channels {
		if ch != nil {
			dims = ch.Shape
			break
		}
	}
	for c, ch := range channels {
		if ch == nil {
			logger.Warn("channel missing, filling with constant", zap.Int("channel", c), zap.Float32("value", l.opts.MissingChannelValue))
			channels[c] = volume.Filled(dims, l.opts.MissingChannelValue)
		}
	}
	for c, ch := range subsampled {
		if ch == nil {
			subsampled[c] = volume.Filled(dims, l.opts.MissingChannelValue)
		}
	}

	subject := &Subject{
		Index:              index,
		Channels:           channels,
		SubsampledChannels: subsampled,
		ROI:                roi,
		WeightMaps:         weightMaps,
	}

	if labelsArr.Volume != nil {
		labels, err := l.prepareLabels(labelsArr, logger)
		if err != nil {
			return nil, fmt.Errorf("subject %d: %w", index, err)
		}
		subject.Labels = labels
	}
	for k, wm := range weightMaps {
		if wm.Min() < 0 {
			return nil, model.DataIntegrityf("subject %d: weight map %d has negative values", index, k)
		}
	}
	if err := checkShapes(subject, dims); err != nil {
		return nil, fmt.Errorf("subject %d: %w", index, err)
	}

	subject.Dims = dims
	if l.opts.Pad {
		primary := l.opts.Network.Primary()
		segment := geometry.Footprint(primary.InputShape.For(l.opts.Mode), primary.SubsamplingFactor)
		subject.Padding = volume.PaddingFor(dims, l.opts.Network.ReceptiveField, segment)
		padSubject(subject)
		subject.Dims = subject.Channels[0].Shape
	}
	logger.Debug("subject loaded",
		zap.Stringer("dims", subject.Dims),
		zap.Bool("labels", subject.Labels != nil),
		zap.Bool("roi", subject.ROI != nil),
		zap.Int("weight_maps", len(subject.WeightMaps)))
	return subject, nil
}

func (l *Loader) prepareLabels(arr volio.Array, logger *zap.Logger) (*volume.Labels, error) {
	labels, rounded := volume.RoundToLabels(arr.Volume)
	if !arr.Integer {
		logger.Warn("labels stored as non-integer dtype, rounding to int32",
			zap.String("dtype", arr.Descr), zap.Bool("changed", rounded))
	}
	if l.opts.ValidateLabels {
		if err := CheckLabels(labels, l.opts.Network.NumClasses); err != nil {
			return nil, err
		}
	}
	return labels, nil
}

// CheckLabels fails when any label falls outside [0, numClasses-1]. The
// background counts as a class.
func CheckLabels(labels *volume.Labels, numClasses int) error {
	if hi := labels.Max(); int(hi) > numClasses-1 {
		return model.DataIntegrityf("labels include value %d but the network has %d classes (background included)", hi, numClasses)
	}
	if lo := labels.Min(); lo < 0 {
		return model.DataIntegrityf("labels include negative value %d", lo)
	}
	return nil
}

func checkShapes(s *Subject, dims model.Shape3) error {
	check := func(what string, shape model.Shape3) error {
		if shape != dims {
			return model.DataIntegrityf("%s shape %v differs from channel shape %v", what, shape, dims)
		}
		return nil
	}
	for c, ch := range s.Channels {
		if err := check(fmt.Sprintf("channel %d", c), ch.Shape); err != nil {
			return err
		}
	}
	for c, ch := range s.SubsampledChannels {
		if err := check(fmt.Sprintf("subsampled channel %d", c), ch.Shape); err != nil {
			return err
		}
	}
	if s.Labels != nil {
		if err := check("labels", s.Labels.Shape); err != nil {
			return err
		}
	}
	if s.ROI != nil {
		if err := check("roi", s.ROI.Shape); err != nil {
			return err
		}
	}
	for k, wm := range s.WeightMaps {
		if err := check(fmt.Sprintf("weight map %d", k), wm.Shape); err != nil {
			return err
		}
	}
	return nil
}

func padSubject(s *Subject) {
	p := s.Padding
	for i, v := range s.Channels {
		s.Channels[i] = volume.Pad(v, p)
	}
	for i, v := range s.SubsampledChannels {
		s.SubsampledChannels[i] = volume.Pad(v, p)
	}
	for i, v := range s.WeightMaps {
		s.WeightMaps[i] = volume.Pad(v, p)
	}
	if s.Labels != nil {
		s.Labels = volume.Pad(s.Labels, p)
	}
	if s.ROI != nil {
		s.ROI = volume.Pad(s.ROI, p)
	}
}

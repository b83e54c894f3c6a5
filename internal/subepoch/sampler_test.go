package subepoch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"volseg/internal/loader"
	"volseg/internal/metrics"
	"volseg/internal/model"
	"volseg/internal/sampling"
	"volseg/internal/volio"
	"volseg/internal/volume"
)

var testDims = model.Shape3{12, 12, 12}

// centerOffset is the flat index of the center voxel inside a 5x5x5 patch.
const centerOffset = 2*25 + 2*5 + 2

func testNetwork() model.Network {
	return model.Network{
		Pathways: []model.Pathway{
			{Role: model.RolePrimary, SubsamplingFactor: model.Shape3{1, 1, 1}, InputShape: model.Uniform(model.Shape3{5, 5, 5})},
			{Role: model.RoleFullyConnected},
		},
		ReceptiveField: model.Shape3{5, 5, 5},
		OutputShape:    model.Uniform(model.Shape3{1, 1, 1}),
		NumClasses:     2,
	}
}

// tagged encodes the subject and voxel coordinate in every intensity so a
// patch can be traced back to where it was cut.
func tagged(subject int) *volume.Volume {
	v := volume.New[float32](testDims)
	for x := 0; x < testDims[0]; x++ {
		for y := 0; y < testDims[1]; y++ {
			for z := 0; z < testDims[2]; z++ {
				v.Set(x, y, z, tag(subject, model.Coord3{x, y, z}))
			}
		}
	}
	return v
}

func tag(subject int, c model.Coord3) float32 {
	return float32(subject*10000 + c[0]*100 + c[1]*10 + c[2])
}

// halfForeground labels voxels with x < 6 as class 1.
func halfForeground() *volume.Labels {
	l := volume.New[int32](testDims)
	for x := 0; x < 6; x++ {
		for y := 0; y < testDims[1]; y++ {
			for z := 0; z < testDims[2]; z++ {
				l.Set(x, y, z, 1)
			}
		}
	}
	return l
}

func writeSubjects(t *testing.T, n int, labels func(i int) *volume.Labels) (string, []loader.SubjectPaths) {
	t.Helper()
	dir := t.TempDir()
	subjects := make([]loader.SubjectPaths, n)
	for i := range subjects {
		channel := fmt.Sprintf("s%d-t1.npy", i)
		require.NoError(t, volio.WriteFile(filepath.Join(dir, channel), tagged(i)))
		subjects[i].Channels = []string{channel}
		if labels == nil {
			continue
		}
		name := fmt.Sprintf("s%d-labels.npy", i)
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, volio.EncodeLabelsNPY(f, labels(i)))
		require.NoError(t, f.Close())
		subjects[i].Labels = name
	}
	return dir, subjects
}

func newLoader(t *testing.T, dir string, subjects []loader.SubjectPaths, mode model.Mode) *loader.Loader {
	t.Helper()
	ld, err := loader.New(volio.NewReader(volio.FSSource{Root: dir}, nil), subjects,
		loader.Options{Network: testNetwork(), Mode: mode, ValidateLabels: true}, nil)
	require.NoError(t, err)
	return ld
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSubjects = 4
	cfg.Samples = 100
	cfg.Percentages = []float64{0.5, 0.5}
	cfg.Seed = 7
	return cfg
}

func newSampler(t *testing.T, cfg Config, subjects int, labels func(int) *volume.Labels, opts Options) *Sampler {
	t.Helper()
	dir, paths := writeSubjects(t, subjects, labels)
	s, err := New(cfg, testNetwork(), newLoader(t, dir, paths, cfg.Mode), opts)
	require.NoError(t, err)
	return s
}

func everySubjectHalfForeground(int) *volume.Labels { return halfForeground() }

// assertPaired checks that patch, label and origin i all describe the same
// segment.
func assertPaired(t *testing.T, b *Batch) {
	t.Helper()
	patchSize := 5 * 5 * 5
	for i, o := range b.Origins {
		assert.Equal(t, tag(o.Subject, o.Center), b.Pathways[0].Data[i*patchSize+centerOffset], "segment %d", i)
		if b.Labels == nil {
			continue
		}
		want := int32(0)
		if o.Category == "foreground" {
			want = 1
		}
		assert.Equal(t, want, b.Labels.Data[i], "segment %d", i)
	}
}

func TestSampleTenSubjectsMaxFour(t *testing.T) {
	s := newSampler(t, baseConfig(), 10, everySubjectHalfForeground, Options{})

	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, b.Len())
	assert.Equal(t, StateComplete, s.State())

	require.Len(t, b.Report.Subjects, 4)
	seen := map[int]bool{}
	for _, subject := range b.Report.Subjects {
		assert.False(t, seen[subject])
		seen[subject] = true
	}
	for _, o := range b.Origins {
		assert.True(t, seen[o.Subject])
	}
	assert.Equal(t, 100, b.Report.Requested())
	assert.Equal(t, 100, b.Report.Drawn())

	require.Len(t, b.Report.Draws, 4)
	for _, draw := range b.Report.Draws {
		assert.True(t, seen[draw.Subject])
		requested, drawn := 0, 0
		for _, c := range draw.Categories {
			requested += c.Requested
			drawn += c.Drawn
		}
		assert.Contains(t, []int{24, 25}, requested, "subject %d", draw.Subject)
		assert.Equal(t, requested, drawn, "subject %d", draw.Subject)
	}

	require.Len(t, b.Pathways, 1)
	assert.Equal(t, [5]int{100, 1, 5, 5, 5}, b.Pathways[0].Shape)
	assert.Len(t, b.Pathways[0].Data, 100*125)
	require.NotNil(t, b.Labels)
	assert.Equal(t, [4]int{100, 1, 1, 1}, b.Labels.Shape)
	assert.Equal(t, int64(100*125*4+100*4), b.Bytes())
	assertPaired(t, b)
}

func TestSampleCentersStayInValidBox(t *testing.T) {
	s := newSampler(t, baseConfig(), 3, everySubjectHalfForeground, Options{})
	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	low, high := sampling.ValidCenterBox(testDims, model.Shape3{5, 5, 5})
	for _, o := range b.Origins {
		for a := 0; a < 3; a++ {
			assert.GreaterOrEqual(t, o.Center[a], low[a])
			assert.Less(t, o.Center[a], high[a])
		}
	}
}

func TestSampleAllZeroForegroundShortfall(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxSubjects = 1
	cfg.Samples = 10
	reg := prometheus.NewRegistry()
	core, logs := observer.New(zapcore.WarnLevel)
	background := func(int) *volume.Labels { return volume.New[int32](testDims) }
	s := newSampler(t, cfg, 1, background, Options{Logger: zap.New(core), Metrics: metrics.NewSampler(reg)})

	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 10, b.Report.Requested())
	assert.Equal(t, 5, b.Report.Drawn())
	require.Len(t, b.Report.Draws, 1)
	assert.Equal(t, []model.CategoryDraw{
		{Category: "foreground", Requested: 5, Drawn: 0},
		{Category: "background", Requested: 5, Drawn: 5},
	}, b.Report.Draws[0].Categories)
	for _, o := range b.Origins {
		assert.Equal(t, "background", o.Category)
	}
	assertPaired(t, b)

	assert.Equal(t, 1, logs.FilterMessage("sampling map is all zeros, category contributes zero segments").Len())
	count, err := testutil.GatherAndCount(reg, "volseg_degenerate_categories_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSampleROIFallbackFillsCategory(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxSubjects = 1
	cfg.Samples = 10
	cfg.ZeroMapFallback = sampling.FallbackROI

	dir, paths := writeSubjects(t, 1, func(int) *volume.Labels { return volume.New[int32](testDims) })
	roi := volume.New[float32](testDims)
	roi.Set(4, 4, 4, 1)
	require.NoError(t, volio.WriteFile(filepath.Join(dir, "roi.npy"), roi))
	paths[0].ROI = "roi.npy"

	s, err := New(cfg, testNetwork(), newLoader(t, dir, paths, cfg.Mode), Options{})
	require.NoError(t, err)
	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, b.Report.Drawn())
	for _, o := range b.Origins {
		if o.Category == "foreground" {
			assert.Equal(t, model.Coord3{4, 4, 4}, o.Center)
		}
	}
}

func TestSampleParallelKeepsPairs(t *testing.T) {
	cfg := baseConfig()
	cfg.Workers = 2
	cfg.Samples = 40
	s := newSampler(t, cfg, 6, everySubjectHalfForeground, Options{})

	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, b.Len())
	assert.Equal(t, 1, b.Report.Stats.Rounds)
	assertPaired(t, b)
}

// stallingSource blocks the first Open it serves until ctx is done or stall
// elapses. Later opens go straight through.
type stallingSource struct {
	volio.Source
	stall   time.Duration
	stalled atomic.Bool
}

func (s *stallingSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if s.stalled.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.stall):
		}
	}
	return s.Source.Open(ctx, path)
}

func newStallingSampler(t *testing.T, workers int, reg *prometheus.Registry) *Sampler {
	t.Helper()
	dir, paths := writeSubjects(t, 2, everySubjectHalfForeground)
	cfg := baseConfig()
	cfg.MaxSubjects = 2
	cfg.Samples = 20
	cfg.Workers = workers
	cfg.JobTimeout = 200 * time.Millisecond
	cfg.MaxRounds = 3

	src := &stallingSource{Source: volio.FSSource{Root: dir}, stall: 5 * time.Second}
	ld, err := loader.New(volio.NewReader(src, nil), paths,
		loader.Options{Network: testNetwork(), Mode: cfg.Mode, ValidateLabels: true}, nil)
	require.NoError(t, err)
	s, err := New(cfg, testNetwork(), ld, Options{Metrics: metrics.NewSampler(reg)})
	require.NoError(t, err)
	return s
}

func TestSampleParallelResubmitsTimedOutSubject(t *testing.T) {
	if runtime.NumCPU() < 2 {
		t.Skip("needs two CPUs for two workers")
	}
	reg := prometheus.NewRegistry()
	s := newStallingSampler(t, 2, reg)

	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, b.Len())
	assertPaired(t, b)

	stats := b.Report.Stats
	assert.Equal(t, 2, stats.Rounds)
	assert.Equal(t, 1, stats.Timeouts)
	// The subject that did not stall finished in the first round.
	assert.Equal(t, 1, stats.Resubmissions)
	assert.Equal(t, 1, stats.Recreations)
	assertPoolMetrics(t, reg)
}

func TestSampleSingleWorkerRecreatesPoolOnTimeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newStallingSampler(t, 1, reg)

	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, b.Len())
	assertPaired(t, b)

	stats := b.Report.Stats
	assert.Equal(t, 2, stats.Rounds)
	assert.Equal(t, 1, stats.Timeouts)
	// The stuck worker blocks the round, so both subjects are resubmitted.
	assert.Equal(t, 2, stats.Resubmissions)
	assert.Equal(t, 1, stats.Recreations)
	assertPoolMetrics(t, reg)
}

func assertPoolMetrics(t *testing.T, reg *prometheus.Registry) {
	t.Helper()
	const want = `
# HELP volseg_pool_recreations_total Worker pools torn down and recreated to resubmit pending jobs
# TYPE volseg_pool_recreations_total counter
volseg_pool_recreations_total 1
# HELP volseg_worker_timeouts_total Job results that were not ready within the job timeout
# TYPE volseg_worker_timeouts_total counter
volseg_worker_timeouts_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want),
		"volseg_pool_recreations_total", "volseg_worker_timeouts_total"))
}

func TestSampleSequentialIsReproducible(t *testing.T) {
	dir, paths := writeSubjects(t, 5, everySubjectHalfForeground)
	run := func() []Origin {
		s, err := New(baseConfig(), testNetwork(), newLoader(t, dir, paths, model.ModeTrain), Options{})
		require.NoError(t, err)
		b, err := s.Sample(context.Background())
		require.NoError(t, err)
		return b.Origins
	}
	assert.Equal(t, run(), run())
}

func TestSampleWithSampleAugmentationKeepsShapes(t *testing.T) {
	cfg := baseConfig()
	cfg.Samples = 20
	cfg.SampleAugmentation.ReflectProb = [3]float64{1, 0, 0}
	s := newSampler(t, cfg, 2, everySubjectHalfForeground, Options{})
	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [5]int{20, 1, 5, 5, 5}, b.Pathways[0].Shape)
	// A 1x1x1 label patch is unchanged by reflection, and so is the center
	// voxel of an odd patch.
	assertPaired(t, b)
}

func TestSampleTestModeWithoutLabels(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = model.ModeTest
	cfg.SamplingType = sampling.TypeUniform
	cfg.Percentages = nil
	cfg.Samples = 12
	s := newSampler(t, cfg, 2, nil, Options{})

	b, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, b.Len())
	assert.Nil(t, b.Labels)
	assert.Equal(t, []string{"uniform"}, s.Categories())
	assertPaired(t, b)
}

func TestSampleTransitions(t *testing.T) {
	var states []State
	s := newSampler(t, baseConfig(), 4, everySubjectHalfForeground, Options{
		OnTransition: func(_, to State) { states = append(states, to) },
	})
	assert.Equal(t, StateIdle, s.State())

	_, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateSelectingSubjects, StateAllocatingCounts, StateDispatching,
		StateAggregating, StateShuffling, StateComplete,
	}, states)
}

func TestSampleFailsWholeSubepochOnLoadError(t *testing.T) {
	dir, paths := writeSubjects(t, 3, everySubjectHalfForeground)
	require.NoError(t, os.Remove(filepath.Join(dir, paths[1].Channels[0])))
	cfg := baseConfig()
	cfg.MaxSubjects = 3

	var last State
	s, err := New(cfg, testNetwork(), newLoader(t, dir, paths, cfg.Mode), Options{
		OnTransition: func(_, to State) { last = to },
	})
	require.NoError(t, err)

	b, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, StateFailed, last)
}

func TestSampleParallelLoadErrorIsWorkerFatal(t *testing.T) {
	dir, paths := writeSubjects(t, 2, everySubjectHalfForeground)
	require.NoError(t, os.Remove(filepath.Join(dir, paths[0].Channels[0])))
	cfg := baseConfig()
	cfg.MaxSubjects = 2
	cfg.Workers = 2

	s, err := New(cfg, testNetwork(), newLoader(t, dir, paths, cfg.Mode), Options{})
	require.NoError(t, err)
	_, err = s.Sample(context.Background())
	assert.True(t, errors.Is(err, model.ErrWorkerFatal))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSampleCancelled(t *testing.T) {
	s := newSampler(t, baseConfig(), 2, everySubjectHalfForeground, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Sample(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, s.State())
}

func TestNewRejectsTrainingWithoutLabels(t *testing.T) {
	dir, paths := writeSubjects(t, 2, nil)
	_, err := New(baseConfig(), testNetwork(), newLoader(t, dir, paths, model.ModeTrain), Options{})
	assert.True(t, errors.Is(err, model.ErrConfiguration))
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"max subjects": func(c *Config) { c.MaxSubjects = 0 },
		"samples":      func(c *Config) { c.Samples = 0 },
		"reflect prob": func(c *Config) { c.ImageAugmentation.ReflectProb[1] = 1.5 },
		"timeout":      func(c *Config) { c.JobTimeout = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig()
			mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), model.ErrConfiguration))
		})
	}
	require.NoError(t, baseConfig().Validate())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "dispatching", StateDispatching.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateComplete.Terminal())
	assert.False(t, StateShuffling.Terminal())
}

func TestBatchRecord(t *testing.T) {
	s := newSampler(t, baseConfig(), 4, everySubjectHalfForeground, Options{})
	b, err := s.Sample(context.Background())
	require.NoError(t, err)

	rec := b.Record("run-1", 3)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, 3, rec.Index)
	assert.Equal(t, 100, rec.Requested)
	assert.Equal(t, 100, rec.Drawn)
	assert.Equal(t, b.Bytes(), rec.BatchBytes)
	assert.Len(t, rec.Subjects, 4)
}

// Package subepoch draws one sub-epoch of training segments: it selects
// subjects, splits the sample budget, extracts segments per subject either
// sequentially or on a worker pool, and returns them shuffled as contiguous
// tensors.
package subepoch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"volseg/internal/augment"
	"volseg/internal/extract"
	"volseg/internal/geometry"
	"volseg/internal/loader"
	"volseg/internal/metrics"
	"volseg/internal/model"
	"volseg/internal/sampling"
	"volseg/internal/volume"
	"volseg/internal/workpool"
)

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Sampler
	// OnTransition is called synchronously on every state change.
	OnTransition func(from, to State)
}

// Sampler produces sub-epoch batches. Sample calls are serialized.
type Sampler struct {
	cfg          Config
	network      model.Network
	loader       *loader.Loader
	policy       *sampling.Policy
	extractor    *extract.Extractor
	logger       *zap.Logger
	metrics      *metrics.Sampler
	onTransition func(from, to State)

	seed uint64
	rng  *rand.Rand

	run   sync.Mutex
	mu    sync.Mutex
	state State
}

func New(cfg Config, network model.Network, ld *loader.Loader, opts Options) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := network.Validate(); err != nil {
		return nil, err
	}
	if ld == nil {
		return nil, model.Configurationf("sampler needs a subject loader")
	}
	if cfg.Mode != model.ModeTest && !ld.HasLabels() {
		return nil, model.Configurationf("%s sampling needs labels for every subject", cfg.Mode)
	}
	weightMaps := ld.NumWeightMaps()
	if cfg.Mode == model.ModeTest {
		weightMaps = 0
	}
	policy, err := sampling.NewPolicy(cfg.SamplingType, cfg.Percentages, network.NumClasses, weightMaps, cfg.ZeroMapFallback)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Sampler{
		cfg:          cfg,
		network:      network,
		loader:       ld,
		policy:       policy,
		extractor:    extract.New(network, cfg.Mode),
		logger:       logger,
		metrics:      opts.Metrics,
		onTransition: opts.OnTransition,
		seed:         seed,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		state:        StateIdle,
	}, nil
}

func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Seed is the seed of the orchestrator random source.
func (s *Sampler) Seed() uint64 { return s.seed }

func (s *Sampler) Categories() []string { return s.policy.Categories() }

func (s *Sampler) Config() Config { return s.cfg }

func (s *Sampler) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// subjectResult is what one subject job hands back to the orchestrator.
type subjectResult struct {
	segments []extract.Segment
	origins  []Origin
	draw     model.SubjectDraw
}

// Sample draws one sub-epoch. Any failure aborts the whole sub-epoch and no
// partial batch is returned.
func (s *Sampler) Sample(ctx context.Context) (*Batch, error) {
	s.run.Lock()
	defer s.run.Unlock()

	start := time.Now()
	batch, err := s.sample(ctx, start)
	s.metrics.SubepochDone(err, time.Since(start))
	if err != nil {
		s.transition(StateFailed)
		s.logger.Error("sub-epoch failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, fmt.Errorf("sample sub-epoch: %w", err)
	}
	s.transition(StateComplete)
	s.logger.Info("sub-epoch sampled",
		zap.Int("segments", batch.Len()),
		zap.Int("subjects", len(batch.Report.Subjects)),
		zap.String("size", humanize.Bytes(uint64(batch.Bytes()))),
		zap.Duration("elapsed", batch.Report.Duration),
		zap.Int("timeouts", batch.Report.Stats.Timeouts),
		zap.Int("recreations", batch.Report.Stats.Recreations))
	return batch, nil
}

func (s *Sampler) sample(ctx context.Context, start time.Time) (*Batch, error) {
	s.transition(StateSelectingSubjects)
	subjects, err := sampling.SelectSubjects(s.rng, s.loader.NumSubjects(), s.cfg.MaxSubjects, s.cfg.FillSubjects)
	if err != nil {
		return nil, err
	}

	s.transition(StateAllocatingCounts)
	perSubject := sampling.AllocateAcrossSubjects(s.rng, s.cfg.Samples, len(subjects))
	s.logger.Debug("sub-epoch allocated",
		zap.Ints("subjects", subjects), zap.Ints("samples", perSubject))

	s.transition(StateDispatching)
	results, stats, err := s.dispatch(ctx, subjects, perSubject)
	if err != nil {
		return nil, err
	}

	s.transition(StateAggregating)
	var (
		segments []extract.Segment
		origins  []Origin
		draws    = make([]model.SubjectDraw, 0, len(results))
	)
	for _, r := range results {
		segments = append(segments, r.segments...)
		origins = append(origins, r.origins...)
		draws = append(draws, r.draw)
	}

	s.transition(StateShuffling)
	perm := sampling.Permutation(s.rng, len(segments))
	segments = sampling.Permute(segments, perm)
	origins = sampling.Permute(origins, perm)

	batch, err := assemble(s.network, s.cfg.Mode, segments, origins)
	if err != nil {
		return nil, err
	}
	batch.Report = Report{
		Subjects:  subjects,
		Draws:     draws,
		Stats:     stats,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	return batch, nil
}

func (s *Sampler) dispatch(ctx context.Context, subjects, counts []int) ([]subjectResult, workpool.Stats, error) {
	if s.cfg.Workers <= 0 {
		results := make([]subjectResult, len(subjects))
		for i, subject := range subjects {
			if err := ctx.Err(); err != nil {
				return nil, workpool.Stats{}, err
			}
			r, err := s.sampleSubject(ctx, s.rng, subject, counts[i])
			if err != nil {
				return nil, workpool.Stats{}, err
			}
			results[i] = r
		}
		return results, workpool.Stats{}, nil
	}

	jobs := make([]workpool.Func[subjectResult], len(subjects))
	for i, subject := range subjects {
		count := counts[i]
		jobs[i] = func(ctx context.Context) (subjectResult, error) {
			rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
			return s.sampleSubject(ctx, rng, subject, count)
		}
	}
	policy := workpool.Policy{
		Workers:    min(s.cfg.Workers, runtime.NumCPU()),
		JobTimeout: s.cfg.JobTimeout,
		MaxRounds:  s.cfg.MaxRounds,
	}
	hooks := workpool.Hooks{
		OnJobTimeout: func(job, round int) { s.metrics.WorkerTimeout() },
		OnRecreate:   func(round, pending int) { s.metrics.PoolRecreated() },
	}
	return workpool.Run(ctx, policy, hooks, s.logger, jobs)
}

// sampleSubject runs the whole per-subject pipeline with rng, which the
// caller owns for the duration of the call.
func (s *Sampler) sampleSubject(ctx context.Context, rng *rand.Rand, index, count int) (subjectResult, error) {
	logger := s.logger.With(zap.Int("subject", index))

	loadStart := time.Now()
	subj, err := s.loader.Load(ctx, index)
	if err != nil {
		return subjectResult{}, err
	}
	s.metrics.SubjectLoaded(time.Since(loadStart))

	if flipped := augment.Image(rng, s.cfg.ImageAugmentation, augment.Subject{
		Channels:           subj.Channels,
		SubsampledChannels: subj.SubsampledChannels,
		Labels:             subj.Labels,
		ROI:                subj.ROI,
		WeightMaps:         subj.WeightMaps,
	}); flipped != [3]bool{} {
		logger.Debug("subject reflected", zap.Bools("axes", flipped[:]))
	}

	maps, err := s.policy.Maps(subj.WeightMaps, subj.Labels, subj.ROI, subj.Dims)
	if err != nil {
		return subjectResult{}, fmt.Errorf("subject %d: %w", index, err)
	}
	maps, valid, substituted := s.policy.ApplyFallback(maps, subj.ROI)
	counts, requested := s.policy.Distribute(rng, count, valid)

	categories := s.policy.Categories()
	primary := s.network.Primary()
	segmentShape := geometry.Footprint(primary.InputShape.For(s.cfg.Mode), primary.SubsamplingFactor)
	centers := sampling.NewSampler(rng, logger)
	result := subjectResult{draw: model.SubjectDraw{Subject: index}}
	for k, category := range categories {
		draw := model.CategoryDraw{Category: category, Requested: requested[k]}
		picked, err := s.centersFor(centers, maps[k], subj.ROI, segmentShape, counts[k], substituted[k])
		switch {
		case errors.Is(err, sampling.ErrNoValidCenters):
			logger.Warn("no valid sample centers for category, contributing zero segments",
				zap.String("category", category), zap.Int("requested", requested[k]))
			s.metrics.DegenerateCategory(category)
		case err != nil:
			return subjectResult{}, fmt.Errorf("subject %d category %s: %w", index, category, err)
		}
		if !valid[k] && requested[k] > 0 {
			logger.Warn("sampling map is all zeros, category contributes zero segments",
				zap.String("category", category), zap.Int("requested", requested[k]))
			s.metrics.DegenerateCategory(category)
		}

		for _, c := range picked {
			seg, err := s.extractor.Extract(c, subj)
			if err != nil {
				return subjectResult{}, fmt.Errorf("subject %d center %v: %w", index, c, err)
			}
			augment.Sample(rng, s.cfg.SampleAugmentation, seg.Pathways, seg.Labels)
			result.segments = append(result.segments, seg)
			result.origins = append(result.origins, Origin{Subject: index, Category: category, Center: c})
		}
		draw.Drawn = len(picked)
		s.metrics.CategoryDrawn(category, draw.Requested, draw.Drawn)
		result.draw.Categories = append(result.draw.Categories, draw)
	}
	logger.Debug("subject sampled", zap.Int("requested", count), zap.Int("drawn", len(result.segments)))
	return result, nil
}

// centersFor draws from weights and retries once on the fallback map when
// the primary map has mass only where no segment fits.
func (s *Sampler) centersFor(sampler *sampling.Sampler, weights, roi *volume.Volume, segment model.Shape3, count int, substituted bool) ([]model.Coord3, error) {
	if count == 0 {
		return nil, nil
	}
	picked, err := sampler.SampleCenters(weights, segment, count)
	if !errors.Is(err, sampling.ErrNoValidCenters) || substituted {
		return picked, err
	}
	fallback := s.policy.FallbackMap(roi)
	if fallback == nil {
		return nil, err
	}
	return sampler.SampleCenters(fallback, segment, count)
}

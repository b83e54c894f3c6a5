// Package volseg is the programmatic entry point for sampling runs: it wires
// a volume source, subject loader and sub-epoch sampler, records every
// sub-epoch in a ledger store and writes run artifacts.
package volseg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"volseg/internal/extract"
	"volseg/internal/geometry"
	"volseg/internal/loader"
	"volseg/internal/metrics"
	"volseg/internal/model"
	"volseg/internal/stats"
	"volseg/internal/storage"
	"volseg/internal/subepoch"
	"volseg/internal/volio"
	"volseg/internal/volume"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "volseg.db"
)

type Options struct {
	StoreKind string
	// DBPath is the sqlite file or the postgres DSN.
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *zap.Logger
	// Registerer receives the sampler metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type Client struct {
	store   storage.Store
	logger  *zap.Logger
	metrics *metrics.Sampler

	artifactsDir string
	exportsDir   string
}

// Dataset is everything needed to load subjects.
type Dataset struct {
	Subjects []loader.SubjectPaths
	Source   volio.Source
	Network  model.Network
	// Pad reflect-pads subjects by half the receptive field.
	Pad                 bool
	ValidateLabels      bool
	MissingChannelValue float32
}

type SampleRequest struct {
	// RunID defaults to a fresh uuid.
	RunID     string
	Dataset   Dataset
	Sampler   subepoch.Config
	Subepochs int
	// Trainer, when set, receives every batch while the next one is sampled.
	Trainer subepoch.Trainer
	// OnSubepoch is called after each sub-epoch is recorded.
	OnSubepoch func(index int, record model.SubepochRecord)
}

type SampleSummary struct {
	RunID        string
	ArtifactsDir string
	Summary      stats.RunSummary
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type TileRequest struct {
	Dataset   Dataset
	Mode      model.Mode
	Subject   int
	Stride    model.Shape3
	BatchSize int
}

// SubjectInfo describes a loaded subject.
type SubjectInfo struct {
	Subject       int
	Dims          model.Shape3
	Padding       volume.Padding
	Channels      int
	ZeroIntensity []float32
	HasLabels     bool
	LabelRange    [2]int32
	HasROI        bool
	ROIVoxels     int
	WeightMaps    int
	WeightMapMass []float64
	Bytes         int64
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		metrics:      metrics.NewSampler(opts.Registerer),
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) newLoader(ds Dataset, mode model.Mode) (*loader.Loader, error) {
	if ds.Source == nil {
		return nil, model.Configurationf("dataset has no volume source")
	}
	return loader.New(volio.NewReader(ds.Source, c.logger), ds.Subjects, loader.Options{
		Network:             ds.Network,
		Mode:                mode,
		Pad:                 ds.Pad,
		ValidateLabels:      ds.ValidateLabels,
		MissingChannelValue: ds.MissingChannelValue,
	}, c.logger)
}

// Sample runs req.Subepochs sub-epochs, records each in the store and writes
// the run artifacts.
func (c *Client) Sample(ctx context.Context, req SampleRequest) (SampleSummary, error) {
	if req.Subepochs <= 0 {
		return SampleSummary{}, model.Configurationf("sub-epochs must be >= 1, got %d", req.Subepochs)
	}
	ld, err := c.newLoader(req.Dataset, req.Sampler.Mode)
	if err != nil {
		return SampleSummary{}, err
	}
	sampler, err := subepoch.New(req.Sampler, req.Dataset.Network, ld, subepoch.Options{
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	if err != nil {
		return SampleSummary{}, err
	}

	run := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              req.RunID,
		CreatedAt:       time.Now().UTC(),
		Mode:            req.Sampler.Mode.String(),
		SamplingType:    req.Sampler.SamplingType.String(),
		Categories:      sampler.Categories(),
		Subjects:        ld.NumSubjects(),
		Seed:            sampler.Seed(),
	}
	if run.ID == "" {
		run.ID = storage.NewID()
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return SampleSummary{}, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	logger := c.logger.With(zap.String("run_id", run.ID))
	logger.Info("sampling run started",
		zap.Int("subepochs", req.Subepochs),
		zap.Int("subjects", run.Subjects),
		zap.Uint64("seed", run.Seed))

	record := subepoch.TrainerFunc(func(ctx context.Context, k int, batch *subepoch.Batch) error {
		entry := storage.Stamp(batch.Record(run.ID, k))
		if err := c.store.SaveSubepoch(ctx, entry); err != nil {
			return fmt.Errorf("save sub-epoch %d: %w", k, err)
		}
		if req.OnSubepoch != nil {
			req.OnSubepoch(k, entry)
		}
		if req.Trainer != nil {
			return req.Trainer.Train(ctx, k, batch)
		}
		return nil
	})
	if err := subepoch.Pipeline(ctx, sampler, record, req.Subepochs); err != nil {
		return SampleSummary{}, err
	}

	records, err := c.store.ListSubepochs(ctx, run.ID)
	if err != nil {
		return SampleSummary{}, err
	}
	artifacts := stats.NewRunArtifacts(run, records)
	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, artifacts)
	if err != nil {
		return SampleSummary{}, err
	}
	if err := stats.AppendRunIndex(c.artifactsDir, artifacts.IndexEntry()); err != nil {
		return SampleSummary{}, err
	}
	logger.Info("sampling run finished",
		zap.Int("drawn", artifacts.Summary.Drawn),
		zap.Int("requested", artifacts.Summary.Requested),
		zap.String("artifacts", runDir))
	return SampleSummary{RunID: run.ID, ArtifactsDir: runDir, Summary: artifacts.Summary}, nil
}

func (c *Client) Runs(ctx context.Context, limit int) ([]model.RunRecord, error) {
	return c.store.ListRuns(ctx, limit)
}

func (c *Client) Subepochs(ctx context.Context, runID string) ([]model.SubepochRecord, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	return c.store.ListSubepochs(ctx, runID)
}

// Export writes a run's artifacts to req.OutDir, rebuilding them from the
// store when the run is recorded there and copying the artifact directory
// otherwise.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest, not both")
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = c.exportsDir
	}
	runID := req.RunID
	if req.Latest {
		runs, err := c.store.ListRuns(ctx, 1)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(runs) > 0 {
			runID = runs[0].ID
		} else {
			entries, err := stats.ListRunIndex(c.artifactsDir)
			if err != nil {
				return ExportSummary{}, err
			}
			if len(entries) == 0 {
				return ExportSummary{}, errors.New("no runs available to export")
			}
			runID = entries[0].RunID
		}
	}
	if runID == "" {
		return ExportSummary{}, errors.New("export requires a run id or latest")
	}

	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	if !ok {
		dir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, outDir)
		if err != nil {
			return ExportSummary{}, err
		}
		return ExportSummary{RunID: runID, Directory: dir}, nil
	}
	records, err := c.store.ListSubepochs(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	dir, err := stats.WriteRunArtifacts(outDir, stats.NewRunArtifacts(run, records))
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: dir}, nil
}

// Tiles loads one subject and returns the inference tiles covering it.
func (c *Client) Tiles(ctx context.Context, req TileRequest) ([]geometry.Tile, error) {
	tiles, _, err := c.tiles(ctx, req)
	return tiles, err
}

// TileSegments returns the inference tiles of one subject together with the
// pathway inputs cut for each of them.
func (c *Client) TileSegments(ctx context.Context, req TileRequest) ([]geometry.Tile, []extract.Segment, error) {
	tiles, subj, err := c.tiles(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	extractor := extract.New(req.Dataset.Network, req.Mode)
	segments := make([]extract.Segment, len(tiles))
	for i, tile := range tiles {
		seg, err := extractor.ExtractTile(tile, subj)
		if err != nil {
			return nil, nil, fmt.Errorf("tile %d: %w", i, err)
		}
		segments[i] = seg
	}
	return tiles, segments, nil
}

func (c *Client) tiles(ctx context.Context, req TileRequest) ([]geometry.Tile, *loader.Subject, error) {
	ld, err := c.newLoader(req.Dataset, req.Mode)
	if err != nil {
		return nil, nil, err
	}
	subj, err := ld.Load(ctx, req.Subject)
	if err != nil {
		return nil, nil, err
	}
	primary := req.Dataset.Network.Primary()
	segment := geometry.Footprint(primary.InputShape.For(req.Mode), primary.SubsamplingFactor)
	return geometry.Tiles(subj.Dims, segment, req.Stride, req.BatchSize, subj.ROI), subj, nil
}

// Inspect loads one subject and reports what the sampler would see.
func (c *Client) Inspect(ctx context.Context, ds Dataset, mode model.Mode, subject int) (SubjectInfo, error) {
	ld, err := c.newLoader(ds, mode)
	if err != nil {
		return SubjectInfo{}, err
	}
	subj, err := ld.Load(ctx, subject)
	if err != nil {
		return SubjectInfo{}, err
	}
	info := SubjectInfo{
		Subject:    subject,
		Dims:       subj.Dims,
		Padding:    subj.Padding,
		Channels:   len(subj.Channels),
		HasLabels:  subj.Labels != nil,
		HasROI:     subj.ROI != nil,
		WeightMaps: len(subj.WeightMaps),
		Bytes:      subj.Bytes(),
	}
	for _, ch := range subj.Channels {
		info.ZeroIntensity = append(info.ZeroIntensity, ch.ZeroIntensity())
	}
	if subj.Labels != nil {
		info.LabelRange = [2]int32{subj.Labels.Min(), subj.Labels.Max()}
	}
	if subj.ROI != nil {
		for _, v := range subj.ROI.Data {
			if v > 0 {
				info.ROIVoxels++
			}
		}
	}
	for _, wm := range subj.WeightMaps {
		info.WeightMapMass = append(info.WeightMapMass, wm.Sum())
	}
	return info, nil
}

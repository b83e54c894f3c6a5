package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"volseg/internal/logging"
	"volseg/internal/model"
	"volseg/internal/stats"
	"volseg/internal/storage"
	"volseg/internal/volio"
	"volseg/pkg/volseg"
)

const (
	artifactsDir  = "runs"
	exportsDir    = "exports"
	defaultDBPath = "volseg.db"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "sample":
		return runSample(ctx, args[1:])
	case "tile":
		return runTile(ctx, args[1:])
	case "inspect":
		return runInspect(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite|postgres")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path or postgres dsn")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := volseg.New(volseg.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runSample(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	configPath := fs.String("config", "", "run config JSON path")
	runID := fs.String("run-id", "", "run id; a fresh uuid when empty")
	subepochs := fs.Int("subepochs", 1, "number of sub-epochs to sample")
	workers := fs.Int("workers", -1, "worker count; 0 samples sequentially, -1 keeps the config value")
	seed := fs.Uint64("seed", 0, "orchestrator seed; 0 keeps the config value")
	storeKind := fs.String("store", "", "store backend: memory|sqlite|postgres (default from config)")
	dbPath := fs.String("db-path", "", "sqlite database path or postgres dsn (default from config)")
	outDir := fs.String("out", "", "artifacts directory (default from config)")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address while sampling")
	quiet := fs.Bool("quiet", false, "hide the progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("sample requires --config")
	}
	if *subepochs <= 0 {
		return errors.New("subepochs must be > 0")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	samplerCfg, err := cfg.Sampler.subepoch()
	if err != nil {
		return err
	}
	if *workers >= 0 {
		samplerCfg.Workers = *workers
	}
	if *seed != 0 {
		samplerCfg.Seed = *seed
	}

	logger, err := logging.New(cfg.logOptions())
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if *metricsAddr != "" {
		stop, err := serveMetrics(*metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	client, err := volseg.New(volseg.Options{
		StoreKind:    firstNonEmpty(*storeKind, cfg.Store.Kind, storage.DefaultStoreKind()),
		DBPath:       firstNonEmpty(*dbPath, cfg.Store.DBPath, defaultDBPath),
		ArtifactsDir: firstNonEmpty(*outDir, cfg.ArtifactsDir, artifactsDir),
		Logger:       logger,
		Registerer:   reg,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}
	dataset, err := cfg.dataset(ctx)
	if err != nil {
		return err
	}

	req := volseg.SampleRequest{
		RunID:     *runID,
		Dataset:   dataset,
		Sampler:   samplerCfg,
		Subepochs: *subepochs,
	}
	if !*quiet {
		bar := progressbar.NewOptions(*subepochs,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("sampling"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		req.OnSubepoch = func(int, model.SubepochRecord) {
			_ = bar.Add(1)
		}
		defer func() {
			_ = bar.Finish()
		}()
	}

	summary, err := client.Sample(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("run_id=%s subepochs=%d requested=%d drawn=%d timeouts=%d recreations=%d mean_batch=%s artifacts=%s\n",
		summary.RunID,
		summary.Summary.Subepochs,
		summary.Summary.Requested,
		summary.Summary.Drawn,
		summary.Summary.Timeouts,
		summary.Summary.Recreations,
		humanize.Bytes(uint64(summary.Summary.BatchBytes.Mean)),
		filepath.Clean(summary.ArtifactsDir),
	)
	for _, c := range summary.Summary.Categories {
		fmt.Printf("category=%s requested=%d drawn=%d shortfall=%.4f degenerate=%d\n",
			c.Category, c.Requested, c.Drawn, c.Shortfall, c.Degenerate)
	}
	return nil
}

func runTile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tile", flag.ContinueOnError)
	configPath := fs.String("config", "", "run config JSON path")
	subject := fs.Int("subject", 0, "subject index")
	modeName := fs.String("mode", "test", "mode whose segment shape is tiled: train|val|test")
	strideRaw := fs.String("stride", "", "tile stride as x,y,z or a single value (default: output shape)")
	batchSize := fs.Int("batch", 1, "pad the tile list to a multiple of this size")
	jsonOut := fs.Bool("json", false, "emit tiles as JSON")
	extractSegments := fs.Bool("extract", false, "cut the pathway inputs of every tile and report their size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("tile requires --config")
	}
	if *batchSize <= 0 {
		return errors.New("batch must be > 0")
	}
	mode, err := model.ParseMode(*modeName)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	stride := cfg.Network.OutputShape.For(mode)
	if *strideRaw != "" {
		stride, err = model.ParseShape3(*strideRaw)
		if err != nil {
			return err
		}
	}
	if !stride.Positive() {
		return fmt.Errorf("stride %v must be positive", stride)
	}

	logger, err := logging.New(cfg.logOptions())
	if err != nil {
		return err
	}
	client, err := volseg.New(volseg.Options{StoreKind: "memory", Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	dataset, err := cfg.dataset(ctx)
	if err != nil {
		return err
	}

	req := volseg.TileRequest{
		Dataset:   dataset,
		Mode:      mode,
		Subject:   *subject,
		Stride:    stride,
		BatchSize: *batchSize,
	}
	if *extractSegments {
		tiles, segments, err := client.TileSegments(ctx, req)
		if err != nil {
			return err
		}
		var voxels int
		for _, seg := range segments {
			for _, pathway := range seg.Pathways {
				for _, patch := range pathway {
					voxels += len(patch.Data)
				}
			}
		}
		fmt.Printf("subject=%d tiles=%d segments=%d size=%s\n", *subject, len(tiles), len(segments), humanize.Bytes(uint64(voxels)*4))
		return nil
	}
	tiles, err := client.Tiles(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tiles)
	}
	for i, tile := range tiles {
		fmt.Printf("tile=%d low=%v high=%v\n", i, tile.Low, tile.High)
	}
	fmt.Printf("subject=%d tiles=%d stride=%v\n", *subject, len(tiles), stride)
	return nil
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "run config JSON path")
	subject := fs.Int("subject", 0, "subject index")
	modeName := fs.String("mode", "train", "mode used to load the subject: train|val|test")
	jsonOut := fs.Bool("json", false, "emit subject info as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("inspect requires --config")
	}
	mode, err := model.ParseMode(*modeName)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.logOptions())
	if err != nil {
		return err
	}
	client, err := volseg.New(volseg.Options{StoreKind: "memory", Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	dataset, err := cfg.dataset(ctx)
	if err != nil {
		return err
	}

	info, err := client.Inspect(ctx, dataset, mode, *subject)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Printf("subject=%d dims=%v padding=%v channels=%d labels=%t label_range=%v roi=%t roi_voxels=%d weight_maps=%d size=%s\n",
		info.Subject,
		info.Dims,
		info.Padding,
		info.Channels,
		info.HasLabels,
		info.LabelRange,
		info.HasROI,
		info.ROIVoxels,
		info.WeightMaps,
		humanize.Bytes(uint64(info.Bytes)),
	)
	for i, zero := range info.ZeroIntensity {
		fmt.Printf("channel=%d zero_intensity=%.6f\n", i, zero)
	}
	for i, mass := range info.WeightMapMass {
		fmt.Printf("weight_map=%d mass=%.6f\n", i, mass)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	storeKind := fs.String("store", "", "store backend: memory|sqlite|postgres; empty reads the artifact index")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path or postgres dsn")
	dir := fs.String("dir", artifactsDir, "artifacts directory holding the run index")
	runID := fs.String("run-id", "", "list the sub-epochs of this run")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	if *storeKind == "" {
		if *runID != "" {
			return errors.New("--run-id requires --store")
		}
		return listIndexedRuns(*dir, *limit, *jsonOut)
	}

	client, err := volseg.New(volseg.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	if *runID != "" {
		records, err := client.Subepochs(ctx, *runID)
		if err != nil {
			return err
		}
		if *jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		if len(records) == 0 {
			fmt.Println("no sub-epochs found")
			return nil
		}
		for _, r := range records {
			fmt.Printf("subepoch=%d started_at=%s duration_ms=%d requested=%d drawn=%d timeouts=%d recreations=%d size=%s\n",
				r.Index,
				r.StartedAt.UTC().Format(time.RFC3339),
				r.DurationMillis,
				r.Requested,
				r.Drawn,
				r.Timeouts,
				r.Recreations,
				humanize.Bytes(uint64(r.BatchBytes)),
			)
		}
		return nil
	}

	runs, err := client.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("run_id=%s created_at=%s mode=%s sampling=%s subjects=%d seed=%d\n",
			r.ID,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.Mode,
			r.SamplingType,
			r.Subjects,
			r.Seed,
		)
	}
	return nil
}

func listIndexedRuns(dir string, limit int, jsonOut bool) error {
	entries, err := stats.ListRunIndex(dir)
	if err != nil {
		return err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("run_id=%s created_at=%s mode=%s sampling=%s subepochs=%d drawn=%d seed=%d\n",
			e.RunID,
			e.CreatedAtUTC,
			e.Mode,
			e.SamplingType,
			e.Subepochs,
			e.Drawn,
			e.Seed,
		)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite|postgres")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path or postgres dsn")
	dir := fs.String("dir", artifactsDir, "artifacts directory")
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := volseg.New(volseg.Options{
		StoreKind:    *storeKind,
		DBPath:       *dbPath,
		ArtifactsDir: *dir,
		ExportsDir:   *outDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	exported, err := client.Export(ctx, volseg.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, filepath.Clean(exported.Directory))
	return nil
}

// dataset resolves the volume source named by the config.
func (c fileConfig) dataset(ctx context.Context) (volseg.Dataset, error) {
	src, err := volio.NewSource(ctx, c.Source)
	if err != nil {
		return volseg.Dataset{}, err
	}
	return volseg.Dataset{
		Subjects:            c.Subjects,
		Source:              src,
		Network:             c.Network,
		Pad:                 c.pad(),
		ValidateLabels:      c.ValidateLabels,
		MissingChannelValue: c.missingChannelValue(),
	}, nil
}

// serveMetrics exposes reg over HTTP until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: volsegctl <init|sample|tile|inspect|runs|export> [flags]", msg)
}

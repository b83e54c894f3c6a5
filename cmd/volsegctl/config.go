package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"volseg/internal/augment"
	"volseg/internal/loader"
	"volseg/internal/logging"
	"volseg/internal/model"
	"volseg/internal/sampling"
	"volseg/internal/subepoch"
	"volseg/internal/volio"
)

// fileConfig is the JSON run configuration read by sample, tile and inspect.
type fileConfig struct {
	Subjects            []loader.SubjectPaths `json:"subjects"`
	Network             model.Network         `json:"network"`
	Sampler             samplerConfig         `json:"sampler"`
	Pad                 *bool                 `json:"pad,omitempty"`
	ValidateLabels      bool                  `json:"validate_labels"`
	MissingChannelValue *float32              `json:"missing_channel_value,omitempty"`
	Source              volio.SourceConfig    `json:"source"`
	Store               storeConfig           `json:"store"`
	Log                 logConfig             `json:"log"`
	ArtifactsDir        string                `json:"artifacts_dir,omitempty"`
}

type samplerConfig struct {
	Mode               model.Mode           `json:"mode"`
	MaxSubjects        int                  `json:"max_subjects"`
	Samples            int                  `json:"samples"`
	FillSubjects       bool                 `json:"fill_subjects"`
	SamplingType       sampling.Type        `json:"sampling_type"`
	Percentages        []float64            `json:"percentages,omitempty"`
	ZeroMapFallback    sampling.Fallback    `json:"zero_map_fallback"`
	ImageAugmentation  augment.ImageParams  `json:"image_augmentation"`
	SampleAugmentation augment.SampleParams `json:"sample_augmentation"`
	Workers            int                  `json:"workers"`
	JobTimeout         string               `json:"job_timeout,omitempty"`
	MaxRounds          int                  `json:"max_rounds,omitempty"`
	Seed               uint64               `json:"seed,omitempty"`
}

type logConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

type storeConfig struct {
	Kind   string `json:"kind,omitempty"`
	DBPath string `json:"db_path,omitempty"`
}

func loadConfig(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	defaults := subepoch.DefaultConfig()
	cfg := fileConfig{
		Sampler: samplerConfig{
			Mode:            defaults.Mode,
			MaxSubjects:     defaults.MaxSubjects,
			Samples:         defaults.Samples,
			SamplingType:    defaults.SamplingType,
			ZeroMapFallback: defaults.ZeroMapFallback,
			MaxRounds:       defaults.MaxRounds,
		},
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Source.Kind == "" || cfg.Source.Kind == "fs" {
		// Relative volume paths resolve against the config file.
		if cfg.Source.Root == "" {
			cfg.Source.Root = filepath.Dir(path)
		} else if !filepath.IsAbs(cfg.Source.Root) {
			cfg.Source.Root = filepath.Join(filepath.Dir(path), cfg.Source.Root)
		}
	}
	return cfg, cfg.validate()
}

func (c fileConfig) validate() error {
	if len(c.Subjects) == 0 {
		return model.Configurationf("config lists no subjects")
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if _, err := c.Sampler.subepoch(); err != nil {
		return err
	}
	return nil
}

func (c fileConfig) logOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format}
}

func (c fileConfig) pad() bool {
	return c.Pad == nil || *c.Pad
}

func (c fileConfig) missingChannelValue() float32 {
	if c.MissingChannelValue == nil {
		return loader.DefaultMissingChannelValue
	}
	return *c.MissingChannelValue
}

func (s samplerConfig) subepoch() (subepoch.Config, error) {
	cfg := subepoch.Config{
		Mode:               s.Mode,
		MaxSubjects:        s.MaxSubjects,
		Samples:            s.Samples,
		FillSubjects:       s.FillSubjects,
		SamplingType:       s.SamplingType,
		Percentages:        s.Percentages,
		ZeroMapFallback:    s.ZeroMapFallback,
		ImageAugmentation:  s.ImageAugmentation,
		SampleAugmentation: s.SampleAugmentation,
		Workers:            s.Workers,
		JobTimeout:         subepoch.DefaultConfig().JobTimeout,
		MaxRounds:          s.MaxRounds,
		Seed:               s.Seed,
	}
	if s.JobTimeout != "" {
		d, err := time.ParseDuration(s.JobTimeout)
		if err != nil {
			return subepoch.Config{}, model.Configurationf("job timeout %q: %v", s.JobTimeout, err)
		}
		cfg.JobTimeout = d
	}
	return cfg, cfg.Validate()
}

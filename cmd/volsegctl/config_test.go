package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"volseg/internal/model"
	"volseg/internal/sampling"
	"volseg/internal/subepoch"
)

func networkPayload() map[string]any {
	return map[string]any{
		"pathways": []any{
			map[string]any{
				"role":               "primary",
				"subsampling_factor": []int{1, 1, 1},
				"input_shape":        map[string]any{"train": []int{5, 5, 5}, "val": []int{5, 5, 5}, "test": []int{5, 5, 5}},
			},
			map[string]any{
				"role":               "subsampled",
				"subsampling_factor": []int{3, 3, 3},
				"input_shape":        map[string]any{"train": []int{3, 3, 3}, "val": []int{3, 3, 3}, "test": []int{3, 3, 3}},
			},
		},
		"receptive_field": []int{5, 5, 5},
		"output_shape":    map[string]any{"train": []int{1, 1, 1}, "val": []int{1, 1, 1}, "test": []int{1, 1, 1}},
		"num_classes":     2,
	}
}

func writeConfig(t *testing.T, dir string, payload map[string]any) string {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	path := filepath.Join(dir, "volseg.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesSamplerSection(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"subjects": []any{map[string]any{"channels": []string{"s0.npy"}, "labels": "s0-labels.npy"}},
		"network":  networkPayload(),
		"sampler": map[string]any{
			"mode":              "val",
			"samples":           40,
			"sampling_type":     "per_class",
			"zero_map_fallback": "roi",
			"workers":           3,
			"job_timeout":       "1500ms",
			"seed":              9,
		},
		"pad":                   false,
		"missing_channel_value": -1.5,
		"store":                 map[string]any{"kind": "memory"},
		"log":                   map[string]any{"level": "debug", "format": "console"},
	})

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	sc, err := cfg.Sampler.subepoch()
	if err != nil {
		t.Fatalf("sampler config: %v", err)
	}
	if sc.Mode != model.ModeValidation || sc.Samples != 40 || sc.Workers != 3 || sc.Seed != 9 {
		t.Fatalf("unexpected sampler config: %+v", sc)
	}
	if sc.SamplingType != sampling.TypePerClass || sc.ZeroMapFallback != sampling.FallbackROI {
		t.Fatalf("unexpected sampling policy: %+v", sc)
	}
	if sc.JobTimeout != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s job timeout, got %s", sc.JobTimeout)
	}
	if sc.MaxSubjects != subepoch.DefaultConfig().MaxSubjects {
		t.Fatalf("expected default max subjects, got %d", sc.MaxSubjects)
	}
	if cfg.pad() || cfg.missingChannelValue() != -1.5 {
		t.Fatalf("unexpected loader options: pad=%t missing=%v", cfg.pad(), cfg.missingChannelValue())
	}
	if cfg.Source.Root != dir {
		t.Fatalf("expected source root %s, got %s", dir, cfg.Source.Root)
	}
	if opts := cfg.logOptions(); opts.Level != "debug" || opts.Format != "console" {
		t.Fatalf("unexpected log options: %+v", opts)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"subjects": []any{map[string]any{"channels": []string{"s0.npy"}, "labels": "s0-labels.npy"}},
		"network":  networkPayload(),
		"source":   map[string]any{"root": "volumes"},
	})

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	sc, err := cfg.Sampler.subepoch()
	if err != nil {
		t.Fatalf("sampler config: %v", err)
	}
	defaults := subepoch.DefaultConfig()
	if sc.Samples != defaults.Samples || sc.JobTimeout != defaults.JobTimeout || sc.SamplingType != defaults.SamplingType {
		t.Fatalf("expected defaults, got %+v", sc)
	}
	if !cfg.pad() || cfg.missingChannelValue() != -4 {
		t.Fatalf("unexpected loader defaults: pad=%t missing=%v", cfg.pad(), cfg.missingChannelValue())
	}
	if cfg.Source.Root != filepath.Join(dir, "volumes") {
		t.Fatalf("expected relative root resolved against config dir, got %s", cfg.Source.Root)
	}
}

func TestLoadConfigRejectsInvalidInput(t *testing.T) {
	cases := map[string]map[string]any{
		"no subjects": {
			"network": networkPayload(),
		},
		"bad timeout": {
			"subjects": []any{map[string]any{"channels": []string{"s0.npy"}}},
			"network":  networkPayload(),
			"sampler":  map[string]any{"job_timeout": "soon"},
		},
		"bad samples": {
			"subjects": []any{map[string]any{"channels": []string{"s0.npy"}}},
			"network":  networkPayload(),
			"sampler":  map[string]any{"samples": 0},
		},
		"no pathways": {
			"subjects": []any{map[string]any{"channels": []string{"s0.npy"}}},
			"network":  map[string]any{"num_classes": 2},
		},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), payload)
			if _, err := loadConfig(path); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestLoadConfigRejectsUnknownSamplingType(t *testing.T) {
	path := writeConfig(t, t.TempDir(), map[string]any{
		"subjects": []any{map[string]any{"channels": []string{"s0.npy"}}},
		"network":  networkPayload(),
		"sampler":  map[string]any{"sampling_type": "stratified"},
	})
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected unknown sampling type to fail")
	}
}

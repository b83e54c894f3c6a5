package subepoch

import (
	"time"

	"volseg/internal/augment"
	"volseg/internal/model"
	"volseg/internal/sampling"
)

// Config controls how one sub-epoch is sampled.
type Config struct {
	Mode model.Mode
	// MaxSubjects caps how many subjects are loaded per sub-epoch.
	MaxSubjects int
	// Samples is the number of segments requested per sub-epoch.
	Samples int
	// FillSubjects repeats subjects until MaxSubjects are chosen when fewer
	// are available.
	FillSubjects bool

	SamplingType    sampling.Type
	Percentages     []float64
	ZeroMapFallback sampling.Fallback

	ImageAugmentation  augment.ImageParams
	SampleAugmentation augment.SampleParams

	// Workers <= 0 samples sequentially on the calling goroutine.
	Workers    int
	JobTimeout time.Duration
	MaxRounds  int

	// Seed seeds the sub-epoch random source; 0 picks a random seed.
	// Parallel jobs always draw from independently seeded sources.
	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		Mode:            model.ModeTrain,
		MaxSubjects:     50,
		Samples:         1000,
		SamplingType:    sampling.TypeForeBackground,
		ZeroMapFallback: sampling.FallbackNone,
		JobTimeout:      30 * time.Second,
		MaxRounds:       10,
	}
}

func (c Config) Validate() error {
	if c.MaxSubjects < 1 {
		return model.Configurationf("max subjects must be >= 1, got %d", c.MaxSubjects)
	}
	if c.Samples < 1 {
		return model.Configurationf("samples per sub-epoch must be >= 1, got %d", c.Samples)
	}
	for axis, p := range c.ImageAugmentation.ReflectProb {
		if p < 0 || p > 1 {
			return model.Configurationf("image reflection probability for axis %d must be in [0, 1], got %g", axis, p)
		}
	}
	for axis, p := range c.SampleAugmentation.ReflectProb {
		if p < 0 || p > 1 {
			return model.Configurationf("sample reflection probability for axis %d must be in [0, 1], got %g", axis, p)
		}
	}
	if c.JobTimeout < 0 {
		return model.Configurationf("job timeout must not be negative")
	}
	return nil
}

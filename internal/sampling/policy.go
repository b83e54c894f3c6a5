package sampling

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"volseg/internal/model"
	"volseg/internal/volume"
)

// Type selects how sampling categories and their maps are derived.
type Type int

const (
	TypeForeBackground Type = iota
	TypeUniform
	TypePerClass
	TypeWeightMaps
)

func (t Type) String() string {
	switch t {
	case TypeForeBackground:
		return "fore_background"
	case TypeUniform:
		return "uniform"
	case TypePerClass:
		return "per_class"
	case TypeWeightMaps:
		return "weight_maps"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

func ParseType(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "fore_background", "foreground_background":
		return TypeForeBackground, nil
	case "uniform":
		return TypeUniform, nil
	case "per_class", "class":
		return TypePerClass, nil
	case "weight_maps", "weighted":
		return TypeWeightMaps, nil
	default:
		return 0, model.Configurationf("unknown sampling type %q", raw)
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Fallback decides what happens to a category whose map is all zeros.
type Fallback int

const (
	// FallbackNone leaves the category empty for that subject.
	FallbackNone Fallback = iota
	// FallbackROI samples the category from the ROI mask instead.
	FallbackROI
)

func (f Fallback) String() string {
	switch f {
	case FallbackNone:
		return "none"
	case FallbackROI:
		return "roi"
	default:
		return fmt.Sprintf("fallback(%d)", int(f))
	}
}

func ParseFallback(raw string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return FallbackNone, nil
	case "roi":
		return FallbackROI, nil
	default:
		return 0, model.Configurationf("unknown zero-map fallback %q", raw)
	}
}

func (f Fallback) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Fallback) UnmarshalText(text []byte) error {
	parsed, err := ParseFallback(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Policy turns a subject's labels, ROI and provided weight maps into one
// sampling map per category, and splits a subject's sample budget across
// those categories.
type Policy struct {
	typ         Type
	categories  []string
	percentages []float64
	fallback    Fallback
}

// NewPolicy validates the category layout. numClasses is used by
// TypePerClass and numWeightMaps by TypeWeightMaps. Nil percentages default
// to an even split.
func NewPolicy(typ Type, percentages []float64, numClasses, numWeightMaps int, fallback Fallback) (*Policy, error) {
	var categories []string
	switch typ {
	case TypeForeBackground:
		categories = []string{"foreground", "background"}
	case TypeUniform:
		categories = []string{"uniform"}
	case TypePerClass:
		if numClasses < 1 {
			return nil, model.Configurationf("per-class sampling needs at least one class")
		}
		for k := 0; k < numClasses; k++ {
			categories = append(categories, fmt.Sprintf("class-%d", k))
		}
	case TypeWeightMaps:
		if numWeightMaps < 1 {
			return nil, model.Configurationf("weight-map sampling needs at least one weight map per subject")
		}
		for k := 0; k < numWeightMaps; k++ {
			categories = append(categories, fmt.Sprintf("map-%d", k))
		}
	default:
		return nil, model.Configurationf("unknown sampling type %d", int(typ))
	}
	if numWeightMaps > 0 && numWeightMaps != len(categories) {
		return nil, model.Configurationf("%s sampling has %d categories but %d weight maps are provided", typ, len(categories), numWeightMaps)
	}

	if percentages == nil {
		percentages = make([]float64, len(categories))
		for i := range percentages {
			percentages[i] = 1 / float64(len(categories))
		}
	}
	if len(percentages) != len(categories) {
		return nil, model.Configurationf("%s sampling has %d categories, got %d percentages", typ, len(categories), len(percentages))
	}
	if err := ValidatePercentages(percentages); err != nil {
		return nil, err
	}
	return &Policy{
		typ:         typ,
		categories:  categories,
		percentages: append([]float64(nil), percentages...),
		fallback:    fallback,
	}, nil
}

func (p *Policy) Type() Type             { return p.typ }
func (p *Policy) Categories() []string   { return append([]string(nil), p.categories...) }
func (p *Policy) Percentages() []float64 { return append([]float64(nil), p.percentages...) }
func (p *Policy) Fallback() Fallback     { return p.fallback }

// Maps returns one sampling map per category, all shaped dims. Provided
// weight maps take precedence over maps derived from labels.
func (p *Policy) Maps(weightMaps []*volume.Volume, labels *volume.Labels, roi *volume.Volume, dims model.Shape3) ([]*volume.Volume, error) {
	if len(weightMaps) > 0 {
		if len(weightMaps) != len(p.categories) {
			return nil, model.Configurationf("got %d weight maps for %d categories", len(weightMaps), len(p.categories))
		}
		return weightMaps, nil
	}

	switch p.typ {
	case TypeForeBackground:
		if labels == nil {
			return nil, model.Configurationf("fore/background sampling needs labels or weight maps")
		}
		return []*volume.Volume{
			labelMask(labels, roi, func(l int32) bool { return l > 0 }),
			labelMask(labels, roi, func(l int32) bool { return l == 0 }),
		}, nil
	case TypeUniform:
		if roi != nil {
			return []*volume.Volume{binarize(roi)}, nil
		}
		return []*volume.Volume{volume.Filled[float32](dims, 1)}, nil
	case TypePerClass:
		if labels == nil {
			return nil, model.Configurationf("per-class sampling needs labels or weight maps")
		}
		maps := make([]*volume.Volume, len(p.categories))
		for k := range maps {
			class := int32(k)
			maps[k] = labelMask(labels, roi, func(l int32) bool { return l == class })
		}
		return maps, nil
	case TypeWeightMaps:
		return nil, model.Configurationf("weight-map sampling needs weight maps for every subject")
	default:
		return nil, model.Configurationf("unknown sampling type %d", int(p.typ))
	}
}

// ApplyFallback marks categories with an all-zero map invalid. Under
// FallbackROI such maps are replaced with the ROI mask when it has any
// voxels; the returned substituted flags say which ones.
func (p *Policy) ApplyFallback(maps []*volume.Volume, roi *volume.Volume) (out []*volume.Volume, valid, substituted []bool) {
	out = append([]*volume.Volume(nil), maps...)
	valid = make([]bool, len(maps))
	substituted = make([]bool, len(maps))
	for i, m := range out {
		if m.Sum() > 0 {
			valid[i] = true
			continue
		}
		if fb := p.FallbackMap(roi); fb != nil {
			out[i] = fb
			valid[i] = true
			substituted[i] = true
		}
	}
	return out, valid, substituted
}

// FallbackMap returns the map that replaces an unusable category map, or nil
// when the policy has no fallback or the ROI is empty.
func (p *Policy) FallbackMap(roi *volume.Volume) *volume.Volume {
	switch p.fallback {
	case FallbackROI:
		if roi != nil && roi.Sum() > 0 {
			return binarize(roi)
		}
	case FallbackNone:
	}
	return nil
}

// Distribute splits total across categories by the policy percentages.
// requested is the split before invalid categories are zeroed; counts is
// what will actually be drawn.
func (p *Policy) Distribute(rng *rand.Rand, total int, valid []bool) (counts, requested []int) {
	requested = AllocateAcrossCategories(rng, total, p.percentages)
	return ZeroInvalid(requested, valid), requested
}

func labelMask(labels *volume.Labels, roi *volume.Volume, keep func(int32) bool) *volume.Volume {
	out := volume.New[float32](labels.Shape)
	for i, l := range labels.Data {
		if keep(l) && (roi == nil || roi.Data[i] > 0) {
			out.Data[i] = 1
		}
	}
	return out
}

func binarize(v *volume.Volume) *volume.Volume {
	out := volume.New[float32](v.Shape)
	for i, x := range v.Data {
		if x > 0 {
			out.Data[i] = 1
		}
	}
	return out
}

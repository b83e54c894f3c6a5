package model

import (
	"fmt"
	"strings"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Shape3 is the extent of a 3D array along x, y and z.
type Shape3 [3]int

// Coord3 is a voxel index. Components may be negative for bounds that fall
// outside a volume.
type Coord3 [3]int

func (s Shape3) Voxels() int {
	return s[0] * s[1] * s[2]
}

func (s Shape3) Positive() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

func (s Shape3) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

func (c Coord3) Add(o Coord3) Coord3 {
	return Coord3{c[0] + o[0], c[1] + o[1], c[2] + o[2]}
}

// ParseShape3 reads "x,y,z" or a single "n" meaning n on every axis.
func ParseShape3(raw string) (Shape3, error) {
	parts := strings.Split(raw, ",")
	if len(parts) == 1 {
		parts = []string{parts[0], parts[0], parts[0]}
	}
	if len(parts) != 3 {
		return Shape3{}, Configurationf("shape %q must have 1 or 3 components", raw)
	}
	var out Shape3
	for i, p := range parts {
		var v int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &v); err != nil {
			return Shape3{}, Configurationf("shape %q: %v", raw, err)
		}
		out[i] = v
	}
	return out, nil
}

// Mode selects which per-mode shapes of the network apply.
type Mode int

const (
	ModeTrain Mode = iota
	ModeValidation
	ModeTest
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeValidation:
		return "val"
	case ModeTest:
		return "test"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "train":
		return ModeTrain, nil
	case "val", "validation":
		return ModeValidation, nil
	case "test":
		return ModeTest, nil
	default:
		return 0, Configurationf("unknown mode %q", raw)
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// PathwayRole is the closed set of pathway kinds.
type PathwayRole int

const (
	RolePrimary PathwayRole = iota
	RoleSubsampled
	RoleFullyConnected
)

func (r PathwayRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSubsampled:
		return "subsampled"
	case RoleFullyConnected:
		return "fc"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func ParsePathwayRole(raw string) (PathwayRole, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "primary", "normal":
		return RolePrimary, nil
	case "subsampled":
		return RoleSubsampled, nil
	case "fc", "fully_connected":
		return RoleFullyConnected, nil
	default:
		return 0, Configurationf("unknown pathway role %q", raw)
	}
}

func (r PathwayRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *PathwayRole) UnmarshalText(text []byte) error {
	parsed, err := ParsePathwayRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ModeShapes holds one shape per Mode.
type ModeShapes struct {
	Train      Shape3 `json:"train"`
	Validation Shape3 `json:"val"`
	Test       Shape3 `json:"test"`
}

func (m ModeShapes) For(mode Mode) Shape3 {
	switch mode {
	case ModeValidation:
		return m.Validation
	case ModeTest:
		return m.Test
	default:
		return m.Train
	}
}

// Uniform returns ModeShapes with the same shape for every mode.
func Uniform(s Shape3) ModeShapes {
	return ModeShapes{Train: s, Validation: s, Test: s}
}

// Pathway describes one input pathway of the network. Immutable once built.
type Pathway struct {
	Role              PathwayRole `json:"role"`
	SubsamplingFactor Shape3      `json:"subsampling_factor"`
	InputShape        ModeShapes  `json:"input_shape"`
}

func (p Pathway) TakesInput() bool {
	switch p.Role {
	case RolePrimary, RoleSubsampled:
		return true
	case RoleFullyConnected:
		return false
	default:
		panic(fmt.Sprintf("unhandled pathway role %d", int(p.Role)))
	}
}

// Network is the geometry of the segmentation network the sampler feeds.
// Pathways[0] is the primary pathway.
type Network struct {
	Pathways       []Pathway  `json:"pathways"`
	ReceptiveField Shape3     `json:"receptive_field"`
	OutputShape    ModeShapes `json:"output_shape"`
	NumClasses     int        `json:"num_classes"`
}

func (n Network) Primary() Pathway {
	return n.Pathways[0]
}

// InputPathways returns the indexes of pathways that take image input, in
// pathway order.
func (n Network) InputPathways() []int {
	out := make([]int, 0, len(n.Pathways))
	for i, p := range n.Pathways {
		if p.TakesInput() {
			out = append(out, i)
		}
	}
	return out
}

func (n Network) Validate() error {
	if len(n.Pathways) == 0 {
		return Configurationf("network has no pathways")
	}
	if n.Pathways[0].Role != RolePrimary {
		return Configurationf("pathway 0 must be primary, got %s", n.Pathways[0].Role)
	}
	if !n.ReceptiveField.Positive() {
		return Configurationf("receptive field %v must be positive", n.ReceptiveField)
	}
	if n.NumClasses < 1 {
		return Configurationf("num classes must be >= 1, got %d", n.NumClasses)
	}
	for _, mode := range []Mode{ModeTrain, ModeValidation, ModeTest} {
		if !n.OutputShape.For(mode).Positive() {
			return Configurationf("output shape for %s must be positive", mode)
		}
	}
	for i, p := range n.Pathways {
		if i > 0 && p.Role == RolePrimary {
			return Configurationf("pathway %d: only pathway 0 may be primary", i)
		}
		if !p.TakesInput() {
			continue
		}
		if !p.SubsamplingFactor.Positive() {
			return Configurationf("pathway %d: subsampling factor %v must be >= 1", i, p.SubsamplingFactor)
		}
		for _, mode := range []Mode{ModeTrain, ModeValidation, ModeTest} {
			if !p.InputShape.For(mode).Positive() {
				return Configurationf("pathway %d: input shape for %s must be positive", i, mode)
			}
		}
	}
	return nil
}

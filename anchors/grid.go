// Package anchors - multi-level anchor grids for dense detection heads.
package anchors

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/geometry"
)

// Stride is the horizontal and vertical step of a feature level in pixels.
type Stride struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Square reports whether the stride is equal along both axes.
func (s Stride) Square() bool {
	return s.X == s.Y
}

// Generator produces anchors and validity flags for every feature level.
type Generator interface {
	// NumLevels returns the number of feature levels.
	NumLevels() int
	// NumBaseAnchors returns the number of anchors at each location.
	NumBaseAnchors() int
	// Strides returns one stride per level.
	Strides() []Stride
	// GridAnchors returns one (H*W*A, 4) tensor per level.
	GridAnchors(featSizes []geometry.Shape) ([]*tensor.Dense, error)
	// ValidFlags marks the anchors that fall within the padded image.
	ValidFlags(featSizes []geometry.Shape, padShape geometry.Shape) ([][]bool, error)
}

// GridConfig describes the base anchors of a Grid.
type GridConfig struct {
	Strides         []int     `json:"strides" yaml:"strides"`
	Ratios          []float32 `json:"ratios" yaml:"ratios"`
	OctaveBaseScale float32   `json:"octave_base_scale" yaml:"octave_base_scale"`
	ScalesPerOctave int       `json:"scales_per_octave" yaml:"scales_per_octave"`
	CenterOffset    float32   `json:"center_offset" yaml:"center_offset"`
}

// Grid places base anchors at every location of every level.
type Grid struct {
	strides []Stride
	base    [][]geometry.Box
}

// NewGrid builds the base anchors for every level.
//
// Each level uses its stride as base size. Scales are
// octave_base_scale * 2^(i/scales_per_octave) and anchors are ordered
// ratio-major, scale-minor.
func NewGrid(cfg GridConfig) (*Grid, error) {
	if len(cfg.Strides) == 0 {
		return nil, errors.New("anchor grid needs at least one stride")
	}
	if len(cfg.Ratios) == 0 || cfg.ScalesPerOctave <= 0 || cfg.OctaveBaseScale <= 0 {
		return nil, errors.Errorf("invalid anchor grid config: %+v", cfg)
	}

	scales := make([]float32, cfg.ScalesPerOctave)
	for i := range scales {
		scales[i] = cfg.OctaveBaseScale * math32.Pow(2, float32(i)/float32(cfg.ScalesPerOctave))
	}

	g := &Grid{}
	for _, s := range cfg.Strides {
		if s <= 0 {
			return nil, errors.Errorf("invalid stride %d", s)
		}
		g.strides = append(g.strides, Stride{X: s, Y: s})

		size := float32(s)
		cx, cy := cfg.CenterOffset*size, cfg.CenterOffset*size
		var base []geometry.Box
		for _, r := range cfg.Ratios {
			hr := math32.Sqrt(r)
			wr := 1 / hr
			for _, sc := range scales {
				w, h := size*wr*sc, size*hr*sc
				base = append(base, geometry.Box{
					X1: cx - 0.5*w,
					Y1: cy - 0.5*h,
					X2: cx + 0.5*w,
					Y2: cy + 0.5*h,
				})
			}
		}
		g.base = append(g.base, base)
	}
	return g, nil
}

// NumLevels returns the number of feature levels.
func (g *Grid) NumLevels() int {
	return len(g.strides)
}

// NumBaseAnchors returns the number of anchors per location.
func (g *Grid) NumBaseAnchors() int {
	return len(g.base[0])
}

// Strides returns a copy of the per-level strides.
func (g *Grid) Strides() []Stride {
	out := make([]Stride, len(g.strides))
	copy(out, g.strides)
	return out
}

// BaseAnchors returns the base anchors of a level, centred on the origin
// shifted by the center offset.
func (g *Grid) BaseAnchors(level int) []geometry.Box {
	out := make([]geometry.Box, len(g.base[level]))
	copy(out, g.base[level])
	return out
}

// GridAnchors shifts the base anchors over every location of each level.
// Locations are ordered row-major and anchors within a location follow the
// base anchor order.
func (g *Grid) GridAnchors(featSizes []geometry.Shape) ([]*tensor.Dense, error) {
	if len(featSizes) != g.NumLevels() {
		return nil, errors.Errorf("got %d feature sizes for %d levels", len(featSizes), g.NumLevels())
	}
	out := make([]*tensor.Dense, len(featSizes))
	for lvl, fs := range featSizes {
		if fs.Height <= 0 || fs.Width <= 0 {
			return nil, errors.Errorf("level %d has empty feature map %dx%d", lvl, fs.Height, fs.Width)
		}
		st := g.strides[lvl]
		base := g.base[lvl]
		data := make([]float32, 0, fs.Height*fs.Width*len(base)*4)
		for y := 0; y < fs.Height; y++ {
			sy := float32(y * st.Y)
			for x := 0; x < fs.Width; x++ {
				sx := float32(x * st.X)
				for _, b := range base {
					data = append(data, b.X1+sx, b.Y1+sy, b.X2+sx, b.Y2+sy)
				}
			}
		}
		out[lvl] = geometry.NewRows(data, 4)
	}
	return out, nil
}

// ValidFlags marks the locations covered by the padded image. A location is
// valid when x < ceil(padW/strideX) and y < ceil(padH/strideY), capped at the
// feature size.
func (g *Grid) ValidFlags(featSizes []geometry.Shape, padShape geometry.Shape) ([][]bool, error) {
	if len(featSizes) != g.NumLevels() {
		return nil, errors.Errorf("got %d feature sizes for %d levels", len(featSizes), g.NumLevels())
	}
	out := make([][]bool, len(featSizes))
	numBase := g.NumBaseAnchors()
	for lvl, fs := range featSizes {
		st := g.strides[lvl]
		validH := min(ceilDiv(padShape.Height, st.Y), fs.Height)
		validW := min(ceilDiv(padShape.Width, st.X), fs.Width)
		flags := make([]bool, 0, fs.Height*fs.Width*numBase)
		for y := 0; y < fs.Height; y++ {
			for x := 0; x < fs.Width; x++ {
				ok := y < validH && x < validW
				for a := 0; a < numBase; a++ {
					flags = append(flags, ok)
				}
			}
		}
		out[lvl] = flags
	}
	return out, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

package gfl

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// priorProb sets the initial classification bias so every class starts at
// this probability.
const priorProb = 0.01

// LevelOutput holds the raw predictions of one feature level.
type LevelOutput struct {
	// Cls is (B, num_classes, H, W) joint class-quality logits.
	Cls *tensor.Dense
	// Reg is (B, 4*(reg_max+1), H, W) distribution logits.
	Reg *tensor.Dense
}

// Tower maps backbone features to per-level predictions. It does not apply
// the per-level regression scale.
type Tower interface {
	Forward(ctx context.Context, feats []*tensor.Dense) ([]LevelOutput, error)
}

// Scale is a learnable scalar multiplying one level's regression map.
type Scale struct {
	Value float32
}

// Apply returns x * s.
func (s Scale) Apply(x *tensor.Dense) (*tensor.Dense, error) {
	out, err := x.MulScalar(s.Value, true)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply scale")
	}
	return out, nil
}

// LinearTower is a shared 1x1 projection from input channels to the
// classification and regression maps.
type LinearTower struct {
	clsW *mat.Dense
	clsB []float64
	regW *mat.Dense
	regB []float64
}

// NewLinearTower initialises the projections with the GFL scheme: weights
// from N(0, 0.01^2), regression bias 0 and classification bias
// -log((1-p)/p) with p = 0.01.
func NewLinearTower(inChannels, numClasses, regChannels int, seed int64) *LinearTower {
	rng := rand.New(rand.NewSource(seed))
	normal := func(r, c int) *mat.Dense {
		data := make([]float64, r*c)
		for i := range data {
			data[i] = rng.NormFloat64() * 0.01
		}
		return mat.NewDense(r, c, data)
	}

	clsB := make([]float64, numClasses)
	bias := -math.Log((1 - priorProb) / priorProb)
	for i := range clsB {
		clsB[i] = bias
	}
	return &LinearTower{
		clsW: normal(numClasses, inChannels),
		clsB: clsB,
		regW: normal(regChannels, inChannels),
		regB: make([]float64, regChannels),
	}
}

// Forward projects every level with the shared 1x1 weights.
func (lt *LinearTower) Forward(ctx context.Context, feats []*tensor.Dense) ([]LevelOutput, error) {
	out := make([]LevelOutput, len(feats))
	for lvl, f := range feats {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cls, err := project(f, lt.clsW, lt.clsB)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't project level %d classification", lvl)
		}
		reg, err := project(f, lt.regW, lt.regB)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't project level %d regression", lvl)
		}
		out[lvl] = LevelOutput{Cls: cls, Reg: reg}
	}
	return out, nil
}

// project applies w (out, in) and bias at every location of a (B, in, H, W)
// map.
func project(f *tensor.Dense, w *mat.Dense, bias []float64) (*tensor.Dense, error) {
	shape := f.Shape()
	rows, cin := w.Dims()
	if len(shape) != 4 || shape[1] != cin {
		return nil, errors.Wrapf(ErrConfig, "want (B, %d, H, W) features, got %v", cin, shape)
	}
	b, hw := shape[0], shape[2]*shape[3]
	data := f.Data().([]float32)

	out := make([]float32, b*rows*hw)
	x := mat.NewDense(cin, hw, nil)
	var y mat.Dense
	for img := 0; img < b; img++ {
		src := data[img*cin*hw : (img+1)*cin*hw]
		for c := 0; c < cin; c++ {
			for p := 0; p < hw; p++ {
				x.Set(c, p, float64(src[c*hw+p]))
			}
		}
		y.Mul(w, x)
		dst := out[img*rows*hw : (img+1)*rows*hw]
		for r := 0; r < rows; r++ {
			for p := 0; p < hw; p++ {
				dst[r*hw+p] = float32(y.At(r, p) + bias[r])
			}
		}
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(b, rows, shape[2], shape[3]),
		tensor.WithBacking(out),
	), nil
}

// Package integral - decodes discrete offset distributions into continuous
// box offsets.
//
// Each box side is predicted as reg_max+1 logits over the integer bins
// {0, ..., reg_max}. The decoded offset is the expectation of the softmax of
// those logits against the bin indices.
package integral

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Sides is the number of distances decoded per anchor (left, top, right,
// bottom).
const Sides = 4

// Integral decodes (N, 4*(reg_max+1)) logits into (N, 4) offsets.
type Integral struct {
	regMax  int
	project []float32
}

// New creates a decoder for bins {0, ..., regMax}.
func New(regMax int) *Integral {
	project := make([]float32, regMax+1)
	for i := range project {
		project[i] = float32(i)
	}
	return &Integral{regMax: regMax, project: project}
}

// RegMax returns the largest bin index.
func (in *Integral) RegMax() int {
	return in.regMax
}

// Bins returns the number of bins per side.
func (in *Integral) Bins() int {
	return in.regMax + 1
}

// Project returns a copy of the projection vector {0, ..., reg_max}.
func (in *Integral) Project() []float32 {
	out := make([]float32, len(in.project))
	copy(out, in.project)
	return out
}

// Distribution writes the softmax of logits into dst and returns it. The
// maximum logit is subtracted before exponentiation. dst may alias logits; a
// nil dst allocates.
func (in *Integral) Distribution(dst, logits []float32) []float32 {
	if dst == nil {
		dst = make([]float32, len(logits))
	}
	if len(logits) == 0 {
		return dst
	}
	peak := logits[0]
	for _, v := range logits[1:] {
		peak = math32.Max(peak, v)
	}
	var sum float32
	for i, v := range logits {
		e := math32.Exp(v - peak)
		dst[i] = e
		sum += e
	}
	for i := range dst[:len(logits)] {
		dst[i] /= sum
	}
	return dst
}

// Expect returns the expectation of the softmax of one side's logits.
func (in *Integral) Expect(logits []float32) float32 {
	prob := in.Distribution(nil, logits)
	var out float32
	for i, p := range prob {
		out += p * in.project[i]
	}
	return out
}

// DecodeRow decodes one anchor's 4*(reg_max+1) logits.
func (in *Integral) DecodeRow(row []float32) [Sides]float32 {
	var out [Sides]float32
	bins := in.Bins()
	for s := 0; s < Sides; s++ {
		out[s] = in.Expect(row[s*bins : (s+1)*bins])
	}
	return out
}

// Decode maps regression logits to offsets in bin units.
//
// Arguments:
//   - x: (N, 4*(reg_max+1)) float32 logits.
//
// Returns:
//   - (N, 4) left, top, right and bottom offsets, each in [0, reg_max].
//
// @example
// in := integral.New(16)
// offsets, err := in.Decode(regPred) // regPred is (N, 68)
func (in *Integral) Decode(x *tensor.Dense) (*tensor.Dense, error) {
	width := Sides * in.Bins()
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != width {
		return nil, errors.Errorf("Can't decode distribution: want (N, %d), got %v", width, shape)
	}
	data := x.Data().([]float32)
	n := shape[0]
	out := make([]float32, n*Sides)
	for i := 0; i < n; i++ {
		d := in.DecodeRow(data[i*width : (i+1)*width])
		copy(out[i*Sides:], d[:])
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(n, Sides), tensor.WithBacking(out)), nil
}

// Expr builds the decoder as a gorgonia expression so it can sit inside a
// differentiable graph. x must be an (N, 4*(reg_max+1)) float32 node; the
// result is (N, 4).
func (in *Integral) Expr(x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	width := Sides * in.Bins()
	if len(shape) != 2 || shape[1] != width {
		return nil, errors.Errorf("Can't build integral expression: want (N, %d), got %v", width, shape)
	}
	n := shape[0]

	bins, err := G.Reshape(x, tensor.Shape{n * Sides, in.Bins()})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape logits")
	}
	prob, err := G.SoftMax(bins, 1)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply softmax")
	}
	project := G.NewVector(x.Graph(), tensor.Float32,
		G.WithShape(in.Bins()),
		G.WithName("integral_project"),
		G.WithValue(tensor.New(tensor.WithShape(in.Bins()), tensor.WithBacking(in.Project()))),
	)
	expect, err := G.Mul(prob, project)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project distribution")
	}
	out, err := G.Reshape(expect, tensor.Shape{n, Sides})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape offsets")
	}
	return out, nil
}

// DecodeGraph decodes x like Decode but evaluates Expr on a gorgonia tape
// machine. Each side's logits are shifted by their maximum before entering
// the graph.
func (in *Integral) DecodeGraph(x *tensor.Dense) (*tensor.Dense, error) {
	width := Sides * in.Bins()
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != width || shape[0] == 0 {
		return nil, errors.Errorf("Can't decode distribution graph: want (N>0, %d), got %v", width, shape)
	}
	src := x.Data().([]float32)
	shifted := make([]float32, len(src))
	bins := in.Bins()
	for off := 0; off < len(src); off += bins {
		side := src[off : off+bins]
		peak := side[0]
		for _, v := range side[1:] {
			peak = math32.Max(peak, v)
		}
		for i, v := range side {
			shifted[off+i] = v - peak
		}
	}

	g := G.NewGraph()
	value := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(shifted))
	node := G.NewMatrix(g, tensor.Float32, G.WithShape(shape...), G.WithName("reg_logits"), G.WithValue(value))
	out, err := in.Expr(node)
	if err != nil {
		return nil, err
	}
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "Can't run integral graph")
	}
	data, ok := out.Value().Data().([]float32)
	if !ok {
		return nil, errors.Errorf("integral graph produced %T", out.Value().Data())
	}
	res := make([]float32, len(data))
	copy(res, data)
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape[0], Sides), tensor.WithBacking(res)), nil
}

// Package targets - per-image dual target assignment and batch aggregation
// for the GFL head.
package targets

import (
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/assign"
	"github.com/nvr-ai/go-gfl/geometry"
)

// Stream is one set of training targets over all anchors of an image.
type Stream struct {
	// Labels holds a class index, or num_classes for background.
	Labels       []int
	LabelWeights []float32
	// BBoxTargets holds one absolute "xyxy" box per anchor, flattened.
	BBoxTargets []float32
	BBoxWeights []float32
	// PosInds and NegInds index the full anchor list of the image.
	PosInds []int
	NegInds []int
}

// ImageResult is the outcome of assigning one image: *ImageTargets or
// NoAnchors.
type ImageResult interface {
	imageResult()
}

// ImageTargets holds both target streams of one image, mapped back onto every
// anchor of the image.
type ImageTargets struct {
	// Anchors is every anchor of the image, levels concatenated, (N*4).
	Anchors []float32
	Pos     Stream
	Neg     Stream
	// AssignedNeg is the negative-stream weight of every anchor.
	AssignedNeg []float32
	// NumLevelAnchorsInside counts the anchors of each level that passed
	// the border filter.
	NumLevelAnchorsInside []int
}

// NoAnchors reports an image with no anchor inside its border.
type NoAnchors struct{}

func (*ImageTargets) imageResult() {}
func (NoAnchors) imageResult()     {}

// ImageInput is the per-image data needed to build targets.
type ImageInput struct {
	// Anchors holds one (n_l, 4) tensor per level.
	Anchors []*tensor.Dense
	// ValidFlags holds one flag per anchor per level.
	ValidFlags [][]bool
	GT         []geometry.Box
	GTIgnore   []geometry.Box
	// GTLabels is nil for class-agnostic (rpn) training; every match is
	// then labelled 0.
	GTLabels []int
	ImgShape geometry.Shape
}

// Assigner builds the positive and negative target streams of an image.
type Assigner struct {
	NumClasses int
	// AllowedBorder widens the image for the inside check. Negative values
	// keep every valid anchor.
	AllowedBorder float32
	// PosWeight is the label weight of positives; zero or less means 1.
	PosWeight float32

	Positive assign.PositiveAssigner
	Negative assign.NegativeAssigner
	Sampler  assign.Sampler

	Log logs.Log
}

// AssignImage computes the targets of one image.
//
// Anchors outside the border are dropped before assignment and come back as
// background with zero weights. If no anchor survives the result is
// NoAnchors.
//
// Arguments:
//   - in: The anchors, flags and ground truth of the image.
//
// Returns:
//   - *ImageTargets or NoAnchors.
//   - An error for inconsistent inputs or a failing collaborator.
func (a *Assigner) AssignImage(in ImageInput) (ImageResult, error) {
	if len(in.Anchors) != len(in.ValidFlags) {
		return nil, errors.Errorf("%d anchor levels and %d flag levels", len(in.Anchors), len(in.ValidFlags))
	}

	var flat []float32
	var valid []bool
	numLevel := make([]int, len(in.Anchors))
	for lvl, t := range in.Anchors {
		data, n, err := geometry.Rows(t, 4)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't read anchors of level %d", lvl)
		}
		if len(in.ValidFlags[lvl]) != n {
			return nil, errors.Errorf("level %d has %d anchors and %d flags", lvl, n, len(in.ValidFlags[lvl]))
		}
		numLevel[lvl] = n
		flat = append(flat, data...)
		valid = append(valid, in.ValidFlags[lvl]...)
	}
	total := len(valid)
	if total == 0 {
		return NoAnchors{}, nil
	}

	inside, err := geometry.InsideFlags(geometry.NewRows(flat, 4), valid, in.ImgShape, a.AllowedBorder)
	if err != nil {
		return nil, errors.Wrap(err, "Can't filter anchors")
	}

	// insideIdx maps an inside anchor back to its index in the image.
	var insideIdx []int
	var kept []geometry.Box
	numLevelInside := make([]int, len(numLevel))
	lvl, lvlEnd := 0, numLevel[0]
	for i, ok := range inside {
		for i >= lvlEnd {
			lvl++
			lvlEnd += numLevel[lvl]
		}
		if !ok {
			continue
		}
		insideIdx = append(insideIdx, i)
		kept = append(kept, geometry.Box{X1: flat[i*4], Y1: flat[i*4+1], X2: flat[i*4+2], Y2: flat[i*4+3]})
		numLevelInside[lvl]++
	}
	if len(kept) == 0 {
		a.Log.Debugf("No anchors inside the %dx%d image", in.ImgShape.Width, in.ImgShape.Height)
		return NoAnchors{}, nil
	}

	ain := assign.Input{
		Anchors:         kept,
		NumLevelAnchors: numLevelInside,
		GT:              in.GT,
		GTIgnore:        in.GTIgnore,
		GTLabels:        in.GTLabels,
	}

	posRes, err := a.Positive.Assign(ain)
	if err != nil {
		return nil, errors.Wrap(err, "positive assignment failed")
	}
	posSample, err := a.Sampler.Sample(posRes, kept, in.GT)
	if err != nil {
		return nil, errors.Wrap(err, "positive sampling failed")
	}

	negRes, assignedNeg, err := a.Negative.AssignNeg(ain)
	if err != nil {
		return nil, errors.Wrap(err, "negative assignment failed")
	}
	if len(assignedNeg) != len(kept) {
		return nil, errors.Errorf("negative assigner returned %d weights for %d anchors", len(assignedNeg), len(kept))
	}
	negSample, err := a.Sampler.Sample(negRes, kept, in.GT)
	if err != nil {
		return nil, errors.Wrap(err, "negative sampling failed")
	}

	out := &ImageTargets{
		Anchors:               flat,
		Pos:                   a.stream(posSample, in.GTLabels, insideIdx, total),
		Neg:                   a.stream(negSample, in.GTLabels, insideIdx, total),
		AssignedNeg:           unmap(assignedNeg, 1, insideIdx, total, 0),
		NumLevelAnchorsInside: numLevelInside,
	}
	a.Log.Debugf("Image targets: %d/%d anchors inside, %d positives, %d negative-stream foreground",
		len(kept), total, len(out.Pos.PosInds), len(out.Neg.PosInds))
	return out, nil
}

// stream builds one target stream over the inside anchors and maps it back
// onto every anchor of the image.
func (a *Assigner) stream(s *assign.SamplingResult, gtLabels []int, insideIdx []int, total int) Stream {
	n := len(insideIdx)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = a.NumClasses
	}
	labelWeights := make([]float32, n)
	bboxTargets := make([]float32, n*4)
	bboxWeights := make([]float32, n*4)

	posWeight := a.PosWeight
	if posWeight <= 0 {
		posWeight = 1
	}
	for k, i := range s.PosInds {
		b := s.PosGTBoxes[k]
		copy(bboxTargets[i*4:], []float32{b.X1, b.Y1, b.X2, b.Y2})
		copy(bboxWeights[i*4:], []float32{1, 1, 1, 1})
		if gtLabels == nil {
			labels[i] = 0
		} else {
			labels[i] = gtLabels[s.PosAssignedGTInds[k]]
		}
		labelWeights[i] = posWeight
	}
	for _, i := range s.NegInds {
		labelWeights[i] = 1
	}

	return Stream{
		Labels:       unmap(labels, 1, insideIdx, total, a.NumClasses),
		LabelWeights: unmap(labelWeights, 1, insideIdx, total, 0),
		BBoxTargets:  unmap(bboxTargets, 4, insideIdx, total, 0),
		BBoxWeights:  unmap(bboxWeights, 4, insideIdx, total, 0),
		PosInds:      remap(s.PosInds, insideIdx),
		NegInds:      remap(s.NegInds, insideIdx),
	}
}

// unmap scatters rows of width values taken at insideIdx into an array of
// total rows, filling the other rows with fill.
func unmap[T any](data []T, width int, insideIdx []int, total int, fill T) []T {
	out := make([]T, total*width)
	for i := range out {
		out[i] = fill
	}
	for k, i := range insideIdx {
		copy(out[i*width:(i+1)*width], data[k*width:(k+1)*width])
	}
	return out
}

// remap translates indices over the inside anchors into image anchor indices.
func remap(inds []int, insideIdx []int) []int {
	out := make([]int, len(inds))
	for k, i := range inds {
		out[k] = insideIdx[i]
	}
	return out
}

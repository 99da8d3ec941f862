package targets

import (
	"iter"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/geometry"
)

// LevelTargets holds the targets of one feature level for the whole batch,
// image-major. Per-anchor arrays have B*n_l entries, box arrays B*n_l*4.
type LevelTargets struct {
	// Anchors is (B*n_l, 4).
	Anchors      *tensor.Dense
	Labels       []int
	LabelWeights []float32
	BBoxTargets  []float32
	BBoxWeights  []float32

	LabelsNeg       []int
	LabelWeightsNeg []float32
	BBoxTargetsNeg  []float32
	BBoxWeightsNeg  []float32
	AssignedNeg     []float32
}

// BatchTargets holds the per-level targets of a batch and its sample counts.
// Every count adds max(n, 1) per image.
type BatchTargets struct {
	Levels    []LevelTargets
	NumImages int

	NumTotalPos    int
	NumTotalNeg    int
	NumTotalPosNeg int
	NumTotalNegNeg int
}

// Images lazily assigns every image in order. Iteration stops at the first
// error.
func (a *Assigner) Images(inputs []ImageInput) iter.Seq2[ImageResult, error] {
	return func(yield func(ImageResult, error) bool) {
		for i, in := range inputs {
			res, err := a.AssignImage(in)
			if err != nil {
				yield(nil, errors.Wrapf(err, "Can't assign image %d", i))
				return
			}
			if !yield(res, nil) {
				return
			}
		}
	}
}

// Aggregate gathers per-image targets into per-level batch targets.
//
// The batch is void, ok == false, as soon as one image yields NoAnchors.
//
// Arguments:
//   - results: One ImageResult per image, in batch order.
//   - numLevelAnchors: The anchor count of each level of one image.
//
// Returns:
//   - The per-level targets and floored sample counts.
//   - Whether the batch has targets.
//   - The first error of the sequence, or an inconsistent image.
func Aggregate(results iter.Seq2[ImageResult, error], numLevelAnchors []int) (*BatchTargets, bool, error) {
	total := 0
	for _, n := range numLevelAnchors {
		total += n
	}

	var (
		anchors                             [][]float32
		labels, labelsNeg                   [][]int
		labelWeights, labelWeightsNeg       [][]float32
		bboxTargets, bboxTargetsNeg         [][]float32
		bboxWeights, bboxWeightsNeg         [][]float32
		assignedNeg                         [][]float32
		numPos, numNeg, numPosNeg, numNegNeg int
	)

	for res, err := range results {
		if err != nil {
			return nil, false, err
		}
		img, ok := res.(*ImageTargets)
		if !ok {
			return nil, false, nil
		}
		if len(img.Pos.Labels) != total {
			return nil, false, errors.Errorf("image %d has %d anchors, levels hold %d", len(labels), len(img.Pos.Labels), total)
		}

		anchors = append(anchors, img.Anchors)
		labels = append(labels, img.Pos.Labels)
		labelWeights = append(labelWeights, img.Pos.LabelWeights)
		bboxTargets = append(bboxTargets, img.Pos.BBoxTargets)
		bboxWeights = append(bboxWeights, img.Pos.BBoxWeights)
		labelsNeg = append(labelsNeg, img.Neg.Labels)
		labelWeightsNeg = append(labelWeightsNeg, img.Neg.LabelWeights)
		bboxTargetsNeg = append(bboxTargetsNeg, img.Neg.BBoxTargets)
		bboxWeightsNeg = append(bboxWeightsNeg, img.Neg.BBoxWeights)
		assignedNeg = append(assignedNeg, img.AssignedNeg)

		numPos += max(len(img.Pos.PosInds), 1)
		numNeg += max(len(img.Pos.NegInds), 1)
		numPosNeg += max(len(img.Neg.PosInds), 1)
		numNegNeg += max(len(img.Neg.NegInds), 1)
	}
	if len(labels) == 0 {
		return nil, false, nil
	}

	out := &BatchTargets{
		Levels:         make([]LevelTargets, len(numLevelAnchors)),
		NumImages:      len(labels),
		NumTotalPos:    numPos,
		NumTotalNeg:    numNeg,
		NumTotalPosNeg: numPosNeg,
		NumTotalNegNeg: numNegNeg,
	}
	anchorLevels := ImagesToLevels(anchors, numLevelAnchors, 4)
	labelLevels := ImagesToLevels(labels, numLevelAnchors, 1)
	labelWeightLevels := ImagesToLevels(labelWeights, numLevelAnchors, 1)
	bboxTargetLevels := ImagesToLevels(bboxTargets, numLevelAnchors, 4)
	bboxWeightLevels := ImagesToLevels(bboxWeights, numLevelAnchors, 4)
	labelNegLevels := ImagesToLevels(labelsNeg, numLevelAnchors, 1)
	labelWeightNegLevels := ImagesToLevels(labelWeightsNeg, numLevelAnchors, 1)
	bboxTargetNegLevels := ImagesToLevels(bboxTargetsNeg, numLevelAnchors, 4)
	bboxWeightNegLevels := ImagesToLevels(bboxWeightsNeg, numLevelAnchors, 4)
	assignedNegLevels := ImagesToLevels(assignedNeg, numLevelAnchors, 1)

	for lvl := range numLevelAnchors {
		out.Levels[lvl] = LevelTargets{
			Anchors:         geometry.NewRows(anchorLevels[lvl], 4),
			Labels:          labelLevels[lvl],
			LabelWeights:    labelWeightLevels[lvl],
			BBoxTargets:     bboxTargetLevels[lvl],
			BBoxWeights:     bboxWeightLevels[lvl],
			LabelsNeg:       labelNegLevels[lvl],
			LabelWeightsNeg: labelWeightNegLevels[lvl],
			BBoxTargetsNeg:  bboxTargetNegLevels[lvl],
			BBoxWeightsNeg:  bboxWeightNegLevels[lvl],
			AssignedNeg:     assignedNegLevels[lvl],
		}
	}
	return out, true, nil
}

// ImagesToLevels splits per-image arrays, ordered level by level, into one
// array per level holding every image in turn. width is the number of values
// per anchor.
func ImagesToLevels[T any](perImage [][]T, numLevelAnchors []int, width int) [][]T {
	out := make([][]T, len(numLevelAnchors))
	start := 0
	for lvl, n := range numLevelAnchors {
		level := make([]T, 0, len(perImage)*n*width)
		for _, img := range perImage {
			level = append(level, img[start*width:(start+n)*width]...)
		}
		out[lvl] = level
		start += n
	}
	return out
}

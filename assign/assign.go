// Package assign - matches anchors to ground-truth boxes.
//
// Assigners produce an AssignResult per image; a Sampler turns it into
// explicit positive and negative index lists.
package assign

import (
	"fmt"

	"github.com/nvr-ai/go-gfl/geometry"
)

// GTInds sentinels.
const (
	// Background marks an anchor matched to no ground truth.
	Background = 0
	// Ignore marks an anchor excluded from both positives and negatives.
	Ignore = -1
)

// AssignResult maps every anchor to a ground-truth box.
type AssignResult struct {
	// NumGTs is the number of ground-truth boxes in the image.
	NumGTs int
	// GTInds holds Background, Ignore or i+1 for ground-truth box i.
	GTInds []int
	// MaxOverlaps holds the IoU with the assigned box, 0 when unmatched.
	MaxOverlaps []float32
	// Labels holds the class of the assigned box and -1 elsewhere. It is nil
	// when the assigner was given no labels.
	Labels []int
}

// NumPositives counts anchors matched to a ground-truth box.
func (r *AssignResult) NumPositives() int {
	n := 0
	for _, g := range r.GTInds {
		if g > 0 {
			n++
		}
	}
	return n
}

func (r *AssignResult) String() string {
	return fmt.Sprintf("AssignResult(num_gts=%d, anchors=%d, positives=%d)", r.NumGTs, len(r.GTInds), r.NumPositives())
}

// Input is the per-image data handed to an assigner. Anchors are the anchors
// inside the border, concatenated over levels; NumLevelAnchors gives how many
// of them belong to each level. GTLabels is nil for class-agnostic (rpn)
// training.
type Input struct {
	Anchors         []geometry.Box
	NumLevelAnchors []int
	GT              []geometry.Box
	GTIgnore        []geometry.Box
	GTLabels        []int
}

// PositiveAssigner picks the anchors that are confidently matched to a box.
type PositiveAssigner interface {
	Assign(in Input) (*AssignResult, error)
}

// NegativeAssigner picks a second, looser matching and returns a per-anchor
// weight for it. The weight is positive exactly on the anchors it matched.
type NegativeAssigner interface {
	AssignNeg(in Input) (*AssignResult, []float32, error)
}

// SamplingResult lists the positive and negative anchors of an AssignResult.
type SamplingResult struct {
	PosInds []int
	NegInds []int
	// PosAssignedGTInds is the zero-based ground-truth index of each positive.
	PosAssignedGTInds []int
	// PosGTBoxes is the ground-truth box of each positive.
	PosGTBoxes []geometry.Box
}

// Sampler selects the anchors used for training from an AssignResult.
type Sampler interface {
	Sample(res *AssignResult, anchors, gt []geometry.Box) (*SamplingResult, error)
}

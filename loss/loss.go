// Package loss - loss kernels for the GFL head.
//
// Every kernel reduces the same way: the per-element loss is
// multiplied by its weight, summed, divided by avg_factor and scaled by the
// kernel's loss weight.
package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/nvr-ai/go-gfl/geometry"
)

// QualityTarget is the classification target of one level.
type QualityTarget struct {
	// Labels is the positive-stream label of every anchor; num_classes is
	// background.
	Labels []int
	// LabelsNeg is the negative-stream label of every anchor.
	LabelsNeg []int
	// NegFGInds lists the anchors that are foreground in the negative stream.
	NegFGInds []int
	// Scores is the IoU quality target of every anchor, 0 for background.
	Scores []float32
}

// Classification scores (N, C) joint class-quality logits.
type Classification interface {
	Loss(pred []float32, numClasses int, target QualityTarget, weight []float32, avgFactor float32) (float32, error)
}

// Distribution scores (N, bins) offset logits against fractional offsets.
type Distribution interface {
	Loss(pred []float32, bins int, target []float32, weight []float32, avgFactor float32) (float32, error)
}

// Box scores decoded boxes against target boxes.
type Box interface {
	Loss(pred, target []geometry.Box, weight []float32, avgFactor float32) (float32, error)
}

// reduce returns sum(loss*weight)/avgFactor.
func reduce(loss []float64, weight []float32, avgFactor float32) float32 {
	w := make([]float64, len(weight))
	for i, v := range weight {
		w[i] = float64(v)
	}
	return float32(floats.Dot(loss, w) / float64(avgFactor))
}

func checkWeights(n int, weight []float32, avgFactor float32) error {
	if len(weight) != n {
		return errors.Errorf("%d elements and %d weights", n, len(weight))
	}
	if avgFactor <= 0 {
		return errors.Errorf("avg_factor must be positive, got %v", avgFactor)
	}
	return nil
}

// bceWithLogits is binary cross entropy of sigmoid(x) against z, computed
// without overflow.
func bceWithLogits(x, z float32) float32 {
	return math32.Max(x, 0) - x*z + math32.Log1p(math32.Exp(-math32.Abs(x)))
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// logSoftmax returns log(softmax(row)[k]).
func logSoftmax(row []float32, k int) float32 {
	peak := row[0]
	for _, v := range row[1:] {
		peak = math32.Max(peak, v)
	}
	var sum float32
	for _, v := range row {
		sum += math32.Exp(v - peak)
	}
	return row[k] - peak - math32.Log(sum)
}

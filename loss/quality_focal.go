package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// QualityFocal is Quality Focal Loss over joint class-quality logits.
//
// Every class of every anchor is first treated as a negative with target 0,
// modulated by sigmoid(x)^Beta. For positive-stream foreground anchors the
// entry of the labelled class is replaced by BCE against the IoU score,
// modulated by |score - sigmoid(x)|^Beta. Anchors that are foreground in the
// negative stream but background in the positive stream have the negative
// term of their negative-stream class scaled by NegScale.
type QualityFocal struct {
	Beta     float32 `json:"beta" yaml:"beta"`
	Weight   float32 `json:"loss_weight" yaml:"loss_weight"`
	NegScale float32 `json:"neg_scale" yaml:"neg_scale"`
}

// Loss is the quality focal loss of (N, numClasses) logits against the dual
// target.
func (q QualityFocal) Loss(pred []float32, numClasses int, target QualityTarget, weight []float32, avgFactor float32) (float32, error) {
	if numClasses <= 0 || len(pred)%numClasses != 0 {
		return 0, errors.Errorf("prediction of length %d is not a multiple of %d classes", len(pred), numClasses)
	}
	n := len(pred) / numClasses
	if len(target.Labels) != n || len(target.LabelsNeg) != n || len(target.Scores) != n {
		return 0, errors.Errorf("quality target does not cover %d anchors", n)
	}
	if err := checkWeights(n, weight, avgFactor); err != nil {
		return 0, errors.Wrap(err, "Can't compute quality focal loss")
	}

	perAnchor := make([]float64, n)
	for i := 0; i < n; i++ {
		row := pred[i*numClasses : (i+1)*numClasses]
		label := target.Labels[i]
		var sum float32
		for c, x := range row {
			s := Sigmoid(x)
			if c == label {
				d := math32.Abs(target.Scores[i] - s)
				sum += bceWithLogits(x, target.Scores[i]) * math32.Pow(d, q.Beta)
			} else {
				sum += bceWithLogits(x, 0) * math32.Pow(s, q.Beta)
			}
		}
		perAnchor[i] = float64(sum)
	}

	for _, i := range target.NegFGInds {
		if i < 0 || i >= n {
			return 0, errors.Errorf("negative foreground index %d out of range", i)
		}
		c := target.LabelsNeg[i]
		if target.Labels[i] < numClasses || c < 0 || c >= numClasses {
			continue
		}
		x := pred[i*numClasses+c]
		neg := bceWithLogits(x, 0) * math32.Pow(Sigmoid(x), q.Beta)
		perAnchor[i] -= float64((1 - q.NegScale) * neg)
	}

	return q.Weight * reduce(perAnchor, weight, avgFactor), nil
}

package loss

import (
	"github.com/pkg/errors"
)

// DistributionFocal is Distribution Focal Loss. A fractional target y between
// bins l and l+1 becomes the soft label (l+1-y, y-l), scored by cross entropy
// against the bin logits.
type DistributionFocal struct {
	Weight float32 `json:"loss_weight" yaml:"loss_weight"`
}

// Loss is the weighted cross entropy of pred against the two bins around
// each continuous target.
func (d DistributionFocal) Loss(pred []float32, bins int, target []float32, weight []float32, avgFactor float32) (float32, error) {
	if bins < 2 || len(pred) != len(target)*bins {
		return 0, errors.Errorf("prediction of length %d does not match %d targets of %d bins", len(pred), len(target), bins)
	}
	if err := checkWeights(len(target), weight, avgFactor); err != nil {
		return 0, errors.Wrap(err, "Can't compute distribution focal loss")
	}

	loss := make([]float64, len(target))
	for i, y := range target {
		left := int(y)
		right := left + 1
		if left < 0 || right >= bins {
			return 0, errors.Errorf("target %v outside [0, %d)", y, bins-1)
		}
		row := pred[i*bins : (i+1)*bins]
		wl := float32(right) - y
		wr := y - float32(left)
		loss[i] = float64(-logSoftmax(row, left)*wl - logSoftmax(row, right)*wr)
	}
	return d.Weight * reduce(loss, weight, avgFactor), nil
}

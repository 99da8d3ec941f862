package loss

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-gfl/geometry"
)

// GIoU is 1 - GIoU(pred, target).
type GIoU struct {
	Weight float32 `json:"loss_weight" yaml:"loss_weight"`
}

// Loss is the weighted 1 - GIoU of aligned box pairs.
func (g GIoU) Loss(pred, target []geometry.Box, weight []float32, avgFactor float32) (float32, error) {
	if len(pred) != len(target) {
		return 0, errors.Errorf("%d predicted and %d target boxes", len(pred), len(target))
	}
	if err := checkWeights(len(pred), weight, avgFactor); err != nil {
		return 0, errors.Wrap(err, "Can't compute GIoU loss")
	}
	anyPositive := false
	for _, w := range weight {
		if w > 0 {
			anyPositive = true
			break
		}
	}
	if !anyPositive {
		return 0, nil
	}

	loss := make([]float64, len(pred))
	for i := range pred {
		loss[i] = float64(1 - geometry.Overlap(pred[i], target[i], geometry.ModeGIoU))
	}
	return g.Weight * reduce(loss, weight, avgFactor), nil
}

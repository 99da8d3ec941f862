package assign

import (
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
)

// assignedNegFloor keeps assigned_neg strictly positive on matched anchors
// whose IoU is zero.
const assignedNegFloor = 1e-6

// DualATSS is the negative-stream assigner. It runs the ATSS candidate search
// with a wider NegTopK and a looser threshold (mean IoU, no standard
// deviation), so it matches the positives plus nearby hard negatives.
//
// assigned_neg is the IoU of each matched anchor with its box, floored at
// 1e-6, and 0 for every other anchor.
type DualATSS struct {
	NegTopK      int
	IgnoreIoFThr float32

	log logs.Log
}

// NewDualATSS creates the negative-stream assigner.
func NewDualATSS(log logs.Log, negTopK int, ignoreIoFThr float32) *DualATSS {
	return &DualATSS{NegTopK: negTopK, IgnoreIoFThr: ignoreIoFThr, log: log}
}

// AssignNeg matches the negative-stream foreground and returns its
// assigned_neg weights, one per anchor.
func (d *DualATSS) AssignNeg(in Input) (*AssignResult, []float32, error) {
	res, err := match(in, matchParams{topk: d.NegTopK, ignoreIoFThr: d.IgnoreIoFThr})
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't assign negatives")
	}
	assignedNeg := make([]float32, len(res.GTInds))
	for i, g := range res.GTInds {
		if g > 0 {
			assignedNeg[i] = max(res.MaxOverlaps[i], assignedNegFloor)
		}
	}
	d.log.Debugf("DualATSS: %v", res)
	return res, assignedNeg, nil
}

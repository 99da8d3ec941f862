package assign

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-gfl/geometry"
)

// PseudoSampler keeps every matched anchor as a positive and every
// background anchor as a negative. Ignored anchors are in neither list.
type PseudoSampler struct{}

// Sample splits an assignment into positive and negative anchor indices.
func (PseudoSampler) Sample(res *AssignResult, anchors, gt []geometry.Box) (*SamplingResult, error) {
	if len(res.GTInds) != len(anchors) {
		return nil, errors.Errorf("assign result covers %d anchors, have %d", len(res.GTInds), len(anchors))
	}
	out := &SamplingResult{}
	for i, g := range res.GTInds {
		switch {
		case g > 0:
			if g > len(gt) {
				return nil, errors.Errorf("anchor %d assigned to box %d of %d", i, g-1, len(gt))
			}
			out.PosInds = append(out.PosInds, i)
			out.PosAssignedGTInds = append(out.PosAssignedGTInds, g-1)
			out.PosGTBoxes = append(out.PosGTBoxes, gt[g-1])
		case g == Background:
			out.NegInds = append(out.NegInds, i)
		}
	}
	return out, nil
}

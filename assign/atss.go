package assign

import (
	"slices"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/nvr-ai/go-gfl/geometry"
)

// centerMargin is how far inside a ground-truth box a candidate's center must
// lie.
const centerMargin = 0.01

// ATSS selects positives with Adaptive Training Sample Selection.
//
// For every ground-truth box the TopK anchors closest to its center are taken
// from each level. Their IoU statistics set the box's threshold
// (mean + standard deviation); candidates at or above it whose centers fall
// inside the box become positives. An anchor claimed by several boxes goes to
// the one with the highest IoU.
type ATSS struct {
	TopK int
	// IgnoreIoFThr excludes anchors overlapping an ignore box by more than
	// this IoF. Zero or less disables it.
	IgnoreIoFThr float32

	log logs.Log
}

// NewATSS creates an ATSS assigner.
func NewATSS(log logs.Log, topk int, ignoreIoFThr float32) *ATSS {
	return &ATSS{TopK: topk, IgnoreIoFThr: ignoreIoFThr, log: log}
}

// Assign matches anchors to ground-truth boxes with the mean+std threshold.
func (a *ATSS) Assign(in Input) (*AssignResult, error) {
	res, err := match(in, matchParams{topk: a.TopK, ignoreIoFThr: a.IgnoreIoFThr, withStd: true})
	if err != nil {
		return nil, errors.Wrap(err, "Can't assign positives")
	}
	a.log.Debugf("ATSS: %v", res)
	return res, nil
}

type matchParams struct {
	topk         int
	ignoreIoFThr float32
	// withStd adds the candidates' standard deviation to the mean IoU
	// threshold.
	withStd bool
}

// match runs the ATSS candidate selection shared by ATSS and DualATSS.
func match(in Input, p matchParams) (*AssignResult, error) {
	n, m := len(in.Anchors), len(in.GT)
	if in.GTLabels != nil && len(in.GTLabels) != m {
		return nil, errors.Errorf("%d ground-truth boxes and %d labels", m, len(in.GTLabels))
	}
	total := 0
	for _, c := range in.NumLevelAnchors {
		total += c
	}
	if total != n {
		return nil, errors.Errorf("level anchor counts sum to %d, have %d anchors", total, n)
	}
	if p.topk <= 0 {
		return nil, errors.Errorf("invalid topk %d", p.topk)
	}

	res := &AssignResult{
		NumGTs:      m,
		GTInds:      make([]int, n),
		MaxOverlaps: make([]float32, n),
	}
	if in.GTLabels != nil {
		res.Labels = make([]int, n)
		for i := range res.Labels {
			res.Labels[i] = -1
		}
	}
	if n == 0 || m == 0 {
		return res, nil
	}

	overlaps := geometry.PairwiseOverlaps(in.Anchors, in.GT, geometry.ModeIoU)

	ax := make([]float32, n)
	ay := make([]float32, n)
	for i, b := range in.Anchors {
		ax[i], ay[i] = b.Center()
	}
	dist := make([]float32, n*m)
	for j, g := range in.GT {
		gx, gy := g.Center()
		for i := 0; i < n; i++ {
			dx, dy := ax[i]-gx, ay[i]-gy
			dist[i*m+j] = math32.Sqrt(dx*dx + dy*dy)
		}
	}

	if p.ignoreIoFThr > 0 && len(in.GTIgnore) > 0 {
		iof := geometry.PairwiseOverlaps(in.Anchors, in.GTIgnore, geometry.ModeIoF)
		k := len(in.GTIgnore)
		for i := 0; i < n; i++ {
			if slices.Max(iof[i*k:(i+1)*k]) > p.ignoreIoFThr {
				for j := 0; j < m; j++ {
					dist[i*m+j] = math32.Inf(1)
				}
				res.GTInds[i] = Ignore
			}
		}
	}

	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(n)
	for i := 0; i < n; i++ {
		fb.Add(int32(math32.Floor(ax[i])), int32(math32.Floor(ay[i])), int32(math32.Ceil(ax[i])), int32(math32.Ceil(ay[i])))
	}
	fb.Finish()

	// best[i] is the highest candidate IoU claimed for anchor i, -Inf if none.
	best := make([]float32, n)
	for i := range best {
		best[i] = math32.Inf(-1)
	}
	bestGT := make([]int, n)
	inside := make([]bool, n)
	var near []int

	for j, g := range in.GT {
		cands := candidates(dist, m, j, in.NumLevelAnchors, p.topk)
		if len(cands) == 0 {
			continue
		}

		ious := make([]float64, len(cands))
		for c, i := range cands {
			ious[c] = float64(overlaps[i*m+j])
		}
		thr := stat.Mean(ious, nil)
		if p.withStd && len(ious) > 1 {
			thr += stat.StdDev(ious, nil)
		}

		near = fb.SearchFast(int32(math32.Floor(g.X1)), int32(math32.Floor(g.Y1)), int32(math32.Ceil(g.X2)), int32(math32.Ceil(g.Y2)), near[:0])
		for _, i := range near {
			inside[i] = g.ContainsPoint(ax[i], ay[i], centerMargin)
		}

		for c, i := range cands {
			if ious[c] < thr || !inside[i] {
				continue
			}
			if iou := overlaps[i*m+j]; iou > best[i] {
				best[i] = iou
				bestGT[i] = j
			}
		}

		for _, i := range near {
			inside[i] = false
		}
	}

	for i := 0; i < n; i++ {
		if math32.IsInf(best[i], -1) {
			continue
		}
		res.GTInds[i] = bestGT[i] + 1
		res.MaxOverlaps[i] = best[i]
		if res.Labels != nil {
			res.Labels[i] = in.GTLabels[bestGT[i]]
		}
	}
	return res, nil
}

// candidates returns, for ground-truth box j, the topk anchors of every level
// closest to its center. Ties keep the lower anchor index.
func candidates(dist []float32, m, j int, numLevelAnchors []int, topk int) []int {
	var out []int
	start := 0
	for _, count := range numLevelAnchors {
		k := min(topk, count)
		idx := make([]int, count)
		for i := range idx {
			idx[i] = start + i
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			da, db := dist[a*m+j], dist[b*m+j]
			switch {
			case da < db:
				return -1
			case da > db:
				return 1
			default:
				return 0
			}
		})
		out = append(out, idx[:k]...)
		start += count
	}
	return out
}

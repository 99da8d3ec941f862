package gfl

import (
	"context"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/anchors"
	"github.com/nvr-ai/go-gfl/geometry"
	"github.com/nvr-ai/go-gfl/integral"
	"github.com/nvr-ai/go-gfl/loss"
	"github.com/nvr-ai/go-gfl/profiler"
	"github.com/nvr-ai/go-gfl/targets"
)

// levelLoss is the result of one feature level. The box and distribution
// losses are not yet divided by the batch weight sums.
type levelLoss struct {
	Cls          float32
	BBox         float32
	DFL          float32
	WeightSum    float32
	BBoxNeg      float32
	DFLNeg       float32
	WeightSumNeg float32
}

// levelInput is everything lossSingle needs for one level.
type levelInput struct {
	Level   int
	Cls     *tensor.Dense
	Reg     *tensor.Dense
	Targets targets.LevelTargets
	Stride  anchors.Stride
	// NumTotalSamples is the reduced, floored positive count of the batch.
	NumTotalSamples float32
}

// streamIndices returns the anchors whose label is foreground.
func streamIndices(labels []int, numClasses int) []int {
	var out []int
	for i, l := range labels {
		if l >= 0 && l < numClasses {
			out = append(out, i)
		}
	}
	return out
}

// zeroOf returns sum(x)*0, which is zero for every finite prediction.
func zeroOf(x []float32) float32 {
	var sum float32
	for _, v := range x {
		sum += v
	}
	return sum * 0
}

// regressed holds the decoded boxes and distribution targets of a set of
// foreground anchors, all in stride units.
type regressed struct {
	pred        []geometry.Box
	target      []geometry.Box
	corners     []float32
	cornerGoals []float32
}

// regress decodes the anchors at inds and encodes their box targets.
func (h *GFLHead) regress(inds []int, anchorData, reg, boxTargets []float32, stride float32) regressed {
	width := integral.Sides * h.integral.Bins()
	out := regressed{
		pred:        make([]geometry.Box, len(inds)),
		target:      make([]geometry.Box, len(inds)),
		corners:     make([]float32, 0, len(inds)*width),
		cornerGoals: make([]float32, 0, len(inds)*integral.Sides),
	}
	regMax := float32(h.integral.RegMax())
	for k, i := range inds {
		a := geometry.Box{X1: anchorData[i*4], Y1: anchorData[i*4+1], X2: anchorData[i*4+2], Y2: anchorData[i*4+3]}
		cx, cy := a.Center()
		cx, cy = cx/stride, cy/stride

		row := reg[i*width : (i+1)*width]
		out.pred[k] = geometry.DistanceToBox(cx, cy, h.integral.DecodeRow(row), nil)

		t := geometry.Box{X1: boxTargets[i*4], Y1: boxTargets[i*4+1], X2: boxTargets[i*4+2], Y2: boxTargets[i*4+3]}
		out.target[k] = t.Scale(stride)

		out.corners = append(out.corners, row...)
		d := geometry.BoxToDistance(cx, cy, out.target[k], regMax)
		out.cornerGoals = append(out.cornerGoals, d[:]...)
	}
	return out
}

// expand4 repeats every weight once per box side.
func expand4(w []float32) []float32 {
	out := make([]float32, 0, len(w)*integral.Sides)
	for _, v := range w {
		out = append(out, v, v, v, v)
	}
	return out
}

// lossSingle computes the losses of one feature level.
//
// Positive-stream foreground anchors get an IoU quality target for the
// classification loss and are regressed with a weight equal to their top
// class probability. Negative-stream foreground anchors are regressed with
// their assigned_neg weight, scaled by NegLossScale.
func (h *GFLHead) lossSingle(ctx context.Context, in levelInput) (levelLoss, error) {
	var out levelLoss
	if !in.Stride.Square() {
		return out, errors.Wrapf(ErrConfig, "level %d stride %dx%d is not square", in.Level, in.Stride.X, in.Stride.Y)
	}
	stride := float32(in.Stride.X)
	numClasses := h.cfg.NumClasses
	width := integral.Sides * h.integral.Bins()

	cls, err := flattenNHWC(in.Cls)
	if err != nil {
		return out, errors.Wrapf(err, "level %d classification", in.Level)
	}
	reg, err := flattenNHWC(in.Reg)
	if err != nil {
		return out, errors.Wrapf(err, "level %d regression", in.Level)
	}
	anchorData, n, err := geometry.Rows(in.Targets.Anchors, 4)
	if err != nil {
		return out, errors.Wrapf(err, "level %d anchors", in.Level)
	}
	t := in.Targets
	if len(cls) != n*numClasses || len(reg) != n*width || len(t.Labels) != n || len(t.LabelsNeg) != n || len(t.AssignedNeg) != n {
		return out, errors.Wrapf(ErrConfig, "level %d predictions do not cover %d anchors", in.Level, n)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	// maxProb is the detached top class probability of every anchor.
	maxProb := make([]float32, n)
	for i := range maxProb {
		row := cls[i*numClasses : (i+1)*numClasses]
		best := row[0]
		for _, v := range row[1:] {
			best = max(best, v)
		}
		maxProb[i] = loss.Sigmoid(best)
	}

	posInds := streamIndices(t.Labels, numClasses)
	posIndsNeg := streamIndices(t.LabelsNeg, numClasses)
	score := make([]float32, n)

	if len(posInds) > 0 {
		r := h.regress(posInds, anchorData, reg, t.BBoxTargets, stride)
		weight := make([]float32, len(posInds))
		for k, i := range posInds {
			weight[k] = maxProb[i]
			out.WeightSum += weight[k]
			score[i] = geometry.Overlap(r.pred[k], r.target[k], geometry.ModeIoU)
		}
		if out.BBox, err = h.box.Loss(r.pred, r.target, weight, 1); err != nil {
			return out, errors.Wrapf(err, "level %d box loss", in.Level)
		}
		if out.DFL, err = h.dfl.Loss(r.corners, h.integral.Bins(), r.cornerGoals, expand4(weight), 4); err != nil {
			return out, errors.Wrapf(err, "level %d distribution loss", in.Level)
		}
	} else {
		out.BBox = zeroOf(reg)
		out.DFL = zeroOf(reg)
	}

	if len(posIndsNeg) > 0 {
		var remain []int
		for i, v := range t.AssignedNeg {
			if v > 0 {
				remain = append(remain, i)
			}
		}
		if len(remain) != len(posIndsNeg) {
			return out, errors.Errorf("level %d has %d negative-stream foreground anchors and %d assigned_neg weights", in.Level, len(posIndsNeg), len(remain))
		}
		weightNeg := make([]float32, len(remain))
		for k, i := range remain {
			if i != posIndsNeg[k] {
				return out, errors.Errorf("level %d assigned_neg weight at anchor %d does not match foreground anchor %d", in.Level, i, posIndsNeg[k])
			}
			// maxProb is a probability; this indicator is always 0.
			var below float32
			if maxProb[i] < 0 {
				below = 1
			}
			weightNeg[k] = below + t.AssignedNeg[i]
			out.WeightSumNeg += weightNeg[k]
		}

		r := h.regress(posIndsNeg, anchorData, reg, t.BBoxTargetsNeg, stride)
		bbox, err := h.box.Loss(r.pred, r.target, weightNeg, 1)
		if err != nil {
			return out, errors.Wrapf(err, "level %d negative box loss", in.Level)
		}
		dfl, err := h.dfl.Loss(r.corners, h.integral.Bins(), r.cornerGoals, expand4(weightNeg), 4)
		if err != nil {
			return out, errors.Wrapf(err, "level %d negative distribution loss", in.Level)
		}
		out.BBoxNeg = h.cfg.NegLossScale * bbox
		out.DFLNeg = h.cfg.NegLossScale * dfl

		// The negative stream has no quality target; its IoU is only logged.
		if ious, err := geometry.AlignedOverlaps(r.pred, r.target, geometry.ModeIoU); err == nil {
			var sum float32
			for _, v := range ious {
				sum += v
			}
			h.log.Debugf("level %d: %d negative-stream foreground anchors, mean IoU %.4f", in.Level, len(ious), sum/float32(len(ious)))
		}
	} else {
		out.BBoxNeg = zeroOf(reg)
		out.DFLNeg = zeroOf(reg)
	}

	target := loss.QualityTarget{
		Labels:    t.Labels,
		LabelsNeg: t.LabelsNeg,
		NegFGInds: posIndsNeg,
		Scores:    score,
	}
	if out.Cls, err = h.cls.Loss(cls, numClasses, target, t.LabelWeights, in.NumTotalSamples); err != nil {
		return out, errors.Wrapf(err, "level %d classification loss", in.Level)
	}
	return out, nil
}

// Loss computes the GFL losses of a batch.
//
// Targets are built per image, the positive count is averaged across workers
// and floored at 1, every level is computed concurrently, and the box and
// distribution losses are finally divided by the worker-averaged sum of their
// regression weights.
//
// Arguments:
//   - ctx: Cancels target building, level workers and reductions.
//   - preds: Per-level predictions from Forward.
//   - metas: One entry per image.
//   - gts: One entry per image.
//
// Returns:
//   - The per-level losses keyed by loss_cls, loss_bbox, loss_dfl,
//     loss_bbox_neg and loss_dfl_neg.
//   - false when an image has no usable anchors; the step must be skipped.
//   - An error for malformed inputs or a failed reduction.
//
// @example
// losses, ok, err := head.Loss(ctx, preds, metas, gts)
//
//	if err != nil || !ok {
//		return err
//	}
func (h *GFLHead) Loss(ctx context.Context, preds []LevelOutput, metas []ImageMeta, gts []GroundTruth) (*Losses, bool, error) {
	sizes, err := h.checkPreds(preds)
	if err != nil {
		return nil, false, err
	}
	batch := preds[0].Cls.Shape()[0]
	if len(metas) != batch || len(gts) != batch {
		return nil, false, errors.Wrapf(ErrConfig, "batch of %d predictions, %d metas and %d ground truths", batch, len(metas), len(gts))
	}

	done := h.prof.StartOperation(profiler.StageTargets)
	levelAnchors, err := h.generator.GridAnchors(sizes)
	if err != nil {
		done()
		return nil, false, errors.Wrap(err, "Can't generate anchors")
	}
	numLevelAnchors := make([]int, len(sizes))
	for lvl, s := range sizes {
		numLevelAnchors[lvl] = s.Height * s.Width * h.generator.NumBaseAnchors()
	}
	inputs := make([]targets.ImageInput, batch)
	for img := range inputs {
		valid, err := h.generator.ValidFlags(sizes, metas[img].PadShape)
		if err != nil {
			done()
			return nil, false, errors.Wrapf(err, "Can't compute valid flags of image %d", img)
		}
		inputs[img] = targets.ImageInput{
			Anchors:    levelAnchors,
			ValidFlags: valid,
			GT:         gts[img].Boxes,
			GTIgnore:   gts[img].Ignore,
			GTLabels:   gts[img].Labels,
			ImgShape:   metas[img].ImgShape,
		}
	}
	bt, ok, err := targets.Aggregate(h.targets.Images(inputs), numLevelAnchors)
	done()
	if err != nil {
		return nil, false, errors.Wrap(err, "Can't build targets")
	}
	if !ok {
		h.log.Warnf("Batch of %d images has an image without anchors, skipping loss", batch)
		return nil, false, nil
	}

	done = h.prof.StartOperation(profiler.StageReduce)
	numTotalSamples, err := h.reducer.ReduceMean(ctx, float32(bt.NumTotalPos))
	if err != nil {
		done()
		return nil, false, errors.Wrap(err, "Can't reduce positive count")
	}
	numTotalSamples = max(numTotalSamples, 1)
	// The negative-stream count is reduced so every worker issues the same
	// collective calls; no loss is normalized by it.
	numTotalSamplesNeg, err := h.reducer.ReduceMean(ctx, float32(bt.NumTotalPosNeg))
	done()
	if err != nil {
		return nil, false, errors.Wrap(err, "Can't reduce negative-stream count")
	}
	numTotalSamplesNeg = max(numTotalSamplesNeg, 1)
	h.log.Debugf("Batch targets: %d images, samples %.1f, negative-stream samples %.1f",
		bt.NumImages, numTotalSamples, numTotalSamplesNeg)

	strides := h.generator.Strides()
	results := make([]levelLoss, len(preds))
	g, gctx := errgroup.WithContext(ctx)
	for lvl := range preds {
		g.Go(func() error {
			defer h.prof.StartOperation(profiler.StageLevelLoss)()
			res, err := h.lossSingle(gctx, levelInput{
				Level:           lvl,
				Cls:             preds[lvl].Cls,
				Reg:             preds[lvl].Reg,
				Targets:         bt.Levels[lvl],
				Stride:          strides[lvl],
				NumTotalSamples: numTotalSamples,
			})
			if err != nil {
				return err
			}
			results[lvl] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	var weightSum, weightSumNeg float32
	for _, r := range results {
		weightSum += r.WeightSum
		weightSumNeg += r.WeightSumNeg
	}
	done = h.prof.StartOperation(profiler.StageReduce)
	avgFactor, err := h.reducer.ReduceMean(ctx, weightSum)
	if err != nil {
		done()
		return nil, false, errors.Wrap(err, "Can't reduce weight sum")
	}
	avgFactorNeg, err := h.reducer.ReduceMean(ctx, weightSumNeg)
	done()
	if err != nil {
		return nil, false, errors.Wrap(err, "Can't reduce negative-stream weight sum")
	}
	// Only a batch without any regression weight divides by zero; its box
	// losses are already zero.
	if avgFactor == 0 {
		avgFactor = 1
	}
	if avgFactorNeg == 0 {
		avgFactorNeg = 1
	}

	cls := make([]float32, len(results))
	bbox := make([]float32, len(results))
	dfl := make([]float32, len(results))
	bboxNeg := make([]float32, len(results))
	dflNeg := make([]float32, len(results))
	for lvl, r := range results {
		cls[lvl] = r.Cls
		bbox[lvl] = r.BBox / avgFactor
		dfl[lvl] = r.DFL / avgFactor
		bboxNeg[lvl] = r.BBoxNeg / avgFactorNeg
		dflNeg[lvl] = r.DFLNeg / avgFactorNeg
	}

	losses := orderedmap.NewOrderedMap[string, []float32]()
	losses.Set(KeyLossCls, cls)
	losses.Set(KeyLossBBox, bbox)
	losses.Set(KeyLossDFL, dfl)
	losses.Set(KeyLossBBoxNeg, bboxNeg)
	losses.Set(KeyLossDFLNeg, dflNeg)
	for el := losses.Front(); el != nil; el = el.Next() {
		var sum float64
		for _, v := range el.Value {
			sum += float64(v)
		}
		h.prof.RecordMetric(el.Key, sum)
	}
	return losses, true, nil
}

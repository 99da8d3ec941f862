package gfl

import (
	"cmp"
	"context"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/geometry"
	"github.com/nvr-ai/go-gfl/integral"
	"github.com/nvr-ai/go-gfl/loss"
	"github.com/nvr-ai/go-gfl/models/postprocess"
	"github.com/nvr-ai/go-gfl/profiler"
)

// levelDetections holds the decoded candidates of one level for one image.
type levelDetections struct {
	boxes []geometry.Box
	// scores is (len(boxes), num_classes), row-major.
	scores []float32
}

// topK returns the indices of the k largest values, largest first. Ties keep
// index order. k <= 0 or k >= len(v) keeps every index in order.
func topK(v []float32, k int) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	if k <= 0 || k >= len(v) {
		return idx
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(v[b], v[a])
	})
	return idx[:k]
}

// decodeLevel decodes every image of one level.
func (h *GFLHead) decodeLevel(lvl int, pred LevelOutput, anchorData []float32, metas []ImageMeta) ([]levelDetections, error) {
	stride := h.generator.Strides()[lvl]
	if !stride.Square() {
		return nil, errors.Wrapf(ErrConfig, "level %d stride %dx%d is not square", lvl, stride.X, stride.Y)
	}
	s := float32(stride.X)
	numClasses := h.cfg.NumClasses
	width := integral.Sides * h.integral.Bins()

	cls, err := flattenNHWC(pred.Cls)
	if err != nil {
		return nil, errors.Wrapf(err, "level %d classification", lvl)
	}
	reg, err := flattenNHWC(pred.Reg)
	if err != nil {
		return nil, errors.Wrapf(err, "level %d regression", lvl)
	}
	n := len(anchorData) / 4
	if len(cls) != len(metas)*n*numClasses {
		return nil, errors.Wrapf(ErrConfig, "level %d predictions do not cover %d anchors per image", lvl, n)
	}

	out := make([]levelDetections, len(metas))
	for img, meta := range metas {
		probs := make([]float32, n*numClasses)
		maxScore := make([]float32, n)
		base := img * n
		for i := 0; i < n; i++ {
			row := cls[(base+i)*numClasses : (base+i+1)*numClasses]
			for c, x := range row {
				p := loss.Sigmoid(x)
				probs[i*numClasses+c] = p
				maxScore[i] = max(maxScore[i], p)
			}
		}

		keep := topK(maxScore, h.cfg.Test.NMSPre)
		det := levelDetections{
			boxes:  make([]geometry.Box, len(keep)),
			scores: make([]float32, 0, len(keep)*numClasses),
		}
		offsets, err := h.decodeRows(reg, base, width, keep)
		if err != nil {
			return nil, errors.Wrapf(err, "level %d image %d", lvl, img)
		}
		for k, i := range keep {
			var d [integral.Sides]float32
			for j := range d {
				d[j] = offsets[k*integral.Sides+j] * s
			}
			a := geometry.Box{X1: anchorData[i*4], Y1: anchorData[i*4+1], X2: anchorData[i*4+2], Y2: anchorData[i*4+3]}
			cx, cy := a.Center()
			det.boxes[k] = geometry.DistanceToBox(cx, cy, d, &meta.ImgShape)
			det.scores = append(det.scores, probs[i*numClasses:(i+1)*numClasses]...)
		}
		out[img] = det
	}
	return out, nil
}

// decodeRows decodes the kept regression rows of one image into offsets in
// bin units, four per row.
func (h *GFLHead) decodeRows(reg []float32, base, width int, keep []int) ([]float32, error) {
	out := make([]float32, 0, len(keep)*integral.Sides)
	if !h.cfg.Test.GraphDecode || len(keep) == 0 {
		for _, i := range keep {
			d := h.integral.DecodeRow(reg[(base+i)*width : (base+i+1)*width])
			out = append(out, d[:]...)
		}
		return out, nil
	}
	rows := make([]float32, 0, len(keep)*width)
	for _, i := range keep {
		rows = append(rows, reg[(base+i)*width:(base+i+1)*width]...)
	}
	x := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(len(keep), width), tensor.WithBacking(rows))
	d, err := h.integral.DecodeGraph(x)
	if err != nil {
		return nil, err
	}
	return append(out, d.Data().([]float32)...), nil
}

// Decode turns per-level predictions into detections.
//
// Every level keeps the NMSPre anchors with the highest class probability per
// image, decodes them around the anchor centers and clamps them to the image.
// Levels are concatenated in order, optionally rescaled to the original image,
// and given a zero background column before NMS.
//
// Arguments:
//   - ctx: Cancels the level workers.
//   - preds: Per-level predictions from Forward.
//   - metas: One entry per image.
//   - opts: Rescaling and NMS switches.
//
// Returns:
//   - One Detections per image.
//
// @example
// dets, err := head.Decode(ctx, preds, metas, gfl.DecodeOptions{Rescale: true, WithNMS: true})
func (h *GFLHead) Decode(ctx context.Context, preds []LevelOutput, metas []ImageMeta, opts DecodeOptions) ([]Detections, error) {
	defer h.prof.StartOperation(profiler.StageDecode)()

	sizes, err := h.checkPreds(preds)
	if err != nil {
		return nil, err
	}
	if batch := preds[0].Cls.Shape()[0]; len(metas) != batch {
		return nil, errors.Wrapf(ErrConfig, "batch of %d predictions and %d metas", batch, len(metas))
	}
	if opts.Rescale {
		for img, m := range metas {
			for _, f := range m.ScaleFactor {
				if f <= 0 {
					return nil, errors.Errorf("image %d has scale factor %v", img, m.ScaleFactor)
				}
			}
		}
	}
	levelAnchors, err := h.generator.GridAnchors(sizes)
	if err != nil {
		return nil, errors.Wrap(err, "Can't generate anchors")
	}

	perLevel := make([][]levelDetections, len(preds))
	g, gctx := errgroup.WithContext(ctx)
	for lvl := range preds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, _, err := geometry.Rows(levelAnchors[lvl], 4)
			if err != nil {
				return errors.Wrapf(err, "level %d anchors", lvl)
			}
			dets, err := h.decodeLevel(lvl, preds[lvl], data, metas)
			if err != nil {
				return err
			}
			perLevel[lvl] = dets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	numCols := h.cfg.NumClasses + 1
	out := make([]Detections, len(metas))
	for img, meta := range metas {
		var boxes []geometry.Box
		var scores []float32
		for lvl := range perLevel {
			det := perLevel[lvl][img]
			boxes = append(boxes, det.boxes...)
			for k := range det.boxes {
				scores = append(scores, det.scores[k*h.cfg.NumClasses:(k+1)*h.cfg.NumClasses]...)
				scores = append(scores, 0)
			}
		}
		if opts.Rescale {
			sf := meta.ScaleFactor
			for i, b := range boxes {
				boxes[i] = geometry.Box{X1: b.X1 / sf[0], Y1: b.Y1 / sf[1], X2: b.X2 / sf[2], Y2: b.Y2 / sf[3]}
			}
		}

		if !opts.WithNMS {
			out[img] = Detections{
				Boxes:  geometry.BoxesToTensor(boxes),
				Scores: geometry.NewRows(scores, numCols),
			}
			continue
		}
		if len(boxes) == 0 {
			continue
		}
		results, err := postprocess.MulticlassNMS(boxes, scores, numCols, h.cfg.Test.ScoreThr, &h.cfg.Test.NMS, h.cfg.Test.MaxPerImg)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't run NMS on image %d", img)
		}
		out[img] = Detections{Results: results}
		h.log.Debugf("Image %d: %d candidates, %d detections", img, len(boxes), len(results))
	}
	return out, nil
}

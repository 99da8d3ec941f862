// Package gfl - Generalized Focal Loss detection head with a dual
// positive/negative target stream.
//
// The head turns backbone features into joint class-quality scores and
// integral box distributions, computes the training losses against ground
// truth, and decodes predictions into detections.
package gfl

import (
	"context"

	"github.com/cyclopcam/logs"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/anchors"
	"github.com/nvr-ai/go-gfl/assign"
	"github.com/nvr-ai/go-gfl/dist"
	"github.com/nvr-ai/go-gfl/geometry"
	"github.com/nvr-ai/go-gfl/integral"
	"github.com/nvr-ai/go-gfl/loss"
	"github.com/nvr-ai/go-gfl/models/postprocess"
	"github.com/nvr-ai/go-gfl/profiler"
	"github.com/nvr-ai/go-gfl/targets"
)

// Loss dictionary keys, in the order they appear in Losses.
const (
	KeyLossCls     = "loss_cls"
	KeyLossBBox    = "loss_bbox"
	KeyLossDFL     = "loss_dfl"
	KeyLossBBoxNeg = "loss_bbox_neg"
	KeyLossDFLNeg  = "loss_dfl_neg"
)

// Losses maps each loss name to one value per level.
type Losses = orderedmap.OrderedMap[string, []float32]

// ImageMeta describes one image of a batch.
type ImageMeta struct {
	// ImgShape is the resized image without padding.
	ImgShape geometry.Shape
	// PadShape is the padded network input.
	PadShape geometry.Shape
	// ScaleFactor is (w, h, w, h) from the original image to ImgShape.
	ScaleFactor [4]float32
}

// GroundTruth holds the annotated boxes of one image.
type GroundTruth struct {
	Boxes []geometry.Box
	// Labels is nil for class-agnostic (rpn) training.
	Labels []int
	Ignore []geometry.Box
}

// DecodeOptions controls Decode.
type DecodeOptions struct {
	// Rescale maps boxes back to the original image by ScaleFactor.
	Rescale bool
	// WithNMS runs multiclass NMS; otherwise raw boxes and scores are
	// returned.
	WithNMS bool
}

// Detections is the decode output of one image.
type Detections struct {
	// Results holds the detections kept by NMS.
	Results []postprocess.Result
	// Boxes (N, 4) and Scores (N, num_classes+1) are set when NMS is off.
	// The last score column is the zero background column.
	Boxes  *tensor.Dense
	Scores *tensor.Dense
}

// Head is the capability set of a dense detection head.
type Head interface {
	// Forward maps backbone features to per-level predictions.
	Forward(ctx context.Context, feats []*tensor.Dense) ([]LevelOutput, error)
	// Loss computes the per-level losses. ok is false when the batch has no
	// usable targets and the optimizer step should be skipped.
	Loss(ctx context.Context, preds []LevelOutput, metas []ImageMeta, gts []GroundTruth) (losses *Losses, ok bool, err error)
	// Decode turns predictions into detections, one entry per image.
	Decode(ctx context.Context, preds []LevelOutput, metas []ImageMeta, opts DecodeOptions) ([]Detections, error)
}

// Options holds the collaborators of a GFLHead. Nil fields get defaults: an
// anchor grid from the config, ATSS and DualATSS assigners, the pseudo
// sampler, the config's loss kernels, a Local reducer and a fresh profiler.
// Tower and Log are required.
type Options struct {
	Tower     Tower
	Generator anchors.Generator
	Positive  assign.PositiveAssigner
	Negative  assign.NegativeAssigner
	Sampler   assign.Sampler
	Cls       loss.Classification
	DFL       loss.Distribution
	Box       loss.Box
	Reducer   dist.Reducer
	Profiler  *profiler.Stages
	Log       logs.Log
}

// GFLHead is the GFL head with dual target streams.
type GFLHead struct {
	cfg      Config
	integral *integral.Integral
	scales   []Scale
	targets  *targets.Assigner

	tower     Tower
	generator anchors.Generator
	cls       loss.Classification
	dfl       loss.Distribution
	box       loss.Box
	reducer   dist.Reducer
	prof      *profiler.Stages
	log       logs.Log
}

var _ Head = (*GFLHead)(nil)

// NewGFLHead validates cfg and wires the collaborators.
//
// Arguments:
//   - cfg: The head configuration.
//   - opts: Collaborators; see Options for defaults.
//
// Returns:
//   - The head, or an error wrapping ErrConfig.
//
// @example
// head, err := gfl.NewGFLHead(gfl.DefaultConfig(), gfl.Options{Tower: tower, Log: log})
func NewGFLHead(cfg Config, opts Options) (*GFLHead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Tower == nil || opts.Log == nil {
		return nil, errors.Wrap(ErrConfig, "tower and log are required")
	}

	if opts.Generator == nil {
		g, err := anchors.NewGrid(cfg.Anchors)
		if err != nil {
			return nil, errors.Wrap(ErrConfig, err.Error())
		}
		opts.Generator = g
	}
	if opts.Generator.NumBaseAnchors() != 1 {
		return nil, errors.Wrapf(ErrConfig, "GFL needs one anchor per location, generator has %d", opts.Generator.NumBaseAnchors())
	}
	if opts.Positive == nil {
		opts.Positive = assign.NewATSS(opts.Log, cfg.Train.TopK, cfg.Train.IgnoreIoFThr)
	}
	if opts.Negative == nil {
		opts.Negative = assign.NewDualATSS(opts.Log, cfg.Train.NegTopK, cfg.Train.IgnoreIoFThr)
	}
	if opts.Sampler == nil {
		opts.Sampler = assign.PseudoSampler{}
	}
	if opts.Cls == nil {
		opts.Cls = cfg.LossCls
	}
	if opts.DFL == nil {
		opts.DFL = cfg.LossDFL
	}
	if opts.Box == nil {
		opts.Box = cfg.LossBBox
	}
	if opts.Reducer == nil {
		opts.Reducer = dist.Local{}
	}
	if opts.Profiler == nil {
		opts.Profiler = profiler.NewStages()
	}

	scales := make([]Scale, opts.Generator.NumLevels())
	for i := range scales {
		scales[i] = Scale{Value: 1}
	}

	return &GFLHead{
		cfg:      cfg,
		integral: integral.New(cfg.RegMax),
		scales:   scales,
		targets: &targets.Assigner{
			NumClasses:    cfg.NumClasses,
			AllowedBorder: cfg.Train.AllowedBorder,
			PosWeight:     cfg.Train.PosWeight,
			Positive:      opts.Positive,
			Negative:      opts.Negative,
			Sampler:       opts.Sampler,
			Log:           opts.Log,
		},
		tower:     opts.Tower,
		generator: opts.Generator,
		cls:       opts.Cls,
		dfl:       opts.DFL,
		box:       opts.Box,
		reducer:   opts.Reducer,
		prof:      opts.Profiler,
		log:       opts.Log,
	}, nil
}

// Config returns the head configuration.
func (h *GFLHead) Config() Config {
	return h.cfg
}

// Scales returns the per-level regression scales.
func (h *GFLHead) Scales() []Scale {
	out := make([]Scale, len(h.scales))
	copy(out, h.scales)
	return out
}

// SetScale replaces the regression scale of a level.
func (h *GFLHead) SetScale(level int, s Scale) {
	h.scales[level] = s
}

// Profiler returns the stage profiler of the head.
func (h *GFLHead) Profiler() *profiler.Stages {
	return h.prof
}

// Forward runs the tower on per-level (B, InChannels, H, W) features and
// multiplies every regression map by its level Scale.
func (h *GFLHead) Forward(ctx context.Context, feats []*tensor.Dense) ([]LevelOutput, error) {
	defer h.prof.StartOperation(profiler.StageForward)()

	if len(feats) != len(h.scales) {
		return nil, errors.Wrapf(ErrConfig, "got %d feature levels, head has %d", len(feats), len(h.scales))
	}
	outs, err := h.tower.Forward(ctx, feats)
	if err != nil {
		return nil, errors.Wrap(err, "tower forward failed")
	}
	if len(outs) != len(h.scales) {
		return nil, errors.Wrapf(ErrConfig, "tower returned %d levels, head has %d", len(outs), len(h.scales))
	}
	for lvl := range outs {
		reg, err := h.scales[lvl].Apply(outs[lvl].Reg)
		if err != nil {
			return nil, errors.Wrapf(err, "level %d", lvl)
		}
		outs[lvl].Reg = reg
	}
	if _, err := h.checkPreds(outs); err != nil {
		return nil, err
	}
	return outs, nil
}

// checkPreds validates prediction shapes and returns the feature size of
// every level.
func (h *GFLHead) checkPreds(preds []LevelOutput) ([]geometry.Shape, error) {
	if len(preds) != h.generator.NumLevels() {
		return nil, errors.Wrapf(ErrConfig, "got %d prediction levels, head has %d", len(preds), h.generator.NumLevels())
	}
	sizes := make([]geometry.Shape, len(preds))
	batch := -1
	for lvl, p := range preds {
		if p.Cls == nil || p.Reg == nil {
			return nil, errors.Wrapf(ErrConfig, "level %d is missing predictions", lvl)
		}
		cs, rs := p.Cls.Shape(), p.Reg.Shape()
		if len(cs) != 4 || len(rs) != 4 {
			return nil, errors.Wrapf(ErrConfig, "level %d predictions must be NCHW, got %v and %v", lvl, cs, rs)
		}
		if cs[1] != h.cfg.NumClasses {
			return nil, errors.Wrapf(ErrConfig, "level %d has %d class channels, want %d", lvl, cs[1], h.cfg.NumClasses)
		}
		if rs[1] != h.cfg.RegChannels() {
			return nil, errors.Wrapf(ErrConfig, "level %d has %d regression channels, want %d", lvl, rs[1], h.cfg.RegChannels())
		}
		if cs[0] != rs[0] || cs[2] != rs[2] || cs[3] != rs[3] {
			return nil, errors.Wrapf(ErrConfig, "level %d class %v and regression %v maps differ", lvl, cs, rs)
		}
		if batch >= 0 && cs[0] != batch {
			return nil, errors.Wrapf(ErrConfig, "level %d has batch %d, want %d", lvl, cs[0], batch)
		}
		batch = cs[0]
		sizes[lvl] = geometry.Shape{Height: cs[2], Width: cs[3]}
	}
	return sizes, nil
}

// flattenNHWC permutes an NCHW map to NHWC and returns its backing data, one
// row of C values per location.
func flattenNHWC(t *tensor.Dense) ([]float32, error) {
	c := t.Clone().(*tensor.Dense)
	if err := c.T(0, 2, 3, 1); err != nil {
		return nil, errors.Wrap(err, "Can't permute to NHWC")
	}
	if err := c.Transpose(); err != nil {
		return nil, errors.Wrap(err, "Can't transpose to NHWC")
	}
	return c.Data().([]float32), nil
}

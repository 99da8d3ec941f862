package gfl

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/anchors"
	"github.com/nvr-ai/go-gfl/dist"
	"github.com/nvr-ai/go-gfl/geometry"
	"github.com/nvr-ai/go-gfl/loss"
	"github.com/nvr-ai/go-gfl/profiler"
	"github.com/nvr-ai/go-gfl/targets"
)

const (
	testClasses = 3
	testRegMax  = 4
	testBins    = testRegMax + 1
)

// testConfig is a single stride-8 level whose anchors are the 8x8 cells.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumClasses = testClasses
	cfg.InChannels = 4
	cfg.RegMax = testRegMax
	cfg.Anchors = anchors.GridConfig{
		Strides:         []int{8},
		Ratios:          []float32{1},
		OctaveBaseScale: 1,
		ScalesPerOctave: 1,
		CenterOffset:    0.5,
	}
	return cfg
}

func newTestHead(t *testing.T, cfg Config, opts Options) *GFLHead {
	t.Helper()
	if opts.Log == nil {
		opts.Log = logs.NewTestingLog(t)
	}
	if opts.Tower == nil {
		opts.Tower = NewLinearTower(cfg.InChannels, cfg.NumClasses, cfg.RegChannels(), 1)
	}
	h, err := NewGFLHead(cfg, opts)
	require.NoError(t, err)
	return h
}

// constantPreds builds (batch, C, size, size) predictions with every
// classification logit set to cls. Every regression side puts equal mass on
// bins 0 and 1, which decodes to 0.5 stride units.
func constantPreds(batch, size int, cls float32) LevelOutput {
	hw := size * size
	clsData := make([]float32, batch*testClasses*hw)
	for i := range clsData {
		clsData[i] = cls
	}
	regC := 4 * testBins
	regData := make([]float32, batch*regC*hw)
	for b := 0; b < batch; b++ {
		for c := 0; c < regC; c++ {
			v := float32(-100)
			if c%testBins < 2 {
				v = 0
			}
			for p := 0; p < hw; p++ {
				regData[(b*regC+c)*hw+p] = v
			}
		}
	}
	return LevelOutput{
		Cls: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, testClasses, size, size), tensor.WithBacking(clsData)),
		Reg: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, regC, size, size), tensor.WithBacking(regData)),
	}
}

func metas(batch int) []ImageMeta {
	out := make([]ImageMeta, batch)
	for i := range out {
		out[i] = ImageMeta{
			ImgShape:    geometry.Shape{Height: 32, Width: 32},
			PadShape:    geometry.Shape{Height: 32, Width: 32},
			ScaleFactor: [4]float32{1, 1, 1, 1},
		}
	}
	return out
}

// recordingCls captures the quality targets passed to the classification
// kernel.
type recordingCls struct {
	loss.QualityFocal
	mu      sync.Mutex
	targets []loss.QualityTarget
}

func (r *recordingCls) Loss(pred []float32, numClasses int, target loss.QualityTarget, weight []float32, avgFactor float32) (float32, error) {
	r.mu.Lock()
	r.targets = append(r.targets, target)
	r.mu.Unlock()
	return r.QualityFocal.Loss(pred, numClasses, target, weight, avgFactor)
}

// recordingReducer captures the values passed through a reducer.
type recordingReducer struct {
	inner dist.Reducer
	mu    sync.Mutex
	in    []float32
	out   []float32
}

func (r *recordingReducer) ReduceMean(ctx context.Context, x float32) (float32, error) {
	y, err := r.inner.ReduceMean(ctx, x)
	r.mu.Lock()
	r.in = append(r.in, x)
	r.out = append(r.out, y)
	r.mu.Unlock()
	return y, err
}

// skewedGrid reports a non-square stride for every level.
type skewedGrid struct {
	*anchors.Grid
}

func (g skewedGrid) Strides() []anchors.Stride {
	out := g.Grid.Strides()
	for i := range out {
		out[i].Y *= 2
	}
	return out
}

func TestLossExactMatchQuality(t *testing.T) {
	cfg := testConfig()
	rec := &recordingCls{QualityFocal: cfg.LossCls}
	h := newTestHead(t, cfg, Options{Cls: rec})

	gts := []GroundTruth{{Boxes: []geometry.Box{{X1: 8, Y1: 8, X2: 16, Y2: 16}}, Labels: []int{2}}}
	losses, ok, err := h.Loss(context.Background(), []LevelOutput{constantPreds(1, 4, 0)}, metas(1), gts)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, rec.targets, 1)
	target := rec.targets[0]
	assert.Equal(t, 2, target.Labels[5])
	assert.InDelta(t, 1, target.Scores[5], 1e-4)
	for i, s := range target.Scores {
		if i != 5 {
			assert.Zero(t, s)
		}
	}

	assert.Equal(t, []string{KeyLossCls, KeyLossBBox, KeyLossDFL, KeyLossBBoxNeg, KeyLossDFLNeg}, losses.Keys())
	bbox, _ := losses.Get(KeyLossBBox)
	require.Len(t, bbox, 1)
	assert.InDelta(t, 0, bbox[0], 1e-3)
	cls, _ := losses.Get(KeyLossCls)
	assert.Greater(t, cls[0], float32(0))

	times, metrics := h.Profiler().Snapshot()
	assert.Equal(t, []string{profiler.StageTargets, profiler.StageReduce, profiler.StageLevelLoss}, times.Keys())
	_, ok = metrics.Get(KeyLossCls)
	assert.True(t, ok)
}

// kernelCall is one recorded regression kernel call.
type kernelCall struct {
	weightSum float32
	out       float32
}

// sumKernels returns scale*sum(weight)/avgFactor from both regression kernels
// and records every call.
type sumKernels struct {
	scale float32
	mu    sync.Mutex
	box   []kernelCall
	dfl   []kernelCall
}

func (k *sumKernels) record(calls *[]kernelCall, weight []float32, avgFactor, scale float32) float32 {
	var sum float32
	for _, w := range weight {
		sum += w
	}
	out := scale * sum / avgFactor
	k.mu.Lock()
	*calls = append(*calls, kernelCall{weightSum: sum, out: out})
	k.mu.Unlock()
	return out
}

type sumBox struct{ *sumKernels }

func (b sumBox) Loss(pred, target []geometry.Box, weight []float32, avgFactor float32) (float32, error) {
	return b.record(&b.box, weight, avgFactor, b.scale), nil
}

type sumDFL struct{ *sumKernels }

func (d sumDFL) Loss(pred []float32, bins int, target []float32, weight []float32, avgFactor float32) (float32, error) {
	return d.record(&d.dfl, weight, avgFactor, 1), nil
}

func TestLossNormalizesAcrossLevels(t *testing.T) {
	cfg := testConfig()
	cfg.Anchors.Strides = []int{8, 16}
	kernels := &sumKernels{scale: 3}
	red := &recordingReducer{inner: dist.Local{}}
	h := newTestHead(t, cfg, Options{Box: sumBox{kernels}, DFL: sumDFL{kernels}, Reducer: red})

	// Each box is exactly one anchor: cell 5 of the 4x4 stride-8 level and
	// cell 3 of the 2x2 stride-16 level.
	gts := []GroundTruth{{
		Boxes:  []geometry.Box{{X1: 8, Y1: 8, X2: 16, Y2: 16}, {X1: 16, Y1: 16, X2: 32, Y2: 32}},
		Labels: []int{0, 1},
	}}
	const logit1 = 2
	preds := []LevelOutput{constantPreds(1, 4, 0), constantPreds(1, 2, logit1)}
	losses, ok, err := h.Loss(context.Background(), preds, metas(1), gts)
	require.NoError(t, err)
	require.True(t, ok)

	// One positive per level, weighted by its top class probability.
	ws := []float32{loss.Sigmoid(0), loss.Sigmoid(logit1)}
	total := ws[0] + ws[1]
	var posCalls, negCalls []kernelCall
	for _, c := range kernels.box {
		if math32.Abs(c.weightSum-ws[0]) < 1e-6 || math32.Abs(c.weightSum-ws[1]) < 1e-6 {
			posCalls = append(posCalls, c)
		} else {
			negCalls = append(negCalls, c)
		}
	}
	require.Len(t, posCalls, 2)
	require.Len(t, negCalls, 2)

	bbox, _ := losses.Get(KeyLossBBox)
	dfl, _ := losses.Get(KeyLossDFL)
	require.Len(t, bbox, 2)
	for lvl := range ws {
		assert.InDelta(t, 3*ws[lvl]/total, bbox[lvl], 1e-5, "level %d", lvl)
		assert.InDelta(t, ws[lvl]/total, dfl[lvl], 1e-5, "level %d", lvl)
	}
	assert.Contains(t, red.in, total)

	// The negative stream is scaled by NegLossScale and normalized by its own
	// weight sum.
	var totalNeg float32
	for _, c := range negCalls {
		totalNeg += c.weightSum
	}
	bboxNeg, _ := losses.Get(KeyLossBBoxNeg)
	dflNeg, _ := losses.Get(KeyLossDFLNeg)
	for lvl := range bboxNeg {
		matched := false
		for _, c := range negCalls {
			if math32.Abs(cfg.NegLossScale*c.out/totalNeg-bboxNeg[lvl]) < 1e-5 {
				matched = true
			}
		}
		assert.True(t, matched, "level %d negative box loss %v", lvl, bboxNeg[lvl])
	}
	assert.InDelta(t, 0.125*3, bboxNeg[0]+bboxNeg[1], 1e-5)
	assert.InDelta(t, 0.125, dflNeg[0]+dflNeg[1], 1e-5)
}

func TestLossSingleWorkerReduceKeepsCount(t *testing.T) {
	group, err := dist.NewGroup(1)
	require.NoError(t, err)
	red := &recordingReducer{inner: group}
	h := newTestHead(t, testConfig(), Options{Reducer: red})

	gts := []GroundTruth{
		{Boxes: []geometry.Box{{X1: 8, Y1: 8, X2: 16, Y2: 16}}, Labels: []int{1}},
		{Boxes: []geometry.Box{}, Labels: []int{}},
	}
	_, ok, err := h.Loss(context.Background(), []LevelOutput{constantPreds(2, 4, 0)}, metas(2), gts)
	require.NoError(t, err)
	require.True(t, ok)

	// One positive plus the floored empty image.
	require.NotEmpty(t, red.in)
	assert.Equal(t, float32(2), red.in[0])
	assert.Equal(t, red.in, red.out)
}

func TestLossNoGroundTruth(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	gts := []GroundTruth{{}, {}}
	losses, ok, err := h.Loss(context.Background(), []LevelOutput{constantPreds(2, 4, 0)}, metas(2), gts)
	require.NoError(t, err)
	require.True(t, ok)

	for _, key := range []string{KeyLossBBox, KeyLossDFL, KeyLossBBoxNeg, KeyLossDFLNeg} {
		v, _ := losses.Get(key)
		assert.Equal(t, []float32{0}, v, key)
	}
	cls, _ := losses.Get(KeyLossCls)
	assert.Greater(t, cls[0], float32(0))
}

func TestLossSkipsBatchWithoutAnchors(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	m := metas(2)
	m[1].PadShape = geometry.Shape{}

	losses, ok, err := h.Loss(context.Background(), []LevelOutput{constantPreds(2, 4, 0)}, m, []GroundTruth{{}, {}})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, losses)
}

func TestLossTwoWorkersAgree(t *testing.T) {
	gts := []GroundTruth{{Boxes: []geometry.Box{{X1: 4, Y1: 6, X2: 20, Y2: 18}}, Labels: []int{0}}}
	preds := []LevelOutput{constantPreds(1, 4, -1)}

	local := newTestHead(t, testConfig(), Options{})
	want, ok, err := local.Loss(context.Background(), preds, metas(1), gts)
	require.NoError(t, err)
	require.True(t, ok)

	group, err := dist.NewGroup(2)
	require.NoError(t, err)
	got := make([]*Losses, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for w := range got {
		h := newTestHead(t, testConfig(), Options{Reducer: group})
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[w], _, errs[w] = h.Loss(context.Background(), preds, metas(1), gts)
		}()
	}
	wg.Wait()

	for w := range got {
		require.NoError(t, errs[w])
		for el := want.Front(); el != nil; el = el.Next() {
			v, ok := got[w].Get(el.Key)
			require.True(t, ok)
			assert.InDeltaSlice(t, el.Value, v, 1e-6, el.Key)
		}
	}
}

func TestLossCancelledReduction(t *testing.T) {
	group, err := dist.NewGroup(2)
	require.NoError(t, err)
	h := newTestHead(t, testConfig(), Options{Reducer: group})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := h.Loss(ctx, []LevelOutput{constantPreds(1, 4, 0)}, metas(1), []GroundTruth{{}})
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestLossNonSquareStride(t *testing.T) {
	cfg := testConfig()
	grid, err := anchors.NewGrid(cfg.Anchors)
	require.NoError(t, err)
	h := newTestHead(t, cfg, Options{Generator: skewedGrid{grid}})

	preds := []LevelOutput{constantPreds(1, 4, 0)}
	_, _, err = h.Loss(context.Background(), preds, metas(1), []GroundTruth{{}})
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = h.Decode(context.Background(), preds, metas(1), DecodeOptions{})
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestChannelMismatch(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	preds := constantPreds(1, 4, 0)
	preds.Reg = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 4*testBins-1, 4, 4))

	_, _, err := h.Loss(context.Background(), []LevelOutput{preds}, metas(1), []GroundTruth{{}})
	assert.True(t, errors.Is(err, ErrConfig))

	feats := []*tensor.Dense{tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 5, 4, 4))}
	_, err = h.Forward(context.Background(), feats)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestLossNegativeStreamMisaligned(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	preds := constantPreds(1, 2, 0)
	lt := targets.LevelTargets{
		Anchors:        geometry.NewRows([]float32{0, 0, 8, 8, 8, 0, 16, 8, 0, 8, 8, 16, 8, 8, 16, 16}, 4),
		Labels:         []int{testClasses, testClasses, testClasses, testClasses},
		LabelWeights:   []float32{1, 1, 1, 1},
		BBoxTargets:    make([]float32, 16),
		BBoxWeights:    make([]float32, 16),
		LabelsNeg:      []int{0, testClasses, testClasses, testClasses},
		BBoxTargetsNeg: []float32{0, 0, 8, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		AssignedNeg:    []float32{0, 0.5, 0, 0},
	}
	_, err := h.lossSingle(context.Background(), levelInput{
		Cls:             preds.Cls,
		Reg:             preds.Reg,
		Targets:         lt,
		Stride:          anchors.Stride{X: 8, Y: 8},
		NumTotalSamples: 1,
	})
	assert.Error(t, err)

	lt.AssignedNeg = []float32{0.5, 0, 0, 0}
	res, err := h.lossSingle(context.Background(), levelInput{
		Cls:             preds.Cls,
		Reg:             preds.Reg,
		Targets:         lt,
		Stride:          anchors.Stride{X: 8, Y: 8},
		NumTotalSamples: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), res.WeightSumNeg)
	assert.Zero(t, res.WeightSum)
	assert.Zero(t, res.BBox)
	assert.InDelta(t, 0, res.BBoxNeg, 1e-3)
}

func TestForwardAppliesScale(t *testing.T) {
	cfg := testConfig()
	tower := NewLinearTower(cfg.InChannels, cfg.NumClasses, cfg.RegChannels(), 7)
	h := newTestHead(t, cfg, Options{Tower: tower})
	h.SetScale(0, Scale{Value: 2})

	data := make([]float32, 1*4*4*4)
	for i := range data {
		data[i] = float32(i%7) - 3
	}
	feats := []*tensor.Dense{tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 4, 4, 4), tensor.WithBacking(data))}

	raw, err := tower.Forward(context.Background(), feats)
	require.NoError(t, err)
	out, err := h.Forward(context.Background(), feats)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, []int{1, testClasses, 4, 4}, []int(out[0].Cls.Shape()))
	assert.Equal(t, raw[0].Cls.Data(), out[0].Cls.Data())
	want := raw[0].Reg.Data().([]float32)
	got := out[0].Reg.Data().([]float32)
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, 2*want[i], got[i], 1e-6)
	}
	assert.Equal(t, float32(2), h.Scales()[0].Value)

	_, err = h.Forward(context.Background(), append(feats, feats[0]))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestDecodeClampsToImage(t *testing.T) {
	cfg := testConfig()
	cfg.Test.NMSPre = 5
	h := newTestHead(t, cfg, Options{})

	// Put all mass on the last bin: every side reaches reg_max * stride.
	preds := constantPreds(1, 4, 0)
	reg := preds.Reg.Data().([]float32)
	for c := 0; c < 4*testBins; c++ {
		v := float32(-100)
		if c%testBins == testRegMax {
			v = 0
		}
		for p := 0; p < 16; p++ {
			reg[c*16+p] = v
		}
	}
	m := metas(1)
	m[0].ImgShape = geometry.Shape{Height: 20, Width: 24}

	dets, err := h.Decode(context.Background(), []LevelOutput{preds}, m, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, dets, 1)

	boxes, err := geometry.BoxesFromTensor(dets[0].Boxes)
	require.NoError(t, err)
	require.Len(t, boxes, 5)
	for _, b := range boxes {
		assert.GreaterOrEqual(t, b.X1, float32(0))
		assert.GreaterOrEqual(t, b.Y1, float32(0))
		assert.LessOrEqual(t, b.X2, float32(24))
		assert.LessOrEqual(t, b.Y2, float32(20))
	}

	scores, n, err := geometry.Rows(dets[0].Scores, testClasses+1)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	for i := 0; i < n; i++ {
		assert.Zero(t, scores[i*(testClasses+1)+testClasses])
		assert.InDelta(t, 0.5, scores[i*(testClasses+1)], 1e-6)
	}
}

func TestDecodeGraphAgrees(t *testing.T) {
	cfg := testConfig()
	tower := NewLinearTower(cfg.InChannels, cfg.NumClasses, cfg.RegChannels(), 5)
	direct := newTestHead(t, cfg, Options{Tower: tower})
	cfg.Test.GraphDecode = true
	graph := newTestHead(t, cfg, Options{Tower: tower})

	feat := make([]float32, 2*cfg.InChannels*16)
	for i := range feat {
		feat[i] = float32(i%11)/5 - 1
	}
	preds, err := direct.Forward(context.Background(), []*tensor.Dense{
		tensor.New(tensor.WithShape(2, cfg.InChannels, 4, 4), tensor.WithBacking(feat)),
	})
	require.NoError(t, err)

	want, err := direct.Decode(context.Background(), preds, metas(2), DecodeOptions{})
	require.NoError(t, err)
	got, err := graph.Decode(context.Background(), preds, metas(2), DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for img := range want {
		assert.InDeltaSlice(t, want[img].Boxes.Data(), got[img].Boxes.Data(), 1e-3)
		assert.Equal(t, want[img].Scores.Data(), got[img].Scores.Data())
	}
}

func TestDecodeWithNMS(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	preds := constantPreds(1, 4, -10)
	// Anchor 5 is the cell (1, 1); class 1 lives in channel 1.
	preds.Cls.Data().([]float32)[1*16+5] = 5

	m := metas(1)
	m[0].ScaleFactor = [4]float32{2, 2, 2, 2}
	dets, err := h.Decode(context.Background(), []LevelOutput{preds}, m, DecodeOptions{Rescale: true, WithNMS: true})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Len(t, dets[0].Results, 1)

	r := dets[0].Results[0]
	assert.Equal(t, 1, r.Class)
	assert.InDelta(t, loss.Sigmoid(5), r.Score, 1e-6)
	assert.InDelta(t, 4, r.Box.X1, 1e-4)
	assert.InDelta(t, 4, r.Box.Y1, 1e-4)
	assert.InDelta(t, 8, r.Box.X2, 1e-4)
	assert.InDelta(t, 8, r.Box.Y2, 1e-4)

	m[0].ScaleFactor = [4]float32{}
	_, err = h.Decode(context.Background(), []LevelOutput{preds}, m, DecodeOptions{Rescale: true})
	assert.Error(t, err)
}

func TestTopK(t *testing.T) {
	assert.Equal(t, []int{1, 2}, topK([]float32{1, 3, 3, 2}, 2))
	assert.Equal(t, []int{0, 1, 2, 3}, topK([]float32{1, 3, 3, 2}, 0))
	assert.Equal(t, []int{0, 1}, topK([]float32{1, 3}, 5))
}

func TestNewGFLHeadValidation(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := testConfig()
	tower := NewLinearTower(cfg.InChannels, cfg.NumClasses, cfg.RegChannels(), 1)

	_, err := NewGFLHead(cfg, Options{Log: log})
	assert.True(t, errors.Is(err, ErrConfig))

	multi := testConfig()
	multi.Anchors.Ratios = []float32{0.5, 1}
	_, err = NewGFLHead(multi, Options{Tower: tower, Log: log})
	assert.True(t, errors.Is(err, ErrConfig))

	h, err := NewGFLHead(cfg, Options{Tower: tower, Log: log})
	require.NoError(t, err)
	var _ Head = h
	assert.Equal(t, []Scale{{Value: 1}}, h.Scales())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gfl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
num_classes: 3
reg_max: 7
train_cfg:
  neg_topk: 12
test_cfg:
  score_thr: 0.3
  nms:
    iou_threshold: 0.5
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NumClasses)
	assert.Equal(t, 7, cfg.RegMax)
	assert.Equal(t, 32, cfg.RegChannels())
	assert.Equal(t, 12, cfg.Train.NegTopK)
	assert.Equal(t, 9, cfg.Train.TopK)
	assert.Equal(t, float32(0.3), cfg.Test.ScoreThr)
	assert.Equal(t, float32(0.5), cfg.Test.NMS.IoUThreshold)
	assert.Equal(t, []int{8, 16, 32, 64, 128}, cfg.Anchors.Strides)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("num_classes: 0\n"), 0o644))
	_, err = LoadConfig(bad)
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

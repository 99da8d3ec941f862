package onnx

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/models/gfl"
)

// Tower runs the prediction tower through an ONNX Runtime session with
// preallocated, fixed-shape tensors. Forward calls are serialized because the
// session tensors are shared.
type Tower struct {
	cfg Config
	log logs.Log

	mu      sync.Mutex
	session *ort.AdvancedSession
	inputs  []*ort.Tensor[float32]
	cls     []*ort.Tensor[float32]
	reg     []*ort.Tensor[float32]
}

var _ gfl.Tower = (*Tower)(nil)

// NewTower loads the graph and binds one input per level and two outputs per
// level.
//
// Arguments:
//   - cfg: The graph description; unset names follow DefaultNames.
//   - log: Receives session setup messages.
//
// Returns:
//   - The tower; callers must Close it.
//   - An error wrapping ErrConfig, or a runtime error.
//
// @example
// tower, err := onnx.NewTower(cfg, log)
//
//	if err != nil {
//		return err
//	}
//
// defer tower.Close()
func NewTower(cfg Config, log logs.Log) (*Tower, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "Can't find model %s", cfg.ModelPath)
	}
	libPath := cfg.SharedLibPath
	if libPath == "" {
		p, err := SharedLibPath()
		if err != nil {
			return nil, err
		}
		libPath = p
	}
	if _, err := os.Stat(libPath); err != nil {
		return nil, errors.Wrapf(err, "Can't find onnxruntime library %s", libPath)
	}
	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "Can't initialize onnxruntime")
		}
	}

	t := &Tower{cfg: cfg, log: log}
	var inputs, outputs []ort.ArbitraryTensor
	for lvl := range cfg.FeatSizes {
		in, err := ort.NewEmptyTensor[float32](ort.NewShape(shapeOf(cfg.inputShape(lvl))...))
		if err != nil {
			t.Close()
			return nil, errors.Wrapf(err, "Can't create input tensor %d", lvl)
		}
		t.inputs = append(t.inputs, in)
		inputs = append(inputs, in)
	}
	for lvl := range cfg.FeatSizes {
		clsShape, _ := cfg.outputShapes(lvl)
		out, err := ort.NewEmptyTensor[float32](ort.NewShape(shapeOf(clsShape)...))
		if err != nil {
			t.Close()
			return nil, errors.Wrapf(err, "Can't create classification tensor %d", lvl)
		}
		t.cls = append(t.cls, out)
		outputs = append(outputs, out)
	}
	for lvl := range cfg.FeatSizes {
		_, regShape := cfg.outputShapes(lvl)
		out, err := ort.NewEmptyTensor[float32](ort.NewShape(shapeOf(regShape)...))
		if err != nil {
			t.Close()
			return nil, errors.Wrapf(err, "Can't create regression tensor %d", lvl)
		}
		t.reg = append(t.reg, out)
		outputs = append(outputs, out)
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		t.Close()
		return nil, err
	}
	defer options.Destroy()

	outputNames := append(append([]string{}, cfg.ClsOutputs...), cfg.RegOutputs...)
	session, err := ort.NewAdvancedSession(cfg.ModelPath, cfg.InputNames, outputNames, inputs, outputs, options)
	if err != nil {
		t.Close()
		return nil, errors.Wrap(err, "Can't create onnxruntime session")
	}
	t.session = session
	log.Infof("ONNX tower %s on %s: %d levels, batch %d", cfg.ModelPath, cfg.Backend, len(cfg.FeatSizes), cfg.BatchSize)
	return t, nil
}

// sessionOptions builds the session options for the configured backend.
func sessionOptions(cfg Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "Can't create session options")
	}
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "Can't set intra-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "Can't set graph optimization level")
	}

	switch cfg.Backend {
	case BackendCoreML:
		err = options.AppendExecutionProviderCoreML(0)
	case BackendOpenVINO:
		err = options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": "CPU",
			"precision":   string(cfg.Precision),
		})
	case BackendCUDA:
		var cuda *ort.CUDAProviderOptions
		cuda, err = ort.NewCUDAProviderOptions()
		if err == nil {
			defer cuda.Destroy()
			if err = cuda.Update(map[string]string{"device_id": fmt.Sprintf("%d", cfg.DeviceID)}); err == nil {
				err = options.AppendExecutionProviderCUDA(cuda)
			}
		}
	}
	if err != nil {
		options.Destroy()
		return nil, errors.Wrapf(err, "Can't enable %s", cfg.Backend)
	}
	return options, nil
}

// Forward copies the features into the session, runs it and copies the
// outputs into fresh tensors.
func (t *Tower) Forward(ctx context.Context, feats []*tensor.Dense) ([]gfl.LevelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(feats) != len(t.cfg.FeatSizes) {
		return nil, errors.Wrapf(gfl.ErrConfig, "got %d feature levels, graph has %d", len(feats), len(t.cfg.FeatSizes))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, errors.New("tower is closed")
	}

	for lvl, f := range feats {
		if err := checkShape(f, t.cfg.inputShape(lvl)); err != nil {
			return nil, errors.Wrapf(err, "level %d", lvl)
		}
		copy(t.inputs[lvl].GetData(), f.Data().([]float32))
	}
	if err := t.session.Run(); err != nil {
		return nil, errors.Wrap(err, "Can't run onnxruntime session")
	}

	out := make([]gfl.LevelOutput, len(feats))
	for lvl := range feats {
		clsShape, regShape := t.cfg.outputShapes(lvl)
		out[lvl] = gfl.LevelOutput{
			Cls: denseCopy(t.cls[lvl].GetData(), clsShape),
			Reg: denseCopy(t.reg[lvl].GetData(), regShape),
		}
	}
	return out, nil
}

// Close releases the session and its tensors.
func (t *Tower) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.session != nil {
		err = t.session.Destroy()
		t.session = nil
	}
	for _, group := range [][]*ort.Tensor[float32]{t.inputs, t.cls, t.reg} {
		for _, x := range group {
			x.Destroy()
		}
	}
	t.inputs, t.cls, t.reg = nil, nil, nil
	if err != nil {
		return errors.Wrap(err, "Can't destroy onnxruntime session")
	}
	return nil
}

// checkShape reports a feature map that does not match the bound input.
func checkShape(f *tensor.Dense, want []int) error {
	if f == nil {
		return errors.Wrap(gfl.ErrConfig, "missing feature map")
	}
	got := f.Shape()
	if len(got) != len(want) {
		return errors.Wrapf(gfl.ErrConfig, "want shape %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			return errors.Wrapf(gfl.ErrConfig, "want shape %v, got %v", want, got)
		}
	}
	if f.Dtype() != tensor.Float32 {
		return errors.Wrapf(gfl.ErrConfig, "want float32 features, got %v", f.Dtype())
	}
	return nil
}

// denseCopy copies data into a new tensor of the given shape.
func denseCopy(data []float32, shape []int) *tensor.Dense {
	buf := make([]float32, numel(shape))
	copy(buf, data)
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(buf))
}

// Package onnx - ONNX Runtime backed prediction tower for the GFL head.
//
// The exported graph takes one feature map per level and returns the raw
// classification and regression maps of every level. The per-level scale is
// applied by the head, not by the graph.
package onnx

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-gfl/geometry"
)

// ErrConfig marks an unusable tower configuration.
var ErrConfig = errors.New("onnx: invalid tower configuration")

// Backend selects the execution provider of the session.
type Backend string

const (
	// BackendCPU runs on the default CPU provider.
	BackendCPU Backend = "cpu"
	// BackendCoreML uses Apple CoreML for macOS acceleration.
	BackendCoreML Backend = "coreml"
	// BackendCUDA uses an NVIDIA GPU.
	BackendCUDA Backend = "cuda"
	// BackendOpenVINO uses Intel OpenVINO.
	BackendOpenVINO Backend = "openvino"
)

// Precision is the OpenVINO inference precision.
//
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type Precision string

const (
	// PrecisionAccuracy keeps the model's own precision (OpenVINO default).
	PrecisionAccuracy Precision = "ACCURACY"
	// PrecisionFP32 runs in 32-bit floating point.
	PrecisionFP32 Precision = "FP32"
	// PrecisionFP16 runs in 16-bit floating point.
	PrecisionFP16 Precision = "FP16"
)

// Config describes a tower graph with fixed input shapes.
type Config struct {
	// ModelPath is the path to the ONNX graph.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// SharedLibPath overrides the platform default of SharedLibPath.
	SharedLibPath string `json:"shared_lib_path" yaml:"shared_lib_path"`

	Backend   Backend   `json:"backend" yaml:"backend"`
	Precision Precision `json:"precision" yaml:"precision"`
	// DeviceID selects the GPU for CUDA.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// IntraOpThreads is the per-node thread count; 0 lets the runtime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`

	BatchSize   int              `json:"batch_size" yaml:"batch_size"`
	InChannels  int              `json:"in_channels" yaml:"in_channels"`
	NumClasses  int              `json:"num_classes" yaml:"num_classes"`
	RegChannels int              `json:"reg_channels" yaml:"reg_channels"`
	FeatSizes   []geometry.Shape `json:"feat_sizes" yaml:"feat_sizes"`

	// InputNames, ClsOutputs and RegOutputs default to DefaultNames.
	InputNames []string `json:"input_names" yaml:"input_names"`
	ClsOutputs []string `json:"cls_outputs" yaml:"cls_outputs"`
	RegOutputs []string `json:"reg_outputs" yaml:"reg_outputs"`
}

// DefaultNames returns the graph node names used by the export script:
// feat<i>, cls_score<i> and bbox_pred<i>.
func DefaultNames(numLevels int) (inputs, cls, reg []string) {
	for i := 0; i < numLevels; i++ {
		inputs = append(inputs, fmt.Sprintf("feat%d", i))
		cls = append(cls, fmt.Sprintf("cls_score%d", i))
		reg = append(reg, fmt.Sprintf("bbox_pred%d", i))
	}
	return inputs, cls, reg
}

// withDefaults fills unset names and the backend.
func (c Config) withDefaults() Config {
	inputs, cls, reg := DefaultNames(len(c.FeatSizes))
	if len(c.InputNames) == 0 {
		c.InputNames = inputs
	}
	if len(c.ClsOutputs) == 0 {
		c.ClsOutputs = cls
	}
	if len(c.RegOutputs) == 0 {
		c.RegOutputs = reg
	}
	if c.Backend == "" {
		c.Backend = BackendCPU
	}
	if c.Precision == "" {
		c.Precision = PrecisionAccuracy
	}
	return c
}

// Validate reports configurations no session can be built from.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.ModelPath == "":
		return errors.Wrap(ErrConfig, "model_path is required")
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrConfig, "batch_size must be positive, got %d", c.BatchSize)
	case c.InChannels <= 0 || c.NumClasses <= 0 || c.RegChannels <= 0:
		return errors.Wrapf(ErrConfig, "channel counts must be positive, got %d/%d/%d", c.InChannels, c.NumClasses, c.RegChannels)
	case len(c.FeatSizes) == 0:
		return errors.Wrap(ErrConfig, "no feature levels")
	case len(c.InputNames) != len(c.FeatSizes) || len(c.ClsOutputs) != len(c.FeatSizes) || len(c.RegOutputs) != len(c.FeatSizes):
		return errors.Wrapf(ErrConfig, "%d levels need as many inputs and outputs, got %d/%d/%d",
			len(c.FeatSizes), len(c.InputNames), len(c.ClsOutputs), len(c.RegOutputs))
	}
	for lvl, s := range c.FeatSizes {
		if s.Height <= 0 || s.Width <= 0 {
			return errors.Wrapf(ErrConfig, "level %d has empty feature size %dx%d", lvl, s.Height, s.Width)
		}
	}
	switch c.Backend {
	case BackendCPU, BackendCoreML, BackendCUDA, BackendOpenVINO:
	default:
		return errors.Wrapf(ErrConfig, "unknown backend %q", c.Backend)
	}
	return nil
}

// inputShape returns the (B, C, H, W) shape of a level's input.
func (c Config) inputShape(lvl int) []int {
	s := c.FeatSizes[lvl]
	return []int{c.BatchSize, c.InChannels, s.Height, s.Width}
}

// outputShapes returns the classification and regression shapes of a level.
func (c Config) outputShapes(lvl int) (cls, reg []int) {
	s := c.FeatSizes[lvl]
	return []int{c.BatchSize, c.NumClasses, s.Height, s.Width}, []int{c.BatchSize, c.RegChannels, s.Height, s.Width}
}

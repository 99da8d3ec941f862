package gfl

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-gfl/anchors"
	"github.com/nvr-ai/go-gfl/loss"
	"github.com/nvr-ai/go-gfl/models/postprocess"
)

// ErrConfig marks configuration errors: invalid settings, non-square strides
// and predictions whose shape does not match the head.
var ErrConfig = errors.New("gfl: invalid configuration")

// TrainConfig holds the target assignment settings.
type TrainConfig struct {
	// TopK is the number of ATSS candidates per level for the positive
	// stream.
	TopK int `json:"topk" yaml:"topk"`
	// NegTopK is the number of candidates per level for the negative stream.
	NegTopK int `json:"neg_topk" yaml:"neg_topk"`
	// IgnoreIoFThr excludes anchors covered by an ignore box; <= 0 disables.
	IgnoreIoFThr float32 `json:"ignore_iof_thr" yaml:"ignore_iof_thr"`
	// AllowedBorder widens the image for the inside check; < 0 disables it.
	AllowedBorder float32 `json:"allowed_border" yaml:"allowed_border"`
	// PosWeight is the label weight of positives; <= 0 means 1.
	PosWeight float32 `json:"pos_weight" yaml:"pos_weight"`
}

// TestConfig holds the inference settings.
type TestConfig struct {
	// NMSPre keeps the top-k anchors per level and image before NMS; <= 0
	// keeps all.
	NMSPre    int                   `json:"nms_pre" yaml:"nms_pre"`
	ScoreThr  float32               `json:"score_thr" yaml:"score_thr"`
	NMS       postprocess.NMSConfig `json:"nms" yaml:"nms"`
	MaxPerImg int                   `json:"max_per_img" yaml:"max_per_img"`
	// GraphDecode evaluates the kept regression rows through the gorgonia
	// integral graph instead of the direct decoder.
	GraphDecode bool `json:"graph_decode" yaml:"graph_decode"`
}

// Config is the GFL head configuration.
type Config struct {
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	InChannels int `json:"in_channels" yaml:"in_channels"`
	// RegMax is the largest integral bin; regression maps carry
	// 4*(RegMax+1) channels.
	RegMax int `json:"reg_max" yaml:"reg_max"`

	Anchors anchors.GridConfig `json:"anchor_generator" yaml:"anchor_generator"`

	LossCls  loss.QualityFocal      `json:"loss_cls" yaml:"loss_cls"`
	LossDFL  loss.DistributionFocal `json:"loss_dfl" yaml:"loss_dfl"`
	LossBBox loss.GIoU              `json:"loss_bbox" yaml:"loss_bbox"`
	// NegLossScale scales the negative-stream box and distribution losses.
	NegLossScale float32 `json:"neg_loss_scale" yaml:"neg_loss_scale"`

	Train TrainConfig `json:"train_cfg" yaml:"train_cfg"`
	Test  TestConfig  `json:"test_cfg" yaml:"test_cfg"`
}

// DefaultConfig returns the standard GFL settings for 80 classes.
func DefaultConfig() Config {
	return Config{
		NumClasses: 80,
		InChannels: 256,
		RegMax:     16,
		Anchors: anchors.GridConfig{
			Strides:         []int{8, 16, 32, 64, 128},
			Ratios:          []float32{1},
			OctaveBaseScale: 8,
			ScalesPerOctave: 1,
		},
		LossCls:      loss.QualityFocal{Beta: 2, Weight: 1, NegScale: 0.125},
		LossDFL:      loss.DistributionFocal{Weight: 0.25},
		LossBBox:     loss.GIoU{Weight: 2},
		NegLossScale: 0.125,
		Train: TrainConfig{
			TopK:          9,
			NegTopK:       18,
			IgnoreIoFThr:  -1,
			AllowedBorder: -1,
			PosWeight:     -1,
		},
		Test: TestConfig{
			NMSPre:    1000,
			ScoreThr:  0.05,
			NMS:       postprocess.NMSConfig{IoUThreshold: 0.6, ClassAware: true, NumWorkers: 4},
			MaxPerImg: 100,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "Can't read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "Can't parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// NumBaseAnchors returns the number of anchors per location.
func (c Config) NumBaseAnchors() int {
	return len(c.Anchors.Ratios) * c.Anchors.ScalesPerOctave
}

// RegChannels returns the channel count of a regression map.
func (c Config) RegChannels() int {
	return 4 * (c.RegMax + 1)
}

// Validate reports settings the head cannot run with.
func (c Config) Validate() error {
	switch {
	case c.NumClasses <= 0:
		return errors.Wrapf(ErrConfig, "num_classes must be positive, got %d", c.NumClasses)
	case c.RegMax <= 0:
		return errors.Wrapf(ErrConfig, "reg_max must be positive, got %d", c.RegMax)
	case len(c.Anchors.Strides) == 0:
		return errors.Wrap(ErrConfig, "no anchor strides")
	case c.NumBaseAnchors() != 1:
		return errors.Wrapf(ErrConfig, "GFL needs one anchor per location, got %d", c.NumBaseAnchors())
	case c.Train.TopK <= 0 || c.Train.NegTopK <= 0:
		return errors.Wrapf(ErrConfig, "topk and neg_topk must be positive, got %d and %d", c.Train.TopK, c.Train.NegTopK)
	case c.LossCls.Beta < 0:
		return errors.Wrapf(ErrConfig, "negative QFL beta %v", c.LossCls.Beta)
	case c.Test.NMS.IoUThreshold < 0 || c.Test.NMS.IoUThreshold > 1:
		return errors.Wrapf(ErrConfig, "NMS IoU threshold %v outside [0, 1]", c.Test.NMS.IoUThreshold)
	}
	return nil
}

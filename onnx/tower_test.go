package onnx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/geometry"
	"github.com/nvr-ai/go-gfl/models/gfl"
)

func validConfig() Config {
	return Config{
		ModelPath:   "gfl_tower.onnx",
		BatchSize:   2,
		InChannels:  256,
		NumClasses:  80,
		RegChannels: 68,
		FeatSizes:   []geometry.Shape{{Height: 80, Width: 80}, {Height: 40, Width: 40}},
	}
}

func TestDefaultNames(t *testing.T) {
	inputs, cls, reg := DefaultNames(2)
	assert.Equal(t, []string{"feat0", "feat1"}, inputs)
	assert.Equal(t, []string{"cls_score0", "cls_score1"}, cls)
	assert.Equal(t, []string{"bbox_pred0", "bbox_pred1"}, reg)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cfg := validConfig().withDefaults()
	assert.Equal(t, BackendCPU, cfg.Backend)
	assert.Equal(t, PrecisionAccuracy, cfg.Precision)
	assert.Len(t, cfg.InputNames, 2)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no model", func(c *Config) { c.ModelPath = "" }},
		{"no batch", func(c *Config) { c.BatchSize = 0 }},
		{"no classes", func(c *Config) { c.NumClasses = 0 }},
		{"no levels", func(c *Config) { c.FeatSizes = nil }},
		{"empty level", func(c *Config) { c.FeatSizes[1] = geometry.Shape{} }},
		{"name count", func(c *Config) { c.InputNames = []string{"x"} }},
		{"backend", func(c *Config) { c.Backend = "tpu" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrConfig))
		})
	}
}

func TestShapes(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, []int{2, 256, 40, 40}, cfg.inputShape(1))
	cls, reg := cfg.outputShapes(0)
	assert.Equal(t, []int{2, 80, 80, 80}, cls)
	assert.Equal(t, []int{2, 68, 80, 80}, reg)
	assert.Equal(t, []int64{2, 68, 80, 80}, shapeOf(reg))
	assert.Equal(t, 2*68*80*80, numel(reg))
}

func TestCheckShape(t *testing.T) {
	f := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 4, 2, 2))
	assert.NoError(t, checkShape(f, []int{1, 4, 2, 2}))
	assert.True(t, errors.Is(checkShape(f, []int{1, 4, 2, 3}), gfl.ErrConfig))
	assert.True(t, errors.Is(checkShape(nil, []int{1}), gfl.ErrConfig))

	f64 := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(1, 4, 2, 2))
	assert.True(t, errors.Is(checkShape(f64, []int{1, 4, 2, 2}), gfl.ErrConfig))
}

func TestDenseCopy(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	d := denseCopy(src, []int{1, 1, 2, 2})
	src[0] = 9
	assert.Equal(t, []float32{1, 2, 3, 4}, d.Data())
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, d.Shape())
}

func TestNewTowerErrors(t *testing.T) {
	log := logs.NewTestingLog(t)

	cfg := validConfig()
	cfg.BatchSize = 0
	_, err := NewTower(cfg, log)
	assert.True(t, errors.Is(err, ErrConfig))

	cfg = validConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
	_, err = NewTower(cfg, log)
	assert.Error(t, err)
}

func TestClosedTowerRejectsForward(t *testing.T) {
	tower := &Tower{cfg: validConfig().withDefaults(), log: logs.NewTestingLog(t)}
	require.NoError(t, tower.Close())

	_, err := tower.Forward(context.Background(), []*tensor.Dense{nil})
	assert.True(t, errors.Is(err, gfl.ErrConfig))

	feats := []*tensor.Dense{nil, nil}
	_, err = tower.Forward(context.Background(), feats)
	assert.Error(t, err)
}

func TestSharedLibPath(t *testing.T) {
	p, err := SharedLibPath()
	if err == nil {
		assert.NotEmpty(t, p)
	}
}

// Package model - Definitions for detection heads, dataset families and the
// arguments used to build them.
package model

import (
	"github.com/nvr-ai/go-gfl/onnx"
)

// Family is the dataset family a head is trained on.
type Family string

const (
	// FamilyCOCO is the 80-class COCO family.
	FamilyCOCO Family = "coco"
	// FamilyVOC is the 20-class Pascal VOC family.
	FamilyVOC Family = "voc"
)

// Name is the unique identifier of a head.
type Name string

const (
	// NameGFL is the Generalized Focal Loss head with dual target streams.
	NameGFL Name = "gfl"
)

// TowerKind selects how features are turned into raw predictions.
type TowerKind string

const (
	// TowerLinear is the in-process 1x1 projection tower.
	TowerLinear TowerKind = "linear"
	// TowerONNX runs an exported tower graph through ONNX Runtime.
	TowerONNX TowerKind = "onnx"
)

// NewModelArgs is the arguments for creating a new head.
type NewModelArgs struct {
	Name Name `json:"name" yaml:"name"`
	// Family overrides the configured class count when set.
	Family Family `json:"family" yaml:"family"`
	// ConfigPath is a YAML head configuration; empty uses the defaults.
	ConfigPath string    `json:"config_path" yaml:"config_path"`
	Tower      TowerKind `json:"tower" yaml:"tower"`
	// Seed initializes the linear tower.
	Seed int64 `json:"seed" yaml:"seed"`
	// ONNX describes the graph when Tower is TowerONNX.
	ONNX onnx.Config `json:"onnx" yaml:"onnx"`
}

// Package models - registry for detection heads.
package models

import (
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-gfl/models/gfl"
	"github.com/nvr-ai/go-gfl/models/model"
	"github.com/nvr-ai/go-gfl/onnx"
)

// Model is a built head together with its class set and tower.
type Model struct {
	Args    model.NewModelArgs
	Config  gfl.Config
	Head    *gfl.GFLHead
	Classes *model.ClassSet

	close func() error
}

// Close releases the tower resources.
func (m *Model) Close() error {
	if m.close == nil {
		return nil
	}
	return m.close()
}

// NewModel creates a detection head based on the specified model name.
//
// The head configuration is read from args.ConfigPath, or the defaults when
// empty. A set family overrides the class count, and the tower follows
// args.Tower.
//
// Arguments:
//   - args: The head name, family, config and tower selection.
//   - log: Shared by the head, its assigners and the tower.
//
// Returns:
//   - The built model; callers must Close it.
//   - An error if the name is unsupported or any part fails to build.
//
// @example
// m, err := models.NewModel(model.NewModelArgs{Name: model.NameGFL, Family: model.FamilyVOC, Tower: model.TowerLinear}, log)
//
//	if err != nil {
//		return err
//	}
//
// defer m.Close()
func NewModel(args model.NewModelArgs, log logs.Log) (*Model, error) {
	switch args.Name {
	case model.NameGFL:
	default:
		return nil, errors.Errorf("unsupported model name: %s", args.Name)
	}

	cfg := gfl.DefaultConfig()
	if args.ConfigPath != "" {
		loaded, err := gfl.LoadConfig(args.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	family := args.Family
	if family == "" {
		family = model.FamilyCOCO
	}
	classes, err := family.Classes()
	if err != nil {
		return nil, err
	}
	if args.Family != "" {
		cfg.NumClasses = classes.NumClasses()
	} else if cfg.NumClasses != classes.NumClasses() {
		classes = nil
	}

	m := &Model{Args: args, Config: cfg, Classes: classes}
	var tower gfl.Tower
	switch args.Tower {
	case model.TowerLinear, "":
		tower = gfl.NewLinearTower(cfg.InChannels, cfg.NumClasses, cfg.RegChannels(), args.Seed)
	case model.TowerONNX:
		oc := args.ONNX
		oc.InChannels = cfg.InChannels
		oc.NumClasses = cfg.NumClasses
		oc.RegChannels = cfg.RegChannels()
		t, err := onnx.NewTower(oc, log)
		if err != nil {
			return nil, errors.Wrap(err, "Can't build ONNX tower")
		}
		tower = t
		m.close = t.Close
	default:
		return nil, errors.Errorf("unsupported tower: %s", args.Tower)
	}

	head, err := gfl.NewGFLHead(cfg, gfl.Options{Tower: tower, Log: log})
	if err != nil {
		m.Close()
		return nil, err
	}
	m.Head = head
	return m, nil
}

// Label returns the class name of a detection, or an empty string when the
// head's classes do not match a known family.
func (m *Model) Label(class int) string {
	if m.Classes == nil {
		return ""
	}
	name, err := m.Classes.Name(class)
	if err != nil {
		return ""
	}
	return name
}

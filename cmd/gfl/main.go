package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-gfl/geometry"
	"github.com/nvr-ai/go-gfl/models"
	"github.com/nvr-ai/go-gfl/models/gfl"
	"github.com/nvr-ai/go-gfl/models/model"
	"github.com/nvr-ai/go-gfl/onnx"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	logger, err := logs.NewLog()
	check(err)

	parser := argparse.NewParser("gfl", "Run the GFL head on synthetic features")
	configPath := parser.String("c", "config", &argparse.Options{Help: "YAML head configuration (defaults when empty)"})
	mode := parser.Selector("m", "mode", []string{"loss", "decode"}, &argparse.Options{Help: "Compute training losses or decode detections", Default: "decode"})
	batch := parser.Int("b", "batch", &argparse.Options{Help: "Batch size", Default: 2})
	size := parser.Int("i", "image", &argparse.Options{Help: "Square image size in pixels", Default: 320})
	seed := parser.Int("s", "seed", &argparse.Options{Help: "Seed for the tower and the synthetic inputs", Default: 1})
	family := parser.Selector("f", "family", []string{"coco", "voc"}, &argparse.Options{Help: "Dataset family", Default: "coco"})
	modelPath := parser.String("o", "onnx", &argparse.Options{Help: "Run the tower from this ONNX graph instead of the linear tower"})
	backend := parser.Selector("e", "backend", []string{"cpu", "coreml", "cuda", "openvino"}, &argparse.Options{Help: "ONNX execution provider", Default: "cpu"})
	err = parser.Parse(os.Args)
	if err != nil {
		logger.Errorf("%s", parser.Usage(err))
		os.Exit(1)
	}
	if *batch <= 0 || *size <= 0 {
		logger.Errorf("batch and image size must be positive")
		os.Exit(1)
	}

	args := model.NewModelArgs{
		Name:       model.NameGFL,
		Family:     model.Family(*family),
		ConfigPath: *configPath,
		Tower:      model.TowerLinear,
		Seed:       int64(*seed),
	}

	// Feature sizes are needed before the head exists to size the ONNX tensors.
	cfg := gfl.DefaultConfig()
	if *configPath != "" {
		cfg, err = gfl.LoadConfig(*configPath)
		check(err)
	}
	img := geometry.Shape{Height: *size, Width: *size}
	featSizes := make([]geometry.Shape, len(cfg.Anchors.Strides))
	for i, s := range cfg.Anchors.Strides {
		featSizes[i] = geometry.Shape{Height: (img.Height + s - 1) / s, Width: (img.Width + s - 1) / s}
	}

	if *modelPath != "" {
		args.Tower = model.TowerONNX
		args.ONNX = onnx.Config{
			ModelPath: *modelPath,
			Backend:   onnx.Backend(*backend),
			BatchSize: *batch,
			FeatSizes: featSizes,
		}
	}

	m, err := models.NewModel(args, logger)
	if err != nil {
		logger.Errorf("Failed to build head: %v", err)
		os.Exit(1)
	}
	defer m.Close()

	rng := rand.New(rand.NewSource(int64(*seed)))
	feats := make([]*tensor.Dense, len(featSizes))
	for i, fs := range featSizes {
		data := make([]float32, *batch*m.Config.InChannels*fs.Height*fs.Width)
		for j := range data {
			data[j] = float32(rng.NormFloat64())
		}
		feats[i] = tensor.New(tensor.WithShape(*batch, m.Config.InChannels, fs.Height, fs.Width), tensor.WithBacking(data))
	}

	ctx := context.Background()
	preds, err := m.Head.Forward(ctx, feats)
	check(err)

	metas := make([]gfl.ImageMeta, *batch)
	for i := range metas {
		metas[i] = gfl.ImageMeta{ImgShape: img, PadShape: img, ScaleFactor: [4]float32{1, 1, 1, 1}}
	}

	switch *mode {
	case "loss":
		gts := make([]gfl.GroundTruth, *batch)
		for i := range gts {
			gts[i] = syntheticGroundTruth(rng, img, m.Config.NumClasses)
		}
		losses, ok, err := m.Head.Loss(ctx, preds, metas, gts)
		check(err)
		if !ok {
			logger.Warnf("No valid anchors in batch")
			break
		}
		for el := losses.Front(); el != nil; el = el.Next() {
			fmt.Printf("%-14s %v\n", el.Key, el.Value)
		}
	case "decode":
		dets, err := m.Head.Decode(ctx, preds, metas, gfl.DecodeOptions{Rescale: true, WithNMS: true})
		check(err)
		for i, d := range dets {
			fmt.Printf("image %d: %d detections\n", i, len(d.Results))
			for _, r := range d.Results {
				fmt.Printf("  %-16s %.3f %v\n", label(m, r.Class), r.Score, r.Box)
			}
		}
	}

	m.Head.Profiler().Report(logger)
}

// syntheticGroundTruth draws 1-4 boxes of 16-128 pixels inside img.
func syntheticGroundTruth(rng *rand.Rand, img geometry.Shape, numClasses int) gfl.GroundTruth {
	n := 1 + rng.Intn(4)
	gt := gfl.GroundTruth{Boxes: make([]geometry.Box, n), Labels: make([]int, n)}
	for i := range n {
		w := float32(16 + rng.Intn(113))
		h := float32(16 + rng.Intn(113))
		x := rng.Float32() * max(float32(img.Width)-w, 0)
		y := rng.Float32() * max(float32(img.Height)-h, 0)
		gt.Boxes[i] = geometry.Box{X1: x, Y1: y, X2: min(x+w, float32(img.Width)), Y2: min(y+h, float32(img.Height))}
		gt.Labels[i] = rng.Intn(numClasses)
	}
	return gt
}

func label(m *models.Model, class int) string {
	if name := m.Label(class); name != "" {
		return name
	}
	return fmt.Sprintf("class %d", class)
}

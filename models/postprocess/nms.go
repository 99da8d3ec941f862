// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-gfl/geometry"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"` // Overlap threshold for suppression.
	ClassAware   bool    `json:"class_aware" yaml:"class_aware"`     // If true, suppress only within same class.
	NumWorkers   int     `json:"num_workers" yaml:"num_workers"`     // Number of goroutines for per-class NMS.
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - detections: Slice of detections sorted by descending confidence.
//   - config: NMS configuration. With ClassAware set, a detection only
//     suppresses detections of its own class.
//
// Returns:
//   - Filtered slice of detections.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	filtered := make([]Result, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && detections[j].Class != anchor.Class {
				continue
			}

			// Suppress if IoU exceeds threshold
			if geometry.Overlap(anchor.Box, detections[j].Box, geometry.ModeIoU) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}

// MulticlassNMS runs NMS over per-class scores.
//
// The last score column is the background dustbin and is never kept. Every
// (box, class) pair scoring above scoreThr is a candidate; candidates are
// suppressed per class when config.ClassAware is set, with classes spread
// over config.NumWorkers goroutines.
//
// Arguments:
//   - boxes: One box per row of scores.
//   - scores: Row-major (len(boxes), numCols) scores, dustbin last.
//   - numCols: Number of score columns including the dustbin.
//   - scoreThr: Minimum score of a candidate.
//   - config: NMS configuration.
//   - maxPerImg: Maximum number of detections kept; zero or less keeps all.
//
// Returns:
//   - Detections sorted by descending score.
//
// @example
// dets, err := postprocess.MulticlassNMS(boxes, scores, 81, 0.05, &postprocess.NMSConfig{IoUThreshold: 0.6, ClassAware: true}, 100)
func MulticlassNMS(boxes []geometry.Box, scores []float32, numCols int, scoreThr float32, config *NMSConfig, maxPerImg int) ([]Result, error) {
	if numCols < 2 || len(scores) != len(boxes)*numCols {
		return nil, errors.Errorf("%d scores for %d boxes of %d columns", len(scores), len(boxes), numCols)
	}
	numClasses := numCols - 1

	byClass := make([][]Result, numClasses)
	for i, b := range boxes {
		row := scores[i*numCols : i*numCols+numClasses]
		for c, s := range row {
			if s > scoreThr {
				byClass[c] = append(byClass[c], Result{Box: b, Score: s, Class: c})
			}
		}
	}
	for _, dets := range byClass {
		sortByScore(dets)
	}

	var kept []Result
	if config.ClassAware {
		perClass := make([][]Result, numClasses)
		var g errgroup.Group
		g.SetLimit(max(config.NumWorkers, 1))
		for c, dets := range byClass {
			if len(dets) == 0 {
				continue
			}
			g.Go(func() error {
				perClass[c] = ApplyGreedyNMS(dets, config)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, dets := range perClass {
			kept = append(kept, dets...)
		}
		sortByScore(kept)
	} else {
		var all []Result
		for _, dets := range byClass {
			all = append(all, dets...)
		}
		sortByScore(all)
		kept = ApplyGreedyNMS(all, config)
	}

	if maxPerImg > 0 && len(kept) > maxPerImg {
		kept = kept[:maxPerImg]
	}
	return kept, nil
}

// sortByScore orders detections by descending score, keeping the input order
// for ties.
func sortByScore(dets []Result) {
	slices.SortStableFunc(dets, func(a, b Result) int {
		return cmp.Compare(b.Score, a.Score)
	})
}

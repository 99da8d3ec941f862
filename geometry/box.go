// Package geometry - box, distance and overlap utilities for dense detection heads.
package geometry

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// overlapEps keeps union and enclosing areas away from zero.
const overlapEps = 1e-6

// Shape is the height and width of an image in pixels.
type Shape struct {
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
}

// Box is an axis-aligned box in "xyxy" pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Mode selects the overlap measure computed by Overlap.
type Mode int

const (
	// ModeIoU is intersection over union.
	ModeIoU Mode = iota
	// ModeIoF is intersection over the area of the first box (foreground).
	ModeIoF
	// ModeGIoU is generalized IoU, in [-1, 1].
	ModeGIoU
)

func (m Mode) String() string {
	switch m {
	case ModeIoU:
		return "iou"
	case ModeIoF:
		return "iof"
	case ModeGIoU:
		return "giou"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Area returns the area of the box. Degenerate boxes have zero area.
func (b Box) Area() float32 {
	return max(0, b.X2-b.X1) * max(0, b.Y2-b.Y1)
}

// Center returns the center point of the box.
func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Scale divides every coordinate of the box by s.
func (b Box) Scale(s float32) Box {
	return Box{X1: b.X1 / s, Y1: b.Y1 / s, X2: b.X2 / s, Y2: b.Y2 / s}
}

// Clamp restricts the box to [0, width] x [0, height].
func (b Box) Clamp(shape Shape) Box {
	w, h := float32(shape.Width), float32(shape.Height)
	return Box{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}

// ContainsPoint reports whether (x, y) lies strictly inside the box, with all
// four point-to-side distances larger than margin.
func (b Box) ContainsPoint(x, y, margin float32) bool {
	return min(x-b.X1, y-b.Y1, b.X2-x, b.Y2-y) > margin
}

func (b Box) String() string {
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Overlap measures how much two boxes overlap.
//
// The intersection is the rectangle between the larger of the top-left corners
// and the smaller of the bottom-right corners; when its width or height is not
// positive the boxes do not intersect. The union follows inclusion-exclusion:
//
//	Area(A ∪ B) = Area(A) + Area(B) - Area(A ∩ B)
//
// Arguments:
//   - a: The first box. For ModeIoF it is the foreground box.
//   - b: The second box.
//   - mode: The overlap measure.
//
// Returns:
//   - The IoU / IoF in [0, 1], or the GIoU in [-1, 1].
//
// @example
// iou := geometry.Overlap(Box{0, 0, 10, 10}, Box{5, 5, 15, 15}, geometry.ModeIoU) // ~0.143
func Overlap(a, b Box, mode Mode) float32 {
	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)

	interW := max(0, min(a.X2, b.X2)-max(a.X1, b.X1))
	interH := max(0, min(a.Y2, b.Y2)-max(a.Y1, b.Y1))
	inter := interW * interH

	var union float32
	if mode == ModeIoF {
		union = areaA
	} else {
		union = areaA + areaB - inter
	}
	union = max(union, overlapEps)
	iou := inter / union
	if mode != ModeGIoU {
		return iou
	}

	encW := max(0, max(a.X2, b.X2)-min(a.X1, b.X1))
	encH := max(0, max(a.Y2, b.Y2)-min(a.Y1, b.Y1))
	enclose := max(encW*encH, overlapEps)
	return iou - (enclose-union)/enclose
}

// AlignedOverlaps computes Overlap(a[i], b[i], mode) for every i.
func AlignedOverlaps(a, b []Box, mode Mode) ([]float32, error) {
	if len(a) != len(b) {
		return nil, errors.Wrapf(ErrShape, "aligned overlaps need equal lengths, got %d and %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = Overlap(a[i], b[i], mode)
	}
	return out, nil
}

// PairwiseOverlaps computes the (len(a), len(b)) overlap matrix, row-major.
func PairwiseOverlaps(a, b []Box, mode Mode) []float32 {
	out := make([]float32, len(a)*len(b))
	for i := range a {
		row := out[i*len(b) : (i+1)*len(b)]
		for j := range b {
			row[j] = Overlap(a[i], b[j], mode)
		}
	}
	return out
}

// DistanceToBox converts left/top/right/bottom distances from a point into a
// box. When maxShape is not nil the box is clamped to the image.
func DistanceToBox(x, y float32, d [4]float32, maxShape *Shape) Box {
	b := Box{X1: x - d[0], Y1: y - d[1], X2: x + d[2], Y2: y + d[3]}
	if maxShape != nil {
		b = b.Clamp(*maxShape)
	}
	return b
}

// BoxToDistance converts a box into left/top/right/bottom distances from a
// point, clamped to [0, maxDist-0.1] so the far edge stays inside the last
// integral bin.
func BoxToDistance(x, y float32, b Box, maxDist float32) [4]float32 {
	const eps = 0.1
	hi := maxDist - eps
	return [4]float32{
		clamp(x-b.X1, 0, hi),
		clamp(y-b.Y1, 0, hi),
		clamp(b.X2-x, 0, hi),
		clamp(b.Y2-y, 0, hi),
	}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(v, hi))
}

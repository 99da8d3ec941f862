package geometry

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShape is returned when a tensor does not have the expected shape.
var ErrShape = errors.New("unexpected tensor shape")

// Rows returns the float32 backing of a (N, cols) tensor and N.
//
// A nil tensor is treated as zero rows.
func Rows(t *tensor.Dense, cols int) ([]float32, int, error) {
	if t == nil {
		return nil, 0, nil
	}
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != cols {
		return nil, 0, errors.Wrapf(ErrShape, "want (N, %d), got %v", cols, shape)
	}
	if t.Dtype() != tensor.Float32 {
		return nil, 0, errors.Wrapf(ErrShape, "want float32, got %v", t.Dtype())
	}
	if shape[0] == 0 {
		return nil, 0, nil
	}
	return t.Data().([]float32), shape[0], nil
}

// NewRows wraps data as a (len(data)/cols, cols) float32 tensor. Empty data
// yields nil, which Rows reads back as zero rows.
func NewRows(data []float32, cols int) *tensor.Dense {
	if len(data) == 0 {
		return nil
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(data)/cols, cols),
		tensor.WithBacking(data),
	)
}

// BoxesFromTensor converts a (N, 4) tensor into boxes.
func BoxesFromTensor(t *tensor.Dense) ([]Box, error) {
	data, n, err := Rows(t, 4)
	if err != nil {
		return nil, err
	}
	boxes := make([]Box, n)
	for i := range boxes {
		r := data[i*4 : i*4+4]
		boxes[i] = Box{X1: r[0], Y1: r[1], X2: r[2], Y2: r[3]}
	}
	return boxes, nil
}

// BoxesToTensor packs boxes into a (N, 4) tensor.
func BoxesToTensor(boxes []Box) *tensor.Dense {
	data := make([]float32, 0, len(boxes)*4)
	for _, b := range boxes {
		data = append(data, b.X1, b.Y1, b.X2, b.Y2)
	}
	return NewRows(data, 4)
}

// AnchorCenters returns the (N, 2) "xy" centers of (N, 4) "xyxy" anchors.
func AnchorCenters(anchors *tensor.Dense) (*tensor.Dense, error) {
	data, n, err := Rows(anchors, 4)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute anchor centers")
	}
	out := make([]float32, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = (data[i*4] + data[i*4+2]) / 2
		out[i*2+1] = (data[i*4+1] + data[i*4+3]) / 2
	}
	return NewRows(out, 2), nil
}

// Distance2BBox decodes distances from points into boxes.
//
// Arguments:
//   - points: (N, 2) "xy" points.
//   - distances: (N, 4) left, top, right and bottom distances.
//   - maxShape: When not nil, boxes are clamped to [0, W] x [0, H].
//
// Returns:
//   - (N, 4) "xyxy" boxes.
func Distance2BBox(points, distances *tensor.Dense, maxShape *Shape) (*tensor.Dense, error) {
	p, n, err := Rows(points, 2)
	if err != nil {
		return nil, errors.Wrap(err, "Can't decode points")
	}
	d, m, err := Rows(distances, 4)
	if err != nil {
		return nil, errors.Wrap(err, "Can't decode distances")
	}
	if n != m {
		return nil, errors.Wrapf(ErrShape, "%d points and %d distances", n, m)
	}
	out := make([]float32, n*4)
	for i := 0; i < n; i++ {
		b := DistanceToBox(p[i*2], p[i*2+1], [4]float32(d[i*4:i*4+4]), maxShape)
		copy(out[i*4:], []float32{b.X1, b.Y1, b.X2, b.Y2})
	}
	return NewRows(out, 4), nil
}

// BBox2Distance encodes boxes as distances from points, clamped to
// [0, maxDist-0.1].
func BBox2Distance(points, boxes *tensor.Dense, maxDist float32) (*tensor.Dense, error) {
	p, n, err := Rows(points, 2)
	if err != nil {
		return nil, errors.Wrap(err, "Can't encode points")
	}
	bs, err := BoxesFromTensor(boxes)
	if err != nil {
		return nil, errors.Wrap(err, "Can't encode boxes")
	}
	if n != len(bs) {
		return nil, errors.Wrapf(ErrShape, "%d points and %d boxes", n, len(bs))
	}
	out := make([]float32, n*4)
	for i := 0; i < n; i++ {
		d := BoxToDistance(p[i*2], p[i*2+1], bs[i], maxDist)
		copy(out[i*4:], d[:])
	}
	return NewRows(out, 4), nil
}

// Overlaps computes the overlap between two sets of boxes. When aligned, a and
// b must have the same length and the result has one value per pair (N,);
// otherwise the result is the row-major (N, M) matrix.
func Overlaps(a, b []Box, mode Mode, aligned bool) ([]float32, error) {
	if aligned {
		return AlignedOverlaps(a, b, mode)
	}
	return PairwiseOverlaps(a, b, mode), nil
}

// InsideFlags marks anchors that lie within the image plus allowedBorder.
// A negative allowedBorder disables the border check and only the valid flags
// are used.
func InsideFlags(anchors *tensor.Dense, valid []bool, img Shape, allowedBorder float32) ([]bool, error) {
	data, n, err := Rows(anchors, 4)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute inside flags")
	}
	if len(valid) != n {
		return nil, errors.Wrapf(ErrShape, "%d anchors and %d valid flags", n, len(valid))
	}
	out := make([]bool, n)
	if allowedBorder < 0 {
		copy(out, valid)
		return out, nil
	}
	w, h := float32(img.Width), float32(img.Height)
	for i := 0; i < n; i++ {
		r := data[i*4 : i*4+4]
		out[i] = valid[i] &&
			r[0] >= -allowedBorder &&
			r[1] >= -allowedBorder &&
			r[2] < w+allowedBorder &&
			r[3] < h+allowedBorder
	}
	return out, nil
}

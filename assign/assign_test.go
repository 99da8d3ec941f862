package assign

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-gfl/geometry"
)

// cellAnchors returns a size x size grid of stride-sized anchors, row-major.
func cellAnchors(size int, stride float32) []geometry.Box {
	var out []geometry.Box
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			fx, fy := float32(x)*stride, float32(y)*stride
			out = append(out, geometry.Box{X1: fx, Y1: fy, X2: fx + stride, Y2: fy + stride})
		}
	}
	return out
}

func positives(res *AssignResult) []int {
	var out []int
	for i, g := range res.GTInds {
		if g > 0 {
			out = append(out, i)
		}
	}
	return out
}

func TestATSSExactMatch(t *testing.T) {
	atss := NewATSS(logs.NewTestingLog(t), 9, -1)
	anchors := cellAnchors(4, 8)

	res, err := atss.Assign(Input{
		Anchors:         anchors,
		NumLevelAnchors: []int{16},
		GT:              []geometry.Box{{X1: 8, Y1: 8, X2: 16, Y2: 16}},
		GTLabels:        []int{3},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{5}, positives(res))
	assert.Equal(t, 1, res.GTInds[5])
	assert.Equal(t, 3, res.Labels[5])
	assert.InDelta(t, 1, res.MaxOverlaps[5], 1e-6)
	assert.Equal(t, -1, res.Labels[0])
	assert.Equal(t, 1, res.NumPositives())
}

func TestATSSNoGroundTruth(t *testing.T) {
	atss := NewATSS(logs.NewTestingLog(t), 9, -1)
	res, err := atss.Assign(Input{
		Anchors:         cellAnchors(3, 8),
		NumLevelAnchors: []int{9},
		GTLabels:        []int{},
	})
	require.NoError(t, err)
	assert.Equal(t, make([]int, 9), res.GTInds)
	for _, l := range res.Labels {
		assert.Equal(t, -1, l)
	}
}

func TestATSSRPNHasNoLabels(t *testing.T) {
	atss := NewATSS(logs.NewTestingLog(t), 9, -1)
	res, err := atss.Assign(Input{
		Anchors:         cellAnchors(4, 8),
		NumLevelAnchors: []int{16},
		GT:              []geometry.Box{{X1: 8, Y1: 8, X2: 16, Y2: 16}},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Labels)
	assert.Equal(t, []int{5}, positives(res))
}

func TestATSSIgnore(t *testing.T) {
	atss := NewATSS(logs.NewTestingLog(t), 9, 0.5)
	res, err := atss.Assign(Input{
		Anchors:         cellAnchors(4, 8),
		NumLevelAnchors: []int{16},
		GT:              []geometry.Box{{X1: 8, Y1: 8, X2: 16, Y2: 16}},
		GTIgnore:        []geometry.Box{{X1: 24, Y1: 24, X2: 32, Y2: 32}},
		GTLabels:        []int{0},
	})
	require.NoError(t, err)
	assert.Equal(t, Ignore, res.GTInds[15])
	assert.Equal(t, []int{5}, positives(res))
}

func TestATSSErrors(t *testing.T) {
	atss := NewATSS(logs.NewTestingLog(t), 9, -1)
	_, err := atss.Assign(Input{
		Anchors:         cellAnchors(2, 8),
		NumLevelAnchors: []int{3},
	})
	assert.Error(t, err)

	_, err = atss.Assign(Input{
		Anchors:         cellAnchors(2, 8),
		NumLevelAnchors: []int{4},
		GT:              []geometry.Box{{X1: 0, Y1: 0, X2: 8, Y2: 8}},
		GTLabels:        []int{1, 2},
	})
	assert.Error(t, err)
}

func TestDualATSSIsLooser(t *testing.T) {
	log := logs.NewTestingLog(t)
	in := Input{
		Anchors:         cellAnchors(4, 8),
		NumLevelAnchors: []int{16},
		GT:              []geometry.Box{{X1: 2, Y1: 2, X2: 22, Y2: 22}},
		GTLabels:        []int{1},
	}

	pos, err := NewATSS(log, 9, -1).Assign(in)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, positives(pos))

	neg, assignedNeg, err := NewDualATSS(log, 18, -1).AssignNeg(in)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 4, 5, 6, 8, 9, 10}, positives(neg))

	require.Len(t, assignedNeg, 16)
	for i, w := range assignedNeg {
		assert.Equal(t, neg.GTInds[i] > 0, w > 0, "anchor %d", i)
	}
	// 8x8 anchor fully inside the 20x20 box
	assert.InDelta(t, 0.16, assignedNeg[5], 1e-5)
}

func TestAssignIsDeterministic(t *testing.T) {
	atss := NewATSS(logs.NewTestingLog(t), 9, -1)
	in := Input{
		Anchors:         cellAnchors(6, 8),
		NumLevelAnchors: []int{20, 16},
		GT:              []geometry.Box{{X1: 3, Y1: 3, X2: 21, Y2: 19}, {X1: 20, Y1: 18, X2: 44, Y2: 40}},
		GTLabels:        []int{0, 2},
	}
	first, err := atss.Assign(in)
	require.NoError(t, err)
	second, err := atss.Assign(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPseudoSampler(t *testing.T) {
	anchors := cellAnchors(2, 8)
	gt := []geometry.Box{{X1: 0, Y1: 0, X2: 8, Y2: 8}, {X1: 8, Y1: 8, X2: 16, Y2: 16}}
	res := &AssignResult{NumGTs: 2, GTInds: []int{0, 1, Ignore, 2}}

	s, err := PseudoSampler{}.Sample(res, anchors, gt)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, s.PosInds)
	assert.Equal(t, []int{0}, s.NegInds)
	assert.Equal(t, []int{0, 1}, s.PosAssignedGTInds)
	assert.Equal(t, gt, s.PosGTBoxes)

	_, err = PseudoSampler{}.Sample(res, anchors[:3], gt)
	assert.Error(t, err)

	bad := &AssignResult{GTInds: []int{3, 0, 0, 0}}
	_, err = PseudoSampler{}.Sample(bad, anchors, gt)
	assert.Error(t, err)
}

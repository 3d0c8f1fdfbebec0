package conv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/ngcore/pkg/conv/patch"
	"github.com/itohio/ngcore/pkg/linalg"
	"github.com/itohio/ngcore/pkg/tensor"
)

func buildValidPatch(t *testing.T, inputShape, kernelSpatial []int) *patch.Patch {
	t.Helper()
	spatialRank := len(inputShape) - 2
	ones := make([]int, spatialRank)
	for i := range ones {
		ones[i] = 1
	}
	p, err := patch.Build(patch.NCHW, patch.OIHW, patch.Padding{Kind: patch.Valid}, ones, ones, kernelSpatial, inputShape)
	require.NoError(t, err)
	return p
}

func TestIm2Col_MaterializesColumnsForSingleChannel(t *testing.T) {
	// 1x1x3x3 input, 2x2 kernel, Valid padding -> 2x2 output positions.
	p := buildValidPatch(t, []int{1, 1, 3, 3}, []int{2, 2})
	mm, ok := linalg.PackedMatMul(1, 4, 4)
	require.True(t, ok)
	op := NewIm2Col("im2col", p, 1, 1, mm)

	input := tensor.FromFloat32(tensor.NewShape(1, 1, 3, 3), []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	outs, err := op.Eval([]tensor.Tensor{input})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Shape().Equal(tensor.NewShape(1, 1, mm.PackedBLen())))
}

func TestIm2Col_RejectsShapeMismatch(t *testing.T) {
	p := buildValidPatch(t, []int{1, 1, 3, 3}, []int{2, 2})
	mm, _ := linalg.PackedMatMul(1, 4, 4)
	op := NewIm2Col("im2col", p, 1, 1, mm)

	input := tensor.New(tensor.DTFP32, tensor.NewShape(1, 1, 4, 4))
	_, err := op.Eval([]tensor.Tensor{input})
	assert.Error(t, err)
}

func TestIm2Col_RejectsWrongDtype(t *testing.T) {
	p := buildValidPatch(t, []int{1, 1, 3, 3}, []int{2, 2})
	mm, _ := linalg.PackedMatMul(1, 4, 4)
	op := NewIm2Col("im2col", p, 1, 1, mm)

	input := tensor.New(tensor.DTFP64, tensor.NewShape(1, 1, 3, 3))
	_, err := op.Eval([]tensor.Tensor{input})
	assert.Error(t, err)
}

package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/ngcore/pkg/tensor"
)

func TestMatMulUnaryA_AppliesKernelPerPosition(t *testing.T) {
	// A: 2 output channels x 3 inner, identity-ish selection rows.
	a := tensor.FromFloat32(tensor.NewShape(2, 3), []float32{
		1, 0, 0,
		0, 0, 1,
	})
	op := NewMatMulUnaryA("mm", a)

	// Input: 2 positions (e.g. two NHWC pixels), 3 channels each.
	in := tensor.FromFloat32(tensor.NewShape(1, 2, 3), []float32{
		1, 2, 3,
		4, 5, 6,
	})
	outs, err := op.Eval([]tensor.Tensor{in})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Shape().Equal(tensor.NewShape(1, 2, 2)))

	got, err := outs[0].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 3, 4, 6}, got)
}

func TestMatMulUnaryA_RejectsMismatchedInnerDim(t *testing.T) {
	a := tensor.FromFloat32(tensor.NewShape(1, 3), []float32{1, 1, 1})
	op := NewMatMulUnaryA("mm", a)
	in := tensor.FromFloat32(tensor.NewShape(1, 2), []float32{1, 2})
	_, err := op.Eval([]tensor.Tensor{in})
	assert.Error(t, err)
}

func TestMatMulUnaryA_RejectsNonRank2A(t *testing.T) {
	a := tensor.FromFloat32(tensor.NewShape(3), []float32{1, 1, 1})
	op := NewMatMulUnaryA("mm", a)
	in := tensor.FromFloat32(tensor.NewShape(1, 3), []float32{1, 2, 3})
	_, err := op.Eval([]tensor.Tensor{in})
	assert.Error(t, err)
}

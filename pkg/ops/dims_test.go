package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/ngcore/pkg/tensor"
)

func TestAddDims_InsertsLengthOneAxes(t *testing.T) {
	op := NewAddDims("add", []int{0, 3})
	in := tensor.FromFloat32(tensor.NewShape(2, 3), make([]float32, 6))
	outs, err := op.Eval([]tensor.Tensor{in})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Shape().Equal(tensor.NewShape(1, 2, 3, 1)))
}

func TestAddDims_RejectsWrongInputCount(t *testing.T) {
	op := NewAddDims("add", []int{0})
	_, err := op.Eval(nil)
	assert.Error(t, err)
}

func TestRmDims_RemovesLengthOneAxes(t *testing.T) {
	op := NewRmDims("rm", []int{0, 3})
	in := tensor.FromFloat32(tensor.NewShape(1, 2, 3, 1), make([]float32, 6))
	outs, err := op.Eval([]tensor.Tensor{in})
	require.NoError(t, err)
	assert.True(t, outs[0].Shape().Equal(tensor.NewShape(2, 3)))
}

func TestRmDims_RejectsNonUnitAxis(t *testing.T) {
	op := NewRmDims("rm", []int{1})
	in := tensor.FromFloat32(tensor.NewShape(1, 2, 3), make([]float32, 6))
	_, err := op.Eval([]tensor.Tensor{in})
	assert.Error(t, err)
}

func TestAddDimsThenRmDims_RoundTrips(t *testing.T) {
	add := NewAddDims("add", []int{2})
	rm := NewRmDims("rm", []int{2})

	in := tensor.FromFloat32(tensor.NewShape(1, 1, 5), []float32{1, 2, 3, 4, 5})
	mid, err := add.Eval([]tensor.Tensor{in})
	require.NoError(t, err)
	require.True(t, mid[0].Shape().Equal(tensor.NewShape(1, 1, 1, 5)))

	out, err := rm.Eval(mid)
	require.NoError(t, err)
	assert.True(t, out[0].Shape().Equal(tensor.NewShape(1, 1, 5)))
	got, err := out[0].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, got)
}

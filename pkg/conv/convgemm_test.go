package conv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/ngcore/pkg/linalg"
	"github.com/itohio/ngcore/pkg/tensor"
)

func TestConvGemm_AppliesBiasPerOutputChannel(t *testing.T) {
	p := buildValidPatch(t, []int{1, 1, 3, 3}, []int{2, 2})
	mm, ok := linalg.PackedMatMul(1, 4, 4)
	require.True(t, ok)
	kernel2D := tensor.FromFloat32(tensor.NewShape(1, 4), []float32{1, 0, 0, 0})
	bias := tensor.FromFloat32(tensor.NewShape(1), []float32{10})

	gemm, err := NewConvGemm("gemm", p, 1, 1, mm, kernel2D, &bias)
	require.NoError(t, err)

	// Packed-B input: a 2x2 window over an all-ones 3x3 input has every
	// tap equal to 1 at every one of the 4 output positions, so the
	// packed (K=4 taps, N=4 positions) matrix is all-ones regardless of
	// which row the kernel picks.
	src := ones(mm.PackedBLen())
	packed := make([]float32, mm.PackedBLen())
	mm.PackB(packed, src, mm.N, 1)
	b := tensor.FromFloat32(tensor.NewShape(1, 1, mm.PackedBLen()), packed)

	outs, err := gemm.Eval([]tensor.Tensor{b})
	require.NoError(t, err)
	got, err := outs[0].Float32()
	require.NoError(t, err)
	for _, v := range got {
		assert.Equal(t, float32(11), v) // 1*1 (kernel row picks first tap) + bias 10
	}
}

func TestConvGemm_RejectsWrongGroupCount(t *testing.T) {
	p := buildValidPatch(t, []int{1, 1, 3, 3}, []int{2, 2})
	mm, _ := linalg.PackedMatMul(1, 4, 4)
	kernel2D := tensor.FromFloat32(tensor.NewShape(1, 4), ones(4))
	gemm, err := NewConvGemm("gemm", p, 1, 1, mm, kernel2D, nil)
	require.NoError(t, err)

	wrongShape := tensor.New(tensor.DTFP32, tensor.NewShape(1, 2, mm.PackedBLen()))
	_, err = gemm.Eval([]tensor.Tensor{wrongShape})
	assert.Error(t, err)
}

func TestConvGemm_RejectsNonFiniteBias(t *testing.T) {
	p := buildValidPatch(t, []int{1, 1, 3, 3}, []int{2, 2})
	mm, _ := linalg.PackedMatMul(1, 4, 4)
	kernel2D := tensor.FromFloat32(tensor.NewShape(1, 4), ones(4))
	bias := tensor.FromFloat32(tensor.NewShape(1), []float32{float32(math.NaN())})
	gemm, err := NewConvGemm("gemm", p, 1, 1, mm, kernel2D, &bias)
	require.NoError(t, err)

	packed := make([]float32, mm.PackedBLen())
	mm.PackB(packed, ones(mm.PackedBLen()), mm.N, 1)
	b := tensor.FromFloat32(tensor.NewShape(1, 1, mm.PackedBLen()), packed)
	_, err = gemm.Eval([]tensor.Tensor{b})
	assert.Error(t, err)
}

func TestNewConvGemm_RejectsGroupMismatchedM(t *testing.T) {
	p := buildValidPatch(t, []int{1, 2, 3, 3}, []int{2, 2})
	mm, _ := linalg.PackedMatMul(1, 4, 4) // m=1, but 2 output channels over 1 group needs m=2
	kernel2D := tensor.FromFloat32(tensor.NewShape(2, 4), ones(8))
	_, err := NewConvGemm("gemm", p, 2, 1, mm, kernel2D, nil)
	assert.Error(t, err)
}

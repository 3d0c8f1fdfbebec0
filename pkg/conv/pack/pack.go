// Package pack reshapes a convolution kernel into the 2-D
// (output_channels, inner) view the GEMM and direct-conv micro-kernels
// expect, and exposes the group-banding and raw-view helpers ConvGemm and
// Direct use to feed that view into the micro-kernel library's pack_a.
package pack

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/conv/patch"
	"github.com/itohio/ngcore/pkg/tensor"
)

// Reshape2D returns the kernel viewed as (outputChannels, inner), where
// inner is every remaining kernel element per output channel. OIHW
// already carries output channels on axis 0, so this is a plain reshape;
// HWIO must first be permuted to (O, I, spatial...) and materialized into
// a fresh contiguous buffer.
func Reshape2D(kernel tensor.Tensor, kf patch.KernelFormat, outputChannels int) (tensor.Tensor, error) {
	shape := kernel.Shape()
	total := shape.Size()
	if outputChannels <= 0 || total%outputChannels != 0 {
		return tensor.Tensor{}, fmt.Errorf("conv/pack: kernel has %d elements, not divisible by %d output channels", total, outputChannels)
	}
	inner := total / outputChannels

	if kf == patch.OIHW {
		return kernel.Reshape(tensor.NewShape(outputChannels, inner))
	}

	rank := shape.Rank()
	if rank < 2 {
		return tensor.Tensor{}, fmt.Errorf("conv/pack: HWIO kernel needs rank >= 2, got %d", rank)
	}
	inputChannels := shape[rank-2]
	spatial := shape[:rank-2]

	permutedShape := make(tensor.Shape, 0, rank)
	permutedShape = append(permutedShape, outputChannels, inputChannels)
	permutedShape = append(permutedShape, spatial...)
	permuted := tensor.New(kernel.DataType(), permutedShape)

	if err := permuteHWIOToOI(kernel, permuted, outputChannels, inputChannels, spatial); err != nil {
		return tensor.Tensor{}, err
	}
	return permuted.Reshape(tensor.NewShape(outputChannels, inner))
}

func permuteHWIOToOI(src, dst tensor.Tensor, outputChannels, inputChannels int, spatial []int) error {
	switch src.DataType() {
	case tensor.DTFP32:
		s, err := src.Float32()
		if err != nil {
			return err
		}
		d, err := dst.Float32()
		if err != nil {
			return err
		}
		permute(s, d, outputChannels, inputChannels, spatial)
		return nil
	case tensor.DTFP64:
		s, err := src.Float64()
		if err != nil {
			return err
		}
		d, err := dst.Float64()
		if err != nil {
			return err
		}
		permute(s, d, outputChannels, inputChannels, spatial)
		return nil
	default:
		return fmt.Errorf("conv/pack: unsupported kernel dtype %s for HWIO permute", src.DataType())
	}
}

// permute rewrites src, laid out (spatial..., I, O) row-major, into dst,
// laid out (O, I, spatial...) row-major.
func permute[T float32 | float64](src, dst []T, outputChannels, inputChannels int, spatial []int) {
	spatialTotal := 1
	for _, s := range spatial {
		spatialTotal *= s
	}
	for o := 0; o < outputChannels; o++ {
		for i := 0; i < inputChannels; i++ {
			dstBase := (o*inputChannels + i) * spatialTotal
			for s := 0; s < spatialTotal; s++ {
				srcIdx := (s*inputChannels+i)*outputChannels + o
				dst[dstBase+s] = src[srcIdx]
			}
		}
	}
}

// GroupBand returns the row range of a (outputChannels, inner) 2-D kernel
// view covering group g, out of `groups` equal contiguous bands.
func GroupBand(outputChannels, groups, g int) (rowStart, rowCount int, err error) {
	if groups <= 0 || outputChannels%groups != 0 {
		return 0, 0, fmt.Errorf("conv/pack: output_channels %d not divisible by group count %d", outputChannels, groups)
	}
	rowCount = outputChannels / groups
	rowStart = g * rowCount
	return rowStart, rowCount, nil
}

// Float32View2D returns a rank-2 f32 tensor's backing storage and its
// (row stride, column stride) in elements, the row/col-stride contract
// the micro-kernel library's pack_a expects.
func Float32View2D(t tensor.Tensor) (data []float32, rowStride, colStride int, err error) {
	data, err = t.Float32()
	if err != nil {
		return nil, 0, 0, err
	}
	strides := t.Strides()
	if len(strides) != 2 {
		return nil, 0, 0, fmt.Errorf("conv/pack: expected rank-2 tensor, got rank %d", len(strides))
	}
	return data, strides[0], strides[1], nil
}

// Package linalg is the linear-algebra micro-kernel boundary: a
// packed-A/packed-B GEMM and a sliding-window convolution kernel,
// consumed by pkg/conv but otherwise opaque to it.
package linalg

import "fmt"

// MatMul is a prepared (m, k, n) packed matrix multiply. Packed-A and
// packed-B buffers are plain row-major [m,k] / [k,n] panels; a real SIMD
// micro-kernel library would instead tile them for register blocking, but
// the packing *contract* -- caller supplies row/col strides, the kernel
// returns required buffer sizes and alignment -- is what pkg/conv depends
// on, so that is what this stand-in preserves.
type MatMul struct {
	M, K, N int
}

// PackedMatMul returns a prepared kernel for an (m, k, n) GEMM, or false if
// the shape is degenerate. A real micro-kernel library would also report
// false for dtypes/shapes it has no specialized kernel for.
func PackedMatMul(m, k, n int) (*MatMul, bool) {
	if m <= 0 || k <= 0 || n <= 0 {
		return nil, false
	}
	return &MatMul{M: m, K: k, N: n}, true
}

// PackedALen returns the required length of a packed-A buffer.
func (mm *MatMul) PackedALen() int { return mm.M * mm.K }

// PackedAAlignment returns the required byte alignment of a packed-A buffer.
func (mm *MatMul) PackedAAlignment() int { return 32 }

// PackedBLen returns the required length of a packed-B buffer.
func (mm *MatMul) PackedBLen() int { return mm.K * mm.N }

// PackedBAlignment returns the required byte alignment of a packed-B buffer.
func (mm *MatMul) PackedBAlignment() int { return 32 }

// PackA packs the M x K view of src (row stride rowStride, column stride
// colStride) into dst, which must have length >= PackedALen().
func (mm *MatMul) PackA(dst, src []float32, rowStride, colStride int) {
	idx := 0
	for i := 0; i < mm.M; i++ {
		base := i * rowStride
		for k := 0; k < mm.K; k++ {
			dst[idx] = src[base+k*colStride]
			idx++
		}
	}
}

// PackB packs the K x N view of src (row stride rowStride, column stride
// colStride) into dst, which must have length >= PackedBLen().
func (mm *MatMul) PackB(dst, src []float32, rowStride, colStride int) {
	idx := 0
	for k := 0; k < mm.K; k++ {
		base := k * rowStride
		for n := 0; n < mm.N; n++ {
			dst[idx] = src[base+n*colStride]
			idx++
		}
	}
}

// Run multiplies packed A (M x K) by packed B (K x N), writing the result
// into c at the given output element strides so the caller may target a
// slab embedded in a larger tensor (e.g. one (sample, group) of a grouped
// convolution's output).
func (mm *MatMul) Run(a, b, c []float32, cRowStride, cColStride int) error {
	if len(a) < mm.PackedALen() || len(b) < mm.PackedBLen() {
		return fmt.Errorf("linalg: matmul operand shorter than packed length")
	}
	for i := 0; i < mm.M; i++ {
		for n := 0; n < mm.N; n++ {
			var sum float32
			for k := 0; k < mm.K; k++ {
				sum += a[i*mm.K+k] * b[k*mm.N+n]
			}
			c[i*cRowStride+n*cColStride] = sum
		}
	}
	return nil
}

// ConvKernel is a prepared direct (sliding-window) convolution: for every
// output position and output channel, it sums input taps gathered via a
// precomputed offset table against a packed kernel row.
type ConvKernel struct {
	OutputChannels int
	KernelOffsets  []int
	DataOffsets    []int
}

// SConv returns a prepared f32 convolution kernel. kernelOffsets enumerates
// per-tap input offsets (channel-major, then spatial tap order);
// dataOffsets enumerates, per output position, the linear input offset of
// that position's window anchor.
func SConv(outputChannels int, kernelOffsets, dataOffsets []int) *ConvKernel {
	return &ConvKernel{
		OutputChannels: outputChannels,
		KernelOffsets:  kernelOffsets,
		DataOffsets:    dataOffsets,
	}
}

// PackedALen returns the required length of this kernel's packed-A buffer:
// one row of len(KernelOffsets) taps per output channel.
func (c *ConvKernel) PackedALen() int { return c.OutputChannels * len(c.KernelOffsets) }

// PackedAAlignment returns the required byte alignment of the packed-A buffer.
func (c *ConvKernel) PackedAAlignment() int { return 32 }

// PackA packs the (OutputChannels x taps) kernel view of src into dst,
// using the same row/col-stride contract as MatMul.PackA.
func (c *ConvKernel) PackA(dst, src []float32, rowStride, colStride int) {
	taps := len(c.KernelOffsets)
	idx := 0
	for oc := 0; oc < c.OutputChannels; oc++ {
		base := oc * rowStride
		for t := 0; t < taps; t++ {
			dst[idx] = src[base+t*colStride]
			idx++
		}
	}
}

// Run evaluates the prepared convolution against a packed-A kernel and a
// raw input buffer, skipping any explicit column materialization. Output
// is laid out channel-major then position-major (one slab per sample).
func (c *ConvKernel) Run(output, packedA, input []float32, inputOffset int) error {
	taps := len(c.KernelOffsets)
	positions := len(c.DataOffsets)
	if len(packedA) < c.PackedALen() {
		return fmt.Errorf("linalg: sconv packed-A buffer too small")
	}
	if len(output) < c.OutputChannels*positions {
		return fmt.Errorf("linalg: sconv output buffer too small")
	}
	for oc := 0; oc < c.OutputChannels; oc++ {
		row := packedA[oc*taps : oc*taps+taps]
		outRow := output[oc*positions : oc*positions+positions]
		for j := 0; j < positions; j++ {
			anchor := inputOffset + c.DataOffsets[j]
			var sum float32
			for t := 0; t < taps; t++ {
				sum += input[anchor+c.KernelOffsets[t]] * row[t]
			}
			outRow[j] = sum
		}
	}
	return nil
}
